// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deprecation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/lifecycle/services/lifecycle/catalog"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// recordingNotifier records deliveries and can fail selected
// milestones.
type recordingNotifier struct {
	mu     sync.Mutex
	sent   []Milestone
	failOn map[Milestone]bool
}

func (n *recordingNotifier) NotifyDeprecation(ctx context.Context, plan *Plan, m Milestone) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failOn[m] {
		return errors.New("delivery refused")
	}
	n.sent = append(n.sent, m)
	return nil
}

func (n *recordingNotifier) delivered() []Milestone {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Milestone(nil), n.sent...)
}

// meddlingNotifier rewrites the plan record during its second
// delivery, standing in for a concurrent writer racing the tick.
type meddlingNotifier struct {
	store catalog.Store
	sent  []Milestone
}

func (n *meddlingNotifier) NotifyDeprecation(ctx context.Context, plan *Plan, m Milestone) error {
	n.sent = append(n.sent, m)
	if len(n.sent) != 2 {
		return nil
	}
	var current Plan
	rev, err := n.store.Get(ctx, catalog.KindDeprecation, plan.ID, &current)
	if err != nil {
		return err
	}
	current.Reason = "amended mid-flight"
	_, err = n.store.CompareAndSwap(ctx, catalog.KindDeprecation, plan.ID, rev, &current)
	return err
}

func newTestScheduler(t *testing.T, clock Clock, notifier Notifier) (*Scheduler, catalog.Store) {
	t.Helper()
	store, err := catalog.OpenInMemoryStore()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewScheduler(store, notifier, clock, SchedulerConfig{Interval: time.Hour}, nil), store
}

func seedTemplate(t *testing.T, store catalog.Store, id string) {
	t.Helper()
	tmpl := &catalog.Template{
		ID:      id,
		Version: 1,
		Steps:   []string{"a", "b"},
		Status:  catalog.StatusActive,
	}
	if err := catalog.PutTemplate(context.Background(), store, tmpl); err != nil {
		t.Fatalf("put template: %v", err)
	}
}

func TestScheduleDerivesMilestones(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eol := start.AddDate(0, 6, 0)
	clock := &fakeClock{now: start}
	sched, store := newTestScheduler(t, clock, nil)
	seedTemplate(t, store, "tmpl-dep")
	ctx := context.Background()

	plan, err := sched.Schedule(ctx, "tmpl-dep", eol, "superseded by v2")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(plan.Notifications) != 3 {
		t.Fatalf("got %d notifications, want 3", len(plan.Notifications))
	}
	if plan.Notifications[0].Milestone != MilestoneAnnounce || plan.Notifications[0].DueAt != start.UnixMilli() {
		t.Errorf("announce due at %d, want %d", plan.Notifications[0].DueAt, start.UnixMilli())
	}
	wantMid := start.UnixMilli() + (eol.UnixMilli()-start.UnixMilli())/2
	if plan.Notifications[1].DueAt != wantMid {
		t.Errorf("midpoint due at %d, want %d", plan.Notifications[1].DueAt, wantMid)
	}
	wantFinal := eol.Add(-FinalWarningLead).UnixMilli()
	if plan.Notifications[2].DueAt != wantFinal {
		t.Errorf("final warning due at %d, want %d", plan.Notifications[2].DueAt, wantFinal)
	}

	// Scheduling itself deprecates the template.
	tmpl, _, err := catalog.GetTemplate(ctx, store, "tmpl-dep")
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if tmpl.Status != catalog.StatusDeprecated {
		t.Errorf("template status = %q, want deprecated", tmpl.Status)
	}

	if _, err := sched.Schedule(ctx, "tmpl-dep", eol, ""); !errors.Is(err, ErrAlreadyScheduled) {
		t.Errorf("double schedule: err = %v, want ErrAlreadyScheduled", err)
	}
}

func TestScheduleShortWindowClampsMilestones(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	sched, store := newTestScheduler(t, clock, nil)
	seedTemplate(t, store, "tmpl-short")

	// Three-day window: the final warning would land before the plan
	// exists, so it clamps forward to the midpoint.
	plan, err := sched.Schedule(context.Background(), "tmpl-short", start.Add(72*time.Hour), "")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	for _, n := range plan.Notifications {
		if n.DueAt < start.UnixMilli() {
			t.Errorf("%s due at %d, before window start %d", n.Milestone, n.DueAt, start.UnixMilli())
		}
	}
	wantMid := start.Add(36 * time.Hour).UnixMilli()
	if plan.Notifications[1].DueAt != wantMid {
		t.Errorf("midpoint due at %d, want %d", plan.Notifications[1].DueAt, wantMid)
	}
	if plan.Notifications[2].DueAt != wantMid {
		t.Errorf("final warning should clamp to the midpoint, got %d", plan.Notifications[2].DueAt)
	}
}

// Windows between one and two weeks put EOL-7d ahead of the midpoint;
// the derived timeline must still run announce, midpoint, final
// warning in non-decreasing order.
func TestScheduleMilestonesNeverRegress(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	sched, store := newTestScheduler(t, clock, nil)
	seedTemplate(t, store, "tmpl-tenday")

	plan, err := sched.Schedule(context.Background(), "tmpl-tenday", start.AddDate(0, 0, 10), "")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	var prev int64
	for _, n := range plan.Notifications {
		if n.DueAt < prev {
			t.Errorf("%s due at %d, before preceding milestone at %d", n.Milestone, n.DueAt, prev)
		}
		prev = n.DueAt
	}
	wantMid := start.AddDate(0, 0, 5).UnixMilli()
	if plan.Notifications[1].DueAt != wantMid {
		t.Errorf("midpoint due at %d, want %d", plan.Notifications[1].DueAt, wantMid)
	}
	if plan.Notifications[2].DueAt != wantMid {
		t.Errorf("final warning due at %d, want pinned to midpoint %d", plan.Notifications[2].DueAt, wantMid)
	}
}

func TestScheduleRejectsPastEOL(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	sched, store := newTestScheduler(t, clock, nil)
	seedTemplate(t, store, "tmpl-x")

	if _, err := sched.Schedule(context.Background(), "tmpl-x", start.Add(-time.Hour), ""); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("err = %v, want ErrInvalidWindow", err)
	}
}

// TestSixMonthTimeline walks a six-month deprecation with a fake
// clock: each milestone fires exactly once, and the tick at EOL
// retires the template and completes the plan.
func TestSixMonthTimeline(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eol := start.AddDate(0, 6, 0)
	clock := &fakeClock{now: start}
	notifier := &recordingNotifier{}
	sched, store := newTestScheduler(t, clock, notifier)
	seedTemplate(t, store, "tmpl-six")
	ctx := context.Background()

	plan, err := sched.Schedule(ctx, "tmpl-six", eol, "")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Tick at start: announce only.
	if _, err := sched.Tick(ctx, start); err != nil {
		t.Fatalf("tick at start: %v", err)
	}
	if got := notifier.delivered(); len(got) != 1 || got[0] != MilestoneAnnounce {
		t.Fatalf("after start tick delivered = %v, want [announce]", got)
	}

	// Month 2: nothing new due; an extra tick must not resend.
	if _, err := sched.Tick(ctx, start.AddDate(0, 2, 0)); err != nil {
		t.Fatalf("tick at month 2: %v", err)
	}
	if got := notifier.delivered(); len(got) != 1 {
		t.Fatalf("month 2 resent notifications: %v", got)
	}

	// Month 3: midpoint.
	if _, err := sched.Tick(ctx, start.AddDate(0, 3, 0)); err != nil {
		t.Fatalf("tick at month 3: %v", err)
	}
	if got := notifier.delivered(); len(got) != 2 || got[1] != MilestoneMidpoint {
		t.Fatalf("after month 3 delivered = %v, want midpoint second", got)
	}

	// EOL − 3 days: final warning.
	if _, err := sched.Tick(ctx, eol.Add(-72*time.Hour)); err != nil {
		t.Fatalf("tick near eol: %v", err)
	}
	if got := notifier.delivered(); len(got) != 3 || got[2] != MilestoneFinalWarning {
		t.Fatalf("near eol delivered = %v, want final-warning third", got)
	}

	// EOL: retire.
	if _, err := sched.Tick(ctx, eol); err != nil {
		t.Fatalf("tick at eol: %v", err)
	}
	tmpl, _, err := catalog.GetTemplate(ctx, store, "tmpl-six")
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if tmpl.Status != catalog.StatusRetired {
		t.Errorf("template status = %q, want retired", tmpl.Status)
	}
	final, err := sched.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if final.State != PlanCompleted || final.RetiredAt != eol.UnixMilli() {
		t.Errorf("plan = %s retired_at %d, want completed at %d", final.State, final.RetiredAt, eol.UnixMilli())
	}

	// Ticking past EOL again is a no-op.
	changed, err := sched.Tick(ctx, eol.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("tick past eol: %v", err)
	}
	if changed != 0 {
		t.Errorf("post-completion tick changed %d plans, want 0", changed)
	}
	if got := notifier.delivered(); len(got) != 3 {
		t.Errorf("post-completion tick delivered %v, want 3 total", got)
	}
}

// TestCatchUpTick covers restart recovery: one tick far past several
// due milestones delivers them all and retires the template.
func TestCatchUpTick(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eol := start.AddDate(0, 6, 0)
	clock := &fakeClock{now: start}
	notifier := &recordingNotifier{}
	sched, store := newTestScheduler(t, clock, notifier)
	seedTemplate(t, store, "tmpl-catchup")
	ctx := context.Background()

	if _, err := sched.Schedule(ctx, "tmpl-catchup", eol, ""); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if _, err := sched.Tick(ctx, eol.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("catch-up tick: %v", err)
	}
	if got := notifier.delivered(); len(got) != 3 {
		t.Fatalf("catch-up delivered = %v, want all 3 milestones", got)
	}
	tmpl, _, err := catalog.GetTemplate(ctx, store, "tmpl-catchup")
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if tmpl.Status != catalog.StatusRetired {
		t.Errorf("template status = %q, want retired", tmpl.Status)
	}
}

func TestNotificationFailureRetriedNextTick(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	notifier := &recordingNotifier{failOn: map[Milestone]bool{MilestoneAnnounce: true}}
	sched, store := newTestScheduler(t, clock, notifier)
	seedTemplate(t, store, "tmpl-retry")
	ctx := context.Background()

	plan, err := sched.Schedule(ctx, "tmpl-retry", start.AddDate(0, 6, 0), "")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Delivery fails; the milestone stays pending and the tick does
	// not error.
	if _, err := sched.Tick(ctx, start); err != nil {
		t.Fatalf("tick with failing notifier: %v", err)
	}
	cur, err := sched.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if cur.Notifications[0].SentAt != 0 {
		t.Fatal("failed notification should stay pending")
	}

	// Once delivery recovers, the next tick sends it.
	notifier.mu.Lock()
	notifier.failOn = nil
	notifier.mu.Unlock()
	if _, err := sched.Tick(ctx, start.Add(time.Minute)); err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	if got := notifier.delivered(); len(got) != 1 || got[0] != MilestoneAnnounce {
		t.Fatalf("delivered = %v, want [announce]", got)
	}
}

// TestDeliveredNotificationSurvivesPlanConflict: each delivery commits
// before the next one goes out, so a writer racing the tick can only
// force a re-send of the milestone that was in flight, never lose one
// that already reached consumers.
func TestDeliveredNotificationSurvivesPlanConflict(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eol := start.AddDate(0, 6, 0)
	clock := &fakeClock{now: start}
	notifier := &meddlingNotifier{}
	sched, store := newTestScheduler(t, clock, notifier)
	notifier.store = store
	seedTemplate(t, store, "tmpl-race")
	ctx := context.Background()

	plan, err := sched.Schedule(ctx, "tmpl-race", eol, "")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Catch-up tick past the midpoint: announce and midpoint are both
	// due. The midpoint delivery rewrites the plan underneath the tick,
	// so the midpoint commit loses its compare-and-swap.
	if _, err := sched.Tick(ctx, start.AddDate(0, 3, 0)); !errors.Is(err, catalog.ErrVersionConflict) {
		t.Fatalf("tick err = %v, want version conflict", err)
	}

	cur, err := sched.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if cur.Notifications[0].SentAt == 0 {
		t.Fatal("announce was delivered before the conflict and must stay recorded")
	}
	if cur.Notifications[1].SentAt != 0 {
		t.Fatal("midpoint commit lost the swap and must stay pending")
	}

	// The next tick re-reads and re-sends just the midpoint.
	if _, err := sched.Tick(ctx, start.AddDate(0, 3, 0)); err != nil {
		t.Fatalf("retry tick: %v", err)
	}
	cur, err = sched.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("get plan after retry: %v", err)
	}
	if cur.Notifications[1].SentAt == 0 {
		t.Fatal("midpoint should deliver on the retry tick")
	}
	want := []Milestone{MilestoneAnnounce, MilestoneMidpoint, MilestoneMidpoint}
	if len(notifier.sent) != len(want) {
		t.Fatalf("deliveries = %v, want %v", notifier.sent, want)
	}
	for i, m := range want {
		if notifier.sent[i] != m {
			t.Errorf("delivery %d = %s, want %s", i, notifier.sent[i], m)
		}
	}
}

func TestCancelRestoresTemplate(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	sched, store := newTestScheduler(t, clock, nil)
	seedTemplate(t, store, "tmpl-cancel")
	ctx := context.Background()

	plan, err := sched.Schedule(ctx, "tmpl-cancel", start.AddDate(0, 6, 0), "")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	cancelled, err := sched.Cancel(ctx, plan.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != PlanCancelled {
		t.Errorf("state = %q, want cancelled", cancelled.State)
	}
	tmpl, _, err := catalog.GetTemplate(ctx, store, "tmpl-cancel")
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if tmpl.Status != catalog.StatusActive {
		t.Errorf("template status = %q, want active", tmpl.Status)
	}

	// Cancelled plans are inert under Tick.
	changed, err := sched.Tick(ctx, start.AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if changed != 0 {
		t.Errorf("tick changed %d plans after cancel, want 0", changed)
	}
}

func TestWorkerStartStop(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	sched, _ := newTestScheduler(t, clock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sched.Start(ctx); err == nil {
		t.Fatal("second start should fail while running")
	}
	if err := sched.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := sched.Stop(); err != nil {
		t.Fatalf("double stop: %v", err)
	}

	// Restart after stop is allowed.
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := sched.Stop(); err != nil {
		t.Fatalf("stop after restart: %v", err)
	}
}
