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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/lifecycle/pkg/logging"
	"github.com/AleutianAI/lifecycle/services/lifecycle/catalog"
	"github.com/AleutianAI/lifecycle/services/lifecycle/telemetry"
)

// ============================================================================
// Scheduler
// ============================================================================

// SchedulerConfig holds settings for the background deprecation worker.
type SchedulerConfig struct {
	// Interval is how often the worker ticks. Default: 1 minute.
	Interval time.Duration
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{Interval: 1 * time.Minute}
}

// Scheduler manages deprecation plans and their notification timeline.
//
// # Description
//
// Schedule creates a plan and marks the template deprecated; Tick is
// the sole plan mutator afterward. The background worker started by
// Start just calls Tick on an interval with the injected clock's time,
// so tests and operators can call Tick directly with any instant.
//
// # Thread Safety
//
// Safe for concurrent use. Plan updates go through the store's
// compare-and-swap; overlapping ticks serialize per plan, the loser
// stops with an error, and the next tick re-reads already-updated
// state, which the idempotent tick logic treats as nothing to do.
// Overlapping ticks can deliver the same milestone twice: the
// deliver-then-commit order makes delivery at-least-once.
type Scheduler struct {
	store    catalog.Store
	notifier Notifier
	clock    Clock
	config   SchedulerConfig
	logger   *logging.Logger

	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewScheduler creates a Scheduler. Nil notifier drops notifications;
// nil clock reads the system clock.
func NewScheduler(store catalog.Store, notifier Notifier, clock Clock, config SchedulerConfig, logger *logging.Logger) *Scheduler {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if config.Interval <= 0 {
		config.Interval = DefaultSchedulerConfig().Interval
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{
		store:    store,
		notifier: notifier,
		clock:    clock,
		config:   config,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Schedule creates a deprecation plan for a template.
//
// Description:
//
//	Marks the template deprecated, derives the three-milestone
//	notification timeline (announce now, midpoint of the window, final
//	warning seven days before EOL — each clamped to land no earlier
//	than the previous milestone), and persists the plan in scheduled
//	state. The announce notification itself is delivered by the next
//	Tick.
//
// Inputs:
//   - ctx: request-scoped context.
//   - templateID: template to deprecate. Must exist and not be retired.
//   - eolAt: end-of-life instant. Must be after the clock's now.
//   - reason: operator-supplied justification, may be empty.
//
// Outputs:
//   - *Plan: the persisted plan.
//   - error: catalog.ErrNotFound, catalog.ErrTemplateRetired,
//     ErrInvalidWindow, ErrAlreadyScheduled, or a store error.
func (s *Scheduler) Schedule(ctx context.Context, templateID string, eolAt time.Time, reason string) (*Plan, error) {
	now := s.clock.Now()
	if !eolAt.After(now) {
		return nil, fmt.Errorf("%w: eol %s is not after %s",
			ErrInvalidWindow, eolAt.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}

	existing, err := s.planForTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.State == PlanScheduled {
		return nil, fmt.Errorf("%w: %s (plan %s)", ErrAlreadyScheduled, templateID, existing.ID)
	}

	if _, err := catalog.UpdateTemplate(ctx, s.store, templateID, func(t *catalog.Template) error {
		t.Status = catalog.StatusDeprecated
		return nil
	}); err != nil {
		return nil, fmt.Errorf("deprecate template %s: %w", templateID, err)
	}

	nowMs := now.UnixMilli()
	plan := &Plan{
		ID:            uuid.NewString(),
		TemplateID:    templateID,
		StartAt:       nowMs,
		EOLAt:         eolAt.UnixMilli(),
		Reason:        reason,
		Notifications: milestones(nowMs, eolAt.UnixMilli()),
		State:         PlanScheduled,
		CreatedAt:     nowMs,
		UpdatedAt:     nowMs,
	}
	if _, err := s.store.Put(ctx, catalog.KindDeprecation, plan.ID, plan); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	s.logger.Info("deprecation scheduled",
		"plan_id", plan.ID,
		"template_id", templateID,
		"eol_at", eolAt.UTC().Format(time.RFC3339),
	)
	return plan, nil
}

// milestones derives the notification timeline. Each milestone lands
// no earlier than the one before it: a window short enough that the
// final-warning lead would cross the midpoint (or the start) still
// gets all three notifications, in order, bunched together.
func milestones(startMs, eolMs int64) []Notification {
	announce := startMs
	midpoint := startMs + (eolMs-startMs)/2
	if midpoint < announce {
		midpoint = announce
	}
	final := eolMs - FinalWarningLead.Milliseconds()
	if final < midpoint {
		final = midpoint
	}
	return []Notification{
		{Milestone: MilestoneAnnounce, DueAt: announce},
		{Milestone: MilestoneMidpoint, DueAt: midpoint},
		{Milestone: MilestoneFinalWarning, DueAt: final},
	}
}

// Cancel withdraws a scheduled plan and restores the template to
// active.
func (s *Scheduler) Cancel(ctx context.Context, planID string) (*Plan, error) {
	plan, rev, err := s.getPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.State != PlanScheduled {
		return plan, fmt.Errorf("plan %s is %s, want scheduled", planID, plan.State)
	}

	if _, err := catalog.UpdateTemplate(ctx, s.store, plan.TemplateID, func(t *catalog.Template) error {
		t.Status = catalog.StatusActive
		return nil
	}); err != nil {
		return nil, fmt.Errorf("reactivate template %s: %w", plan.TemplateID, err)
	}

	plan.State = PlanCancelled
	plan.UpdatedAt = s.clock.Now().UnixMilli()
	if _, err := s.store.CompareAndSwap(ctx, catalog.KindDeprecation, plan.ID, rev, plan); err != nil {
		return nil, fmt.Errorf("persist cancel: %w", err)
	}

	s.logger.Info("deprecation cancelled",
		"plan_id", planID,
		"template_id", plan.TemplateID,
	)
	return plan, nil
}

// ============================================================================
// Tick
// ============================================================================

// Tick advances every scheduled plan to the given instant.
//
// Description:
//
//	The sole mutator of deprecation plans after scheduling. For each
//	scheduled plan it delivers due, unsent notifications and, once now
//	reaches EOL, retires the template and completes the plan. Running
//	the same tick twice is a no-op: sent notifications carry their
//	SentAt and completed plans are skipped. A notification delivery
//	failure is logged and left pending for the next tick; it never
//	blocks retirement.
//
// Inputs:
//   - ctx: request-scoped context.
//   - now: the instant to advance to. The worker passes clock.Now();
//     tests pass fabricated times.
//
// Outputs:
//   - int: number of plans that changed.
//   - error: first store error encountered.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	plans, err := s.ListPlans(ctx)
	if err != nil {
		return 0, err
	}

	nowMs := now.UnixMilli()
	changed := 0
	for _, summary := range plans {
		if summary.State != PlanScheduled {
			continue
		}
		did, err := s.tickPlan(ctx, summary.ID, nowMs)
		if err != nil {
			return changed, err
		}
		if did {
			changed++
		}
	}
	return changed, nil
}

// tickPlan advances one plan. Returns true if the plan was persisted.
//
// Every successful delivery commits through compare-and-swap before
// the next notification goes out, so a later failure can never lose
// the record of a notification that actually reached consumers.
// Delivery is at-least-once: a crash between delivery and commit
// re-sends that one milestone on the next tick.
func (s *Scheduler) tickPlan(ctx context.Context, planID string, nowMs int64) (bool, error) {
	plan, rev, err := s.getPlan(ctx, planID)
	if err != nil {
		return false, err
	}
	if plan.State != PlanScheduled {
		return false, nil
	}

	changed := false
	for i := range plan.Notifications {
		n := &plan.Notifications[i]
		if n.SentAt != 0 || n.DueAt > nowMs {
			continue
		}
		if err := s.notifier.NotifyDeprecation(ctx, plan, n.Milestone); err != nil {
			// Left pending; the next tick retries.
			s.logger.Warn("deprecation notification failed",
				"plan_id", plan.ID,
				"template_id", plan.TemplateID,
				"milestone", n.Milestone,
				"error", err,
			)
			continue
		}
		n.SentAt = nowMs
		plan.UpdatedAt = nowMs
		rev, err = s.store.CompareAndSwap(ctx, catalog.KindDeprecation, plan.ID, rev, plan)
		if err != nil {
			return changed, fmt.Errorf("persist %s notification for plan %s: %w", n.Milestone, plan.ID, err)
		}
		changed = true
		telemetry.DeprecationNotifications.WithLabelValues(string(n.Milestone)).Inc()
	}

	if nowMs >= plan.EOLAt {
		if _, err := catalog.UpdateTemplate(ctx, s.store, plan.TemplateID, func(t *catalog.Template) error {
			t.Status = catalog.StatusRetired
			return nil
		}); err != nil {
			return changed, fmt.Errorf("retire template %s: %w", plan.TemplateID, err)
		}
		plan.State = PlanCompleted
		plan.RetiredAt = nowMs
		plan.UpdatedAt = nowMs
		if _, err := s.store.CompareAndSwap(ctx, catalog.KindDeprecation, plan.ID, rev, plan); err != nil {
			return changed, fmt.Errorf("persist completion for plan %s: %w", plan.ID, err)
		}
		changed = true
		s.logger.Info("template retired at end-of-life",
			"plan_id", plan.ID,
			"template_id", plan.TemplateID,
		)
	}

	return changed, nil
}

// ============================================================================
// Background worker
// ============================================================================

// Start launches the background tick loop. Returns an error if the
// worker is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("deprecation scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("deprecation scheduler starting",
		"interval", s.config.Interval.String(),
	)
	go s.runLoop(ctx)
	return nil
}

// Stop signals the worker to exit. Safe to call multiple times.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	close(s.done)
	s.running = false
	s.logger.Info("deprecation scheduler stopped")
	return nil
}

// runLoop ticks at the configured interval until stopped. An immediate
// first tick catches up plans that came due while the service was down.
func (s *Scheduler) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.executeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.executeTick(ctx)
		}
	}
}

func (s *Scheduler) executeTick(ctx context.Context) {
	changed, err := s.Tick(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("deprecation tick failed", "error", err)
		return
	}
	if changed > 0 {
		s.logger.Info("deprecation tick advanced plans", "changed", changed)
	}
}

// ============================================================================
// Queries
// ============================================================================

// GetPlan loads a plan by id.
func (s *Scheduler) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	plan, _, err := s.getPlan(ctx, planID)
	return plan, err
}

func (s *Scheduler) getPlan(ctx context.Context, planID string) (*Plan, uint64, error) {
	var plan Plan
	rev, err := s.store.Get(ctx, catalog.KindDeprecation, planID, &plan)
	if err != nil {
		return nil, 0, fmt.Errorf("load plan %s: %w", planID, err)
	}
	return &plan, rev, nil
}

// ListPlans returns every persisted plan ordered by id.
func (s *Scheduler) ListPlans(ctx context.Context) ([]*Plan, error) {
	var plans []*Plan
	err := s.store.List(ctx, catalog.KindDeprecation, func(id string, _ uint64, data []byte) error {
		var plan Plan
		if err := json.Unmarshal(data, &plan); err != nil {
			return fmt.Errorf("decode plan %s: %w", id, err)
		}
		plans = append(plans, &plan)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plans, nil
}

// planForTemplate finds the plan covering a template, nil if none.
func (s *Scheduler) planForTemplate(ctx context.Context, templateID string) (*Plan, error) {
	plans, err := s.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	for _, plan := range plans {
		if plan.TemplateID == templateID && plan.State == PlanScheduled {
			return plan, nil
		}
	}
	return nil, nil
}
