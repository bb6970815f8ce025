// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/lifecycle/pkg/logging"
	"github.com/AleutianAI/lifecycle/services/lifecycle/catalog"
	"github.com/AleutianAI/lifecycle/services/lifecycle/telemetry"
)

// ============================================================================
// Monitor
// ============================================================================

// MonitorConfig holds settings for the health monitor.
type MonitorConfig struct {
	// ProbeTimeout is the per-probe time budget. Default: 10s.
	ProbeTimeout time.Duration

	// TickInterval is how often the background worker wakes up to run
	// due scheduled checks. Default: 10 seconds.
	TickInterval time.Duration
}

// DefaultMonitorConfig returns production defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		ProbeTimeout: DefaultProbeTimeout,
		TickInterval: 10 * time.Second,
	}
}

// scheduleEntry tracks one template's scheduled checks.
type scheduleEntry struct {
	interval time.Duration
	nextDue  time.Time
	streak   int // consecutive failed scheduled checks
}

// Monitor runs probe batteries and schedules recurring checks.
//
// # Thread Safety
//
// Safe for concurrent use. The schedule table is mutex-protected;
// checks themselves only touch the store, which is safe for concurrent
// use.
type Monitor struct {
	store      catalog.Store
	probes     []Probe
	rollbacker Rollbacker
	clock      Clock
	config     MonitorConfig
	logger     *logging.Logger

	mu       sync.Mutex
	schedule map[string]*scheduleEntry
	running  bool
	done     chan struct{}
}

// NewMonitor creates a Monitor. Nil probes installs the default
// battery; a nil rollbacker disables the failure-streak rollback; a
// nil clock reads the system clock.
func NewMonitor(store catalog.Store, rollbacker Rollbacker, clock Clock, config MonitorConfig, logger *logging.Logger, probes ...Probe) *Monitor {
	if len(probes) == 0 {
		probes = DefaultBattery()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultMonitorConfig().TickInterval
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Monitor{
		store:      store,
		probes:     probes,
		rollbacker: rollbacker,
		clock:      clock,
		config:     config,
		logger:     logger,
		schedule:   make(map[string]*scheduleEntry),
		done:       make(chan struct{}),
	}
}

// Check runs the probe battery against a template on demand.
//
// Description:
//
//	Loads the template, runs every probe concurrently under the
//	per-probe timeout, persists the result as history, and promotes
//	the deployed version to last known good when the check is healthy.
//	On-demand checks never count toward the scheduled failure streak.
//
// Inputs:
//   - ctx: request-scoped context.
//   - templateID: template to check.
//
// Outputs:
//   - *CheckResult: the recorded outcome, healthy or not.
//   - error: catalog.ErrNotFound or a store error. A failing probe is
//     reported through the result, not the error.
func (m *Monitor) Check(ctx context.Context, templateID string) (*CheckResult, error) {
	return m.runCheck(ctx, templateID, false)
}

func (m *Monitor) runCheck(ctx context.Context, templateID string, scheduled bool) (*CheckResult, error) {
	tmpl, _, err := catalog.GetTemplate(ctx, m.store, templateID)
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", templateID, err)
	}

	checkStart := time.Now()
	results := make([]ProbeResult, len(m.probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, probe := range m.probes {
		g.Go(func() error {
			results[i] = m.runProbe(gctx, probe, tmpl)
			return nil
		})
	}
	// Probe outcomes are reported through results; Wait only surfaces
	// a cancelled parent context.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Failed iff any probe failed or timed out; degraded iff no probe
	// failed but at least one warned.
	status := CheckHealthy
	for _, r := range results {
		switch r.Status {
		case ProbeFailed, ProbeTimedOut:
			status = CheckFailed
		case ProbeWarned:
			if status == CheckHealthy {
				status = CheckDegraded
			}
		}
	}
	telemetry.ChecksTotal.WithLabelValues(string(status)).Inc()
	telemetry.CheckDuration.Observe(time.Since(checkStart).Seconds())

	result := &CheckResult{
		ID:         uuid.NewString(),
		TemplateID: templateID,
		Version:    tmpl.Version,
		Status:     status,
		Probes:     results,
		Scheduled:  scheduled,
		CheckedAt:  m.clock.Now().UnixMilli(),
	}
	if _, err := m.store.Put(ctx, catalog.KindHealth, result.ID, result); err != nil {
		return nil, fmt.Errorf("persist check result: %w", err)
	}

	if status == CheckHealthy && tmpl.DeployedVersion != 0 && tmpl.LastKnownGood != tmpl.DeployedVersion {
		if _, err := catalog.UpdateTemplate(ctx, m.store, templateID, func(t *catalog.Template) error {
			if t.DeployedVersion != 0 {
				t.LastKnownGood = t.DeployedVersion
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("promote last known good: %w", err)
		}
	}

	m.logger.Debug("health check completed",
		"template_id", templateID,
		"status", status,
		"scheduled", scheduled,
	)
	return result, nil
}

// runProbe runs one probe under its timeout and classifies the outcome.
func (m *Monitor) runProbe(ctx context.Context, probe Probe, tmpl *catalog.Template) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	started := time.Now()
	err := probe.Run(probeCtx, tmpl)
	elapsed := time.Since(started).Milliseconds()

	result := ProbeResult{Name: probe.Name(), Status: ProbePassed, DurationMs: elapsed}
	if err == nil {
		return result
	}
	if errors.Is(err, ErrProbeWarning) {
		result.Status = ProbeWarned
		result.Error = err.Error()
		return result
	}
	if errors.Is(err, context.DeadlineExceeded) && probeCtx.Err() != nil {
		result.Status = ProbeTimedOut
		result.Error = fmt.Sprintf("%v: %v", ErrProbeTimeout, err)
		telemetry.ProbeTimeouts.WithLabelValues(probe.Name()).Inc()
		return result
	}
	result.Status = ProbeFailed
	result.Error = err.Error()
	return result
}

// ============================================================================
// Deployment confirmation
// ============================================================================

// ConfirmDeployment records that a template version is live.
//
// Scheduled checks are refused until a deployment is confirmed; probing
// an undeployed version measures nothing.
func (m *Monitor) ConfirmDeployment(ctx context.Context, templateID string, version int) error {
	if version <= 0 {
		return fmt.Errorf("%w: version %d", catalog.ErrInvalidInput, version)
	}
	_, err := catalog.UpdateTemplate(ctx, m.store, templateID, func(t *catalog.Template) error {
		if version > t.Version {
			return fmt.Errorf("%w: deployed version %d exceeds artifact version %d",
				catalog.ErrInvalidInput, version, t.Version)
		}
		t.DeployedVersion = version
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("deployment confirmed",
		"template_id", templateID,
		"version", version,
	)
	return nil
}

// ============================================================================
// Scheduling
// ============================================================================

// Schedule registers recurring checks for a template.
//
// The first check is due immediately. Returns
// ErrDeploymentNotConfirmed if the template has no confirmed deployed
// version.
func (m *Monitor) Schedule(ctx context.Context, templateID string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval %s", catalog.ErrInvalidInput, interval)
	}
	tmpl, _, err := catalog.GetTemplate(ctx, m.store, templateID)
	if err != nil {
		return fmt.Errorf("load template %s: %w", templateID, err)
	}
	if tmpl.DeployedVersion == 0 {
		return fmt.Errorf("%w: template %s", ErrDeploymentNotConfirmed, templateID)
	}

	m.mu.Lock()
	m.schedule[templateID] = &scheduleEntry{
		interval: interval,
		nextDue:  m.clock.Now(),
	}
	m.mu.Unlock()

	m.logger.Info("health checks scheduled",
		"template_id", templateID,
		"interval", interval.String(),
	)
	return nil
}

// Cancel removes a template's schedule. Returns ErrNotScheduled if it
// has none.
func (m *Monitor) Cancel(templateID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedule[templateID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotScheduled, templateID)
	}
	delete(m.schedule, templateID)
	m.logger.Info("health checks cancelled", "template_id", templateID)
	return nil
}

// Scheduled returns the templates with active schedules, sorted.
func (m *Monitor) Scheduled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.schedule))
	for id := range m.schedule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Tick runs every scheduled check that is due at the given instant.
//
// Description:
//
//	For each due template, runs the battery and advances the failure
//	streak: a failed scheduled check increments it, anything else
//	resets it. When the streak reaches FailureThreshold the rollbacker
//	is invoked and the streak resets, so a template that keeps failing
//	after rollback earns a fresh threshold rather than a rollback per
//	tick. A template that disappears from the catalog is unscheduled.
//	A check that could not run at all (store error) leaves its entry
//	due, so the next tick retries instead of skipping the interval.
//
// Outputs:
//   - int: number of checks run.
//   - error: first store error encountered.
func (m *Monitor) Tick(ctx context.Context, now time.Time) (int, error) {
	due := m.dueTemplates(now)
	ran := 0
	for _, templateID := range due {
		result, err := m.runCheck(ctx, templateID, true)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				m.logger.Warn("scheduled template gone, unscheduling",
					"template_id", templateID,
				)
				_ = m.Cancel(templateID)
				continue
			}
			return ran, err
		}
		m.advanceSchedule(templateID, now)
		ran++
		m.recordOutcome(ctx, templateID, result)
	}
	return ran, nil
}

// dueTemplates collects the schedule entries due at the given instant.
func (m *Monitor) dueTemplates(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []string
	for id, entry := range m.schedule {
		if entry.nextDue.After(now) {
			continue
		}
		due = append(due, id)
	}
	sort.Strings(due)
	return due
}

// advanceSchedule pushes a template's next due time one interval past a
// completed check attempt.
func (m *Monitor) advanceSchedule(templateID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.schedule[templateID]; ok {
		entry.nextDue = now.Add(entry.interval)
	}
}

// recordOutcome advances the failure streak and fires rollback at the
// threshold.
func (m *Monitor) recordOutcome(ctx context.Context, templateID string, result *CheckResult) {
	m.mu.Lock()
	entry, ok := m.schedule[templateID]
	if !ok {
		m.mu.Unlock()
		return
	}
	// Degraded checks reset the streak the same way healthy ones do:
	// only outright failures count toward rollback.
	if !result.Failed() {
		entry.streak = 0
		m.mu.Unlock()
		return
	}
	entry.streak++
	streak := entry.streak
	trigger := streak >= FailureThreshold
	if trigger {
		entry.streak = 0
	}
	m.mu.Unlock()

	m.logger.Warn("scheduled health check failed",
		"template_id", templateID,
		"streak", streak,
	)
	if !trigger || m.rollbacker == nil {
		return
	}

	reason := fmt.Sprintf("%d consecutive failed health checks", FailureThreshold)
	if err := m.rollbacker.Rollback(ctx, templateID, reason); err != nil {
		m.logger.Error("automatic rollback failed",
			"template_id", templateID,
			"error", err,
		)
		return
	}
	telemetry.RollbacksTotal.WithLabelValues("health_streak").Inc()
}

// ============================================================================
// Background worker
// ============================================================================

// Start launches the background tick loop. Returns an error if already
// running.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("health monitor is already running")
	}
	m.running = true
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("health monitor starting",
		"tick_interval", m.config.TickInterval.String(),
		"probe_timeout", m.config.ProbeTimeout.String(),
	)
	go m.runLoop(ctx)
	return nil
}

// Stop signals the worker to exit. Safe to call multiple times.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	close(m.done)
	m.running = false
	m.logger.Info("health monitor stopped")
	return nil
}

func (m *Monitor) runLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			if _, err := m.Tick(ctx, m.clock.Now()); err != nil {
				m.logger.Error("health tick failed", "error", err)
			}
		}
	}
}

// ============================================================================
// History
// ============================================================================

// History returns a template's check results, most recent first.
func (m *Monitor) History(ctx context.Context, templateID string) ([]*CheckResult, error) {
	var results []*CheckResult
	err := m.store.List(ctx, catalog.KindHealth, func(id string, _ uint64, data []byte) error {
		var r CheckResult
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode check %s: %w", id, err)
		}
		if r.TemplateID == templateID {
			results = append(results, &r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CheckedAt != results[j].CheckedAt {
			return results[i].CheckedAt > results[j].CheckedAt
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}
