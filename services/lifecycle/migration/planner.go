// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/lifecycle/pkg/logging"
	"github.com/AleutianAI/lifecycle/services/lifecycle/catalog"
	"github.com/AleutianAI/lifecycle/services/lifecycle/telemetry"
)

// ============================================================================
// Planner
// ============================================================================

// Planner creates and drives migration plans against the catalog store.
//
// Thread Safety: safe for concurrent use. Plan mutations go through the
// store's compare-and-swap, so concurrent executors on the same plan
// serialize; the loser observes ErrPreconditionFailed on retry.
type Planner struct {
	store    catalog.Store
	verifier PhaseVerifier
	logger   *logging.Logger
}

// NewPlanner creates a Planner. A nil verifier accepts every phase.
func NewPlanner(store catalog.Store, verifier PhaseVerifier, logger *logging.Logger) *Planner {
	if verifier == nil {
		verifier = NopPhaseVerifier{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Planner{store: store, verifier: verifier, logger: logger}
}

// CreatePlan builds the standard five-phase plan from source to target
// and persists it.
//
// Description:
//
//	Snapshots the source template's version and status so rollback
//	points can restore them, then writes the plan in running state with
//	the phase pointer at announce. An empty targetID plans an in-place
//	upgrade to source version + 1.
//
// Inputs:
//   - ctx: request-scoped context.
//   - sourceID: template consumers migrate away from. Must exist and
//     not be retired.
//   - targetID: template consumers migrate to, or "" for an in-place
//     version upgrade. Must exist and be active when set.
//
// Outputs:
//   - *Plan: the persisted plan.
//   - error: catalog.ErrNotFound, ErrPreconditionFailed, or a store
//     error.
func (p *Planner) CreatePlan(ctx context.Context, sourceID, targetID string) (*Plan, error) {
	source, _, err := catalog.GetTemplate(ctx, p.store, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load source %s: %w", sourceID, err)
	}
	if source.Status == catalog.StatusRetired {
		return nil, fmt.Errorf("%w: source %s is retired", ErrPreconditionFailed, sourceID)
	}

	plan := &Plan{
		ID:           uuid.NewString(),
		SourceID:     sourceID,
		TargetID:     targetID,
		Status:       PlanRunning,
		CurrentPhase: 0,
		PreMigration: &preMigrationState{
			Version: source.Version,
			Status:  string(source.Status),
		},
		CreatedAt: time.Now().UnixMilli(),
	}
	plan.UpdatedAt = plan.CreatedAt

	if targetID == "" {
		plan.TargetVersion = source.Version + 1
	} else {
		target, _, err := catalog.GetTemplate(ctx, p.store, targetID)
		if err != nil {
			return nil, fmt.Errorf("load target %s: %w", targetID, err)
		}
		if target.Status != catalog.StatusActive {
			return nil, fmt.Errorf("%w: target %s is %s, want active",
				ErrPreconditionFailed, targetID, target.Status)
		}
	}
	plan.Phases = standardPhases(plan)

	if _, err := p.store.Put(ctx, catalog.KindMigration, plan.ID, plan); err != nil {
		return nil, fmt.Errorf("persist plan: %w", err)
	}

	p.logger.Info("migration plan created",
		"plan_id", plan.ID,
		"source_id", sourceID,
		"target_id", targetID,
	)
	return plan, nil
}

// standardPhases builds the five-phase skeleton for a plan.
func standardPhases(plan *Plan) []Phase {
	target := plan.TargetID
	if target == "" {
		target = fmt.Sprintf("%s@v%d", plan.SourceID, plan.TargetVersion)
	}
	return []Phase{
		{
			ID:            PhaseAnnounce,
			Description:   fmt.Sprintf("announce migration from %s to %s", plan.SourceID, target),
			EntryCriteria: "plan created",
			ExitCriteria:  "source marked migrating, consumers notified",
			Status:        PhasePending,
		},
		{
			ID:            PhaseDualRun,
			Description:   "run source and target side by side",
			EntryCriteria: "announce committed",
			ExitCriteria:  "target serving alongside source without regressions",
			RollbackPoint: true,
			Status:        PhasePending,
		},
		{
			ID:            PhaseCutover,
			Description:   "route new consumers to " + target,
			EntryCriteria: "dual-run committed",
			ExitCriteria:  "new consumers on target, existing consumers unaffected",
			RollbackPoint: true,
			Status:        PhasePending,
		},
		{
			ID:            PhaseSunset,
			Description:   "deprecate " + plan.SourceID,
			EntryCriteria: "cutover committed",
			ExitCriteria:  "source marked deprecated",
			Status:        PhasePending,
		},
		{
			ID:            PhaseRetire,
			Description:   "retire " + plan.SourceID,
			EntryCriteria: "sunset committed",
			ExitCriteria:  "source retired, plan completed",
			Status:        PhasePending,
		},
	}
}

// ============================================================================
// Phase execution
// ============================================================================

// ExecutePhase runs one phase of a plan.
//
// Description:
//
//	Enforces strict ordering: the named phase must be the plan's
//	current phase, and the plan must be running. The phase's catalog
//	effect is applied, the verifier checks exit criteria, and the plan
//	is committed with the phase pointer advanced. On a rollback-point
//	failure the source template is restored to its pre-migration record
//	and the plan is failed; on any other failure the phase is marked
//	failed and stays re-executable.
//
// Inputs:
//   - ctx: request-scoped context.
//   - planID: the plan to advance.
//   - phaseID: the phase to run; must equal the plan's current phase.
//
// Outputs:
//   - *Plan: the plan after the attempt, including failure state.
//   - error: ErrPreconditionFailed for ordering or terminal-state
//     violations, ErrPlanFrozen, ErrUnknownPhase, ErrRollbackTriggered
//     wrapping the cause, or the phase's own failure.
func (p *Planner) ExecutePhase(ctx context.Context, planID, phaseID string) (*Plan, error) {
	plan, rev, err := p.getPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	if plan.Status == PlanFrozen {
		return plan, fmt.Errorf("%w: plan %s target was deprecated", ErrPlanFrozen, planID)
	}
	if plan.Status.Terminal() {
		return plan, fmt.Errorf("%w: plan %s is %s", ErrPreconditionFailed, planID, plan.Status)
	}

	idx := plan.PhaseIndex(phaseID)
	if idx < 0 {
		return plan, fmt.Errorf("%w: %s", ErrUnknownPhase, phaseID)
	}
	if idx != plan.CurrentPhase {
		return plan, fmt.Errorf("%w: phase %s is not current (expected %s)",
			ErrPreconditionFailed, phaseID, plan.Phases[plan.CurrentPhase].ID)
	}

	phase := plan.Phases[idx]
	runErr := p.applyPhase(ctx, plan, phase)
	if runErr == nil {
		runErr = p.verifier.VerifyPhase(ctx, plan, phase)
	}

	if runErr != nil {
		return p.failPhase(ctx, plan, rev, idx, runErr)
	}

	now := time.Now().UnixMilli()
	plan.Phases[idx].Status = PhaseCompleted
	plan.Phases[idx].CompletedAt = now
	plan.CurrentPhase = idx + 1
	if plan.CurrentPhase >= len(plan.Phases) {
		plan.Status = PlanCompleted
	}
	plan.UpdatedAt = now

	if _, err := p.store.CompareAndSwap(ctx, catalog.KindMigration, plan.ID, rev, plan); err != nil {
		return nil, fmt.Errorf("commit phase %s: %w", phaseID, err)
	}
	telemetry.MigrationPhases.WithLabelValues(phaseID, "committed").Inc()

	p.logger.Info("migration phase committed",
		"plan_id", plan.ID,
		"phase", phaseID,
		"plan_status", plan.Status,
	)
	return plan, nil
}

// applyPhase performs the phase's catalog effect.
func (p *Planner) applyPhase(ctx context.Context, plan *Plan, phase Phase) error {
	switch phase.ID {
	case PhaseAnnounce:
		return p.setSourceStatus(ctx, plan, catalog.StatusMigrating)

	case PhaseDualRun:
		// The target must still be live for side-by-side operation.
		if plan.SelfTarget() {
			return nil
		}
		target, _, err := catalog.GetTemplate(ctx, p.store, plan.TargetID)
		if err != nil {
			return fmt.Errorf("load target %s: %w", plan.TargetID, err)
		}
		if target.Status != catalog.StatusActive {
			return fmt.Errorf("target %s is %s, want active", plan.TargetID, target.Status)
		}
		return nil

	case PhaseCutover:
		if plan.SelfTarget() {
			// In-place upgrade: the cutover is the version bump.
			_, err := catalog.UpdateTemplate(ctx, p.store, plan.SourceID, func(t *catalog.Template) error {
				t.Version = plan.TargetVersion
				return nil
			})
			return err
		}
		return p.adoptTarget(ctx, plan)

	case PhaseSunset:
		if plan.SelfTarget() {
			// The superseded version is no longer addressable; the
			// lineage record stays as it is.
			return nil
		}
		return p.setSourceStatus(ctx, plan, catalog.StatusDeprecated)

	case PhaseRetire:
		if plan.SelfTarget() {
			return p.setSourceStatus(ctx, plan, catalog.StatusActive)
		}
		return p.setSourceStatus(ctx, plan, catalog.StatusRetired)

	default:
		return fmt.Errorf("%w: %s", ErrUnknownPhase, phase.ID)
	}
}

// setSourceStatus updates the source template's status through the
// catalog's retrying compare-and-swap path.
func (p *Planner) setSourceStatus(ctx context.Context, plan *Plan, status catalog.TemplateStatus) error {
	_, err := catalog.UpdateTemplate(ctx, p.store, plan.SourceID, func(t *catalog.Template) error {
		t.Status = status
		return nil
	})
	return err
}

// adoptTarget registers the target template with the capabilities that
// own the source, so new consumers resolve to it.
func (p *Planner) adoptTarget(ctx context.Context, plan *Plan) error {
	source, _, err := catalog.GetTemplate(ctx, p.store, plan.SourceID)
	if err != nil {
		return fmt.Errorf("load source %s: %w", plan.SourceID, err)
	}
	if source.CapabilityID == "" {
		return nil
	}
	_, err = catalog.UpdateCapability(ctx, p.store, source.CapabilityID, func(c *catalog.Capability) error {
		if c.OwnsTemplate(plan.TargetID) {
			return nil
		}
		c.TemplateIDs = append(c.TemplateIDs, plan.TargetID)
		return nil
	})
	return err
}

// failPhase records a phase failure, restoring the source at rollback
// points.
func (p *Planner) failPhase(ctx context.Context, plan *Plan, rev uint64, idx int, cause error) (*Plan, error) {
	now := time.Now().UnixMilli()
	plan.Phases[idx].Status = PhaseFailed
	plan.Error = cause.Error()
	plan.UpdatedAt = now

	rollback := plan.Phases[idx].RollbackPoint
	if rollback {
		plan.Status = PlanFailed
		if err := p.restoreSource(ctx, plan); err != nil {
			// Restore failure is worse than the phase failure; surface
			// both and leave the plan failed for manual repair.
			plan.Error = fmt.Sprintf("%s; restore failed: %s", plan.Error, err)
			p.logger.Error("pre-migration restore failed",
				"plan_id", plan.ID,
				"source_id", plan.SourceID,
				"error", err,
			)
		}
	}

	if _, err := p.store.CompareAndSwap(ctx, catalog.KindMigration, plan.ID, rev, plan); err != nil {
		return nil, fmt.Errorf("record phase failure: %w", err)
	}

	p.logger.Warn("migration phase failed",
		"plan_id", plan.ID,
		"phase", plan.Phases[idx].ID,
		"rollback_point", rollback,
		"error", cause,
	)
	if rollback {
		telemetry.MigrationPhases.WithLabelValues(plan.Phases[idx].ID, "rolled_back").Inc()
		return plan, fmt.Errorf("%w: phase %s: %v", ErrRollbackTriggered, plan.Phases[idx].ID, cause)
	}
	telemetry.MigrationPhases.WithLabelValues(plan.Phases[idx].ID, "failed").Inc()
	return plan, fmt.Errorf("phase %s: %w", plan.Phases[idx].ID, cause)
}

// restoreSource writes the pre-migration snapshot back onto the source
// template in a single atomic update.
func (p *Planner) restoreSource(ctx context.Context, plan *Plan) error {
	if plan.PreMigration == nil {
		return errors.New("no pre-migration snapshot")
	}
	_, err := catalog.UpdateTemplate(ctx, p.store, plan.SourceID, func(t *catalog.Template) error {
		t.Version = plan.PreMigration.Version
		t.Status = catalog.TemplateStatus(plan.PreMigration.Status)
		return nil
	})
	return err
}

// ============================================================================
// Plan management
// ============================================================================

// Abort cancels a running or frozen plan and restores the source
// template's pre-migration status.
func (p *Planner) Abort(ctx context.Context, planID string) (*Plan, error) {
	plan, rev, err := p.getPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status.Terminal() {
		return plan, fmt.Errorf("%w: plan %s is %s", ErrPreconditionFailed, planID, plan.Status)
	}

	plan.Status = PlanAborted
	plan.UpdatedAt = time.Now().UnixMilli()
	if err := p.restoreSource(ctx, plan); err != nil {
		return nil, fmt.Errorf("restore source on abort: %w", err)
	}
	if _, err := p.store.CompareAndSwap(ctx, catalog.KindMigration, plan.ID, rev, plan); err != nil {
		return nil, fmt.Errorf("persist abort: %w", err)
	}

	p.logger.Info("migration plan aborted", "plan_id", planID)
	return plan, nil
}

// FreezePlansForTarget freezes every running plan whose target is the
// given template. Called when a template is deprecated so in-flight
// migrations toward it stop instead of landing consumers on a
// deprecated target.
func (p *Planner) FreezePlansForTarget(ctx context.Context, templateID string) (int, error) {
	plans, err := p.ListPlans(ctx)
	if err != nil {
		return 0, err
	}

	frozen := 0
	for _, plan := range plans {
		if plan.TargetID != templateID || plan.Status != PlanRunning {
			continue
		}
		cur, rev, err := p.getPlan(ctx, plan.ID)
		if err != nil {
			return frozen, err
		}
		if cur.Status != PlanRunning {
			continue
		}
		cur.Status = PlanFrozen
		cur.UpdatedAt = time.Now().UnixMilli()
		if _, err := p.store.CompareAndSwap(ctx, catalog.KindMigration, cur.ID, rev, cur); err != nil {
			return frozen, fmt.Errorf("freeze plan %s: %w", cur.ID, err)
		}
		frozen++
		p.logger.Warn("migration plan frozen",
			"plan_id", cur.ID,
			"target_id", templateID,
		)
	}
	return frozen, nil
}

// Retarget points a frozen plan at a new active target and resumes it.
func (p *Planner) Retarget(ctx context.Context, planID, targetID string) (*Plan, error) {
	plan, rev, err := p.getPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != PlanFrozen {
		return plan, fmt.Errorf("%w: plan %s is %s, want frozen", ErrPreconditionFailed, planID, plan.Status)
	}

	target, _, err := catalog.GetTemplate(ctx, p.store, targetID)
	if err != nil {
		return nil, fmt.Errorf("load target %s: %w", targetID, err)
	}
	if target.Status != catalog.StatusActive {
		return nil, fmt.Errorf("%w: target %s is %s, want active",
			ErrPreconditionFailed, targetID, target.Status)
	}

	plan.TargetID = targetID
	plan.TargetVersion = 0
	plan.Status = PlanRunning
	plan.Phases = retargetPhases(plan)
	plan.UpdatedAt = time.Now().UnixMilli()
	if _, err := p.store.CompareAndSwap(ctx, catalog.KindMigration, plan.ID, rev, plan); err != nil {
		return nil, fmt.Errorf("persist retarget: %w", err)
	}

	p.logger.Info("migration plan retargeted",
		"plan_id", planID,
		"target_id", targetID,
	)
	return plan, nil
}

// retargetPhases rebuilds phase descriptions for the new target while
// keeping completed-phase history and the phase pointer.
func retargetPhases(plan *Plan) []Phase {
	fresh := standardPhases(plan)
	for i := range fresh {
		if i < len(plan.Phases) {
			fresh[i].Status = plan.Phases[i].Status
			fresh[i].CompletedAt = plan.Phases[i].CompletedAt
		}
	}
	return fresh
}

// GetPlan loads a plan by id.
func (p *Planner) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	plan, _, err := p.getPlan(ctx, planID)
	return plan, err
}

func (p *Planner) getPlan(ctx context.Context, planID string) (*Plan, uint64, error) {
	var plan Plan
	rev, err := p.store.Get(ctx, catalog.KindMigration, planID, &plan)
	if err != nil {
		return nil, 0, fmt.Errorf("load plan %s: %w", planID, err)
	}
	return &plan, rev, nil
}

// ListPlans returns every persisted plan ordered by id.
func (p *Planner) ListPlans(ctx context.Context) ([]*Plan, error) {
	var plans []*Plan
	err := p.store.List(ctx, catalog.KindMigration, func(id string, _ uint64, data []byte) error {
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
