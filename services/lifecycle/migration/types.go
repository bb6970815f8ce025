// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migration plans and drives phased consumer migrations between
// templates.
//
// # Description
//
// A migration plan moves consumers from a source template to a target
// template (or to a newer version of the source) through five ordered
// phases: announce, dual-run, cutover, sunset, retire. Phases execute
// strictly in order; a phase cannot start until the previous phase has
// committed. Dual-run and cutover are rollback points: a failure there
// restores the source template to its pre-migration record and fails
// the whole plan. Announce, sunset, and retire only change visibility
// and labels, so failures there leave the plan resumable.
//
// The current-phase pointer is persisted with the plan after every
// committed phase, so a restart resumes from the last committed phase
// rather than restarting the plan.
package migration

import (
	"context"
	"errors"
)

// Sentinel errors for the migration package.
var (
	// ErrPreconditionFailed indicates a phase was attempted out of
	// order or on a plan that can no longer run.
	ErrPreconditionFailed = errors.New("phase precondition failed")

	// ErrRollbackTriggered indicates a rollback-point phase failed and
	// the source template was restored to its pre-migration record.
	ErrRollbackTriggered = errors.New("rollback triggered")

	// ErrPlanFrozen indicates the plan's target was deprecated while
	// the plan was in flight; it needs an explicit re-target.
	ErrPlanFrozen = errors.New("plan frozen")

	// ErrUnknownPhase indicates a phase id not present in the plan.
	ErrUnknownPhase = errors.New("unknown phase")
)

// PlanStatus is the lifecycle status of a migration plan.
type PlanStatus string

const (
	// PlanRunning is a plan with phases left to execute.
	PlanRunning PlanStatus = "running"

	// PlanCompleted is a plan whose retire phase committed.
	PlanCompleted PlanStatus = "completed"

	// PlanFailed is a plan that hit a rollback point; the source was
	// restored. Terminal.
	PlanFailed PlanStatus = "failed"

	// PlanAborted is a plan cancelled by its owner. Terminal.
	PlanAborted PlanStatus = "aborted"

	// PlanFrozen is a plan whose target was deprecated mid-flight.
	// Requires an explicit re-target to continue.
	PlanFrozen PlanStatus = "frozen"
)

// Terminal reports whether no further phases may execute.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed || s == PlanAborted
}

// PhaseStatus tracks one phase's progress.
type PhaseStatus string

const (
	// PhasePending has not run yet.
	PhasePending PhaseStatus = "pending"

	// PhaseCompleted committed successfully.
	PhaseCompleted PhaseStatus = "completed"

	// PhaseFailed ran and failed. Re-executable unless the plan is
	// terminal.
	PhaseFailed PhaseStatus = "failed"
)

// Standard phase identifiers, in execution order.
const (
	PhaseAnnounce = "announce"
	PhaseDualRun  = "dual-run"
	PhaseCutover  = "cutover"
	PhaseSunset   = "sunset"
	PhaseRetire   = "retire"
)

// Phase is one step of a migration plan.
type Phase struct {
	// ID identifies the phase within the plan.
	ID string `json:"id"`

	// Description explains what the phase does.
	Description string `json:"description"`

	// EntryCriteria describe what must hold before the phase starts.
	EntryCriteria string `json:"entry_criteria"`

	// ExitCriteria describe what the phase must establish to commit.
	ExitCriteria string `json:"exit_criteria"`

	// RollbackPoint marks phases whose failure reverts the source
	// template to its pre-migration record.
	RollbackPoint bool `json:"rollback_point"`

	// Status tracks the phase's progress.
	Status PhaseStatus `json:"status"`

	// CompletedAt is Unix milliseconds UTC, zero until committed.
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// Plan is a persisted migration plan.
type Plan struct {
	// ID uniquely identifies the plan.
	ID string `json:"id"`

	// SourceID is the template consumers migrate away from.
	SourceID string `json:"source_id"`

	// TargetID is the template consumers migrate to. Empty means the
	// target is a newer version of the source lineage.
	TargetID string `json:"target_id,omitempty"`

	// TargetVersion is the version being migrated to when TargetID is
	// empty (source version + 1 at plan creation).
	TargetVersion int `json:"target_version,omitempty"`

	// Phases execute strictly in declared order.
	Phases []Phase `json:"phases"`

	// CurrentPhase indexes the next phase to execute. Persisted after
	// every commit so a restart resumes here.
	CurrentPhase int `json:"current_phase"`

	// Status is the plan lifecycle status.
	Status PlanStatus `json:"status"`

	// PreMigration is the source template record snapshotted at plan
	// creation. Rollback-point failures restore it.
	PreMigration *preMigrationState `json:"pre_migration,omitempty"`

	// Error is the failure attached for diagnosis when Status is
	// failed.
	Error string `json:"error,omitempty"`

	// CreatedAt is Unix milliseconds UTC.
	CreatedAt int64 `json:"created_at"`

	// UpdatedAt is Unix milliseconds UTC.
	UpdatedAt int64 `json:"updated_at"`
}

// preMigrationState is the subset of the source template restored on
// rollback. Health bookkeeping fields are deliberately excluded: a
// rollback must not erase check history gathered during the plan.
type preMigrationState struct {
	Version int    `json:"version"`
	Status  string `json:"status"`
}

// SelfTarget reports whether the plan migrates within one lineage.
func (p *Plan) SelfTarget() bool {
	return p.TargetID == ""
}

// PhaseIndex returns the index of a phase id, or -1.
func (p *Plan) PhaseIndex(phaseID string) int {
	for i := range p.Phases {
		if p.Phases[i].ID == phaseID {
			return i
		}
	}
	return -1
}

// PhaseVerifier checks a phase's exit criteria before it commits.
//
// The built-in catalog effects establish a phase's state; the verifier
// is the pluggable success-criteria check on top (deployment health,
// traffic levels). A non-nil error fails the phase.
type PhaseVerifier interface {
	VerifyPhase(ctx context.Context, plan *Plan, phase Phase) error
}

// NopPhaseVerifier accepts every phase.
type NopPhaseVerifier struct{}

// VerifyPhase always succeeds.
func (NopPhaseVerifier) VerifyPhase(ctx context.Context, plan *Plan, phase Phase) error {
	return nil
}

var _ PhaseVerifier = (*NopPhaseVerifier)(nil)
