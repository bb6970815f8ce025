// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conflict detects semantic overlap between catalog templates
// and proposes deterministic resolution strategies.
package conflict

import (
	"context"
	"errors"

	"github.com/AleutianAI/lifecycle/services/lifecycle/similarity"
)

// Sentinel errors for the conflict package.
var (
	// ErrBelowThreshold indicates a conflict record was requested for a
	// pair scoring under the resolution threshold.
	ErrBelowThreshold = errors.New("similarity below threshold")

	// ErrUnknownStrategy indicates a strategy outside the closed set.
	ErrUnknownStrategy = errors.New("unknown resolution strategy")

	// ErrGateFailed indicates pipeline gates vetoed a registration.
	ErrGateFailed = errors.New("pipeline gate failed")
)

// DefaultThreshold is the minimum similarity score for a conflict to
// exist.
const DefaultThreshold = 0.7

// DuplicateThreshold is the score at or above which a pair is
// categorized as duplicate rather than overlapping.
const DuplicateThreshold = 0.9

// Category classifies a detected conflict.
type Category string

const (
	// CategoryDuplicate is near-identical templates.
	CategoryDuplicate Category = "duplicate"

	// CategoryOverlapping is substantial but partial overlap.
	CategoryOverlapping Category = "overlapping"

	// CategorySuperseding is a newer template covering an older one in
	// the same capability.
	CategorySuperseding Category = "superseding"
)

// Strategy is a resolution strategy. Closed set, consumed via
// exhaustive switches.
type Strategy string

const (
	// StrategyDeprecateOne deprecates the redundant template and keeps
	// the stronger one.
	StrategyDeprecateOne Strategy = "deprecate-one"

	// StrategyCompose keeps both templates and records that they should
	// be combined by the generator.
	StrategyCompose Strategy = "compose"

	// StrategyMigrate moves consumers from the superseded template to
	// its successor.
	StrategyMigrate Strategy = "migrate"

	// StrategyNamespaceSplit keeps both templates but separates their
	// tag namespaces per owning capability.
	StrategyNamespaceSplit Strategy = "namespace-split"
)

// Valid reports whether the strategy is a member of the closed set.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyDeprecateOne, StrategyCompose, StrategyMigrate, StrategyNamespaceSplit:
		return true
	default:
		return false
	}
}

// TemplateConflict records a detected conflict between two templates.
//
// Invariant: Score >= the resolver's threshold; a pair scoring below it
// never produces a record.
type TemplateConflict struct {
	// ID uniquely identifies this conflict record.
	ID string `json:"id"`

	// TemplateID is the probe template: the one being registered or
	// re-checked.
	TemplateID string `json:"template_id"`

	// OtherID is the existing catalog template it collides with.
	OtherID string `json:"other_id"`

	// Score is the weighted similarity in [0,1].
	Score float64 `json:"score"`

	// Breakdown carries the per-signal components for diagnosis.
	Breakdown similarity.Breakdown `json:"breakdown"`

	// Category classifies the conflict.
	Category Category `json:"category"`

	// DetectedAt is Unix milliseconds UTC.
	DetectedAt int64 `json:"detected_at"`

	// Resolved marks the conflict as handled by an executed strategy.
	Resolved bool `json:"resolved,omitempty"`

	// ResolvedBy is the strategy that resolved it.
	ResolvedBy Strategy `json:"resolved_by,omitempty"`
}

// Resolution is a proposed strategy for one conflict.
type Resolution struct {
	// ConflictID references the conflict being resolved.
	ConflictID string `json:"conflict_id"`

	// Strategy is the proposed resolution.
	Strategy Strategy `json:"strategy"`

	// TargetID is the template the strategy acts on.
	TargetID string `json:"target_id"`

	// RetainedID is the template kept as-is, when the strategy keeps
	// one of the pair.
	RetainedID string `json:"retained_id,omitempty"`
}

// GateResult is the outcome of a pipeline gate check supplied by the
// GitOps collaborator.
type GateResult struct {
	// Passed is true when all security and quality gates passed.
	Passed bool `json:"passed"`

	// FailedGates names the gates that failed.
	FailedGates []string `json:"failed_gates,omitempty"`
}

// GateChecker supplies pipeline validation results as an additional
// conflict signal. Failed gates block registration.
type GateChecker interface {
	// CheckGates returns the gate outcome for a template version.
	CheckGates(ctx context.Context, templateID string, version int) (GateResult, error)
}

// NopGateChecker passes every gate. Used when no pipeline integration
// is configured.
type NopGateChecker struct{}

// CheckGates always passes.
func (NopGateChecker) CheckGates(ctx context.Context, templateID string, version int) (GateResult, error) {
	return GateResult{Passed: true}, nil
}

var _ GateChecker = (*NopGateChecker)(nil)
