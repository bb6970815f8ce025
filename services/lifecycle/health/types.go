// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health runs probe batteries against deployed templates and
// triggers rollback after repeated scheduled failures.
//
// # Description
//
// A health check runs every probe in the battery concurrently, each
// under its own timeout. A probe passes, warns, or fails; a timeout
// counts as a failure. The check is failed when any probe fails,
// degraded when no probe fails but at least one warns, and healthy
// otherwise. Checks are recorded as history so operators can see how
// a template degraded, not just that it did.
//
// Scheduled checks carry a failure streak per template: three
// consecutive failed scheduled checks trigger a rollback to the last
// known good version. A healthy or degraded check resets the streak;
// a template limping along on warnings is not a rollback candidate.
// Only templates with a confirmed deployment can be scheduled; probing
// a version that is not live yet produces noise, not signal.
package health

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/lifecycle/services/lifecycle/catalog"
)

// Sentinel errors for the health package.
var (
	// ErrProbeTimeout indicates a probe exceeded its time budget.
	ErrProbeTimeout = errors.New("probe timeout")

	// ErrProbeWarning marks a probe error as advisory. A probe wraps it
	// (fmt.Errorf("%w: ...", ErrProbeWarning)) to report a condition
	// worth surfacing without failing the check.
	ErrProbeWarning = errors.New("probe warning")

	// ErrDeploymentNotConfirmed indicates the template has no confirmed
	// deployed version, so scheduled checks are refused.
	ErrDeploymentNotConfirmed = errors.New("deployment not confirmed")

	// ErrNotScheduled indicates the template has no active schedule.
	ErrNotScheduled = errors.New("template not scheduled")
)

// DefaultProbeTimeout is the per-probe time budget.
const DefaultProbeTimeout = 10 * time.Second

// FailureThreshold is how many consecutive scheduled failures trigger
// a rollback.
const FailureThreshold = 3

// ProbeStatus is the outcome of one probe.
type ProbeStatus string

const (
	ProbePassed   ProbeStatus = "passed"
	ProbeWarned   ProbeStatus = "warned"
	ProbeFailed   ProbeStatus = "failed"
	ProbeTimedOut ProbeStatus = "timeout"
)

// CheckStatus is the overall outcome of a check.
type CheckStatus string

const (
	// CheckHealthy means every probe passed.
	CheckHealthy CheckStatus = "healthy"

	// CheckDegraded means no probe failed but at least one warned.
	CheckDegraded CheckStatus = "degraded"

	// CheckFailed means at least one probe failed or timed out.
	CheckFailed CheckStatus = "failed"
)

// Probe is one element of the check battery.
//
// Run must honor ctx cancellation; the monitor enforces the per-probe
// timeout through the context it passes in. An error wrapping
// ErrProbeWarning records as a warning instead of a failure.
type Probe interface {
	Name() string
	Run(ctx context.Context, tmpl *catalog.Template) error
}

// ProbeResult records one probe's outcome within a check.
type ProbeResult struct {
	// Name is the probe name.
	Name string `json:"name"`

	// Status is the probe outcome.
	Status ProbeStatus `json:"status"`

	// Error carries the failure or warning detail, empty on pass.
	Error string `json:"error,omitempty"`

	// DurationMs is how long the probe ran.
	DurationMs int64 `json:"duration_ms"`
}

// CheckResult is a persisted record of one health check.
type CheckResult struct {
	// ID uniquely identifies the check.
	ID string `json:"id"`

	// TemplateID is the checked template.
	TemplateID string `json:"template_id"`

	// Version is the template version that was checked.
	Version int `json:"version"`

	// Status is the overall outcome.
	Status CheckStatus `json:"status"`

	// Probes holds every probe's outcome in battery order.
	Probes []ProbeResult `json:"probes"`

	// Scheduled marks checks run by the scheduler rather than on
	// demand. Only scheduled checks count toward the failure streak.
	Scheduled bool `json:"scheduled"`

	// CheckedAt is Unix milliseconds UTC.
	CheckedAt int64 `json:"checked_at"`
}

// Healthy reports whether every probe passed.
func (r *CheckResult) Healthy() bool { return r.Status == CheckHealthy }

// Failed reports whether at least one probe failed or timed out.
func (r *CheckResult) Failed() bool { return r.Status == CheckFailed }

// Rollbacker abstracts the rollback executor so the monitor does not
// depend on its concrete type.
type Rollbacker interface {
	Rollback(ctx context.Context, templateID, reason string) error
}

// RollbackFunc adapts a function to Rollbacker.
type RollbackFunc func(ctx context.Context, templateID, reason string) error

// Rollback calls the function.
func (f RollbackFunc) Rollback(ctx context.Context, templateID, reason string) error {
	return f(ctx, templateID, reason)
}

var _ Rollbacker = (RollbackFunc)(nil)

// Clock abstracts time so tests can drive schedules without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

var _ Clock = (*SystemClock)(nil)
