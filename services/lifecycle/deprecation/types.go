// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package deprecation schedules template end-of-life and drives the
// notification timeline toward retirement.
//
// # Description
//
// A deprecation plan fixes an end-of-life (EOL) date for a template and
// derives three notification milestones: one at scheduling time, one at
// the midpoint of the window, and a final warning seven days before
// EOL. Milestones that would land before the plan was created are
// clipped to creation time, so short windows still produce every
// notification.
//
// All plan mutation happens in Tick: it sends due notifications and
// retires the template once EOL passes. Ticks are idempotent, so the
// background worker, a manual trigger, and a post-restart catch-up can
// overlap without double-sending or double-retiring.
package deprecation

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the deprecation package.
var (
	// ErrAlreadyScheduled indicates the template already has an active
	// deprecation plan.
	ErrAlreadyScheduled = errors.New("template already scheduled for deprecation")

	// ErrInvalidWindow indicates the EOL date is not after now.
	ErrInvalidWindow = errors.New("end-of-life must be in the future")
)

// Milestone identifies one notification in the deprecation timeline.
type Milestone string

const (
	// MilestoneAnnounce fires when the plan is scheduled.
	MilestoneAnnounce Milestone = "announce"

	// MilestoneMidpoint fires halfway through the deprecation window.
	MilestoneMidpoint Milestone = "midpoint"

	// MilestoneFinalWarning fires seven days before end-of-life.
	MilestoneFinalWarning Milestone = "final-warning"
)

// FinalWarningLead is how long before EOL the final warning fires.
const FinalWarningLead = 7 * 24 * time.Hour

// PlanState is the lifecycle state of a deprecation plan.
type PlanState string

const (
	// PlanScheduled is an active plan; Tick advances it.
	PlanScheduled PlanState = "scheduled"

	// PlanCompleted means EOL passed and the template was retired.
	PlanCompleted PlanState = "completed"

	// PlanCancelled means the plan was withdrawn before EOL.
	PlanCancelled PlanState = "cancelled"
)

// Notification is one scheduled milestone and its delivery record.
type Notification struct {
	// Milestone identifies which point in the timeline this is.
	Milestone Milestone `json:"milestone"`

	// DueAt is when the notification becomes due, Unix milliseconds
	// UTC.
	DueAt int64 `json:"due_at"`

	// SentAt is when delivery succeeded, zero while pending. A failed
	// delivery stays pending and is retried on the next tick.
	SentAt int64 `json:"sent_at,omitempty"`
}

// Plan is a persisted deprecation timeline for one template.
type Plan struct {
	// ID uniquely identifies the plan.
	ID string `json:"id"`

	// TemplateID is the template being deprecated.
	TemplateID string `json:"template_id"`

	// StartAt is when the window opened, Unix milliseconds UTC.
	StartAt int64 `json:"start_at"`

	// EOLAt is end-of-life: the template retires at or after this
	// instant, Unix milliseconds UTC.
	EOLAt int64 `json:"eol_at"`

	// Reason is the operator-supplied justification.
	Reason string `json:"reason,omitempty"`

	// Notifications is the derived milestone timeline, due-date order.
	Notifications []Notification `json:"notifications"`

	// State is the plan lifecycle state.
	State PlanState `json:"state"`

	// RetiredAt is when the template was retired, zero until then.
	RetiredAt int64 `json:"retired_at,omitempty"`

	// CreatedAt is Unix milliseconds UTC.
	CreatedAt int64 `json:"created_at"`

	// UpdatedAt is Unix milliseconds UTC.
	UpdatedAt int64 `json:"updated_at"`
}

// Pending reports whether any milestone is still undelivered.
func (p *Plan) Pending() bool {
	for _, n := range p.Notifications {
		if n.SentAt == 0 {
			return true
		}
	}
	return false
}

// Notifier delivers deprecation milestones to template consumers.
//
// Thread Safety: implementations must be safe for concurrent use; the
// background worker and manual ticks may overlap.
type Notifier interface {
	NotifyDeprecation(ctx context.Context, plan *Plan, milestone Milestone) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

// NotifyDeprecation always succeeds.
func (NopNotifier) NotifyDeprecation(ctx context.Context, plan *Plan, milestone Milestone) error {
	return nil
}

var _ Notifier = (*NopNotifier)(nil)

// Clock abstracts time for the scheduler so tests can drive the
// timeline without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

var _ Clock = (*SystemClock)(nil)
