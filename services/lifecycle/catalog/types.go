// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog provides the durable store for capabilities and templates.
//
// # Description
//
// The catalog is the single source of truth for template and capability
// records. It holds no business logic: all lifecycle decisions live in
// the conflict, migration, deprecation, health, and rollback packages,
// which mutate catalog state exclusively through compare-and-swap.
//
// Each stored record carries a Revision assigned by the store. Writers
// read a record, mutate a copy, and swap it back with the revision they
// read; a concurrent writer invalidates the swap and the caller retries
// with fresh state. Operations on different identifiers never contend.
//
// # Thread Safety
//
// All Store implementations are safe for concurrent use.
package catalog

import (
	"sort"
	"time"
)

// MaturityLevel classifies a capability's production-readiness, L1 (lowest)
// through L5 (highest).
type MaturityLevel int

const (
	// MaturityL1 is experimental.
	MaturityL1 MaturityLevel = 1

	// MaturityL2 is prototype quality.
	MaturityL2 MaturityLevel = 2

	// MaturityL3 is production-capable with known gaps.
	MaturityL3 MaturityLevel = 3

	// MaturityL4 is production-hardened.
	MaturityL4 MaturityLevel = 4

	// MaturityL5 is platform-standard.
	MaturityL5 MaturityLevel = 5
)

// Valid reports whether the level is in the L1..L5 range.
func (m MaturityLevel) Valid() bool {
	return m >= MaturityL1 && m <= MaturityL5
}

// TemplateStatus is the lifecycle status of a template.
type TemplateStatus string

const (
	// StatusActive is a deployable, conflict-checked template.
	StatusActive TemplateStatus = "active"

	// StatusDeprecated is a template scheduled for retirement.
	StatusDeprecated TemplateStatus = "deprecated"

	// StatusMigrating is a template that is the source of an in-flight
	// migration plan.
	StatusMigrating TemplateStatus = "migrating"

	// StatusRetired is terminal. No further status transitions are allowed.
	StatusRetired TemplateStatus = "retired"
)

// Valid reports whether the status is a member of the closed set.
func (s TemplateStatus) Valid() bool {
	switch s {
	case StatusActive, StatusDeprecated, StatusMigrating, StatusRetired:
		return true
	default:
		return false
	}
}

// Capability is a named platform feature area owning one or more templates.
//
// Invariant: every template belongs to exactly one capability at a time.
// The TemplateIDs list is the authoritative membership record and is also
// the consumer set notified on rollback.
type Capability struct {
	// ID uniquely identifies the capability.
	ID string `json:"id" validate:"required"`

	// Name is the human-readable capability name.
	Name string `json:"name" validate:"required"`

	// Description explains what the capability provides.
	Description string `json:"description,omitempty"`

	// Maturity is the L1..L5 production-readiness classification.
	Maturity MaturityLevel `json:"maturity" validate:"min=1,max=5"`

	// Tags label the capability's domain (e.g. "cache", "redis").
	Tags []string `json:"tags,omitempty"`

	// TemplateIDs lists owned templates in registration order.
	TemplateIDs []string `json:"template_ids,omitempty"`

	// CreatedAt is Unix milliseconds UTC.
	CreatedAt int64 `json:"created_at"`

	// UpdatedAt is Unix milliseconds UTC.
	UpdatedAt int64 `json:"updated_at"`
}

// Clone returns a deep copy. The store never hands shared mutable records
// to callers.
func (c *Capability) Clone() *Capability {
	if c == nil {
		return nil
	}
	out := *c
	out.Tags = append([]string(nil), c.Tags...)
	out.TemplateIDs = append([]string(nil), c.TemplateIDs...)
	return &out
}

// OwnsTemplate reports whether the capability owns the given template id.
func (c *Capability) OwnsTemplate(templateID string) bool {
	for _, id := range c.TemplateIDs {
		if id == templateID {
			return true
		}
	}
	return false
}

// Parameter declares one entry of a template's parameter schema.
type Parameter struct {
	// Name is the parameter name, unique within a template.
	Name string `json:"name" validate:"required"`

	// Type is the declared type (string, int, bool, list, map).
	Type string `json:"type" validate:"required"`

	// Required marks parameters without a usable default.
	Required bool `json:"required,omitempty"`

	// Default is the value applied when the parameter is omitted.
	Default any `json:"default,omitempty"`
}

// Template is a versioned, executable artifact: a parameter schema plus an
// ordered list of steps.
//
// Version is the artifact version, monotonically increasing per template
// lineage. It is distinct from the store revision used for optimistic
// concurrency (see Store).
type Template struct {
	// ID uniquely identifies the template lineage.
	ID string `json:"id" validate:"required"`

	// CapabilityID is the owning capability.
	CapabilityID string `json:"capability_id" validate:"required"`

	// Version is the artifact version, starting at 1.
	Version int `json:"version" validate:"min=1"`

	// Tags label the template's declared capabilities.
	Tags []string `json:"tags,omitempty"`

	// Parameters is the declared parameter schema.
	Parameters []Parameter `json:"parameters,omitempty" validate:"dive"`

	// Steps is the ordered list of opaque executable unit references.
	Steps []string `json:"steps" validate:"required,min=1"`

	// Status is the lifecycle status.
	Status TemplateStatus `json:"status"`

	// LastKnownGood is the last version that passed a health check.
	// Zero means the template has never passed one and cannot be
	// rolled back.
	LastKnownGood int `json:"last_known_good,omitempty"`

	// DeployedVersion is the version confirmed live by the GitOps
	// collaborator. Zero until deployment is confirmed; health checks
	// are not scheduled before that.
	DeployedVersion int `json:"deployed_version,omitempty"`

	// CreatedAt is Unix milliseconds UTC.
	CreatedAt int64 `json:"created_at"`

	// UpdatedAt is Unix milliseconds UTC.
	UpdatedAt int64 `json:"updated_at"`
}

// Clone returns a deep copy of the template.
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	out := *t
	out.Tags = append([]string(nil), t.Tags...)
	out.Steps = append([]string(nil), t.Steps...)
	out.Parameters = append([]Parameter(nil), t.Parameters...)
	return &out
}

// Touch updates UpdatedAt to now.
func (t *Template) Touch(now time.Time) {
	t.UpdatedAt = now.UnixMilli()
}

// TemplateFilter selects templates in List calls. Zero-value fields match
// everything.
type TemplateFilter struct {
	// Status restricts to one lifecycle status.
	Status TemplateStatus

	// CapabilityID restricts to one owning capability.
	CapabilityID string

	// Tags requires all listed tags to be present.
	Tags []string
}

// Matches reports whether the template satisfies the filter.
func (f TemplateFilter) Matches(t *Template) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.CapabilityID != "" && t.CapabilityID != f.CapabilityID {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range t.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CapabilityFilter selects capabilities in List calls.
type CapabilityFilter struct {
	// MinMaturity restricts to capabilities at or above this level.
	MinMaturity MaturityLevel

	// Tags requires all listed tags to be present.
	Tags []string
}

// Matches reports whether the capability satisfies the filter.
func (f CapabilityFilter) Matches(c *Capability) bool {
	if f.MinMaturity != 0 && c.Maturity < f.MinMaturity {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, have := range c.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SortTemplatesByID sorts templates ascending by identifier. List results
// are always returned in this order so repeated calls on an unchanged
// catalog are deterministic.
func SortTemplatesByID(templates []*Template) {
	sort.Slice(templates, func(i, j int) bool {
		return templates[i].ID < templates[j].ID
	})
}
