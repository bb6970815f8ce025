// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// PutTemplate creates a template record. The template gets status
// active when none is set.
func PutTemplate(ctx context.Context, s Store, t *Template) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("%w: template with id required", ErrInvalidInput)
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, t.Status)
	}
	now := time.Now().UnixMilli()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.Put(ctx, KindTemplate, t.ID, t)
	return err
}

// GetTemplate loads a template and its store revision.
func GetTemplate(ctx context.Context, s Store, id string) (*Template, uint64, error) {
	var t Template
	rev, err := s.Get(ctx, KindTemplate, id, &t)
	if err != nil {
		return nil, 0, err
	}
	return &t, rev, nil
}

// ListTemplates returns all templates matching the filter, sorted by
// ascending id for deterministic output.
func ListTemplates(ctx context.Context, s Store, filter TemplateFilter) ([]*Template, error) {
	var out []*Template
	err := s.List(ctx, KindTemplate, func(id string, _ uint64, data []byte) error {
		var t Template
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("unmarshal template %s: %w", id, err)
		}
		if filter.Matches(&t) {
			out = append(out, &t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortTemplatesByID(out)
	return out, nil
}

// UpdateTemplate applies a mutation to a template through a bounded
// compare-and-swap retry loop.
//
// # Description
//
// Reads the template, applies mutate to a copy, and swaps it back.
// On ErrVersionConflict the whole read-mutate-swap is repeated with
// fresh state, up to the default retry budget, after which
// ErrConcurrentModification is surfaced. Mutations on retired
// templates fail with ErrTemplateRetired unless the mutation leaves
// the status untouched (retired is terminal).
//
// Outputs:
//
//	*Template - The committed record. Nil on error.
//	error - ErrNotFound, ErrTemplateRetired, ErrConcurrentModification,
//	or the error returned by mutate.
func UpdateTemplate(ctx context.Context, s Store, id string, mutate func(*Template) error) (*Template, error) {
	var committed *Template

	err := WithRetry(ctx, DefaultRetryConfig(), func(ctx context.Context) error {
		current, rev, err := GetTemplate(ctx, s, id)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		if current.Status == StatusRetired && next.Status != StatusRetired {
			return fmt.Errorf("%s: %w", id, ErrTemplateRetired)
		}
		if !next.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, next.Status)
		}
		next.Touch(time.Now())

		if _, err := s.CompareAndSwap(ctx, KindTemplate, id, rev, next); err != nil {
			return err
		}
		committed = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// PutCapability creates a capability record.
func PutCapability(ctx context.Context, s Store, c *Capability) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("%w: capability with id required", ErrInvalidInput)
	}
	if !c.Maturity.Valid() {
		return fmt.Errorf("%w: maturity must be L1..L5, got %d", ErrInvalidInput, c.Maturity)
	}
	now := time.Now().UnixMilli()
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.Put(ctx, KindCapability, c.ID, c)
	return err
}

// GetCapability loads a capability and its store revision.
func GetCapability(ctx context.Context, s Store, id string) (*Capability, uint64, error) {
	var c Capability
	rev, err := s.Get(ctx, KindCapability, id, &c)
	if err != nil {
		return nil, 0, err
	}
	return &c, rev, nil
}

// ListCapabilities returns all capabilities matching the filter, sorted
// by ascending id.
func ListCapabilities(ctx context.Context, s Store, filter CapabilityFilter) ([]*Capability, error) {
	var out []*Capability
	err := s.List(ctx, KindCapability, func(id string, _ uint64, data []byte) error {
		var c Capability
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("unmarshal capability %s: %w", id, err)
		}
		if filter.Matches(&c) {
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// List iterates in ascending key order already; filter hits keep
	// that order, so no re-sort is needed.
	return out, nil
}

// UpdateCapability applies a mutation to a capability through the same
// bounded compare-and-swap retry loop as UpdateTemplate.
func UpdateCapability(ctx context.Context, s Store, id string, mutate func(*Capability) error) (*Capability, error) {
	var committed *Capability

	err := WithRetry(ctx, DefaultRetryConfig(), func(ctx context.Context) error {
		current, rev, err := GetCapability(ctx, s, id)
		if err != nil {
			return err
		}
		next := current.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		next.UpdatedAt = time.Now().UnixMilli()

		if _, err := s.CompareAndSwap(ctx, KindCapability, id, rev, next); err != nil {
			return err
		}
		committed = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}
