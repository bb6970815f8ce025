// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollback restores unhealthy templates to their last known
// good version.
//
// # Description
//
// A rollback swaps a template's live version back to the last version
// that passed a health check, records an immutable audit entry, and
// notifies the sibling templates of the owning capability. Notification
// failures are recorded in the audit entry but never fail the rollback:
// a consumer that cannot be reached is exactly the situation a rollback
// is trying to repair.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/lifecycle/pkg/logging"
	"github.com/AleutianAI/lifecycle/services/lifecycle/catalog"
)

// ErrNoKnownGoodVersion indicates the template never passed a health
// check, so there is nothing safe to roll back to.
var ErrNoKnownGoodVersion = errors.New("no known good version")

// Result is the immutable audit record of one rollback attempt.
type Result struct {
	// ID uniquely identifies the rollback.
	ID string `json:"id"`

	// TemplateID is the template that was rolled back.
	TemplateID string `json:"template_id"`

	// Success reports whether the version swap happened. A failed
	// attempt still leaves a record so operators can see that a
	// trigger fired and went nowhere.
	Success bool `json:"success"`

	// FromVersion is the version that was live before the swap.
	FromVersion int `json:"from_version"`

	// ToVersion is the restored last-known-good version, zero when the
	// attempt failed.
	ToVersion int `json:"to_version"`

	// Reason is why the rollback was triggered.
	Reason string `json:"reason"`

	// Notified lists consumers that acknowledged the notification.
	Notified []string `json:"notified,omitempty"`

	// NotifyFailures maps consumer id to the delivery error. Recorded
	// for diagnosis; never fails the rollback.
	NotifyFailures map[string]string `json:"notify_failures,omitempty"`

	// ExecutedAt is Unix milliseconds UTC.
	ExecutedAt int64 `json:"executed_at"`
}

// ConsumerNotifier tells a consumer that a template it depends on was
// rolled back.
type ConsumerNotifier interface {
	NotifyRollback(ctx context.Context, consumerID string, result *Result) error
}

// NopConsumerNotifier acknowledges every notification.
type NopConsumerNotifier struct{}

// NotifyRollback always succeeds.
func (NopConsumerNotifier) NotifyRollback(ctx context.Context, consumerID string, result *Result) error {
	return nil
}

var _ ConsumerNotifier = (*NopConsumerNotifier)(nil)

// Executor performs rollbacks against the catalog store.
//
// Thread Safety: safe for concurrent use. The version swap goes through
// the catalog's retrying compare-and-swap, so concurrent rollbacks of
// the same template serialize; the second one swaps to the same
// last-known-good version, which is harmless.
type Executor struct {
	store    catalog.Store
	notifier ConsumerNotifier
	logger   *logging.Logger
}

// NewExecutor creates an Executor. A nil notifier drops notifications.
func NewExecutor(store catalog.Store, notifier ConsumerNotifier, logger *logging.Logger) *Executor {
	if notifier == nil {
		notifier = NopConsumerNotifier{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Executor{store: store, notifier: notifier, logger: logger}
}

// Rollback restores a template to its last known good version.
//
// Description:
//
//	Atomically swaps the template's version (and deployed version)
//	back to LastKnownGood, persists an immutable audit record, and
//	notifies every sibling template of the owning capability. The swap
//	is the only step that can fail the rollback; audit and
//	notification problems are logged and recorded but the rollback
//	still succeeds. An attempt against a template with no known good
//	version fails with ErrNoKnownGoodVersion but still leaves an audit
//	record marked unsuccessful.
//
// Inputs:
//   - ctx: request-scoped context.
//   - templateID: template to roll back.
//   - reason: why the rollback was triggered, recorded in the audit
//     entry.
//
// Outputs:
//   - *Result: the audit record, including notification outcomes.
//   - error: catalog.ErrNotFound, ErrNoKnownGoodVersion, or a store
//     error from the version swap.
func (e *Executor) Rollback(ctx context.Context, templateID, reason string) (*Result, error) {
	var fromVersion, toVersion int
	updated, err := catalog.UpdateTemplate(ctx, e.store, templateID, func(t *catalog.Template) error {
		fromVersion = t.Version
		if t.LastKnownGood == 0 {
			return fmt.Errorf("%w: template %s", ErrNoKnownGoodVersion, templateID)
		}
		toVersion = t.LastKnownGood
		t.Version = t.LastKnownGood
		t.DeployedVersion = t.LastKnownGood
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNoKnownGoodVersion) {
			e.recordFailedAttempt(ctx, templateID, reason, fromVersion)
		}
		return nil, err
	}

	result := &Result{
		ID:          uuid.NewString(),
		TemplateID:  templateID,
		Success:     true,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Reason:      reason,
		ExecutedAt:  time.Now().UnixMilli(),
	}
	e.notifyConsumers(ctx, updated, result)

	if _, err := e.store.Put(ctx, catalog.KindRollback, result.ID, result); err != nil {
		// The swap already happened; losing the audit record is not
		// grounds to report failure.
		e.logger.Error("rollback audit record not persisted",
			"rollback_id", result.ID,
			"template_id", templateID,
			"error", err,
		)
	}

	e.logger.Warn("template rolled back",
		"template_id", templateID,
		"from_version", fromVersion,
		"to_version", toVersion,
		"reason", reason,
	)
	return result, nil
}

// recordFailedAttempt persists an audit record for a rollback that
// found nothing safe to roll back to.
func (e *Executor) recordFailedAttempt(ctx context.Context, templateID, reason string, fromVersion int) {
	result := &Result{
		ID:          uuid.NewString(),
		TemplateID:  templateID,
		FromVersion: fromVersion,
		Reason:      reason,
		ExecutedAt:  time.Now().UnixMilli(),
	}
	if _, err := e.store.Put(ctx, catalog.KindRollback, result.ID, result); err != nil {
		e.logger.Error("rollback audit record not persisted",
			"rollback_id", result.ID,
			"template_id", templateID,
			"error", err,
		)
	}
	e.logger.Warn("rollback attempt had no known good version",
		"template_id", templateID,
		"reason", reason,
	)
}

// notifyConsumers informs the sibling templates of the owning
// capability, recording per-consumer outcomes on the result.
func (e *Executor) notifyConsumers(ctx context.Context, t *catalog.Template, result *Result) {
	if t.CapabilityID == "" {
		return
	}
	owner, _, err := catalog.GetCapability(ctx, e.store, t.CapabilityID)
	if err != nil {
		e.logger.Warn("rollback consumer lookup failed",
			"template_id", t.ID,
			"capability_id", t.CapabilityID,
			"error", err,
		)
		return
	}
	for _, consumerID := range owner.TemplateIDs {
		if consumerID == t.ID {
			continue
		}
		if err := e.notifier.NotifyRollback(ctx, consumerID, result); err != nil {
			if result.NotifyFailures == nil {
				result.NotifyFailures = make(map[string]string)
			}
			result.NotifyFailures[consumerID] = err.Error()
			e.logger.Warn("rollback notification failed",
				"template_id", t.ID,
				"consumer_id", consumerID,
				"error", err,
			)
			continue
		}
		result.Notified = append(result.Notified, consumerID)
	}
}

// GetResult loads a rollback audit record by id.
func (e *Executor) GetResult(ctx context.Context, id string) (*Result, error) {
	var result Result
	if _, err := e.store.Get(ctx, catalog.KindRollback, id, &result); err != nil {
		return nil, fmt.Errorf("load rollback %s: %w", id, err)
	}
	return &result, nil
}

// ListResults returns every rollback audit record, ordered by id.
func (e *Executor) ListResults(ctx context.Context) ([]*Result, error) {
	var results []*Result
	err := e.store.List(ctx, catalog.KindRollback, func(id string, _ uint64, data []byte) error {
		var r Result
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode rollback %s: %w", id, err)
		}
		results = append(results, &r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
