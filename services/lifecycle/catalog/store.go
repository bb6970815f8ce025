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
)

// Kind namespaces record identifiers in the store. Each record family
// lives under its own key prefix, so identifiers only need to be unique
// within a kind.
type Kind string

const (
	// KindCapability stores Capability records.
	KindCapability Kind = "cap"

	// KindTemplate stores Template records.
	KindTemplate Kind = "tmpl"

	// KindConflict stores detected TemplateConflict records.
	KindConflict Kind = "conflict"

	// KindMigration stores MigrationPlan records.
	KindMigration Kind = "mig"

	// KindDeprecation stores DeprecationPlan records.
	KindDeprecation Kind = "dep"

	// KindHealth stores health check history per template.
	KindHealth Kind = "health"

	// KindRollback stores immutable RollbackResult audit records.
	KindRollback Kind = "rb"
)

// Valid reports whether the kind is a member of the closed set.
func (k Kind) Valid() bool {
	switch k {
	case KindCapability, KindTemplate, KindConflict, KindMigration,
		KindDeprecation, KindHealth, KindRollback:
		return true
	default:
		return false
	}
}

// Store is the durable record store underlying the catalog.
//
// # Description
//
// Store provides create-only Put, Get, List, and CompareAndSwap over
// JSON-serializable records. Every record carries a store-assigned
// revision; all updates go through CompareAndSwap so lost updates are
// impossible under concurrent writers.
//
// Typical update loop (or use UpdateTemplate, which wraps it with
// bounded retry):
//
//	tmpl, rev, err := catalog.GetTemplate(ctx, store, id)
//	// mutate tmpl ...
//	_, err = store.CompareAndSwap(ctx, catalog.KindTemplate, id, rev, tmpl)
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put creates a record. Fails with ErrAlreadyExists if the id is
	// taken within the kind. Returns the initial revision (always 1).
	Put(ctx context.Context, kind Kind, id string, record any) (uint64, error)

	// Get loads the record into out (a pointer) and returns its
	// revision. Fails with ErrNotFound for unknown ids.
	Get(ctx context.Context, kind Kind, id string, out any) (uint64, error)

	// List iterates all records of a kind in ascending id order. The
	// callback receives the raw JSON value; returning an error aborts
	// the iteration and is propagated.
	List(ctx context.Context, kind Kind, fn func(id string, revision uint64, data []byte) error) error

	// CompareAndSwap replaces the record iff its current revision equals
	// expected. Fails with ErrVersionConflict on mismatch (caller must
	// re-read and retry) and ErrNotFound for unknown ids. Returns the
	// new revision.
	CompareAndSwap(ctx context.Context, kind Kind, id string, expected uint64, record any) (uint64, error)

	// Delete removes a record. Deleting an unknown id is a no-op.
	// Only scheduler bookkeeping uses this; catalog-owned records are
	// never deleted, they are retired.
	Delete(ctx context.Context, kind Kind, id string) error

	// Close releases the store's resources.
	Close() error
}
