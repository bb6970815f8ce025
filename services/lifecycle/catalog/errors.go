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

import "errors"

// Sentinel errors for the catalog package.
var (
	// ErrNotFound indicates the requested identifier is unknown.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists indicates a create-only put hit an existing record.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrVersionConflict indicates a compare-and-swap lost to a concurrent
	// writer. Callers must re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConcurrentModification indicates compare-and-swap retries were
	// exhausted without winning. Surfaced to the caller after the retry
	// budget (5 attempts) is spent.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrTemplateRetired indicates an attempted status transition on a
	// retired template. Retired is terminal.
	ErrTemplateRetired = errors.New("template is retired")

	// ErrInvalidInput indicates invalid input parameters.
	ErrInvalidInput = errors.New("invalid input")
)
