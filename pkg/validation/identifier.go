// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up
// in store keys, file paths, or notification payloads. Using these
// validators prevents key-prefix escapes and path traversal.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierPattern matches valid catalog identifiers.
// Allows: lowercase letters, digits, hyphens, dots (tmpl-fetch, cap.io-v2)
// Max length: 64 characters
var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{0,63}$`)

// ValidateIdentifier validates a capability or template identifier.
//
// Identifiers become store key segments, so the character set is kept
// strict enough that an id can never escape its key prefix or smuggle
// path separators into log lines and file names.
//
// Valid identifiers:
//   - 1-64 characters
//   - Lowercase letters a-z
//   - Digits 0-9
//   - Dots (.) and hyphens (-), not in first position
//
// Returns an error if the identifier is invalid.
//
// Example:
//
//	if err := validation.ValidateIdentifier(tmpl.ID); err != nil {
//	    return nil, fmt.Errorf("invalid template id: %w", err)
//	}
//	// Safe to use as a store key segment
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}

	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("invalid identifier format: %q (must be 1-64 lowercase alphanumeric chars, dots, or hyphens)", id)
	}

	return nil
}

// ValidateIdentifiers validates multiple identifiers.
// Returns an error listing all invalid identifiers if any fail validation.
func ValidateIdentifiers(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateIdentifier(id); err != nil {
			invalid = append(invalid, id)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid identifiers: %v", invalid)
	}
	return nil
}

// SanitizeIdentifier normalizes and validates an identifier.
// Returns the lowercase identifier if valid, or an error if invalid.
//
// Use this when accepting ids from interactive clients that may add
// stray whitespace or casing:
//
//	safeID, err := validation.SanitizeIdentifier(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeID is lowercase and validated
func SanitizeIdentifier(id string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	if err := ValidateIdentifier(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
