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
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/AleutianAI/lifecycle/services/lifecycle/telemetry"
)

// RetryConfig configures compare-and-swap retry behavior.
//
// Only ErrVersionConflict is retried; every other error returns
// immediately. Exhausting the budget surfaces ErrConcurrentModification
// wrapping the last conflict.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 5
	MaxAttempts int

	// InitialBackoff is the initial wait duration before first retry.
	// Default: 10ms
	InitialBackoff time.Duration

	// MaxBackoff is the maximum wait duration between retries.
	// Default: 500ms
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier for exponential backoff.
	// Default: 2.0
	BackoffFactor float64

	// JitterFactor is the maximum jitter as a fraction of backoff (0-1).
	// Adds randomness to prevent thundering herd. Default: 0.2
	JitterFactor float64
}

// DefaultRetryConfig returns the standard retry budget for catalog
// contention: 5 attempts with exponential backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// WithRetry executes fn, retrying on ErrVersionConflict with exponential
// backoff.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	config - Retry configuration.
//	fn - The compare-and-swap attempt. Re-invoked with fresh state on
//	     each attempt; it must re-read inside itself.
//
// Outputs:
//
//	error - nil on success; the original error for non-conflict
//	failures; ErrConcurrentModification when the budget is exhausted.
func WithRetry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) error {
	if config.MaxAttempts < 1 {
		config = DefaultRetryConfig()
	}

	backoff := config.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		telemetry.CASConflicts.Inc()
		lastErr = err

		if attempt == config.MaxAttempts {
			break
		}

		wait := backoff
		if config.JitterFactor > 0 {
			jitter := time.Duration(rand.Float64() * config.JitterFactor * float64(backoff))
			wait += jitter
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffFactor)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrConcurrentModification, config.MaxAttempts, lastErr)
}
