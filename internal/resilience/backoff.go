// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resilience provides retry, circuit breaking and error classification
// shared by the provider and search engine clients.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// BackoffPolicy is a capped exponential backoff. It is passed explicitly to
// the code that retries rather than hardcoded at the call site.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	// RetryIf reports whether err is worth another attempt. Nil retries
	// everything except context cancellation.
	RetryIf func(error) bool
	// DelayFor may return a server-provided delay (Retry-After) for err.
	DelayFor func(error) (time.Duration, bool)
}

const (
	// DefaultMaxAttempts is the default number of attempts including the first
	DefaultMaxAttempts = 3
	// DefaultMaxDelay caps the wait between attempts
	DefaultMaxDelay = 30 * time.Second
	// DefaultMultiplier is the default exponential backoff multiplier
	DefaultMultiplier = 2.0
	jitterModulus     = 1000
)

// DefaultBackoffPolicy returns base 1s, 3 attempts, doubling per retry
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   time.Second,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
		Jitter:      true,
	}
}

// Delay returns the wait before the given retry (attempt starts at 0).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = DefaultMultiplier
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter {
		jitter := time.Duration(float64(delay) * 0.1 * (2*float64(time.Now().UnixNano()%jitterModulus)/jitterModulus - 1))
		delay += jitter
	}
	return delay
}

func (p BackoffPolicy) shouldRetry(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.RetryIf == nil {
		return true
	}
	return p.RetryIf(err)
}

// RetryFunc is a function that can be retried with exponential backoff
type RetryFunc func(ctx context.Context) error

// WithExponentialBackoff runs fn until it succeeds, returns a non-retryable
// error, or the policy's attempts are exhausted.
func WithExponentialBackoff(ctx context.Context, logger *zap.Logger, policy BackoffPolicy, fn RetryFunc) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Operation succeeded after retry",
					zap.Int("attempt", attempt+1),
					zap.Int("max_attempts", attempts))
			}
			return nil
		}
		lastErr = err

		if !policy.shouldRetry(err) {
			logger.Debug("Error is not retryable, stopping attempts",
				zap.Error(err),
				zap.Int("attempt", attempt+1))
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := policy.Delay(attempt)
		if policy.DelayFor != nil {
			if d, ok := policy.DelayFor(err); ok && d > 0 {
				delay = d
			}
		}

		logger.Debug("Retrying after delay",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	logger.Warn("All retry attempts exhausted",
		zap.Error(lastErr),
		zap.Int("total_attempts", attempts))

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
