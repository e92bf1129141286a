// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-authgate.
//
// go-authgate is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package ratelimit implements a fixed-window request counter guarding the
// authentication flows.
//
// Counters live in a CounterStore whose increment is atomic with respect to
// concurrent callers, so the limiter is correct across multiple server
// instances when backed by a shared store. If the store is unreachable the
// limiter fails open: availability is favored over strict limiting for this
// subsystem, but the degraded state is logged.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeremyhahn/go-authgate/pkg/logging"
	"github.com/jeremyhahn/go-authgate/pkg/metrics"
)

// CounterStore is an atomic fixed-window counter.
type CounterStore interface {
	// Incr atomically increments the counter for key, starting a new
	// window with the given duration if none is active, and returns the
	// post-increment count together with the time remaining in the window.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)
}

// Policy describes the limit applied to one operation.
type Policy struct {
	// Window is the fixed window duration.
	Window time.Duration `yaml:"window" json:"window" mapstructure:"window"`

	// MaxRequests is the number of requests permitted per window.
	MaxRequests int64 `yaml:"max_requests" json:"max_requests" mapstructure:"max_requests"`
}

// Result is the outcome of a limit check.
type Result struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Count is the number of requests observed in the current window,
	// including this one. Zero when the store was unreachable.
	Count int64

	// RetryAfter is how long the client should wait before retrying.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration
}

// LimitExceededError is returned when an operation is rate limited. Unlike
// the security-verification failures, it is surfaced explicitly to callers
// with a retry hint, since it is actionable and non-sensitive.
type LimitExceededError struct {
	Operation  string
	RetryAfter time.Duration
}

// Error returns the error message.
func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Operation, e.RetryAfter)
}

// IsLimitExceeded returns the typed error if err indicates rate limiting.
func IsLimitExceeded(err error) (*LimitExceededError, bool) {
	var le *LimitExceededError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// Limiter enforces fixed-window limits keyed by client identity + operation.
type Limiter struct {
	store   CounterStore
	prefix  string
	logger  *logging.Logger
	enabled bool
}

// Option is a functional option for configuring a Limiter.
type Option func(*Limiter)

// WithPrefix sets the key prefix used in the counter store.
func WithPrefix(prefix string) Option {
	return func(l *Limiter) {
		l.prefix = prefix
	}
}

// WithLogger sets the logger used to report degraded states.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// Disabled turns the limiter into a no-op that allows everything.
func Disabled() Option {
	return func(l *Limiter) {
		l.enabled = false
	}
}

// New creates a limiter backed by the given counter store.
func New(store CounterStore, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		prefix:  "authgate",
		logger:  logging.DefaultLogger(),
		enabled: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts a request for (clientKey, operation) against the policy and
// reports whether it is allowed. On the first request of a window the counter
// is created with a TTL equal to the window; subsequent requests increment it
// atomically. When the post-increment count exceeds the policy maximum the
// request is rejected with the remaining window as the retry hint.
func (l *Limiter) Check(ctx context.Context, clientKey, operation string, policy Policy) Result {
	if !l.enabled || policy.MaxRequests <= 0 {
		return Result{Allowed: true}
	}

	key := l.prefix + ":" + operation + ":" + clientKey
	count, remaining, err := l.store.Incr(ctx, key, policy.Window)
	if err != nil {
		// Fail open: never block an auth flow because the counter
		// backend is down, but make the degraded state visible.
		l.logger.Warn("rate limit store unreachable, failing open",
			"operation", operation,
			"error", err)
		metrics.RecordRateLimitFailOpen()
		return Result{Allowed: true}
	}

	if count > policy.MaxRequests {
		metrics.RecordRateLimited(operation)
		return Result{
			Allowed:    false,
			Count:      count,
			RetryAfter: remaining,
		}
	}

	return Result{Allowed: true, Count: count}
}

// Allow is a convenience wrapper around Check that returns a typed
// LimitExceededError when the request is rejected.
func (l *Limiter) Allow(ctx context.Context, clientKey, operation string, policy Policy) error {
	result := l.Check(ctx, clientKey, operation, policy)
	if result.Allowed {
		return nil
	}
	return &LimitExceededError{
		Operation:  operation,
		RetryAfter: result.RetryAfter,
	}
}
