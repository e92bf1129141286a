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

// Package metrics provides Prometheus instrumentation for authentication
// operations. It exposes ceremony counters, MFA verification counters, rate
// limiter activity, and HTTP request metrics to enable monitoring of the
// authentication service's health and abuse patterns.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all authgate metrics
	Namespace = "authgate"

	// Label names
	LabelCeremony   = "ceremony"
	LabelStatus     = "status"
	LabelMethod     = "method"
	LabelOperation  = "operation"
	LabelStatusCode = "status_code"

	// Status values
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusFlagged = "flagged"

	// Ceremony names
	CeremonyRegister     = "register"
	CeremonyAuthenticate = "authenticate"
)

var (
	// CeremoniesTotal tracks completed WebAuthn ceremonies by type and outcome.
	// The "flagged" status counts authentications rejected for counter
	// regression, which warrant security review rather than ordinary triage.
	CeremoniesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ceremonies_total",
			Help:      "Total number of completed WebAuthn ceremonies by type and status",
		},
		[]string{LabelCeremony, LabelStatus},
	)

	// CeremonyDuration tracks the server-side duration of ceremony completion
	// in seconds, excluding client interaction time.
	CeremonyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "ceremony_duration_seconds",
			Help:      "Duration of WebAuthn ceremony completion in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{LabelCeremony},
	)

	// MFAVerificationsTotal tracks MFA code verifications by method and outcome.
	MFAVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "mfa_verifications_total",
			Help:      "Total number of MFA verifications by method and status",
		},
		[]string{LabelMethod, LabelStatus},
	)

	// RateLimitedTotal tracks requests rejected by the rate limiter per operation.
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
		[]string{LabelOperation},
	)

	// RateLimitFailOpenTotal tracks requests allowed because the rate limit
	// store was unreachable. A non-zero rate means limiting is degraded.
	RateLimitFailOpenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rate_limit_fail_open_total",
			Help:      "Total number of requests allowed because the rate limit store was unreachable",
		},
	)

	// ChallengesSweptTotal tracks expired challenges removed by the background sweep.
	ChallengesSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "challenges_swept_total",
			Help:      "Total number of expired challenges removed by the background sweep",
		},
	)

	// HTTPRequestsTotal tracks the total number of HTTP requests by method and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	// HTTPRequestDuration tracks the duration of HTTP requests in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordCeremony records a completed WebAuthn ceremony with its duration.
//
// Parameters:
//   - ceremony: The ceremony name (use Ceremony* constants)
//   - status: The outcome (use Status* constants)
//   - duration: The server-side completion duration in seconds
func RecordCeremony(ceremony, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	CeremoniesTotal.WithLabelValues(ceremony, status).Inc()
	CeremonyDuration.WithLabelValues(ceremony).Observe(duration)
}

// RecordMFAVerification records an MFA verification attempt.
func RecordMFAVerification(method, status string) {
	if !enabled.Load() {
		return
	}
	MFAVerificationsTotal.WithLabelValues(method, status).Inc()
}

// RecordRateLimited records a request rejected by the rate limiter.
func RecordRateLimited(operation string) {
	if !enabled.Load() {
		return
	}
	RateLimitedTotal.WithLabelValues(operation).Inc()
}

// RecordRateLimitFailOpen records a request allowed because the rate limit
// store was unreachable.
func RecordRateLimitFailOpen() {
	if !enabled.Load() {
		return
	}
	RateLimitFailOpenTotal.Inc()
}

// RecordChallengesSwept records expired challenges removed by a sweep pass.
func RecordChallengesSwept(count int) {
	if !enabled.Load() || count <= 0 {
		return
	}
	ChallengesSweptTotal.Add(float64(count))
}

// RecordHTTPRequest records an HTTP request with its duration and status.
func RecordHTTPRequest(method, statusCode string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration)
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
