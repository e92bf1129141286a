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

// Package mfa implements the fallback verification path for users without a
// usable WebAuthn credential: time-based one-time passwords, codes delivered
// over SMS or email, and single-use recovery codes.
package mfa

import (
	"context"
	"time"
)

// Method identifies an MFA delivery mechanism.
type Method string

const (
	// MethodTOTP verifies against a time-based one-time password app.
	MethodTOTP Method = "totp"

	// MethodSMS delivers a short-lived code over SMS.
	MethodSMS Method = "sms"

	// MethodEmail delivers a short-lived code over email.
	MethodEmail Method = "email"
)

// Valid reports whether the method is one this package implements.
func (m Method) Valid() bool {
	switch m {
	case MethodTOTP, MethodSMS, MethodEmail:
		return true
	}
	return false
}

// Enrollment binds a user to an MFA method and the state needed to verify it:
// the shared secret for TOTP, or the delivery destination for SMS and email.
type Enrollment struct {
	// UserID is the enrolled user.
	UserID string `yaml:"user_id" json:"user_id"`

	// Method is the enrolled mechanism.
	Method Method `yaml:"method" json:"method"`

	// Secret is the TOTP shared secret, base32-encoded. Empty for
	// delivery-based methods.
	Secret string `yaml:"-" json:"-"`

	// Destination is the phone number or email address codes are sent to.
	// Empty for TOTP.
	Destination string `yaml:"destination" json:"destination"`

	// CreatedAt is when the enrollment was established.
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}

// EnrollmentStore is the persistence interface for MFA enrollments.
type EnrollmentStore interface {
	// Save stores an enrollment, replacing any existing one for the same
	// (user, method).
	Save(ctx context.Context, enrollment *Enrollment) error

	// Get returns the enrollment for (user, method).
	// Returns ErrMethodNotEnrolled if none exists.
	Get(ctx context.Context, userID string, method Method) (*Enrollment, error)

	// ListByUser returns all enrollments for the user.
	ListByUser(ctx context.Context, userID string) ([]*Enrollment, error)

	// Delete removes the enrollment for (user, method).
	// Returns ErrMethodNotEnrolled if none exists.
	Delete(ctx context.Context, userID string, method Method) error
}

// Code is a delivered verification code awaiting confirmation. At most one
// live code exists per (user, method); sending a new code replaces it.
type Code struct {
	// UserID is the user the code was sent to.
	UserID string `json:"user_id"`

	// Method is the delivery mechanism.
	Method Method `json:"method"`

	// Value is the code itself.
	Value string `json:"value"`

	// Attempts counts failed verification attempts against this code.
	Attempts int `json:"attempts"`

	// ExpiresAt is when the code stops being accepted.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the code has passed its expiry at the given time.
func (c *Code) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// CodeStore is the persistence interface for live delivery codes.
type CodeStore interface {
	// Save stores a code, replacing any live code for the same (user, method).
	Save(ctx context.Context, code *Code) error

	// Get returns the live code for (user, method).
	// Returns ErrCodeExpired if none exists.
	Get(ctx context.Context, userID string, method Method) (*Code, error)

	// Delete removes the live code for (user, method), if any.
	Delete(ctx context.Context, userID string, method Method) error

	// IncrAttempts increments the failed attempt count for the live code and
	// returns the new count. Returns ErrCodeExpired if none exists.
	IncrAttempts(ctx context.Context, userID string, method Method) (int, error)
}

// RecoveryCode is a single-use backup credential, stored only as a hash.
type RecoveryCode struct {
	// UserID is the owning user.
	UserID string `json:"user_id"`

	// Hash is the bcrypt hash of the code.
	Hash []byte `json:"-"`

	// Used marks the code as consumed.
	Used bool `json:"used"`

	// CreatedAt is when the code batch was generated.
	CreatedAt time.Time `json:"created_at"`
}

// RecoveryStore is the persistence interface for recovery codes.
type RecoveryStore interface {
	// Replace atomically replaces the user's recovery codes with a new batch.
	Replace(ctx context.Context, userID string, codes []*RecoveryCode) error

	// ListUnused returns the user's unconsumed recovery codes.
	ListUnused(ctx context.Context, userID string) ([]*RecoveryCode, error)

	// MarkUsed marks the code with the given hash as consumed.
	MarkUsed(ctx context.Context, userID string, hash []byte) error
}

// Sender delivers a verification code to the user over an out-of-band channel.
// Implementations wrap an SMS gateway or mail relay.
type Sender interface {
	// Send delivers the code to the destination for the given method.
	Send(ctx context.Context, method Method, destination, code string) error
}
