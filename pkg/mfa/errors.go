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

package mfa

import "errors"

// Sentinel errors for MFA operations.
var (
	// ErrMethodNotEnrolled is returned when the user has no enrollment for
	// the requested method.
	ErrMethodNotEnrolled = errors.New("mfa method not enrolled")

	// ErrUnsupportedMethod is returned for a method this engine does not know.
	ErrUnsupportedMethod = errors.New("unsupported mfa method")

	// ErrCodeExpired is returned when no live code exists for the attempt:
	// never sent, already consumed, or past its expiry.
	ErrCodeExpired = errors.New("mfa code expired")

	// ErrCodeMismatch is returned when the presented code does not match.
	ErrCodeMismatch = errors.New("mfa code mismatch")

	// ErrTooManyAttempts is returned when the attempt budget for a code is
	// exhausted. The code is invalidated.
	ErrTooManyAttempts = errors.New("too many mfa attempts")

	// ErrRecoveryCodeInvalid is returned when a recovery code does not match
	// any unused code for the user.
	ErrRecoveryCodeInvalid = errors.New("recovery code invalid")
)

// IsNotEnrolled returns true if the error indicates a missing enrollment.
func IsNotEnrolled(err error) bool {
	return errors.Is(err, ErrMethodNotEnrolled)
}

// IsCodeExpired returns true if the error indicates a missing or expired code.
func IsCodeExpired(err error) bool {
	return errors.Is(err, ErrCodeExpired)
}

// IsCodeMismatch returns true if the error indicates a code mismatch.
func IsCodeMismatch(err error) bool {
	return errors.Is(err, ErrCodeMismatch)
}

// IsTooManyAttempts returns true if the error indicates attempt exhaustion.
func IsTooManyAttempts(err error) bool {
	return errors.Is(err, ErrTooManyAttempts)
}
