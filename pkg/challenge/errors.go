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

package challenge

import "errors"

// Sentinel errors for challenge operations.
var (
	// ErrChallengeExpired is returned when no live challenge exists for the
	// consumption attempt: never issued, already consumed, replaced by a
	// newer challenge, or past its expiry.
	ErrChallengeExpired = errors.New("challenge expired")

	// ErrChallengeMismatch is returned when a live challenge exists but the
	// presented value does not match. The challenge is consumed regardless.
	ErrChallengeMismatch = errors.New("challenge value mismatch")
)

// IsExpired returns true if the error indicates a missing or expired challenge.
func IsExpired(err error) bool {
	return errors.Is(err, ErrChallengeExpired)
}

// IsMismatch returns true if the error indicates a value mismatch.
func IsMismatch(err error) bool {
	return errors.Is(err, ErrChallengeMismatch)
}
