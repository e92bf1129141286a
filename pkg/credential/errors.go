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

package credential

import "errors"

// Sentinel errors for credential store operations.
var (
	// ErrDuplicateCredential is returned when registering a credential ID
	// that already exists.
	ErrDuplicateCredential = errors.New("credential already registered")

	// ErrNotFound is returned when a credential does not exist or does not
	// belong to the requesting user.
	ErrNotFound = errors.New("credential not found")

	// ErrCounterRegression is returned when an authentication presents a
	// signature counter that did not advance. This is a cloning signal.
	ErrCounterRegression = errors.New("signature counter regression")
)

// IsDuplicate returns true if the error indicates a duplicate credential.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateCredential)
}

// IsNotFound returns true if the error indicates a missing credential.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCounterRegression returns true if the error indicates a counter regression.
func IsCounterRegression(err error) bool {
	return errors.Is(err, ErrCounterRegression)
}
