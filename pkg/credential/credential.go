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

// Package credential provides durable storage for registered WebAuthn
// authenticators.
//
// The store enforces the signature counter invariant: an accepted
// authentication must present a counter strictly greater than the stored
// value, unless the authenticator was identified at registration time as one
// that never increments its counter. A violation is a cloning signal and is
// reported as ErrCounterRegression.
package credential

import (
	"context"
	"time"
)

// Authenticator is a registered WebAuthn credential owned by a single user.
type Authenticator struct {
	// ID is the opaque credential identifier assigned by the authenticator.
	// Unique across all users.
	ID []byte `json:"id"`

	// UserID is the owning account.
	UserID string `json:"user_id"`

	// PublicKey is the credential public key in COSE format.
	PublicKey []byte `json:"public_key"`

	// AttestationType indicates the attestation conveyed at registration.
	AttestationType string `json:"attestation_type,omitempty"`

	// Transports lists the transports the authenticator reported.
	Transports []string `json:"transports,omitempty"`

	// AAGUID is the authenticator model identifier.
	AAGUID []byte `json:"aaguid,omitempty"`

	// BackupEligible indicates the credential can be synced across devices.
	BackupEligible bool `json:"backup_eligible,omitempty"`

	// BackupState indicates the credential is currently backed up.
	BackupState bool `json:"backup_state,omitempty"`

	// Label is a user-assigned display name for the credential.
	Label string `json:"label,omitempty"`

	// SignCount is the last accepted signature counter value.
	SignCount uint32 `json:"sign_count"`

	// CounterExempt marks authenticators known to never increment their
	// counter; the regression check is skipped for these.
	CounterExempt bool `json:"counter_exempt,omitempty"`

	// CreatedAt is when the credential was registered.
	CreatedAt time.Time `json:"created_at"`

	// LastUsedAt is when the credential last completed an authentication.
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// Store is the persistence interface for registered authenticators.
//
// Implementations must be safe for concurrent use across multiple server
// instances; in particular UpdateCounter must be an atomic
// read-compare-write against the stored counter, never a blind overwrite.
type Store interface {
	// Add persists a newly registered authenticator.
	// Returns ErrDuplicateCredential if the credential ID already exists
	// for any user.
	Add(ctx context.Context, authn *Authenticator) error

	// GetByID retrieves an authenticator by its credential ID.
	// Returns ErrNotFound if it does not exist.
	GetByID(ctx context.Context, credentialID []byte) (*Authenticator, error)

	// ListByUser returns all authenticators registered to the user.
	// Returns an empty slice if the user has none.
	ListByUser(ctx context.Context, userID string) ([]*Authenticator, error)

	// UpdateCounter records an accepted authentication: it sets the
	// signature counter and last-used timestamp. For non-exempt
	// authenticators the new counter must be strictly greater than the
	// stored value; otherwise ErrCounterRegression is returned and nothing
	// is modified.
	UpdateCounter(ctx context.Context, credentialID []byte, newCounter uint32, usedAt time.Time) error

	// Revoke removes a credential owned by the user.
	// Returns ErrNotFound if the credential does not exist or belongs to
	// a different user; revocation never silently succeeds twice.
	Revoke(ctx context.Context, userID string, credentialID []byte) error
}
