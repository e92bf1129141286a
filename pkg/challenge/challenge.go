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

// Package challenge issues and consumes the single-use cryptographic
// challenges that anchor WebAuthn ceremonies.
//
// At most one live challenge exists per (user, purpose); issuing a new one
// invalidates its predecessor. A challenge is deleted the moment it is looked
// up for consumption, whether or not the presented value matches, so it can
// never be replayed. Expired challenges that are never consumed are removed
// by a periodic background sweep.
package challenge

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// Purpose identifies which ceremony a challenge belongs to.
type Purpose string

const (
	// PurposeRegister binds a challenge to a registration ceremony.
	PurposeRegister Purpose = "register"

	// PurposeAuthenticate binds a challenge to an authentication ceremony.
	PurposeAuthenticate Purpose = "authenticate"
)

// ValueSize is the number of random bytes in a generated challenge value.
const ValueSize = 32

// Challenge is a single-use random value bound to a user and purpose.
type Challenge struct {
	// ID uniquely identifies the challenge record.
	ID string `json:"id"`

	// UserID is the account the challenge was issued for. Empty for
	// usernameless (discoverable credential) authentication, where the
	// challenge is addressed by value instead.
	UserID string `json:"user_id,omitempty"`

	// Purpose is the ceremony the challenge anchors.
	Purpose Purpose `json:"purpose"`

	// Value is the base64url-encoded random token the client must sign.
	Value string `json:"value"`

	// Payload carries opaque ceremony state (serialized session data)
	// alongside the challenge.
	Payload []byte `json:"payload,omitempty"`

	// CreatedAt is when the challenge was issued.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the challenge becomes unusable.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the challenge is unusable at the given time.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// GenerateValue returns a fresh challenge value: ValueSize bytes from a
// cryptographically secure source, base64url-encoded for transport.
func GenerateValue() (string, error) {
	buf := make([]byte, ValueSize)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// newChallenge builds a challenge record with a fresh ID.
func newChallenge(userID string, purpose Purpose, value string, payload []byte, now time.Time, ttl time.Duration) *Challenge {
	return &Challenge{
		ID:        uuid.NewString(),
		UserID:    userID,
		Purpose:   purpose,
		Value:     value,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}
