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

package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jeremyhahn/go-authgate/pkg/credential"
)

// CredentialStore implements credential.Store using PostgreSQL. The counter
// update is a single conditional UPDATE, so the regression check holds across
// concurrent server instances.
type CredentialStore struct{ db *DB }

// NewCredentialStore constructs a credential store.
func NewCredentialStore(db *DB) *CredentialStore { return &CredentialStore{db: db} }

const credentialColumns = `id, user_id, public_key, attestation_type, transports,
aaguid, backup_eligible, backup_state, label, sign_count, counter_exempt,
created_at, last_used_at`

// Add persists a newly registered authenticator.
func (s *CredentialStore) Add(ctx context.Context, authn *credential.Authenticator) error {
	const q = `
INSERT INTO authenticators (` + credentialColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	var lastUsed *time.Time
	if !authn.LastUsedAt.IsZero() {
		lastUsed = &authn.LastUsedAt
	}
	_, err := s.db.Pool.Exec(ctx, q,
		authn.ID, authn.UserID, authn.PublicKey, authn.AttestationType,
		authn.Transports, authn.AAGUID, authn.BackupEligible, authn.BackupState,
		authn.Label, int64(authn.SignCount), authn.CounterExempt,
		authn.CreatedAt, lastUsed)
	if isUniqueViolation(err) {
		return credential.ErrDuplicateCredential
	}
	return err
}

// GetByID retrieves an authenticator by its credential ID.
func (s *CredentialStore) GetByID(ctx context.Context, credentialID []byte) (*credential.Authenticator, error) {
	const q = `
SELECT ` + credentialColumns + `
FROM authenticators WHERE id=$1`
	return scanAuthenticator(s.db.Pool.QueryRow(ctx, q, credentialID))
}

// ListByUser returns all authenticators registered to the user.
func (s *CredentialStore) ListByUser(ctx context.Context, userID string) ([]*credential.Authenticator, error) {
	const q = `
SELECT ` + credentialColumns + `
FROM authenticators WHERE user_id=$1 ORDER BY created_at`
	rows, err := s.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*credential.Authenticator{}
	for rows.Next() {
		authn, err := scanAuthenticator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, authn)
	}
	return out, rows.Err()
}

// UpdateCounter records an accepted authentication. The WHERE clause enforces
// the strictly-increasing counter invariant in the database, so concurrent
// assertions replaying the same counter cannot both pass. GREATEST keeps the
// stored value non-decreasing for counter-exempt credentials, which may
// present any counter.
func (s *CredentialStore) UpdateCounter(ctx context.Context, credentialID []byte, newCounter uint32, usedAt time.Time) error {
	const q = `
UPDATE authenticators
SET sign_count=GREATEST(sign_count, $2), last_used_at=$3
WHERE id=$1 AND (counter_exempt OR sign_count < $2)`
	tag, err := s.db.Pool.Exec(ctx, q, credentialID, int64(newCounter), usedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Distinguish a regression from a missing credential.
	var exists bool
	err = s.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM authenticators WHERE id=$1)`, credentialID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return credential.ErrCounterRegression
	}
	return credential.ErrNotFound
}

// Revoke removes a credential owned by the user.
func (s *CredentialStore) Revoke(ctx context.Context, userID string, credentialID []byte) error {
	const q = `DELETE FROM authenticators WHERE id=$1 AND user_id=$2`
	tag, err := s.db.Pool.Exec(ctx, q, credentialID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return credential.ErrNotFound
	}
	return nil
}

func scanAuthenticator(row pgx.Row) (*credential.Authenticator, error) {
	var a credential.Authenticator
	var signCount int64
	var lastUsed *time.Time
	err := row.Scan(&a.ID, &a.UserID, &a.PublicKey, &a.AttestationType,
		&a.Transports, &a.AAGUID, &a.BackupEligible, &a.BackupState,
		&a.Label, &signCount, &a.CounterExempt, &a.CreatedAt, &lastUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, credential.ErrNotFound
		}
		return nil, err
	}
	a.SignCount = uint32(signCount)
	if lastUsed != nil {
		a.LastUsedAt = *lastUsed
	}
	return &a, nil
}
