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

	"github.com/jackc/pgx/v5"

	"github.com/jeremyhahn/go-authgate/pkg/mfa"
)

// EnrollmentStore implements mfa.EnrollmentStore using PostgreSQL.
type EnrollmentStore struct{ db *DB }

// NewEnrollmentStore constructs an MFA enrollment store.
func NewEnrollmentStore(db *DB) *EnrollmentStore { return &EnrollmentStore{db: db} }

// Save stores an enrollment, replacing any existing one for the same
// (user, method).
func (s *EnrollmentStore) Save(ctx context.Context, enrollment *mfa.Enrollment) error {
	const q = `
INSERT INTO mfa_enrollments (user_id, method, secret, destination, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, method) DO UPDATE
SET secret=EXCLUDED.secret, destination=EXCLUDED.destination,
    created_at=EXCLUDED.created_at`
	_, err := s.db.Pool.Exec(ctx, q,
		enrollment.UserID, string(enrollment.Method), enrollment.Secret,
		enrollment.Destination, enrollment.CreatedAt)
	return err
}

// Get returns the enrollment for (user, method).
func (s *EnrollmentStore) Get(ctx context.Context, userID string, method mfa.Method) (*mfa.Enrollment, error) {
	const q = `
SELECT user_id, method, secret, destination, created_at
FROM mfa_enrollments WHERE user_id=$1 AND method=$2`
	var e mfa.Enrollment
	var m string
	err := s.db.Pool.QueryRow(ctx, q, userID, string(method)).Scan(
		&e.UserID, &m, &e.Secret, &e.Destination, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, mfa.ErrMethodNotEnrolled
		}
		return nil, err
	}
	e.Method = mfa.Method(m)
	return &e, nil
}

// ListByUser returns all enrollments for the user.
func (s *EnrollmentStore) ListByUser(ctx context.Context, userID string) ([]*mfa.Enrollment, error) {
	const q = `
SELECT user_id, method, secret, destination, created_at
FROM mfa_enrollments WHERE user_id=$1 ORDER BY method`
	rows, err := s.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*mfa.Enrollment{}
	for rows.Next() {
		var e mfa.Enrollment
		var m string
		err := rows.Scan(&e.UserID, &m, &e.Secret, &e.Destination, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		e.Method = mfa.Method(m)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Delete removes the enrollment for (user, method).
func (s *EnrollmentStore) Delete(ctx context.Context, userID string, method mfa.Method) error {
	const q = `DELETE FROM mfa_enrollments WHERE user_id=$1 AND method=$2`
	tag, err := s.db.Pool.Exec(ctx, q, userID, string(method))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return mfa.ErrMethodNotEnrolled
	}
	return nil
}

// RecoveryStore implements mfa.RecoveryStore using PostgreSQL.
type RecoveryStore struct{ db *DB }

// NewRecoveryStore constructs a recovery code store.
func NewRecoveryStore(db *DB) *RecoveryStore { return &RecoveryStore{db: db} }

// Replace atomically replaces the user's recovery codes with a new batch.
func (s *RecoveryStore) Replace(ctx context.Context, userID string, codes []*mfa.RecoveryCode) error {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM mfa_recovery_codes WHERE user_id=$1`, userID); err != nil {
		return err
	}
	for _, code := range codes {
		_, err := tx.Exec(ctx, `
INSERT INTO mfa_recovery_codes (user_id, hash, used, created_at)
VALUES ($1, $2, $3, $4)`,
			userID, code.Hash, code.Used, code.CreatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// ListUnused returns the user's unconsumed recovery codes.
func (s *RecoveryStore) ListUnused(ctx context.Context, userID string) ([]*mfa.RecoveryCode, error) {
	const q = `
SELECT user_id, hash, used, created_at
FROM mfa_recovery_codes WHERE user_id=$1 AND NOT used`
	rows, err := s.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*mfa.RecoveryCode{}
	for rows.Next() {
		var c mfa.RecoveryCode
		if err := rows.Scan(&c.UserID, &c.Hash, &c.Used, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// MarkUsed marks the code with the given hash as consumed.
func (s *RecoveryStore) MarkUsed(ctx context.Context, userID string, hash []byte) error {
	const q = `
UPDATE mfa_recovery_codes SET used=true
WHERE user_id=$1 AND hash=$2 AND NOT used`
	tag, err := s.db.Pool.Exec(ctx, q, userID, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return mfa.ErrRecoveryCodeInvalid
	}
	return nil
}
