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

	"github.com/jeremyhahn/go-authgate/pkg/challenge"
)

// ChallengeStore implements challenge.Store using PostgreSQL. Take operations
// use DELETE ... RETURNING, a single atomic statement, so the single-use
// guarantee holds across concurrent server instances; two Finish calls racing
// on the same challenge see exactly one row between them.
type ChallengeStore struct{ db *DB }

// NewChallengeStore constructs a challenge store.
func NewChallengeStore(db *DB) *ChallengeStore { return &ChallengeStore{db: db} }

const challengeColumns = `id, user_id, purpose, value, payload, created_at, expires_at`

// Put stores a challenge. When the challenge carries a user ID, any prior
// live challenge for the same (user, purpose) is replaced in the same
// transaction.
func (s *ChallengeStore) Put(ctx context.Context, ch *challenge.Challenge) error {
	const insert = `
INSERT INTO challenges (` + challengeColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if ch.UserID == "" {
		_, err := s.db.Pool.Exec(ctx, insert,
			ch.ID, ch.UserID, string(ch.Purpose), ch.Value, ch.Payload,
			ch.CreatedAt, ch.ExpiresAt)
		return err
	}

	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM challenges WHERE user_id=$1 AND purpose=$2`,
		ch.UserID, string(ch.Purpose)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, insert,
		ch.ID, ch.UserID, string(ch.Purpose), ch.Value, ch.Payload,
		ch.CreatedAt, ch.ExpiresAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// TakeByUser atomically removes and returns the live challenge for
// (user, purpose).
func (s *ChallengeStore) TakeByUser(ctx context.Context, userID string, purpose challenge.Purpose) (*challenge.Challenge, error) {
	const q = `
DELETE FROM challenges WHERE user_id=$1 AND purpose=$2
RETURNING ` + challengeColumns
	return scanChallenge(s.db.Pool.QueryRow(ctx, q, userID, string(purpose)))
}

// TakeByValue atomically removes and returns the live challenge with the
// given value.
func (s *ChallengeStore) TakeByValue(ctx context.Context, purpose challenge.Purpose, value string) (*challenge.Challenge, error) {
	const q = `
DELETE FROM challenges WHERE purpose=$1 AND value=$2
RETURNING ` + challengeColumns
	return scanChallenge(s.db.Pool.QueryRow(ctx, q, string(purpose), value))
}

// DeleteExpired removes all challenges whose expiry precedes now.
func (s *ChallengeStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`DELETE FROM challenges WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanChallenge(row pgx.Row) (*challenge.Challenge, error) {
	var ch challenge.Challenge
	var purpose string
	err := row.Scan(&ch.ID, &ch.UserID, &purpose, &ch.Value, &ch.Payload,
		&ch.CreatedAt, &ch.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, challenge.ErrChallengeExpired
		}
		return nil, err
	}
	ch.Purpose = challenge.Purpose(purpose)
	return &ch, nil
}
