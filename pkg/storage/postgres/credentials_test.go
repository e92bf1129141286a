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
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-authgate/pkg/credential"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func testAuthenticator() *credential.Authenticator {
	return &credential.Authenticator{
		ID:        []byte("cred-1"),
		UserID:    "u1",
		PublicKey: []byte("pubkey"),
		SignCount: 3,
		CreatedAt: time.Now().UTC(),
	}
}

func TestCredentialStore_Add_OK_and_Duplicate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewCredentialStore(db)
	ctx := context.Background()
	a := testAuthenticator()

	mock.ExpectExec(`INSERT INTO authenticators`).
		WithArgs(a.ID, a.UserID, a.PublicKey, a.AttestationType, a.Transports,
			a.AAGUID, a.BackupEligible, a.BackupState, a.Label, int64(a.SignCount),
			a.CounterExempt, a.CreatedAt, (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.Add(ctx, a))

	mock.ExpectExec(`INSERT INTO authenticators`).
		WithArgs(a.ID, a.UserID, a.PublicKey, a.AttestationType, a.Transports,
			a.AAGUID, a.BackupEligible, a.BackupState, a.Label, int64(a.SignCount),
			a.CounterExempt, a.CreatedAt, (*time.Time)(nil)).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, s.Add(ctx, a), credential.ErrDuplicateCredential)
}

func TestCredentialStore_GetByID(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewCredentialStore(db)
	ctx := context.Background()
	a := testAuthenticator()

	columns := []string{"id", "user_id", "public_key", "attestation_type",
		"transports", "aaguid", "backup_eligible", "backup_state", "label",
		"sign_count", "counter_exempt", "created_at", "last_used_at"}

	mock.ExpectQuery(`SELECT .+ FROM authenticators WHERE id=\$1`).
		WithArgs(a.ID).
		WillReturnRows(pgxmock.NewRows(columns).AddRow(
			a.ID, a.UserID, a.PublicKey, "", []string(nil), []byte(nil),
			false, false, "", int64(a.SignCount), false, a.CreatedAt, (*time.Time)(nil)))

	got, err := s.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, a.UserID, got.UserID)
	require.Equal(t, uint32(3), got.SignCount)
	require.True(t, got.LastUsedAt.IsZero())

	mock.ExpectQuery(`SELECT .+ FROM authenticators WHERE id=\$1`).
		WithArgs(a.ID).
		WillReturnError(pgx.ErrNoRows)
	_, err = s.GetByID(ctx, a.ID)
	require.ErrorIs(t, err, credential.ErrNotFound)
}

func TestCredentialStore_UpdateCounter(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewCredentialStore(db)
	ctx := context.Background()
	id := []byte("cred-1")
	usedAt := time.Now().UTC()

	// Counter advances
	mock.ExpectExec(`UPDATE authenticators SET sign_count=GREATEST\(sign_count, \$2\), last_used_at=\$3`).
		WithArgs(id, int64(4), usedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.UpdateCounter(ctx, id, 4, usedAt))

	// Replayed counter on an existing credential is a regression
	mock.ExpectExec(`UPDATE authenticators SET sign_count=GREATEST\(sign_count, \$2\), last_used_at=\$3`).
		WithArgs(id, int64(4), usedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	require.ErrorIs(t, s.UpdateCounter(ctx, id, 4, usedAt), credential.ErrCounterRegression)

	// Unknown credential
	mock.ExpectExec(`UPDATE authenticators SET sign_count=GREATEST\(sign_count, \$2\), last_used_at=\$3`).
		WithArgs(id, int64(4), usedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	require.ErrorIs(t, s.UpdateCounter(ctx, id, 4, usedAt), credential.ErrNotFound)
}

func TestCredentialStore_UpdateCounter_ExemptNeverRegresses(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewCredentialStore(db)
	ctx := context.Background()
	id := []byte("cred-1")
	usedAt := time.Now().UTC()

	// An exempt credential presenting a lower counter matches the WHERE
	// clause, and GREATEST keeps the stored value where it was.
	mock.ExpectExec(`UPDATE authenticators SET sign_count=GREATEST\(sign_count, \$2\), last_used_at=\$3`).
		WithArgs(id, int64(0), usedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, s.UpdateCounter(ctx, id, 0, usedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialStore_Revoke(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewCredentialStore(db)
	ctx := context.Background()
	id := []byte("cred-1")

	mock.ExpectExec(`DELETE FROM authenticators WHERE id=\$1 AND user_id=\$2`).
		WithArgs(id, "u1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, s.Revoke(ctx, "u1", id))

	mock.ExpectExec(`DELETE FROM authenticators WHERE id=\$1 AND user_id=\$2`).
		WithArgs(id, "u1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.ErrorIs(t, s.Revoke(ctx, "u1", id), credential.ErrNotFound)
}

func TestCredentialStore_ListByUser(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewCredentialStore(db)
	ctx := context.Background()
	a := testAuthenticator()

	columns := []string{"id", "user_id", "public_key", "attestation_type",
		"transports", "aaguid", "backup_eligible", "backup_state", "label",
		"sign_count", "counter_exempt", "created_at", "last_used_at"}

	mock.ExpectQuery(`SELECT .+ FROM authenticators WHERE user_id=\$1 ORDER BY created_at`).
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(
			a.ID, a.UserID, a.PublicKey, "", []string(nil), []byte(nil),
			false, false, "", int64(a.SignCount), false, a.CreatedAt, (*time.Time)(nil)))

	creds, err := s.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, creds, 1)

	mock.ExpectQuery(`SELECT .+ FROM authenticators WHERE user_id=\$1 ORDER BY created_at`).
		WithArgs("nobody").
		WillReturnRows(pgxmock.NewRows(columns))
	creds, err = s.ListByUser(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, creds)
}
