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
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-authgate/pkg/devicetrust"
)

func TestDeviceStore_Upsert(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewDeviceStore(db)
	ctx := context.Background()

	d := &devicetrust.Device{
		ID:           "dev-1",
		UserID:       "u1",
		Fingerprint:  "fp-1",
		Label:        "laptop",
		CreatedAt:    time.Now().UTC(),
		TrustedUntil: time.Now().UTC().Add(24 * time.Hour),
	}

	mock.ExpectExec(`INSERT INTO trusted_devices .+ ON CONFLICT \(user_id, fingerprint\) DO UPDATE`).
		WithArgs(d.ID, d.UserID, d.Fingerprint, d.Label, d.CreatedAt, d.TrustedUntil).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.Upsert(ctx, d))
}

func TestDeviceStore_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewDeviceStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	columns := []string{"id", "user_id", "fingerprint", "label", "created_at", "trusted_until"}

	mock.ExpectQuery(`SELECT .+ FROM trusted_devices WHERE user_id=\$1 AND fingerprint=\$2`).
		WithArgs("u1", "fp-1").
		WillReturnRows(pgxmock.NewRows(columns).
			AddRow("dev-1", "u1", "fp-1", "laptop", now, now.Add(time.Hour)))
	d, err := s.Get(ctx, "u1", "fp-1")
	require.NoError(t, err)
	require.Equal(t, "dev-1", d.ID)

	mock.ExpectQuery(`SELECT .+ FROM trusted_devices WHERE user_id=\$1 AND fingerprint=\$2`).
		WithArgs("u1", "fp-unknown").
		WillReturnError(pgx.ErrNoRows)
	_, err = s.Get(ctx, "u1", "fp-unknown")
	require.ErrorIs(t, err, devicetrust.ErrDeviceNotFound)
}

func TestDeviceStore_Delete(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewDeviceStore(db)
	ctx := context.Background()

	mock.ExpectExec(`DELETE FROM trusted_devices WHERE user_id=\$1 AND id=\$2`).
		WithArgs("u1", "dev-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, s.Delete(ctx, "u1", "dev-1"))

	mock.ExpectExec(`DELETE FROM trusted_devices WHERE user_id=\$1 AND id=\$2`).
		WithArgs("u1", "dev-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.ErrorIs(t, s.Delete(ctx, "u1", "dev-1"), devicetrust.ErrDeviceNotFound)
}

func TestDeviceStore_DeleteByUser(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewDeviceStore(db)
	ctx := context.Background()

	mock.ExpectExec(`DELETE FROM trusted_devices WHERE user_id=\$1`).
		WithArgs("u1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	count, err := s.DeleteByUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 3, count)
}
