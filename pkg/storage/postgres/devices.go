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

	"github.com/jeremyhahn/go-authgate/pkg/devicetrust"
)

// DeviceStore implements devicetrust.Store using PostgreSQL.
type DeviceStore struct{ db *DB }

// NewDeviceStore constructs a trusted device store.
func NewDeviceStore(db *DB) *DeviceStore { return &DeviceStore{db: db} }

// Upsert stores the device, replacing any existing entry for the same
// (user, fingerprint).
func (s *DeviceStore) Upsert(ctx context.Context, device *devicetrust.Device) error {
	const q = `
INSERT INTO trusted_devices (id, user_id, fingerprint, label, created_at, trusted_until)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, fingerprint) DO UPDATE
SET label=EXCLUDED.label, trusted_until=EXCLUDED.trusted_until`
	_, err := s.db.Pool.Exec(ctx, q,
		device.ID, device.UserID, device.Fingerprint, device.Label,
		device.CreatedAt, device.TrustedUntil)
	return err
}

// Get returns the device for (user, fingerprint).
func (s *DeviceStore) Get(ctx context.Context, userID, fingerprint string) (*devicetrust.Device, error) {
	const q = `
SELECT id, user_id, fingerprint, label, created_at, trusted_until
FROM trusted_devices WHERE user_id=$1 AND fingerprint=$2`
	var d devicetrust.Device
	err := s.db.Pool.QueryRow(ctx, q, userID, fingerprint).Scan(
		&d.ID, &d.UserID, &d.Fingerprint, &d.Label, &d.CreatedAt, &d.TrustedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, devicetrust.ErrDeviceNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListByUser returns all devices for the user, most recently trusted first.
func (s *DeviceStore) ListByUser(ctx context.Context, userID string) ([]*devicetrust.Device, error) {
	const q = `
SELECT id, user_id, fingerprint, label, created_at, trusted_until
FROM trusted_devices WHERE user_id=$1 ORDER BY trusted_until DESC`
	rows, err := s.db.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*devicetrust.Device{}
	for rows.Next() {
		var d devicetrust.Device
		err := rows.Scan(&d.ID, &d.UserID, &d.Fingerprint, &d.Label,
			&d.CreatedAt, &d.TrustedUntil)
		if err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Delete removes the device with the given ID belonging to the user.
func (s *DeviceStore) Delete(ctx context.Context, userID, deviceID string) error {
	const q = `DELETE FROM trusted_devices WHERE user_id=$1 AND id=$2`
	tag, err := s.db.Pool.Exec(ctx, q, userID, deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return devicetrust.ErrDeviceNotFound
	}
	return nil
}

// DeleteByUser removes all devices for the user and returns the count.
func (s *DeviceStore) DeleteByUser(ctx context.Context, userID string) (int, error) {
	const q = `DELETE FROM trusted_devices WHERE user_id=$1`
	tag, err := s.db.Pool.Exec(ctx, q, userID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
