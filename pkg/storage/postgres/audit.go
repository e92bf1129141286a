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

	"github.com/jeremyhahn/go-authgate/pkg/audit"
)

// AuditStore implements audit.Store using PostgreSQL. Rows are append-only;
// nothing in this store updates or deletes them.
type AuditStore struct{ db *DB }

// NewAuditStore constructs an audit store.
func NewAuditStore(db *DB) *AuditStore { return &AuditStore{db: db} }

// Append persists a new entry.
func (s *AuditStore) Append(ctx context.Context, entry *audit.Entry) error {
	const q = `
INSERT INTO audit_log (id, user_id, action, device_id, success, reason,
flagged, ip_address, user_agent, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.Pool.Exec(ctx, q,
		entry.ID, entry.UserID, string(entry.Action), entry.DeviceID,
		entry.Success, entry.Reason, entry.Flagged, entry.IPAddress,
		entry.UserAgent, entry.CreatedAt)
	return err
}

// ListByUser returns up to limit entries for the user, most recent first.
func (s *AuditStore) ListByUser(ctx context.Context, userID string, limit int) ([]*audit.Entry, error) {
	const q = `
SELECT id, user_id, action, device_id, success, reason, flagged,
ip_address, user_agent, created_at
FROM audit_log WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.db.Pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*audit.Entry{}
	for rows.Next() {
		var e audit.Entry
		var action string
		err := rows.Scan(&e.ID, &e.UserID, &action, &e.DeviceID, &e.Success,
			&e.Reason, &e.Flagged, &e.IPAddress, &e.UserAgent, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		e.Action = audit.Action(action)
		out = append(out, &e)
	}
	return out, rows.Err()
}
