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

// Package audit provides an append-only record of authentication events.
//
// Every ceremony completion, credential revocation, and recovery code use
// produces exactly one entry. Entries are never mutated or deleted by this
// package; retention is the operator's concern.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-authgate/pkg/logging"
)

// Action identifies the kind of authentication event being recorded.
type Action string

const (
	// ActionRegister records a WebAuthn registration ceremony outcome.
	ActionRegister Action = "REGISTER"

	// ActionAuthenticate records a WebAuthn or MFA authentication outcome.
	ActionAuthenticate Action = "AUTHENTICATE"

	// ActionRevoke records a credential or device trust revocation.
	ActionRevoke Action = "REVOKE"

	// ActionRecovery records a recovery code use.
	ActionRecovery Action = "RECOVERY"
)

// Entry is a single audit log record.
type Entry struct {
	// ID is a unique identifier assigned when the entry is recorded.
	ID string `json:"id"`

	// UserID is the account the event belongs to.
	UserID string `json:"user_id"`

	// Action is the event kind.
	Action Action `json:"action"`

	// DeviceID identifies the credential or device involved, if any.
	DeviceID string `json:"device_id,omitempty"`

	// Success indicates whether the operation succeeded.
	Success bool `json:"success"`

	// Reason holds the specific failure reason. It is retained internally
	// and never surfaced verbatim to end users.
	Reason string `json:"reason,omitempty"`

	// Flagged marks entries that represent a security anomaly (for example
	// a signature counter regression) for account-lockdown review.
	Flagged bool `json:"flagged,omitempty"`

	// IPAddress is the client IP observed at the boundary.
	IPAddress string `json:"ip_address,omitempty"`

	// UserAgent is the client user agent observed at the boundary.
	UserAgent string `json:"user_agent,omitempty"`

	// CreatedAt is when the entry was recorded.
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence interface for audit entries.
type Store interface {
	// Append persists a new entry. Entries are immutable once appended.
	Append(ctx context.Context, entry *Entry) error

	// ListByUser returns up to limit entries for the user, most recent first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Entry, error)
}

// Logger records audit entries and is the only writer the auth components use.
// Recording is best-effort with respect to the caller: a failure to persist an
// entry is logged but never fails the ceremony that produced it.
type Logger struct {
	store Store
	log   *logging.Logger
	now   func() time.Time
}

// NewLogger creates an audit logger backed by the given store.
func NewLogger(store Store, log *logging.Logger) *Logger {
	if log == nil {
		log = logging.DefaultLogger()
	}
	return &Logger{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// Record appends an entry, filling in its ID and timestamp.
func (l *Logger) Record(ctx context.Context, entry *Entry) {
	entry.ID = uuid.NewString()
	entry.CreatedAt = l.now().UTC()

	if err := l.store.Append(ctx, entry); err != nil {
		l.log.Error("failed to append audit entry",
			"user_id", entry.UserID,
			"action", string(entry.Action),
			"error", err)
		return
	}

	if entry.Flagged {
		l.log.Warn("security anomaly recorded",
			"user_id", entry.UserID,
			"action", string(entry.Action),
			"reason", entry.Reason)
	}
}

// List returns up to limit entries for the user, most recent first.
func (l *Logger) List(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	return l.store.ListByUser(ctx, userID, limit)
}
