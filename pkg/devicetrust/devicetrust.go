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

// Package devicetrust maintains the registry of devices a user has marked as
// trusted after a successful strong authentication. Trusted devices skip the
// MFA step for subsequent logins until their trust window lapses or the user
// revokes them.
package devicetrust

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-authgate/pkg/audit"
	"github.com/jeremyhahn/go-authgate/pkg/logging"
)

// Sentinel errors for device trust operations.
var (
	// ErrDeviceNotFound is returned when no trusted device matches the lookup.
	ErrDeviceNotFound = errors.New("trusted device not found")
)

// DefaultMaxTrustWindow caps how far in the future a device may stay trusted.
const DefaultMaxTrustWindow = 30 * 24 * time.Hour

// Device is one entry in a user's trusted device registry.
type Device struct {
	// ID uniquely identifies the registry entry.
	ID string `yaml:"id" json:"id"`

	// UserID is the owning user.
	UserID string `yaml:"user_id" json:"user_id"`

	// Fingerprint is the client-derived device identifier. It is treated
	// as opaque; two requests with the same fingerprint are presumed to
	// come from the same device.
	Fingerprint string `yaml:"fingerprint" json:"fingerprint"`

	// Label is an optional user-facing name for the device.
	Label string `yaml:"label" json:"label"`

	// CreatedAt is when the device was first trusted.
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`

	// TrustedUntil is when the trust grant expires.
	TrustedUntil time.Time `yaml:"trusted_until" json:"trusted_until"`
}

// Trusted reports whether the grant is still live at the given time.
func (d *Device) Trusted(now time.Time) bool {
	return now.Before(d.TrustedUntil)
}

// Store is the persistence interface for trusted devices.
type Store interface {
	// Upsert stores the device, replacing any existing entry for the same
	// (user, fingerprint).
	Upsert(ctx context.Context, device *Device) error

	// Get returns the device for (user, fingerprint).
	// Returns ErrDeviceNotFound if none exists.
	Get(ctx context.Context, userID, fingerprint string) (*Device, error)

	// ListByUser returns all devices for the user, most recently trusted first.
	ListByUser(ctx context.Context, userID string) ([]*Device, error)

	// Delete removes the device with the given ID belonging to the user.
	// Returns ErrDeviceNotFound if none exists.
	Delete(ctx context.Context, userID, deviceID string) error

	// DeleteByUser removes all devices for the user and returns the count.
	DeleteByUser(ctx context.Context, userID string) (int, error)
}

// Registry manages trust grants on top of a Store, enforcing the maximum
// trust window and emitting audit entries for revocations.
type Registry struct {
	store     Store
	maxWindow time.Duration
	auditor   *audit.Logger
	logger    *logging.Logger
	now       func() time.Time
}

// RegistryParams holds the dependencies for creating a Registry.
type RegistryParams struct {
	// Store is the device persistence backend. Required.
	Store Store

	// MaxTrustWindow caps requested trust durations.
	// Defaults to DefaultMaxTrustWindow.
	MaxTrustWindow time.Duration

	// Audit records revocation events. Optional.
	Audit *audit.Logger

	// Logger for operational logging. Defaults to the standard logger.
	Logger *logging.Logger
}

// NewRegistry creates a device trust registry.
func NewRegistry(params RegistryParams) (*Registry, error) {
	if params.Store == nil {
		return nil, errors.New("devicetrust: store is required")
	}
	if params.MaxTrustWindow <= 0 {
		params.MaxTrustWindow = DefaultMaxTrustWindow
	}
	if params.Logger == nil {
		params.Logger = logging.DefaultLogger()
	}
	return &Registry{
		store:     params.Store,
		maxWindow: params.MaxTrustWindow,
		auditor:   params.Audit,
		logger:    params.Logger,
		now:       time.Now,
	}, nil
}

// Trust grants or extends trust for (user, fingerprint) for the requested
// duration. Durations beyond the maximum window are silently clamped, never
// rejected, so a client asking for "remember forever" gets the policy cap.
func (r *Registry) Trust(ctx context.Context, userID, fingerprint, label string, duration time.Duration) (*Device, error) {
	now := r.now().UTC()
	if duration <= 0 || duration > r.maxWindow {
		duration = r.maxWindow
	}

	device := &Device{
		ID:           uuid.NewString(),
		UserID:       userID,
		Fingerprint:  fingerprint,
		Label:        label,
		CreatedAt:    now,
		TrustedUntil: now.Add(duration),
	}

	// Preserve the original entry identity and creation time when the
	// device is already registered; only the window moves.
	if existing, err := r.store.Get(ctx, userID, fingerprint); err == nil {
		device.ID = existing.ID
		device.CreatedAt = existing.CreatedAt
		if existing.Label != "" && label == "" {
			device.Label = existing.Label
		}
	}

	if err := r.store.Upsert(ctx, device); err != nil {
		return nil, err
	}
	return device, nil
}

// IsTrusted reports whether (user, fingerprint) holds a live trust grant.
// Store failures are returned to the caller; trust is never assumed when the
// registry cannot be read.
func (r *Registry) IsTrusted(ctx context.Context, userID, fingerprint string) (bool, error) {
	device, err := r.store.Get(ctx, userID, fingerprint)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return false, nil
		}
		return false, err
	}
	return device.Trusted(r.now()), nil
}

// List returns the user's trusted devices, including expired entries so the
// user can see and clean up stale grants.
func (r *Registry) List(ctx context.Context, userID string) ([]*Device, error) {
	return r.store.ListByUser(ctx, userID)
}

// Revoke removes a single trust grant and records the revocation.
func (r *Registry) Revoke(ctx context.Context, userID, deviceID string) error {
	if err := r.store.Delete(ctx, userID, deviceID); err != nil {
		return err
	}
	r.record(ctx, userID, deviceID, "device trust revoked")
	return nil
}

// RevokeAll removes every trust grant for the user and returns the count.
func (r *Registry) RevokeAll(ctx context.Context, userID string) (int, error) {
	count, err := r.store.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		r.record(ctx, userID, "", "all device trust revoked")
	}
	return count, nil
}

func (r *Registry) record(ctx context.Context, userID, deviceID, reason string) {
	if r.auditor == nil {
		return
	}
	r.auditor.Record(ctx, &audit.Entry{
		UserID:   userID,
		Action:   audit.ActionRevoke,
		DeviceID: deviceID,
		Success:  true,
		Reason:   reason,
	})
}

// MaxTrustWindow returns the configured cap on trust durations.
func (r *Registry) MaxTrustWindow() time.Duration {
	return r.maxWindow
}
