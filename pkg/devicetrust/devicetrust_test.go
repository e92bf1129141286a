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

package devicetrust

import (
	"context"
	"testing"
	"time"

	"github.com/jeremyhahn/go-authgate/pkg/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*Registry, *MemoryStore, *audit.MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	auditStore := audit.NewMemoryStore()
	registry, err := NewRegistry(RegistryParams{
		Store:          store,
		MaxTrustWindow: 30 * 24 * time.Hour,
		Audit:          audit.NewLogger(auditStore, nil),
	})
	require.NoError(t, err)
	return registry, store, auditStore
}

func TestNewRegistry_RequiresStore(t *testing.T) {
	_, err := NewRegistry(RegistryParams{})
	assert.Error(t, err)
}

func TestRegistry_TrustAndCheck(t *testing.T) {
	registry, _, _ := newRegistry(t)
	ctx := context.Background()

	device, err := registry.Trust(ctx, "u1", "fp-laptop", "work laptop", 7*24*time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, device.ID)
	assert.Equal(t, "work laptop", device.Label)

	trusted, err := registry.IsTrusted(ctx, "u1", "fp-laptop")
	require.NoError(t, err)
	assert.True(t, trusted)

	// Unknown fingerprint is simply untrusted, not an error.
	trusted, err = registry.IsTrusted(ctx, "u1", "fp-unknown")
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestRegistry_TrustClampsToMaxWindow(t *testing.T) {
	registry, _, _ := newRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		requested time.Duration
	}{
		{"beyond max", 365 * 24 * time.Hour},
		{"zero", 0},
		{"negative", -time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := time.Now().UTC()
			device, err := registry.Trust(ctx, "u1", "fp-"+tt.name, "", tt.requested)
			require.NoError(t, err)

			maxUntil := before.Add(registry.MaxTrustWindow()).Add(time.Second)
			assert.True(t, device.TrustedUntil.Before(maxUntil),
				"trusted until %s exceeds window cap %s", device.TrustedUntil, maxUntil)
		})
	}
}

func TestRegistry_TrustExtendsExistingEntry(t *testing.T) {
	registry, store, _ := newRegistry(t)
	ctx := context.Background()

	first, err := registry.Trust(ctx, "u1", "fp-phone", "phone", time.Hour)
	require.NoError(t, err)

	second, err := registry.Trust(ctx, "u1", "fp-phone", "", 2*time.Hour)
	require.NoError(t, err)

	// Same registry entry, extended window, label preserved.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, "phone", second.Label)
	assert.True(t, second.TrustedUntil.After(first.TrustedUntil))
	assert.Equal(t, 1, store.Count())
}

func TestRegistry_TrustExpires(t *testing.T) {
	registry, _, _ := newRegistry(t)
	ctx := context.Background()

	device, err := registry.Trust(ctx, "u1", "fp-laptop", "", time.Hour)
	require.NoError(t, err)

	registry.now = func() time.Time { return device.TrustedUntil.Add(time.Second) }

	trusted, err := registry.IsTrusted(ctx, "u1", "fp-laptop")
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestRegistry_Revoke(t *testing.T) {
	registry, _, auditStore := newRegistry(t)
	ctx := context.Background()

	device, err := registry.Trust(ctx, "u1", "fp-laptop", "", time.Hour)
	require.NoError(t, err)

	require.NoError(t, registry.Revoke(ctx, "u1", device.ID))

	trusted, err := registry.IsTrusted(ctx, "u1", "fp-laptop")
	require.NoError(t, err)
	assert.False(t, trusted)

	// Revoking again reports not found.
	assert.ErrorIs(t, registry.Revoke(ctx, "u1", device.ID), ErrDeviceNotFound)

	entries, err := auditStore.ListByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionRevoke, entries[0].Action)
	assert.Equal(t, device.ID, entries[0].DeviceID)
}

func TestRegistry_RevokeOtherUsersDevice(t *testing.T) {
	registry, _, _ := newRegistry(t)
	ctx := context.Background()

	device, err := registry.Trust(ctx, "u1", "fp-laptop", "", time.Hour)
	require.NoError(t, err)

	// A different user cannot revoke u1's device.
	assert.ErrorIs(t, registry.Revoke(ctx, "u2", device.ID), ErrDeviceNotFound)

	trusted, err := registry.IsTrusted(ctx, "u1", "fp-laptop")
	require.NoError(t, err)
	assert.True(t, trusted)
}

func TestRegistry_RevokeAll(t *testing.T) {
	registry, store, _ := newRegistry(t)
	ctx := context.Background()

	_, err := registry.Trust(ctx, "u1", "fp-laptop", "", time.Hour)
	require.NoError(t, err)
	_, err = registry.Trust(ctx, "u1", "fp-phone", "", time.Hour)
	require.NoError(t, err)
	_, err = registry.Trust(ctx, "u2", "fp-other", "", time.Hour)
	require.NoError(t, err)

	count, err := registry.RevokeAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, store.Count())
}

func TestRegistry_List(t *testing.T) {
	registry, _, _ := newRegistry(t)
	ctx := context.Background()

	_, err := registry.Trust(ctx, "u1", "fp-a", "a", time.Hour)
	require.NoError(t, err)
	_, err = registry.Trust(ctx, "u1", "fp-b", "b", 2*time.Hour)
	require.NoError(t, err)

	devices, err := registry.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	// Longest-lived grant first.
	assert.Equal(t, "b", devices[0].Label)
}
