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
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for single-instance
// deployments and testing.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]map[string]*Device // userID -> fingerprint -> device
}

// NewMemoryStore creates a new in-memory device store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]map[string]*Device),
	}
}

// Upsert stores the device, replacing any entry for the same (user, fingerprint).
func (s *MemoryStore) Upsert(ctx context.Context, device *Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byFingerprint, ok := s.devices[device.UserID]
	if !ok {
		byFingerprint = make(map[string]*Device)
		s.devices[device.UserID] = byFingerprint
	}
	copied := *device
	byFingerprint[device.Fingerprint] = &copied
	return nil
}

// Get returns the device for (user, fingerprint).
func (s *MemoryStore) Get(ctx context.Context, userID, fingerprint string) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	device, ok := s.devices[userID][fingerprint]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	copied := *device
	return &copied, nil
}

// ListByUser returns all devices for the user, most recently trusted first.
func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*Device, 0, len(s.devices[userID]))
	for _, device := range s.devices[userID] {
		copied := *device
		devices = append(devices, &copied)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].TrustedUntil.After(devices[j].TrustedUntil)
	})
	return devices, nil
}

// Delete removes the device with the given ID belonging to the user.
func (s *MemoryStore) Delete(ctx context.Context, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for fingerprint, device := range s.devices[userID] {
		if device.ID == deviceID {
			delete(s.devices[userID], fingerprint)
			return nil
		}
	}
	return ErrDeviceNotFound
}

// DeleteByUser removes all devices for the user and returns the count.
func (s *MemoryStore) DeleteByUser(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.devices[userID])
	delete(s.devices, userID)
	return count, nil
}

// Count returns the total number of devices across all users.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, byFingerprint := range s.devices {
		count += len(byFingerprint)
	}
	return count
}
