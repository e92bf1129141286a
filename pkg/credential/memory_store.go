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

package credential

import (
	"context"
	"encoding/hex"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store.
// This is intended for development and testing only.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*Authenticator
	byUserID map[string][]string
}

// NewMemoryStore creates a new in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Authenticator),
		byUserID: make(map[string][]string),
	}
}

// Add persists a newly registered authenticator.
func (s *MemoryStore) Add(ctx context.Context, authn *Authenticator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hex.EncodeToString(authn.ID)
	if _, ok := s.byID[key]; ok {
		return ErrDuplicateCredential
	}

	a := *authn
	s.byID[key] = &a
	s.byUserID[authn.UserID] = append(s.byUserID[authn.UserID], key)
	return nil
}

// GetByID retrieves an authenticator by its credential ID.
func (s *MemoryStore) GetByID(ctx context.Context, credentialID []byte) (*Authenticator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authn, ok := s.byID[hex.EncodeToString(credentialID)]
	if !ok {
		return nil, ErrNotFound
	}
	a := *authn
	return &a, nil
}

// ListByUser returns all authenticators registered to the user.
func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Authenticator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.byUserID[userID]
	result := make([]*Authenticator, 0, len(keys))
	for _, key := range keys {
		if authn, ok := s.byID[key]; ok {
			a := *authn
			result = append(result, &a)
		}
	}
	return result, nil
}

// UpdateCounter records an accepted authentication with an atomic
// read-compare-write against the stored counter.
func (s *MemoryStore) UpdateCounter(ctx context.Context, credentialID []byte, newCounter uint32, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	authn, ok := s.byID[hex.EncodeToString(credentialID)]
	if !ok {
		return ErrNotFound
	}

	if !authn.CounterExempt && newCounter <= authn.SignCount {
		return ErrCounterRegression
	}

	if newCounter > authn.SignCount {
		authn.SignCount = newCounter
	}
	authn.LastUsedAt = usedAt
	return nil
}

// Revoke removes a credential owned by the user.
func (s *MemoryStore) Revoke(ctx context.Context, userID string, credentialID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hex.EncodeToString(credentialID)
	authn, ok := s.byID[key]
	if !ok || authn.UserID != userID {
		return ErrNotFound
	}

	delete(s.byID, key)
	keys := s.byUserID[userID]
	for i, k := range keys {
		if k == key {
			s.byUserID[userID] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	return nil
}

// Count returns the total number of credentials in the store.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
