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

package challenge

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store. Take operations are
// atomic under a single mutex, which makes it suitable for single-instance
// deployments and testing; multi-instance deployments use RedisStore or the
// PostgreSQL store, whose takes are atomic across processes.
type MemoryStore struct {
	mu      sync.Mutex
	byUser  map[string]*Challenge
	byValue map[string]*Challenge
}

// NewMemoryStore creates a new in-memory challenge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byUser:  make(map[string]*Challenge),
		byValue: make(map[string]*Challenge),
	}
}

func userKey(userID string, purpose Purpose) string {
	return userID + "|" + string(purpose)
}

func valueKey(purpose Purpose, value string) string {
	return string(purpose) + "|" + value
}

// Put stores a challenge, replacing any live challenge for the same
// (user, purpose) when the challenge carries a user ID.
func (s *MemoryStore) Put(ctx context.Context, ch *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch.UserID != "" {
		if prior, ok := s.byUser[userKey(ch.UserID, ch.Purpose)]; ok {
			delete(s.byValue, valueKey(prior.Purpose, prior.Value))
		}
		s.byUser[userKey(ch.UserID, ch.Purpose)] = ch
	}
	s.byValue[valueKey(ch.Purpose, ch.Value)] = ch
	return nil
}

// TakeByUser atomically removes and returns the live challenge for
// (user, purpose).
func (s *MemoryStore) TakeByUser(ctx context.Context, userID string, purpose Purpose) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.byUser[userKey(userID, purpose)]
	if !ok {
		return nil, ErrChallengeExpired
	}
	delete(s.byUser, userKey(userID, purpose))
	delete(s.byValue, valueKey(purpose, ch.Value))
	return ch, nil
}

// TakeByValue atomically removes and returns the live challenge with the
// given value.
func (s *MemoryStore) TakeByValue(ctx context.Context, purpose Purpose, value string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.byValue[valueKey(purpose, value)]
	if !ok {
		return nil, ErrChallengeExpired
	}
	delete(s.byValue, valueKey(purpose, value))
	if ch.UserID != "" {
		delete(s.byUser, userKey(ch.UserID, ch.Purpose))
	}
	return ch, nil
}

// DeleteExpired removes all challenges whose expiry precedes now.
func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, ch := range s.byValue {
		if ch.Expired(now) {
			delete(s.byValue, key)
			if ch.UserID != "" {
				delete(s.byUser, userKey(ch.UserID, ch.Purpose))
			}
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of live challenges in the store.
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byValue)
}
