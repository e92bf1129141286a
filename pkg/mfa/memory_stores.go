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

package mfa

import (
	"bytes"
	"context"
	"sync"
)

func enrollmentKey(userID string, method Method) string {
	return userID + "|" + string(method)
}

// MemoryEnrollmentStore is an in-memory EnrollmentStore for single-instance
// deployments and testing.
type MemoryEnrollmentStore struct {
	mu          sync.RWMutex
	enrollments map[string]*Enrollment
}

// NewMemoryEnrollmentStore creates a new in-memory enrollment store.
func NewMemoryEnrollmentStore() *MemoryEnrollmentStore {
	return &MemoryEnrollmentStore{
		enrollments: make(map[string]*Enrollment),
	}
}

// Save stores an enrollment, replacing any existing one for (user, method).
func (s *MemoryEnrollmentStore) Save(ctx context.Context, enrollment *Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *enrollment
	s.enrollments[enrollmentKey(enrollment.UserID, enrollment.Method)] = &copied
	return nil
}

// Get returns the enrollment for (user, method).
func (s *MemoryEnrollmentStore) Get(ctx context.Context, userID string, method Method) (*Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	enrollment, ok := s.enrollments[enrollmentKey(userID, method)]
	if !ok {
		return nil, ErrMethodNotEnrolled
	}
	copied := *enrollment
	return &copied, nil
}

// ListByUser returns all enrollments for the user.
func (s *MemoryEnrollmentStore) ListByUser(ctx context.Context, userID string) ([]*Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var enrollments []*Enrollment
	for _, enrollment := range s.enrollments {
		if enrollment.UserID == userID {
			copied := *enrollment
			enrollments = append(enrollments, &copied)
		}
	}
	return enrollments, nil
}

// Delete removes the enrollment for (user, method).
func (s *MemoryEnrollmentStore) Delete(ctx context.Context, userID string, method Method) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := enrollmentKey(userID, method)
	if _, ok := s.enrollments[key]; !ok {
		return ErrMethodNotEnrolled
	}
	delete(s.enrollments, key)
	return nil
}

// MemoryCodeStore is an in-memory CodeStore for single-instance deployments
// and testing.
type MemoryCodeStore struct {
	mu    sync.Mutex
	codes map[string]*Code
}

// NewMemoryCodeStore creates a new in-memory code store.
func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{
		codes: make(map[string]*Code),
	}
}

// Save stores a code, replacing any live code for (user, method).
func (s *MemoryCodeStore) Save(ctx context.Context, code *Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *code
	s.codes[enrollmentKey(code.UserID, code.Method)] = &copied
	return nil
}

// Get returns the live code for (user, method).
func (s *MemoryCodeStore) Get(ctx context.Context, userID string, method Method) (*Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[enrollmentKey(userID, method)]
	if !ok {
		return nil, ErrCodeExpired
	}
	copied := *code
	return &copied, nil
}

// Delete removes the live code for (user, method), if any.
func (s *MemoryCodeStore) Delete(ctx context.Context, userID string, method Method) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.codes, enrollmentKey(userID, method))
	return nil
}

// IncrAttempts increments the failed attempt count for the live code.
func (s *MemoryCodeStore) IncrAttempts(ctx context.Context, userID string, method Method) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[enrollmentKey(userID, method)]
	if !ok {
		return 0, ErrCodeExpired
	}
	code.Attempts++
	return code.Attempts, nil
}

// MemoryRecoveryStore is an in-memory RecoveryStore for single-instance
// deployments and testing.
type MemoryRecoveryStore struct {
	mu    sync.Mutex
	codes map[string][]*RecoveryCode
}

// NewMemoryRecoveryStore creates a new in-memory recovery code store.
func NewMemoryRecoveryStore() *MemoryRecoveryStore {
	return &MemoryRecoveryStore{
		codes: make(map[string][]*RecoveryCode),
	}
}

// Replace atomically replaces the user's recovery codes with a new batch.
func (s *MemoryRecoveryStore) Replace(ctx context.Context, userID string, codes []*RecoveryCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]*RecoveryCode, len(codes))
	for i, code := range codes {
		c := *code
		copied[i] = &c
	}
	s.codes[userID] = copied
	return nil
}

// ListUnused returns the user's unconsumed recovery codes.
func (s *MemoryRecoveryStore) ListUnused(ctx context.Context, userID string) ([]*RecoveryCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unused []*RecoveryCode
	for _, code := range s.codes[userID] {
		if !code.Used {
			copied := *code
			unused = append(unused, &copied)
		}
	}
	return unused, nil
}

// MarkUsed marks the code with the given hash as consumed.
func (s *MemoryRecoveryStore) MarkUsed(ctx context.Context, userID string, hash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, code := range s.codes[userID] {
		if bytes.Equal(code.Hash, hash) {
			code.Used = true
			return nil
		}
	}
	return ErrRecoveryCodeInvalid
}
