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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-authgate/pkg/audit"
	"github.com/jeremyhahn/go-authgate/pkg/ratelimit"
)

// captureSender records sent codes instead of delivering them.
type captureSender struct {
	mu    sync.Mutex
	codes map[string]string // userID|method -> code
	fail  bool
}

func newCaptureSender() *captureSender {
	return &captureSender{codes: make(map[string]string)}
}

func (s *captureSender) Send(ctx context.Context, method Method, destination, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return assert.AnError
	}
	s.codes[destination+"|"+string(method)] = code
	return nil
}

func (s *captureSender) last(destination string, method Method) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codes[destination+"|"+string(method)]
}

func newEngine(t *testing.T, sender Sender) (*Engine, *audit.MemoryStore) {
	t.Helper()
	auditStore := audit.NewMemoryStore()
	engine, err := NewEngine(EngineParams{
		Enrollments: NewMemoryEnrollmentStore(),
		Codes:       NewMemoryCodeStore(),
		Recovery:    NewMemoryRecoveryStore(),
		Sender:      sender,
		Audit:       audit.NewLogger(auditStore, nil),
		Issuer:      "booking.example.com",
	})
	require.NoError(t, err)
	return engine, auditStore
}

func TestNewEngine_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params EngineParams
	}{
		{"missing enrollments", EngineParams{Codes: NewMemoryCodeStore(), Issuer: "x"}},
		{"missing codes", EngineParams{Enrollments: NewMemoryEnrollmentStore(), Issuer: "x"}},
		{"missing issuer", EngineParams{Enrollments: NewMemoryEnrollmentStore(), Codes: NewMemoryCodeStore()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.params)
			assert.Error(t, err)
		})
	}
}

func TestEngine_TOTPRoundTrip(t *testing.T) {
	engine, _ := newEngine(t, nil)
	ctx := context.Background()

	setup, err := engine.SetupTOTP(ctx, "u1", "alice@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, setup.Secret)
	assert.Contains(t, setup.URL, "otpauth://")

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)

	assert.NoError(t, engine.Verify(ctx, "u1", MethodTOTP, code))
	assert.ErrorIs(t, engine.Verify(ctx, "u1", MethodTOTP, "000000"), ErrCodeMismatch)
}

func TestEngine_VerifyNotEnrolled(t *testing.T) {
	engine, _ := newEngine(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, engine.Verify(ctx, "u1", MethodTOTP, "123456"), ErrMethodNotEnrolled)
	assert.ErrorIs(t, engine.Verify(ctx, "u1", MethodSMS, "123456"), ErrMethodNotEnrolled)
	assert.ErrorIs(t, engine.Verify(ctx, "u1", MethodEmail, "123456"), ErrMethodNotEnrolled)
	assert.ErrorIs(t, engine.Verify(ctx, "u1", Method("voice"), "123456"), ErrUnsupportedMethod)

	// Enrollment in one delivery method does not cover another.
	require.NoError(t, engine.Enroll(ctx, "u1", MethodSMS, "+15550100"))
	assert.ErrorIs(t, engine.Verify(ctx, "u1", MethodEmail, "123456"), ErrMethodNotEnrolled)
}

func TestEngine_SendAndVerifyCode(t *testing.T) {
	sender := newCaptureSender()
	engine, auditStore := newEngine(t, sender)
	ctx := context.Background()

	require.NoError(t, engine.Enroll(ctx, "u1", MethodSMS, "+15550100"))
	require.NoError(t, engine.SendCode(ctx, "u1", MethodSMS))

	code := sender.last("+15550100", MethodSMS)
	require.Len(t, code, 6)

	require.NoError(t, engine.Verify(ctx, "u1", MethodSMS, code))

	// The code was consumed; a second use fails.
	assert.ErrorIs(t, engine.Verify(ctx, "u1", MethodSMS, code), ErrCodeExpired)

	entries, err := auditStore.ListByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Success)
	assert.True(t, entries[1].Success)
	assert.Equal(t, audit.ActionAuthenticate, entries[1].Action)
}

func TestEngine_SendCodeReplacesPrior(t *testing.T) {
	sender := newCaptureSender()
	engine, _ := newEngine(t, sender)
	ctx := context.Background()

	require.NoError(t, engine.Enroll(ctx, "u1", MethodEmail, "alice@example.com"))
	require.NoError(t, engine.SendCode(ctx, "u1", MethodEmail))
	first := sender.last("alice@example.com", MethodEmail)

	require.NoError(t, engine.SendCode(ctx, "u1", MethodEmail))
	second := sender.last("alice@example.com", MethodEmail)

	if first != second {
		// The replaced code no longer verifies.
		assert.Error(t, engine.Verify(ctx, "u1", MethodEmail, first))
	}
	assert.NoError(t, engine.Verify(ctx, "u1", MethodEmail, second))
}

func TestEngine_CodeExpiry(t *testing.T) {
	sender := newCaptureSender()
	engine, _ := newEngine(t, sender)
	ctx := context.Background()

	require.NoError(t, engine.Enroll(ctx, "u1", MethodSMS, "+15550100"))
	require.NoError(t, engine.SendCode(ctx, "u1", MethodSMS))
	code := sender.last("+15550100", MethodSMS)

	engine.now = func() time.Time { return time.Now().Add(DefaultCodeTTL + time.Second) }

	assert.ErrorIs(t, engine.Verify(ctx, "u1", MethodSMS, code), ErrCodeExpired)
}

func TestEngine_AttemptBudget(t *testing.T) {
	sender := newCaptureSender()
	engine, _ := newEngine(t, sender)
	ctx := context.Background()

	require.NoError(t, engine.Enroll(ctx, "u1", MethodSMS, "+15550100"))
	require.NoError(t, engine.SendCode(ctx, "u1", MethodSMS))
	code := sender.last("+15550100", MethodSMS)

	// Attempts 1 through maxAttempts-1 report a mismatch.
	for i := 0; i < DefaultMaxAttempts-1; i++ {
		assert.ErrorIs(t, engine.Verify(ctx, "u1", MethodSMS, "wrong!"), ErrCodeMismatch)
	}

	// The final attempt exhausts the budget and invalidates the code.
	assert.ErrorIs(t, engine.Verify(ctx, "u1", MethodSMS, "wrong!"), ErrTooManyAttempts)
	assert.ErrorIs(t, engine.Verify(ctx, "u1", MethodSMS, code), ErrCodeExpired)
}

func TestEngine_SendCodeDeliveryFailure(t *testing.T) {
	sender := newCaptureSender()
	sender.fail = true
	engine, _ := newEngine(t, sender)
	ctx := context.Background()

	require.NoError(t, engine.Enroll(ctx, "u1", MethodSMS, "+15550100"))
	require.Error(t, engine.SendCode(ctx, "u1", MethodSMS))

	// No live code remains after a failed delivery.
	assert.ErrorIs(t, engine.Verify(ctx, "u1", MethodSMS, "123456"), ErrCodeExpired)
}

func TestEngine_EnrollValidation(t *testing.T) {
	engine, _ := newEngine(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, engine.Enroll(ctx, "u1", MethodTOTP, "x"), ErrUnsupportedMethod)
	assert.Error(t, engine.Enroll(ctx, "u1", MethodSMS, ""))
}

func TestEngine_Methods(t *testing.T) {
	engine, _ := newEngine(t, nil)
	ctx := context.Background()

	methods, err := engine.Methods(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, methods)

	_, err = engine.SetupTOTP(ctx, "u1", "alice")
	require.NoError(t, err)
	require.NoError(t, engine.Enroll(ctx, "u1", MethodEmail, "alice@example.com"))

	methods, err = engine.Methods(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Method{MethodTOTP, MethodEmail}, methods)

	require.NoError(t, engine.Unenroll(ctx, "u1", MethodEmail))
	methods, err = engine.Methods(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []Method{MethodTOTP}, methods)
}

func TestEngine_RecoveryCodes(t *testing.T) {
	engine, auditStore := newEngine(t, nil)
	ctx := context.Background()

	codes, err := engine.GenerateRecoveryCodes(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, codes, DefaultRecoveryCodeCount)

	require.NoError(t, engine.VerifyRecoveryCode(ctx, "u1", codes[3]))

	// Single use: the same code fails a second time.
	assert.ErrorIs(t, engine.VerifyRecoveryCode(ctx, "u1", codes[3]), ErrRecoveryCodeInvalid)

	// Other codes in the batch remain valid.
	assert.NoError(t, engine.VerifyRecoveryCode(ctx, "u1", codes[7]))

	assert.ErrorIs(t, engine.VerifyRecoveryCode(ctx, "u1", "nope-nope"), ErrRecoveryCodeInvalid)

	entries, err := auditStore.ListByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, audit.ActionRecovery, entries[0].Action)
}

func TestEngine_RecoveryCodesReplaced(t *testing.T) {
	engine, _ := newEngine(t, nil)
	ctx := context.Background()

	first, err := engine.GenerateRecoveryCodes(ctx, "u1")
	require.NoError(t, err)
	_, err = engine.GenerateRecoveryCodes(ctx, "u1")
	require.NoError(t, err)

	// Codes from the replaced batch are dead.
	assert.ErrorIs(t, engine.VerifyRecoveryCode(ctx, "u1", first[0]), ErrRecoveryCodeInvalid)
}

func TestEngine_VerifyRateLimited(t *testing.T) {
	auditStore := audit.NewMemoryStore()
	engine, err := NewEngine(EngineParams{
		Enrollments: NewMemoryEnrollmentStore(),
		Codes:       NewMemoryCodeStore(),
		RateLimiter: ratelimit.New(ratelimit.NewMemoryCounterStore()),
		RateLimitPolicy: ratelimit.Policy{
			Window:      time.Minute,
			MaxRequests: 2,
		},
		Audit:  audit.NewLogger(auditStore, nil),
		Issuer: "booking.example.com",
	})
	require.NoError(t, err)
	ctx := context.Background()

	setup, err := engine.SetupTOTP(ctx, "u1", "alice")
	require.NoError(t, err)

	code, err := totp.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)

	require.NoError(t, engine.Verify(ctx, "u1", MethodTOTP, code))
	_ = engine.Verify(ctx, "u1", MethodTOTP, "000000")

	err = engine.Verify(ctx, "u1", MethodTOTP, code)
	_, ok := ratelimit.IsLimitExceeded(err)
	assert.True(t, ok, "expected rate limit error, got %v", err)
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		code, err := generateCode()
		require.NoError(t, err)
		assert.Len(t, code, 6)
		for _, r := range code {
			assert.True(t, r >= '0' && r <= '9')
		}
		seen[code] = true
	}
	// Collisions across 20 draws of a million-value space are unlikely
	// enough that more than a couple indicates a broken generator.
	assert.Greater(t, len(seen), 15)
}
