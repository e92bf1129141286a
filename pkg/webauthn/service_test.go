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

package webauthn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-authgate/pkg/audit"
	"github.com/jeremyhahn/go-authgate/pkg/challenge"
	"github.com/jeremyhahn/go-authgate/pkg/credential"
	"github.com/jeremyhahn/go-authgate/pkg/devicetrust"
	"github.com/jeremyhahn/go-authgate/pkg/ratelimit"
)

const (
	testRPID   = "booking.example.com"
	testOrigin = "https://booking.example.com"
)

type testHarness struct {
	service    *Service
	creds      *credential.MemoryStore
	auditStore *audit.MemoryStore
	devices    *devicetrust.Registry
}

func newTestHarness(t *testing.T, opts ...func(*ServiceParams)) *testHarness {
	t.Helper()

	creds := credential.NewMemoryStore()
	auditStore := audit.NewMemoryStore()

	registry, err := devicetrust.NewRegistry(devicetrust.RegistryParams{
		Store: devicetrust.NewMemoryStore(),
		Audit: audit.NewLogger(auditStore, nil),
	})
	require.NoError(t, err)

	params := ServiceParams{
		Config: &Config{
			RPID:          testRPID,
			RPDisplayName: "Booking",
			RPOrigins:     []string{testOrigin},
		},
		Credentials: creds,
		Challenges:  challenge.NewManager(challenge.NewMemoryStore()),
		Audit:       audit.NewLogger(auditStore, nil),
		Devices:     registry,
	}
	for _, opt := range opts {
		opt(&params)
	}

	service, err := NewService(params)
	require.NoError(t, err)

	return &testHarness{
		service:    service,
		creds:      creds,
		auditStore: auditStore,
		devices:    registry,
	}
}

// register runs a full registration ceremony for the user with the mock.
func (h *testHarness) register(t *testing.T, userID string, mock *MockAuthenticator) *RegistrationResult {
	t.Helper()
	ctx := context.Background()

	begin, err := h.service.BeginRegistration(ctx, BeginRegistrationRequest{
		UserID:   userID,
		Username: userID,
	})
	require.NoError(t, err)

	response, err := mock.CreateAttestationObject(
		begin.Options.Response.Challenge.String(), []byte(userID), testOrigin)
	require.NoError(t, err)

	result, err := h.service.FinishRegistration(ctx, FinishRegistrationRequest{
		UserID:   userID,
		Response: response,
	})
	require.NoError(t, err)
	return result
}

// authenticate runs a full known-user authentication ceremony.
func (h *testHarness) authenticate(t *testing.T, userID string, mock *MockAuthenticator, req FinishAuthenticationRequest) (*AuthenticationResult, error) {
	t.Helper()
	ctx := context.Background()

	begin, err := h.service.BeginAuthentication(ctx, BeginAuthenticationRequest{UserID: userID})
	require.NoError(t, err)

	response, err := mock.CreateAssertionResponse(
		begin.Options.Response.Challenge.String(), nil, testOrigin)
	require.NoError(t, err)

	req.UserID = userID
	req.Response = response
	return h.service.FinishAuthentication(ctx, req)
}

func TestNewService_Validation(t *testing.T) {
	cfg := &Config{RPID: testRPID, RPDisplayName: "Booking", RPOrigins: []string{testOrigin}}
	creds := credential.NewMemoryStore()
	challenges := challenge.NewManager(challenge.NewMemoryStore())

	tests := []struct {
		name   string
		params ServiceParams
	}{
		{"missing config", ServiceParams{Credentials: creds, Challenges: challenges}},
		{"missing credentials", ServiceParams{Config: cfg, Challenges: challenges}},
		{"missing challenges", ServiceParams{Config: cfg, Credentials: creds}},
		{"invalid config", ServiceParams{Config: &Config{}, Credentials: creds, Challenges: challenges}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewService(tt.params)
			assert.Error(t, err)
		})
	}
}

func TestService_RegisterAndAuthenticate(t *testing.T) {
	h := newTestHarness(t)
	mock, err := NewMockAuthenticator(testRPID)
	require.NoError(t, err)

	reg := h.register(t, "u1", mock)
	require.NotNil(t, reg.Credential)
	assert.Equal(t, mock.CredentialID, reg.Credential.ID)
	assert.Equal(t, "u1", reg.Credential.UserID)
	assert.False(t, reg.Credential.CounterExempt)

	result, err := h.authenticate(t, "u1", mock, FinishAuthenticationRequest{})
	require.NoError(t, err)
	assert.Equal(t, "u1", result.UserID)
	assert.Equal(t, mock.CredentialID, result.CredentialID)

	// The stored counter advanced to the authenticator's value.
	stored, err := h.creds.GetByID(context.Background(), mock.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stored.SignCount)
	assert.False(t, stored.LastUsedAt.IsZero())

	entries, err := h.auditStore.ListByUser(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.ActionAuthenticate, entries[0].Action)
	assert.True(t, entries[0].Success)
	assert.Equal(t, audit.ActionRegister, entries[1].Action)
}

func TestService_FinishRegistrationReplay(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	mock, err := NewMockAuthenticator(testRPID)
	require.NoError(t, err)

	begin, err := h.service.BeginRegistration(ctx, BeginRegistrationRequest{
		UserID:   "u1",
		Username: "u1",
	})
	require.NoError(t, err)

	response, err := mock.CreateAttestationObject(
		begin.Options.Response.Challenge.String(), []byte("u1"), testOrigin)
	require.NoError(t, err)

	_, err = h.service.FinishRegistration(ctx, FinishRegistrationRequest{
		UserID: "u1", Response: response,
	})
	require.NoError(t, err)

	// Replaying the same attestation fails: the challenge was consumed.
	_, err = h.service.FinishRegistration(ctx, FinishRegistrationRequest{
		UserID: "u1", Response: response,
	})
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestService_ChallengeReplacement(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	mock, err := NewMockAuthenticator(testRPID)
	require.NoError(t, err)

	first, err := h.service.BeginRegistration(ctx, BeginRegistrationRequest{
		UserID: "u1", Username: "u1",
	})
	require.NoError(t, err)

	// Starting a second ceremony invalidates the first challenge.
	_, err = h.service.BeginRegistration(ctx, BeginRegistrationRequest{
		UserID: "u1", Username: "u1",
	})
	require.NoError(t, err)

	response, err := mock.CreateAttestationObject(
		first.Options.Response.Challenge.String(), []byte("u1"), testOrigin)
	require.NoError(t, err)

	_, err = h.service.FinishRegistration(ctx, FinishRegistrationRequest{
		UserID: "u1", Response: response,
	})
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestService_DuplicateCredential(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	mock, err := NewMockAuthenticator(testRPID)
	require.NoError(t, err)

	h.register(t, "u1", mock)

	// The same authenticator presented by a different account is rejected.
	begin, err := h.service.BeginRegistration(ctx, BeginRegistrationRequest{
		UserID: "u2", Username: "u2",
	})
	require.NoError(t, err)

	response, err := mock.CreateAttestationObject(
		begin.Options.Response.Challenge.String(), []byte("u2"), testOrigin)
	require.NoError(t, err)

	_, err = h.service.FinishRegistration(ctx, FinishRegistrationRequest{
		UserID: "u2", Response: response,
	})
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestService_CounterRegressionFlagged(t *testing.T) {
	h := newTestHarness(t)
	mock, err := NewMockAuthenticator(testRPID)
	require.NoError(t, err)

	h.register(t, "u1", mock)

	_, err = h.authenticate(t, "u1", mock, FinishAuthenticationRequest{})
	require.NoError(t, err)

	// A cloned authenticator replays an older counter value.
	mock.SetSignCount(0)
	_, err = h.authenticate(t, "u1", mock, FinishAuthenticationRequest{})
	assert.ErrorIs(t, err, ErrVerificationFailed)

	entries, err := h.auditStore.ListByUser(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.True(t, entries[0].Flagged)
	assert.False(t, entries[0].Success)
	assert.Contains(t, entries[0].Reason, "counter regression")

	// The stored counter did not move backward.
	stored, err := h.creds.GetByID(context.Background(), mock.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stored.SignCount)
}

func TestService_BeginAuthenticationNoAuthenticators(t *testing.T) {
	h := newTestHarness(t)

	_, err := h.service.BeginAuthentication(context.Background(), BeginAuthenticationRequest{
		UserID: "nobody",
	})
	assert.ErrorIs(t, err, ErrNoAuthenticators)
}

func TestService_DiscoverableLogin(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	mock, err := NewMockAuthenticator(testRPID)
	require.NoError(t, err)

	h.register(t, "u1", mock)

	begin, err := h.service.BeginAuthentication(ctx, BeginAuthenticationRequest{
		Client: ClientInfo{IPAddress: "192.0.2.1"},
	})
	require.NoError(t, err)

	// The authenticator presents the user handle it stored at registration.
	response, err := mock.CreateAssertionResponse(
		begin.Options.Response.Challenge.String(), []byte("u1"), testOrigin)
	require.NoError(t, err)

	result, err := h.service.FinishAuthentication(ctx, FinishAuthenticationRequest{
		Response: response,
		Client:   ClientInfo{IPAddress: "192.0.2.1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", result.UserID)

	// The usernameless challenge is single-use as well.
	_, err = h.service.FinishAuthentication(ctx, FinishAuthenticationRequest{
		Response: response,
	})
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestService_TokenIssued(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	gen, err := NewJWTGenerator(&JWTGeneratorConfig{
		PrivateKey: key,
		Issuer:     "booking.example.com",
	})
	require.NoError(t, err)

	h := newTestHarness(t, func(p *ServiceParams) {
		p.Tokens = gen
	})

	mock, err := NewMockAuthenticator(testRPID)
	require.NoError(t, err)
	h.register(t, "u1", mock)

	result, err := h.authenticate(t, "u1", mock, FinishAuthenticationRequest{})
	require.NoError(t, err)
	require.NotEmpty(t, result.Token)

	claims, err := gen.VerifyToken(result.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims["sub"])
}

func TestService_TrustDevice(t *testing.T) {
	h := newTestHarness(t)
	mock, err := NewMockAuthenticator(testRPID)
	require.NoError(t, err)
	h.register(t, "u1", mock)

	result, err := h.authenticate(t, "u1", mock, FinishAuthenticationRequest{
		TrustDevice:   true,
		TrustDuration: 7 * 24 * time.Hour,
		DeviceLabel:   "work laptop",
		Client:        ClientInfo{DeviceFingerprint: "fp-laptop"},
	})
	require.NoError(t, err)
	require.NotNil(t, result.TrustedDevice)
	assert.Equal(t, "work laptop", result.TrustedDevice.Label)

	trusted, err := h.devices.IsTrusted(context.Background(), "u1", "fp-laptop")
	require.NoError(t, err)
	assert.True(t, trusted)
}

func TestService_RateLimited(t *testing.T) {
	h := newTestHarness(t, func(p *ServiceParams) {
		p.RateLimiter = ratelimit.New(ratelimit.NewMemoryCounterStore())
		p.AuthenticatePolicy = ratelimit.Policy{Window: time.Minute, MaxRequests: 2}
	})
	ctx := context.Background()

	mock, err := NewMockAuthenticator(testRPID)
	require.NoError(t, err)
	h.register(t, "u1", mock)

	for i := 0; i < 2; i++ {
		_, err := h.service.BeginAuthentication(ctx, BeginAuthenticationRequest{UserID: "u1"})
		require.NoError(t, err)
	}

	_, err = h.service.BeginAuthentication(ctx, BeginAuthenticationRequest{UserID: "u1"})
	le, ok := ratelimit.IsLimitExceeded(err)
	require.True(t, ok, "expected rate limit error, got %v", err)
	assert.Greater(t, le.RetryAfter, time.Duration(0))
}

func TestService_RevokeCredential(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	mock, err := NewMockAuthenticator(testRPID)
	require.NoError(t, err)
	h.register(t, "u1", mock)

	require.NoError(t, h.service.RevokeCredential(ctx, "u1", mock.CredentialID))

	// The credential is gone; authentication can no longer begin.
	_, err = h.service.BeginAuthentication(ctx, BeginAuthenticationRequest{UserID: "u1"})
	assert.ErrorIs(t, err, ErrNoAuthenticators)

	// Revoking twice reports not found.
	err = h.service.RevokeCredential(ctx, "u1", mock.CredentialID)
	assert.ErrorIs(t, err, credential.ErrNotFound)

	entries, err := h.auditStore.ListByUser(ctx, "u1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, audit.ActionRevoke, entries[0].Action)
}

func TestService_ListCredentials(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	mock1, err := NewMockAuthenticator(testRPID)
	require.NoError(t, err)
	mock2, err := NewMockAuthenticator(testRPID)
	require.NoError(t, err)

	h.register(t, "u1", mock1)
	h.register(t, "u1", mock2)

	creds, err := h.service.ListCredentials(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, creds, 2)
}

func TestService_InvalidRequests(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.service.BeginRegistration(ctx, BeginRegistrationRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.service.FinishRegistration(ctx, FinishRegistrationRequest{UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.service.FinishAuthentication(ctx, FinishAuthenticationRequest{UserID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
