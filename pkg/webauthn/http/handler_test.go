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

package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-authgate/pkg/audit"
	"github.com/jeremyhahn/go-authgate/pkg/challenge"
	"github.com/jeremyhahn/go-authgate/pkg/credential"
	"github.com/jeremyhahn/go-authgate/pkg/devicetrust"
	"github.com/jeremyhahn/go-authgate/pkg/ratelimit"
	"github.com/jeremyhahn/go-authgate/pkg/webauthn"
)

const (
	testRPID   = "booking.example.com"
	testOrigin = "https://booking.example.com"
)

func newTestServer(t *testing.T, opts ...func(*webauthn.ServiceParams)) *httptest.Server {
	t.Helper()

	params := webauthn.ServiceParams{
		Config: &webauthn.Config{
			RPID:          testRPID,
			RPDisplayName: "Booking",
			RPOrigins:     []string{testOrigin},
		},
		Credentials: credential.NewMemoryStore(),
		Challenges:  challenge.NewManager(challenge.NewMemoryStore()),
		Audit:       audit.NewLogger(audit.NewMemoryStore(), nil),
	}
	for _, opt := range opts {
		opt(&params)
	}

	service, err := webauthn.NewService(params)
	require.NoError(t, err)

	r := chi.NewRouter()
	MountChi(r, NewHandler(service))

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// registerOverHTTP runs a complete registration ceremony through the HTTP
// endpoints and returns the stored credential summary.
func registerOverHTTP(t *testing.T, server *httptest.Server, userID string, mock *webauthn.MockAuthenticator) CredentialSummary {
	t.Helper()

	resp := postJSON(t, server.URL+"/registration/begin", BeginRegistrationRequest{
		UserID:   userID,
		Username: userID + "@example.com",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	options := decodeJSON[protocol.CredentialCreation](t, resp)

	attestation, err := mock.CreateAttestationObject(
		options.Response.Challenge.String(), []byte(userID), testOrigin)
	require.NoError(t, err)

	rawResponse, err := json.Marshal(attestation.Raw)
	require.NoError(t, err)

	resp = postJSON(t, server.URL+"/registration/finish", FinishRegistrationRequest{
		UserID:   userID,
		Label:    "security key",
		Response: rawResponse,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeJSON[RegistrationResponse](t, resp).Credential
}

// assertionBody builds the finish-authentication request body for the next
// assertion from the mock.
func assertionBody(t *testing.T, server *httptest.Server, userID string, mock *webauthn.MockAuthenticator) FinishAuthenticationRequest {
	t.Helper()

	resp := postJSON(t, server.URL+"/authentication/begin", BeginAuthenticationRequest{
		UserID: userID,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	options := decodeJSON[protocol.CredentialAssertion](t, resp)

	assertion, err := mock.CreateAssertionResponse(
		options.Response.Challenge.String(), nil, testOrigin)
	require.NoError(t, err)

	rawResponse, err := json.Marshal(assertion.Raw)
	require.NoError(t, err)

	return FinishAuthenticationRequest{
		UserID:   userID,
		Response: rawResponse,
	}
}

func TestHandler_RegistrationFlow(t *testing.T) {
	server := newTestServer(t)
	mock, err := webauthn.NewMockAuthenticator(testRPID)
	require.NoError(t, err)

	cred := registerOverHTTP(t, server, "u1", mock)
	assert.NotEmpty(t, cred.ID)
	assert.Equal(t, "security key", cred.Label)
	assert.False(t, cred.CreatedAt.IsZero())
}

func TestHandler_BeginRegistration_InvalidRequests(t *testing.T) {
	server := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing user_id", BeginRegistrationRequest{Username: "a@example.com"}},
		{"missing username", BeginRegistrationRequest{UserID: "u1"}},
		{"malformed body", "not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if s, ok := tt.body.(string); ok {
				var err error
				resp, err = http.Post(server.URL+"/registration/begin", "application/json",
					bytes.NewReader([]byte(s)))
				require.NoError(t, err)
			} else {
				resp = postJSON(t, server.URL+"/registration/begin", tt.body, nil)
			}
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			errResp := decodeJSON[ErrorResponse](t, resp)
			assert.Equal(t, ErrorCodeInvalidRequest, errResp.Error)
		})
	}
}

func TestHandler_AuthenticationFlow(t *testing.T) {
	server := newTestServer(t)
	mock, err := webauthn.NewMockAuthenticator(testRPID)
	require.NoError(t, err)
	cred := registerOverHTTP(t, server, "u1", mock)

	body := assertionBody(t, server, "u1", mock)
	resp := postJSON(t, server.URL+"/authentication/finish", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decodeJSON[AuthenticationResponse](t, resp)
	assert.Equal(t, "u1", result.UserID)
	assert.Equal(t, cred.ID, result.CredentialID)
	assert.Nil(t, result.TrustedUntil)
}

func TestHandler_FinishAuthentication_Replay(t *testing.T) {
	server := newTestServer(t)
	mock, err := webauthn.NewMockAuthenticator(testRPID)
	require.NoError(t, err)
	registerOverHTTP(t, server, "u1", mock)

	body := assertionBody(t, server, "u1", mock)

	resp := postJSON(t, server.URL+"/authentication/finish", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The challenge was consumed by the first finish.
	resp = postJSON(t, server.URL+"/authentication/finish", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	errResp := decodeJSON[ErrorResponse](t, resp)
	assert.Equal(t, ErrorCodeVerificationFailed, errResp.Error)
	assert.Equal(t, "verification failed", errResp.Message)
}

func TestHandler_BeginAuthentication_NoCredentials(t *testing.T) {
	server := newTestServer(t)

	resp := postJSON(t, server.URL+"/authentication/begin", BeginAuthenticationRequest{
		UserID: "nobody",
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	errResp := decodeJSON[ErrorResponse](t, resp)
	assert.Equal(t, ErrorCodeNoCredentials, errResp.Error)
}

func TestHandler_TrustDevice(t *testing.T) {
	server := newTestServer(t, withDeviceRegistry(t))
	mock, err := webauthn.NewMockAuthenticator(testRPID)
	require.NoError(t, err)
	registerOverHTTP(t, server, "u1", mock)

	body := assertionBody(t, server, "u1", mock)
	body.TrustDevice = true
	body.DeviceLabel = "laptop"

	resp := postJSON(t, server.URL+"/authentication/finish", body, map[string]string{
		HeaderDeviceFingerprint: "fp-laptop",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decodeJSON[AuthenticationResponse](t, resp)
	require.NotNil(t, result.TrustedUntil)
	assert.True(t, result.TrustedUntil.After(time.Now()))
}

func TestHandler_ListAndRevokeCredentials(t *testing.T) {
	server := newTestServer(t)
	mock, err := webauthn.NewMockAuthenticator(testRPID)
	require.NoError(t, err)
	cred := registerOverHTTP(t, server, "u1", mock)

	resp, err := http.Get(server.URL + "/credentials/u1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeJSON[CredentialListResponse](t, resp)
	require.Len(t, list.Credentials, 1)
	assert.Equal(t, cred.ID, list.Credentials[0].ID)

	req, err := http.NewRequest(http.MethodDelete,
		server.URL+"/credentials/u1/"+cred.ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(server.URL + "/credentials/u1")
	require.NoError(t, err)
	list = decodeJSON[CredentialListResponse](t, resp)
	assert.Empty(t, list.Credentials)

	// Double revoke reports not found.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	errResp := decodeJSON[ErrorResponse](t, resp)
	assert.Equal(t, ErrorCodeNotFound, errResp.Error)
}

func TestHandler_RateLimited(t *testing.T) {
	server := newTestServer(t, func(p *webauthn.ServiceParams) {
		p.RateLimiter = ratelimit.New(ratelimit.NewMemoryCounterStore())
		p.RegisterPolicy = ratelimit.Policy{Window: time.Minute, MaxRequests: 1}
	})

	body := BeginRegistrationRequest{UserID: "u1", Username: "u1@example.com"}

	resp := postJSON(t, server.URL+"/registration/begin", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, server.URL+"/registration/begin", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	errResp := decodeJSON[ErrorResponse](t, resp)
	assert.Equal(t, ErrorCodeRateLimited, errResp.Error)
}

// withDeviceRegistry wires a trusted device registry into the service.
func withDeviceRegistry(t *testing.T) func(*webauthn.ServiceParams) {
	t.Helper()
	return func(p *webauthn.ServiceParams) {
		registry, err := devicetrust.NewRegistry(devicetrust.RegistryParams{
			Store: devicetrust.NewMemoryStore(),
		})
		require.NoError(t, err)
		p.Devices = registry
	}
}
