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
	"encoding/json"
	"time"
)

// HeaderDeviceFingerprint carries the client-derived device identifier used
// for device trust.
const HeaderDeviceFingerprint = "X-Device-Fingerprint"

// BeginRegistrationRequest is the request body for starting registration.
type BeginRegistrationRequest struct {
	// UserID identifies the account registering a new authenticator (required).
	UserID string `json:"user_id"`

	// Username is the account name shown by the authenticator (required).
	Username string `json:"username"`

	// DisplayName is the human-readable name (optional, defaults to username).
	DisplayName string `json:"display_name,omitempty"`
}

// FinishRegistrationRequest is the request body for completing registration.
type FinishRegistrationRequest struct {
	// UserID identifies the account completing registration (required).
	UserID string `json:"user_id"`

	// Label is an optional user-assigned name for the new credential.
	Label string `json:"label,omitempty"`

	// Response is the raw attestation response from the authenticator.
	Response json.RawMessage `json:"response"`
}

// RegistrationResponse is the response after successful registration.
type RegistrationResponse struct {
	// Credential describes the newly stored authenticator.
	Credential CredentialSummary `json:"credential"`
}

// BeginAuthenticationRequest is the request body for starting authentication.
type BeginAuthenticationRequest struct {
	// UserID identifies the account (optional). If empty, the usernameless
	// discoverable credential flow is used.
	UserID string `json:"user_id,omitempty"`
}

// FinishAuthenticationRequest is the request body for completing
// authentication.
type FinishAuthenticationRequest struct {
	// UserID identifies the account (optional, empty for usernameless login).
	UserID string `json:"user_id,omitempty"`

	// Response is the raw assertion response from the authenticator.
	Response json.RawMessage `json:"response"`

	// TrustDevice requests the client device be remembered on success. The
	// device fingerprint header must be present.
	TrustDevice bool `json:"trust_device,omitempty"`

	// TrustDurationSeconds is the requested trust window in seconds. Clamped
	// to the server maximum; zero requests the maximum.
	TrustDurationSeconds int64 `json:"trust_duration_seconds,omitempty"`

	// DeviceLabel is an optional name for the trusted device entry.
	DeviceLabel string `json:"device_label,omitempty"`
}

// AuthenticationResponse is the response after successful authentication.
type AuthenticationResponse struct {
	// UserID is the authenticated account.
	UserID string `json:"user_id"`

	// CredentialID is the base64url-encoded credential that satisfied the
	// ceremony.
	CredentialID string `json:"credential_id"`

	// Token is the session token, when token issuance is configured.
	Token string `json:"token,omitempty"`

	// TrustedUntil is set when the device was added to the trust registry.
	TrustedUntil *time.Time `json:"trusted_until,omitempty"`
}

// CredentialSummary describes a registered authenticator.
type CredentialSummary struct {
	// ID is the base64url-encoded credential ID.
	ID string `json:"id"`

	// Label is the user-assigned credential name.
	Label string `json:"label,omitempty"`

	// Transports lists how the authenticator communicates.
	Transports []string `json:"transports,omitempty"`

	// CreatedAt is when the credential was registered.
	CreatedAt time.Time `json:"created_at"`

	// LastUsedAt is when the credential last completed an authentication.
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// CredentialListResponse is the response for listing credentials.
type CredentialListResponse struct {
	// Credentials are the user's registered authenticators.
	Credentials []CredentialSummary `json:"credentials"`
}

// ErrorResponse is the response format for errors.
type ErrorResponse struct {
	// Error is the error code.
	Error string `json:"error"`

	// Message is a human-readable error message.
	Message string `json:"message"`
}

// Error codes returned in ErrorResponse.
const (
	ErrorCodeInvalidRequest     = "invalid_request"
	ErrorCodeNoCredentials      = "no_credentials"
	ErrorCodeNotFound           = "not_found"
	ErrorCodeVerificationFailed = "verification_failed"
	ErrorCodeRateLimited        = "rate_limited"
	ErrorCodeInternalError      = "internal_error"
)
