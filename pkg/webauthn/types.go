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
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/jeremyhahn/go-authgate/pkg/credential"
	"github.com/jeremyhahn/go-authgate/pkg/devicetrust"
)

// ceremonyUser adapts a user account and its stored authenticators to the
// webauthn.User interface for the duration of one ceremony. The user handle
// presented to authenticators is the account's user ID bytes.
type ceremonyUser struct {
	id          string
	name        string
	displayName string
	creds       []*credential.Authenticator
}

// WebAuthnID returns the user handle.
func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.id)
}

// WebAuthnName returns the username.
func (u *ceremonyUser) WebAuthnName() string {
	return u.name
}

// WebAuthnDisplayName returns the user's display name.
func (u *ceremonyUser) WebAuthnDisplayName() string {
	if u.displayName == "" {
		return u.name
	}
	return u.displayName
}

// WebAuthnCredentials returns the user's registered credentials.
func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	creds := make([]webauthn.Credential, len(u.creds))
	for i, c := range u.creds {
		creds[i] = toLibraryCredential(c)
	}
	return creds
}

// toLibraryCredential reconstructs the go-webauthn credential from stored state.
func toLibraryCredential(a *credential.Authenticator) webauthn.Credential {
	return webauthn.Credential{
		ID:              a.ID,
		PublicKey:       a.PublicKey,
		AttestationType: a.AttestationType,
		Transport:       transportsFromStrings(a.Transports),
		Flags: webauthn.CredentialFlags{
			BackupEligible: a.BackupEligible,
			BackupState:    a.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    a.AAGUID,
			SignCount: a.SignCount,
		},
	}
}

// fromLibraryCredential converts a freshly registered go-webauthn credential
// into the stored authenticator record.
func fromLibraryCredential(userID, label string, wc *webauthn.Credential, createdAt time.Time) *credential.Authenticator {
	return &credential.Authenticator{
		ID:              wc.ID,
		UserID:          userID,
		PublicKey:       wc.PublicKey,
		AttestationType: wc.AttestationType,
		Transports:      transportStrings(wc.Transport),
		AAGUID:          wc.Authenticator.AAGUID,
		BackupEligible:  wc.Flags.BackupEligible,
		BackupState:     wc.Flags.BackupState,
		Label:           label,
		SignCount:       wc.Authenticator.SignCount,
		// Authenticators that report a zero counter at registration and are
		// backup eligible (synced passkeys) never increment their counter.
		CounterExempt: wc.Authenticator.SignCount == 0 && wc.Flags.BackupEligible,
		CreatedAt:     createdAt,
	}
}

func transportStrings(transports []protocol.AuthenticatorTransport) []string {
	if len(transports) == 0 {
		return nil
	}
	out := make([]string, len(transports))
	for i, t := range transports {
		out[i] = string(t)
	}
	return out
}

func transportsFromStrings(transports []string) []protocol.AuthenticatorTransport {
	if len(transports) == 0 {
		return nil
	}
	out := make([]protocol.AuthenticatorTransport, len(transports))
	for i, t := range transports {
		out[i] = protocol.AuthenticatorTransport(t)
	}
	return out
}

// ClientInfo carries request metadata used for rate limiting, audit, and
// device trust. All fields are optional.
type ClientInfo struct {
	// IPAddress is the originating client address.
	IPAddress string `json:"ip_address,omitempty"`

	// UserAgent is the client's user agent string.
	UserAgent string `json:"user_agent,omitempty"`

	// DeviceFingerprint is the client-derived device identifier.
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

// BeginRegistrationRequest starts a registration ceremony.
type BeginRegistrationRequest struct {
	// UserID identifies the account registering a new authenticator.
	UserID string `json:"user_id"`

	// Username is the account name shown by the authenticator.
	Username string `json:"username"`

	// DisplayName is the human-readable name shown by the authenticator.
	DisplayName string `json:"display_name,omitempty"`

	// Client carries request metadata.
	Client ClientInfo `json:"-"`
}

// BeginRegistrationResult is returned from BeginRegistration.
type BeginRegistrationResult struct {
	// Options are the creation options to pass to the client.
	Options *protocol.CredentialCreation `json:"options"`
}

// FinishRegistrationRequest completes a registration ceremony.
type FinishRegistrationRequest struct {
	// UserID identifies the account completing registration.
	UserID string `json:"user_id"`

	// Label is an optional user-assigned name for the new credential.
	Label string `json:"label,omitempty"`

	// Response is the parsed attestation response from the client.
	Response *protocol.ParsedCredentialCreationData `json:"-"`

	// Client carries request metadata.
	Client ClientInfo `json:"-"`
}

// RegistrationResult is returned from FinishRegistration.
type RegistrationResult struct {
	// Credential is the newly stored authenticator.
	Credential *credential.Authenticator `json:"credential"`
}

// BeginAuthenticationRequest starts an authentication ceremony. An empty
// UserID requests a usernameless (discoverable credential) ceremony.
type BeginAuthenticationRequest struct {
	// UserID identifies the account, or is empty for usernameless login.
	UserID string `json:"user_id,omitempty"`

	// Client carries request metadata.
	Client ClientInfo `json:"-"`
}

// BeginAuthenticationResult is returned from BeginAuthentication.
type BeginAuthenticationResult struct {
	// Options are the assertion options to pass to the client.
	Options *protocol.CredentialAssertion `json:"options"`
}

// FinishAuthenticationRequest completes an authentication ceremony.
type FinishAuthenticationRequest struct {
	// UserID identifies the account, or is empty for usernameless login.
	UserID string `json:"user_id,omitempty"`

	// Response is the parsed assertion response from the client.
	Response *protocol.ParsedCredentialAssertionData `json:"-"`

	// TrustDevice requests that the client device be added to the trusted
	// device registry on success.
	TrustDevice bool `json:"trust_device,omitempty"`

	// TrustDuration is the requested trust window. Clamped to the registry's
	// maximum; zero requests the maximum.
	TrustDuration time.Duration `json:"trust_duration,omitempty"`

	// DeviceLabel is an optional name for the trusted device entry.
	DeviceLabel string `json:"device_label,omitempty"`

	// Client carries request metadata.
	Client ClientInfo `json:"-"`
}

// AuthenticationResult is returned from FinishAuthentication.
type AuthenticationResult struct {
	// UserID is the authenticated account. For usernameless ceremonies this
	// is resolved from the presented credential.
	UserID string `json:"user_id"`

	// CredentialID is the credential that satisfied the ceremony.
	CredentialID []byte `json:"credential_id"`

	// Token is the session token issued for the authenticated user, when a
	// token generator is configured.
	Token string `json:"token,omitempty"`

	// TrustedDevice is the device trust entry created when the request asked
	// for one.
	TrustedDevice *devicetrust.Device `json:"trusted_device,omitempty"`
}
