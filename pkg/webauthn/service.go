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

// Package webauthn implements the WebAuthn registration and authentication
// ceremonies on top of the challenge, credential, rate limit, audit, and
// device trust components.
//
// Verification failures are collapsed into ErrVerificationFailed before they
// reach the caller; the specific reason is recorded in the audit log only.
// Rate limiting and missing-authenticator conditions are surfaced as their
// own errors since they are actionable and non-sensitive.
package webauthn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/jeremyhahn/go-authgate/pkg/audit"
	"github.com/jeremyhahn/go-authgate/pkg/challenge"
	"github.com/jeremyhahn/go-authgate/pkg/credential"
	"github.com/jeremyhahn/go-authgate/pkg/devicetrust"
	"github.com/jeremyhahn/go-authgate/pkg/logging"
	"github.com/jeremyhahn/go-authgate/pkg/metrics"
	"github.com/jeremyhahn/go-authgate/pkg/ratelimit"
)

const (
	// OpRegister is the rate limit operation name for registration.
	OpRegister = "register"

	// OpAuthenticate is the rate limit operation name for authentication.
	OpAuthenticate = "authenticate"

	// DefaultStoreTimeout bounds every store call made during a ceremony.
	DefaultStoreTimeout = 5 * time.Second
)

// Service orchestrates WebAuthn ceremonies.
type Service struct {
	webauthn     *webauthn.WebAuthn
	config       *Config
	creds        credential.Store
	challenges   *challenge.Manager
	limiter      *ratelimit.Limiter
	registerPol  ratelimit.Policy
	authPol      ratelimit.Policy
	auditor      *audit.Logger
	devices      *devicetrust.Registry
	tokens       TokenGenerator
	logger       *logging.Logger
	storeTimeout time.Duration
	now          func() time.Time
}

// ServiceParams contains dependencies for creating the ceremony service.
type ServiceParams struct {
	// Config is the WebAuthn configuration (required).
	Config *Config

	// Credentials is the authenticator persistence layer (required).
	Credentials credential.Store

	// Challenges manages challenge lifecycle (required).
	Challenges *challenge.Manager

	// RateLimiter gates ceremony starts. Optional.
	RateLimiter *ratelimit.Limiter

	// RegisterPolicy is the per-client limit on registration starts.
	RegisterPolicy ratelimit.Policy

	// AuthenticatePolicy is the per-client limit on authentication starts.
	AuthenticatePolicy ratelimit.Policy

	// Audit records ceremony outcomes. Optional.
	Audit *audit.Logger

	// Devices is the trusted device registry. Optional; device trust
	// requests are ignored when absent.
	Devices *devicetrust.Registry

	// Tokens issues post-authentication session tokens. Optional.
	Tokens TokenGenerator

	// StoreTimeout bounds store calls. Defaults to DefaultStoreTimeout.
	StoreTimeout time.Duration

	// Logger for operational logging. Defaults to the standard logger.
	Logger *logging.Logger
}

// NewService creates a ceremony service with the provided dependencies.
func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if params.Credentials == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if params.Challenges == nil {
		return nil, fmt.Errorf("challenge manager is required")
	}
	if params.StoreTimeout <= 0 {
		params.StoreTimeout = DefaultStoreTimeout
	}
	if params.Logger == nil {
		params.Logger = logging.DefaultLogger()
	}

	params.Config.SetDefaults()
	if err := params.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	wa, err := webauthn.New(params.Config.ToWebAuthnConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create webauthn instance: %w", err)
	}

	return &Service{
		webauthn:     wa,
		config:       params.Config,
		creds:        params.Credentials,
		challenges:   params.Challenges,
		limiter:      params.RateLimiter,
		registerPol:  params.RegisterPolicy,
		authPol:      params.AuthenticatePolicy,
		auditor:      params.Audit,
		devices:      params.Devices,
		tokens:       params.Tokens,
		logger:       params.Logger,
		storeTimeout: params.StoreTimeout,
		now:          time.Now,
	}, nil
}

// storeCtx bounds a store call so a hung backend cannot stall a ceremony.
func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// BeginRegistration starts a registration ceremony for the user. Any prior
// live registration challenge for the same user is invalidated.
func (s *Service) BeginRegistration(ctx context.Context, req BeginRegistrationRequest) (*BeginRegistrationResult, error) {
	if req.UserID == "" || req.Username == "" {
		return nil, NewError("begin registration", ErrInvalidRequest)
	}

	if err := s.allow(ctx, "user:"+req.UserID, OpRegister, s.registerPol); err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	existing, err := s.creds.ListByUser(sctx, req.UserID)
	cancel()
	if err != nil {
		return nil, WrapError("list credentials", err)
	}

	// Registered credentials are excluded so the same authenticator cannot
	// be enrolled twice.
	excludeList := make([]protocol.CredentialDescriptor, len(existing))
	for i, cred := range existing {
		excludeList[i] = protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.ID,
			Transport:    transportsFromStrings(cred.Transports),
		}
	}

	user := &ceremonyUser{
		id:          req.UserID,
		name:        req.Username,
		displayName: req.DisplayName,
		creds:       existing,
	}

	options, session, err := s.webauthn.BeginRegistration(user,
		webauthn.WithExclusions(excludeList),
	)
	if err != nil {
		return nil, WrapError("begin registration", err)
	}

	if err := s.issueChallenge(ctx, req.UserID, challenge.PurposeRegister, session); err != nil {
		return nil, err
	}

	return &BeginRegistrationResult{Options: options}, nil
}

// FinishRegistration completes a registration ceremony. The challenge bound
// to the attestation is consumed whether or not verification succeeds.
func (s *Service) FinishRegistration(ctx context.Context, req FinishRegistrationRequest) (*RegistrationResult, error) {
	start := s.now()
	if req.UserID == "" || req.Response == nil {
		return nil, NewError("finish registration", ErrInvalidRequest)
	}

	session, err := s.consumeChallenge(ctx, req.UserID, challenge.PurposeRegister,
		req.Response.Response.CollectedClientData.Challenge)
	if err != nil {
		s.recordRegistration(ctx, req, nil, err.Error())
		metrics.RecordCeremony(metrics.CeremonyRegister, metrics.StatusFailure, time.Since(start).Seconds())
		return nil, NewError("finish registration", ErrVerificationFailed)
	}

	user := &ceremonyUser{
		id:   req.UserID,
		name: req.UserID,
	}

	libCred, err := s.webauthn.CreateCredential(user, *session, req.Response)
	if err != nil {
		s.recordRegistration(ctx, req, nil, "attestation verification failed: "+err.Error())
		metrics.RecordCeremony(metrics.CeremonyRegister, metrics.StatusFailure, time.Since(start).Seconds())
		return nil, NewError("finish registration", ErrVerificationFailed)
	}

	authn := fromLibraryCredential(req.UserID, req.Label, libCred, s.now().UTC())

	sctx, cancel := s.storeCtx(ctx)
	err = s.creds.Add(sctx, authn)
	cancel()
	if err != nil {
		if credential.IsDuplicate(err) {
			s.recordRegistration(ctx, req, authn.ID, "duplicate credential")
			metrics.RecordCeremony(metrics.CeremonyRegister, metrics.StatusFailure, time.Since(start).Seconds())
			return nil, NewError("finish registration", ErrVerificationFailed)
		}
		return nil, WrapError("store credential", err)
	}

	s.recordRegistration(ctx, req, authn.ID, "")
	metrics.RecordCeremony(metrics.CeremonyRegister, metrics.StatusSuccess, time.Since(start).Seconds())
	return &RegistrationResult{Credential: authn}, nil
}

// BeginAuthentication starts an authentication ceremony. An empty UserID
// starts a usernameless ceremony against discoverable credentials; the
// client address is then the rate limit key, since no account is named.
func (s *Service) BeginAuthentication(ctx context.Context, req BeginAuthenticationRequest) (*BeginAuthenticationResult, error) {
	limitKey := "user:" + req.UserID
	if req.UserID == "" {
		limitKey = "ip:" + req.Client.IPAddress
	}
	if err := s.allow(ctx, limitKey, OpAuthenticate, s.authPol); err != nil {
		return nil, err
	}

	var options *protocol.CredentialAssertion
	var session *webauthn.SessionData
	var err error

	if req.UserID == "" {
		options, session, err = s.webauthn.BeginDiscoverableLogin()
	} else {
		sctx, cancel := s.storeCtx(ctx)
		creds, listErr := s.creds.ListByUser(sctx, req.UserID)
		cancel()
		if listErr != nil {
			return nil, WrapError("list credentials", listErr)
		}
		if len(creds) == 0 {
			return nil, NewError("begin authentication", ErrNoAuthenticators)
		}

		user := &ceremonyUser{
			id:    req.UserID,
			name:  req.UserID,
			creds: creds,
		}
		options, session, err = s.webauthn.BeginLogin(user)
	}
	if err != nil {
		return nil, WrapError("begin authentication", err)
	}

	if err := s.issueChallenge(ctx, req.UserID, challenge.PurposeAuthenticate, session); err != nil {
		return nil, err
	}

	return &BeginAuthenticationResult{Options: options}, nil
}

// FinishAuthentication completes an authentication ceremony. On success the
// stored signature counter advances and a session token is issued; a counter
// regression is flagged in the audit log and rejected.
func (s *Service) FinishAuthentication(ctx context.Context, req FinishAuthenticationRequest) (*AuthenticationResult, error) {
	start := s.now()
	if req.Response == nil {
		return nil, NewError("finish authentication", ErrInvalidRequest)
	}

	session, err := s.takeAuthChallenge(ctx, req)
	if err != nil {
		s.recordAuthentication(ctx, req.UserID, nil, req.Client, false, err.Error())
		metrics.RecordCeremony(metrics.CeremonyAuthenticate, metrics.StatusFailure, time.Since(start).Seconds())
		return nil, NewError("finish authentication", ErrVerificationFailed)
	}

	userID := req.UserID
	var libCred *webauthn.Credential

	if userID == "" {
		libCred, err = s.webauthn.ValidateDiscoverableLogin(s.discoverableUserHandler(ctx), *session, req.Response)
		if err == nil {
			sctx, cancel := s.storeCtx(ctx)
			stored, getErr := s.creds.GetByID(sctx, libCred.ID)
			cancel()
			if getErr != nil {
				err = getErr
			} else {
				userID = stored.UserID
			}
		}
	} else {
		sctx, cancel := s.storeCtx(ctx)
		creds, listErr := s.creds.ListByUser(sctx, userID)
		cancel()
		if listErr != nil {
			return nil, WrapError("list credentials", listErr)
		}
		user := &ceremonyUser{
			id:    userID,
			name:  userID,
			creds: creds,
		}
		libCred, err = s.webauthn.ValidateLogin(user, *session, req.Response)
	}
	if err != nil {
		s.recordAuthentication(ctx, userID, nil, req.Client, false, "assertion verification failed: "+err.Error())
		metrics.RecordCeremony(metrics.CeremonyAuthenticate, metrics.StatusFailure, time.Since(start).Seconds())
		return nil, NewError("finish authentication", ErrVerificationFailed)
	}

	// The store is the authority on counter regressions: the compare and
	// write happen atomically there, so concurrent assertions with replayed
	// counters cannot both pass.
	sctx, cancel := s.storeCtx(ctx)
	err = s.creds.UpdateCounter(sctx, libCred.ID, libCred.Authenticator.SignCount, s.now().UTC())
	cancel()
	if err != nil {
		if credential.IsCounterRegression(err) {
			s.recordFlagged(ctx, userID, libCred.ID, req.Client, "signature counter regression")
			metrics.RecordCeremony(metrics.CeremonyAuthenticate, metrics.StatusFlagged, time.Since(start).Seconds())
			return nil, NewError("finish authentication", ErrVerificationFailed)
		}
		if credential.IsNotFound(err) {
			s.recordAuthentication(ctx, userID, libCred.ID, req.Client, false, "credential not registered")
			metrics.RecordCeremony(metrics.CeremonyAuthenticate, metrics.StatusFailure, time.Since(start).Seconds())
			return nil, NewError("finish authentication", ErrVerificationFailed)
		}
		return nil, WrapError("update counter", err)
	}

	result := &AuthenticationResult{
		UserID:       userID,
		CredentialID: libCred.ID,
	}

	if s.tokens != nil {
		token, tokenErr := s.tokens.GenerateToken(ctx, userID)
		if tokenErr != nil {
			return nil, WrapError("generate token", tokenErr)
		}
		result.Token = token
	}

	if req.TrustDevice && s.devices != nil && req.Client.DeviceFingerprint != "" {
		device, trustErr := s.devices.Trust(ctx, userID, req.Client.DeviceFingerprint,
			req.DeviceLabel, req.TrustDuration)
		if trustErr != nil {
			// Trust registration is an enhancement; the authentication
			// itself already succeeded.
			s.logger.Error("failed to register trusted device",
				"user_id", userID, "error", trustErr)
		} else {
			result.TrustedDevice = device
		}
	}

	s.recordAuthentication(ctx, userID, libCred.ID, req.Client, true, "")
	metrics.RecordCeremony(metrics.CeremonyAuthenticate, metrics.StatusSuccess, time.Since(start).Seconds())
	return result, nil
}

// ListCredentials returns all authenticators registered to the user.
func (s *Service) ListCredentials(ctx context.Context, userID string) ([]*credential.Authenticator, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.creds.ListByUser(sctx, userID)
}

// RevokeCredential removes one of the user's authenticators and records the
// revocation. Returns credential.ErrNotFound if the credential does not
// exist or belongs to another user.
func (s *Service) RevokeCredential(ctx context.Context, userID string, credentialID []byte) error {
	sctx, cancel := s.storeCtx(ctx)
	err := s.creds.Revoke(sctx, userID, credentialID)
	cancel()
	if err != nil {
		return WrapError("revoke credential", err)
	}

	if s.auditor != nil {
		s.auditor.Record(ctx, &audit.Entry{
			UserID:   userID,
			Action:   audit.ActionRevoke,
			DeviceID: encodeCredentialID(credentialID),
			Success:  true,
			Reason:   "credential revoked",
		})
	}
	return nil
}

// Config returns the service configuration.
func (s *Service) Config() *Config {
	return s.config
}

func (s *Service) allow(ctx context.Context, key, operation string, policy ratelimit.Policy) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Allow(ctx, key, operation, policy)
}

// issueChallenge binds the challenge the library generated into the challenge
// manager, carrying the serialized session as opaque payload. The manager
// owns single-use and replacement semantics from here on.
func (s *Service) issueChallenge(ctx context.Context, userID string, purpose challenge.Purpose, session *webauthn.SessionData) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return WrapError("marshal session", err)
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	_, err = s.challenges.Issue(sctx, userID, purpose,
		challenge.WithValue(session.Challenge),
		challenge.WithPayload(payload),
	)
	if err != nil {
		return WrapError("issue challenge", err)
	}
	return nil
}

// consumeChallenge takes the live challenge and rebuilds the ceremony session
// from its payload.
func (s *Service) consumeChallenge(ctx context.Context, userID string, purpose challenge.Purpose, value string) (*webauthn.SessionData, error) {
	sctx, cancel := s.storeCtx(ctx)
	ch, err := s.challenges.Consume(sctx, userID, purpose, value)
	cancel()
	if err != nil {
		return nil, err
	}
	return sessionFromPayload(ch.Payload)
}

func (s *Service) takeAuthChallenge(ctx context.Context, req FinishAuthenticationRequest) (*webauthn.SessionData, error) {
	value := req.Response.Response.CollectedClientData.Challenge
	if req.UserID != "" {
		return s.consumeChallenge(ctx, req.UserID, challenge.PurposeAuthenticate, value)
	}

	sctx, cancel := s.storeCtx(ctx)
	ch, err := s.challenges.ConsumeByValue(sctx, challenge.PurposeAuthenticate, value)
	cancel()
	if err != nil {
		return nil, err
	}
	return sessionFromPayload(ch.Payload)
}

func sessionFromPayload(payload []byte) (*webauthn.SessionData, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

// discoverableUserHandler resolves the account for a discoverable login from
// the user handle the authenticator presents.
func (s *Service) discoverableUserHandler(ctx context.Context) func(rawID, userHandle []byte) (webauthn.User, error) {
	return func(rawID, userHandle []byte) (webauthn.User, error) {
		userID := string(userHandle)
		if userID == "" {
			return nil, ErrNoAuthenticators
		}

		sctx, cancel := s.storeCtx(ctx)
		creds, err := s.creds.ListByUser(sctx, userID)
		cancel()
		if err != nil {
			return nil, err
		}
		if len(creds) == 0 {
			return nil, ErrNoAuthenticators
		}

		return &ceremonyUser{
			id:    userID,
			name:  userID,
			creds: creds,
		}, nil
	}
}

func (s *Service) recordRegistration(ctx context.Context, req FinishRegistrationRequest, credentialID []byte, reason string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, &audit.Entry{
		UserID:    req.UserID,
		Action:    audit.ActionRegister,
		DeviceID:  encodeCredentialID(credentialID),
		Success:   reason == "",
		Reason:    reason,
		IPAddress: req.Client.IPAddress,
		UserAgent: req.Client.UserAgent,
	})
}

func (s *Service) recordAuthentication(ctx context.Context, userID string, credentialID []byte, client ClientInfo, success bool, reason string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, &audit.Entry{
		UserID:    userID,
		Action:    audit.ActionAuthenticate,
		DeviceID:  encodeCredentialID(credentialID),
		Success:   success,
		Reason:    reason,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	})
}

func (s *Service) recordFlagged(ctx context.Context, userID string, credentialID []byte, client ClientInfo, reason string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, &audit.Entry{
		UserID:    userID,
		Action:    audit.ActionAuthenticate,
		DeviceID:  encodeCredentialID(credentialID),
		Success:   false,
		Reason:    reason,
		Flagged:   true,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	})
}

func encodeCredentialID(credentialID []byte) string {
	if len(credentialID) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(credentialID)
}
