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

// Package http exposes the WebAuthn ceremony service over HTTP. The handlers
// can be mounted on any router; MountChi wires them onto a chi router.
package http

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/jeremyhahn/go-authgate/pkg/credential"
	"github.com/jeremyhahn/go-authgate/pkg/logging"
	"github.com/jeremyhahn/go-authgate/pkg/ratelimit"
	"github.com/jeremyhahn/go-authgate/pkg/webauthn"
)

// Handler provides HTTP handlers for WebAuthn ceremony operations.
type Handler struct {
	service *webauthn.Service
	logger  *logging.Logger
}

// NewHandler creates a new WebAuthn HTTP handler.
func NewHandler(service *webauthn.Service) *Handler {
	return &Handler{
		service: service,
		logger:  logging.DefaultLogger(),
	}
}

// WithLogger sets a custom logger for the handler.
func (h *Handler) WithLogger(logger *logging.Logger) *Handler {
	h.logger = logger
	return h
}

// clientInfo extracts request metadata used for rate limiting, audit, and
// device trust.
func clientInfo(r *http.Request) webauthn.ClientInfo {
	return webauthn.ClientInfo{
		IPAddress:         ratelimit.ClientIP(r),
		UserAgent:         r.UserAgent(),
		DeviceFingerprint: r.Header.Get(HeaderDeviceFingerprint),
	}
}

// BeginRegistration handles POST /registration/begin
//
// Request body:
//
//	{
//	    "user_id": "u1",
//	    "username": "user@example.com",
//	    "display_name": "User Name" // optional
//	}
//
// Response: WebAuthn PublicKeyCredentialCreationOptions
func (h *Handler) BeginRegistration(w http.ResponseWriter, r *http.Request) {
	var req BeginRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Username == "" {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "user_id and username are required")
		return
	}

	result, err := h.service.BeginRegistration(r.Context(), webauthn.BeginRegistrationRequest{
		UserID:      req.UserID,
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Client:      clientInfo(r),
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result.Options)
}

// FinishRegistration handles POST /registration/finish
//
// Request body:
//
//	{
//	    "user_id": "u1",
//	    "label": "security key", // optional
//	    "response": { ... }      // attestation response from the authenticator
//	}
//
// Response: RegistrationResponse describing the stored credential.
func (h *Handler) FinishRegistration(w http.ResponseWriter, r *http.Request) {
	var req FinishRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "user_id is required")
		return
	}

	response, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(req.Response))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid attestation response")
		return
	}

	result, err := h.service.FinishRegistration(r.Context(), webauthn.FinishRegistrationRequest{
		UserID:   req.UserID,
		Label:    req.Label,
		Response: response,
		Client:   clientInfo(r),
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, RegistrationResponse{
		Credential: credentialSummary(result.Credential),
	})
}

// BeginAuthentication handles POST /authentication/begin
//
// Request body:
//
//	{
//	    "user_id": "u1" // optional, omit for usernameless login
//	}
//
// Response: WebAuthn PublicKeyCredentialRequestOptions
func (h *Handler) BeginAuthentication(w http.ResponseWriter, r *http.Request) {
	var req BeginAuthenticationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		// An empty body starts a usernameless ceremony.
		req = BeginAuthenticationRequest{}
	}

	result, err := h.service.BeginAuthentication(r.Context(), webauthn.BeginAuthenticationRequest{
		UserID: req.UserID,
		Client: clientInfo(r),
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result.Options)
}

// FinishAuthentication handles POST /authentication/finish
//
// Request body:
//
//	{
//	    "user_id": "u1",                // optional for usernameless login
//	    "response": { ... },            // assertion response from the authenticator
//	    "trust_device": true,           // optional
//	    "trust_duration_seconds": 86400 // optional
//	}
//
// Response: AuthenticationResponse with the session token.
func (h *Handler) FinishAuthentication(w http.ResponseWriter, r *http.Request) {
	var req FinishAuthenticationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid request body")
		return
	}

	response, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(req.Response))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid assertion response")
		return
	}

	result, err := h.service.FinishAuthentication(r.Context(), webauthn.FinishAuthenticationRequest{
		UserID:        req.UserID,
		Response:      response,
		TrustDevice:   req.TrustDevice,
		TrustDuration: time.Duration(req.TrustDurationSeconds) * time.Second,
		DeviceLabel:   req.DeviceLabel,
		Client:        clientInfo(r),
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	resp := AuthenticationResponse{
		UserID:       result.UserID,
		CredentialID: base64.RawURLEncoding.EncodeToString(result.CredentialID),
		Token:        result.Token,
	}
	if result.TrustedDevice != nil {
		trustedUntil := result.TrustedDevice.TrustedUntil
		resp.TrustedUntil = &trustedUntil
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ListCredentials handles GET /credentials/{userID}
//
// Response: CredentialListResponse with the user's authenticators.
func (h *Handler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "userID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "user ID is required")
		return
	}

	creds, err := h.service.ListCredentials(r.Context(), userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	summaries := make([]CredentialSummary, len(creds))
	for i, c := range creds {
		summaries[i] = credentialSummary(c)
	}
	h.writeJSON(w, http.StatusOK, CredentialListResponse{Credentials: summaries})
}

// RevokeCredential handles DELETE /credentials/{userID}/{credentialID}
//
// The credential ID path segment is base64url encoded.
func (h *Handler) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "userID")
	credentialIDStr := pathParam(r, "credentialID")
	if userID == "" || credentialIDStr == "" {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "user ID and credential ID are required")
		return
	}

	credentialID, err := base64.RawURLEncoding.DecodeString(credentialIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid credential ID encoding")
		return
	}

	if err := h.service.RevokeCredential(r.Context(), userID, credentialID); err != nil {
		h.handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// credentialSummary converts a stored authenticator to its API shape.
func credentialSummary(c *credential.Authenticator) CredentialSummary {
	s := CredentialSummary{
		ID:         base64.RawURLEncoding.EncodeToString(c.ID),
		Label:      c.Label,
		Transports: c.Transports,
		CreatedAt:  c.CreatedAt,
	}
	if !c.LastUsedAt.IsZero() {
		lastUsed := c.LastUsedAt
		s.LastUsedAt = &lastUsed
	}
	return s
}

// handleServiceError maps service errors to HTTP responses. Verification
// failures carry no detail; the reason lives in the audit log.
func (h *Handler) handleServiceError(w http.ResponseWriter, err error) {
	if limitErr, ok := ratelimit.IsLimitExceeded(err); ok {
		seconds := int(limitErr.RetryAfter / time.Second)
		if limitErr.RetryAfter%time.Second != 0 || seconds < 1 {
			seconds++
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
		h.writeError(w, http.StatusTooManyRequests, ErrorCodeRateLimited, "too many requests")
		return
	}

	switch {
	case errors.Is(err, webauthn.ErrVerificationFailed):
		h.writeError(w, http.StatusUnauthorized, ErrorCodeVerificationFailed, "verification failed")
	case errors.Is(err, webauthn.ErrNoAuthenticators):
		h.writeError(w, http.StatusNotFound, ErrorCodeNoCredentials, "no registered authenticators")
	case errors.Is(err, credential.ErrNotFound):
		h.writeError(w, http.StatusNotFound, ErrorCodeNotFound, "credential not found")
	case errors.Is(err, webauthn.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid request")
	case errors.Is(err, webauthn.ErrInvalidResponse):
		h.writeError(w, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid authenticator response")
	default:
		h.logger.Error("webauthn handler error", "error", err)
		h.writeError(w, http.StatusInternalServerError, ErrorCodeInternalError, "internal server error")
	}
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Response headers already written, can only log the error
		h.logger.Error("failed to encode JSON response",
			"error", err,
			"status", status)
	}
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: message,
	})
}
