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

package rest

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jeremyhahn/go-authgate/pkg/mfa"
)

// SetupTOTPRequest is the request body for POST /mfa/totp/setup.
type SetupTOTPRequest struct {
	UserID      string `json:"user_id"`
	AccountName string `json:"account_name"`
}

// EnrollRequest is the request body for POST /mfa/enroll.
type EnrollRequest struct {
	UserID      string `json:"user_id"`
	Method      string `json:"method"`
	Destination string `json:"destination"`
}

// SendCodeRequest is the request body for POST /mfa/send.
type SendCodeRequest struct {
	UserID string `json:"user_id"`
	Method string `json:"method"`
}

// VerifyRequest is the request body for POST /mfa/verify.
type VerifyRequest struct {
	UserID string `json:"user_id"`
	Method string `json:"method"`
	Code   string `json:"code"`
}

// RecoveryRequest is the request body for the recovery code endpoints.
type RecoveryRequest struct {
	UserID string `json:"user_id"`
	Code   string `json:"code,omitempty"`
}

// MethodsResponse lists a user's enrolled MFA methods.
type MethodsResponse struct {
	Methods []mfa.Method `json:"methods"`
}

// RecoveryCodesResponse returns a freshly generated recovery code batch. The
// plaintext codes are shown exactly once.
type RecoveryCodesResponse struct {
	Codes []string `json:"codes"`
}

// VerifiedResponse acknowledges a successful verification.
type VerifiedResponse struct {
	Verified bool `json:"verified"`
}

// SetupTOTPHandler handles POST /mfa/totp/setup.
func (s *Server) SetupTOTPHandler(w http.ResponseWriter, r *http.Request) {
	var req SetupTOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(s.logger, w, http.StatusBadRequest, errorCodeInvalidRequest, "user_id is required")
		return
	}
	if req.AccountName == "" {
		req.AccountName = req.UserID
	}

	result, err := s.mfa.SetupTOTP(r.Context(), req.UserID, req.AccountName)
	if err != nil {
		s.handleMFAError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, result)
}

// EnrollHandler handles POST /mfa/enroll for sms and email methods.
func (s *Server) EnrollHandler(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(s.logger, w, http.StatusBadRequest, errorCodeInvalidRequest, "user_id is required")
		return
	}
	if req.Destination == "" {
		writeError(s.logger, w, http.StatusBadRequest, errorCodeInvalidRequest, "destination is required")
		return
	}

	if err := s.mfa.Enroll(r.Context(), req.UserID, mfa.Method(req.Method), req.Destination); err != nil {
		s.handleMFAError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnenrollHandler handles DELETE /mfa/enroll/{userID}/{method}.
func (s *Server) UnenrollHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	method := chi.URLParam(r, "method")

	if err := s.mfa.Unenroll(r.Context(), userID, mfa.Method(method)); err != nil {
		s.handleMFAError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MethodsHandler handles GET /mfa/methods/{userID}.
func (s *Server) MethodsHandler(w http.ResponseWriter, r *http.Request) {
	methods, err := s.mfa.Methods(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.handleMFAError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, MethodsResponse{Methods: methods})
}

// SendCodeHandler handles POST /mfa/send.
func (s *Server) SendCodeHandler(w http.ResponseWriter, r *http.Request) {
	var req SendCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(s.logger, w, http.StatusBadRequest, errorCodeInvalidRequest, "user_id is required")
		return
	}

	if err := s.mfa.SendCode(r.Context(), req.UserID, mfa.Method(req.Method)); err != nil {
		s.handleMFAError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// VerifyHandler handles POST /mfa/verify.
func (s *Server) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Code == "" {
		writeError(s.logger, w, http.StatusBadRequest, errorCodeInvalidRequest, "user_id and code are required")
		return
	}

	if err := s.mfa.Verify(r.Context(), req.UserID, mfa.Method(req.Method), req.Code); err != nil {
		s.handleMFAError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, VerifiedResponse{Verified: true})
}

// GenerateRecoveryCodesHandler handles POST /mfa/recovery/generate.
func (s *Server) GenerateRecoveryCodesHandler(w http.ResponseWriter, r *http.Request) {
	var req RecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(s.logger, w, http.StatusBadRequest, errorCodeInvalidRequest, "user_id is required")
		return
	}

	codes, err := s.mfa.GenerateRecoveryCodes(r.Context(), req.UserID)
	if err != nil {
		s.handleMFAError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, RecoveryCodesResponse{Codes: codes})
}

// VerifyRecoveryCodeHandler handles POST /mfa/recovery/verify.
func (s *Server) VerifyRecoveryCodeHandler(w http.ResponseWriter, r *http.Request) {
	var req RecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.Code == "" {
		writeError(s.logger, w, http.StatusBadRequest, errorCodeInvalidRequest, "user_id and code are required")
		return
	}

	if err := s.mfa.VerifyRecoveryCode(r.Context(), req.UserID, req.Code); err != nil {
		s.handleMFAError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, VerifiedResponse{Verified: true})
}
