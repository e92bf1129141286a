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
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jeremyhahn/go-authgate/pkg/devicetrust"
	"github.com/jeremyhahn/go-authgate/pkg/logging"
	"github.com/jeremyhahn/go-authgate/pkg/mfa"
	"github.com/jeremyhahn/go-authgate/pkg/ratelimit"
)

// Error codes returned in error responses.
const (
	errorCodeInvalidRequest     = "invalid_request"
	errorCodeNotFound           = "not_found"
	errorCodeVerificationFailed = "verification_failed"
	errorCodeRateLimited        = "rate_limited"
	errorCodeInternal           = "internal_error"
)

// ErrorResponse is the response format for errors.
type ErrorResponse struct {
	// Error is the error code.
	Error string `json:"error"`

	// Message is a human-readable error message.
	Message string `json:"message"`
}

func writeJSON(log *logging.Logger, w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error("failed to encode JSON response", "error", err, "status", status)
	}
}

func writeError(log *logging.Logger, w http.ResponseWriter, status int, code, message string) {
	writeJSON(log, w, status, ErrorResponse{Error: code, Message: message})
}

// handleMFAError maps MFA engine errors to HTTP responses. Code mismatches,
// expiry, and attempt exhaustion all collapse to the same generic response;
// the distinguishing reason is recorded in the audit log only.
func (s *Server) handleMFAError(w http.ResponseWriter, err error) {
	if limitErr, ok := ratelimit.IsLimitExceeded(err); ok {
		seconds := int(limitErr.RetryAfter / time.Second)
		if limitErr.RetryAfter%time.Second != 0 || seconds < 1 {
			seconds++
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
		writeError(s.logger, w, http.StatusTooManyRequests, errorCodeRateLimited, "too many requests")
		return
	}

	switch {
	case errors.Is(err, mfa.ErrCodeMismatch),
		errors.Is(err, mfa.ErrCodeExpired),
		errors.Is(err, mfa.ErrTooManyAttempts),
		errors.Is(err, mfa.ErrRecoveryCodeInvalid):
		writeError(s.logger, w, http.StatusUnauthorized, errorCodeVerificationFailed, "verification failed")
	case errors.Is(err, mfa.ErrMethodNotEnrolled):
		writeError(s.logger, w, http.StatusNotFound, errorCodeNotFound, "method not enrolled")
	case errors.Is(err, mfa.ErrUnsupportedMethod):
		writeError(s.logger, w, http.StatusBadRequest, errorCodeInvalidRequest, "unsupported method")
	default:
		s.logger.Error("mfa handler error", "error", err)
		writeError(s.logger, w, http.StatusInternalServerError, errorCodeInternal, "internal server error")
	}
}

// handleDeviceError maps device trust errors to HTTP responses.
func (s *Server) handleDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, devicetrust.ErrDeviceNotFound):
		writeError(s.logger, w, http.StatusNotFound, errorCodeNotFound, "device not found")
	default:
		s.logger.Error("device handler error", "error", err)
		writeError(s.logger, w, http.StatusInternalServerError, errorCodeInternal, "internal server error")
	}
}
