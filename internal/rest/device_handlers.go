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
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jeremyhahn/go-authgate/pkg/audit"
	"github.com/jeremyhahn/go-authgate/pkg/devicetrust"
)

// DeviceListResponse lists a user's trusted devices.
type DeviceListResponse struct {
	Devices []*devicetrust.Device `json:"devices"`
}

// RevokedResponse reports how many trust grants were revoked.
type RevokedResponse struct {
	Revoked int `json:"revoked"`
}

// AuditResponse returns a user's audit trail, most recent first.
type AuditResponse struct {
	Entries []*audit.Entry `json:"entries"`
}

// defaultAuditLimit caps audit listings when no limit query param is given.
const defaultAuditLimit = 100

// ListDevicesHandler handles GET /devices/{userID}.
func (s *Server) ListDevicesHandler(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.handleDeviceError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, DeviceListResponse{Devices: devices})
}

// RevokeDeviceHandler handles DELETE /devices/{userID}/{deviceID}.
func (s *Server) RevokeDeviceHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	deviceID := chi.URLParam(r, "deviceID")

	if err := s.devices.Revoke(r.Context(), userID, deviceID); err != nil {
		s.handleDeviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeAllDevicesHandler handles DELETE /devices/{userID}.
func (s *Server) RevokeAllDevicesHandler(w http.ResponseWriter, r *http.Request) {
	count, err := s.devices.RevokeAll(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.handleDeviceError(w, err)
		return
	}
	writeJSON(s.logger, w, http.StatusOK, RevokedResponse{Revoked: count})
}

// AuditHandler handles GET /audit/{userID}?limit=N.
func (s *Server) AuditHandler(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(s.logger, w, http.StatusBadRequest, errorCodeInvalidRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	entries, err := s.auditor.List(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		s.logger.Error("audit handler error", "error", err)
		writeError(s.logger, w, http.StatusInternalServerError, errorCodeInternal, "internal server error")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, AuditResponse{Entries: entries})
}
