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
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountChi mounts WebAuthn ceremony routes on a chi router.
//
// Example:
//
//	handler := webauthnhttp.NewHandler(svc)
//	r.Route("/api/v1/webauthn", func(r chi.Router) {
//	    webauthnhttp.MountChi(r, handler)
//	})
func MountChi(r chi.Router, h *Handler) {
	r.Post("/registration/begin", h.BeginRegistration)
	r.Post("/registration/finish", h.FinishRegistration)
	r.Post("/authentication/begin", h.BeginAuthentication)
	r.Post("/authentication/finish", h.FinishAuthentication)
	r.Get("/credentials/{userID}", h.ListCredentials)
	r.Delete("/credentials/{userID}/{credentialID}", h.RevokeCredential)
}

// MountStdlib mounts WebAuthn ceremony routes on a stdlib http.ServeMux using
// Go 1.22 method patterns. The prefix should not include a trailing slash.
func MountStdlib(mux *http.ServeMux, prefix string, h *Handler) {
	mux.HandleFunc("POST "+prefix+"/registration/begin", h.BeginRegistration)
	mux.HandleFunc("POST "+prefix+"/registration/finish", h.FinishRegistration)
	mux.HandleFunc("POST "+prefix+"/authentication/begin", h.BeginAuthentication)
	mux.HandleFunc("POST "+prefix+"/authentication/finish", h.FinishAuthentication)
	mux.HandleFunc("GET "+prefix+"/credentials/{userID}", h.ListCredentials)
	mux.HandleFunc("DELETE "+prefix+"/credentials/{userID}/{credentialID}", h.RevokeCredential)
}

// pathParam resolves a URL path parameter from either a chi route context or
// the stdlib mux pattern matcher.
func pathParam(r *http.Request, name string) string {
	if v := chi.URLParam(r, name); v != "" {
		return v
	}
	return r.PathValue(name)
}
