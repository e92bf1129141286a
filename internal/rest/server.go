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

// Package rest serves the authentication API over HTTP: WebAuthn ceremonies,
// MFA fallback codes, trusted devices, and the per-user audit trail.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-authgate/pkg/audit"
	"github.com/jeremyhahn/go-authgate/pkg/devicetrust"
	"github.com/jeremyhahn/go-authgate/pkg/logging"
	"github.com/jeremyhahn/go-authgate/pkg/metrics"
	"github.com/jeremyhahn/go-authgate/pkg/mfa"
	"github.com/jeremyhahn/go-authgate/pkg/webauthn"
	webauthnhttp "github.com/jeremyhahn/go-authgate/pkg/webauthn/http"
)

// Server represents the REST API server.
type Server struct {
	server   *http.Server
	port     int
	logger   *logging.Logger
	ceremony *webauthn.Service
	mfa      *mfa.Engine
	devices  *devicetrust.Registry
	auditor  *audit.Logger
}

// Config holds the REST server configuration.
type Config struct {
	// Host is the listen address (default: all interfaces).
	Host string

	// Port is the HTTP port to listen on (default: 8443).
	Port int

	// Ceremonies is the WebAuthn ceremony service (required).
	Ceremonies *webauthn.Service

	// MFA is the fallback code engine (optional; MFA routes are omitted
	// when absent).
	MFA *mfa.Engine

	// Devices is the trusted device registry (optional).
	Devices *devicetrust.Registry

	// Audit exposes the per-user audit trail (optional).
	Audit *audit.Logger

	// MetricsPath mounts the Prometheus endpoint when non-empty.
	MetricsPath string

	// Logger is the logging adapter (optional).
	Logger *logging.Logger

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration
}

// NewServer creates a new REST API server.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Ceremonies == nil {
		return nil, fmt.Errorf("ceremony service is required")
	}

	if cfg.Port == 0 {
		cfg.Port = 8443
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logging.DefaultLogger()
	}

	server := &Server{
		port:     cfg.Port,
		logger:   log,
		ceremony: cfg.Ceremonies,
		mfa:      cfg.MFA,
		devices:  cfg.Devices,
		auditor:  cfg.Audit,
	}

	router := server.setupRouter(cfg.MetricsPath)

	server.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return server, nil
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter(metricsPath string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(s.RecoveryMiddleware())
	r.Use(s.LoggingMiddleware())
	r.Use(metrics.HTTPMiddleware)

	r.Get("/healthz", s.HealthHandler)
	r.Head("/healthz", s.HealthHandler)

	if metricsPath != "" {
		r.Handle(metricsPath, promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/webauthn", func(r chi.Router) {
			webauthnhttp.MountChi(r, webauthnhttp.NewHandler(s.ceremony).WithLogger(s.logger))
		})

		if s.mfa != nil {
			r.Route("/mfa", func(r chi.Router) {
				r.Post("/totp/setup", s.SetupTOTPHandler)
				r.Post("/enroll", s.EnrollHandler)
				r.Delete("/enroll/{userID}/{method}", s.UnenrollHandler)
				r.Get("/methods/{userID}", s.MethodsHandler)
				r.Post("/send", s.SendCodeHandler)
				r.Post("/verify", s.VerifyHandler)
				r.Post("/recovery/generate", s.GenerateRecoveryCodesHandler)
				r.Post("/recovery/verify", s.VerifyRecoveryCodeHandler)
			})
		}

		if s.devices != nil {
			r.Get("/devices/{userID}", s.ListDevicesHandler)
			r.Delete("/devices/{userID}", s.RevokeAllDevicesHandler)
			r.Delete("/devices/{userID}/{deviceID}", s.RevokeDeviceHandler)
		}

		if s.auditor != nil {
			r.Get("/audit/{userID}", s.AuditHandler)
		}
	})

	return r
}

// Start starts the REST API server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully stops the REST API server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	return s.port
}

// Handler returns the configured router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// HealthHandler reports liveness.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}
