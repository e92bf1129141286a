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

package main

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/jeremyhahn/go-authgate/internal/config"
	"github.com/jeremyhahn/go-authgate/internal/rest"
	"github.com/jeremyhahn/go-authgate/pkg/audit"
	"github.com/jeremyhahn/go-authgate/pkg/challenge"
	"github.com/jeremyhahn/go-authgate/pkg/credential"
	"github.com/jeremyhahn/go-authgate/pkg/devicetrust"
	"github.com/jeremyhahn/go-authgate/pkg/logging"
	"github.com/jeremyhahn/go-authgate/pkg/mfa"
	"github.com/jeremyhahn/go-authgate/pkg/ratelimit"
	"github.com/jeremyhahn/go-authgate/pkg/storage/postgres"
	"github.com/jeremyhahn/go-authgate/pkg/webauthn"
)

var (
	// Version information (set during build)
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-authgate server\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Git Commit: %s\n", commit)
		fmt.Printf("  Built:      %s\n", date)
		os.Exit(0)
	}

	if envConfig := os.Getenv("AUTHGATE_CONFIG"); envConfig != "" && *configPath == "" {
		*configPath = envConfig
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(strings.EqualFold(cfg.Logging.Level, "debug"))
	logger.Info("starting go-authgate",
		"version", version,
		"storage", cfg.Storage.Backend,
		"port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := buildServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize server", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// buildServer wires the configured storage backends into the ceremony
// service, MFA engine, device registry, and REST server. The returned
// cleanup function releases connection pools and background workers.
func buildServer(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*rest.Server, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	var (
		credStore    credential.Store
		auditStore   audit.Store
		deviceStore  devicetrust.Store
		enrollStore  mfa.EnrollmentStore
		recoverStore mfa.RecoveryStore
	)
	var challengeStore challenge.Store = challenge.NewMemoryStore()

	switch cfg.Storage.Backend {
	case "postgres":
		if cfg.Storage.Migrate {
			if err := postgres.Migrate(ctx, cfg.Storage.DSN); err != nil {
				return nil, cleanup, fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		db, err := postgres.New(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		cleanups = append(cleanups, db.Close)

		credStore = postgres.NewCredentialStore(db)
		auditStore = postgres.NewAuditStore(db)
		deviceStore = postgres.NewDeviceStore(db)
		enrollStore = postgres.NewEnrollmentStore(db)
		recoverStore = postgres.NewRecoveryStore(db)
		challengeStore = postgres.NewChallengeStore(db)
	default:
		credStore = credential.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		deviceStore = devicetrust.NewMemoryStore()
		enrollStore = mfa.NewMemoryEnrollmentStore()
		recoverStore = mfa.NewMemoryRecoveryStore()
	}

	var counterStore ratelimit.CounterStore = ratelimit.NewMemoryCounterStore()
	var codeStore mfa.CodeStore = mfa.NewMemoryCodeStore()
	if cfg.Storage.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		cleanups = append(cleanups, func() { client.Close() })

		counterStore = ratelimit.NewRedisCounterStore(client)
		codeStore = mfa.NewRedisCodeStore(client)
		// Redis wins over the storage backend for challenges: its atomic
		// take plus TTL expiry is the cheapest shared option when a
		// cluster is already configured.
		challengeStore = challenge.NewRedisStore(client)
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(counterStore, ratelimit.WithLogger(logger))
	}

	auditor := audit.NewLogger(auditStore, logger)

	challenges := challenge.NewManager(challengeStore,
		challenge.WithTTL(cfg.Challenge.TTL),
		challenge.WithSweepInterval(cfg.Challenge.SweepInterval),
		challenge.WithLogger(logger))
	challenges.StartSweeper()
	cleanups = append(cleanups, challenges.Stop)

	registry, err := devicetrust.NewRegistry(devicetrust.RegistryParams{
		Store:          deviceStore,
		MaxTrustWindow: cfg.DeviceTrust.MaxTrustWindow,
		Audit:          auditor,
		Logger:         logger,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to create device registry: %w", err)
	}

	var tokens webauthn.TokenGenerator
	if cfg.JWT.Enabled {
		key, err := loadPrivateKey(cfg.JWT.PrivateKeyFile)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to load JWT signing key: %w", err)
		}
		tokens, err = webauthn.NewJWTGenerator(&webauthn.JWTGeneratorConfig{
			PrivateKey: key,
			Issuer:     cfg.JWT.Issuer,
			Audience:   cfg.JWT.Audience,
			ExpiresIn:  cfg.JWT.ExpiresIn,
		})
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to create JWT generator: %w", err)
		}
	}

	ceremonies, err := webauthn.NewService(webauthn.ServiceParams{
		Config: &webauthn.Config{
			RPID:                  cfg.WebAuthn.RPID,
			RPDisplayName:         cfg.WebAuthn.RPDisplayName,
			RPOrigins:             cfg.WebAuthn.RPOrigins,
			Timeout:               cfg.WebAuthn.Timeout,
			UserVerification:      cfg.WebAuthn.UserVerification,
			AttestationPreference: cfg.WebAuthn.Attestation,
		},
		Credentials:        credStore,
		Challenges:         challenges,
		RateLimiter:        limiter,
		RegisterPolicy:     cfg.RateLimit.Register,
		AuthenticatePolicy: cfg.RateLimit.Authenticate,
		Audit:              auditor,
		Devices:            registry,
		Tokens:             tokens,
		Logger:             logger,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to create ceremony service: %w", err)
	}

	engine, err := mfa.NewEngine(mfa.EngineParams{
		Enrollments:     enrollStore,
		Codes:           codeStore,
		Recovery:        recoverStore,
		Sender:          &logSender{logger: logger},
		RateLimiter:     limiter,
		RateLimitPolicy: cfg.RateLimit.MFAVerify,
		Audit:           auditor,
		Issuer:          cfg.MFA.Issuer,
		CodeTTL:         cfg.MFA.CodeTTL,
		MaxAttempts:     cfg.MFA.MaxAttempts,
		Logger:          logger,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to create MFA engine: %w", err)
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}

	srv, err := rest.NewServer(&rest.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Ceremonies:   ceremonies,
		MFA:          engine,
		Devices:      registry,
		Audit:        auditor,
		MetricsPath:  metricsPath,
		Logger:       logger,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to create REST server: %w", err)
	}

	return srv, cleanup, nil
}

// logSender is a placeholder delivery transport that logs instead of
// sending. Deployments wire a real SMS or email provider here.
type logSender struct {
	logger *logging.Logger
}

func (s *logSender) Send(ctx context.Context, method mfa.Method, destination, code string) error {
	s.logger.Warn("no delivery provider configured, code not sent",
		"method", string(method),
		"destination", destination)
	return nil
}

// loadPrivateKey reads a PEM-encoded private key. ECDSA P-256, Ed25519,
// and RSA keys are accepted, matching what the JWT generator supports.
func loadPrivateKey(path string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unsupported private key format in %s", path)
}
