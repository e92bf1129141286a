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

// Package config loads the server configuration from a YAML file with
// AUTHGATE_ environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-authgate/pkg/ratelimit"
)

// Config represents the complete server configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	WebAuthn    WebAuthnConfig    `mapstructure:"webauthn"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Challenge   ChallengeConfig   `mapstructure:"challenge"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	MFA         MFAConfig         `mapstructure:"mfa"`
	DeviceTrust DeviceTrustConfig `mapstructure:"devicetrust"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Storage     StorageConfig     `mapstructure:"storage"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// WebAuthnConfig contains the relying party settings.
type WebAuthnConfig struct {
	RPID             string        `mapstructure:"rp_id"`
	RPDisplayName    string        `mapstructure:"rp_display_name"`
	RPOrigins        []string      `mapstructure:"rp_origins"`
	Timeout          time.Duration `mapstructure:"timeout"`
	UserVerification string        `mapstructure:"user_verification"`
	Attestation      string        `mapstructure:"attestation"`
}

// JWTConfig controls session token issuance.
type JWTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	PrivateKeyFile string        `mapstructure:"private_key_file"`
	Issuer         string        `mapstructure:"issuer"`
	Audience       []string      `mapstructure:"audience"`
	ExpiresIn      time.Duration `mapstructure:"expires_in"`
}

// ChallengeConfig controls challenge lifecycle.
type ChallengeConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RateLimitConfig controls fixed-window rate limiting per operation.
type RateLimitConfig struct {
	Enabled      bool             `mapstructure:"enabled"`
	Register     ratelimit.Policy `mapstructure:"register"`
	Authenticate ratelimit.Policy `mapstructure:"authenticate"`
	MFAVerify    ratelimit.Policy `mapstructure:"mfa_verify"`
}

// MFAConfig controls fallback verification codes.
type MFAConfig struct {
	Issuer      string        `mapstructure:"issuer"`
	CodeTTL     time.Duration `mapstructure:"code_ttl"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// DeviceTrustConfig controls the trusted device registry.
type DeviceTrustConfig struct {
	MaxTrustWindow time.Duration `mapstructure:"max_trust_window"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// StorageConfig selects the persistence backends.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `mapstructure:"backend"`

	// DSN is the Postgres connection string when backend is "postgres".
	DSN string `mapstructure:"dsn"`

	// Migrate runs schema migrations on startup.
	Migrate bool `mapstructure:"migrate"`

	// Redis configures the shared counter and code store. When unset the
	// in-memory equivalents are used.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load reads configuration from the given YAML file, if present, and applies
// AUTHGATE_ environment variable overrides. An empty path searches the
// working directory and /etc/authgate.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/authgate/")
	}

	setDefaults(v)

	v.SetEnvPrefix("AUTHGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8443)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("logging.level", "info")

	v.SetDefault("webauthn.rp_display_name", "go-authgate")
	v.SetDefault("webauthn.timeout", "60s")
	v.SetDefault("webauthn.user_verification", "preferred")
	v.SetDefault("webauthn.attestation", "none")

	v.SetDefault("jwt.enabled", true)
	v.SetDefault("jwt.issuer", "go-authgate")
	v.SetDefault("jwt.audience", []string{"go-authgate"})
	v.SetDefault("jwt.expires_in", "1h")

	v.SetDefault("challenge.ttl", "60s")
	v.SetDefault("challenge.sweep_interval", "1h")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.register.window", "1m")
	v.SetDefault("ratelimit.register.max_requests", 10)
	v.SetDefault("ratelimit.authenticate.window", "1m")
	v.SetDefault("ratelimit.authenticate.max_requests", 20)
	v.SetDefault("ratelimit.mfa_verify.window", "1m")
	v.SetDefault("ratelimit.mfa_verify.max_requests", 5)

	v.SetDefault("mfa.issuer", "go-authgate")
	v.SetDefault("mfa.code_ttl", "5m")
	v.SetDefault("mfa.max_attempts", 5)

	v.SetDefault("devicetrust.max_trust_window", "720h")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.migrate", true)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.WebAuthn.RPID == "" {
		return fmt.Errorf("webauthn rp_id is required")
	}
	if len(c.WebAuthn.RPOrigins) == 0 {
		return fmt.Errorf("webauthn rp_origins is required")
	}

	if c.JWT.Enabled && c.JWT.PrivateKeyFile == "" {
		return fmt.Errorf("jwt private_key_file is required when jwt is enabled")
	}

	if c.Challenge.TTL <= 0 {
		return fmt.Errorf("challenge ttl must be positive")
	}
	if c.Challenge.SweepInterval <= 0 {
		return fmt.Errorf("challenge sweep_interval must be positive")
	}

	if c.MFA.MaxAttempts < 1 {
		return fmt.Errorf("mfa max_attempts must be at least 1")
	}

	if c.DeviceTrust.MaxTrustWindow <= 0 {
		return fmt.Errorf("devicetrust max_trust_window must be positive")
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be memory or postgres)", c.Storage.Backend)
	}

	return nil
}
