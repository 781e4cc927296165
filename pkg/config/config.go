// Package config loads gateway configuration from environment
// variables, with defaults suitable for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds gateway configuration.
type Config struct {
	Port     string
	LogLevel string

	// ApprovalTTL bounds how long an ACTIVE request may stay PENDING.
	ApprovalTTL time.Duration
	// CriticalApprovalTTL bounds CRITICAL requests.
	CriticalApprovalTTL time.Duration
	// MFAProofMaxAge is the freshness window for MFA proofs.
	MFAProofMaxAge time.Duration
	// MFASecret signs and verifies MFA proof tokens. Required outside
	// dev mode.
	MFASecret string
	// DispatchTimeout bounds one action dispatch.
	DispatchTimeout time.Duration
	// SweepInterval is the expiry sweeper period.
	SweepInterval time.Duration
	// RetentionWindow is how long terminal calls and requests stay
	// queryable in memory before the sweepers discard them. The audit
	// trail keeps the durable record.
	RetentionWindow time.Duration

	// SessionRatePerMinute / SessionRateBurst shape the per-session
	// proposal limiter. Zero disables limiting.
	SessionRatePerMinute int
	SessionRateBurst     int

	// RedisAddr enables the shared limiter store when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AuditDBPath is the SQLite file for the audit sink. Empty keeps
	// the audit trail in memory only.
	AuditDBPath string
	// DatabaseURL enables the Postgres fact store when set; empty
	// selects the in-memory store.
	DatabaseURL string

	// OTLPEndpoint enables OpenTelemetry export when set.
	OTLPEndpoint string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		LogLevel:             getEnv("LOG_LEVEL", "INFO"),
		MFASecret:            os.Getenv("MFA_SECRET"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		AuditDBPath:          os.Getenv("AUDIT_DB_PATH"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		OTLPEndpoint:         os.Getenv("OTLP_ENDPOINT"),
		ApprovalTTL:          5 * time.Minute,
		CriticalApprovalTTL:  10 * time.Minute,
		MFAProofMaxAge:       90 * time.Second,
		DispatchTimeout:      30 * time.Second,
		SweepInterval:        5 * time.Second,
		RetentionWindow:      5 * time.Minute,
		SessionRatePerMinute: 120,
		SessionRateBurst:     30,
	}

	var err error
	if cfg.ApprovalTTL, err = getDuration("APPROVAL_TTL", cfg.ApprovalTTL); err != nil {
		return nil, err
	}
	if cfg.CriticalApprovalTTL, err = getDuration("CRITICAL_APPROVAL_TTL", cfg.CriticalApprovalTTL); err != nil {
		return nil, err
	}
	if cfg.MFAProofMaxAge, err = getDuration("MFA_PROOF_MAX_AGE", cfg.MFAProofMaxAge); err != nil {
		return nil, err
	}
	if cfg.DispatchTimeout, err = getDuration("DISPATCH_TIMEOUT", cfg.DispatchTimeout); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, err
	}
	if cfg.RetentionWindow, err = getDuration("RETENTION_WINDOW", cfg.RetentionWindow); err != nil {
		return nil, err
	}
	if cfg.SessionRatePerMinute, err = getInt("SESSION_RATE_PER_MINUTE", cfg.SessionRatePerMinute); err != nil {
		return nil, err
	}
	if cfg.SessionRateBurst, err = getInt("SESSION_RATE_BURST", cfg.SessionRateBurst); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
