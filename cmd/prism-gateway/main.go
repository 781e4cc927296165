// prism-gateway is the authorization gateway standing between the
// PRISM agent and every side-effecting action: it validates proposed
// calls against the declared signature registry, clears them through
// the trust-tier policy engine, and dispatches only what cleared.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jothamO/prism-app/pkg/api"
	"github.com/jothamO/prism-app/pkg/audit"
	"github.com/jothamO/prism-app/pkg/config"
	"github.com/jothamO/prism-app/pkg/facts"
	"github.com/jothamO/prism-app/pkg/gatekeeper"
	"github.com/jothamO/prism-app/pkg/mfa"
	"github.com/jothamO/prism-app/pkg/observability"
	"github.com/jothamO/prism-app/pkg/policy"
	"github.com/jothamO/prism-app/pkg/ratelimit"
	"github.com/jothamO/prism-app/pkg/signature"
	"github.com/jothamO/prism-app/pkg/validate"
)

func main() {
	if err := run(); err != nil {
		slog.Error("gateway failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(cfg.LogLevel)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "prism-gateway",
		ServiceVersion: "1.0.0",
		Environment:    getEnv("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	reg, err := signature.BuildBuiltin()
	if err != nil {
		return err
	}
	validator, err := validate.New(reg)
	if err != nil {
		return err
	}

	secret := []byte(cfg.MFASecret)
	if len(secret) == 0 {
		logger.Warn("MFA_SECRET not set, using an ephemeral secret; proofs will not survive restarts")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
	}
	verifier := mfa.NewVerifier(secret, cfg.MFAProofMaxAge)

	engine, err := policy.NewEngine(policy.Config{
		ApprovalTTL:         cfg.ApprovalTTL,
		CriticalApprovalTTL: cfg.CriticalApprovalTTL,
		SweepInterval:       cfg.SweepInterval,
		RetainTerminal:      cfg.RetentionWindow,
	}, verifier, nil)
	if err != nil {
		return err
	}
	go engine.Run(ctx)

	var sinks []audit.Sink
	if cfg.AuditDBPath != "" {
		sink, err := audit.NewSQLiteSink(cfg.AuditDBPath)
		if err != nil {
			return err
		}
		defer sink.Close()
		sinks = append(sinks, sink)
	}
	auditLog := audit.NewLog(nil, sinks...)

	factStore, closeFacts, err := openFactStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeFacts()

	dispatcher := gatekeeper.NewFuncDispatcher()
	registerHandlers(dispatcher, factStore)

	gate, err := gatekeeper.New(reg, validator, engine, auditLog, dispatcher, factStore, gatekeeper.Options{
		DispatchTimeout: cfg.DispatchTimeout,
		RetainTerminal:  cfg.RetentionWindow,
		Logger:          logger,
		Instruments:     obs,
	})
	if err != nil {
		return err
	}
	go gate.Run(ctx)

	var limiter ratelimit.Store
	if cfg.SessionRatePerMinute > 0 {
		if cfg.RedisAddr != "" {
			rs := ratelimit.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
			defer rs.Close()
			limiter = rs
		} else {
			limiter = ratelimit.NewMemoryStore()
		}
	}

	srv := api.NewServer(gate, engine, limiter, ratelimit.Policy{
		PerMinute: cfg.SessionRatePerMinute,
		Burst:     cfg.SessionRateBurst,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "port", cfg.Port, "actions", reg.Len())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	gate.Drain()
	return nil
}

func setupLogger(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func openFactStore(cfg *config.Config, logger *slog.Logger) (facts.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("using in-memory fact store")
		return facts.NewMemoryStore(), func() {}, nil
	}
	store, err := facts.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using postgres fact store")
	return store, func() { store.Close() }, nil
}

// registerHandlers binds the read-side actions to the fact store. The
// remaining actions are owned by downstream services; until those are
// attached, dispatch reports them as unwired rather than pretending the
// effect happened.
func registerHandlers(d *gatekeeper.FuncDispatcher, store facts.Store) {
	d.Register("get_active_facts", func(ctx context.Context, args map[string]any) (any, error) {
		tenant, _ := args["user_id"].(string)
		layer, _ := args["layer"].(string)
		return store.Active(ctx, tenant, layer)
	})
	d.Register("store_atomic_fact", func(_ context.Context, args map[string]any) (any, error) {
		// The durable write is the gatekeeper's supersede step; the
		// handler just acknowledges the proposal shape.
		return map[string]any{"entity_name": args["entity_name"]}, nil
	})

	unwired := []string{
		"calculate_ytd", "get_thresholds", "query_tax_law",
		"create_optimization_hint", "auto_tag_transaction",
		"reclassify_transaction", "create_project_draft",
		"file_vat_registration", "submit_tax_return",
	}
	for _, name := range unwired {
		action := name
		d.Register(action, func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("action implementation not attached: " + action)
		})
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
