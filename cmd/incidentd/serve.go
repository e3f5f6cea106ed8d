package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/incidentd/internal/config"
	"github.com/fyrsmithlabs/incidentd/internal/delegate"
	"github.com/fyrsmithlabs/incidentd/internal/engine"
	"github.com/fyrsmithlabs/incidentd/internal/events"
	"github.com/fyrsmithlabs/incidentd/internal/httpapi"
	"github.com/fyrsmithlabs/incidentd/internal/jobs"
	"github.com/fyrsmithlabs/incidentd/internal/logging"
	"github.com/fyrsmithlabs/incidentd/internal/planner"
	"github.com/fyrsmithlabs/incidentd/internal/router"
	"github.com/fyrsmithlabs/incidentd/internal/services"
	"github.com/fyrsmithlabs/incidentd/internal/session"
)

// runServe initializes all dependencies and blocks until shutdown:
//  1. Loads and validates configuration
//  2. Initializes the logger
//  3. Connects to NATS (events and session persistence)
//  4. Starts the planning-tool subprocess
//  5. Wires the delegation client, job registry and engine
//  6. Starts the HTTP server
//  7. Performs graceful shutdown on SIGINT/SIGTERM
func runServe(*cobra.Command, []string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// The OTEL bridge reads the globally registered provider so log export
	// follows whatever SDK the deployment installs.
	var logProvider otellog.LoggerProvider
	if cfg.Logging.OTEL {
		logProvider = global.GetLoggerProvider()
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, logProvider)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting incidentd",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// NATS carries the live event stream and the session KV store.
	natsOpts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait.Duration()),
	}
	if cfg.NATS.Token.IsSet() {
		natsOpts = append(natsOpts, nats.Token(cfg.NATS.Token.Value()))
	}
	nc, err := nats.Connect(cfg.NATS.URL, natsOpts...)
	if err != nil {
		return fmt.Errorf("connect to NATS %s: %w", cfg.NATS.URL, err)
	}
	defer nc.Close()

	// Session persistence is best-effort: fall back to memory when the
	// server has no JetStream.
	var store session.Store
	if kv, err := session.NewKVStore(nc); err != nil {
		logger.Warn("session KV store unavailable, using in-memory store", zap.Error(err))
		store = session.NewMemoryStore()
	} else {
		store = kv
	}

	pl, err := planner.Start(ctx, cfg.Planner.Command, cfg.Planner.Args, logger,
		planner.WithCallTimeout(cfg.Planner.CallTimeout.Duration()))
	if err != nil {
		return fmt.Errorf("start planner: %w", err)
	}
	defer func() {
		if err := pl.Close(); err != nil {
			logger.Warn("planner shutdown failed", zap.Error(err))
		}
	}()

	delegator, err := delegate.NewClient(delegate.Config{
		Endpoints: map[session.Role]string{
			session.RoleTriage:       cfg.Delegates.TriageURL,
			session.RoleCodeAnalysis: cfg.Delegates.CodeAnalysisURL,
			session.RoleSynthesis:    cfg.Delegates.SynthesisURL,
		},
		OperationalEndpoint: cfg.Delegates.OperationalURL,
		RoleTimeout:         cfg.Delegates.RoleTimeout.Duration(),
		OperationalTimeout:  cfg.Delegates.OperationalTimeout.Duration(),
		MaxAttempts:         cfg.Delegates.MaxAttempts,
	}, logger)
	if err != nil {
		return fmt.Errorf("init delegation client: %w", err)
	}

	jm := jobs.NewManager(cfg.Jobs.EventCap, logger)
	publisher := events.NewPublisher(nc, logger, "engine")

	eng, err := engine.New(engine.Config{
		Planner:        pl,
		Delegator:      delegator,
		Publisher:      publisher,
		Jobs:           jm,
		Store:          store,
		Router:         router.New(router.DefaultRules()),
		Models:         cfg.Models.Candidates,
		SessionTimeout: cfg.Jobs.SessionTimeout.Duration(),
	}, logger)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	registry := services.NewRegistry(services.Options{
		Engine:    eng,
		Jobs:      jm,
		Planner:   pl,
		Delegator: delegator,
		Publisher: publisher,
		Sessions:  store,
	})

	srv, err := httpapi.NewServer(registry, nc, logger, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("init http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
