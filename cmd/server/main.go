package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetforge-io/fleetforge/internal/agents"
	"github.com/fleetforge-io/fleetforge/internal/api"
	"github.com/fleetforge-io/fleetforge/internal/broker"
	"github.com/fleetforge-io/fleetforge/internal/config"
	"github.com/fleetforge-io/fleetforge/internal/db"
	"github.com/fleetforge-io/fleetforge/internal/dispatcher"
	"github.com/fleetforge-io/fleetforge/internal/metrics"
	"github.com/fleetforge-io/fleetforge/internal/store"
	"github.com/fleetforge-io/fleetforge/internal/tunnel"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.FromEnv()

	root := &cobra.Command{
		Use:   "fleetforge-server",
		Short: "fleetforge server — job orchestration control plane",
		Long: `fleetforge server is the control plane of the fleetforge platform.
It accepts jobs over HTTP, fans them into per-target tasks, routes tasks to
regional agents over persistent tunnels, and streams progress and
authentication challenges back to tenants.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "Database file path for sqlite (\":memory:\" for ephemeral) or DSN for postgres")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetforge-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("starting fleetforge server",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.Duration("task_lease", cfg.TaskLease),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.DBDriver == "sqlite" && cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	database, err := db.Open(db.Config{
		Driver: cfg.DBDriver,
		DSN:    cfg.DBPath,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	m := metrics.New()
	st := store.New(database, logger)
	bk := broker.New(logger, m)
	registry := agents.NewRegistry(logger)
	session := tunnel.NewSession(registry, st, bk, m, logger)

	disp, err := dispatcher.New(st, registry, bk, m, cfg.TaskLease, logger)
	if err != nil {
		return err
	}
	if err := disp.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := disp.Stop(); err != nil {
			logger.Warn("dispatcher stop", zap.Error(err))
		}
	}()

	router := api.NewRouter(api.RouterConfig{
		Store:    st,
		Broker:   bk,
		Registry: registry,
		Session:  session,
		Metrics:  m,
		Auth: api.Auth{
			AdminKey:  cfg.AdminAPIKey,
			AgentKeys: cfg.AgentAPIKeys,
		},
		Logger:        logger,
		EnableSwagger: cfg.EnableSwagger,
	})

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
		// Read/idle timeouts stay unset: SSE streams and agent tunnels are
		// long-lived by design. Slow-header protection only.
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down fleetforge server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
