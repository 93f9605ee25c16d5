package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/certassist/certassist/db"
	"github.com/certassist/certassist/internal/api"
	"github.com/certassist/certassist/internal/auth"
	"github.com/certassist/certassist/internal/bridge"
	"github.com/certassist/certassist/internal/config"
	"github.com/certassist/certassist/internal/log"
	"github.com/certassist/certassist/internal/observability"
	"github.com/certassist/certassist/internal/session"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// runServe initializes dependencies and runs the HTTP server until SIGINT
// or SIGTERM.
func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting certassist", "version", AppVersion)

	otelShutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Environment,
		ServiceName: "certassist",
	}, logger)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown tracer provider", "error", err)
		}
	}()

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return fmt.Errorf("creating connection pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	store, err := session.New(pool, cfg.ActiveSessionCap, logger)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.HMACSecret))
	if err != nil {
		return fmt.Errorf("creating token verifier: %w", err)
	}

	var provider bridge.Provider
	if cfg.BridgeEnabled() {
		p, err := bridge.NewGenAIProvider(ctx, cfg.GeminiAPIKey, cfg.BridgeModel)
		if err != nil {
			return fmt.Errorf("creating bridge provider: %w", err)
		}
		provider = p
		logger.Info("external bridge enabled", "model", cfg.BridgeModel)
	}
	link := bridge.New(provider, store, logger)

	srv, err := api.NewServer(api.ServerConfig{
		Logger:      logger,
		Store:       store,
		Verifier:    verifier,
		Linker:      link,
		Pool:        pool,
		CORSOrigins: cfg.CORSOrigins,
		IsDev:       cfg.PostgresSSLMode == "disable",
		TrustProxy:  cfg.TrustProxy,
		RateBurst:   cfg.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.HTTPAddr
	}
	return srv.Run(ctx, addr)
}
