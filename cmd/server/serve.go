package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/relaydrive/relaydrive/internal/api"
	"github.com/relaydrive/relaydrive/internal/auth"
	"github.com/relaydrive/relaydrive/internal/config"
	"github.com/relaydrive/relaydrive/internal/database"
	"github.com/relaydrive/relaydrive/internal/logging"
	"github.com/relaydrive/relaydrive/internal/metadata/postgres"
	"github.com/relaydrive/relaydrive/internal/metrics"
	"github.com/relaydrive/relaydrive/internal/ratelimit"
	"github.com/relaydrive/relaydrive/internal/storage/relay"
)

const (
	shutdownTimeout = 30 * time.Second
	statsInterval   = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server (default)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newDatabase(cfg *config.Config) *database.Manager {
	return database.New(database.Config{
		URL:            cfg.DatabaseURL,
		MaxConns:       cfg.DBMaxConns,
		ConnectTimeout: cfg.DBConnectTimeout,
		PingTimeout:    cfg.DBPingTimeout,
	}, database.WithLogger(logging.Named("database")))
}

func newRelayClient(cfg *config.Config) (*relay.Client, error) {
	return relay.New(relay.Config{
		BotToken:      cfg.RelayBotToken,
		ChatID:        cfg.RelayChatID,
		APIBase:       cfg.RelayAPIBase,
		Timeout:       cfg.RelayTimeout,
		UploadTimeout: cfg.RelayUploadTimeout,
	}, relay.WithLogger(logging.Named("relay")))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer logging.Sync()

	logging.Info("RelayDrive server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("env", cfg.Environment))
	logging.Debug("configuration loaded",
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("relay", cfg.RelayConfigured()),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
		zap.Duration("relay_timeout", cfg.RelayTimeout))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := newDatabase(cfg)
	defer db.Disconnect()

	logging.Info("running migrations...")
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	store := postgres.New(db)

	tokens, err := auth.NewTokens(cfg.JWTSecret)
	if err != nil {
		return err
	}
	authenticator, err := auth.New(tokens, store,
		auth.WithSecureCookies(cfg.Production()),
		auth.WithLogger(logging.Named("auth")))
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	limiter := ratelimit.New(ratelimit.WithLogger(logging.Named("ratelimit")))
	defer limiter.Close()

	opts := []api.Option{api.WithLogger(logging.Named("api"))}
	if cfg.RelayConfigured() {
		client, err := newRelayClient(cfg)
		if err != nil {
			return err
		}
		if !client.VerifyCredentials(ctx) {
			logging.Warn("relay rejected bot credentials; uploads will fail")
		} else if !client.VerifyDestinationAccess(ctx) {
			logging.Warn("relay destination chat is not reachable; uploads will fail")
		}
		opts = append(opts, api.WithBlobStore(client))
	} else {
		logging.Warn("relay not configured; file content endpoints are disabled")
	}

	srv := api.NewServer(authenticator, auth.NewOriginValidator(cfg.AllowedOrigins), limiter, store, opts...)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Periodic pool metrics
	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				db.ReportStats()
			}
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		metricsServer.Close()
		return fmt.Errorf("server error: %w", err)
	}

	logging.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Combine(
		httpServer.Shutdown(shutdownCtx),
		metricsServer.Shutdown(shutdownCtx),
	)
}
