package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/koopa0/flowboard/internal/config"
	"github.com/koopa0/flowboard/internal/event"
	"github.com/koopa0/flowboard/internal/flow"
	"github.com/koopa0/flowboard/internal/ingest"
	"github.com/koopa0/flowboard/internal/log"
	"github.com/koopa0/flowboard/internal/poll"
	"github.com/koopa0/flowboard/internal/state"
	"github.com/koopa0/flowboard/internal/storage/sqlite"
	"github.com/koopa0/flowboard/internal/upload"
	"github.com/koopa0/flowboard/internal/web"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 2 * time.Minute // SSE streaming needs longer timeout
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

var serveListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard HTTP server",
	Long: `Starts the flowboard server: connects to the upstream ingestion API,
subscribes to its event stream, restores any in-flight uploads from the
local database, and serves the dashboard API with a live SSE feed.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// parseLogLevel maps a validated config level string to a slog level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runServe wires the full pipeline and serves until SIGINT/SIGTERM.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if serveListenAddr != "" {
		cfg.ListenAddr = serveListenAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := log.New(log.Config{
		Level: parseLogLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	logger.Info("starting flowboard", "version", AppVersion, "config", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := state.NewStore(logger.With("component", "state"))

	sessions, err := sqlite.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening session database: %w", err)
	}
	defer func() {
		if closeErr := sessions.Close(); closeErr != nil {
			logger.Warn("closing session database", "error", closeErr)
		}
	}()

	client, err := ingest.NewClient(cfg.UpstreamURL, cfg.UpstreamToken, logger.With("component", "ingest"))
	if err != nil {
		return fmt.Errorf("creating upstream client: %w", err)
	}

	poller := poll.New(client, store, poll.Config{
		ActiveInterval: time.Duration(cfg.ActivePollSeconds) * time.Second,
		IdleInterval:   time.Duration(cfg.IdlePollSeconds) * time.Second,
	}, logger.With("component", "poll"))

	reconciler := event.NewReconciler(store, poller, logger.With("component", "event"))

	engine := flow.NewEngine(store, flow.Config{}, logger.With("component", "flow"))
	reconciler.AddSink(engine.EventSink())
	engine.Play()

	manager := upload.NewManager(client, store, sessions, reconciler.Ingest, logger.With("component", "upload"))
	if err := manager.Restore(ctx); err != nil {
		// Restore failures cost only queue continuity, not correctness.
		logger.Warn("restoring upload sessions", "error", err)
	}

	subscriber := ingest.NewSubscriber(client, logger.With("component", "ingest"))

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := subscriber.Run(ctx, reconciler.Ingest); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("event stream stopped", "error", err)
		}
	}()

	apiServer, err := web.NewServer(web.ServerConfig{
		Logger:      logger.With("component", "web"),
		Store:       store,
		Manager:     manager,
		Engine:      engine,
		CORSOrigins: cfg.CORSOrigins,
		TrustProxy:  cfg.TrustProxy,
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", cfg.ListenAddr,
		"api", "/api/v1/*",
		"health", "/health",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		wg.Wait()
		return nil
	case err := <-errCh:
		cancel()
		wg.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}
