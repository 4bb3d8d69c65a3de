package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/1363V4/datastar-job/internal/api"
	"github.com/1363V4/datastar-job/internal/config"
	"github.com/1363V4/datastar-job/internal/core"
	"github.com/1363V4/datastar-job/internal/logger"
	"github.com/1363V4/datastar-job/internal/store"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(cfg.LogLevel); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()
	log := logger.L()
	if cfg.LogLevel == "DEBUG" {
		log.Debug("Service starting in DEBUG mode")
	}

	coll, err := store.Open(cfg.StoreDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer coll.Close()
	conv := store.NewConversationStore(coll)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := core.NewMetrics(reg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	upstream, closeUpstream, err := newUpstream(ctx, cfg, conv, metrics)
	if err != nil {
		return err
	}
	defer closeUpstream()

	relay := core.NewRelay(conv, upstream, cfg.Upstream.Preprompt, metrics)
	router := api.NewRouter(api.NewAPIHandler(relay), api.RouterOptions{
		StaticDir: cfg.StaticDir,
		IndexFile: cfg.IndexFile,
		Gatherer:  reg,
		Limiter:   api.NewChatLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	})

	// Handlers derive from baseCtx so open event streams end on shutdown.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: /load streams for as long as the page is open
		IdleTimeout: 120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return baseCtx },
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Starting server", zap.String("addr", serverAddr), zap.String("provider", cfg.Provider), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelStreams()
	shutdownErr := srv.Shutdown(shutdownCtx)

	// Answers outlive their requests; the store and upstream are closed by the
	// defers above, so let running streams persist their text first.
	if err := relay.Wait(shutdownCtx); err != nil {
		log.Warn("Closing store with upstream streams in flight", zap.Error(err))
	}

	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}
	log.Info("Server exiting gracefully")
	return nil
}

// newUpstream builds the configured chat-completion client and its cleanup.
func newUpstream(ctx context.Context, cfg *config.Config, conv *store.ConversationStore, metrics *core.Metrics) (core.Upstream, func(), error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		client, err := core.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.Upstream.Temperature, conv, metrics)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	default:
		return core.NewCompletionClient(cfg.Upstream, conv, metrics), func() {}, nil
	}
}
