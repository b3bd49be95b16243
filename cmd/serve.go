package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/blackboxserve/internal/config"
	"github.com/cwbudde/blackboxserve/internal/logcapture"
	"github.com/cwbudde/blackboxserve/internal/memo"
	"github.com/cwbudde/blackboxserve/internal/opt"
	"github.com/cwbudde/blackboxserve/internal/orchestrator"
	"github.com/cwbudde/blackboxserve/internal/server"
)

var (
	listenAddr      string
	shutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Starts the HTTP server exposing POST /optimize and GET /download_solution.
The cache backend, log directory and engine limits come from --config.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Grace period for in-flight requests")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}

	store, logs, orch, err := buildOrchestrator(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	server.Version = version
	srv := server.NewServer(cfg.Listen, orch, store, logs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("Server ready",
		"listen", cfg.Listen,
		"cache_backend", cfg.Cache.Backend,
		"log_dir", cfg.LogDir,
		"single_flight", cfg.Cache.SingleFlight,
		"max_concurrent", cfg.Engine.MaxConcurrent,
	)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("Server stopped")
	return nil
}

// buildOrchestrator wires the cache, log sessions and engine from cfg.
func buildOrchestrator(cfg *config.Config) (memo.Store, *logcapture.Manager, *orchestrator.Orchestrator, error) {
	store, err := memo.Open(cfg.Cache.Backend, cfg.Cache.Dir, cfg.Cache.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}

	logs, err := logcapture.NewManager(cfg.LogDir)
	if err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	orch := orchestrator.New(store, logs, opt.NewGrid, logger, orchestrator.Options{
		Rank:          cfg.Engine.Rank,
		SingleFlight:  cfg.Cache.SingleFlight,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		Seed:          cfg.Engine.Seed,
	})
	return store, logs, orch, nil
}
