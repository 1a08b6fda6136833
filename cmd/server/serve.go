package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"altimeter-sync-service/internal/api"
	"altimeter-sync-service/internal/logger"
	"altimeter-sync-service/internal/notify"
	"altimeter-sync-service/internal/remote"
	"altimeter-sync-service/internal/store"
	"altimeter-sync-service/internal/sync"
	"altimeter-sync-service/internal/webhook"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync worker and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
}

func runServe(opts *rootOptions) error {
	cfg, err := setup(opts)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Log.Info("Starting Altimeter sync service")

	ctx := context.Background()

	stateStore, err := store.New(cfg.StateStorage)
	if err != nil {
		return fmt.Errorf("failed to init state store: %w", err)
	}
	defer stateStore.Close()

	if err := stateStore.Migrate(ctx); err != nil {
		return err
	}

	hub := notify.NewHub(notify.Options{OriginPatterns: originPatterns(cfg.Server.CorsOrigins)})
	hub.Start()
	defer hub.Stop()

	queue := sync.NewQueue(stateStore)
	worker := sync.NewWorker(cfg.Sync, stateStore, remote.NewClient(cfg.Remote), sync.WithBroadcaster(hub))
	if err := worker.RecoverInterrupted(ctx); err != nil {
		return err
	}
	syncManager := sync.NewManager(stateStore, queue, worker)
	defer syncManager.Stop()

	if cfg.Sync.AutoStart {
		syncManager.Start()
	}

	scheduler := sync.NewScheduler(cfg.Scheduler, syncManager)
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	if cfg.Sync.ChangeCapture.Enabled {
		capture, err := sync.NewChangeCapture(cfg.StateStorage, cfg.Sync.ChangeCapture, queue)
		if err != nil {
			return err
		}
		if err := capture.Start(); err != nil {
			return err
		}
		defer capture.Stop()
	}

	receiver := webhook.NewReceiver(cfg.Webhook, stateStore, queue)
	handler := api.NewHandler(cfg.Server, syncManager, hub, receiver)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Log.Info("Shutting down server...", zap.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("Server shutdown incomplete", zap.Error(err))
	}
	return nil
}

// originPatterns converts CORS origins to the host patterns the websocket
// handshake matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
