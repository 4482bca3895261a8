// Command worker runs the RPC bridge, job engine, and HTTP/SSE/WebSocket
// frontdoor that together bridge a local upstream agent subprocess to
// remote mobile clients.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaykit/worker/internal/app"
	"github.com/relaykit/worker/internal/config"
	"github.com/relaykit/worker/internal/logging"
)

func main() {
	logging.Setup()
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("failed to build worker: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := a.Start(context.Background()); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("worker exited", "error", err)
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.Stop(ctx); err != nil {
		logger.Error("error during shutdown", "error", err)
	}

	logger.Info("worker stopped")
}
