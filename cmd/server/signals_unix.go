//go:build unix

package server

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// handleSignals cancels the graceful context on SIGTERM, SIGINT or
// SIGHUP; the server loop then shuts down and cleans up.
func handleSignals(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) {
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)
	go func() {
		defer signal.Stop(shutdownCh)
		select {
		case sig := <-shutdownCh:
			logger.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
}
