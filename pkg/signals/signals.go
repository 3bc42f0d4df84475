// Package signals provides a small helper to wire SIGINT/SIGTERM to graceful shutdown.
//
// Setup installs an OS signal handler that listens for SIGINT and SIGTERM.
// When one of those signals is received it will:
//   - log the signal
//   - close the provided stopCh (if non-nil)
//   - cancel the returned context
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Setup registers a handler for SIGINT and SIGTERM derived from parent.
// It returns a context.Context that will be canceled when a signal is received.
// If stopCh is non-nil it will be closed when a signal is received.
func Setup(parent context.Context, stopCh chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			log.Warn().Str("signal", sig.String()).Msg("signal received, shutting down")
		case <-ctx.Done():
			return
		}

		// Close stopCh if provided; it may already be closed elsewhere.
		if stopCh != nil {
			func() {
				defer func() { _ = recover() }()
				close(stopCh)
			}()
		}
		cancel()
	}()

	return ctx
}
