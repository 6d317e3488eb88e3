package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM
// and force-exits on the second. This gives the engine time to drain in-flight
// actions on first signal, while allowing the user to force-quit if something
// hangs.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, initiating graceful shutdown",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		// Wait for second signal — force exit.
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}

// sighupChannel returns a channel notified on every SIGHUP the process
// receives. The caller owns it and must signal.Stop it when done listening.
func sighupChannel() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	return ch
}

// reconciler is the capability handleReconcileSignal needs from the engine:
// an immediate, non-blocking reconcile trigger. Narrowed so this file
// doesn't need to import internal/engine.
type reconciler interface {
	TriggerReconcile()
}

// handleReconcileSignal spawns a goroutine that triggers an immediate
// reconcile pass every time the daemon receives SIGHUP — the production
// counterpart of sendSIGHUP, and the analogue of the Remote Reconciler's
// explicit Sync() request trigger (spec §4.6). It runs until ctx is
// cancelled.
func handleReconcileSignal(ctx context.Context, rec reconciler, logger *slog.Logger) {
	sigCh := sighupChannel()

	go func() {
		defer signal.Stop(sigCh)

		for {
			select {
			case <-sigCh:
				logger.Info("received SIGHUP, triggering immediate reconcile")
				rec.TriggerReconcile()
			case <-ctx.Done():
				return
			}
		}
	}()
}
