package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// setupSignalHandler returns a context cancelled on SIGTERM or SIGINT.
// cleanup stops signal delivery and cancels the context.
func setupSignalHandler(parent context.Context) (shutdownCtx context.Context, cleanup func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
