// Package main provides syncd, the host daemon for the offline action queue.
// It serves a REST/WebSocket API on localhost for the site client.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	Execute(ctx)
}
