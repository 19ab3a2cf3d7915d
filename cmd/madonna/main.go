// Package main is the entry point for the madonna client.
//
// Run the session and realtime channel:
//
//	madonna run --config madonna.yaml
//
// Send one frame over the realtime channel:
//
//	madonna send --action ping --data '{"n":1}'
//
// Settings in the file can be overridden with MADONNA_* environment
// variables.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}
