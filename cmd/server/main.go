// Package main runs the formscan HTTP service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/formscan/formscan/internal/app/runtime"
)

func main() {
	app, err := runtime.NewApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "formscan: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := app.Run(ctx)
	stop()

	if err := app.Shutdown(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "formscan: shutdown: %v\n", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "formscan: %v\n", runErr)
		os.Exit(1)
	}
}
