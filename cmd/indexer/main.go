package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/otterfi/otter-point/app/indexer"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := indexer.Initialize(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "indexer: %v\n", err)
		return 1
	}
	defer app.Close()

	if app.Daemon() {
		if err := app.RunDaemon(ctx); err != nil {
			app.Logger.Error("daemon failed to start", zap.Error(err))
			return 1
		}
		return 0
	}

	if err := app.RunOnce(ctx); err != nil {
		app.Logger.Error("run failed", zap.Error(err))
		return 1
	}
	return 0
}
