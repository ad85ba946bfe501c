// Package main is ServiceHub's process entrypoint: load config, wire the
// app, start the scheduler and HTTP server, and shut both down cleanly on
// signal.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/debdevops/servicehub/internal/bootstrap"
	"github.com/debdevops/servicehub/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "servicehub: loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "servicehub: invalid config: %v\n", err)
		os.Exit(1)
	}

	app, err := bootstrap.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "servicehub: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.Router.Listen(cfg.ServerAddress)
	}()

	app.Logger.Info("servicehub listening on " + cfg.ServerAddress)

	select {
	case <-ctx.Done():
		app.Logger.Info("servicehub shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.Logger.Errorf("servicehub: http server: %v", err)
		}
	}

	if err := app.Router.Shutdown(); err != nil {
		app.Logger.Errorf("servicehub: router shutdown: %v", err)
	}

	if err := app.Shutdown(); err != nil {
		app.Logger.Errorf("servicehub: shutdown: %v", err)
		os.Exit(1)
	}
}
