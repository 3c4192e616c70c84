package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tnorth/btcfleet/internal/shell/sd"
)

// =============================================================================
// serve
// =============================================================================

// cmdServe runs the discovery and status endpoints until interrupted.
func cmdServe(cfg *Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.Parse(args)

	a, err := newApp(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitConfigError
	}
	defer a.close()

	handler := sd.NewHandler(a.inv, a.orchestrator(nil, false), logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("discovery endpoint listening", "addr", cfg.Server.Address())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("http server error", "error", err)
		return ExitFailure
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return ExitFailure
	}
	return ExitSuccess
}
