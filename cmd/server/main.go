package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"gatekeeper/internal/platform/config"
	"gatekeeper/internal/platform/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Default().Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("gatekeeper stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

// run assembles the application and serves HTTP alongside the background
// workers until SIGINT or SIGTERM. Dependencies are closed before it returns.
func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize gatekeeper: %w", err)
	}
	defer app.close(log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting http server",
			"addr", cfg.Addr,
			"environment", cfg.Environment,
			"policies", len(app.registry.Snapshot().Policies()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		reloadOnHangup(gctx, app, log)
		return nil
	})
	for _, w := range app.workers {
		g.Go(func() error {
			if err := w(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	return g.Wait()
}

// reloadOnHangup re-reads the policy file on every SIGHUP. A failing reload
// keeps the policies currently served.
func reloadOnHangup(ctx context.Context, app *application, log *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			n, err := app.reloader.Reload()
			if err != nil {
				log.Error("policy reload on SIGHUP rejected", "error", err)
				continue
			}
			log.Info("policies reloaded on SIGHUP", "policies", n)
		}
	}
}
