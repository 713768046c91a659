package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/creamcroissant/nodeboard/internal/api"
	"github.com/creamcroissant/nodeboard/internal/bootstrap"
	"github.com/creamcroissant/nodeboard/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and background jobs",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	bootTime := time.Now().UTC()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	a, err := newApp(ctx, cfg, logger, bootTime)
	if err != nil {
		return err
	}
	defer a.Close()

	a.scheduler.Start()

	opts := []api.RouterOption{api.WithSlowThreshold(time.Second)}
	if cfg.HTTP.RateLimit > 0 {
		opts = append(opts, api.WithRateLimiter(a.infra.RateLimiter, cfg.HTTP.RateLimit, time.Minute))
	}
	router := api.NewRouter(logger, a.services, cfg.Metrics, opts...)
	server := bootstrap.NewHTTPServer(cfg.HTTP, router)

	go func() {
		logger.Info("http server starting", "addr", cfg.HTTP.Addr, "env", cfg.Log.Environment, "version", Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown requested, waiting for running jobs")
	stopCtx := a.scheduler.Stop()
	<-stopCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down http server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("server exited cleanly")
	return nil
}
