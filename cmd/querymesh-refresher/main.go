package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	catalogpostgres "github.com/querymesh/querymesh/internal/catalog/postgres"
	"github.com/querymesh/querymesh/internal/config"
	"github.com/querymesh/querymesh/internal/maintenance"
	"github.com/querymesh/querymesh/internal/observability"
	"github.com/querymesh/querymesh/internal/query/engines"
	"github.com/querymesh/querymesh/internal/sources"
)

func main() {
	cfg, err := config.LoadFromEnv("querymesh-refresher")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	db, err := catalogpostgres.Open(context.Background(), catalogpostgres.DBConfigFrom(cfg.Catalog))
	if err != nil {
		logger.Error("failed to open catalog db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	repo := catalogpostgres.NewRepository(db)
	svc := &maintenance.Service{
		Catalog: repo,
		Refresher: &sources.Service{
			Catalog:   repo,
			Inspector: engines.NewDispatcher(cfg.Engine, logger),
			Logger:    logger,
		},
		Config: maintenance.Config{
			RefreshInterval: cfg.Refresh.Interval,
			StaleAge:        cfg.Refresh.StaleAge,
			BatchSize:       cfg.Refresh.BatchSize,
		},
		Logger: logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("GET /v1/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting schema refresher",
			slog.Duration("interval", cfg.Refresh.Interval),
			slog.Duration("stale_age", cfg.Refresh.StaleAge),
		)
		return svc.Run(groupCtx)
	})
	group.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("schema refresher stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("schema refresher stopped")
}
