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

	"github.com/querymesh/querymesh/internal/api"
	"github.com/querymesh/querymesh/internal/auth"
	catalogpostgres "github.com/querymesh/querymesh/internal/catalog/postgres"
	"github.com/querymesh/querymesh/internal/compiler"
	"github.com/querymesh/querymesh/internal/completion"
	"github.com/querymesh/querymesh/internal/config"
	"github.com/querymesh/querymesh/internal/export"
	"github.com/querymesh/querymesh/internal/observability"
	"github.com/querymesh/querymesh/internal/queries"
	"github.com/querymesh/querymesh/internal/query/engines"
	"github.com/querymesh/querymesh/internal/sources"
	s3store "github.com/querymesh/querymesh/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("querymesh-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	catalogDB, err := catalogpostgres.Open(context.Background(), catalogpostgres.DBConfigFrom(cfg.Catalog))
	if err != nil {
		logger.Error("failed to open catalog db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = catalogDB.Close() }()

	catalogRepo := catalogpostgres.NewRepository(catalogDB)
	dispatcher := engines.NewDispatcher(cfg.Engine, logger)

	var completer completion.Completer
	if cfg.AI.APIKey != "" {
		client, err := completion.NewOpenAIClient(completion.OpenAIConfig{
			BaseURL:        cfg.AI.BaseURL,
			APIKey:         cfg.AI.APIKey,
			Model:          cfg.AI.Model,
			Temperature:    cfg.AI.Temperature,
			MaxTokens:      cfg.AI.CompletionTokens,
			Timeout:        cfg.AI.Timeout,
			RequestsPerSec: cfg.AI.RequestsPerSec,
			Burst:          cfg.AI.Burst,
		})
		if err != nil {
			logger.Error("failed to initialize completion client", slog.Any("error", err))
			os.Exit(1)
		}
		completer = client
	} else {
		logger.Warn("QUERYMESH_AI_API_KEY is not set; questions cannot be compiled")
	}

	queryCompiler := compiler.New(completer, compiler.Options{
		Logger:         logger,
		RowLimit:       cfg.Engine.FindRowLimit,
		MatchCacheSize: cfg.AI.MatchCacheSize,
		MatchCacheTTL:  cfg.AI.MatchCacheTTL,
	})

	sourceService := &sources.Service{
		Catalog:   catalogRepo,
		Inspector: dispatcher,
		Logger:    logger,
	}
	queryService := &queries.Service{
		Catalog:  catalogRepo,
		Compiler: queryCompiler,
		Executor: dispatcher,
		Config: queries.Config{
			DiscardFailed:  cfg.Queries.DiscardFailed,
			GenerateTitles: cfg.AI.GenerateTitles,
			DefaultLimit:   cfg.Queries.DefaultLimit,
			MaxLimit:       cfg.Queries.MaxLimit,
		},
		Logger: logger,
	}

	deps := api.Dependencies{
		Logger:            logger,
		Sources:           sourceService,
		Queries:           queryService,
		RateLimiter:       api.NewRateLimiterFromConfig(cfg.RateLimit),
		DependencyTimeout: time.Second,
	}
	readiness := []api.ReadinessCheck{api.CheckCatalog(catalogRepo)}

	storeCfg := s3store.ConfigFrom(cfg.ObjectStore)
	if storeCfg.Enabled() {
		objectStore, err := s3store.New(context.Background(), storeCfg)
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		deps.Exports = &export.Service{
			Catalog: catalogRepo,
			Store:   objectStore,
			Logger:  logger,
		}
		readiness = append(readiness, api.CheckObjectStoreConfig(cfg))
	} else {
		logger.Info("object store not configured; result export disabled")
	}
	deps.Readiness = api.CombineReadinessChecks(readiness...)

	if cfg.Auth.Required {
		validator, err := auth.NewValidator(cfg.Auth)
		if err != nil {
			logger.Error("failed to configure auth", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
