// Package engines wires every supported backend into a query dispatcher.
package engines

import (
	"log/slog"

	"github.com/querymesh/querymesh/internal/config"
	"github.com/querymesh/querymesh/internal/query"
	"github.com/querymesh/querymesh/internal/query/mongo"
	"github.com/querymesh/querymesh/internal/query/sqlengine"
)

func NewDispatcher(cfg config.EngineConfig, logger *slog.Logger) *query.Dispatcher {
	dispatcher := query.NewDispatcher(logger)

	sqlOpts := sqlengine.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		MaxRows:        cfg.MaxRows,
		Logger:         logger,
	}
	dispatcher.Register(query.SourcePostgreSQL, sqlengine.NewPostgres(sqlOpts))
	dispatcher.Register(query.SourceDuckDB, sqlengine.NewDuckDB(sqlOpts))
	dispatcher.Register(query.SourceSQLite, sqlengine.NewSQLite(sqlOpts))
	dispatcher.Register(query.SourceMongoDB, mongo.New(mongo.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		FindRowLimit:   cfg.FindRowLimit,
		SampleLimit:    cfg.SampleLimit,
		MaxDepth:       cfg.MaxInferenceDepth,
		Concurrency:    cfg.InspectConcurrency,
		Logger:         logger,
	}))
	return dispatcher
}
