// Package mongo executes document directives and samples collections for
// schema inference using the official MongoDB driver.
package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/querymesh/querymesh/internal/directive"
	"github.com/querymesh/querymesh/internal/query"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultFindRowLimit   = 100
	DefaultSampleLimit    = 100
	DefaultConcurrency    = 4
)

type Options struct {
	ConnectTimeout time.Duration
	// FindRowLimit caps find results. Aggregations are not capped.
	FindRowLimit int
	SampleLimit  int
	MaxDepth     int
	Concurrency  int
	Logger       *slog.Logger
}

type Engine struct {
	connectTimeout time.Duration
	findRowLimit   int64
	sampleLimit    int64
	maxDepth       int
	concurrency    int
	logger         *slog.Logger
}

func New(opts Options) *Engine {
	e := &Engine{
		connectTimeout: opts.ConnectTimeout,
		findRowLimit:   int64(opts.FindRowLimit),
		sampleLimit:    int64(opts.SampleLimit),
		maxDepth:       opts.MaxDepth,
		concurrency:    opts.Concurrency,
		logger:         opts.Logger,
	}
	if e.connectTimeout <= 0 {
		e.connectTimeout = DefaultConnectTimeout
	}
	if e.findRowLimit <= 0 {
		e.findRowLimit = DefaultFindRowLimit
	}
	if e.sampleLimit <= 0 {
		e.sampleLimit = DefaultSampleLimit
	}
	if e.concurrency <= 0 {
		e.concurrency = DefaultConcurrency
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	return e
}

func (e *Engine) clientOptions(uri string) *options.ClientOptions {
	return options.Client().
		ApplyURI(uri).
		SetConnectTimeout(e.connectTimeout).
		SetServerSelectionTimeout(e.connectTimeout)
}

func (e *Engine) findOptions() *options.FindOptions {
	return options.Find().SetLimit(e.findRowLimit)
}

func (e *Engine) sampleOptions() *options.FindOptions {
	return options.Find().SetLimit(e.sampleLimit)
}

// withDatabase connects, runs fn against the source database and always
// disconnects afterwards.
func (e *Engine) withDatabase(ctx context.Context, conn query.Connection, fn func(*mongo.Database) error) error {
	uri, err := connectionURI(conn)
	if err != nil {
		return err
	}
	name, err := DatabaseName(conn)
	if err != nil {
		return err
	}
	client, err := mongo.Connect(ctx, e.clientOptions(uri))
	if err != nil {
		return fmt.Errorf("connect mongodb: %w", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.connectTimeout)
		defer cancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			e.logger.WarnContext(ctx, "mongodb disconnect failed", slog.Any("error", err))
		}
	}()
	return fn(client.Database(name))
}

func (e *Engine) Ping(ctx context.Context, conn query.Connection) error {
	return e.withDatabase(ctx, conn, func(db *mongo.Database) error {
		pingCtx, cancel := context.WithTimeout(ctx, e.connectTimeout)
		defer cancel()
		if err := db.Client().Ping(pingCtx, readpref.Primary()); err != nil {
			return fmt.Errorf("ping mongodb: %w", err)
		}
		return nil
	})
}

func (e *Engine) Execute(ctx context.Context, conn query.Connection, d directive.Directive) (query.Result, error) {
	if err := d.Validate(); err != nil {
		return query.Result{}, err
	}

	start := time.Now()
	var docs []bson.D
	err := e.withDatabase(ctx, conn, func(db *mongo.Database) error {
		collection := db.Collection(d.Collection)
		var (
			cursor *mongo.Cursor
			err    error
		)
		switch d.Operation {
		case directive.OperationFind:
			filter, perr := decodeFilter(d.Payload)
			if perr != nil {
				return perr
			}
			cursor, err = collection.Find(ctx, filter, e.findOptions())
		case directive.OperationAggregate:
			pipeline, perr := decodePipeline(d.Payload)
			if perr != nil {
				return perr
			}
			cursor, err = collection.Aggregate(ctx, pipeline)
		default:
			return fmt.Errorf("%w: unsupported operation %q", directive.ErrNotExecutable, d.Operation)
		}
		if err != nil {
			return fmt.Errorf("run %s on %q: %w", d.Operation, d.Collection, err)
		}
		if err := cursor.All(ctx, &docs); err != nil {
			return fmt.Errorf("read %s results: %w", d.Operation, err)
		}
		return nil
	})
	if err != nil {
		return query.Result{}, err
	}

	columns, rows := toResult(docs)
	return query.Result{Columns: columns, Rows: rows, Duration: time.Since(start)}, nil
}

// decodeFilter reads relaxed extended JSON so generated filters may use
// $oid and $date wrappers.
func decodeFilter(payload json.RawMessage) (bson.D, error) {
	var filter bson.D
	if err := bson.UnmarshalExtJSON(payload, false, &filter); err != nil {
		return nil, fmt.Errorf("%w: decode find filter: %v", directive.ErrDirectiveMalformed, err)
	}
	if filter == nil {
		filter = bson.D{}
	}
	return filter, nil
}

func decodePipeline(payload json.RawMessage) ([]bson.D, error) {
	wrapped := make([]byte, 0, len(payload)+16)
	wrapped = append(wrapped, `{"pipeline":`...)
	wrapped = append(wrapped, payload...)
	wrapped = append(wrapped, '}')

	var holder struct {
		Pipeline []bson.D `bson:"pipeline"`
	}
	if err := bson.UnmarshalExtJSON(wrapped, false, &holder); err != nil {
		return nil, fmt.Errorf("%w: decode aggregate pipeline: %v", directive.ErrDirectiveMalformed, err)
	}
	if holder.Pipeline == nil {
		holder.Pipeline = []bson.D{}
	}
	return holder.Pipeline, nil
}
