package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/querymesh/querymesh/internal/query"
	"github.com/querymesh/querymesh/internal/schema"
)

// Inspect samples every user collection and infers one table per
// collection. Any failure degrades to an empty schema instead of an error.
func (e *Engine) Inspect(ctx context.Context, conn query.Connection) (query.Inspection, error) {
	var inspection query.Inspection
	err := e.withDatabase(ctx, conn, func(db *mongo.Database) error {
		tables, err := e.sampleCollections(ctx, db)
		if err != nil {
			return err
		}
		inspection.Schema = schema.Descriptor{Tables: tables}
		inspection.Stats = query.NewStats(len(tables), e.databaseSize(ctx, db))
		return nil
	})
	if err != nil {
		e.logger.WarnContext(ctx, "mongodb schema inference degraded", slog.Any("error", err))
		return query.Inspection{
			Schema:   schema.Descriptor{Tables: []schema.Table{}},
			Stats:    query.NewStats(0, -1),
			Degraded: true,
			Warning:  err.Error(),
		}, nil
	}
	return inspection, nil
}

func (e *Engine) sampleCollections(ctx context.Context, db *mongo.Database) ([]schema.Table, error) {
	names, err := db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	names = userCollections(names)

	tables := make([]schema.Table, len(names))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.concurrency)
	for i, name := range names {
		group.Go(func() error {
			table, err := e.sampleCollection(groupCtx, db.Collection(name))
			if err != nil {
				return err
			}
			tables[i] = table
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return tables, nil
}

func (e *Engine) sampleCollection(ctx context.Context, collection *mongo.Collection) (schema.Table, error) {
	cursor, err := collection.Find(ctx, bson.D{}, e.sampleOptions())
	if err != nil {
		return schema.Table{}, fmt.Errorf("sample %q: %w", collection.Name(), err)
	}
	var sampled []bson.D
	if err := cursor.All(ctx, &sampled); err != nil {
		return schema.Table{}, fmt.Errorf("read sample of %q: %w", collection.Name(), err)
	}
	docs := make([]schema.Document, 0, len(sampled))
	for _, doc := range sampled {
		docs = append(docs, toDocument(doc))
	}
	return schema.InferTable(collection.Name(), docs, e.inferOptions()), nil
}

func (e *Engine) inferOptions() schema.InferOptions {
	return schema.InferOptions{MaxDepth: e.maxDepth, Classify: classify}
}

// databaseSize reads dataSize from dbStats; -1 when it is unavailable.
func (e *Engine) databaseSize(ctx context.Context, db *mongo.Database) int64 {
	var stats bson.M
	if err := db.RunCommand(ctx, bson.D{{Key: "dbStats", Value: 1}}).Decode(&stats); err != nil {
		e.logger.DebugContext(ctx, "dbStats unavailable", slog.Any("error", err))
		return -1
	}
	return numericSize(stats["dataSize"])
}

func numericSize(value any) int64 {
	switch typed := value.(type) {
	case int32:
		return int64(typed)
	case int64:
		return typed
	case float64:
		return int64(typed)
	default:
		return -1
	}
}

// userCollections drops system collections and sorts the rest so tables come
// out in a stable order regardless of sampling completion order.
func userCollections(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, "system.") {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
