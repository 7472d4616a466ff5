// Package export writes completed query results to the object store as
// Parquet files.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/querymesh/querymesh/internal/catalog"
	"github.com/querymesh/querymesh/internal/query"
	"github.com/querymesh/querymesh/internal/storage"
)

const (
	// ContentType is the media type of exported objects.
	ContentType       = "application/vnd.apache.parquet"
	defaultLinkExpiry = 15 * time.Minute
)

var (
	ErrDisabled    = errors.New("result export is not configured")
	ErrNoResult    = errors.New("query has no completed result to export")
	ErrNotExported = errors.New("query has not been exported")
)

type Catalog interface {
	GetQuery(ctx context.Context, ownerID, queryID string) (catalog.Query, error)
	UpdateQuery(ctx context.Context, q catalog.Query) (catalog.Query, error)
}

type Service struct {
	Catalog    Catalog
	Store      storage.ObjectStore
	LinkExpiry time.Duration
	Logger     *slog.Logger
	Clock      func() time.Time
}

type Export struct {
	QueryID     string `json:"query_id"`
	Key         string `json:"key"`
	Size        int64  `json:"size_bytes"`
	RecordCount int64  `json:"record_count,omitempty"`
	URL         string `json:"url,omitempty"`
}

var discardLogger = slog.New(slog.DiscardHandler)

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return discardLogger
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock()
}

func (s *Service) linkExpiry() time.Duration {
	if s.LinkExpiry <= 0 {
		return defaultLinkExpiry
	}
	return s.LinkExpiry
}

// Export encodes the stored result of a completed query, uploads it and
// records the object key on the query. A previous export of the same query
// is replaced.
func (s *Service) Export(ctx context.Context, ownerID, queryID string) (Export, error) {
	if s.Store == nil {
		return Export{}, ErrDisabled
	}
	q, err := s.Catalog.GetQuery(ctx, ownerID, queryID)
	if err != nil {
		return Export{}, err
	}
	if q.Status != query.StatusCompleted || q.Result == nil || len(q.Result.Columns) == 0 {
		return Export{}, ErrNoResult
	}

	encoded, err := EncodeParquet(q.Result.Columns, q.Result.Rows)
	if err != nil {
		return Export{}, fmt.Errorf("encode export: %w", err)
	}
	key, err := storage.BuildExportPath(ownerID, q.QueryID, s.now())
	if err != nil {
		return Export{}, err
	}
	info, err := s.Store.Put(ctx, key, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), storage.PutOptions{
		ContentType:  ContentType,
		DownloadName: path.Base(key),
		Metadata: map[string]string{
			metaOwnerID:     ownerID,
			metaQueryID:     q.QueryID,
			metaRecordCount: strconv.FormatInt(encoded.RecordCount, 10),
		},
	})
	if err != nil {
		return Export{}, err
	}

	previous := q.ExportPath
	q.ExportPath = key
	if _, err := s.Catalog.UpdateQuery(ctx, q); err != nil {
		_ = s.Store.Delete(ctx, key)
		return Export{}, fmt.Errorf("record export path: %w", err)
	}
	if previous != "" && previous != key {
		if err := s.Store.Delete(ctx, previous); err != nil {
			s.logger().WarnContext(ctx, "delete previous export failed", slog.String("key", previous), slog.Any("error", err))
		}
	}

	s.logger().InfoContext(ctx, "query result exported",
		slog.String("query_id", q.QueryID),
		slog.String("key", key),
		slog.Int64("records", encoded.RecordCount),
	)
	out := Export{
		QueryID:     q.QueryID,
		Key:         key,
		Size:        info.Size,
		RecordCount: encoded.RecordCount,
	}
	out.URL = s.link(ctx, key)
	return out, nil
}

// Link returns a fresh download link for the last export of a query.
func (s *Service) Link(ctx context.Context, ownerID, queryID string) (Export, error) {
	if s.Store == nil {
		return Export{}, ErrDisabled
	}
	q, err := s.Catalog.GetQuery(ctx, ownerID, queryID)
	if err != nil {
		return Export{}, err
	}
	if q.ExportPath == "" {
		return Export{}, ErrNotExported
	}
	info, err := s.Store.Stat(ctx, q.ExportPath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return Export{}, ErrNotExported
		}
		return Export{}, err
	}
	out := storedExport(q.QueryID, info)
	out.URL = s.link(ctx, q.ExportPath)
	return out, nil
}

// Download opens the last export of a query for streaming. The caller closes
// the reader.
func (s *Service) Download(ctx context.Context, ownerID, queryID string) (io.ReadCloser, Export, error) {
	if s.Store == nil {
		return nil, Export{}, ErrDisabled
	}
	q, err := s.Catalog.GetQuery(ctx, ownerID, queryID)
	if err != nil {
		return nil, Export{}, err
	}
	if q.ExportPath == "" {
		return nil, Export{}, ErrNotExported
	}
	info, err := s.Store.Stat(ctx, q.ExportPath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, Export{}, ErrNotExported
		}
		return nil, Export{}, err
	}
	body, err := s.Store.Get(ctx, q.ExportPath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, Export{}, ErrNotExported
		}
		return nil, Export{}, err
	}
	return body, storedExport(q.QueryID, info), nil
}

// Object metadata written with every export.
const (
	metaOwnerID     = "owner-id"
	metaQueryID     = "query-id"
	metaRecordCount = "record-count"
)

func storedExport(queryID string, info storage.ObjectInfo) Export {
	out := Export{QueryID: queryID, Key: info.Key, Size: info.Size}
	if n, err := strconv.ParseInt(info.Metadata[metaRecordCount], 10, 64); err == nil {
		out.RecordCount = n
	}
	return out
}

// Remove deletes the exported object of a query, if any.
func (s *Service) Remove(ctx context.Context, q catalog.Query) error {
	if s.Store == nil || q.ExportPath == "" {
		return nil
	}
	return s.Store.Delete(ctx, q.ExportPath)
}

func (s *Service) link(ctx context.Context, key string) string {
	link, err := s.Store.PresignGet(ctx, key, s.linkExpiry())
	if err != nil {
		s.logger().WarnContext(ctx, "presign export failed", slog.String("key", key), slog.Any("error", err))
		return ""
	}
	return link
}
