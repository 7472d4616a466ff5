// Package queries runs the ask lifecycle: a natural-language request is
// recorded, compiled against the source schema, executed and stored with its
// result or failure.
package queries

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/querymesh/querymesh/internal/catalog"
	"github.com/querymesh/querymesh/internal/compiler"
	"github.com/querymesh/querymesh/internal/observability"
	"github.com/querymesh/querymesh/internal/query"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

var ErrInvalidTitle = errors.New("title is required")

type Catalog interface {
	GetSource(ctx context.Context, ownerID, sourceID string) (catalog.Source, error)
	CreateQuery(ctx context.Context, in catalog.CreateQueryInput) (catalog.Query, error)
	GetQuery(ctx context.Context, ownerID, queryID string) (catalog.Query, error)
	ListQueries(ctx context.Context, filter catalog.QueryFilter) (catalog.QueryPage, error)
	UpdateQuery(ctx context.Context, q catalog.Query) (catalog.Query, error)
	DeleteQuery(ctx context.Context, ownerID, queryID string) (bool, error)
}

// Compiler is satisfied by *compiler.Compiler.
type Compiler interface {
	Compile(ctx context.Context, req compiler.Request) (compiler.Result, error)
	Title(ctx context.Context, text string) string
}

// Executor is satisfied by *query.Dispatcher.
type Executor interface {
	Execute(ctx context.Context, conn query.Connection, source string) (query.Result, error)
}

type Config struct {
	// DiscardFailed deletes a first-time query whose compile or execution
	// failed instead of keeping it as a failed record.
	DiscardFailed  bool
	GenerateTitles bool
	DefaultLimit   int
	MaxLimit       int
}

type Service struct {
	Catalog  Catalog
	Compiler Compiler
	Executor Executor
	Config   Config
	Logger   *slog.Logger
	Clock    func() time.Time
}

type AskInput struct {
	OwnerID  string
	SourceID string
	Text     string
	Title    string
}

var discardLogger = slog.New(slog.DiscardHandler)

// The accessors below resolve defaults without writing to s: one Service is
// shared by every request.

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

// Ask records the request, compiles and executes it. On failure the returned
// query carries the failed record (zero when DiscardFailed removed it) along
// with the error.
func (s *Service) Ask(ctx context.Context, in AskInput) (catalog.Query, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return catalog.Query{}, compiler.ErrEmptyRequest
	}
	source, err := s.Catalog.GetSource(ctx, in.OwnerID, in.SourceID)
	if err != nil {
		return catalog.Query{}, err
	}

	q, err := s.Catalog.CreateQuery(ctx, catalog.CreateQueryInput{
		OwnerID:         in.OwnerID,
		SourceID:        source.SourceID,
		Title:           strings.TrimSpace(in.Title),
		NaturalLanguage: text,
	})
	if err != nil {
		return catalog.Query{}, err
	}
	observability.Annotate(ctx, observability.Scope{SourceID: source.SourceID, QueryID: q.QueryID})

	compiled, err := s.Compiler.Compile(ctx, compileRequest(source, text))
	if err != nil {
		return s.failFirstRun(ctx, q, err, err.Error())
	}
	if q.Title == "" {
		q.Title = s.title(ctx, text)
	}
	q.Instruction = compiled.Instruction()
	q.Directive = compiled.Source

	return s.run(ctx, q, source, true)
}

// Rerun executes the stored directive again. A directive that never compiled
// is compiled first. A failed rerun keeps the previous result.
func (s *Service) Rerun(ctx context.Context, ownerID, queryID string) (catalog.Query, error) {
	q, err := s.Catalog.GetQuery(ctx, ownerID, queryID)
	if err != nil {
		return catalog.Query{}, err
	}
	if err := query.Transition(q.Status, query.StatusPending); err != nil {
		return q, err
	}
	q.Status = query.StatusPending
	source, err := s.Catalog.GetSource(ctx, ownerID, q.SourceID)
	if err != nil {
		return catalog.Query{}, err
	}

	if strings.TrimSpace(q.Directive) == "" {
		compiled, err := s.Compiler.Compile(ctx, compileRequest(source, q.NaturalLanguage))
		if err != nil {
			return s.markFailed(ctx, q, err, err.Error())
		}
		q.Instruction = compiled.Instruction()
		q.Directive = compiled.Source
	}
	return s.run(ctx, q, source, false)
}

// Translate compiles without executing or storing anything.
func (s *Service) Translate(ctx context.Context, ownerID, sourceID, text string) (compiler.Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return compiler.Result{}, compiler.ErrEmptyRequest
	}
	source, err := s.Catalog.GetSource(ctx, ownerID, sourceID)
	if err != nil {
		return compiler.Result{}, err
	}
	return s.Compiler.Compile(ctx, compileRequest(source, text))
}

func (s *Service) List(ctx context.Context, filter catalog.QueryFilter) (catalog.QueryPage, error) {
	filter.Limit = s.pageSize(filter.Limit)
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.Catalog.ListQueries(ctx, filter)
}

func (s *Service) Get(ctx context.Context, ownerID, queryID string) (catalog.Query, error) {
	return s.Catalog.GetQuery(ctx, ownerID, queryID)
}

func (s *Service) Rename(ctx context.Context, ownerID, queryID, title string) (catalog.Query, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return catalog.Query{}, ErrInvalidTitle
	}
	q, err := s.Catalog.GetQuery(ctx, ownerID, queryID)
	if err != nil {
		return catalog.Query{}, err
	}
	q.Title = title
	return s.Catalog.UpdateQuery(ctx, q)
}

func (s *Service) Delete(ctx context.Context, ownerID, queryID string) error {
	deleted, err := s.Catalog.DeleteQuery(ctx, ownerID, queryID)
	if err != nil {
		return err
	}
	if !deleted {
		return catalog.ErrNotFound
	}
	return nil
}

func (s *Service) run(ctx context.Context, q catalog.Query, source catalog.Source, firstRun bool) (catalog.Query, error) {
	if err := query.Transition(q.Status, query.StatusRunning); err != nil {
		return q, err
	}
	q.Status = query.StatusRunning
	q.ErrorMessage = ""
	q, err := s.Catalog.UpdateQuery(ctx, q)
	if err != nil {
		return q, fmt.Errorf("mark query running: %w", err)
	}

	result, execErr := s.Executor.Execute(ctx, source.Connection, q.Directive)
	if execErr != nil {
		if firstRun {
			return s.failFirstRun(ctx, q, execErr, query.Message(execErr))
		}
		return s.markFailed(ctx, q, execErr, query.Message(execErr))
	}

	executedAt := s.now().UTC()
	q.Status = query.StatusCompleted
	q.Result = catalog.NewQueryResult(result)
	q.ExecutedAt = &executedAt
	q, err = s.Catalog.UpdateQuery(ctx, q)
	if err != nil {
		return q, fmt.Errorf("store query result: %w", err)
	}
	s.logger().InfoContext(ctx, "query completed",
		slog.String("query_id", q.QueryID),
		slog.String("source_type", string(source.Type)),
		slog.Int("rows", q.RowCount()),
		slog.Bool("truncated", result.Truncated),
	)
	return q, nil
}

func (s *Service) failFirstRun(ctx context.Context, q catalog.Query, cause error, message string) (catalog.Query, error) {
	if !s.Config.DiscardFailed {
		return s.markFailed(ctx, q, cause, message)
	}
	if _, err := s.Catalog.DeleteQuery(ctx, q.OwnerID, q.QueryID); err != nil {
		s.logger().ErrorContext(ctx, "discard failed query", slog.String("query_id", q.QueryID), slog.Any("error", err))
	}
	return catalog.Query{}, cause
}

func (s *Service) markFailed(ctx context.Context, q catalog.Query, cause error, message string) (catalog.Query, error) {
	if err := query.Transition(q.Status, query.StatusFailed); err != nil {
		return q, errors.Join(cause, err)
	}
	q.Status = query.StatusFailed
	q.ErrorMessage = message
	stored, err := s.Catalog.UpdateQuery(ctx, q)
	if err != nil {
		return q, errors.Join(cause, fmt.Errorf("mark query failed: %w", err))
	}
	s.logger().WarnContext(ctx, "query failed",
		slog.String("query_id", q.QueryID),
		slog.String("error", message),
	)
	return stored, cause
}

func (s *Service) title(ctx context.Context, text string) string {
	if s.Config.GenerateTitles {
		return s.Compiler.Title(ctx, text)
	}
	return "Query " + s.now().UTC().Format(time.RFC3339)
}

func (s *Service) pageSize(limit int) int {
	defaultLimit, maxLimit := s.Config.DefaultLimit, s.Config.MaxLimit
	if defaultLimit <= 0 {
		defaultLimit = defaultPageSize
	}
	if maxLimit <= 0 {
		maxLimit = maxPageSize
	}
	if limit <= 0 {
		return min(defaultLimit, maxLimit)
	}
	return min(limit, maxLimit)
}

func compileRequest(source catalog.Source, text string) compiler.Request {
	return compiler.Request{
		Backend: source.Type.Backend(),
		Dialect: source.Type.Dialect(),
		Schema:  source.Schema,
		Text:    text,
	}
}
