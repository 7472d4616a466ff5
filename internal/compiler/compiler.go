// Package compiler turns a natural-language request plus a stored schema into
// backend-specific query text through two completion calls: one to pick the
// relevant table and one to generate the query against that table alone.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/querymesh/querymesh/internal/completion"
	"github.com/querymesh/querymesh/internal/directive"
	"github.com/querymesh/querymesh/internal/observability"
	"github.com/querymesh/querymesh/internal/schema"
)

const (
	DefaultRowLimit = 100
	maxTitleLength  = 50
)

var (
	ErrUnsupportedBackend = schema.ErrUnsupportedBackend
	ErrEmptyRequest       = errors.New("natural language request is empty")
	ErrGenerationFailed   = errors.New("failed to generate query")
)

type Request struct {
	Backend schema.BackendKind
	// Dialect names the relational engine in the instructions ("PostgreSQL",
	// "DuckDB", "SQLite"). Ignored for document backends.
	Dialect string
	Schema  schema.Descriptor
	Text    string
}

type Prompt struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// Text joins both halves into the single instruction text stored for audit.
func (p Prompt) Text() string {
	if p.System == "" {
		return p.User
	}
	return p.System + "\n\n" + p.User
}

type Result struct {
	Source       string
	Prompt       Prompt
	MatchedTable string
	Fallback     bool
}

func (r Result) Instruction() string {
	return r.Prompt.Text()
}

type Options struct {
	Logger         *slog.Logger
	RowLimit       int
	MatchCacheSize int
	MatchCacheTTL  time.Duration
	Clock          func() time.Time
}

type Compiler struct {
	completer completion.Completer
	logger    *slog.Logger
	rowLimit  int
	matches   *expirable.LRU[string, string]
	clock     func() time.Time
}

func New(completer completion.Completer, opts Options) *Compiler {
	c := &Compiler{
		completer: completer,
		logger:    opts.Logger,
		rowLimit:  opts.RowLimit,
		clock:     opts.Clock,
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.rowLimit <= 0 {
		c.rowLimit = DefaultRowLimit
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if opts.MatchCacheSize > 0 {
		c.matches = expirable.NewLRU[string, string](opts.MatchCacheSize, nil, opts.MatchCacheTTL)
	}
	return c
}

// Compile runs table matching (only when the schema has more than one table)
// followed by generation. Any phase-1 failure degrades to the full schema.
func (c *Compiler) Compile(ctx context.Context, req Request) (Result, error) {
	if !req.Backend.Valid() {
		observability.ObserveCompile(string(req.Backend), "unsupported")
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedBackend, req.Backend)
	}
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, ErrEmptyRequest
	}
	if c.completer == nil {
		return Result{}, fmt.Errorf("%w: completion provider is not configured", ErrGenerationFailed)
	}

	var result Result
	description := schema.Describe(req.Schema)
	if len(req.Schema.Tables) > 1 {
		if table, ok := c.matchTable(ctx, req.Schema, req.Text); ok {
			result.MatchedTable = table.Name
			description = schema.DescribeTable(table)
		} else {
			result.Fallback = true
		}
	}

	result.Prompt = generationPrompt(req.Backend, req.Dialect, c.rowLimit, description, req.Text)
	raw, err := c.completer.Complete(ctx, result.Prompt.System, result.Prompt.User)
	if err != nil {
		observability.ObserveCompile(string(req.Backend), "error")
		return result, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		observability.ObserveCompile(string(req.Backend), "error")
		return result, fmt.Errorf("%w: %w", ErrGenerationFailed, completion.ErrEmptyCompletion)
	}

	result.Source = c.canonicalize(ctx, req.Backend, raw)
	outcome := "ok"
	if result.Fallback {
		outcome = "fallback"
	}
	observability.ObserveCompile(string(req.Backend), outcome)
	c.logger.DebugContext(ctx, "query compiled",
		slog.String("backend", string(req.Backend)),
		slog.String("matched_table", result.MatchedTable),
		slog.Bool("fallback", result.Fallback),
	)
	return result, nil
}

// MatchTable exposes phase 1 on its own. The boolean is false when the
// provider fails or names a table the schema does not contain.
func (c *Compiler) MatchTable(ctx context.Context, d schema.Descriptor, text string) (schema.Table, bool) {
	return c.matchTable(ctx, d, text)
}

func (c *Compiler) matchTable(ctx context.Context, d schema.Descriptor, text string) (schema.Table, bool) {
	key := matchCacheKey(d, text)
	if c.matches != nil {
		if name, ok := c.matches.Get(key); ok {
			if table, found := d.Table(name); found {
				return table, true
			}
		}
	}

	prompt := matchPrompt(d, text)
	answer, err := c.completer.Complete(ctx, prompt.System, prompt.User)
	if err != nil {
		observability.IncTableMatchFallback("provider_error")
		c.logger.WarnContext(ctx, "table match failed, using full schema", slog.Any("error", err))
		return schema.Table{}, false
	}

	name := cleanTableName(answer)
	table, ok := lookupTable(d, name)
	if !ok {
		observability.IncTableMatchFallback("unknown_table")
		c.logger.WarnContext(ctx, "matched table not found in schema, using full schema", slog.String("matched", name))
		return schema.Table{}, false
	}
	if c.matches != nil {
		c.matches.Add(key, table.Name)
	}
	return table, true
}

// Title asks for a short label for the request and falls back to a
// timestamped one when the provider is unavailable.
func (c *Compiler) Title(ctx context.Context, text string) string {
	fallback := "Query " + c.clock().UTC().Format(time.RFC3339)
	if c.completer == nil {
		return fallback
	}
	answer, err := c.completer.Complete(ctx, titleSystem, strings.TrimSpace(text)+"\n\nTitle:")
	if err != nil {
		c.logger.WarnContext(ctx, "title generation failed", slog.Any("error", err))
		return fallback
	}
	title := strings.Trim(strings.TrimSpace(answer), "\"'`")
	if title == "" {
		return fallback
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		title = string([]rune(title)[:maxTitleLength])
	}
	return strings.TrimSpace(title)
}

func (c *Compiler) canonicalize(ctx context.Context, backend schema.BackendKind, raw string) string {
	switch backend {
	case schema.BackendDocument:
		d, err := directive.ParseDocument(raw)
		if err != nil {
			c.logger.WarnContext(ctx, "generated document query is not valid JSON, keeping raw text", slog.Any("error", err))
			return raw
		}
		return d.String()
	default:
		d, err := directive.ParseRelational(raw)
		if err != nil {
			return raw
		}
		return d.Statement
	}
}

func cleanTableName(answer string) string {
	name := strings.TrimSpace(answer)
	if line, _, ok := strings.Cut(name, "\n"); ok {
		name = strings.TrimSpace(line)
	}
	name = strings.Trim(name, "\"'`")
	name = strings.TrimSuffix(name, ".")
	return strings.TrimSpace(name)
}

func lookupTable(d schema.Descriptor, name string) (schema.Table, bool) {
	if name == "" {
		return schema.Table{}, false
	}
	if table, ok := d.Table(name); ok {
		return table, true
	}
	var found schema.Table
	matches := 0
	for _, table := range d.Tables {
		if strings.EqualFold(table.Name, name) {
			found = table
			matches++
		}
	}
	return found, matches == 1
}

func matchCacheKey(d schema.Descriptor, text string) string {
	return strings.Join(d.Names(), "\x00") + "\x01" + strings.TrimSpace(text)
}
