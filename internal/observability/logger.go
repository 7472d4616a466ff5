package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/querymesh/querymesh/internal/config"
)

type ctxKey string

const scopeKey ctxKey = "request_scope"

// NewLogger builds the service logger. Records logged with a request context
// carry that request's trace and owner ids.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	opts := &slog.HandlerOptions{
		Level:     cfg.Observability.LogLevel,
		AddSource: cfg.Profile == config.ProfileDev,
	}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(scopeHandler{handler}).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

// Scope holds what the handlers of one request learn about it, such as the
// matched route and the owner. One request owns its scope: fields are written
// on the request goroutine and read by the outer middleware once it returns.
type Scope struct {
	TraceID  string
	Route    string
	OwnerID  string
	SourceID string
	QueryID  string
}

func ContextWithScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

func ScopeFromContext(ctx context.Context) *Scope {
	scope, _ := ctx.Value(scopeKey).(*Scope)
	return scope
}

// ContextWithTraceID opens a scope for traceID, or updates the existing one.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if scope := ScopeFromContext(ctx); scope != nil {
		scope.TraceID = traceID
		return ctx
	}
	return ContextWithScope(ctx, &Scope{TraceID: traceID})
}

func TraceIDFromContext(ctx context.Context) string {
	if scope := ScopeFromContext(ctx); scope != nil {
		return scope.TraceID
	}
	return ""
}

// Annotate copies the non-empty fields of update into the request scope. It
// is a no-op outside a request.
func Annotate(ctx context.Context, update Scope) {
	scope := ScopeFromContext(ctx)
	if scope == nil {
		return
	}
	if update.Route != "" {
		scope.Route = update.Route
	}
	if update.OwnerID != "" {
		scope.OwnerID = update.OwnerID
	}
	if update.SourceID != "" {
		scope.SourceID = update.SourceID
	}
	if update.QueryID != "" {
		scope.QueryID = update.QueryID
	}
}

type scopeHandler struct {
	slog.Handler
}

func (h scopeHandler) Handle(ctx context.Context, record slog.Record) error {
	if scope := ScopeFromContext(ctx); scope != nil {
		if scope.TraceID != "" {
			record.AddAttrs(slog.String("trace_id", scope.TraceID))
		}
		if scope.OwnerID != "" {
			record.AddAttrs(slog.String("owner_id", scope.OwnerID))
		}
	}
	return h.Handler.Handle(ctx, record)
}

func (h scopeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return scopeHandler{h.Handler.WithAttrs(attrs)}
}

func (h scopeHandler) WithGroup(name string) slog.Handler {
	return scopeHandler{h.Handler.WithGroup(name)}
}
