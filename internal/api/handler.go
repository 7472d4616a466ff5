package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querymesh/querymesh/internal/auth"
	"github.com/querymesh/querymesh/internal/catalog"
	"github.com/querymesh/querymesh/internal/compiler"
	"github.com/querymesh/querymesh/internal/config"
	"github.com/querymesh/querymesh/internal/export"
	"github.com/querymesh/querymesh/internal/observability"
	"github.com/querymesh/querymesh/internal/queries"
	"github.com/querymesh/querymesh/internal/query"
	"github.com/querymesh/querymesh/internal/sources"
)

// anonymousOwner owns everything created while authentication is off.
const anonymousOwner = "local"

type ReadinessCheck func(ctx context.Context) error

type SourceService interface {
	Create(ctx context.Context, in sources.CreateInput) (catalog.Source, error)
	List(ctx context.Context, ownerID string) ([]catalog.Source, error)
	Get(ctx context.Context, ownerID, sourceID string) (catalog.Source, error)
	Delete(ctx context.Context, ownerID, sourceID string) error
	Test(ctx context.Context, conn query.Connection) error
	Refresh(ctx context.Context, ownerID, sourceID string) (catalog.Source, error)
	Queries(ctx context.Context, ownerID, sourceID string, limit, offset int) (catalog.QueryPage, error)
}

type QueryService interface {
	Ask(ctx context.Context, in queries.AskInput) (catalog.Query, error)
	Rerun(ctx context.Context, ownerID, queryID string) (catalog.Query, error)
	Translate(ctx context.Context, ownerID, sourceID, text string) (compiler.Result, error)
	List(ctx context.Context, filter catalog.QueryFilter) (catalog.QueryPage, error)
	Get(ctx context.Context, ownerID, queryID string) (catalog.Query, error)
	Rename(ctx context.Context, ownerID, queryID, title string) (catalog.Query, error)
	Delete(ctx context.Context, ownerID, queryID string) error
}

type ExportService interface {
	Export(ctx context.Context, ownerID, queryID string) (export.Export, error)
	Link(ctx context.Context, ownerID, queryID string) (export.Export, error)
	Download(ctx context.Context, ownerID, queryID string) (io.ReadCloser, export.Export, error)
	Remove(ctx context.Context, q catalog.Query) error
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	RateLimiter       *RateLimiter
	DependencyTimeout time.Duration
	Sources           SourceService
	Queries           QueryService
	Exports           ExportService
}

type route struct {
	pattern string
	role    string
	handle  func(deps Dependencies, w http.ResponseWriter, r *http.Request)
}

var protectedRoutes = []route{
	{"GET /v1/sources", auth.RoleQueryReader, handleListSources},
	{"POST /v1/sources", auth.RoleSourceAdmin, handleCreateSource},
	{"POST /v1/sources/test", auth.RoleSourceAdmin, handleTestSource},
	{"GET /v1/sources/{source}", auth.RoleQueryReader, handleGetSource},
	{"DELETE /v1/sources/{source}", auth.RoleSourceAdmin, handleDeleteSource},
	{"POST /v1/sources/{source}/refresh", auth.RoleSourceAdmin, handleRefreshSource},
	{"GET /v1/sources/{source}/queries", auth.RoleQueryReader, handleListSourceQueries},

	{"POST /v1/queries", auth.RoleQueryWriter, handleAsk},
	{"GET /v1/queries", auth.RoleQueryReader, handleListQueries},
	{"GET /v1/queries/{query}", auth.RoleQueryReader, handleGetQuery},
	{"PATCH /v1/queries/{query}", auth.RoleQueryWriter, handleRenameQuery},
	{"DELETE /v1/queries/{query}", auth.RoleQueryWriter, handleDeleteQuery},
	{"POST /v1/queries/{query}/rerun", auth.RoleQueryWriter, handleRerunQuery},
	{"POST /v1/queries/{query}/export", auth.RoleQueryReader, handleExportQuery},
	{"GET /v1/queries/{query}/export", auth.RoleQueryReader, handleGetExport},
	{"GET /v1/queries/{query}/export/file", auth.RoleQueryReader, handleDownloadExport},

	{"POST /v1/translate", auth.RoleQueryReader, handleTranslate},
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	for _, rt := range protectedRoutes {
		protected.HandleFunc(rt.pattern, func(w http.ResponseWriter, r *http.Request) {
			observability.Annotate(r.Context(), observability.Scope{
				Route:    rt.pattern,
				OwnerID:  ownerFromRequest(r),
				SourceID: r.PathValue("source"),
				QueryID:  r.PathValue("query"),
			})
			if err := requireRole(r, rt.role); err != nil {
				writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
				return
			}
			rt.handle(deps, w, r)
		})
	}

	var protectedHandler http.Handler = protected
	if deps.RateLimiter != nil {
		protectedHandler = deps.RateLimiter.Middleware(protectedHandler)
	}
	if cfg.Auth.Required {
		if deps.AuthMiddleware == nil {
			if deps.Logger != nil {
				deps.Logger.Error("auth required but auth middleware missing")
			}
			protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
			})
		} else {
			protectedHandler = deps.AuthMiddleware(protectedHandler)
		}
	}
	for _, rt := range protectedRoutes {
		mux.Handle(rt.pattern, protectedHandler)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func CheckCatalog(repo interface{ HealthCheck(context.Context) error }) ReadinessCheck {
	return func(ctx context.Context) error {
		if repo == nil {
			return errors.New("catalog is not configured")
		}
		return repo.HealthCheck(ctx)
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// ownerFromRequest prefers the authenticated identity. Without one the
// X-Owner-ID header selects the owner, defaulting to a single local owner.
func ownerFromRequest(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.OwnerID) != "" {
			return identity.OwnerID
		}
	}
	if owner := strings.TrimSpace(r.Header.Get("X-Owner-ID")); owner != "" {
		return owner
	}
	return anonymousOwner
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || role == "" {
		return nil
	}
	if identity.HasRole(role) {
		return nil
	}
	return fmt.Errorf("missing required role %q", role)
}

// writeServiceError maps service sentinels onto status codes and stable
// error codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, extra map[string]any) {
	ctx := r.Context()
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, "NOT_FOUND", "resource not found", false, extra)
	case errors.Is(err, sources.ErrInvalidSource):
		writeError(ctx, w, http.StatusBadRequest, "INVALID_SOURCE", err.Error(), false, extra)
	case errors.Is(err, query.ErrUnsupportedBackend):
		writeError(ctx, w, http.StatusBadRequest, "UNSUPPORTED_BACKEND", err.Error(), false, extra)
	case errors.Is(err, compiler.ErrEmptyRequest):
		writeError(ctx, w, http.StatusBadRequest, "QUESTION_REQUIRED", err.Error(), false, extra)
	case errors.Is(err, queries.ErrInvalidTitle):
		writeError(ctx, w, http.StatusBadRequest, "TITLE_REQUIRED", err.Error(), false, extra)
	case errors.Is(err, query.ErrInvalidTransition):
		writeError(ctx, w, http.StatusConflict, "QUERY_IN_PROGRESS", err.Error(), true, extra)
	case errors.Is(err, query.ErrConnectionFailed):
		writeError(ctx, w, http.StatusBadGateway, "CONNECTION_FAILED", err.Error(), true, extra)
	case errors.Is(err, compiler.ErrGenerationFailed):
		writeError(ctx, w, http.StatusBadGateway, "GENERATION_FAILED", err.Error(), true, extra)
	case errors.Is(err, query.ErrExecutionFailed):
		writeError(ctx, w, http.StatusUnprocessableEntity, "EXECUTION_FAILED", query.Message(err), false, extra)
	case errors.Is(err, export.ErrDisabled):
		writeError(ctx, w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", err.Error(), false, extra)
	case errors.Is(err, export.ErrNoResult):
		writeError(ctx, w, http.StatusConflict, "NO_RESULT", err.Error(), false, extra)
	case errors.Is(err, export.ErrNotExported):
		writeError(ctx, w, http.StatusNotFound, "NOT_EXPORTED", err.Error(), false, extra)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusGatewayTimeout, "TIMEOUT", err.Error(), true, extra)
	default:
		if logger != nil {
			logger.ErrorContext(ctx, "request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "internal error", true, extra)
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
