package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/querymesh/querymesh/internal/catalog"
	"github.com/querymesh/querymesh/internal/export"
	"github.com/querymesh/querymesh/internal/queries"
)

type translateResponse struct {
	SourceID     string `json:"source_id"`
	Directive    string `json:"directive"`
	Instruction  string `json:"instruction"`
	MatchedTable string `json:"matched_table,omitempty"`
	Fallback     bool   `json:"fallback"`
}

func queriesConfigured(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Queries == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "QUERIES_NOT_CONFIGURED", "query service is not configured", false, nil)
		return false
	}
	return true
}

// handleAsk answers with the stored record. A failed run still returns the
// failed record alongside the error code so clients can show and rerun it.
func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !queriesConfigured(deps, w, r) {
		return
	}
	var request askRequest
	if !decodeBody(w, r, &request) {
		return
	}
	q, err := deps.Queries.Ask(r.Context(), queries.AskInput{
		OwnerID:  ownerFromRequest(r),
		SourceID: request.SourceID,
		Text:     request.Question,
		Title:    request.Title,
	})
	if err != nil {
		writeServiceError(w, r, deps.Logger, err, queryContext(q))
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func handleListQueries(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !queriesConfigured(deps, w, r) {
		return
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_PAGE", err.Error(), false, nil)
		return
	}
	page, err := deps.Queries.List(r.Context(), catalog.QueryFilter{
		OwnerID:  ownerFromRequest(r),
		SourceID: strings.TrimSpace(r.URL.Query().Get("source_id")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeServiceError(w, r, deps.Logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, normalizePage(page))
}

func handleGetQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !queriesConfigured(deps, w, r) {
		return
	}
	queryID := r.PathValue("query")
	q, err := deps.Queries.Get(r.Context(), ownerFromRequest(r), queryID)
	if err != nil {
		writeServiceError(w, r, deps.Logger, err, map[string]any{"query_id": queryID})
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func handleRenameQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !queriesConfigured(deps, w, r) {
		return
	}
	var request renameRequest
	if !decodeBody(w, r, &request) {
		return
	}
	queryID := r.PathValue("query")
	q, err := deps.Queries.Rename(r.Context(), ownerFromRequest(r), queryID, request.Title)
	if err != nil {
		writeServiceError(w, r, deps.Logger, err, map[string]any{"query_id": queryID})
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func handleDeleteQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !queriesConfigured(deps, w, r) {
		return
	}
	owner := ownerFromRequest(r)
	queryID := r.PathValue("query")
	q, err := deps.Queries.Get(r.Context(), owner, queryID)
	if err == nil {
		err = deps.Queries.Delete(r.Context(), owner, queryID)
	}
	if err != nil {
		writeServiceError(w, r, deps.Logger, err, map[string]any{"query_id": queryID})
		return
	}
	if deps.Exports != nil {
		if err := deps.Exports.Remove(r.Context(), q); err != nil && deps.Logger != nil {
			deps.Logger.WarnContext(r.Context(), "remove query export failed", slog.String("query_id", queryID), slog.Any("error", err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleRerunQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !queriesConfigured(deps, w, r) {
		return
	}
	queryID := r.PathValue("query")
	q, err := deps.Queries.Rerun(r.Context(), ownerFromRequest(r), queryID)
	if err != nil {
		extra := queryContext(q)
		if extra == nil {
			extra = map[string]any{"query_id": queryID}
		}
		writeServiceError(w, r, deps.Logger, err, extra)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func handleTranslate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !queriesConfigured(deps, w, r) {
		return
	}
	var request translateRequest
	if !decodeBody(w, r, &request) {
		return
	}
	result, err := deps.Queries.Translate(r.Context(), ownerFromRequest(r), request.SourceID, request.Question)
	if err != nil {
		writeServiceError(w, r, deps.Logger, err, map[string]any{"source_id": request.SourceID})
		return
	}
	writeJSON(w, http.StatusOK, translateResponse{
		SourceID:     request.SourceID,
		Directive:    result.Source,
		Instruction:  result.Instruction(),
		MatchedTable: result.MatchedTable,
		Fallback:     result.Fallback,
	})
}

func handleExportQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Exports == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "result export is not configured", false, nil)
		return
	}
	queryID := r.PathValue("query")
	out, err := deps.Exports.Export(r.Context(), ownerFromRequest(r), queryID)
	if err != nil {
		writeServiceError(w, r, deps.Logger, err, map[string]any{"query_id": queryID})
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func handleGetExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Exports == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "result export is not configured", false, nil)
		return
	}
	queryID := r.PathValue("query")
	out, err := deps.Exports.Link(r.Context(), ownerFromRequest(r), queryID)
	if err != nil {
		writeServiceError(w, r, deps.Logger, err, map[string]any{"query_id": queryID})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func handleDownloadExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Exports == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "result export is not configured", false, nil)
		return
	}
	queryID := r.PathValue("query")
	body, out, err := deps.Exports.Download(r.Context(), ownerFromRequest(r), queryID)
	if err != nil {
		writeServiceError(w, r, deps.Logger, err, map[string]any{"query_id": queryID})
		return
	}
	defer func() { _ = body.Close() }()

	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(out.Key)))
	if out.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(out.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil && deps.Logger != nil {
		deps.Logger.WarnContext(r.Context(), "stream export failed", slog.String("query_id", queryID), slog.Any("error", err))
	}
}

// queryContext exposes a stored failed record in the error body.
func queryContext(q catalog.Query) map[string]any {
	if q.QueryID == "" {
		return nil
	}
	return map[string]any{"query": q}
}
