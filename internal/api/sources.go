package api

import (
	"net/http"

	"github.com/querymesh/querymesh/internal/catalog"
	"github.com/querymesh/querymesh/internal/query"
	"github.com/querymesh/querymesh/internal/sources"
)

func (c connectionRequest) connection() query.Connection {
	sourceType, _ := query.ParseSourceType(c.Type)
	return query.Connection{
		Type:     sourceType,
		URI:      c.URI,
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Database: c.Database,
		SSL:      c.SSL,
		Path:     c.Path,
	}
}

func sourcesConfigured(deps Dependencies, w http.ResponseWriter, r *http.Request) bool {
	if deps.Sources == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "SOURCES_NOT_CONFIGURED", "data source service is not configured", false, nil)
		return false
	}
	return true
}

func handleListSources(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !sourcesConfigured(deps, w, r) {
		return
	}
	list, err := deps.Sources.List(r.Context(), ownerFromRequest(r))
	if err != nil {
		writeServiceError(w, r, deps.Logger, err, nil)
		return
	}
	if list == nil {
		list = []catalog.Source{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": list})
}

func handleCreateSource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !sourcesConfigured(deps, w, r) {
		return
	}
	var request createSourceRequest
	if !decodeBody(w, r, &request) {
		return
	}
	source, err := deps.Sources.Create(r.Context(), sources.CreateInput{
		OwnerID:    ownerFromRequest(r),
		Name:       request.Name,
		Connection: request.Connection.connection(),
	})
	if err != nil {
		writeServiceError(w, r, deps.Logger, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, source)
}

func handleTestSource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !sourcesConfigured(deps, w, r) {
		return
	}
	var request connectionRequest
	if !decodeBody(w, r, &request) {
		return
	}
	if err := deps.Sources.Test(r.Context(), request.connection()); err != nil {
		writeServiceError(w, r, deps.Logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func handleGetSource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !sourcesConfigured(deps, w, r) {
		return
	}
	sourceID := r.PathValue("source")
	source, err := deps.Sources.Get(r.Context(), ownerFromRequest(r), sourceID)
	if err != nil {
		writeServiceError(w, r, deps.Logger, err, map[string]any{"source_id": sourceID})
		return
	}
	writeJSON(w, http.StatusOK, source)
}

func handleDeleteSource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !sourcesConfigured(deps, w, r) {
		return
	}
	sourceID := r.PathValue("source")
	if err := deps.Sources.Delete(r.Context(), ownerFromRequest(r), sourceID); err != nil {
		writeServiceError(w, r, deps.Logger, err, map[string]any{"source_id": sourceID})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleRefreshSource(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !sourcesConfigured(deps, w, r) {
		return
	}
	sourceID := r.PathValue("source")
	source, err := deps.Sources.Refresh(r.Context(), ownerFromRequest(r), sourceID)
	if err != nil {
		writeServiceError(w, r, deps.Logger, err, map[string]any{"source_id": sourceID})
		return
	}
	writeJSON(w, http.StatusOK, source)
}

func handleListSourceQueries(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if !sourcesConfigured(deps, w, r) {
		return
	}
	limit, offset, err := pageParams(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_PAGE", err.Error(), false, nil)
		return
	}
	sourceID := r.PathValue("source")
	page, err := deps.Sources.Queries(r.Context(), ownerFromRequest(r), sourceID, limit, offset)
	if err != nil {
		writeServiceError(w, r, deps.Logger, err, map[string]any{"source_id": sourceID})
		return
	}
	writeJSON(w, http.StatusOK, normalizePage(page))
}

func normalizePage(page catalog.QueryPage) catalog.QueryPage {
	if page.Queries == nil {
		page.Queries = []catalog.Query{}
	}
	return page
}
