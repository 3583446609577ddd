package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleSubscriberRefresh re-reads one subscriber from the authoritative
// store, drops its cache entries, and emits a refresh notification.
func (h *AdminHandlers) handleSubscriberRefresh(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if key == "" {
		writeErrorResponse(w, http.StatusBadRequest, "subscriber key is required")
		return
	}

	result, err := h.engine.ForceRefresh(r.Context(), key)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, result, false, "")
}

// handleIndexStatus returns index connectivity and rebuild state
func (h *AdminHandlers) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.index.Status(), false, "")
}

// handleIndexRebuild rebuilds the index from an authoritative full scan
func (h *AdminHandlers) handleIndexRebuild(w http.ResponseWriter, r *http.Request) {
	entries, err := h.index.RebuildAll(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{"entries": entries}, false, "")
}
