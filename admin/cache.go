package admin

import (
	"encoding/json"
	"net/http"
)

// invalidateRequest is the body for POST /cache/invalidate. Exactly one of
// key or all must be set.
type invalidateRequest struct {
	Key string `json:"key"`
	All bool   `json:"all"`
}

// handleCacheInvalidate drops cache entries by subscriber key or wholesale
func (h *AdminHandlers) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.All {
		dropped, err := h.engine.InvalidateAll()
		if err != nil {
			writeErrorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSONResponse(w, map[string]interface{}{"invalidated": dropped}, false, "")
		return
	}

	if req.Key == "" {
		writeErrorResponse(w, http.StatusBadRequest, "key or all is required")
		return
	}

	if err := h.engine.Invalidate(req.Key); err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{"invalidated": 1}, false, "")
}
