package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/subwatch/subwatch/scheduler"
)

// handleHealth serves the liveness contract for load balancers and probes.
// It is registered outside the authenticated /admin subtree.
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.scheduler.Health(r.Context())

	status := http.StatusOK
	if health.Status != scheduler.HealthUp {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Error().Err(err).Msg("Failed to encode health response")
	}
}

// handleSyncStats returns scheduler cycle counters
func (h *AdminHandlers) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.scheduler.Statistics(), false, "")
}

// handleSyncStatus returns backlog counters from the change log
func (h *AdminHandlers) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, status, false, "")
}

// handleSyncTrigger starts a reconciliation pass unless one is running
func (h *AdminHandlers) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.TriggerManualSync(r.Context())
	if errors.Is(err, scheduler.ErrAlreadyRunning) {
		writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, result, false, "")
}
