package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/subwatch/subwatch/engine"
	"github.com/subwatch/subwatch/index"
	"github.com/subwatch/subwatch/notifier"
	"github.com/subwatch/subwatch/scheduler"
)

// AdminHandlers handles admin API endpoints for reconciliation operations
type AdminHandlers struct {
	scheduler  *scheduler.Scheduler
	engine     *engine.Engine
	index      *index.Index
	dispatcher *notifier.Dispatcher
}

// NewAdminHandlers creates a new AdminHandlers instance. dispatcher may be
// nil when no notification sinks are configured.
func NewAdminHandlers(sched *scheduler.Scheduler, eng *engine.Engine, idx *index.Index, dispatcher *notifier.Dispatcher) *AdminHandlers {
	return &AdminHandlers{
		scheduler:  sched,
		engine:     eng,
		index:      idx,
		dispatcher: dispatcher,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool, lastKey string) {
	response := map[string]interface{}{
		"data": data,
	}

	if hasMore || lastKey != "" {
		response["has_more"] = hasMore
		if lastKey != "" {
			response["last_key"] = lastKey
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	response := map[string]interface{}{
		"error": message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseLimit parses limit parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 100, nil // default
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}

	if limit > 1000 {
		return 0, fmt.Errorf("limit cannot exceed 1000")
	}

	return limit, nil
}

// parseSeq parses a dead letter sequence from a URL parameter
func parseSeq(seqStr string) (uint64, error) {
	if seqStr == "" {
		return 0, fmt.Errorf("dead letter id is required")
	}

	seq, err := strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid dead letter id: %w", err)
	}

	return seq, nil
}
