package admin

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/subwatch/subwatch/notifier"
)

func (h *AdminHandlers) letters() *notifier.DeadLetterLog {
	if h.dispatcher == nil {
		return nil
	}
	return h.dispatcher.Letters()
}

// handleDeadLetters lists stored dead letters in append order
func (h *AdminHandlers) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters := h.letters()
	if letters == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "dead letter log not configured")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := letters.Scan(limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, entries, len(entries) == limit, "")
}

// handleDeadLettersReplay re-delivers a batch of dead letters
func (h *AdminHandlers) handleDeadLettersReplay(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "dead letter log not configured")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	replayed, err := h.dispatcher.ReplayDeadLetters(r.Context(), limit)
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{"replayed": replayed}, false, "")
}

// handleDeadLetterReplay re-delivers one dead letter by sequence
func (h *AdminHandlers) handleDeadLetterReplay(w http.ResponseWriter, r *http.Request) {
	if h.dispatcher == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "dead letter log not configured")
		return
	}

	seq, err := parseSeq(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.dispatcher.ReplayDeadLetter(r.Context(), seq); err != nil {
		if errors.Is(err, notifier.ErrLetterNotFound) {
			writeErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{"replayed": seq}, false, "")
}

// handleDeadLetterDelete discards one dead letter by sequence
func (h *AdminHandlers) handleDeadLetterDelete(w http.ResponseWriter, r *http.Request) {
	letters := h.letters()
	if letters == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "dead letter log not configured")
		return
	}

	seq, err := parseSeq(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := letters.Delete(seq); err != nil {
		if errors.Is(err, notifier.ErrLetterNotFound) {
			writeErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSONResponse(w, map[string]interface{}{"deleted": seq}, false, "")
}
