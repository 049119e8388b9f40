package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/switchboard-ai/switchboard/internal/bus"
	"github.com/switchboard-ai/switchboard/internal/event"
)

// replayEvents handles GET /event/replay?from=seq. It returns every logged
// event with a sequence strictly above from, in order; without from the
// whole log comes back. This is the authoritative catch-up path for clients
// whose live stream dropped events.
func (s *Server) replayEvents(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "from must be a sequence number")
			return
		}
		after = v
	}

	events, err := s.bus.EventsFrom(r.Context(), after)
	if err != nil {
		if errors.Is(err, bus.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if events == nil {
		events = []event.Envelope{}
	}
	writeJSON(w, http.StatusOK, events)
}

// health handles GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.manager.Count(),
		"seq":      s.bus.CurrentSeq(),
	})
}
