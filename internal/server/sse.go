package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/switchboard-ai/switchboard/internal/metrics"
)

const (
	// sseHeartbeatInterval is the interval for SSE heartbeats.
	sseHeartbeatInterval = 30 * time.Second

	// sseWriteTimeout bounds one write, so a wedged client fails the
	// stream instead of parking the handler.
	sseWriteTimeout = 10 * time.Second
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

// newSSEWriter creates a new SSE writer.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

// writeEvent writes one SSE event and flushes it.
func (s *sseWriter) writeEvent(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	// Deadline errors are ignored; recorders and some wrappers do not
	// support deadlines, and the write itself still reports failure.
	_ = s.rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}

	// ResponseController flushes through middleware wrappers; fall back to
	// the plain Flusher where it cannot.
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

// writeHeartbeat writes an SSE heartbeat comment.
func (s *sseWriter) writeHeartbeat() error {
	_ = s.rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	if _, err := fmt.Fprintf(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

// sseConnected is the stream preamble. Seq is the bus position at connect
// time; a client that needs earlier events replays them through
// /event/replay and uses this value to know where live coverage begins.
type sseConnected struct {
	Seq uint64 `json:"seq"`
}

// streamEvents handles GET /event: the live bus as an SSE stream, opened
// with a "connected" preamble and kept alive with heartbeats. ?sessionID=
// narrows the stream to one session. The stream is live-only; a subscriber
// that falls behind the bus buffer loses events from the stream, never
// from the log.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionID")

	events, err := s.bus.Subscribe(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	// Flush headers before the first event so clients see the stream open.
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	metrics.IncStreamClient("sse")
	defer metrics.DecStreamClient("sse")

	logger := s.logger.With().
		Str("requestID", middleware.GetReqID(r.Context())).
		Str("sessionID", sessionID).
		Logger()
	logger.Debug().Msg("sse client connected")
	defer logger.Debug().Msg("sse client disconnected")

	if err := sse.writeEvent("connected", sseConnected{Seq: s.bus.CurrentSeq()}); err != nil {
		return
	}

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, ok := <-events:
			if !ok {
				// Bus closed; the server is going away.
				return
			}
			if sessionID != "" && env.SessionID != sessionID {
				continue
			}
			if err := sse.writeEvent("message", env); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}
