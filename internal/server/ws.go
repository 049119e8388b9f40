package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/switchboard-ai/switchboard/internal/event"
	"github.com/switchboard-ai/switchboard/internal/metrics"
)

const (
	// wsWriteTimeout bounds one frame write, so a wedged client tears the
	// connection down instead of parking the handler.
	wsWriteTimeout = 10 * time.Second

	// wsReadLimit caps incoming frame size. Input text is the only large
	// client payload.
	wsReadLimit = 1 << 20
)

// Frame types. subscribe, unsubscribe and input come from the client;
// ack, event and error go back.
const (
	wsFrameSubscribe   = "subscribe"
	wsFrameUnsubscribe = "unsubscribe"
	wsFrameInput       = "input"
	wsFrameAck         = "ack"
	wsFrameEvent       = "event"
	wsFrameError       = "error"
)

// wsFrame is the single message shape spoken in both directions. Unused
// fields stay absent from the wire.
type wsFrame struct {
	Type       string           `json:"type"`
	SessionIDs []string         `json:"session_ids,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	CatchUp    bool             `json:"catch_up,omitempty"`
	Text       string           `json:"text,omitempty"`
	History    []event.Envelope `json:"history,omitempty"`
	Event      *event.Envelope  `json:"event,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// serveWS handles GET /ws. One goroutine reads client frames and hands
// them to the main loop, which owns all connection state and every write,
// so subscription changes and event delivery never race.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := s.bus.Subscribe(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
		return
	}

	conn, err := websocket.Accept(w, r, s.wsAcceptOptions())
	if err != nil {
		// Accept already wrote the handshake failure.
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	metrics.IncStreamClient("ws")
	defer metrics.DecStreamClient("ws")

	client := clientID(r)
	logger := s.logger.With().
		Str("requestID", middleware.GetReqID(r.Context())).
		Str("clientID", client).
		Logger()
	logger.Debug().Msg("websocket connected")
	defer logger.Debug().Msg("websocket disconnected")

	frames := make(chan wsFrame, 8)
	go func() {
		defer cancel()
		for {
			var f wsFrame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	// floors maps each subscribed session to the last sequence already
	// handed to this client, through the ack or the subscribe cut-off.
	// Live events at or below the floor were covered there; only higher
	// sequences flow, so the hand-off has no duplicate and no gap.
	// Sessions absent from the map are not subscribed and deliver nothing.
	floors := make(map[string]uint64)

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			floor, subscribed := floors[env.SessionID]
			if !subscribed || env.Seq <= floor {
				continue
			}
			if err := s.wsWrite(ctx, conn, wsFrame{Type: wsFrameEvent, Event: &env}); err != nil {
				return
			}
		case f := <-frames:
			if err := s.handleWSFrame(ctx, conn, client, floors, f); err != nil {
				return
			}
		}
	}
}

// handleWSFrame applies one client frame. A non-nil return means the
// connection is dead; protocol-level problems go back as error frames.
func (s *Server) handleWSFrame(ctx context.Context, conn *websocket.Conn, client string, floors map[string]uint64, f wsFrame) error {
	switch f.Type {
	case wsFrameSubscribe:
		return s.wsSubscribe(ctx, conn, floors, f)

	case wsFrameUnsubscribe:
		for _, id := range f.SessionIDs {
			delete(floors, id)
		}
		return nil

	case wsFrameInput:
		if f.SessionID == "" || f.Text == "" {
			return s.wsWrite(ctx, conn, wsFrame{Type: wsFrameError, Message: "input needs session_id and text"})
		}
		if err := s.manager.Send(ctx, f.SessionID, f.Text, client); err != nil {
			return s.wsWrite(ctx, conn, wsFrame{Type: wsFrameError, SessionID: f.SessionID, Message: err.Error()})
		}
		return nil

	default:
		return s.wsWrite(ctx, conn, wsFrame{Type: wsFrameError, Message: fmt.Sprintf("unknown frame type %q", f.Type)})
	}
}

// wsSubscribe registers the frame's sessions. With catch_up it answers one
// ack carrying their full history in publish order and floors each session
// at its last replayed sequence; without, it floors them at the current
// bus position, so only events published strictly after the subscribe
// arrive and no ack is sent.
func (s *Server) wsSubscribe(ctx context.Context, conn *websocket.Conn, floors map[string]uint64, f wsFrame) error {
	if !f.CatchUp {
		floor := s.bus.CurrentSeq()
		for _, id := range f.SessionIDs {
			floors[id] = floor
		}
		return nil
	}

	history := make([]event.Envelope, 0)
	for _, id := range f.SessionIDs {
		past, err := s.bus.SessionEvents(ctx, id)
		if err != nil {
			return s.wsWrite(ctx, conn, wsFrame{Type: wsFrameError, SessionID: id, Message: err.Error()})
		}
		var floor uint64
		if len(past) > 0 {
			floor = past[len(past)-1].Seq
		}
		floors[id] = floor
		history = append(history, past...)
	}
	// Merge per-session histories back into publish order.
	sort.Slice(history, func(i, j int) bool { return history[i].Seq < history[j].Seq })

	return s.wsWrite(ctx, conn, wsFrame{Type: wsFrameAck, SessionIDs: f.SessionIDs, History: history})
}

// wsWrite sends one frame under the write timeout.
func (s *Server) wsWrite(ctx context.Context, conn *websocket.Conn, f wsFrame) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, f)
}

// wsAcceptOptions maps the CORS origin list onto websocket origin
// patterns. Origin patterns match hosts, so configured scheme prefixes
// are dropped.
func (s *Server) wsAcceptOptions() *websocket.AcceptOptions {
	for _, origin := range s.config.CORSOrigins {
		if origin == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
	}

	patterns := make([]string, 0, len(s.config.CORSOrigins))
	for _, origin := range s.config.CORSOrigins {
		origin = strings.TrimPrefix(origin, "https://")
		origin = strings.TrimPrefix(origin, "http://")
		patterns = append(patterns, origin)
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}
