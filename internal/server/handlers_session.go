package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/switchboard-ai/switchboard/internal/metrics"
	"github.com/switchboard-ai/switchboard/internal/session"
	"github.com/switchboard-ai/switchboard/pkg/types"
)

// CreateSessionRequest represents the request body for creating a session.
// The creator is identified by the X-Client-ID header, not the body.
type CreateSessionRequest struct {
	Name string `json:"name,omitempty"`
	// Resume names a prior backend conversation to continue.
	Resume string `json:"resume,omitempty"`
}

// RenameSessionRequest represents the request body for renaming a session.
type RenameSessionRequest struct {
	Name string `json:"name"`
}

// SendInputRequest represents the request body for submitting input.
type SendInputRequest struct {
	Text string `json:"text"`
}

// RespondPermissionRequest represents the request body for resolving a
// permission request.
type RespondPermissionRequest struct {
	Approved bool `json:"approved"`
}

// TransferOwnershipRequest represents the request body for transferring
// session ownership. An empty clientID transfers to the caller.
type TransferOwnershipRequest struct {
	ClientID string `json:"clientID,omitempty"`
}

// decodeBody decodes a JSON request body into dst. A missing body leaves
// dst zero-valued.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// listSessions handles GET /session
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	if sessions == nil {
		sessions = []types.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// createSession handles POST /session
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	info, err := s.manager.Create(r.Context(), session.CreateOptions{
		Name:   req.Name,
		Owner:  clientID(r),
		Resume: req.Resume,
	})
	if err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// getSession handles GET /session/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// renameSession handles PATCH /session/{sessionID}
func (s *Server) renameSession(w http.ResponseWriter, r *http.Request) {
	var req RenameSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	info, err := s.manager.Rename(r.Context(), chi.URLParam(r, "sessionID"), req.Name)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// deleteSession handles DELETE /session/{sessionID}
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	err := s.manager.Close(r.Context(), sessionID)
	if errors.Is(err, session.ErrShutdownTimeout) {
		// The session is gone either way; a slow backend is not the
		// caller's problem.
		s.logger.Warn().Str("sessionID", sessionID).Msg("backend shutdown timed out")
		err = nil
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// sendInput handles POST /session/{sessionID}/input
func (s *Server) sendInput(w http.ResponseWriter, r *http.Request) {
	var req SendInputRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text is required")
		return
	}

	if err := s.manager.Send(r.Context(), chi.URLParam(r, "sessionID"), req.Text, clientID(r)); err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// respondPermission handles POST /session/{sessionID}/permissions/{requestID}
func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	var req RespondPermissionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	requestID := chi.URLParam(r, "requestID")

	if err := s.manager.RespondPermission(r.Context(), sessionID, requestID, req.Approved); err != nil {
		writeSessionError(w, err)
		return
	}

	metrics.IncPermissionDecision(req.Approved, "api")
	writeSuccess(w)
}

// sessionHistory handles GET /session/{sessionID}/history. It reads the
// archive, not the manager, so closed sessions keep their history.
func (s *Server) sessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "history archive is not enabled")
		return
	}

	events, err := s.history.SessionHistory(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// subscribeClient handles POST /session/{sessionID}/subscribers
func (s *Server) subscribeClient(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.SubscribeClient(r.Context(), chi.URLParam(r, "sessionID"), clientID(r))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// unsubscribeClient handles DELETE /session/{sessionID}/subscribers
func (s *Server) unsubscribeClient(w http.ResponseWriter, r *http.Request) {
	info, err := s.manager.UnsubscribeClient(r.Context(), chi.URLParam(r, "sessionID"), clientID(r))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// transferOwnership handles POST /session/{sessionID}/owner
func (s *Server) transferOwnership(w http.ResponseWriter, r *http.Request) {
	var req TransferOwnershipRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	to := req.ClientID
	if to == "" {
		to = clientID(r)
	}

	info, err := s.manager.TransferOwnership(r.Context(), chi.URLParam(r, "sessionID"), to)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
