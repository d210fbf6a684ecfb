package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agentmesh/worldgate/internal/event"
	"github.com/agentmesh/worldgate/internal/session"
	"github.com/agentmesh/worldgate/pkg/types"
)

// ActionResponse wraps a synchronous command acknowledgment.
type ActionResponse struct {
	OK     bool             `json:"ok"`
	Result types.AgentEvent `json:"result"`
}

// spawnAgent handles POST /api/agents.
func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var req types.SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCodedError(w, types.ErrCodeInvalidParams, "invalid JSON body")
		return
	}

	sess, warning, err := s.registry.Create(r.Context(), req, types.TransportHTTP)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, types.SpawnResponse{
		ID:          sess.PublicID,
		Token:       sess.Token,
		Handle:      "/s/" + sess.Token,
		Name:        sess.BaseName,
		DisplayName: sess.DisplayName,
		Avatar:      sess.AvatarURL,
		Warning:     warning,
	})
}

// listAgents handles GET /api/agents. Deliberately unauthenticated:
// "who" works without a session.
func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.WhoPayload{Agents: s.registry.List()})
}

// sessionFromRequest authenticates a request via the token URL param,
// falling back to a bearer token.
func (s *Server) sessionFromRequest(r *http.Request) (*session.Session, error) {
	token := chi.URLParam(r, "token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		return nil, types.Errf(types.ErrCodeUnauthorized, "missing session token")
	}
	sess, ok := s.registry.Get(token)
	if !ok {
		return nil, types.Errf(types.ErrCodeNotConnected, "no session for this token")
	}
	return sess, nil
}

// postAction handles POST /api/agents/{token}/action.
func (s *Server) postAction(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeCodedError(w, types.ErrCodeInvalidParams, "unreadable request body")
		return
	}

	cmd, err := s.interp.ParseAction(body)
	if err != nil {
		writeError(w, err)
		return
	}

	ack, err := s.registry.Dispatch(r.Context(), sess, cmd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{OK: true, Result: ack})
}

// pollEvents handles GET /api/agents/{token}/events. The since query
// parameter is the cutoff from the previous poll; omitting it drains
// the whole buffer.
func (s *Server) pollEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	cutoff, err := event.ParseCutoff(r.URL.Query().Get("since"))
	if err != nil {
		writeCodedError(w, types.ErrCodeInvalidParams, "since must be a timestamp or RFC3339 date")
		return
	}

	if !sess.Terminated() {
		sess.Touch()
	}

	events := sess.Drain(cutoff)
	if events == nil {
		events = []types.AgentEvent{}
	}
	writeJSON(w, http.StatusOK, types.PollResponse{
		Events:      events,
		AgentStatus: sess.Status(),
	})
}

// despawnAgent handles DELETE /api/agents/{token}. Idempotent: a
// second despawn is a no-op, not an error.
func (s *Server) despawnAgent(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		writeCodedError(w, types.ErrCodeUnauthorized, "missing session token")
		return
	}
	s.registry.Remove(token)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
