package server

import (
	"io"
	"net/http"

	"github.com/agentmesh/worldgate/internal/command"
	"github.com/agentmesh/worldgate/internal/event"
	"github.com/agentmesh/worldgate/pkg/types"
)

// PlaintextResponse is the body of every plaintext adapter reply.
// Commands counts the command lines executed. Results is present
// whenever at least one command line was submitted, one entry per
// line in input order.
type PlaintextResponse struct {
	OK       bool               `json:"ok"`
	Events   []types.AgentEvent `json:"events"`
	Commands int                `json:"commands"`
	Results  []PlaintextResult  `json:"results,omitempty"`
	Error    *types.CodedError  `json:"error,omitempty"`
}

// PlaintextResult is the outcome of one command line.
type PlaintextResult struct {
	OK    bool              `json:"ok"`
	Kind  types.EventKind   `json:"kind,omitempty"`
	Error *types.CodedError `json:"error,omitempty"`
}

// plaintextPoll handles GET /s/{token}: a pure poll. It drains the
// buffer, sends no command, and succeeds even with nothing to say.
func (s *Server) plaintextPoll(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, PlaintextResponse{OK: true, Events: events})
}

// plaintextCommands handles POST /s/{token}: the body is one or more
// newline-separated plaintext commands, each interpreted on its own.
func (s *Server) plaintextCommands(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeCodedError(w, types.ErrCodeInvalidParams, "unreadable request body")
		return
	}

	cutoff, err := event.ParseCutoff(r.URL.Query().Get("since"))
	if err != nil {
		writeCodedError(w, types.ErrCodeInvalidParams, "since must be a timestamp or RFC3339 date")
		return
	}

	lines := command.SplitScript(string(body))

	resp := PlaintextResponse{OK: true}
	for _, line := range lines {
		result := PlaintextResult{OK: true}

		cmd, err := s.interp.ParseLine(line)
		if err == nil {
			var ack types.AgentEvent
			ack, err = s.registry.Dispatch(r.Context(), sess, cmd)
			result.Kind = ack.Kind
		}
		if err != nil {
			resp.OK = false
			result.OK = false
			result.Kind = ""
			result.Error = codedOf(err)
			if resp.Error == nil {
				resp.Error = result.Error
			}
		}
		resp.Results = append(resp.Results, result)
	}
	resp.Commands = len(lines)

	// An empty body is a plain poll, not an error.
	if !sess.Terminated() {
		sess.Touch()
	}
	resp.Events = sess.Drain(cutoff)
	if resp.Events == nil {
		resp.Events = []types.AgentEvent{}
	}
	writeJSON(w, http.StatusOK, resp)
}
