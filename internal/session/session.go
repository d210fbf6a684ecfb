// Package session owns agent presence: the Session type, the registry
// of live sessions, and the inactivity watchdog that reaps idle ones.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/agentmesh/worldgate/internal/command"
	"github.com/agentmesh/worldgate/internal/event"
	"github.com/agentmesh/worldgate/internal/world"
	"github.com/agentmesh/worldgate/pkg/types"
)

// PushFunc delivers an event straight to a connected transport. It
// reports whether delivery succeeded; on false the event falls back to
// the buffer.
type PushFunc func(types.AgentEvent) bool

// Session is one agent's live presence. Identity fields are immutable
// after creation; mutable state is guarded by mu, and command
// forwarding is serialized by cmdMu so concurrent commands on one
// session apply in receipt order.
type Session struct {
	Token        string
	PublicID     string
	BaseName     string
	DisplayName  string
	AvatarURL    string
	WorldAgentID string
	Transport    types.TransportKind

	bridge world.Bridge
	buffer *event.Buffer

	cmdMu sync.Mutex

	mu           sync.Mutex
	status       types.SessionStatus
	lastActivity time.Time
	push         PushFunc
	watchdog     *watchdog
	terminated   bool
}

// Status returns the session's lifecycle status.
func (s *Session) Status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Terminated reports whether the session has been torn down.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// LastActivity returns the time of the last accepted command or poll.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records activity and pushes the watchdog back.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	wd := s.watchdog
	s.mu.Unlock()
	wd.Reset()
}

// AttachPush routes subsequent deliveries to a live transport (the
// socket adapter). Returns false if the session is already terminated.
func (s *Session) AttachPush(fn PushFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return false
	}
	s.push = fn
	return true
}

// DetachPush reverts to buffered delivery.
func (s *Session) DetachPush() {
	s.mu.Lock()
	s.push = nil
	s.mu.Unlock()
}

// Deliver hands an event to the session's client: immediately when a
// transport is attached, buffered for the next poll otherwise.
func (s *Session) Deliver(ev types.AgentEvent) {
	s.mu.Lock()
	push := s.push
	s.mu.Unlock()

	if push != nil && push(ev) {
		return
	}
	s.buffer.Push(ev)
}

// Drain removes and returns buffered events newer than cutoff.
func (s *Session) Drain(cutoff int64) []types.AgentEvent {
	return s.buffer.DrainSince(cutoff)
}

// Info is the public listing view of the session.
func (s *Session) Info() types.SessionInfo {
	return types.SessionInfo{
		DisplayName:  s.DisplayName,
		PublicID:     s.PublicID,
		WorldAgentID: s.WorldAgentID,
	}
}

// forward sends one canonical command upstream, in receipt order.
func (s *Session) forward(ctx context.Context, cmd command.Command) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.bridge.SendAction(ctx, cmd)
}

// beginTerminate flips the session into its terminal state exactly
// once. It returns false when another termination path already won.
func (s *Session) beginTerminate(status types.SessionStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return false
	}
	s.terminated = true
	s.status = status
	return true
}
