// Package world owns the gateway's upstream boundary: one connection
// per session to the world server. The gateway forwards canonical
// commands across it and receives world-originated events back; it
// implements none of the world's physics or rendering.
package world

import (
	"context"
	"encoding/json"

	"github.com/agentmesh/worldgate/internal/command"
)

// Event types delivered by a bridge.
const (
	EventChat       = "chat"
	EventKicked     = "kicked"
	EventDisconnect = "disconnect"
)

// Event is one world-originated fact for the owning session.
type Event struct {
	Type    string
	Payload json.RawMessage
}

// ChatEvent is the payload of a chat Event.
type ChatEvent struct {
	From      string `json:"from"`
	FromID    string `json:"fromId"`
	Body      string `json:"body"`
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt"`
}

// KickedEvent is the payload of a kicked Event.
type KickedEvent struct {
	Code string `json:"code"`
}

// Bridge is one session's upstream world connection. A Bridge is owned
// exclusively by its session and never shared.
type Bridge interface {
	// Spawn materializes the agent in the world and returns its
	// world-assigned agent ID.
	Spawn(ctx context.Context, name, avatarURL string) (string, error)
	// SendAction forwards one canonical command.
	SendAction(ctx context.Context, cmd command.Command) error
	// OnEvent registers the event callback. Must be called before
	// Spawn; events are delivered on a dedicated goroutine. After a
	// read failure the bridge delivers one disconnect event and goes
	// inert.
	OnEvent(fn func(Event))
	// Close releases the connection. Idempotent.
	Close() error
}

// Dialer produces connected bridges.
type Dialer interface {
	Dial(ctx context.Context) (Bridge, error)
}
