package world

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentmesh/worldgate/internal/command"
)

// FakeDialer hands out in-memory bridges. Used by gateway tests so no
// world server is needed.
type FakeDialer struct {
	mu      sync.Mutex
	bridges []*FakeBridge

	// FailDial, when set, makes Dial return an error.
	FailDial error
	// FailSpawn, when set, makes every bridge's Spawn fail.
	FailSpawn error

	nextAgent atomic.Int64
}

// NewFakeDialer creates a FakeDialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// Dial returns a fresh fake bridge.
func (d *FakeDialer) Dial(ctx context.Context) (Bridge, error) {
	if d.FailDial != nil {
		return nil, d.FailDial
	}
	b := &FakeBridge{dialer: d}
	d.mu.Lock()
	d.bridges = append(d.bridges, b)
	d.mu.Unlock()
	return b, nil
}

// Bridges returns every bridge handed out so far.
func (d *FakeDialer) Bridges() []*FakeBridge {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeBridge(nil), d.bridges...)
}

// FakeBridge records spawns and actions and lets tests inject events.
type FakeBridge struct {
	dialer *FakeDialer

	mu       sync.Mutex
	onEvent  func(Event)
	actions  []command.Command
	spawned  bool
	closed   bool
	AgentID  string
	Name     string
	Avatar   string
}

func (b *FakeBridge) Spawn(ctx context.Context, name, avatarURL string) (string, error) {
	if b.dialer != nil && b.dialer.FailSpawn != nil {
		return "", b.dialer.FailSpawn
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spawned {
		return "", fmt.Errorf("already spawned")
	}
	b.spawned = true
	b.Name = name
	b.Avatar = avatarURL
	n := int64(1)
	if b.dialer != nil {
		n = b.dialer.nextAgent.Add(1)
	}
	b.AgentID = fmt.Sprintf("agent-%d", n)
	return b.AgentID, nil
}

func (b *FakeBridge) SendAction(ctx context.Context, cmd command.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("world connection closed")
	}
	b.actions = append(b.actions, cmd)
	return nil
}

func (b *FakeBridge) OnEvent(fn func(Event)) {
	b.mu.Lock()
	b.onEvent = fn
	b.mu.Unlock()
}

// Emit injects a world event, as if the world server sent it.
func (b *FakeBridge) Emit(eventType string, payload any) {
	data, _ := json.Marshal(payload)
	b.mu.Lock()
	fn := b.onEvent
	b.mu.Unlock()
	if fn != nil {
		fn(Event{Type: eventType, Payload: data})
	}
}

// Actions returns the commands forwarded so far.
func (b *FakeBridge) Actions() []command.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]command.Command(nil), b.actions...)
}

// Closed reports whether Close was called.
func (b *FakeBridge) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *FakeBridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
