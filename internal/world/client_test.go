package world

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/worldgate/internal/command"
)

// worldServer is a minimal in-process world endpoint speaking the
// {type,payload} wire protocol.
type worldServer struct {
	ts        *httptest.Server
	upgrader  websocket.Upgrader
	envelopes chan envelope

	rejectSpawn string

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWorldServer(t *testing.T) *worldServer {
	t.Helper()
	ws := &worldServer{envelopes: make(chan envelope, 16)}
	ws.ts = httptest.NewServer(http.HandlerFunc(ws.handle))
	t.Cleanup(ws.ts.Close)
	return ws
}

func (ws *worldServer) url() string {
	return "ws" + strings.TrimPrefix(ws.ts.URL, "http")
}

func (ws *worldServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Type == "spawn" {
			if ws.rejectSpawn != "" {
				ws.write("spawn_error", spawnErrorPayload{Message: ws.rejectSpawn})
			} else {
				ws.write("spawn_ok", spawnOKPayload{AgentID: "agent-42"})
			}
		}
		ws.envelopes <- env
	}
}

func (ws *worldServer) write(msgType string, payload any) {
	data, _ := json.Marshal(payload)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.conn != nil {
		ws.conn.WriteJSON(envelope{Type: msgType, Payload: data})
	}
}

func (ws *worldServer) closeConn() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.conn != nil {
		ws.conn.Close()
	}
}

func (ws *worldServer) next(t *testing.T) envelope {
	t.Helper()
	select {
	case env := <-ws.envelopes:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for world envelope")
		return envelope{}
	}
}

func dialWorld(t *testing.T, ws *worldServer) Bridge {
	t.Helper()
	bridge, err := NewWSDialer(ws.url()).Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { bridge.Close() })
	return bridge
}

func TestClientSpawn(t *testing.T) {
	ws := newWorldServer(t)
	bridge := dialWorld(t, ws)
	bridge.OnEvent(func(Event) {})

	agentID, err := bridge.Spawn(context.Background(), "Bot", "asset://avatars/rabbit.vrm")
	require.NoError(t, err)
	assert.Equal(t, "agent-42", agentID)

	env := ws.next(t)
	assert.Equal(t, "spawn", env.Type)
	var p spawnPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "Bot", p.Name)
	assert.Equal(t, "asset://avatars/rabbit.vrm", p.Avatar)
}

func TestClientSpawnRejected(t *testing.T) {
	ws := newWorldServer(t)
	ws.rejectSpawn = "world is full"
	bridge := dialWorld(t, ws)
	bridge.OnEvent(func(Event) {})

	_, err := bridge.Spawn(context.Background(), "Bot", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "world is full")
}

func TestClientForwardsActions(t *testing.T) {
	ws := newWorldServer(t)
	bridge := dialWorld(t, ws)
	bridge.OnEvent(func(Event) {})

	_, err := bridge.Spawn(context.Background(), "Bot", "")
	require.NoError(t, err)
	ws.next(t) // the spawn envelope

	require.NoError(t, bridge.SendAction(context.Background(), command.Command{
		Verb: command.VerbSpeak, Text: "hi",
	}))
	env := ws.next(t)
	assert.Equal(t, "say", env.Type)
	assert.Contains(t, string(env.Payload), `"text":"hi"`)

	require.NoError(t, bridge.SendAction(context.Background(), command.Command{
		Verb: command.VerbMove, Direction: "forward", DurationMs: 500,
	}))
	env = ws.next(t)
	assert.Equal(t, "move", env.Type)
	var mv movePayload
	require.NoError(t, json.Unmarshal(env.Payload, &mv))
	assert.Equal(t, "forward", mv.Direction)
	assert.Equal(t, 500, mv.DurationMs)

	require.NoError(t, bridge.SendAction(context.Background(), command.Command{
		Verb: command.VerbFace, ClearFacing: true,
	}))
	env = ws.next(t)
	assert.Equal(t, "face", env.Type)
	assert.Contains(t, string(env.Payload), `"clear":true`)

	// Gateway-answered verbs never reach the world.
	require.NoError(t, bridge.SendAction(context.Background(), command.Command{Verb: command.VerbWho}))
	select {
	case env := <-ws.envelopes:
		t.Fatalf("unexpected envelope %q", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientDeliversWorldEvents(t *testing.T) {
	ws := newWorldServer(t)
	bridge := dialWorld(t, ws)

	events := make(chan Event, 4)
	bridge.OnEvent(func(ev Event) { events <- ev })

	_, err := bridge.Spawn(context.Background(), "Bot", "")
	require.NoError(t, err)
	ws.next(t)

	ws.write(EventChat, ChatEvent{From: "Npc", Body: "hello", ID: "c1"})

	select {
	case ev := <-events:
		assert.Equal(t, EventChat, ev.Type)
		var chat ChatEvent
		require.NoError(t, json.Unmarshal(ev.Payload, &chat))
		assert.Equal(t, "Npc", chat.From)
		assert.Equal(t, "hello", chat.Body)
	case <-time.After(time.Second):
		t.Fatal("no chat event delivered")
	}
}

func TestClientEmitsSingleDisconnect(t *testing.T) {
	ws := newWorldServer(t)
	bridge := dialWorld(t, ws)

	events := make(chan Event, 4)
	bridge.OnEvent(func(ev Event) { events <- ev })

	ws.closeConn()

	select {
	case ev := <-events:
		assert.Equal(t, EventDisconnect, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no disconnect event delivered")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second event %q", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientCloseIsSilent(t *testing.T) {
	ws := newWorldServer(t)
	bridge := dialWorld(t, ws)

	events := make(chan Event, 4)
	bridge.OnEvent(func(ev Event) { events <- ev })

	require.NoError(t, bridge.Close())
	require.NoError(t, bridge.Close()) // idempotent

	select {
	case ev := <-events:
		t.Fatalf("deliberate close produced event %q", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDialerHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := NewWSDialer("ws://127.0.0.1:1/nope").Dial(ctx)
	assert.Error(t, err)
}
