package world

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentmesh/worldgate/internal/command"
	"github.com/agentmesh/worldgate/internal/logging"
)

const (
	spawnReplyTimeout = 10 * time.Second
	writeTimeout      = 10 * time.Second

	dialMaxRetries      = 4
	dialInitialInterval = 200 * time.Millisecond
	dialMaxInterval     = 2 * time.Second
)

// envelope is the wire frame shared with the world server.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSDialer dials the world server over a websocket, retrying transient
// dial failures with bounded exponential backoff.
type WSDialer struct {
	URL string
	log zerolog.Logger
}

// NewWSDialer creates a dialer for the given ws(s) URL.
func NewWSDialer(url string) *WSDialer {
	return &WSDialer{URL: url, log: logging.Component("world")}
}

// newDialBackoff is the retry policy for world connections: jittered
// exponential backoff, capped attempts, cancelled with the context.
func newDialBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = dialInitialInterval
	b.MaxInterval = dialMaxInterval
	return backoff.WithContext(backoff.WithMaxRetries(b, dialMaxRetries), ctx)
}

// Dial connects and returns a ready bridge.
func (d *WSDialer) Dial(ctx context.Context) (Bridge, error) {
	var conn *websocket.Conn
	operation := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, nil)
		if err != nil {
			d.log.Debug().Err(err).Str("url", d.URL).Msg("world dial attempt failed")
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(operation, newDialBackoff(ctx)); err != nil {
		return nil, fmt.Errorf("dial world %s: %w", d.URL, err)
	}
	return newClient(conn, d.log), nil
}

// Client is the websocket implementation of Bridge.
type Client struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	onEvent    func(Event)
	spawnReply chan envelope
	started    bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newClient(conn *websocket.Conn, log zerolog.Logger) *Client {
	return &Client{
		conn:       conn,
		log:        log,
		spawnReply: make(chan envelope, 1),
		closed:     make(chan struct{}),
	}
}

// OnEvent registers the event callback and starts the read loop.
func (c *Client) OnEvent(fn func(Event)) {
	c.mu.Lock()
	c.onEvent = fn
	if !c.started {
		c.started = true
		go c.readLoop()
	}
	c.mu.Unlock()
}

type spawnPayload struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

type spawnOKPayload struct {
	AgentID string `json:"agentId"`
}

type spawnErrorPayload struct {
	Message string `json:"message"`
}

// Spawn materializes the agent and waits for the world's reply.
func (c *Client) Spawn(ctx context.Context, name, avatarURL string) (string, error) {
	c.mu.Lock()
	if !c.started {
		c.started = true
		go c.readLoop()
	}
	c.mu.Unlock()

	if err := c.write("spawn", spawnPayload{Name: name, Avatar: avatarURL}); err != nil {
		return "", err
	}

	timer := time.NewTimer(spawnReplyTimeout)
	defer timer.Stop()

	select {
	case env := <-c.spawnReply:
		if env.Type == "spawn_error" {
			var p spawnErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return "", fmt.Errorf("world rejected spawn: %s", p.Message)
		}
		var p spawnOKPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return "", fmt.Errorf("malformed spawn reply: %w", err)
		}
		return p.AgentID, nil
	case <-c.closed:
		return "", fmt.Errorf("world connection closed during spawn")
	case <-timer.C:
		return "", fmt.Errorf("world spawn timed out")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type movePayload struct {
	Direction  string `json:"direction"`
	DurationMs int    `json:"durationMs"`
}

type facePayload struct {
	Direction string   `json:"direction,omitempty"`
	Yaw       *float64 `json:"yaw,omitempty"`
	Clear     bool     `json:"clear,omitempty"`
}

type sayPayload struct {
	Text string `json:"text"`
}

// SendAction forwards one canonical command to the world.
func (c *Client) SendAction(ctx context.Context, cmd command.Command) error {
	select {
	case <-c.closed:
		return fmt.Errorf("world connection closed")
	default:
	}

	switch cmd.Verb {
	case command.VerbSpeak:
		return c.write("say", sayPayload{Text: cmd.Text})
	case command.VerbMove:
		return c.write("move", movePayload{Direction: cmd.Direction, DurationMs: cmd.DurationMs})
	case command.VerbFace:
		return c.write("face", facePayload{Direction: cmd.Direction, Yaw: cmd.Yaw, Clear: cmd.ClearFacing})
	default:
		// who/ping/despawn/avatar commands are answered by the gateway.
		return nil
	}
}

func (c *Client) write(msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(envelope{Type: msgType, Payload: data}); err != nil {
		return fmt.Errorf("write to world: %w", err)
	}
	return nil
}

// readLoop decodes world envelopes until the connection dies, then
// reports a single disconnect event.
func (c *Client) readLoop() {
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			select {
			case <-c.closed:
				// Deliberate close, no disconnect event.
			default:
				c.log.Debug().Err(err).Msg("world read failed")
				c.emit(Event{Type: EventDisconnect})
			}
			c.Close()
			return
		}

		switch env.Type {
		case "spawn_ok", "spawn_error":
			select {
			case c.spawnReply <- env:
			default:
			}
		case EventChat, EventKicked, EventDisconnect:
			c.emit(Event{Type: env.Type, Payload: env.Payload})
		default:
			c.log.Debug().Str("type", env.Type).Msg("ignoring unknown world event")
		}
	}
}

func (c *Client) emit(ev Event) {
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.conn.Close()
	})
	return nil
}
