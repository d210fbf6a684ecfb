package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentmesh/worldgate/internal/command"
	"github.com/agentmesh/worldgate/internal/session"
	"github.com/agentmesh/worldgate/pkg/types"
)

const (
	socketKeepAlive     = 20 * time.Second
	socketMaxPingMisses = 3
	socketWriteTimeout  = 10 * time.Second
	socketMaxFrame      = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway fronts browser clients on other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope is the socket adapter's wire frame.
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// socketConn carries one websocket connection's state: exactly one
// spawn per connection, then an active session until either side goes
// away.
type socketConn struct {
	server *Server
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	sess *session.Session

	outstandingPings uint32
	closed           chan struct{}
	closeOnce        sync.Once
}

// serveSocket handles GET /ws.
func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sc := &socketConn{
		server: s,
		conn:   conn,
		closed: make(chan struct{}),
	}
	conn.SetReadLimit(socketMaxFrame)
	conn.SetPongHandler(func(string) error {
		atomic.StoreUint32(&sc.outstandingPings, 0)
		return nil
	})

	go sc.keepAlive()
	sc.readLoop(r)
}

func (sc *socketConn) session() *session.Session {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sess
}

// write sends one envelope; conn writes are serialized because pushes
// arrive from other sessions' goroutines.
func (sc *socketConn) write(msgType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	sc.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return sc.conn.WriteJSON(wsEnvelope{Type: msgType, Data: payload})
}

func (sc *socketConn) writeEvent(ev types.AgentEvent) error {
	return sc.write(string(ev.Kind), ev.Data)
}

func (sc *socketConn) writeError(code, message string) {
	_ = sc.write(string(types.EventError), types.ErrorPayload{Code: code, Message: message})
}

// keepAlive pings the client until it stops answering.
func (sc *socketConn) keepAlive() {
	ticker := time.NewTicker(socketKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-sc.closed:
			return
		case <-ticker.C:
			if misses := atomic.AddUint32(&sc.outstandingPings, 1); misses > socketMaxPingMisses {
				sc.server.log.Debug().Msg("socket unresponsive, closing")
				sc.teardown()
				return
			}
			sc.writeMu.Lock()
			err := sc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteTimeout))
			sc.writeMu.Unlock()
			if err != nil {
				sc.teardown()
				return
			}
		}
	}
}

// readLoop drives the per-connection state machine: AwaitingSpawn
// until a spawn succeeds, then Active until termination.
func (sc *socketConn) readLoop(r *http.Request) {
	defer sc.teardown()

	for {
		var env wsEnvelope
		if err := sc.conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case "spawn":
			sc.handleSpawn(r, env.Data)

		case "who":
			// Permitted before spawn: a bare query needs no session.
			if sc.session() == nil {
				_ = sc.write(string(types.EventWhoOK), types.WhoPayload{Agents: sc.server.registry.List()})
				continue
			}
			sc.handleCommand(r, env)

		case "ping":
			if sc.session() == nil {
				_ = sc.write(string(types.EventPong), struct{}{})
				continue
			}
			sc.handleCommand(r, env)

		default:
			if sc.session() == nil {
				sc.writeError(types.ErrCodeSpawnRequired, "spawn before sending commands")
				continue
			}
			sc.handleCommand(r, env)
		}
	}
}

func (sc *socketConn) handleSpawn(r *http.Request, data json.RawMessage) {
	sc.mu.Lock()
	already := sc.sess != nil
	sc.mu.Unlock()
	if already {
		// Second spawn on one connection: reject, mutate nothing.
		sc.writeError(types.ErrCodeAlreadySpawned, "this connection already has an agent")
		return
	}

	var req types.SpawnRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			sc.writeError(types.ErrCodeInvalidParams, "malformed spawn data")
			return
		}
	}

	sess, warning, err := sc.server.registry.Create(r.Context(), req, types.TransportSocket)
	if err != nil {
		ce := codedOf(err)
		sc.writeError(ce.Code, ce.Message)
		return
	}

	sc.mu.Lock()
	sc.sess = sess
	sc.mu.Unlock()

	// Route buffered delivery to this connection. Terminal events
	// close the connection right after they are written.
	sess.AttachPush(func(ev types.AgentEvent) bool {
		if err := sc.writeEvent(ev); err != nil {
			return false
		}
		if ev.Kind == types.EventKicked || ev.Kind == types.EventDisconnected {
			sc.close()
		}
		return true
	})

	_ = sc.write("spawn_ok", types.SpawnResponse{
		ID:          sess.PublicID,
		Token:       sess.Token,
		Handle:      "/s/" + sess.Token,
		Name:        sess.BaseName,
		DisplayName: sess.DisplayName,
		Avatar:      sess.AvatarURL,
		Warning:     warning,
	})
	if warning != "" {
		_ = sc.write(string(types.EventWarning), types.WarningPayload{Message: warning})
	}
}

func (sc *socketConn) handleCommand(r *http.Request, env wsEnvelope) {
	sess := sc.session()

	cmd, err := sc.server.interp.ParseNamed(env.Type, env.Data)
	if err != nil {
		ce := codedOf(err)
		sc.writeError(ce.Code, ce.Message)
		return
	}

	ack, err := sc.server.registry.Dispatch(r.Context(), sess, cmd)
	if err != nil {
		ce := codedOf(err)
		sc.writeError(ce.Code, ce.Message)
		return
	}

	_ = sc.writeEvent(ack)
	if cmd.Verb == command.VerbDespawn {
		sc.close()
	}
}

// close shuts the websocket down without touching the session (used
// after terminal events that already tore the session down).
func (sc *socketConn) close() {
	sc.closeOnce.Do(func() {
		close(sc.closed)
		sc.writeMu.Lock()
		sc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		sc.writeMu.Unlock()
		sc.conn.Close()
	})
}

// teardown closes the connection and ends the session: a socket
// client's presence does not outlive its connection.
func (sc *socketConn) teardown() {
	if sess := sc.session(); sess != nil {
		sess.DetachPush()
		sc.server.registry.Remove(sess.Token)
	}
	sc.close()
}
