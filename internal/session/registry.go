package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/agentmesh/worldgate/internal/avatar"
	"github.com/agentmesh/worldgate/internal/command"
	"github.com/agentmesh/worldgate/internal/event"
	"github.com/agentmesh/worldgate/internal/logging"
	"github.com/agentmesh/worldgate/internal/world"
	"github.com/agentmesh/worldgate/pkg/types"
)

const (
	maxNameLen = 32
	// lingerTTL keeps a terminated session's entry around so a last
	// poll can still collect its terminal event.
	defaultLingerTTL = time.Minute
)

// Options configures a Registry.
type Options struct {
	Dialer  world.Dialer
	Avatars *avatar.Service
	Bus     *event.Bus
	// BufferCapacity bounds each session's event buffer.
	BufferCapacity int
	// IdleTimeout reaps inactive sessions; non-positive disables the
	// watchdog (tests).
	IdleTimeout time.Duration
	// LingerTTL keeps terminated entries visible to polls. Zero
	// selects the default.
	LingerTTL time.Duration
}

// Registry is the authoritative table of live sessions, keyed by
// token. It owns creation, name disambiguation, lookup, teardown, and
// chat fan-out between sessions.
type Registry struct {
	opts Options
	log  zerolog.Logger

	mu      sync.RWMutex
	byToken map[string]*Session
	names   map[string]string // displayName -> token
}

// NewRegistry creates a Registry and wires it to the bus.
func NewRegistry(opts Options) *Registry {
	if opts.LingerTTL <= 0 {
		opts.LingerTTL = defaultLingerTTL
	}
	r := &Registry{
		opts:    opts,
		log:     logging.Component("registry"),
		byToken: make(map[string]*Session),
		names:   make(map[string]string),
	}
	if opts.Bus != nil {
		opts.Bus.Subscribe(event.ChatBroadcast, r.fanOutChat)
	}
	return r
}

// Create spawns a new session: validates the requested name, resolves
// the avatar (non-fatally), dials the world, and registers the result.
// The returned warning is non-empty when avatar resolution failed and
// the session proceeded without one.
func (r *Registry) Create(ctx context.Context, req types.SpawnRequest, transport types.TransportKind) (*Session, string, error) {
	baseName := strings.TrimSpace(req.Name)
	if baseName == "" {
		return nil, "", types.Errf(types.ErrCodeInvalidParams, "name is required")
	}
	if len([]rune(baseName)) > maxNameLen {
		return nil, "", types.Errf(types.ErrCodeInvalidParams, "name exceeds %d characters", maxNameLen)
	}
	if strings.ContainsAny(baseName, "<>") {
		return nil, "", types.Errf(types.ErrCodeInvalidParams, "name must not contain '<' or '>'")
	}

	var avatarURL, warning string
	if r.opts.Avatars != nil {
		avatarURL, warning = r.opts.Avatars.Resolve(ctx, req.Avatar)
	}

	token := ulid.Make().String()
	publicID := uuid.NewString()
	displayName := r.reserveName(baseName, token)

	bridge, err := r.opts.Dialer.Dial(ctx)
	if err != nil {
		r.releaseName(displayName, token)
		r.log.Warn().Err(err).Str("name", displayName).Msg("world dial failed")
		return nil, "", types.Errf(types.ErrCodeSpawnFailed, "world connection failed")
	}

	s := &Session{
		Token:       token,
		PublicID:    publicID,
		BaseName:    baseName,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		Transport:   transport,
		bridge:      bridge,
		buffer:      event.NewBuffer(r.opts.BufferCapacity),
		status:      types.StatusConnecting,
	}
	s.lastActivity = time.Now()
	bridge.OnEvent(func(ev world.Event) { r.handleWorldEvent(s, ev) })

	worldAgentID, err := bridge.Spawn(ctx, displayName, avatarURL)
	if err != nil {
		r.releaseName(displayName, token)
		bridge.Close()
		r.log.Warn().Err(err).Str("name", displayName).Msg("world spawn failed")
		return nil, "", types.Errf(types.ErrCodeSpawnFailed, "world spawn failed")
	}
	s.WorldAgentID = worldAgentID

	s.mu.Lock()
	s.status = types.StatusActive
	s.watchdog = newWatchdog(r.opts.IdleTimeout, func() { r.expire(token) })
	s.mu.Unlock()

	r.mu.Lock()
	r.byToken[token] = s
	r.mu.Unlock()

	if r.opts.Bus != nil {
		r.opts.Bus.Publish(event.Event{
			Type: event.SessionCreated,
			Data: event.SessionData{Token: token, DisplayName: displayName, PublicID: publicID},
		})
	}
	r.log.Info().Str("name", displayName).Str("agent", worldAgentID).
		Str("transport", string(transport)).Msg("session created")
	return s, warning, nil
}

// reserveName claims a unique display name. The first holder of a base
// name keeps it bare; later takers get a short random suffix.
func (r *Registry) reserveName(baseName, token string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidate := baseName
	for {
		if _, taken := r.names[candidate]; !taken {
			r.names[candidate] = token
			return candidate
		}
		id := ulid.Make().String()
		candidate = baseName + "#" + strings.ToLower(id[len(id)-3:])
	}
}

func (r *Registry) releaseName(displayName, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names[displayName] == token {
		delete(r.names, displayName)
	}
}

// Get looks a session up by token; terminated-but-lingering sessions
// are still returned so pollers can fetch their terminal events.
func (r *Registry) Get(token string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byToken[token]
	return s, ok
}

// List returns the public view of all live sessions, sorted by name.
// Safe to call without any session at all; "who" works before spawn.
func (r *Registry) List() []types.SessionInfo {
	r.mu.RLock()
	infos := make([]types.SessionInfo, 0, len(r.byToken))
	for _, s := range r.byToken {
		if !s.Terminated() {
			infos = append(infos, s.Info())
		}
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].DisplayName < infos[j].DisplayName })
	return infos
}

// Remove despawns a session. Idempotent: removing an unknown or
// already-terminated token is a no-op.
func (r *Registry) Remove(token string) {
	r.remove(token, types.StatusTerminated, nil)
}

// Kick terminates a session at the world's request, delivering the
// kick code as a terminal event.
func (r *Registry) Kick(token, code string) {
	r.remove(token, types.StatusKicked, &types.AgentEvent{
		Kind: types.EventKicked,
		Data: types.KickedPayload{Code: code},
	})
}

// expire is the watchdog path: terminate and tell the client why, if
// it is still reachable. Delivery is best-effort and never blocks
// expiry.
func (r *Registry) expire(token string) {
	r.log.Info().Str("token", token).Msg("session idle, expiring")
	r.remove(token, types.StatusTerminated, &types.AgentEvent{
		Kind: types.EventDisconnected,
	})
}

// disconnected is the upstream-failure path.
func (r *Registry) disconnected(token string) {
	r.remove(token, types.StatusDisconnected, &types.AgentEvent{
		Kind: types.EventDisconnected,
	})
}

func (r *Registry) remove(token string, status types.SessionStatus, terminal *types.AgentEvent) {
	r.mu.Lock()
	s, ok := r.byToken[token]
	r.mu.Unlock()
	if !ok {
		return
	}
	// Whichever termination path gets here first wins; the rest no-op.
	if !s.beginTerminate(status) {
		return
	}

	r.releaseName(s.DisplayName, token)
	s.watchdog.Stop()
	s.bridge.Close()

	if terminal != nil {
		s.Deliver(*terminal)
	}

	// Keep the entry around briefly so a final poll can collect the
	// terminal event, then reap it for good.
	time.AfterFunc(r.opts.LingerTTL, func() {
		r.mu.Lock()
		delete(r.byToken, token)
		r.mu.Unlock()
		s.buffer.Close()
	})

	if r.opts.Bus != nil {
		r.opts.Bus.Publish(event.Event{
			Type: event.SessionRemoved,
			Data: event.SessionData{Token: token, DisplayName: s.DisplayName, PublicID: s.PublicID},
		})
	}
	r.log.Info().Str("name", s.DisplayName).Str("status", string(status)).Msg("session removed")
}

// fanOutChat delivers one chat broadcast to every live session except
// the speaker.
func (r *Registry) fanOutChat(ev event.Event) {
	data, ok := ev.Data.(event.ChatData)
	if !ok {
		return
	}

	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byToken))
	for _, s := range r.byToken {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		if s.Token == data.SourceToken || s.Terminated() {
			continue
		}
		s.Deliver(types.AgentEvent{
			Kind:     types.EventChat,
			DedupeID: data.Chat.ID,
			Data:     data.Chat,
		})
	}
}

// handleWorldEvent maps upstream events into the session's delivery
// path and lifecycle.
func (r *Registry) handleWorldEvent(s *Session, ev world.Event) {
	switch ev.Type {
	case world.EventChat:
		var chat world.ChatEvent
		if err := json.Unmarshal(ev.Payload, &chat); err != nil {
			r.log.Debug().Err(err).Msg("malformed world chat event")
			return
		}
		s.Deliver(types.AgentEvent{
			Kind:     types.EventChat,
			DedupeID: chat.ID,
			Data: types.ChatPayload{
				From:      chat.From,
				FromID:    chat.FromID,
				Body:      chat.Body,
				ID:        chat.ID,
				CreatedAt: chat.CreatedAt,
			},
		})

	case world.EventKicked:
		var kicked world.KickedEvent
		_ = json.Unmarshal(ev.Payload, &kicked)
		r.Kick(s.Token, kicked.Code)

	case world.EventDisconnect:
		r.disconnected(s.Token)
	}
}

// Dispatch executes one canonical command for a session and returns
// the acknowledgment event the transport should relay. Terminal
// commands (despawn) tear the session down before returning.
func (r *Registry) Dispatch(ctx context.Context, s *Session, cmd command.Command) (types.AgentEvent, error) {
	if s.Terminated() {
		return types.AgentEvent{}, types.Errf(types.ErrCodeNotConnected, "session is no longer connected")
	}
	s.Touch()

	switch cmd.Verb {
	case command.VerbSpeak:
		if err := s.forward(ctx, cmd); err != nil {
			return types.AgentEvent{}, r.upstreamError(s, err)
		}
		chat := types.ChatPayload{
			From:      s.DisplayName,
			FromID:    s.PublicID,
			Body:      cmd.Text,
			ID:        ulid.Make().String(),
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		}
		// Synchronous publish keeps chat ordered: two speaks on one
		// session reach every buffer in the order they were accepted.
		if r.opts.Bus != nil {
			r.opts.Bus.PublishSync(event.Event{
				Type: event.ChatBroadcast,
				Data: event.ChatData{SourceToken: s.Token, Chat: chat},
			})
		}
		return types.AgentEvent{Kind: types.EventSpeakOK, Data: chat}, nil

	case command.VerbMove:
		if err := s.forward(ctx, cmd); err != nil {
			return types.AgentEvent{}, r.upstreamError(s, err)
		}
		return types.AgentEvent{Kind: types.EventMoveOK, Data: types.MoveAckPayload{
			Direction:  cmd.Direction,
			DurationMs: cmd.DurationMs,
		}}, nil

	case command.VerbFace:
		if err := s.forward(ctx, cmd); err != nil {
			return types.AgentEvent{}, r.upstreamError(s, err)
		}
		return types.AgentEvent{Kind: types.EventFaceOK, Data: types.FaceAckPayload{
			Direction: cmd.Direction,
			Yaw:       cmd.Yaw,
			Cleared:   cmd.ClearFacing,
		}}, nil

	case command.VerbWho:
		return types.AgentEvent{Kind: types.EventWhoOK, Data: types.WhoPayload{Agents: r.List()}}, nil

	case command.VerbPing:
		return types.AgentEvent{Kind: types.EventPong}, nil

	case command.VerbDespawn:
		r.Remove(s.Token)
		return types.AgentEvent{Kind: types.EventDisconnected}, nil

	case command.VerbListAvatars:
		var avatars map[string]string
		if r.opts.Avatars != nil {
			avatars = r.opts.Avatars.Library()
		}
		return types.AgentEvent{Kind: types.EventAvatarLibrary, Data: types.AvatarLibraryPayload{
			Avatars: avatars,
		}}, nil

	case command.VerbUploadAvatar:
		if r.opts.Avatars == nil {
			return types.AgentEvent{}, types.Errf(types.ErrCodeUploadFailed, "avatar uploads are not configured")
		}
		url, hash, err := r.opts.Avatars.Upload(ctx, cmd.Data, cmd.Filename)
		if err != nil {
			if errors.Is(err, avatar.ErrOversize) || errors.Is(err, avatar.ErrBadMagic) || errors.Is(err, avatar.ErrBadVersion) {
				return types.AgentEvent{}, types.Errf(types.ErrCodeInvalidParams, "%v", err)
			}
			return types.AgentEvent{}, types.Errf(types.ErrCodeUploadFailed, "%v", err)
		}
		return types.AgentEvent{Kind: types.EventAvatarUpload, Data: types.AvatarUploadedPayload{
			URL:  url,
			Hash: hash,
		}}, nil

	default:
		return types.AgentEvent{}, types.Errf(types.ErrCodeUnknownCommand, "unknown command")
	}
}

// upstreamError classifies a World Bridge failure. The bridge's own
// read loop reports the disconnect that tears the session down; here
// we only surface the failure to the caller.
func (r *Registry) upstreamError(s *Session, err error) error {
	r.log.Warn().Err(err).Str("name", s.DisplayName).Msg("world action failed")
	return types.Errf(types.ErrCodeInternalError, "world action failed: %v", err)
}
