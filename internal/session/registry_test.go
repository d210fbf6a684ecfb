package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/worldgate/internal/avatar"
	"github.com/agentmesh/worldgate/internal/command"
	"github.com/agentmesh/worldgate/internal/event"
	"github.com/agentmesh/worldgate/internal/world"
	"github.com/agentmesh/worldgate/pkg/types"
)

var testInterp = command.NewInterpreter(command.Limits{})

func newTestRegistry(t *testing.T, opts Options) (*Registry, *world.FakeDialer) {
	t.Helper()

	dialer := world.NewFakeDialer()
	if opts.Dialer == nil {
		opts.Dialer = dialer
	}
	if opts.Avatars == nil {
		opts.Avatars = avatar.NewService(avatar.NewResolver(avatar.NewLibrary("")), nil)
	}
	if opts.Bus == nil {
		bus := event.NewBus()
		t.Cleanup(func() { bus.Close() })
		opts.Bus = bus
	}
	if opts.LingerTTL == 0 {
		opts.LingerTTL = time.Minute
	}
	return NewRegistry(opts), dialer
}

func spawn(t *testing.T, r *Registry, name string) *Session {
	t.Helper()
	s, _, err := r.Create(context.Background(), types.SpawnRequest{Name: name}, types.TransportHTTP)
	require.NoError(t, err)
	return s
}

func TestCreateValidation(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	cases := []struct {
		name string
		in   string
	}{
		{"empty", "   "},
		{"too long", strings.Repeat("a", 33)},
		{"angle brackets", "Bot<script>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := r.Create(context.Background(), types.SpawnRequest{Name: tc.in}, types.TransportHTTP)
			assert.Equal(t, types.ErrCodeInvalidParams, types.CodeOf(err))
		})
	}
}

func TestDisplayNameDisambiguation(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	a := spawn(t, r, "Bot")
	b := spawn(t, r, "Bot")

	assert.Equal(t, "Bot", a.DisplayName)
	assert.True(t, strings.HasPrefix(b.DisplayName, "Bot#"), "got %q", b.DisplayName)
	assert.Len(t, b.DisplayName, len("Bot#")+3)
	assert.NotEqual(t, a.PublicID, b.PublicID)

	// Removal frees the slot immediately for reuse.
	r.Remove(a.Token)
	c := spawn(t, r, "Bot")
	assert.Equal(t, "Bot", c.DisplayName)
}

func TestChatFanOutUsesDisplayName(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	a := spawn(t, r, "Bot")
	b := spawn(t, r, "Bot") // becomes Bot#xxx

	cmd, err := testInterp.NewSpeak("hello from b")
	require.NoError(t, err)
	ack, err := r.Dispatch(context.Background(), b, cmd)
	require.NoError(t, err)
	assert.Equal(t, types.EventSpeakOK, ack.Kind)

	events := a.Drain(0)
	require.Len(t, events, 1)
	chat, ok := events[0].Data.(types.ChatPayload)
	require.True(t, ok)
	assert.Equal(t, b.DisplayName, chat.From)
	assert.NotEqual(t, "Bot", chat.From)
	assert.Equal(t, b.PublicID, chat.FromID)
	assert.Equal(t, "hello from b", chat.Body)

	// The speaker never hears its own speech.
	assert.Empty(t, b.Drain(0))
}

func TestDespawnIsIdempotent(t *testing.T) {
	r, dialer := newTestRegistry(t, Options{})

	s := spawn(t, r, "Bot")
	r.Remove(s.Token)
	r.Remove(s.Token) // no-op, no panic

	assert.True(t, s.Terminated())
	assert.Equal(t, types.StatusTerminated, s.Status())
	require.Len(t, dialer.Bridges(), 1)
	assert.True(t, dialer.Bridges()[0].Closed())

	_, err := r.Dispatch(context.Background(), s, testInterp.NewPing())
	assert.Equal(t, types.ErrCodeNotConnected, types.CodeOf(err))
}

func TestDespawnCommand(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	s := spawn(t, r, "Bot")
	ack, err := r.Dispatch(context.Background(), s, testInterp.NewDespawn())
	require.NoError(t, err)
	assert.Equal(t, types.EventDisconnected, ack.Kind)
	assert.True(t, s.Terminated())

	// A second despawn on a dead session is NOT_CONNECTED, but the
	// registry-level Remove stays a no-op.
	_, err = r.Dispatch(context.Background(), s, testInterp.NewDespawn())
	assert.Equal(t, types.ErrCodeNotConnected, types.CodeOf(err))
}

func TestSpawnFailureFreesName(t *testing.T) {
	r, dialer := newTestRegistry(t, Options{})
	dialer.FailSpawn = errors.New("world full")

	_, _, err := r.Create(context.Background(), types.SpawnRequest{Name: "Bot"}, types.TransportHTTP)
	assert.Equal(t, types.ErrCodeSpawnFailed, types.CodeOf(err))

	dialer.FailSpawn = nil
	s := spawn(t, r, "Bot")
	assert.Equal(t, "Bot", s.DisplayName)
}

func TestAvatarResolutionFailureIsNonFatal(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	s, warning, err := r.Create(context.Background(),
		types.SpawnRequest{Name: "Bot", Avatar: "no-such-avatar"}, types.TransportHTTP)
	require.NoError(t, err)
	assert.NotEmpty(t, warning)
	assert.Empty(t, s.AvatarURL)
}

func TestLibraryAvatarResolves(t *testing.T) {
	r, dialer := newTestRegistry(t, Options{})

	s, warning, err := r.Create(context.Background(),
		types.SpawnRequest{Name: "Bot", Avatar: "rabbit"}, types.TransportHTTP)
	require.NoError(t, err)
	assert.Empty(t, warning)
	assert.Equal(t, "asset://avatars/rabbit.vrm", s.AvatarURL)
	assert.Equal(t, s.AvatarURL, dialer.Bridges()[0].Avatar)
}

func TestWhoListsLiveSessions(t *testing.T) {
	r, _ := newTestRegistry(t, Options{})

	a := spawn(t, r, "Alpha")
	b := spawn(t, r, "Beta")

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "Alpha", infos[0].DisplayName)
	assert.NotEmpty(t, infos[0].WorldAgentID)
	assert.Equal(t, "Beta", infos[1].DisplayName)

	r.Remove(a.Token)
	infos = r.List()
	require.Len(t, infos, 1)
	assert.Equal(t, b.DisplayName, infos[0].DisplayName)
}

func TestWorldKickTerminates(t *testing.T) {
	r, dialer := newTestRegistry(t, Options{})

	s := spawn(t, r, "Bot")
	dialer.Bridges()[0].Emit(world.EventKicked, world.KickedEvent{Code: "banned"})

	require.Eventually(t, func() bool { return s.Terminated() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.StatusKicked, s.Status())

	events := s.Drain(0)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventKicked, events[0].Kind)
	kicked, ok := events[0].Data.(types.KickedPayload)
	require.True(t, ok)
	assert.Equal(t, "banned", kicked.Code)
}

func TestWorldChatIsDelivered(t *testing.T) {
	r, dialer := newTestRegistry(t, Options{})

	s := spawn(t, r, "Bot")
	dialer.Bridges()[0].Emit(world.EventChat, world.ChatEvent{
		From: "Npc", FromID: "npc-1", Body: "welcome", ID: "w1",
	})

	events := s.Drain(0)
	require.Len(t, events, 1)
	chat := events[0].Data.(types.ChatPayload)
	assert.Equal(t, "Npc", chat.From)
	assert.Equal(t, "welcome", chat.Body)
}

func TestWatchdogExpiresIdleSession(t *testing.T) {
	r, _ := newTestRegistry(t, Options{IdleTimeout: 40 * time.Millisecond})

	s := spawn(t, r, "Bot")
	require.Eventually(t, func() bool { return s.Terminated() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.StatusTerminated, s.Status())

	events := s.Drain(0)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventDisconnected, events[0].Kind)
}

func TestTouchDefersWatchdog(t *testing.T) {
	r, _ := newTestRegistry(t, Options{IdleTimeout: 80 * time.Millisecond})

	s := spawn(t, r, "Bot")
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		if s.Terminated() {
			t.Fatal("session expired despite activity")
		}
		s.Touch()
	}
	require.Eventually(t, func() bool { return s.Terminated() }, time.Second, 5*time.Millisecond)
}

func TestCommandsForwardUpstream(t *testing.T) {
	r, dialer := newTestRegistry(t, Options{})

	s := spawn(t, r, "Bot")

	move, err := testInterp.NewMove("forward", 500)
	require.NoError(t, err)
	_, err = r.Dispatch(context.Background(), s, move)
	require.NoError(t, err)

	face, err := testInterp.NewFaceDirection("left")
	require.NoError(t, err)
	_, err = r.Dispatch(context.Background(), s, face)
	require.NoError(t, err)

	actions := dialer.Bridges()[0].Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, "forward", actions[0].Direction)
	assert.Equal(t, 500, actions[0].DurationMs)
	assert.Equal(t, "left", actions[1].Direction)
}
