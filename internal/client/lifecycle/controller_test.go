package lifecycle_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"onetimechat/backend/internal/client/clienttest"
	"onetimechat/backend/internal/client/expiry"
	"onetimechat/backend/internal/client/identity"
	"onetimechat/backend/internal/client/lifecycle"
	"onetimechat/backend/internal/client/outbound"
	"onetimechat/backend/internal/config"
	"onetimechat/backend/internal/models"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const code = "ABC123"

type fakeNav struct {
	mu        sync.Mutex
	redirects []string
	prompts   int
	answer    bool
}

func (n *fakeNav) Redirect(route string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects = append(n.redirects, route)
}

func (n *fakeNav) Confirm(string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prompts++
	return n.answer
}

func (n *fakeNav) Redirects() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.redirects...)
}

type fakeStream struct {
	chunks  chan []byte
	once    sync.Once
	stopped chan struct{}
}

func (s *fakeStream) Chunks() <-chan []byte { return s.chunks }

func (s *fakeStream) Stop() error {
	s.once.Do(func() {
		close(s.chunks)
		close(s.stopped)
	})
	return nil
}

type fakeMic struct {
	last *fakeStream
}

func (m *fakeMic) Acquire(context.Context) (outbound.Stream, error) {
	m.last = &fakeStream{chunks: make(chan []byte, 1), stopped: make(chan struct{})}
	return m.last, nil
}

func (m *fakeMic) released() bool {
	select {
	case <-m.last.stopped:
		return true
	default:
		return false
	}
}

type env struct {
	clock   clockwork.FakeClock
	backend *clienttest.Backend
	session *identity.Session
	markers *identity.Markers
	nav     *fakeNav
	ctrl    *lifecycle.Controller
	roomID  string
}

func newEnv(t *testing.T, lifetime time.Duration, opts lifecycle.Options) *env {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	b := clienttest.NewBackend(clock)
	roomID := b.AddRoom(code, t0.Add(lifetime))

	e := &env{
		clock:   clock,
		backend: b,
		session: identity.NewSession(identity.NewMemoryKV()),
		markers: identity.NewMarkers(identity.NewMemoryKV(), clock),
		nav:     &fakeNav{},
		roomID:  roomID,
	}
	e.ctrl = lifecycle.NewController(b, e.session, e.markers, e.nav, clock, opts)
	t.Cleanup(e.ctrl.Close)
	return e
}

func TestEnter_ActivatesRoom(t *testing.T) {
	e := newEnv(t, 30*time.Minute, lifecycle.Options{})
	var states []lifecycle.State
	e.ctrl.OnState(func(s lifecycle.State) { states = append(states, s) })

	require.NoError(t, e.ctrl.Enter(context.Background(), " abc123 "))

	assert.Equal(t, lifecycle.StateActive, e.ctrl.State())
	assert.Equal(t, []lifecycle.State{lifecycle.StateJoining, lifecycle.StateActive}, states)
	assert.Equal(t, e.roomID, e.ctrl.RoomID())
	assert.Equal(t, code, e.ctrl.Code())
	assert.Equal(t, config.ParticipantColors[0], e.ctrl.Color(e.session.ID()))

	assert.Equal(t, 1, e.backend.LiveSubscriptions(e.roomID))
	assert.Equal(t, 1, e.backend.PresenceChannels(e.roomID))
	assert.Equal(t, expiry.Counting, e.ctrl.Expiry().State())
	assert.Equal(t, 30*time.Minute, e.ctrl.Expiry().Remaining())
	assert.Eventually(t, func() bool { return e.ctrl.Presence().Count() == 1 }, time.Second, 10*time.Millisecond)
	assert.NotNil(t, e.ctrl.Pipeline())
	assert.Nil(t, e.ctrl.Recorder(), "no microphone configured")

	last, sid, ok := e.markers.LastRoom()
	require.True(t, ok)
	assert.Equal(t, code, last)
	assert.Equal(t, e.session.ID(), sid)
}

func TestEnter_ExitedRoomIsBlockedWithoutJoin(t *testing.T) {
	e := newEnv(t, time.Hour, lifecycle.Options{})
	require.NoError(t, e.markers.MarkExited(code))

	err := e.ctrl.Enter(context.Background(), code)
	assert.ErrorIs(t, err, models.ErrExitedRoom)
	assert.Equal(t, lifecycle.StateExited, e.ctrl.State())
	assert.Equal(t, 0, e.backend.JoinCalls)
	assert.Equal(t, []string{lifecycle.RouteHome}, e.nav.Redirects())
}

func TestEnter_JoinFailures(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		e := newEnv(t, time.Hour, lifecycle.Options{})
		err := e.ctrl.Enter(context.Background(), "NOPE00")
		assert.ErrorIs(t, err, models.ErrRoomNotFound)
		assert.Equal(t, lifecycle.StateError, e.ctrl.State())
		assert.ErrorIs(t, e.ctrl.Err(), models.ErrRoomNotFound)
		assert.Empty(t, e.nav.Redirects())
	})

	t.Run("full", func(t *testing.T) {
		e := newEnv(t, time.Hour, lifecycle.Options{})
		for i := 0; i < config.RoomCapacity; i++ {
			_, err := e.backend.JoinRoom(context.Background(), code, fmt.Sprintf("other-%d", i))
			require.NoError(t, err)
		}
		err := e.ctrl.Enter(context.Background(), code)
		assert.ErrorIs(t, err, models.ErrRoomFull)
		assert.Equal(t, lifecycle.StateError, e.ctrl.State())
		assert.Equal(t, 0, e.backend.LiveSubscriptions(e.roomID))
	})

	t.Run("expired", func(t *testing.T) {
		e := newEnv(t, time.Minute, lifecycle.Options{})
		e.clock.Advance(2 * time.Minute)
		err := e.ctrl.Enter(context.Background(), code)
		assert.ErrorIs(t, err, models.ErrRoomExpired)
		assert.Equal(t, lifecycle.StateError, e.ctrl.State())
		assert.Equal(t, []string{lifecycle.RouteExpired}, e.nav.Redirects())
	})

	t.Run("retry after failure", func(t *testing.T) {
		e := newEnv(t, time.Hour, lifecycle.Options{})
		e.backend.FailJoin = clienttest.ErrOffline
		require.ErrorIs(t, e.ctrl.Enter(context.Background(), code), clienttest.ErrOffline)

		e.backend.FailJoin = nil
		require.NoError(t, e.ctrl.Enter(context.Background(), code))
		assert.Equal(t, lifecycle.StateActive, e.ctrl.State())
		assert.NoError(t, e.ctrl.Err())
	})
}

func TestExpiry_TearsDownRoom(t *testing.T) {
	e := newEnv(t, time.Minute, lifecycle.Options{})
	require.NoError(t, e.ctrl.Enter(context.Background(), code))

	e.clock.BlockUntil(1)
	e.clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		return e.ctrl.State() == lifecycle.StateExpired
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{lifecycle.RouteExpired}, e.nav.Redirects())
	assert.Equal(t, 0, e.backend.LiveSubscriptions(e.roomID))
	assert.Equal(t, 0, e.backend.PresenceChannels(e.roomID))
	assert.Nil(t, e.ctrl.Messages())

	_, _, ok := e.markers.LastRoom()
	assert.False(t, ok, "resume affordance is cleared")
	assert.False(t, e.markers.Exited(code), "expiry is not an exit")
}

func TestVanishedRoom_IsTreatedAsExpired(t *testing.T) {
	e := newEnv(t, time.Hour, lifecycle.Options{})
	ctx := context.Background()
	require.NoError(t, e.ctrl.Enter(ctx, code))

	e.backend.RemoveRoom(e.roomID)
	require.NoError(t, e.ctrl.SetVisible(ctx, false))
	err := e.ctrl.SetVisible(ctx, true)
	assert.ErrorIs(t, err, models.ErrRoomNotFound)

	assert.Equal(t, lifecycle.StateExpired, e.ctrl.State())
	assert.Equal(t, []string{lifecycle.RouteExpired}, e.nav.Redirects())
	assert.Equal(t, 0, e.backend.LiveSubscriptions(e.roomID))
}

func TestPurgedRoom_DetectedFromPush(t *testing.T) {
	e := newEnv(t, time.Hour, lifecycle.Options{})
	require.NoError(t, e.ctrl.Enter(context.Background(), code))

	e.backend.RemoveRoom(e.roomID)
	e.backend.Push(e.roomID, models.Event{
		Type:   models.EventInsert,
		RoomID: e.roomID,
		Record: &models.InsertRecord{ID: "purged", RoomID: e.roomID},
	})

	require.Eventually(t, func() bool {
		return e.ctrl.State() == lifecycle.StateExpired
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{lifecycle.RouteExpired}, e.nav.Redirects())
}

func TestVisibilityRegain_RejoinsDroppedPresence(t *testing.T) {
	e := newEnv(t, time.Hour, lifecycle.Options{})
	ctx := context.Background()
	require.NoError(t, e.ctrl.Enter(ctx, code))
	require.Equal(t, 1, e.backend.PresenceChannels(e.roomID))

	e.backend.DropPresence(e.roomID)
	require.Equal(t, 0, e.backend.PresenceChannels(e.roomID))

	require.Eventually(t, func() bool {
		require.NoError(t, e.ctrl.SetVisible(ctx, false))
		require.NoError(t, e.ctrl.SetVisible(ctx, true))
		return e.backend.PresenceChannels(e.roomID) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, e.ctrl.Presence().Count())
	assert.Equal(t, lifecycle.StateActive, e.ctrl.State())
}

func TestExit_BlocksReentry(t *testing.T) {
	e := newEnv(t, time.Hour, lifecycle.Options{})
	ctx := context.Background()
	require.NoError(t, e.ctrl.Enter(ctx, code))

	require.NoError(t, e.ctrl.Exit(ctx))
	assert.Equal(t, lifecycle.StateExited, e.ctrl.State())
	assert.Equal(t, []string{lifecycle.RouteHome}, e.nav.Redirects())
	assert.Equal(t, 0, e.backend.LiveSubscriptions(e.roomID))
	assert.Equal(t, 0, e.backend.PresenceChannels(e.roomID))

	p, ok := e.backend.Participant(e.roomID, e.session.ID())
	require.True(t, ok)
	assert.NotNil(t, p.ExitedAt)
	assert.True(t, e.markers.Exited(code))

	assert.ErrorIs(t, e.ctrl.Enter(ctx, code), models.ErrExitedRoom)
	assert.Equal(t, 1, e.backend.JoinCalls)

	assert.ErrorIs(t, e.ctrl.Exit(ctx), models.ErrNotParticipant)
}

func TestExit_ServerFailureStillExitsLocally(t *testing.T) {
	e := newEnv(t, time.Hour, lifecycle.Options{})
	ctx := context.Background()
	require.NoError(t, e.ctrl.Enter(ctx, code))

	e.backend.FailExit = clienttest.ErrOffline
	require.NoError(t, e.ctrl.Exit(ctx))
	assert.Equal(t, lifecycle.StateExited, e.ctrl.State())
	assert.True(t, e.markers.Exited(code))
}

func TestClose_DiscardsInFlightJoin(t *testing.T) {
	e := newEnv(t, time.Hour, lifecycle.Options{})
	gate := make(chan struct{})
	e.backend.JoinGate = gate

	result := make(chan error, 1)
	go func() { result <- e.ctrl.Enter(context.Background(), code) }()

	require.Eventually(t, func() bool { return e.backend.Joins() == 1 }, time.Second, 5*time.Millisecond)
	e.ctrl.Close()
	close(gate)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, lifecycle.ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("enter did not return")
	}
	assert.Equal(t, lifecycle.StateIdle, e.ctrl.State(), "a late result must not move the state")
	assert.Equal(t, 0, e.backend.LiveSubscriptions(e.roomID))
	assert.Nil(t, e.ctrl.Messages())
}

func TestLeaveGuards(t *testing.T) {
	t.Run("inactive", func(t *testing.T) {
		e := newEnv(t, time.Hour, lifecycle.Options{})
		assert.True(t, e.ctrl.ConfirmLeave())
		assert.True(t, e.ctrl.Back())
		assert.Equal(t, 0, e.nav.prompts)
	})

	t.Run("confirm", func(t *testing.T) {
		e := newEnv(t, time.Hour, lifecycle.Options{})
		require.NoError(t, e.ctrl.Enter(context.Background(), code))

		assert.False(t, e.ctrl.ConfirmLeave())
		e.nav.answer = true
		assert.True(t, e.ctrl.Back())
		assert.Equal(t, 2, e.nav.prompts)
	})

	t.Run("strict back", func(t *testing.T) {
		e := newEnv(t, time.Hour, lifecycle.Options{StrictBack: true})
		require.NoError(t, e.ctrl.Enter(context.Background(), code))

		assert.False(t, e.ctrl.Back())
		assert.Equal(t, []string{lifecycle.RoomRoute(code)}, e.nav.Redirects())
		assert.Equal(t, 0, e.nav.prompts)
	})
}

func TestRecording_ReleasedOnHideAndTeardown(t *testing.T) {
	mic := &fakeMic{}
	e := newEnv(t, time.Hour, lifecycle.Options{Microphone: mic})
	ctx := context.Background()
	require.NoError(t, e.ctrl.Enter(ctx, code))

	rec := e.ctrl.Recorder()
	require.NotNil(t, rec)
	require.NoError(t, rec.Start(ctx))
	require.NoError(t, e.ctrl.SetVisible(ctx, false))
	assert.True(t, mic.released())
	assert.False(t, rec.Recording())

	require.NoError(t, e.ctrl.SetVisible(ctx, true))
	require.NoError(t, rec.Start(ctx))
	require.NoError(t, e.ctrl.Exit(ctx))
	assert.True(t, mic.released())
}
