package chathub_test

import (
	"context"
	"testing"
	"time"

	"onetimechat/backend/internal/chathub"
	"onetimechat/backend/internal/models"
	"onetimechat/backend/internal/storage/storagetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// newMockHub starts a hub over MockRealtime. The pub/sub side is backed by a
// throwaway miniredis so the listener has a real subscription to read from.
func newMockHub(t *testing.T) (*chathub.ManagerService, *MockRealtime) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rt := new(MockRealtime)
	rt.On("SubscribeToAllRooms", mock.Anything).Return(rdb.PSubscribe(context.Background(), models.RoomChannelPattern))

	hub := chathub.NewManagerService(rt)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	return hub, rt
}

func recv(t *testing.T, c *MockClient) models.Event {
	t.Helper()
	select {
	case ev := <-c.RecvChannel:
		return ev
	case <-time.After(waitFor):
		t.Fatalf("client %s received nothing", c.GetSessionID())
		return models.Event{}
	}
}

func assertSilent(t *testing.T, c *MockClient) {
	t.Helper()
	select {
	case ev := <-c.RecvChannel:
		t.Errorf("client %s got unexpected %s event", c.GetSessionID(), ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_RegisterUnregister(t *testing.T) {
	hub, _ := newMockHub(t)
	clientA := newMockClient("user_A", "room1", models.TopicMessages)

	hub.RegisterCh <- clientA
	hub.PubSubCh <- models.Event{Type: models.EventInsert, RoomID: "room1", Record: &models.InsertRecord{ID: "m1"}}
	assert.Equal(t, "m1", recv(t, clientA).Record.ID)

	hub.UnregisterCh <- clientA
	assert.Eventually(t, clientA.Closed, waitFor, 10*time.Millisecond)

	// a second unregister is harmless
	hub.UnregisterCh <- clientA
}

func TestManager_BroadcastFiltersByRoomAndTopic(t *testing.T) {
	hub, rt := newMockHub(t)
	rt.On("PresenceState", mock.Anything, "room1").Return(map[string]models.PresenceMeta{}, nil)

	messages := newMockClient("a", "room1", models.TopicMessages)
	presence := newMockClient("b", "room1", models.TopicPresence)
	elsewhere := newMockClient("c", "room2", models.TopicMessages)
	hub.RegisterCh <- messages
	hub.RegisterCh <- presence
	hub.RegisterCh <- elsewhere

	snapshot := recv(t, presence)
	assert.Equal(t, models.EventPresenceSync, snapshot.Type)

	hub.PubSubCh <- models.Event{Type: models.EventInsert, RoomID: "room1", Record: &models.InsertRecord{ID: "m1"}}

	assert.Equal(t, "m1", recv(t, messages).Record.ID)
	assertSilent(t, presence)
	assertSilent(t, elsewhere)
}

func TestManager_SlowClientIsDropped(t *testing.T) {
	hub, _ := newMockHub(t)
	slow := newMockClient("slow", "room1", models.TopicMessages)
	hub.RegisterCh <- slow

	for i := 0; i <= cap(slow.RecvChannel); i++ {
		hub.PubSubCh <- models.Event{Type: models.EventInsert, RoomID: "room1", Record: &models.InsertRecord{ID: "m"}}
	}
	assert.Eventually(t, slow.Closed, waitFor, 10*time.Millisecond)
}

func TestManager_TrackAndUntrackPublishPresence(t *testing.T) {
	hub, rt := newMockHub(t)
	state := map[string]models.PresenceMeta{"s1": {JoinedAt: time.Now()}}
	published := make(chan struct{}, 4)

	rt.On("PresenceState", mock.Anything, "room1").Return(state, nil)
	rt.On("TrackPresence", mock.Anything, "room1", "s1", mock.Anything).Return(nil).Once()
	rt.On("UntrackPresence", mock.Anything, "room1", "s1").Return(nil).Once()
	rt.On("PublishEvent", mock.Anything, mock.MatchedBy(func(ev models.Event) bool {
		return ev.Type == models.EventPresenceSync && ev.RoomID == "room1"
	})).Return(nil).Run(func(mock.Arguments) { published <- struct{}{} })

	client := newMockClient("s1", "room1", models.TopicPresence)
	hub.RegisterCh <- client
	recv(t, client) // snapshot

	hub.TrackCh <- chathub.TrackRequest{Client: client}
	hub.UnregisterCh <- client

	for i := 0; i < 2; i++ {
		select {
		case <-published:
		case <-time.After(waitFor):
			t.Fatalf("expected 2 presence publishes, got %d", i)
		}
	}
	rt.AssertExpectations(t)
}

func TestManager_UntrackKeepsKeyWhileAnotherTabIsTracked(t *testing.T) {
	hub, rt := newMockHub(t)
	published := make(chan struct{}, 4)

	rt.On("PresenceState", mock.Anything, "room1").Return(map[string]models.PresenceMeta{}, nil)
	rt.On("TrackPresence", mock.Anything, "room1", "s1", mock.Anything).Return(nil)
	rt.On("PublishEvent", mock.Anything, mock.Anything).Return(nil).Run(func(mock.Arguments) { published <- struct{}{} })

	tab1 := newMockClient("s1", "room1", models.TopicPresence)
	tab2 := newMockClient("s1", "room1", models.TopicPresence)
	hub.RegisterCh <- tab1
	hub.RegisterCh <- tab2
	hub.TrackCh <- chathub.TrackRequest{Client: tab1}
	hub.TrackCh <- chathub.TrackRequest{Client: tab2}
	hub.UnregisterCh <- tab1
	assert.Eventually(t, tab1.Closed, waitFor, 10*time.Millisecond)

	rt.AssertNotCalled(t, "UntrackPresence", mock.Anything, "room1", "s1")
}

func TestManager_TrackIgnoredOnMessagesTopic(t *testing.T) {
	hub, rt := newMockHub(t)
	client := newMockClient("s1", "room1", models.TopicMessages)
	hub.RegisterCh <- client

	hub.TrackCh <- chathub.TrackRequest{Client: client}
	hub.UnregisterCh <- client
	assert.Eventually(t, client.Closed, waitFor, 10*time.Millisecond)

	rt.AssertNotCalled(t, "TrackPresence", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestManager_PresenceRoundTripAndSweep(t *testing.T) {
	env := storagetest.New(t)
	hub := chathub.NewManagerService(env.Storage)
	hub.Clock = env.Clock

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})

	require.Eventually(t, func() bool { return env.Redis.PubSubNumPat() > 0 }, waitFor, 10*time.Millisecond)
	env.Clock.BlockUntil(1) // sweep ticker

	client := newMockClient("s1", "room1", models.TopicPresence)
	hub.RegisterCh <- client
	assert.Empty(t, recv(t, client).Presence)

	hub.TrackCh <- chathub.TrackRequest{Client: client}
	synced := recv(t, client)
	assert.Equal(t, models.EventPresenceSync, synced.Type)
	assert.Contains(t, synced.Presence, "s1")

	// no heartbeat: keep ticking until the window has passed
	deadline := time.After(waitFor)
	for {
		env.Clock.Advance(hub.SweepInterval)
		select {
		case ev := <-client.RecvChannel:
			if len(ev.Presence) == 0 {
				assert.Equal(t, models.EventPresenceSync, ev.Type)
				return
			}
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("presence was never swept")
		}
	}
}
