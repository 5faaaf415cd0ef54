package remote_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"onetimechat/backend/internal/api/handler"
	"onetimechat/backend/internal/attachments"
	"onetimechat/backend/internal/chathub"
	"onetimechat/backend/internal/client/identity"
	"onetimechat/backend/internal/client/lifecycle"
	"onetimechat/backend/internal/client/remote"
	"onetimechat/backend/internal/models"
	"onetimechat/backend/internal/storage/storagetest"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type server struct {
	*storagetest.Env
	url string
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := storagetest.New(t)
	hub := chathub.NewManagerService(env.Storage)
	hub.Clock = env.Clock
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	h := handler.NewHandler(hub, env.Storage, attachments.NewMemoryStore(), "test-secret")
	h.Clock = env.Clock
	srv := httptest.NewServer(handler.NewRouter(h))
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		srv.Close()
	})
	return &server{Env: env, url: srv.URL}
}

func newClient(t *testing.T, s *server) (*remote.Client, string) {
	t.Helper()
	c, err := remote.New(s.url)
	require.NoError(t, err)
	sid := uuid.NewString()
	got, err := c.Authenticate(context.Background(), sid)
	require.NoError(t, err)
	require.Equal(t, sid, got)
	return c, sid
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := remote.New("ftp://example.com")
	assert.Error(t, err)
	_, err = remote.New("://nope")
	assert.Error(t, err)
}

func TestTransportFailureIsTransient(t *testing.T) {
	c, err := remote.New("http://127.0.0.1:1")
	require.NoError(t, err)
	_, err = c.Authenticate(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, models.ErrNetworkTransient)
}

func TestRoomCalls(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	alice, aliceID := newClient(t, s)
	bob, bobID := newClient(t, s)

	room, err := alice.CreateRoom(ctx, aliceID)
	require.NoError(t, err)
	assert.Len(t, room.Code, 6)

	expiresAt, err := bob.GetRoom(ctx, room.Code)
	require.NoError(t, err)
	assert.True(t, room.ExpiresAt.Equal(expiresAt))

	roomID, err := bob.JoinRoom(ctx, room.Code, bobID)
	require.NoError(t, err)
	assert.Equal(t, room.RoomID, roomID)

	list, err := alice.ListParticipants(ctx, roomID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = bob.JoinRoom(ctx, "NOPE00", bobID)
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
	_, err = bob.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrMessageNotFound)

	require.NoError(t, bob.ExitRoom(ctx, roomID, bobID))
	_, err = bob.InsertMessage(ctx, models.Message{ID: uuid.NewString(), RoomID: roomID, Kind: models.KindText, Content: "late"})
	assert.ErrorIs(t, err, models.ErrNotParticipant)
}

func TestMessagesAndPush(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	alice, aliceID := newClient(t, s)
	bob, bobID := newClient(t, s)

	room, err := alice.CreateRoom(ctx, aliceID)
	require.NoError(t, err)
	_, err = bob.JoinRoom(ctx, room.Code, bobID)
	require.NoError(t, err)

	sub, err := bob.Subscribe(ctx, room.RoomID)
	require.NoError(t, err)
	defer sub.Close()
	// Let the hub register the connection before publishing.
	time.Sleep(100 * time.Millisecond)

	id := uuid.NewString()
	saved, err := alice.InsertMessage(ctx, models.Message{ID: id, RoomID: room.RoomID, Kind: models.KindText, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, id, saved.ID)
	assert.Equal(t, aliceID, saved.SessionID)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, models.EventInsert, ev.Type)
		require.NotNil(t, ev.Record)
		assert.Equal(t, id, ev.Record.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("no push received")
	}

	got, err := bob.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)

	list, err := bob.ListMessages(ctx, room.RoomID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
}

func TestAttachments(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	alice, aliceID := newClient(t, s)
	room, err := alice.CreateRoom(ctx, aliceID)
	require.NoError(t, err)

	p := attachments.ObjectPath(room.RoomID, uuid.NewString(), "png")
	require.NoError(t, alice.UploadAttachment(ctx, models.BucketImages, p, []byte("png-bytes"), "image/png"))

	data, ct, err := alice.DownloadAttachment(ctx, models.BucketImages, p)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
	assert.Equal(t, "image/png", ct)

	paths, err := alice.ListAttachments(ctx, models.BucketImages, room.RoomID)
	require.NoError(t, err)
	assert.Equal(t, []string{p}, paths)

	require.NoError(t, alice.DeleteAttachment(ctx, models.BucketImages, p))
	_, _, err = alice.DownloadAttachment(ctx, models.BucketImages, p)
	var apiErr *remote.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
}

type nav struct{}

func (nav) Redirect(string)     {}
func (nav) Confirm(string) bool { return true }

func TestControllersConverseOverTheWire(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	enter := func(code string) *lifecycle.Controller {
		c, err := remote.New(s.url)
		require.NoError(t, err)
		session := identity.NewSession(identity.NewMemoryKV())
		_, err = c.Authenticate(ctx, session.ID())
		require.NoError(t, err)
		ctrl := lifecycle.NewController(c, session, identity.NewMarkers(identity.NewMemoryKV(), s.Clock), nav{}, s.Clock, lifecycle.Options{})
		t.Cleanup(ctrl.Close)
		require.NoError(t, ctrl.Enter(ctx, code))
		return ctrl
	}

	creator, err := remote.New(s.url)
	require.NoError(t, err)
	creatorID, err := creator.Authenticate(ctx, uuid.NewString())
	require.NoError(t, err)
	room, err := creator.CreateRoom(ctx, creatorID)
	require.NoError(t, err)

	alice := enter(room.Code)
	bob := enter(room.Code)

	require.Eventually(t, func() bool {
		return alice.Presence().Count() == 2 && bob.Presence().Count() == 2
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, alice.Pipeline().SendText(ctx, "hi bob"))
	require.Eventually(t, func() bool {
		msgs := bob.Messages().Messages()
		return len(msgs) == 1 && msgs[0].Content == "hi bob"
	}, 3*time.Second, 20*time.Millisecond)
	assert.Len(t, alice.Messages().Messages(), 1)

	require.NoError(t, bob.Exit(ctx))
	require.Eventually(t, func() bool {
		return alice.Presence().Count() == 1
	}, 3*time.Second, 20*time.Millisecond)
}
