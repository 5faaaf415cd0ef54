package identity_test

import (
	"path/filepath"
	"testing"
	"time"

	"onetimechat/backend/internal/client/identity"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_IDIsStablePerStore(t *testing.T) {
	kv := identity.NewMemoryKV()
	s := identity.NewSession(kv)

	id := s.ID()
	assert.NotEmpty(t, id)
	assert.Equal(t, id, s.ID())

	// a new Session over the same tab storage sees the same id
	assert.Equal(t, id, identity.NewSession(kv).ID())

	// a fresh tab gets a new one
	assert.NotEqual(t, id, identity.NewSession(identity.NewMemoryKV()).ID())
}

func TestMarkers_ExitAndResume(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := identity.NewMarkers(identity.NewMemoryKV(), clock)

	_, _, ok := m.LastRoom()
	assert.False(t, ok)

	require.NoError(t, m.RememberRoom("abc123", "sess"))
	code, sid, ok := m.LastRoom()
	require.True(t, ok)
	assert.Equal(t, "ABC123", code)
	assert.Equal(t, "sess", sid)

	assert.False(t, m.Exited("ABC123"))
	require.NoError(t, m.MarkExited("abc123"))
	assert.True(t, m.Exited("ABC123"))
	assert.True(t, m.Exited(" abc123 "))
	assert.False(t, m.Exited("OTHER1"))

	require.NoError(t, m.ForgetRoom())
	_, _, ok = m.LastRoom()
	assert.False(t, ok)
}

func TestFileKV_PersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "client.yaml")

	kv, err := identity.OpenFileKV(path)
	require.NoError(t, err)
	require.NoError(t, kv.Set("room_exit_ABC123", "2026-03-01T12:00:00Z"))
	require.NoError(t, kv.Set(identity.KeyLastRoomCode, "ABC123"))
	require.NoError(t, kv.Delete(identity.KeyLastRoomCode))

	again, err := identity.OpenFileKV(path)
	require.NoError(t, err)
	v, ok := again.Get("room_exit_ABC123")
	assert.True(t, ok)
	assert.Equal(t, "2026-03-01T12:00:00Z", v)
	_, ok = again.Get(identity.KeyLastRoomCode)
	assert.False(t, ok)
}
