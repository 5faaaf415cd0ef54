package identity

import (
	"log/slog"
	"sync"
	"time"

	"onetimechat/backend/internal/logger"
	"onetimechat/backend/internal/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Storage keys, shared with the browser client.
const (
	KeySessionID    = "user_id"
	KeyLastRoomCode = "last_room_code"
	KeyLastRoomUser = "last_room_user"
	exitPrefix      = "room_exit_"
)

// Session hands out the participant id for the lifetime of its KV.
type Session struct {
	kv  KV
	log *slog.Logger

	mu sync.Mutex
	id string
}

func NewSession(kv KV) *Session {
	return &Session{kv: kv, log: logger.L()}
}

// ID returns the session id, creating and storing one on first use.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.id != "" {
		return s.id
	}
	if v, ok := s.kv.Get(KeySessionID); ok && v != "" {
		s.id = v
		return v
	}
	s.id = uuid.NewString()
	if err := s.kv.Set(KeySessionID, s.id); err != nil {
		// Still stable for this process.
		s.log.Warn("persist session id failed", "err", err)
	}
	return s.id
}

// Markers is the durable client state: the room to offer resuming and the
// codes this browser has exited.
type Markers struct {
	kv    KV
	clock clockwork.Clock
}

func NewMarkers(kv KV, clock clockwork.Clock) *Markers {
	return &Markers{kv: kv, clock: clock}
}

// MarkExited blocks future entry into the room with code.
func (m *Markers) MarkExited(code string) error {
	return m.kv.Set(exitPrefix+models.NormalizeCode(code), m.clock.Now().UTC().Format(time.RFC3339))
}

func (m *Markers) Exited(code string) bool {
	_, ok := m.kv.Get(exitPrefix + models.NormalizeCode(code))
	return ok
}

// RememberRoom records the last visited room for the resume affordance.
func (m *Markers) RememberRoom(code, sessionID string) error {
	if err := m.kv.Set(KeyLastRoomCode, models.NormalizeCode(code)); err != nil {
		return err
	}
	return m.kv.Set(KeyLastRoomUser, sessionID)
}

func (m *Markers) LastRoom() (code, sessionID string, ok bool) {
	code, ok = m.kv.Get(KeyLastRoomCode)
	if !ok || code == "" {
		return "", "", false
	}
	sessionID, _ = m.kv.Get(KeyLastRoomUser)
	return code, sessionID, true
}

func (m *Markers) ForgetRoom() error {
	if err := m.kv.Delete(KeyLastRoomCode); err != nil {
		return err
	}
	return m.kv.Delete(KeyLastRoomUser)
}
