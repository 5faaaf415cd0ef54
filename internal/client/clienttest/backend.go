// Package clienttest provides an in-memory server for client core tests. It
// implements every contract the client packages consume and lets tests
// inject failures, stall push streams and remove rooms.
package clienttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"onetimechat/backend/internal/client/msgsync"
	"onetimechat/backend/internal/client/presence"
	"onetimechat/backend/internal/config"
	"onetimechat/backend/internal/models"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

type room struct {
	models.Room
	participants map[string]*models.Participant
	presence     map[string]models.PresenceMeta
}

type Backend struct {
	Clock clockwork.Clock

	mu       sync.Mutex
	rooms    map[string]*room
	codes    map[string]string
	messages map[string][]models.Message
	subs     map[*Sub]bool
	channels map[*PresenceChan]bool
	objects  map[string][]byte

	// Failure injection. Set before the call under test.
	FailUpload error
	FailInsert error
	FailJoin   error
	FailExit   error

	// JoinGate, when set, makes JoinRoom wait for a value or ctx.
	JoinGate chan struct{}
	// AfterListSnapshot, when set, runs after ListMessages has copied the
	// rows and before it returns them.
	AfterListSnapshot func()

	JoinCalls      int
	SubscribeCalls int
	DeleteCalls    int
}

func NewBackend(clock clockwork.Clock) *Backend {
	return &Backend{
		Clock:    clock,
		rooms:    make(map[string]*room),
		codes:    make(map[string]string),
		messages: make(map[string][]models.Message),
		subs:     make(map[*Sub]bool),
		channels: make(map[*PresenceChan]bool),
		objects:  make(map[string][]byte),
	}
}

// AddRoom creates a room and returns its id.
func (b *Backend) AddRoom(code string, expiresAt time.Time) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	code = models.NormalizeCode(code)
	b.rooms[id] = &room{
		Room:         models.Room{ID: id, Code: code, CreatedAt: b.Clock.Now(), ExpiresAt: expiresAt},
		participants: make(map[string]*models.Participant),
		presence:     make(map[string]models.PresenceMeta),
	}
	b.codes[code] = id
	return id
}

// RemoveRoom deletes a room the way the cleanup job does.
func (b *Backend) RemoveRoom(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rooms[roomID]; ok {
		delete(b.codes, r.Code)
	}
	delete(b.rooms, roomID)
	delete(b.messages, roomID)
}

func (b *Backend) GetRoom(_ context.Context, code string) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.codes[models.NormalizeCode(code)]
	if !ok {
		return time.Time{}, models.ErrRoomNotFound
	}
	return b.rooms[id].ExpiresAt, nil
}

func (b *Backend) JoinRoom(ctx context.Context, code, sessionID string) (string, error) {
	b.mu.Lock()
	b.JoinCalls++
	gate := b.JoinGate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailJoin != nil {
		return "", b.FailJoin
	}
	id, ok := b.codes[models.NormalizeCode(code)]
	if !ok {
		return "", models.ErrRoomNotFound
	}
	r := b.rooms[id]
	now := b.Clock.Now()
	if r.Expired(now) {
		return "", models.ErrRoomExpired
	}
	if _, ok := r.participants[sessionID]; ok {
		return id, nil
	}
	active := 0
	for _, p := range r.participants {
		if p.Active() {
			active++
		}
	}
	if !r.Joinable(now, active, config.RoomCapacity) {
		return "", models.ErrRoomFull
	}
	r.participants[sessionID] = &models.Participant{
		RoomID:    id,
		SessionID: sessionID,
		Color:     config.ParticipantColors[len(r.participants)%len(config.ParticipantColors)],
		JoinedAt:  now,
	}
	return id, nil
}

func (b *Backend) ExitRoom(_ context.Context, roomID, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailExit != nil {
		return b.FailExit
	}
	r, ok := b.rooms[roomID]
	if !ok {
		return models.ErrRoomNotFound
	}
	p, ok := r.participants[sessionID]
	if !ok {
		return models.ErrNotParticipant
	}
	now := b.Clock.Now()
	p.ExitedAt = &now
	return nil
}

func (b *Backend) ListParticipants(_ context.Context, roomID string) ([]models.Participant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[roomID]
	if !ok {
		return nil, models.ErrRoomNotFound
	}
	out := make([]models.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	return out, nil
}

// Joins is JoinCalls read under the lock, for use while calls are in flight.
func (b *Backend) Joins() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.JoinCalls
}

// Participant returns the stored participant row.
func (b *Backend) Participant(roomID, sessionID string) (models.Participant, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[roomID]
	if !ok {
		return models.Participant{}, false
	}
	p, ok := r.participants[sessionID]
	if !ok {
		return models.Participant{}, false
	}
	return *p, true
}

func (b *Backend) ListMessages(_ context.Context, roomID string) ([]models.Message, error) {
	b.mu.Lock()
	if _, ok := b.rooms[roomID]; !ok {
		b.mu.Unlock()
		return nil, models.ErrRoomNotFound
	}
	rows := append([]models.Message(nil), b.messages[roomID]...)
	hook := b.AfterListSnapshot
	b.mu.Unlock()

	if hook != nil {
		hook()
	}
	return rows, nil
}

func (b *Backend) GetMessage(_ context.Context, id string) (*models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, list := range b.messages {
		for _, m := range list {
			if m.ID == id {
				m := m
				return &m, nil
			}
		}
	}
	return nil, models.ErrMessageNotFound
}

// InsertMessage stores msg, keeping its id, and notifies live subscriptions.
func (b *Backend) InsertMessage(_ context.Context, msg models.Message) (*models.Message, error) {
	b.mu.Lock()
	if b.FailInsert != nil {
		err := b.FailInsert
		b.mu.Unlock()
		return nil, err
	}
	b.mu.Unlock()

	saved, err := b.store(msg)
	if err != nil {
		return nil, err
	}
	b.notify(saved)
	return saved, nil
}

// InsertSilently stores msg without notifying anyone, as if the
// notification had been lost.
func (b *Backend) InsertSilently(msg models.Message) (*models.Message, error) {
	return b.store(msg)
}

func (b *Backend) store(msg models.Message) (*models.Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rooms[msg.RoomID]; !ok {
		return nil, models.ErrRoomNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ReplyKind, msg.ReplyContent = nil, nil
	if msg.ReplyTo != nil {
		target := *msg.ReplyTo
		msg.ReplyTo = nil
		for _, m := range b.messages[msg.RoomID] {
			if m.ID == target {
				id, kind, content := m.ID, m.Kind, m.Content
				msg.ReplyTo, msg.ReplyKind, msg.ReplyContent = &id, &kind, &content
			}
		}
	}
	for _, m := range b.messages[msg.RoomID] {
		if m.ID == msg.ID {
			return nil, fmt.Errorf("duplicate message id %s", msg.ID)
		}
	}
	msg.CreatedAt = b.Clock.Now()
	b.messages[msg.RoomID] = append(b.messages[msg.RoomID], msg)
	return &msg, nil
}

func (b *Backend) notify(msg *models.Message) {
	ev := models.Event{
		Type:   models.EventInsert,
		RoomID: msg.RoomID,
		Record: &models.InsertRecord{ID: msg.ID, RoomID: msg.RoomID, SessionID: msg.SessionID, Kind: msg.Kind},
	}
	b.Push(msg.RoomID, ev)
}

// Push delivers ev to every live, unstalled subscription of the room.
func (b *Backend) Push(roomID string, ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.roomID == roomID && !s.stalled {
			select {
			case s.events <- ev:
			default:
			}
		}
	}
}

func (b *Backend) UploadAttachment(_ context.Context, bucket, path string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailUpload != nil {
		return b.FailUpload
	}
	b.objects[bucket+"/"+path] = append([]byte(nil), data...)
	return nil
}

func (b *Backend) DeleteAttachment(_ context.Context, bucket, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.DeleteCalls++
	delete(b.objects, bucket+"/"+path)
	return nil
}

func (b *Backend) HasObject(bucket, path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[bucket+"/"+path]
	return ok
}

func (b *Backend) ObjectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// Sub is a push subscription handed out by Subscribe.
type Sub struct {
	b       *Backend
	roomID  string
	events  chan models.Event
	stalled bool
	once    sync.Once
}

func (s *Sub) Events() <-chan models.Event { return s.events }

func (s *Sub) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
		close(s.events)
	})
	return nil
}

func (b *Backend) Subscribe(_ context.Context, roomID string) (msgsync.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.SubscribeCalls++
	s := &Sub{b: b, roomID: roomID, events: make(chan models.Event, 64)}
	b.subs[s] = true
	return s, nil
}

// LiveSubscriptions counts open message subscriptions for a room.
func (b *Backend) LiveSubscriptions(roomID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for s := range b.subs {
		if s.roomID == roomID {
			n++
		}
	}
	return n
}

// Stall silently stops delivery on the room's current subscriptions, like a
// backgrounded tab's socket.
func (b *Backend) Stall(roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.roomID == roomID {
			s.stalled = true
		}
	}
}

// PresenceChan is a joined presence topic.
type PresenceChan struct {
	b      *Backend
	roomID string
	key    string
	events chan models.Event
	once   sync.Once
}

func (b *Backend) JoinPresence(_ context.Context, roomID, key string) (presence.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rooms[roomID]; !ok {
		return nil, models.ErrRoomNotFound
	}
	c := &PresenceChan{b: b, roomID: roomID, key: key, events: make(chan models.Event, 16)}
	b.channels[c] = true
	return c, nil
}

func (c *PresenceChan) Events() <-chan models.Event { return c.events }

func (c *PresenceChan) Track(_ context.Context, meta models.PresenceMeta) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	r, ok := c.b.rooms[c.roomID]
	if !ok {
		return models.ErrRoomNotFound
	}
	r.presence[c.key] = meta
	c.b.syncPresence(r)
	return nil
}

func (c *PresenceChan) Close() error {
	c.once.Do(func() {
		c.b.mu.Lock()
		delete(c.b.channels, c)
		if r, ok := c.b.rooms[c.roomID]; ok {
			delete(r.presence, c.key)
			c.b.syncPresence(r)
		}
		c.b.mu.Unlock()
		close(c.events)
	})
	return nil
}

// syncPresence must be called with b.mu held.
func (b *Backend) syncPresence(r *room) {
	state := make(map[string]models.PresenceMeta, len(r.presence))
	for k, v := range r.presence {
		state[k] = v
	}
	ev := models.Event{Type: models.EventPresenceSync, RoomID: r.ID, Presence: state}
	for c := range b.channels {
		if c.roomID == r.ID {
			select {
			case c.events <- ev:
			default:
			}
		}
	}
}

// DropPresence ends the room's presence channels from the server side.
func (b *Backend) DropPresence(roomID string) {
	b.mu.Lock()
	var dropped []*PresenceChan
	for c := range b.channels {
		if c.roomID == roomID {
			dropped = append(dropped, c)
		}
	}
	b.mu.Unlock()

	for _, c := range dropped {
		_ = c.Close()
	}
}

// PresenceChannels counts open presence channels for a room.
func (b *Backend) PresenceChannels(roomID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.channels {
		if c.roomID == roomID {
			n++
		}
	}
	return n
}

// ErrOffline is a convenient injected transport failure.
var ErrOffline = errors.New("network unreachable")
