package chathub

import (
	"context"
	"log/slog"
	"time"

	"onetimechat/backend/internal/config"
	"onetimechat/backend/internal/logger"
	"onetimechat/backend/internal/models"
	"onetimechat/backend/internal/storage"

	"github.com/jonboulle/clockwork"
)

// TrackRequest asks the hub to add a client's session to its room's presence.
type TrackRequest struct {
	Client Client
	Meta   models.PresenceMeta
}

// ManagerService is the hub. It owns the set of live push connections and
// fans out room events arriving over Redis to the matching ones.
type ManagerService struct {
	Clients map[Client]bool

	// Channels
	RegisterCh   chan Client
	UnregisterCh chan Client
	TrackCh      chan TrackRequest
	PubSubCh     chan models.Event

	Storage storage.Realtime
	Clock   clockwork.Clock
	Log     *slog.Logger

	// PresenceWindow is how long a tracked key survives without a heartbeat.
	PresenceWindow time.Duration
	SweepInterval  time.Duration

	tracked map[Client]bool
	done    chan struct{}
}

func NewManagerService(rt storage.Realtime) *ManagerService {
	return &ManagerService{
		Clients:        make(map[Client]bool),
		RegisterCh:     make(chan Client),
		UnregisterCh:   make(chan Client),
		TrackCh:        make(chan TrackRequest),
		PubSubCh:       make(chan models.Event),
		Storage:        rt,
		Clock:          clockwork.NewRealClock(),
		Log:            logger.L(),
		PresenceWindow: config.DefaultPresenceWindow,
		SweepInterval:  config.PresenceSweepInterval,
		tracked:        make(map[Client]bool),
		done:           make(chan struct{}),
	}
}

// Done is closed once Run has returned.
func (m *ManagerService) Done() <-chan struct{} {
	return m.done
}

// Run processes hub events until ctx is cancelled. It closes every client
// still registered on the way out.
func (m *ManagerService) Run(ctx context.Context) {
	defer close(m.done)

	m.StartPubSubListener(ctx)

	sweep := m.Clock.NewTicker(m.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case client := <-m.RegisterCh:
			m.Clients[client] = true
			m.Log.Debug("client registered", "session", client.GetSessionID(), "room", client.GetRoomID(), "topic", client.GetTopic())
			if client.GetTopic() == models.TopicPresence {
				m.sendPresenceSnapshot(ctx, client)
			}

		case client := <-m.UnregisterCh:
			m.removeClient(ctx, client)

		case req := <-m.TrackCh:
			m.handleTrack(ctx, req)

		case ev := <-m.PubSubCh:
			m.broadcast(ctx, ev)

		case <-sweep.Chan():
			m.sweepPresence(ctx)

		case <-ctx.Done():
			for client := range m.Clients {
				client.Close()
			}
			m.Clients = make(map[Client]bool)
			m.tracked = make(map[Client]bool)
			return
		}
	}
}

func (m *ManagerService) removeClient(ctx context.Context, client Client) {
	if !m.Clients[client] {
		return
	}
	delete(m.Clients, client)
	client.Close()

	if !m.tracked[client] {
		return
	}
	delete(m.tracked, client)

	roomID, key := client.GetRoomID(), client.GetSessionID()
	// Another tab of the same session keeps the key alive.
	for other := range m.tracked {
		if other.GetRoomID() == roomID && other.GetSessionID() == key {
			return
		}
	}
	if err := m.Storage.UntrackPresence(ctx, roomID, key); err != nil {
		m.Log.Error("untrack presence failed", "room", roomID, "key", key, "err", err)
		return
	}
	m.publishPresence(ctx, roomID)
}

func (m *ManagerService) handleTrack(ctx context.Context, req TrackRequest) {
	client := req.Client
	if !m.Clients[client] || client.GetTopic() != models.TopicPresence {
		return
	}
	meta := req.Meta
	if meta.JoinedAt.IsZero() {
		meta.JoinedAt = m.Clock.Now().UTC()
	}
	if err := m.Storage.TrackPresence(ctx, client.GetRoomID(), client.GetSessionID(), meta); err != nil {
		m.Log.Error("track presence failed", "room", client.GetRoomID(), "key", client.GetSessionID(), "err", err)
		return
	}
	m.tracked[client] = true
	m.publishPresence(ctx, client.GetRoomID())
}

// broadcast delivers ev to every client of its room subscribed to its topic.
// A client whose buffer is full is dropped; it reconnects and re-fetches.
func (m *ManagerService) broadcast(ctx context.Context, ev models.Event) {
	topic := ev.Type.Topic()
	var slow []Client
	for client := range m.Clients {
		if client.GetRoomID() != ev.RoomID || client.GetTopic() != topic {
			continue
		}
		select {
		case client.GetSendChannel() <- ev:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		m.Log.Warn("dropping slow client", "session", client.GetSessionID(), "room", client.GetRoomID())
		m.removeClient(ctx, client)
	}
}

func (m *ManagerService) sendPresenceSnapshot(ctx context.Context, client Client) {
	state, err := m.Storage.PresenceState(ctx, client.GetRoomID())
	if err != nil {
		m.Log.Error("read presence failed", "room", client.GetRoomID(), "err", err)
		return
	}
	ev := models.Event{Type: models.EventPresenceSync, RoomID: client.GetRoomID(), Presence: state}
	select {
	case client.GetSendChannel() <- ev:
	default:
	}
}

func (m *ManagerService) publishPresence(ctx context.Context, roomID string) {
	state, err := m.Storage.PresenceState(ctx, roomID)
	if err != nil {
		m.Log.Error("read presence failed", "room", roomID, "err", err)
		return
	}
	ev := models.Event{Type: models.EventPresenceSync, RoomID: roomID, Presence: state}
	if err := m.Storage.PublishEvent(ctx, ev); err != nil {
		m.Log.Error("publish presence failed", "room", roomID, "err", err)
	}
}

// sweepPresence expires silent keys in every room this node tracks.
func (m *ManagerService) sweepPresence(ctx context.Context) {
	rooms := make(map[string]bool)
	for client := range m.tracked {
		rooms[client.GetRoomID()] = true
	}
	for roomID := range rooms {
		removed, err := m.Storage.SweepPresence(ctx, roomID, m.PresenceWindow)
		if err != nil {
			m.Log.Error("sweep presence failed", "room", roomID, "err", err)
			continue
		}
		if len(removed) > 0 {
			m.Log.Info("presence expired", "room", roomID, "keys", removed)
			m.publishPresence(ctx, roomID)
		}
	}
}
