// Package presence keeps a live count of the sessions connected to a room.
package presence

import (
	"context"
	"log/slog"
	"sync"

	"onetimechat/backend/internal/logger"
	"onetimechat/backend/internal/models"

	"github.com/jonboulle/clockwork"
)

// Channel is a joined presence topic. Events delivers presence_sync events
// and is closed when the channel ends.
type Channel interface {
	Events() <-chan models.Event
	Track(ctx context.Context, meta models.PresenceMeta) error
	Close() error
}

type Joiner interface {
	JoinPresence(ctx context.Context, roomID, key string) (Channel, error)
}

// Tracker announces the local session and counts distinct keys on every
// sync. The count is advisory; capacity is enforced by the join.
type Tracker struct {
	joiner Joiner
	clock  clockwork.Clock
	log    *slog.Logger

	mu       sync.Mutex
	count    int
	roomID   string
	key      string
	ch       Channel
	onChange func(int)
	done     chan struct{}
}

func NewTracker(j Joiner, clock clockwork.Clock) *Tracker {
	return &Tracker{joiner: j, clock: clock, log: logger.L(), count: 1}
}

// OnChange registers fn to receive the count after every sync.
func (t *Tracker) OnChange(fn func(count int)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Start joins the room's presence topic under key and tracks it.
func (t *Tracker) Start(ctx context.Context, roomID, key string) error {
	t.Stop()
	t.mu.Lock()
	t.roomID, t.key = roomID, key
	t.mu.Unlock()
	return t.join(ctx)
}

func (t *Tracker) join(ctx context.Context) error {
	t.mu.Lock()
	roomID, key := t.roomID, t.key
	t.mu.Unlock()

	ch, err := t.joiner.JoinPresence(ctx, roomID, key)
	if err != nil {
		return err
	}
	if err := ch.Track(ctx, models.PresenceMeta{JoinedAt: t.clock.Now().UTC()}); err != nil {
		_ = ch.Close()
		return err
	}

	done := make(chan struct{})
	t.mu.Lock()
	if t.roomID != roomID || t.ch != nil {
		// Stopped or restarted while joining.
		t.mu.Unlock()
		_ = ch.Close()
		return nil
	}
	t.ch, t.done = ch, done
	t.mu.Unlock()

	go t.listen(ch, done)
	return nil
}

func (t *Tracker) listen(ch Channel, done chan struct{}) {
	defer close(done)
	for ev := range ch.Events() {
		if ev.Type != models.EventPresenceSync {
			continue
		}
		// The local session is connected even if a sync predates its track.
		n := len(ev.Presence)
		if n < 1 {
			n = 1
		}

		t.mu.Lock()
		t.count = n
		fn := t.onChange
		t.mu.Unlock()

		if fn != nil {
			fn(n)
		}
	}
}

// Resume rejoins the started room if its channel has ended or never
// opened. It is a no-op while the channel is live or when not started.
func (t *Tracker) Resume(ctx context.Context) error {
	t.mu.Lock()
	roomID, done := t.roomID, t.done
	t.mu.Unlock()

	if roomID == "" {
		return nil
	}
	if done != nil {
		select {
		case <-done:
		default:
			return nil
		}
	}
	t.release()
	t.log.Info("rejoining presence", "room", roomID)
	return t.join(ctx)
}

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Stop leaves the presence topic. It is a no-op when not started.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.roomID, t.key = "", ""
	t.mu.Unlock()
	t.release()
}

func (t *Tracker) release() {
	t.mu.Lock()
	ch, done := t.ch, t.done
	t.ch, t.done = nil, nil
	t.mu.Unlock()

	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil {
		t.log.Warn("close presence channel failed", "err", err)
	}
	<-done
}
