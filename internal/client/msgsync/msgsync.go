// Package msgsync owns a room's ordered message list on the client. It loads
// history, merges pushed inserts with locally added optimistic entries, and
// re-establishes its push subscription when the view becomes visible again.
package msgsync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"onetimechat/backend/internal/logger"
	"onetimechat/backend/internal/models"
)

// Entry is one displayed message.
type Entry struct {
	models.Message
	// Optimistic is set until the durable row is merged in.
	Optimistic bool
	// LocalPreview references a local copy of an image while it uploads.
	LocalPreview string
}

// Store fetches durable rows.
type Store interface {
	ListMessages(ctx context.Context, roomID string) ([]models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
}

// Subscription is a live push stream. Events is closed when the
// subscription ends for any reason.
type Subscription interface {
	Events() <-chan models.Event
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, roomID string) (Subscription, error)
}

type Synchronizer struct {
	store Store
	subs  Subscriber
	log   *slog.Logger

	// resub serialises subscription teardown and creation.
	resub sync.Mutex

	mu         sync.Mutex
	roomID     string
	entries    []Entry
	sub        Subscription
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
	visible    bool
	atBottom   bool
	unseen     bool
	closed     bool
	onChange   func([]Entry)
	onVanished func()
}

func New(store Store, subs Subscriber) *Synchronizer {
	return &Synchronizer{
		store:    store,
		subs:     subs,
		log:      logger.L(),
		visible:  true,
		atBottom: true,
	}
}

// OnChange registers fn to receive a snapshot after every change.
func (s *Synchronizer) OnChange(fn func([]Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// OnVanished registers fn to run when the room no longer exists.
func (s *Synchronizer) OnVanished(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onVanished = fn
}

// Open subscribes to roomID and loads its history.
func (s *Synchronizer) Open(ctx context.Context, roomID string) error {
	s.mu.Lock()
	s.roomID = roomID
	s.entries = nil
	s.closed = false
	s.mu.Unlock()

	if err := s.resubscribe(ctx); err != nil {
		return err
	}
	return s.LoadHistory(ctx)
}

// LoadHistory folds the stored rows into the list. Fetched rows replace
// entries with the same id; entries the fetch did not return are kept, since
// they are either still pending or were pushed while the fetch was in flight.
func (s *Synchronizer) LoadHistory(ctx context.Context) error {
	s.mu.Lock()
	roomID := s.roomID
	s.mu.Unlock()

	rows, err := s.store.ListMessages(ctx, roomID)
	if errors.Is(err, models.ErrRoomNotFound) {
		s.vanished()
		return err
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed || s.roomID != roomID {
		s.mu.Unlock()
		return nil
	}
	fetched := make(map[string]bool, len(rows))
	next := make([]Entry, 0, len(rows)+len(s.entries))
	for _, row := range rows {
		fetched[row.ID] = true
		next = append(next, Entry{Message: row})
	}
	for _, e := range s.entries {
		if !fetched[e.ID] {
			next = append(next, e)
		}
	}
	s.entries = next
	sortEntries(s.entries)
	s.mu.Unlock()

	s.changed()
	return nil
}

// Merge folds a confirmed row into the list:
//  1. an entry with the same id is replaced in place;
//  2. otherwise the first optimistic entry by the same author with the same
//     kind and content is replaced in place;
//  3. otherwise the row is appended.
//
// The list is then kept sorted by creation time.
func (s *Synchronizer) Merge(row models.Message) {
	s.mu.Lock()
	if s.closed || row.RoomID != s.roomID {
		s.mu.Unlock()
		return
	}

	idx := s.indexOf(row.ID)
	if idx < 0 {
		idx = s.optimisticMatch(row)
	}
	if idx >= 0 {
		s.entries[idx] = Entry{Message: row}
	} else {
		s.entries = append(s.entries, Entry{Message: row})
		if !s.atBottom {
			s.unseen = true
		}
	}
	sortEntries(s.entries)
	s.mu.Unlock()

	s.changed()
}

func (s *Synchronizer) indexOf(id string) int {
	for i, e := range s.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (s *Synchronizer) optimisticMatch(row models.Message) int {
	for i, e := range s.entries {
		if e.Optimistic && e.SessionID == row.SessionID && e.Kind == row.Kind && e.Content == row.Content {
			return i
		}
	}
	return -1
}

// AddOptimistic shows a message before it is stored.
func (s *Synchronizer) AddOptimistic(e Entry) {
	e.Optimistic = true
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if i := s.indexOf(e.ID); i >= 0 {
		if !s.entries[i].Optimistic {
			// The row is already confirmed.
			s.mu.Unlock()
			return
		}
		s.entries[i] = e
	} else {
		s.entries = append(s.entries, e)
	}
	sortEntries(s.entries)
	s.mu.Unlock()

	s.changed()
}

// Remove drops the entry with id and reports whether it was present.
func (s *Synchronizer) Remove(id string) bool {
	s.mu.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	s.mu.Unlock()

	s.changed()
	return true
}

// Messages returns a copy of the current list.
func (s *Synchronizer) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Lookup returns the entry with id.
func (s *Synchronizer) Lookup(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.entries[i], true
	}
	return Entry{}, false
}

// SetVisible records tab visibility. Going from hidden to visible replaces
// the subscription, which may have stalled, and re-fetches history to cover
// anything it missed.
func (s *Synchronizer) SetVisible(ctx context.Context, visible bool) error {
	s.mu.Lock()
	regained := visible && !s.visible && !s.closed && s.roomID != ""
	s.visible = visible
	s.mu.Unlock()

	if !regained {
		return nil
	}
	if err := s.resubscribe(ctx); err != nil {
		return err
	}
	return s.LoadHistory(ctx)
}

// SetAtBottom records whether the view shows the newest message. Reaching
// the bottom clears the unseen indicator.
func (s *Synchronizer) SetAtBottom(atBottom bool) {
	s.mu.Lock()
	s.atBottom = atBottom
	if atBottom {
		s.unseen = false
	}
	s.mu.Unlock()
}

// HasUnseen reports a message arrived while the view was scrolled up.
func (s *Synchronizer) HasUnseen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unseen
}

// Close ends the subscription. The list is kept for a final render.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.resub.Lock()
	defer s.resub.Unlock()
	return s.teardown()
}

// resubscribe closes the current subscription, if any, before opening the
// next one, so a room never has two live subscriptions.
func (s *Synchronizer) resubscribe(ctx context.Context) error {
	s.resub.Lock()
	defer s.resub.Unlock()

	if err := s.teardown(); err != nil {
		s.log.Warn("close stale subscription failed", "err", err)
	}

	s.mu.Lock()
	roomID, closed := s.roomID, s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}

	sub, err := s.subs.Subscribe(ctx, roomID)
	if err != nil {
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.sub, s.pumpCancel, s.pumpDone = sub, cancel, done
	s.mu.Unlock()

	go s.pump(pumpCtx, sub, done)
	return nil
}

// teardown must be called with resub held.
func (s *Synchronizer) teardown() error {
	s.mu.Lock()
	sub, cancel, done := s.sub, s.pumpCancel, s.pumpDone
	s.sub, s.pumpCancel, s.pumpDone = nil, nil, nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	cancel()
	err := sub.Close()
	<-done
	return err
}

// pump turns insert notifications into merged rows. Notifications carry
// only the id, so each row is fetched in full before merging.
func (s *Synchronizer) pump(ctx context.Context, sub Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Type != models.EventInsert || ev.Record == nil {
				continue
			}
			row, err := s.store.GetMessage(ctx, ev.Record.ID)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return
			case errors.Is(err, models.ErrRoomNotFound), errors.Is(err, models.ErrMessageNotFound):
				// A notified row that is gone means the room was purged.
				// The check runs apart from the pump so that a vanished
				// handler may close the synchronizer.
				go s.recheck()
				continue
			default:
				s.log.Warn("fetch pushed message failed", "msg", ev.Record.ID, "err", err)
				continue
			}
			s.Merge(*row)
		}
	}
}

// recheck reloads history, which reports a vanished room.
func (s *Synchronizer) recheck() {
	err := s.LoadHistory(context.Background())
	if err != nil && !errors.Is(err, models.ErrRoomNotFound) {
		s.log.Warn("reload after missing row failed", "err", err)
	}
}

func (s *Synchronizer) changed() {
	s.mu.Lock()
	fn := s.onChange
	snapshot := append([]Entry(nil), s.entries...)
	s.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}

func (s *Synchronizer) vanished() {
	s.mu.Lock()
	fn := s.onVanished
	if s.closed {
		fn = nil
	}
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
