// Package lifecycle drives a client through a room: entering by code,
// running the room's components while active, and tearing everything down
// on expiry or exit.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"onetimechat/backend/internal/client/directory"
	"onetimechat/backend/internal/client/expiry"
	"onetimechat/backend/internal/client/identity"
	"onetimechat/backend/internal/client/msgsync"
	"onetimechat/backend/internal/client/outbound"
	"onetimechat/backend/internal/client/presence"
	"onetimechat/backend/internal/logger"
	"onetimechat/backend/internal/models"

	"github.com/jonboulle/clockwork"
)

type State int

const (
	StateIdle State = iota
	StateJoining
	StateActive
	StateExpired
	StateExited
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateExited:
		return "exited"
	case StateError:
		return "error"
	}
	return "unknown"
}

const (
	RouteHome    = "/"
	RouteExpired = "/expired"

	LeavePrompt = "Leave this chat? You can come back while it is still open."
)

// ErrAborted is returned by an Enter call that was superseded by another
// Enter or by Close before it finished.
var ErrAborted = errors.New("room entry aborted")

// Navigator is the routing surface of the front end.
type Navigator interface {
	Redirect(route string)
	// Confirm asks the user and reports whether they agreed.
	Confirm(prompt string) bool
}

// RoomAPI covers the room calls the controller makes itself.
type RoomAPI interface {
	ExitRoom(ctx context.Context, roomID, sessionID string) error
	ListParticipants(ctx context.Context, roomID string) ([]models.Participant, error)
}

// Backend is everything a room needs from the server.
type Backend interface {
	directory.API
	msgsync.Store
	msgsync.Subscriber
	presence.Joiner
	outbound.Store
	RoomAPI
}

type Options struct {
	// StrictBack blocks the back action entirely while active instead of
	// asking for confirmation.
	StrictBack bool
	// Microphone enables voice recording. Nil disables it.
	Microphone outbound.Microphone
}

type Controller struct {
	backend Backend
	dir     *directory.Client
	session *identity.Session
	markers *identity.Markers
	nav     Navigator
	clock   clockwork.Clock
	opts    Options
	log     *slog.Logger

	mu        sync.Mutex
	state     State
	err       error
	attempt   uint64
	code      string
	roomID    string
	expiresAt time.Time
	colors    map[string]string
	onState   func(State)

	sync     *msgsync.Synchronizer
	pipeline *outbound.Pipeline
	previews *outbound.PreviewRegistry
	recorder *outbound.Recorder
	presence *presence.Tracker
	expiry   *expiry.Clock
	cancel   context.CancelFunc
}

func NewController(b Backend, session *identity.Session, markers *identity.Markers, nav Navigator, clock clockwork.Clock, opts Options) *Controller {
	return &Controller{
		backend: b,
		dir:     directory.New(b),
		session: session,
		markers: markers,
		nav:     nav,
		clock:   clock,
		opts:    opts,
		log:     logger.L(),
	}
}

// OnState registers fn to receive every state change.
func (c *Controller) OnState(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Enter joins the room with code and starts its components. A code this
// client has exited before is refused without contacting the server.
func (c *Controller) Enter(ctx context.Context, code string) error {
	code = models.NormalizeCode(code)
	c.teardown()

	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.code, c.roomID, c.err, c.colors = code, "", nil, nil
	c.mu.Unlock()

	log := c.log.With("code", code)

	if c.markers.Exited(code) {
		log.Info("refusing re-entry into exited room")
		c.setState(attempt, StateExited, nil)
		c.nav.Redirect(RouteHome)
		return models.ErrExitedRoom
	}
	c.setState(attempt, StateJoining, nil)

	sessionID := c.session.ID()
	expiresAt, err := c.dir.Resolve(ctx, code)
	if err != nil {
		return c.failJoin(attempt, err)
	}
	if c.stale(attempt) {
		return ErrAborted
	}
	roomID, err := c.dir.Join(ctx, code, sessionID)
	if err != nil {
		return c.failJoin(attempt, err)
	}
	if c.stale(attempt) {
		return ErrAborted
	}
	log = log.With("room", roomID)

	if err := c.markers.RememberRoom(code, sessionID); err != nil {
		log.Warn("remember room failed", "err", err)
	}

	colors := make(map[string]string)
	if list, err := c.backend.ListParticipants(ctx, roomID); err != nil {
		log.Warn("participant colors unavailable", "err", err)
	} else {
		for _, p := range list {
			colors[p.SessionID] = p.Color
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := msgsync.New(c.backend, c.backend)
	s.OnVanished(func() { c.expire(attempt, "room vanished") })
	previews := outbound.NewPreviewRegistry()
	pipeline := outbound.NewPipeline(c.backend, s, previews, c.clock, roomID, sessionID)
	tracker := presence.NewTracker(c.backend, c.clock)
	clock := expiry.New(c.clock)
	clock.OnExpire(func() { c.expire(attempt, "expiry clock fired") })
	var recorder *outbound.Recorder
	if c.opts.Microphone != nil {
		recorder = outbound.NewRecorder(c.opts.Microphone, c.clock)
	}

	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		cancel()
		return ErrAborted
	}
	c.roomID, c.expiresAt, c.colors = roomID, expiresAt, colors
	c.sync, c.pipeline, c.previews, c.recorder = s, pipeline, previews, recorder
	c.presence, c.expiry, c.cancel = tracker, clock, cancel
	c.mu.Unlock()

	if err := s.Open(ctx, roomID); err != nil {
		if errors.Is(err, models.ErrRoomNotFound) {
			// OnVanished already moved us to expired.
			return models.ErrRoomExpired
		}
		c.teardown()
		return c.failJoin(attempt, err)
	}
	if err := tracker.Start(runCtx, roomID, sessionID); err != nil {
		log.Warn("presence unavailable", "err", err)
	}

	if !c.setState(attempt, StateActive, nil) {
		return ErrAborted
	}
	// Starting last lets an already expired room go straight to expired.
	clock.Start(runCtx, expiresAt)
	if c.State() == StateExpired {
		return models.ErrRoomExpired
	}
	log.Info("entered room", "expires_at", expiresAt)
	return nil
}

func (c *Controller) failJoin(attempt uint64, err error) error {
	if !c.setState(attempt, StateError, err) {
		return ErrAborted
	}
	c.log.Warn("join failed", "err", err)
	if errors.Is(err, models.ErrRoomExpired) {
		c.nav.Redirect(RouteExpired)
	}
	return err
}

// expire moves an active or joining room to expired. It runs at most once
// per attempt.
func (c *Controller) expire(attempt uint64, reason string) {
	c.mu.Lock()
	if c.attempt != attempt || (c.state != StateActive && c.state != StateJoining) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.log.Info("room expired", "reason", reason)
	c.teardown()
	if err := c.markers.ForgetRoom(); err != nil {
		c.log.Warn("forget room failed", "err", err)
	}
	if c.setState(attempt, StateExpired, nil) {
		c.nav.Redirect(RouteExpired)
	}
}

// Exit leaves the room for good: the participant is marked exited on the
// server and the code is blocked locally.
func (c *Controller) Exit(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return models.ErrNotParticipant
	}
	attempt, code, roomID := c.attempt, c.code, c.roomID
	c.mu.Unlock()

	if err := c.backend.ExitRoom(ctx, roomID, c.session.ID()); err != nil {
		// The local exit still goes ahead.
		c.log.Warn("server exit failed", "room", roomID, "err", err)
	}
	c.teardown()
	if err := c.markers.MarkExited(code); err != nil {
		c.log.Warn("mark exited failed", "err", err)
	}
	if err := c.markers.ForgetRoom(); err != nil {
		c.log.Warn("forget room failed", "err", err)
	}
	c.setState(attempt, StateExited, nil)
	c.nav.Redirect(RouteHome)
	return nil
}

// SetVisible forwards tab visibility. Hiding the tab stops any recording;
// showing it rejoins presence if the server dropped the channel.
func (c *Controller) SetVisible(ctx context.Context, visible bool) error {
	c.mu.Lock()
	s, tracker, rec := c.sync, c.presence, c.recorder
	c.mu.Unlock()

	if !visible && rec != nil {
		rec.Cancel()
	}
	if s == nil {
		return nil
	}
	if err := s.SetVisible(ctx, visible); err != nil {
		return err
	}
	if visible && tracker != nil {
		if err := tracker.Resume(ctx); err != nil {
			c.log.Warn("rejoin presence failed", "err", err)
		}
	}
	return nil
}

// ConfirmLeave reports whether navigating away may proceed.
func (c *Controller) ConfirmLeave() bool {
	if c.State() != StateActive {
		return true
	}
	return c.nav.Confirm(LeavePrompt)
}

// Back handles the back action and reports whether it may proceed. In strict
// mode an active room re-asserts its own location instead.
func (c *Controller) Back() bool {
	c.mu.Lock()
	state, code := c.state, c.code
	c.mu.Unlock()

	if state != StateActive {
		return true
	}
	if c.opts.StrictBack {
		c.nav.Redirect(RoomRoute(code))
		return false
	}
	return c.nav.Confirm(LeavePrompt)
}

// Close tears the room down, returns to idle and invalidates any Enter still
// in flight.
func (c *Controller) Close() {
	c.mu.Lock()
	c.attempt++
	c.state, c.err = StateIdle, nil
	c.mu.Unlock()
	c.teardown()
}

// teardown releases every component of the current room. It is safe to call
// repeatedly and from component callbacks.
func (c *Controller) teardown() {
	c.mu.Lock()
	s, tracker, clock, rec, cancel := c.sync, c.presence, c.expiry, c.recorder, c.cancel
	c.sync, c.presence, c.expiry, c.recorder, c.cancel = nil, nil, nil, nil, nil
	c.pipeline = nil
	c.mu.Unlock()

	if clock != nil {
		clock.Stop()
	}
	if rec != nil {
		rec.Cancel()
	}
	if tracker != nil {
		tracker.Stop()
	}
	if s != nil {
		if err := s.Close(); err != nil {
			c.log.Warn("close subscription failed", "err", err)
		}
	}
	if cancel != nil {
		cancel()
	}
}

// setState applies a transition for attempt and reports whether it was
// current.
func (c *Controller) setState(attempt uint64, state State, err error) bool {
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return false
	}
	c.state, c.err = state, err
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(state)
	}
	return true
}

func (c *Controller) stale(attempt uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt != attempt
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the error that moved the controller to StateError.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) Code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Controller) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiresAt
}

// Color returns the color assigned to a participant at join.
func (c *Controller) Color(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.colors[sessionID]
}

// Messages is nil unless a room is active.
func (c *Controller) Messages() *msgsync.Synchronizer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sync
}

func (c *Controller) Pipeline() *outbound.Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipeline
}

func (c *Controller) Recorder() *outbound.Recorder {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recorder
}

func (c *Controller) Presence() *presence.Tracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

func (c *Controller) Expiry() *expiry.Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiry
}

// RoomRoute is the location of the room with code.
func RoomRoute(code string) string {
	return "/room/" + models.NormalizeCode(code)
}
