// Package expiry counts down to a room's expiry and fires once when it passes.
package expiry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"onetimechat/backend/internal/config"

	"github.com/jonboulle/clockwork"
)

type State int

const (
	Unknown State = iota
	Counting
	Expired
)

func (s State) String() string {
	switch s {
	case Counting:
		return "counting"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Clock is a one-way state machine: Unknown -> Counting -> Expired.
type Clock struct {
	clock clockwork.Clock
	tick  time.Duration

	mu        sync.Mutex
	state     State
	expiresAt time.Time
	remaining time.Duration
	onExpire  []func()
	onTick    []func(time.Duration)

	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func New(clock clockwork.Clock) *Clock {
	return &Clock{
		clock: clock,
		tick:  config.ExpiryTick,
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
}

// OnExpire registers fn to run once, on the expiring goroutine.
func (c *Clock) OnExpire(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpire = append(c.onExpire, fn)
}

// OnTick registers fn to receive every recomputed remaining duration.
func (c *Clock) OnTick(fn func(remaining time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTick = append(c.onTick, fn)
}

// Start begins counting towards expiresAt. Only the first call has effect.
func (c *Clock) Start(ctx context.Context, expiresAt time.Time) {
	c.mu.Lock()
	if c.state != Unknown {
		c.mu.Unlock()
		return
	}
	c.expiresAt = expiresAt
	c.state = Counting
	c.mu.Unlock()

	if c.update() {
		return
	}
	go c.run(ctx)
}

func (c *Clock) run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if c.update() {
				return
			}
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// update recomputes remaining and reports whether the clock has expired.
func (c *Clock) update() bool {
	c.mu.Lock()
	if c.state != Counting {
		c.mu.Unlock()
		return true
	}
	remaining := c.expiresAt.Sub(c.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	c.remaining = remaining
	ticks := append([]func(time.Duration){}, c.onTick...)

	var expired []func()
	if remaining == 0 {
		c.state = Expired
		expired = c.onExpire
		c.onExpire = nil
		close(c.done)
	}
	c.mu.Unlock()

	for _, fn := range ticks {
		fn(remaining)
	}
	for _, fn := range expired {
		fn()
	}
	return remaining == 0
}

// Stop ends ticking without expiring. It is safe to call from an OnExpire
// callback and more than once.
func (c *Clock) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Remaining is never negative.
func (c *Clock) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

func (c *Clock) Expired() bool {
	return c.State() == Expired
}

// Done is closed when the clock expires.
func (c *Clock) Done() <-chan struct{} {
	return c.done
}

// FormatRemaining renders d as mm:ss, rounding partial seconds up.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
