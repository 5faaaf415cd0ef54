package expiry_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"onetimechat/backend/internal/client/expiry"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ticks forwards every recomputed remaining value to a channel.
func ticks(c *expiry.Clock) <-chan time.Duration {
	ch := make(chan time.Duration, 16)
	c.OnTick(func(d time.Duration) { ch <- d })
	return ch
}

func next(t *testing.T, ch <-chan time.Duration) time.Duration {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no tick")
		return 0
	}
}

func TestClock_ExpiresExactlyOnce(t *testing.T) {
	fake := clockwork.NewFakeClockAt(t0)
	c := expiry.New(fake)
	seen := ticks(c)
	var fired atomic.Int32
	c.OnExpire(func() { fired.Add(1) })

	assert.Equal(t, expiry.Unknown, c.State())

	expiresAt := t0.Add(2 * time.Second)
	c.Start(context.Background(), expiresAt)
	assert.Equal(t, 2*time.Second, next(t, seen))
	fake.BlockUntil(1)

	// T-1s
	fake.Advance(time.Second)
	assert.Equal(t, time.Second, next(t, seen))
	assert.False(t, c.Expired())

	// T
	fake.Advance(time.Second)
	assert.Equal(t, time.Duration(0), next(t, seen))
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed")
	}
	assert.True(t, c.Expired())
	assert.Equal(t, time.Duration(0), c.Remaining())

	// later ticks change nothing
	fake.Advance(5 * time.Second)
	select {
	case d := <-seen:
		t.Fatalf("unexpected tick %v after expiry", d)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, time.Duration(0), c.Remaining())

	// and a second Start cannot re-count
	c.Start(context.Background(), t0.Add(time.Hour))
	assert.Equal(t, expiry.Expired, c.State())
}

func TestClock_AlreadyPastExpiresImmediately(t *testing.T) {
	fake := clockwork.NewFakeClockAt(t0)
	c := expiry.New(fake)
	var fired atomic.Int32
	c.OnExpire(func() { fired.Add(1) })

	c.Start(context.Background(), t0.Add(-time.Minute))
	require.True(t, c.Expired())
	assert.Equal(t, time.Duration(0), c.Remaining())
	assert.Equal(t, int32(1), fired.Load())
}

func TestClock_StopHaltsWithoutExpiring(t *testing.T) {
	fake := clockwork.NewFakeClockAt(t0)
	c := expiry.New(fake)
	seen := ticks(c)

	c.Start(context.Background(), t0.Add(10*time.Second))
	next(t, seen)
	fake.BlockUntil(1)
	c.Stop()
	fake.BlockUntil(0)

	fake.Advance(time.Minute)
	assert.Equal(t, expiry.Counting, c.State())
	c.Stop()
}

func TestFormatRemaining(t *testing.T) {
	cases := map[time.Duration]string{
		0:                               "00:00",
		-time.Second:                    "00:00",
		999 * time.Millisecond:          "00:01",
		time.Second:                     "00:01",
		90 * time.Second:                "01:30",
		30 * time.Minute:                "30:00",
		29*time.Minute + 59*time.Second: "29:59",
	}
	for d, want := range cases {
		assert.Equal(t, want, expiry.FormatRemaining(d), d.String())
	}
}
