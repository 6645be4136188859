package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(clock *fakeClock) *Limiter {
	return New(WithClock(clock.Now), WithLogger(slog.New(slog.DiscardHandler)))
}

func TestLimiter_FirstAttempt(t *testing.T) {
	l := newTestLimiter(newFakeClock())
	res := l.CheckAndRecordAttempt("user@example.com")
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.RemainingAttempts)
	assert.Zero(t, res.WaitTime)
	assert.False(t, res.Locked())
}

func TestLimiter_BackoffRejectsWithoutCounting(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	require.True(t, l.CheckAndRecordAttempt("a@example.com").Allowed)

	res := l.CheckAndRecordAttempt("a@example.com")
	require.False(t, res.Allowed, "second attempt without waiting is rejected")
	assert.Equal(t, time.Second, res.WaitTime)
	assert.Equal(t, 4, res.RemainingAttempts)

	clock.Advance(500 * time.Millisecond)
	res = l.CheckAndRecordAttempt("a@example.com")
	require.False(t, res.Allowed)
	assert.Equal(t, 500*time.Millisecond, res.WaitTime)

	clock.Advance(500 * time.Millisecond)
	res = l.CheckAndRecordAttempt("a@example.com")
	require.True(t, res.Allowed)
	assert.Equal(t, 3, res.RemainingAttempts, "rejected attempts were not counted")
}

func TestLimiter_BackoffGrows(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		require.True(t, l.CheckAndRecordAttempt("a").Allowed, "attempt %d", i+1)
		res := l.CheckAndRecordAttempt("a")
		require.False(t, res.Allowed)
		assert.Equal(t, w, res.WaitTime, "backoff after attempt %d", i+1)
		clock.Advance(w)
	}
}

func TestLimiter_BackoffCapped(t *testing.T) {
	l := New(WithConfig(Config{
		MaxAttempts: 20, Window: time.Hour, LockoutDuration: time.Hour,
		BaseBackoff: time.Second, MaxBackoff: 30 * time.Second, RecordTTL: time.Hour,
	}))
	assert.Equal(t, 16*time.Second, l.backoff(5))
	assert.Equal(t, 30*time.Second, l.backoff(6))
	assert.Equal(t, 30*time.Second, l.backoff(12))
}

func TestLimiter_LockoutAfterMaxAttempts(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	var res Result
	for i := 0; i < 5; i++ {
		res = l.CheckAndRecordAttempt("a")
		require.True(t, res.Allowed, "attempt %d", i+1)
		clock.Advance(30 * time.Second)
	}
	assert.Equal(t, 0, res.RemainingAttempts)

	res = l.CheckAndRecordAttempt("a")
	require.False(t, res.Allowed)
	require.True(t, res.Locked())
	lockedUntil := res.LockedUntil
	assert.True(t, lockedUntil.After(clock.Now()))

	clock.Advance(10 * time.Minute)
	res = l.CheckAndRecordAttempt("a")
	assert.False(t, res.Allowed)
	assert.Equal(t, lockedUntil, res.LockedUntil, "every call while locked is rejected")

	clock.Advance(5 * time.Minute)
	res = l.CheckAndRecordAttempt("a")
	assert.True(t, res.Allowed, "lockout elapsed")
	assert.Equal(t, 4, res.RemainingAttempts)
}

func TestLimiter_WindowResets(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	for i := 0; i < 3; i++ {
		require.True(t, l.CheckAndRecordAttempt("a").Allowed)
		clock.Advance(10 * time.Second)
	}
	clock.Advance(15 * time.Minute)
	res := l.CheckAndRecordAttempt("a")
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.RemainingAttempts)
}

func TestLimiter_ClearAttempts(t *testing.T) {
	l := newTestLimiter(newFakeClock())
	l.CheckAndRecordAttempt("a@example.com")
	l.ClearAttempts("A@Example.com ")

	res := l.CheckAndRecordAttempt("a@example.com")
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.RemainingAttempts)
}

func TestLimiter_IdentifiersNormalized(t *testing.T) {
	l := newTestLimiter(newFakeClock())
	require.True(t, l.CheckAndRecordAttempt("User@Example.com").Allowed)
	res := l.CheckAndRecordAttempt("  user@example.COM")
	assert.False(t, res.Allowed, "case and whitespace variants share a record")
	assert.Equal(t, 1, l.Len())
}

func TestLimiter_IdentifiersIndependent(t *testing.T) {
	l := newTestLimiter(newFakeClock())
	require.True(t, l.CheckAndRecordAttempt("a").Allowed)
	assert.True(t, l.CheckAndRecordAttempt("b").Allowed)
}

func TestLimiter_Cleanup(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)

	l.CheckAndRecordAttempt("idle")
	for i := 0; i < 5; i++ {
		l.CheckAndRecordAttempt("locked")
		clock.Advance(time.Minute)
	}
	clock.Advance(61 * time.Minute)
	// "locked" lockout ended after 15 minutes; it is idle too.
	assert.Equal(t, 2, l.Cleanup())
	assert.Equal(t, 0, l.Len())
}

func TestLimiter_CleanupKeepsLocked(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now), WithLogger(slog.New(slog.DiscardHandler)), WithConfig(Config{
		MaxAttempts: 1, Window: time.Hour, LockoutDuration: 3 * time.Hour,
		BaseBackoff: time.Second, MaxBackoff: time.Second, RecordTTL: time.Hour,
	}))
	l.CheckAndRecordAttempt("a")
	clock.Advance(2 * time.Hour)
	assert.Equal(t, 0, l.Cleanup())
	assert.Equal(t, 1, l.Len())
}

func TestLimiter_Run(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(clock)
	l.CheckAndRecordAttempt("a")
	clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestLimiter_Concurrent(t *testing.T) {
	l := newTestLimiter(newFakeClock())
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckAndRecordAttempt("a").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, allowed, "clock does not advance, so only the first attempt passes")
}
