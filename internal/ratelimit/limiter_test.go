// ABOUTME: Tests for the sliding-window rate limiter
// ABOUTME: Covers window expiry, dual-dimension admission and reset

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock lets tests advance time deterministically.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(window time.Duration, agentLimit, ipLimit int) (*Limiter, *fixedClock) {
	clock := &fixedClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New(window, agentLimit, ipLimit)
	l.now = clock.now
	return l, clock
}

func TestLimiter_AgentLimit(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 2, 0)

	res := l.Check("agent-1", "")
	require.True(t, res.Allowed)
	assert.Equal(t, 2, res.Agent.Remaining)

	res = l.Check("agent-1", "")
	require.True(t, res.Allowed)
	assert.Equal(t, 1, res.Agent.Remaining)

	res = l.Check("agent-1", "")
	assert.False(t, res.Allowed)
	assert.False(t, res.Agent.Allowed)
	assert.Equal(t, 0, res.Agent.Remaining)
	assert.Greater(t, res.Agent.ResetAfter, time.Duration(0))
}

func TestLimiter_WindowExpiry(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 2, 0)

	require.True(t, l.Check("agent-1", "").Allowed)
	require.True(t, l.Check("agent-1", "").Allowed)
	require.False(t, l.Check("agent-1", "").Allowed)

	// Old entries leave the window and stop counting.
	clock.advance(61 * time.Second)
	assert.True(t, l.Check("agent-1", "").Allowed)
}

func TestLimiter_RejectionDoesNotConsume(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 1, 0)

	require.True(t, l.Check("agent-1", "").Allowed)
	// Hammering while rejected must not extend the penalty.
	for i := 0; i < 5; i++ {
		require.False(t, l.Check("agent-1", "").Allowed)
	}

	clock.advance(61 * time.Second)
	assert.True(t, l.Check("agent-1", "").Allowed)
}

func TestLimiter_IndependentAgents(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 1, 0)

	require.True(t, l.Check("agent-1", "").Allowed)
	assert.True(t, l.Check("agent-2", "").Allowed)
	assert.False(t, l.Check("agent-1", "").Allowed)
}

func TestLimiter_BothDimensionsMustPass(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 10, 1)

	require.True(t, l.Check("agent-1", "10.0.0.1").Allowed)

	// Same IP, different agent: IP dimension rejects.
	res := l.Check("agent-2", "10.0.0.1")
	assert.False(t, res.Allowed)
	assert.True(t, res.Agent.Allowed)
	assert.False(t, res.IP.Allowed)

	// Different IP passes.
	assert.True(t, l.Check("agent-3", "10.0.0.2").Allowed)
}

func TestLimiter_RejectedCheckConsumesNeitherBucket(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 1, 1)

	require.True(t, l.Check("agent-1", "10.0.0.1").Allowed)

	// Agent dimension rejects; the IP bucket must not record the attempt.
	res := l.Check("agent-1", "10.0.0.2")
	require.False(t, res.Allowed)

	assert.True(t, l.Check("agent-2", "10.0.0.2").Allowed)
}

func TestLimiter_NonPositiveLimitUnlimited(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 0, -1)

	for i := 0; i < 100; i++ {
		res := l.Check("agent-1", "10.0.0.1")
		require.True(t, res.Allowed)
		assert.Equal(t, -1, res.Agent.Remaining)
		assert.Equal(t, -1, res.IP.Remaining)
	}
}

func TestLimiter_EmptyKeySkipsDimension(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 1, 1)

	// No client IP: only the agent dimension applies.
	require.True(t, l.Check("agent-1", "").Allowed)
	assert.False(t, l.Check("agent-1", "").Allowed)
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 1, 1)

	require.True(t, l.Check("agent-1", "10.0.0.1").Allowed)
	require.False(t, l.Check("agent-1", "10.0.0.1").Allowed)

	l.Reset()

	assert.True(t, l.Check("agent-1", "10.0.0.1").Allowed)
}

func TestLimiter_ResetAfterHint(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 1, 0)

	require.True(t, l.Check("agent-1", "").Allowed)
	clock.advance(20 * time.Second)

	res := l.Check("agent-1", "")
	require.False(t, res.Allowed)
	assert.Equal(t, 40*time.Second, res.Agent.ResetAfter)
}

func TestLimiter_DefaultWindow(t *testing.T) {
	l := New(0, 5, 5)
	assert.Equal(t, DefaultWindow, l.window)
}
