package answer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedClock lets tests advance the limiter's notion of time.
type fixedClock struct {
	now time.Time
}

func (c *fixedClock) time() time.Time { return c.now }

func (c *fixedClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRequestLimiter(max int) (*requestLimiter, *fixedClock) {
	clock := &fixedClock{now: time.Unix(1_700_000_000, 0)}
	l := newRequestLimiter(max, time.Minute)
	l.now = clock.time
	return l, clock
}

func TestRequestLimiterAllowsUpToMax(t *testing.T) {
	l, _ := newTestRequestLimiter(3)

	for i := 0; i < 3; i++ {
		_, ok := l.allow("rag")
		require.True(t, ok, "request %d should pass", i+1)
	}

	retry, ok := l.allow("rag")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retry)
}

func TestRequestLimiterSlidesWindow(t *testing.T) {
	l, clock := newTestRequestLimiter(2)

	_, ok := l.allow("rag")
	require.True(t, ok)
	clock.advance(30 * time.Second)
	_, ok = l.allow("rag")
	require.True(t, ok)

	retry, ok := l.allow("rag")
	require.False(t, ok)
	assert.Equal(t, 30*time.Second, retry)

	// The first request ages out after another 30s.
	clock.advance(30 * time.Second)
	_, ok = l.allow("rag")
	assert.True(t, ok)
}

func TestRequestLimiterKeysByUser(t *testing.T) {
	l, _ := newTestRequestLimiter(1)

	_, ok := l.allow("alice")
	require.True(t, ok)

	_, ok = l.allow("alice")
	assert.False(t, ok)

	_, ok = l.allow("bob")
	assert.True(t, ok)
}

func TestRequestLimiterDeniedRequestNotRecorded(t *testing.T) {
	l, clock := newTestRequestLimiter(1)

	_, ok := l.allow("rag")
	require.True(t, ok)

	// Denials must not extend the window.
	for i := 0; i < 5; i++ {
		clock.advance(time.Second)
		_, ok = l.allow("rag")
		require.False(t, ok)
	}

	clock.advance(56 * time.Second)
	_, ok = l.allow("rag")
	assert.True(t, ok)
}
