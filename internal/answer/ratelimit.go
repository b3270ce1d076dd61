package answer

import (
	"sync"
	"time"
)

// requestLimiter enforces the per-user requests-per-minute budget with a
// sliding window. Unlike the login limiter, every allowed request counts
// against the window.
type requestLimiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	requests map[string][]time.Time
	now      func() time.Time
}

func newRequestLimiter(max int, window time.Duration) *requestLimiter {
	return &requestLimiter{
		max:      max,
		window:   window,
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// allow reports whether the user may proceed. When denied it returns how
// long until the oldest request leaves the window; when allowed the
// request is recorded.
func (l *requestLimiter) allow(userID string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	kept := l.requests[userID][:0]
	for _, t := range l.requests[userID] {
		if now.Sub(t) < l.window {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.max {
		l.requests[userID] = kept
		retry := kept[0].Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return retry, false
	}

	l.requests[userID] = append(kept, now)
	return 0, true
}
