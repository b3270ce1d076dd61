package auth

import (
	"sync"
	"time"
)

// LoginLimiter tracks failed login attempts per username over a rolling
// window. Attempts are recorded only on failure, so a successful login
// never counts against the caller.
type LoginLimiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	attempts map[string][]time.Time
	now      func() time.Time
}

// NewLoginLimiter creates a limiter allowing max failed attempts per
// username within the window.
func NewLoginLimiter(max int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{
		max:      max,
		window:   window,
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// RetryAfter reports whether the username is currently throttled and,
// if so, how long until the oldest recorded attempt leaves the window.
func (l *LoginLimiter) RetryAfter(username string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.pruneLocked(username, now)
	if len(recent) < l.max {
		return 0, false
	}
	return l.window - now.Sub(recent[0]), true
}

// Record notes a failed login attempt for the username.
func (l *LoginLimiter) Record(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.attempts[username] = append(l.pruneLocked(username, now), now)
}

// pruneLocked drops attempts that have aged out of the window. Callers
// must hold mu.
func (l *LoginLimiter) pruneLocked(username string, now time.Time) []time.Time {
	old := l.attempts[username]
	kept := old[:0]
	for _, t := range old {
		if now.Sub(t) < l.window {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.attempts, username)
		return nil
	}
	l.attempts[username] = kept
	return kept
}
