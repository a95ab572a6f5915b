package auth

import (
	"sync"
	"time"
)

const (
	DefaultAttemptsPerWindow = 10
	DefaultAttemptWindow     = time.Minute
)

// Limiter counts attempts per key in fixed windows. Login uses it keyed by
// email to slow down password guessing.
type Limiter struct {
	mu     sync.Mutex
	keys   map[string]*attempts
	limit  int
	window time.Duration
	now    func() time.Time
}

type attempts struct {
	windowStart time.Time
	count       int
}

// NewLimiter allows limit attempts per window. Non-positive values select
// the defaults; a nil now uses time.Now.
func NewLimiter(limit int, window time.Duration, now func() time.Time) *Limiter {
	if limit <= 0 {
		limit = DefaultAttemptsPerWindow
	}
	if window <= 0 {
		window = DefaultAttemptWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		keys:   make(map[string]*attempts),
		limit:  limit,
		window: window,
		now:    now,
	}
}

// Allow records one attempt for key and reports whether it is within the limit.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	a, ok := l.keys[key]
	if !ok || now.Sub(a.windowStart) >= l.window {
		l.keys[key] = &attempts{windowStart: now, count: 1}
		return true
	}
	a.count++
	return a.count <= l.limit
}

// Reset forgets key, e.g. after a successful login.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
}

// CleanExpired drops keys whose window has passed.
func (l *Limiter) CleanExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for k, a := range l.keys {
		if now.Sub(a.windowStart) >= l.window {
			delete(l.keys, k)
			n++
		}
	}
	return n
}

// Tracked returns the number of keys currently counted.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
