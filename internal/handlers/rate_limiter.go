package handlers

import (
	"strings"
	"sync"
	"time"
)

type rateLimiter interface {
	Allow(key string) bool
}

// requestLimiter caps how many requests a caller may make inside a fixed
// window. Counters live in memory only, so each instance enforces the cap
// per process.
type requestLimiter struct {
	cap    int
	window time.Duration
	clock  func() time.Time

	mu        sync.Mutex
	callers   map[string]*callerWindow
	nextSweep time.Time
}

type callerWindow struct {
	openedAt time.Time
	used     int
}

func newRequestLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &requestLimiter{
		cap:     limit,
		window:  window,
		clock:   clock,
		callers: make(map[string]*callerWindow),
	}
}

func (l *requestLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "unknown"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.nextSweep) {
		l.sweepLocked(now)
		l.nextSweep = now.Add(l.window)
	}

	cw := l.callers[key]
	if cw == nil || now.Sub(cw.openedAt) >= l.window {
		l.callers[key] = &callerWindow{openedAt: now, used: 1}
		return true
	}
	if cw.used >= l.cap {
		return false
	}
	cw.used++
	return true
}

// sweepLocked drops windows that have already rolled over so idle callers do
// not pin memory between requests.
func (l *requestLimiter) sweepLocked(now time.Time) {
	for key, cw := range l.callers {
		if now.Sub(cw.openedAt) >= l.window {
			delete(l.callers, key)
		}
	}
}
