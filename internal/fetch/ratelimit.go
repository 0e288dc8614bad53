package fetch

import (
	"sync"
	"time"

	"taskpilot/internal/clock"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// Limits are per-key ceilings. Zero disables a ceiling.
type Limits struct {
	PerMinute int
	PerDay    int
}

// RateLimiter enforces fixed per-minute and per-day windows per resource key.
// It never waits: a request over either ceiling is rejected.
type RateLimiter struct {
	mu      sync.Mutex
	limits  Limits
	clock   clock.Clock
	windows map[string]*window
}

type window struct {
	minuteCount int
	minuteStart time.Time
	dayCount    int
	dayStart    time.Time
}

func NewRateLimiter(limits Limits, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.System{}
	}
	return &RateLimiter{limits: limits, clock: clk, windows: make(map[string]*window)}
}

// TryAcquire grants one request for key when both ceilings allow it; both
// counters are incremented together.
func (l *RateLimiter) TryAcquire(key string) bool {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil {
		w = &window{minuteStart: now, dayStart: now}
		l.windows[key] = w
	}
	if now.Sub(w.minuteStart) > minuteWindow {
		w.minuteCount = 0
		w.minuteStart = now
	}
	if now.Sub(w.dayStart) > dayWindow {
		w.dayCount = 0
		w.dayStart = now
	}

	if l.limits.PerMinute > 0 && w.minuteCount+1 > l.limits.PerMinute {
		return false
	}
	if l.limits.PerDay > 0 && w.dayCount+1 > l.limits.PerDay {
		return false
	}
	w.minuteCount++
	w.dayCount++
	return true
}

// SetLimits swaps the ceilings; current window counts are kept.
func (l *RateLimiter) SetLimits(limits Limits) {
	l.mu.Lock()
	l.limits = limits
	l.mu.Unlock()
}

func (l *RateLimiter) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// Usage reports the counts in the current windows for key.
func (l *RateLimiter) Usage(key string) (minute, day int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w := l.windows[key]; w != nil {
		return w.minuteCount, w.dayCount
	}
	return 0, 0
}
