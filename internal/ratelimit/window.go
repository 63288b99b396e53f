package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Caller roles for the inbound API limiter.
const (
	RoleAnonymous = "anonymous"
	RoleUser      = "user"
	RolePartner   = "partner"
	RoleAdmin     = "admin"
)

// DefaultRoleLimits are requests per window (one hour) by role.
func DefaultRoleLimits() map[string]int {
	return map[string]int{
		RoleAnonymous: 1000,
		RoleUser:      5000,
		RolePartner:   20000,
		RoleAdmin:     50000,
	}
}

type windowCounter struct {
	start time.Time
	curr  int
	prev  int
}

// SlidingWindow is a per-client sliding-window counter. The count for a
// client is the current fixed window plus the previous one weighted by how
// much of it still overlaps the sliding window. Acquire never blocks.
type SlidingWindow struct {
	window time.Duration
	limits map[string]int
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*windowCounter
}

// NewSlidingWindow creates an API limiter. Unknown roles get the anonymous
// limit.
func NewSlidingWindow(window time.Duration, limits map[string]int) *SlidingWindow {
	if window <= 0 {
		window = time.Hour
	}
	if len(limits) == 0 {
		limits = DefaultRoleLimits()
	}
	cp := make(map[string]int, len(limits))
	for k, v := range limits {
		cp[k] = v
	}
	return &SlidingWindow{
		window:  window,
		limits:  cp,
		now:     time.Now,
		clients: make(map[string]*windowCounter),
	}
}

// WithClock overrides the time source; used by tests.
func (s *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	s.now = now
	return s
}

// Limit returns the per-window limit for role.
func (s *SlidingWindow) Limit(role string) int {
	if l, ok := s.limits[role]; ok {
		return l
	}
	return s.limits[RoleAnonymous]
}

// Acquire counts one request for key against role's limit.
func (s *SlidingWindow) Acquire(key, role string) (Permit, error) {
	now := s.now()
	limit := s.Limit(role)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.roll(key, now)
	elapsed := now.Sub(c.start)
	est := float64(c.prev)*s.overlap(elapsed) + float64(c.curr)

	if est+1 > float64(limit) {
		return Permit{}, &Rejected{Key: key, RetryAfter: s.retryAfter(c, elapsed, limit)}
	}
	c.curr++
	return Permit{Key: key, GrantedAt: now}, nil
}

// Remaining reports how many more requests key may make right now.
func (s *SlidingWindow) Remaining(key, role string) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.roll(key, now)
	est := float64(c.prev)*s.overlap(now.Sub(c.start)) + float64(c.curr)
	rem := s.Limit(role) - int(math.Ceil(est))
	if rem < 0 {
		return 0
	}
	return rem
}

// roll returns key's counter advanced to the window containing now.
func (s *SlidingWindow) roll(key string, now time.Time) *windowCounter {
	start := now.Truncate(s.window)
	c, ok := s.clients[key]
	if !ok {
		c = &windowCounter{start: start}
		s.clients[key] = c
		return c
	}
	switch {
	case start.Equal(c.start):
	case start.Equal(c.start.Add(s.window)):
		c.prev, c.curr, c.start = c.curr, 0, start
	case start.After(c.start):
		c.prev, c.curr, c.start = 0, 0, start
	}
	return c
}

func (s *SlidingWindow) overlap(elapsed time.Duration) float64 {
	return 1 - float64(elapsed)/float64(s.window)
}

// retryAfter computes how long until one more request fits under limit.
func (s *SlidingWindow) retryAfter(c *windowCounter, elapsed time.Duration, limit int) time.Duration {
	w := float64(s.window)
	if limit <= 0 {
		return s.window - elapsed
	}
	room := float64(limit - 1)

	if float64(c.curr) <= room && c.prev > 0 {
		// Wait inside this window for the previous window's weight to decay:
		// prev*(w-elapsed-t)/w + curr <= limit-1.
		t := w - float64(elapsed) - (room-float64(c.curr))*w/float64(c.prev)
		return clampRetry(time.Duration(math.Ceil(t)))
	}

	// The current window alone is full; it becomes the weighted previous
	// window after the boundary: curr*(1-x/w) <= limit-1.
	x := w * (1 - room/float64(c.curr))
	return clampRetry(s.window - elapsed + time.Duration(math.Ceil(x)))
}

func clampRetry(d time.Duration) time.Duration {
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

// Prune drops clients idle for more than two windows.
func (s *SlidingWindow) Prune() int {
	cutoff := s.now().Truncate(s.window).Add(-s.window)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, c := range s.clients {
		if c.start.Before(cutoff) {
			delete(s.clients, k)
			n++
		}
	}
	return n
}

// Clients returns the number of tracked clients.
func (s *SlidingWindow) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
