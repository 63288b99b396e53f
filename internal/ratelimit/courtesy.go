package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// DefaultCourtesyInterval is the minimum spacing between requests to one
// source domain.
const DefaultCourtesyInterval = 1500 * time.Millisecond

// Courtesy spaces requests per source domain with a burst-1 token bucket.
// Acquire waits at most MaxWait; longer delays are rejected without
// consuming a token so the caller can reschedule.
type Courtesy struct {
	interval time.Duration
	maxWait  time.Duration

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	overrides map[string]time.Duration

	// observe receives the time spent waiting for each granted permit.
	observe func(key string, waited time.Duration)
}

// NewCourtesy creates a courtesy limiter. A zero interval selects the
// default; a negative one disables spacing.
func NewCourtesy(interval, maxWait time.Duration) *Courtesy {
	if interval == 0 {
		interval = DefaultCourtesyInterval
	}
	if maxWait < 0 {
		maxWait = 0
	}
	return &Courtesy{
		interval:  interval,
		maxWait:   maxWait,
		limiters:  make(map[string]*rate.Limiter),
		overrides: make(map[string]time.Duration),
	}
}

// OnWait registers an observer for granted waits, e.g. a metrics histogram.
func (c *Courtesy) OnWait(fn func(key string, waited time.Duration)) {
	c.mu.Lock()
	c.observe = fn
	c.mu.Unlock()
}

// SetInterval overrides the spacing for one key.
func (c *Courtesy) SetInterval(key string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[key] = d
	if lim, ok := c.limiters[key]; ok {
		lim.SetLimit(every(d))
	}
}

// Interval returns the effective spacing for key.
func (c *Courtesy) Interval(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.overrides[key]; ok {
		return d
	}
	return c.interval
}

func every(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

func (c *Courtesy) limiter(key string) (*rate.Limiter, func(string, time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[key]
	if !ok {
		d := c.interval
		if o, ok := c.overrides[key]; ok {
			d = o
		}
		lim = rate.NewLimiter(every(d), 1)
		c.limiters[key] = lim
	}
	return lim, c.observe
}

// Acquire obtains a permit for key, waiting up to MaxWait.
func (c *Courtesy) Acquire(ctx context.Context, key string) (Permit, error) {
	return c.acquireAt(ctx, key, time.Now())
}

func (c *Courtesy) acquireAt(ctx context.Context, key string, now time.Time) (Permit, error) {
	lim, observe := c.limiter(key)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Permit{}, &Rejected{Key: key, RetryAfter: c.Interval(key)}
	}

	delay := r.DelayFrom(now)
	if delay > c.maxWait {
		r.CancelAt(now)
		return Permit{}, &Rejected{Key: key, RetryAfter: delay}
	}

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			r.Cancel()
			return Permit{}, eris.Wrapf(ctx.Err(), "courtesy wait for %s", key)
		case <-t.C:
		}
	}

	if observe != nil {
		observe(key, delay)
	}
	return Permit{Key: key, GrantedAt: now.Add(delay), Waited: delay}, nil
}

// Keys returns the number of domains tracked.
func (c *Courtesy) Keys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.limiters)
}
