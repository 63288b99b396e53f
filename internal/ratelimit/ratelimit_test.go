package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpolicy/civicsync/internal/resilience"
)

func TestDomainOf(t *testing.T) {
	assert.Equal(t, "ourcommons.ca", DomainOf("https://www.ourcommons.ca/Members/en"))
	assert.Equal(t, "ola.org", DomainOf("https://OLA.org:443/en/legislative-business"))
	assert.Equal(t, "ftp.example.ca", DomainOf("ftp://ftp.example.ca/pub/a.csv"))
	assert.Equal(t, "not a url", DomainOf("not a url"))
}

func TestRejected_IsRateLimited(t *testing.T) {
	var err error = &Rejected{Key: "example.ca", RetryAfter: 2 * time.Second}
	assert.True(t, errors.Is(err, resilience.ErrRateLimited))
	assert.Equal(t, resilience.KindRateLimit, resilience.Classify(err))
	assert.Contains(t, err.Error(), "example.ca")

	var rej *Rejected
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, 2*time.Second, rej.RetryAfter)
}

func TestCourtesy_FirstRequestImmediate(t *testing.T) {
	c := NewCourtesy(time.Hour, 0)
	p, err := c.Acquire(context.Background(), "ourcommons.ca")
	require.NoError(t, err)
	assert.Equal(t, "ourcommons.ca", p.Key)
	assert.Zero(t, p.Waited)
}

func TestCourtesy_RejectsBeyondMaxWait(t *testing.T) {
	c := NewCourtesy(time.Hour, time.Second)
	now := time.Now()
	_, err := c.acquireAt(context.Background(), "example.ca", now)
	require.NoError(t, err)

	_, err = c.acquireAt(context.Background(), "example.ca", now)
	var rej *Rejected
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "example.ca", rej.Key)
	assert.InDelta(t, float64(time.Hour), float64(rej.RetryAfter), float64(time.Millisecond))

	// The rejection did not consume a token: an hour later one is available.
	_, err = c.acquireAt(context.Background(), "example.ca", now.Add(time.Hour))
	assert.NoError(t, err)
}

func TestCourtesy_WaitsWithinMaxWait(t *testing.T) {
	c := NewCourtesy(30*time.Millisecond, time.Second)
	var observed []time.Duration
	c.OnWait(func(_ string, d time.Duration) { observed = append(observed, d) })

	ctx := context.Background()
	_, err := c.Acquire(ctx, "example.ca")
	require.NoError(t, err)

	start := time.Now()
	p, err := c.Acquire(ctx, "example.ca")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Greater(t, p.Waited, time.Duration(0))
	assert.Len(t, observed, 2)
}

func TestCourtesy_DomainsIndependent(t *testing.T) {
	c := NewCourtesy(time.Hour, 0)
	ctx := context.Background()
	_, err := c.Acquire(ctx, "a.ca")
	require.NoError(t, err)
	_, err = c.Acquire(ctx, "b.ca")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Keys())
}

func TestCourtesy_SetInterval(t *testing.T) {
	c := NewCourtesy(time.Hour, 0)
	c.SetInterval("fast.ca", -1)
	assert.Equal(t, time.Hour, c.Interval("slow.ca"))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := c.Acquire(ctx, "fast.ca")
		require.NoError(t, err, "attempt %d", i)
	}

	// Override applies to an existing limiter too.
	_, err := c.Acquire(ctx, "slow.ca")
	require.NoError(t, err)
	c.SetInterval("slow.ca", -1)
	_, err = c.Acquire(ctx, "slow.ca")
	assert.NoError(t, err)
}

func TestCourtesy_ContextCancelledWhileWaiting(t *testing.T) {
	c := NewCourtesy(time.Hour, 2*time.Hour)
	_, err := c.Acquire(context.Background(), "example.ca")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, "example.ca")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCourtesy_ConcurrentSingleToken(t *testing.T) {
	c := NewCourtesy(time.Hour, 0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Acquire(context.Background(), "example.ca"); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, granted)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestSlidingWindow_LimitByRole(t *testing.T) {
	clk := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	s := NewSlidingWindow(time.Hour, map[string]int{RoleAnonymous: 3, RoleAdmin: 5}).WithClock(clk.now)

	for i := 0; i < 3; i++ {
		_, err := s.Acquire("1.2.3.4", RoleAnonymous)
		require.NoError(t, err)
	}
	_, err := s.Acquire("1.2.3.4", RoleAnonymous)
	var rej *Rejected
	require.ErrorAs(t, err, &rej)
	// Full until the boundary, then the weighted 3 must decay to 2.
	assert.Equal(t, 80*time.Minute, rej.RetryAfter.Round(time.Second))

	// Unknown roles fall back to anonymous.
	assert.Equal(t, 3, s.Limit("guest"))
	assert.Equal(t, 5, s.Limit(RoleAdmin))

	for i := 0; i < 5; i++ {
		_, err := s.Acquire("key-admin", RoleAdmin)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, s.Remaining("key-admin", RoleAdmin))
}

func TestSlidingWindow_PreviousWindowWeighted(t *testing.T) {
	clk := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	s := NewSlidingWindow(time.Hour, map[string]int{RoleUser: 4}).WithClock(clk.now)

	for i := 0; i < 4; i++ {
		_, err := s.Acquire("k", RoleUser)
		require.NoError(t, err)
	}

	// 15 minutes into the next window the previous 4 weigh 3.
	clk.t = clk.t.Add(75 * time.Minute)
	_, err := s.Acquire("k", RoleUser)
	require.NoError(t, err)
	_, err = s.Acquire("k", RoleUser)
	var rej *Rejected
	require.ErrorAs(t, err, &rej)
	// Need prev*(1-x) + 1 <= 3 with prev=4: x >= 0.5, i.e. 15 more minutes.
	assert.Equal(t, 15*time.Minute, rej.RetryAfter.Round(time.Second))

	clk.t = clk.t.Add(rej.RetryAfter)
	_, err = s.Acquire("k", RoleUser)
	assert.NoError(t, err)
}

func TestSlidingWindow_GapResetsCounters(t *testing.T) {
	clk := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	s := NewSlidingWindow(time.Hour, map[string]int{RoleAnonymous: 1}).WithClock(clk.now)
	_, err := s.Acquire("k", RoleAnonymous)
	require.NoError(t, err)

	clk.t = clk.t.Add(3 * time.Hour)
	_, err = s.Acquire("k", RoleAnonymous)
	assert.NoError(t, err)
}

func TestSlidingWindow_Prune(t *testing.T) {
	clk := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	s := NewSlidingWindow(time.Hour, nil).WithClock(clk.now)
	_, _ = s.Acquire("old", RoleAnonymous)
	clk.t = clk.t.Add(2 * time.Hour)
	_, _ = s.Acquire("new", RoleAnonymous)

	assert.Equal(t, 1, s.Prune())
	assert.Equal(t, 1, s.Clients())
}

func TestDefaultRoleLimits(t *testing.T) {
	l := DefaultRoleLimits()
	assert.Equal(t, 1000, l[RoleAnonymous])
	assert.Equal(t, 5000, l[RoleUser])
	assert.Equal(t, 20000, l[RolePartner])
	assert.Equal(t, 50000, l[RoleAdmin])
}
