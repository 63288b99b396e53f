package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errUpstream = errors.New("upstream down")

func fail(context.Context) (int, error) { return 0, errUpstream }
func succeed(context.Context) (int, error) { return 1, nil }

func newTestBreakers(threshold int) (*Breakers, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	bs := NewBreakers(BreakerConfig{FailureThreshold: threshold, Cooldown: time.Minute}).WithClock(clk.Now)
	return bs, clk
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	bs, _ := newTestBreakers(3)
	b := bs.Get("www.ourcommons.ca")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := Execute(ctx, b, fail); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: expected upstream error, got %v", i, err)
		}
	}
	if b.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	if _, err := Execute(ctx, b, succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	bs, _ := newTestBreakers(3)
	b := bs.Get("example.ca")
	ctx := context.Background()

	_, _ = Execute(ctx, b, fail)
	_, _ = Execute(ctx, b, fail)
	if _, err := Execute(ctx, b, succeed); err != nil {
		t.Fatal(err)
	}
	if b.Failures() != 0 {
		t.Errorf("expected failures reset, got %d", b.Failures())
	}
	_, _ = Execute(ctx, b, fail)
	if b.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	bs, clk := newTestBreakers(1)
	b := bs.Get("example.ca")
	ctx := context.Background()

	_, _ = Execute(ctx, b, fail)
	if b.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	clk.Advance(time.Minute)
	if b.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}
	if v, err := Execute(ctx, b, succeed); err != nil || v != 1 {
		t.Fatalf("probe should run, got %d, %v", v, err)
	}
	if b.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	bs, clk := newTestBreakers(1)
	b := bs.Get("example.ca")
	ctx := context.Background()

	_, _ = Execute(ctx, b, fail)
	clk.Advance(2 * time.Minute)
	_, _ = Execute(ctx, b, fail)
	if b.State() != CircuitOpen {
		t.Errorf("expected open after failed probe, got %s", b.State())
	}
}

func TestBreaker_CancelledContextDoesNotTrip(t *testing.T) {
	bs, _ := newTestBreakers(1)
	b := bs.Get("example.ca")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Execute(ctx, b, func(ctx context.Context) (int, error) { return 0, ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.State() != CircuitClosed {
		t.Errorf("cancellation should not open the circuit, got %s", b.State())
	}
}

func TestBreaker_OnStateChange(t *testing.T) {
	var got []string
	bs := NewBreakers(BreakerConfig{
		FailureThreshold: 1,
		OnStateChange: func(key string, from, to CircuitState) {
			got = append(got, key+":"+from.String()+"->"+to.String())
		},
	})
	b := bs.Get("example.ca")
	_, _ = Execute(context.Background(), b, fail)
	b.Reset()

	want := []string{"example.ca:closed->open", "example.ca:open->closed"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBreakers_GetIsStable(t *testing.T) {
	bs := NewBreakers(BreakerConfig{})
	if bs.Get("a.ca") != bs.Get("a.ca") {
		t.Error("expected the same breaker for the same key")
	}
	if bs.Get("a.ca") == bs.Get("b.ca") {
		t.Error("expected different breakers per key")
	}
	states := bs.States()
	if len(states) != 2 || states["a.ca"] != CircuitClosed {
		t.Errorf("unexpected states %v", states)
	}
}

func TestBreakers_Concurrent(t *testing.T) {
	bs := NewBreakers(BreakerConfig{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := bs.Get("shared.ca")
			if i%2 == 0 {
				_, _ = Execute(context.Background(), b, fail)
			} else {
				_, _ = Execute(context.Background(), b, succeed)
			}
		}(i)
	}
	wg.Wait()
	if bs.Get("shared.ca").State() != CircuitClosed {
		t.Error("expected closed under threshold")
	}
}

func TestCircuitState_String(t *testing.T) {
	for s, want := range map[CircuitState]string{
		CircuitClosed: "closed", CircuitOpen: "open", CircuitHalfOpen: "half-open", CircuitState(9): "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
