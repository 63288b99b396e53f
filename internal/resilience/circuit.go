package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the state of one source domain's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a source domain has failed too often and
// is cooling down.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls when a domain's breaker opens and how long it
// stays open.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit. Default: 5.
	FailureThreshold int
	// Cooldown before a single probe is allowed. Default: 5m.
	Cooldown time.Duration
	// OnStateChange observes transitions, e.g. for logging.
	OnStateChange func(key string, from, to CircuitState)
}

// Breaker guards calls to a single source domain.
type Breaker struct {
	key string
	cfg BreakerConfig

	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probing     bool

	now func() time.Time
}

func newBreaker(key string, cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{key: key, cfg: cfg, now: now}
}

// Execute runs fn unless the circuit is open. Context cancellation does not
// count as a domain failure.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		b.release()
		return val, err
	}
	b.record(err)
	return val, err
}

// State returns the breaker's effective state at the current time.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.now().Sub(b.lastFailure) >= b.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.set(CircuitClosed)
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.set(CircuitHalfOpen)
		b.probing = true
		return nil
	case CircuitHalfOpen:
		// One probe at a time.
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false

	if err == nil {
		b.failures = 0
		b.set(CircuitClosed)
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if b.state == CircuitHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.set(CircuitOpen)
	}
}

func (b *Breaker) set(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.key, from, to)
	}
}

// Breakers holds one breaker per source domain, created lazily.
type Breakers struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewBreakers creates an empty per-domain breaker set.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, now: time.Now, breakers: make(map[string]*Breaker)}
}

// WithClock overrides the time source; used by tests.
func (bs *Breakers) WithClock(now func() time.Time) *Breakers {
	bs.now = now
	return bs
}

// Get returns the breaker for key, creating it on first use.
func (bs *Breakers) Get(key string) *Breaker {
	bs.mu.RLock()
	b, ok := bs.breakers[key]
	bs.mu.RUnlock()
	if ok {
		return b
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if b, ok = bs.breakers[key]; ok {
		return b
	}
	b = newBreaker(key, bs.cfg, bs.now)
	bs.breakers[key] = b
	return b
}

// States snapshots every known breaker.
func (bs *Breakers) States() map[string]CircuitState {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	out := make(map[string]CircuitState, len(bs.breakers))
	for k, b := range bs.breakers {
		out[k] = b.State()
	}
	return out
}
