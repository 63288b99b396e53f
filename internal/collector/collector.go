// Package collector defines the collector contract, the static collector
// table and the invoker that runs collectors under a hard timeout.
package collector

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/openpolicy/civicsync/internal/model"
)

// Collector scrapes one jurisdiction. Implementations are black boxes to the
// orchestrator; they must honour ctx cancellation.
type Collector interface {
	Collect(ctx context.Context, j model.Jurisdiction) (model.CollectorResult, error)
}

// Func adapts a function to the Collector interface.
type Func func(ctx context.Context, j model.Jurisdiction) (model.CollectorResult, error)

// Collect implements Collector.
func (f Func) Collect(ctx context.Context, j model.Jurisdiction) (model.CollectorResult, error) {
	return f(ctx, j)
}

// ErrNoCollector is returned when no collector is registered for a key.
var ErrNoCollector = eris.New("no collector registered")

// Table maps collector keys (usually jurisdiction ids) to collectors.
type Table struct {
	mu         sync.RWMutex
	collectors map[string]Collector
}

// NewTable creates an empty collector table.
func NewTable() *Table {
	return &Table{collectors: make(map[string]Collector)}
}

// Register adds or replaces the collector for key.
func (t *Table) Register(key string, c Collector) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.collectors[key] = c
}

// Lookup returns the collector for j's collector key.
func (t *Table) Lookup(j model.Jurisdiction) (Collector, error) {
	key := j.CollectorKey()
	t.mu.RLock()
	c, ok := t.collectors[key]
	t.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrNoCollector, "key %q", key)
	}
	return c, nil
}

// Keys returns the registered keys in sorted order.
func (t *Table) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.collectors))
	for k := range t.collectors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Truncate caps a result at n records. n <= 0 leaves it unchanged.
func Truncate(r model.CollectorResult, n int) model.CollectorResult {
	if n > 0 && len(r.Records) > n {
		r.Records = r.Records[:n]
	}
	return r
}
