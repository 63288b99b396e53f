// Package registry holds the jurisdiction catalog: the static list of scrape
// targets loaded at startup plus the enabled flag operators can flip.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/model"
)

// ErrNotFound is returned for unknown jurisdiction ids.
var ErrNotFound = eris.New("jurisdiction not found")

// LastSuccessLookup reports when a jurisdiction last had a successful run.
type LastSuccessLookup interface {
	LastSuccess(ctx context.Context, jurisdictionID string) (time.Time, bool, error)
}

// Registry is the in-memory jurisdiction catalog. Jurisdictions are never
// removed, only disabled.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byID   map[string]model.Jurisdiction
	lookup LastSuccessLookup
	// held are dead-lettered jurisdictions kept out of Due.
	held map[string]bool
}

// New builds a registry from already validated jurisdictions, preserving
// their order. lookup may be nil, in which case every enabled jurisdiction
// is always due.
func New(js []model.Jurisdiction, lookup LastSuccessLookup) *Registry {
	r := &Registry{
		order:  make([]string, 0, len(js)),
		byID:   make(map[string]model.Jurisdiction, len(js)),
		lookup: lookup,
		held:   make(map[string]bool),
	}
	for _, j := range js {
		if _, dup := r.byID[j.ID]; dup {
			continue
		}
		r.order = append(r.order, j.ID)
		r.byID[j.ID] = j
	}
	return r
}

// List returns jurisdictions in registration order, optionally filtered by tier.
func (r *Registry) List(tier *model.Tier) []model.Jurisdiction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Jurisdiction, 0, len(r.order))
	for _, id := range r.order {
		j := r.byID[id]
		if tier != nil && j.Tier != *tier {
			continue
		}
		out = append(out, j)
	}
	return out
}

// Get returns a jurisdiction by id.
func (r *Registry) Get(id string) (model.Jurisdiction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.byID[id]
	if !ok {
		return model.Jurisdiction{}, eris.Wrapf(ErrNotFound, "id %q", id)
	}
	return j, nil
}

// Disable stops a jurisdiction from being scheduled.
func (r *Registry) Disable(id string) error {
	return r.setEnabled(id, false)
}

// Enable makes a disabled jurisdiction schedulable again. It also lifts a
// dead-letter hold.
func (r *Registry) Enable(id string) error {
	return r.setEnabled(id, true)
}

// Hold keeps a dead-lettered jurisdiction out of Due until Enable or
// ClearHold is called. Explicit triggers still run it.
func (r *Registry) Hold(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return eris.Wrapf(ErrNotFound, "id %q", id)
	}
	r.held[id] = true
	zap.L().Info("jurisdiction held after dead letter",
		zap.String("component", "registry"),
		zap.String("jurisdiction", id),
	)
	return nil
}

// ClearHold lifts a dead-letter hold. It reports whether one was set.
func (r *Registry) ClearHold(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.held[id] {
		return false
	}
	delete(r.held, id)
	return true
}

// Held reports whether id is held after a dead letter.
func (r *Registry) Held(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.held[id]
}

func (r *Registry) setEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.byID[id]
	if !ok {
		return eris.Wrapf(ErrNotFound, "id %q", id)
	}
	j.Enabled = enabled
	r.byID[id] = j
	if enabled {
		delete(r.held, id)
	}
	zap.L().Info("jurisdiction updated",
		zap.String("component", "registry"),
		zap.String("jurisdiction", id),
		zap.Bool("enabled", enabled),
	)
	return nil
}

// Due returns enabled jurisdictions whose cadence has elapsed since their
// last successful run, in registration order. Held jurisdictions are never
// due. A lookup error for one jurisdiction is logged and that jurisdiction
// is skipped for this round.
func (r *Registry) Due(ctx context.Context, now time.Time) []model.Jurisdiction {
	var due []model.Jurisdiction
	for _, j := range r.List(nil) {
		if !j.Enabled || r.Held(j.ID) {
			continue
		}
		if r.lookup == nil {
			due = append(due, j)
			continue
		}
		last, ok, err := r.lookup.LastSuccess(ctx, j.ID)
		if err != nil {
			zap.L().Warn("last success lookup failed",
				zap.String("component", "registry"),
				zap.String("jurisdiction", j.ID),
				zap.Error(err),
			)
			continue
		}
		if !ok || now.Sub(last) >= j.Cadence {
			due = append(due, j)
		}
	}
	return due
}

// Len returns the number of registered jurisdictions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
