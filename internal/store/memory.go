package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/resilience"
)

// MemoryStore keeps everything in process memory. It backs test mode and
// unit tests; state is lost on exit.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]map[string]model.Record // jurisdiction -> kind/key -> record
	runs        []model.ScrapingRun
	issues      []model.QualityIssue
	jobs        map[string]model.ScrapeJob
	deadLetters []model.DeadLetter
	phases      map[string][]model.RolloutPhase
	progress    map[string]map[string]time.Time
	batches     int

	// FailPersist, when set, is returned by PersistBatch.
	FailPersist error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]map[string]model.Record),
		jobs:     make(map[string]model.ScrapeJob),
		phases:   make(map[string][]model.RolloutPhase),
		progress: make(map[string]map[string]time.Time),
	}
}

// PersistBatch implements Store.
func (m *MemoryStore) PersistBatch(_ context.Context, j model.Jurisdiction, records []model.Record, run model.ScrapingRun, issues []model.QualityIssue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPersist != nil {
		return m.FailPersist
	}
	byKey, ok := m.records[j.ID]
	if !ok {
		byKey = make(map[string]model.Record)
		m.records[j.ID] = byKey
	}
	for _, r := range records {
		byKey[string(r.Kind)+"/"+r.Key()] = r
	}
	m.runs = append(m.runs, run)
	m.issues = append(m.issues, issues...)
	m.batches++
	return nil
}

// RecordRun implements Store.
func (m *MemoryStore) RecordRun(_ context.Context, run model.ScrapingRun, issues []model.QualityIssue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	m.issues = append(m.issues, issues...)
	return nil
}

// LastSuccess implements Store. Test runs are ignored.
func (m *MemoryStore) LastSuccess(_ context.Context, jurisdictionID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last time.Time
	found := false
	for _, r := range m.runs {
		if r.JurisdictionID != jurisdictionID || r.Status != model.RunSucceeded || r.RunType == model.SourceTest {
			continue
		}
		if !found || r.EndedAt.After(last) {
			last, found = r.EndedAt, true
		}
	}
	return last, found, nil
}

// KnownBillStatus implements Store.
func (m *MemoryStore) KnownBillStatus(_ context.Context, jurisdictionID, number string) (model.BillStatus, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records[jurisdictionID] {
		if r.Kind != model.KindBill {
			continue
		}
		if b := r.Bill(); b.Number == number && b.Status != "" {
			return b.Status, true, nil
		}
	}
	return "", false, nil
}

// RecentIssues implements Store, newest first.
func (m *MemoryStore) RecentIssues(_ context.Context, jurisdictionID string, limit int) ([]model.QualityIssue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit = limitOr(limit, 50)
	var out []model.QualityIssue
	for i := len(m.issues) - 1; i >= 0 && len(out) < limit; i-- {
		if jurisdictionID == "" || m.issues[i].JurisdictionID == jurisdictionID {
			out = append(out, m.issues[i])
		}
	}
	return out, nil
}

// ListRuns implements Store, newest first.
func (m *MemoryStore) ListRuns(_ context.Context, f RunFilter) ([]model.ScrapingRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := limitOr(f.Limit, 100)
	var out []model.ScrapingRun
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.runs[i]
		if f.JurisdictionID != "" && r.JurisdictionID != f.JurisdictionID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && r.StartedAt.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// SaveJob implements Store.
func (m *MemoryStore) SaveJob(_ context.Context, job model.ScrapeJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

// ListJobs implements Store, oldest first.
func (m *MemoryStore) ListJobs(_ context.Context, states ...model.JobState) ([]model.ScrapeJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[model.JobState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	var out []model.ScrapeJob
	for _, j := range m.jobs {
		if len(want) == 0 || want[j.State] {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].EnqueuedAt.Before(out[b].EnqueuedAt) })
	return out, nil
}

// DeadLetter implements Store.
func (m *MemoryStore) DeadLetter(_ context.Context, entry model.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, entry)
	return nil
}

// ListDeadLetters implements Store, newest first.
func (m *MemoryStore) ListDeadLetters(_ context.Context, f resilience.DeadLetterFilter) ([]model.DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := limitOr(f.Limit, 100)
	var out []model.DeadLetter
	for i := len(m.deadLetters) - 1; i >= 0 && len(out) < limit; i-- {
		d := m.deadLetters[i]
		if f.JurisdictionID != "" && d.JurisdictionID != f.JurisdictionID {
			continue
		}
		if f.ErrorType != "" && d.ErrorType != f.ErrorType {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// CountDeadLetters implements Store.
func (m *MemoryStore) CountDeadLetters(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.deadLetters), nil
}

// SaveRolloutPhase implements Store.
func (m *MemoryStore) SaveRolloutPhase(_ context.Context, rollout string, index int, phase model.RolloutPhase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ps := m.phases[rollout]
	for len(ps) <= index {
		ps = append(ps, model.RolloutPhase{})
	}
	ps[index] = phase
	m.phases[rollout] = ps
	return nil
}

// RolloutPhases implements Store.
func (m *MemoryStore) RolloutPhases(_ context.Context, rollout string) ([]model.RolloutPhase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.RolloutPhase(nil), m.phases[rollout]...), nil
}

// MarkRolloutSucceeded implements Store.
func (m *MemoryStore) MarkRolloutSucceeded(_ context.Context, rollout, jurisdictionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[rollout]
	if !ok {
		p = make(map[string]time.Time)
		m.progress[rollout] = p
	}
	if _, done := p[jurisdictionID]; !done {
		p[jurisdictionID] = at
	}
	return nil
}

// RolloutProgress implements Store.
func (m *MemoryStore) RolloutProgress(_ context.Context, rollout string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.progress[rollout]))
	for id := range m.progress[rollout] {
		out[id] = true
	}
	return out, nil
}

// Migrate implements Store; there is nothing to migrate.
func (m *MemoryStore) Migrate(context.Context) error { return nil }

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// Records returns the persisted records of one jurisdiction.
func (m *MemoryStore) Records(jurisdictionID string) []model.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Record, 0, len(m.records[jurisdictionID]))
	for _, r := range m.records[jurisdictionID] {
		out = append(out, r)
	}
	return out
}

// Batches returns how many PersistBatch calls committed.
func (m *MemoryStore) Batches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batches
}

// Runs returns every recorded run in insertion order.
func (m *MemoryStore) Runs() []model.ScrapingRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.ScrapingRun(nil), m.runs...)
}
