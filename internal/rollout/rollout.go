// Package rollout runs phased rollouts: ordered groups of jurisdictions that
// are enqueued one phase at a time, each phase gated on a success ratio or a
// time budget.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/notify"
	"github.com/openpolicy/civicsync/internal/queue"
	"github.com/openpolicy/civicsync/internal/worker"
)

// DefaultPollInterval is how often a running phase re-checks its progress.
const DefaultPollInterval = 30 * time.Second

// ErrAlreadyRunning is returned when a rollout with the same name is in progress.
var ErrAlreadyRunning = eris.New("rollout already running")

// Catalog lists registered jurisdictions.
type Catalog interface {
	List(tier *model.Tier) []model.Jurisdiction
}

// Enqueuer accepts new jobs without blocking.
type Enqueuer interface {
	Enqueue(job model.ScrapeJob) (model.ScrapeJob, error)
}

// Store persists phase state and per-jurisdiction progress.
type Store interface {
	SaveRolloutPhase(ctx context.Context, rollout string, index int, phase model.RolloutPhase) error
	RolloutPhases(ctx context.Context, rollout string) ([]model.RolloutPhase, error)
	MarkRolloutSucceeded(ctx context.Context, rollout, jurisdictionID string, at time.Time) error
	RolloutProgress(ctx context.Context, rollout string) (map[string]bool, error)
}

// Manager drives rollouts. Wire Observe into the worker pool's job hook so
// the manager sees outcomes.
type Manager struct {
	catalog  Catalog
	queue    Enqueuer
	store    Store
	notifier notify.Notifier
	poll     time.Duration
	now      func() time.Time

	mu       sync.Mutex
	running  map[string]bool
	finished map[string]map[string]bool // rollout -> jurisdiction -> succeeded
}

// New creates a Manager. A non-positive poll uses DefaultPollInterval.
func New(catalog Catalog, q Enqueuer, st Store, n notify.Notifier, poll time.Duration) *Manager {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Manager{
		catalog:  catalog,
		queue:    q,
		store:    st,
		notifier: n,
		poll:     poll,
		now:      func() time.Time { return time.Now().UTC() },
		running:  make(map[string]bool),
		finished: make(map[string]map[string]bool),
	}
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Observe records the outcome of a rollout job. Jobs that did not come from
// a rollout, and attempts that will be retried, are ignored.
func (m *Manager) Observe(o worker.Outcome) {
	if o.Job.RolloutName == "" || !o.Finished() {
		return
	}
	succeeded := o.Job.State == model.JobSucceeded

	m.mu.Lock()
	byJurisdiction, ok := m.finished[o.Job.RolloutName]
	if !ok {
		byJurisdiction = make(map[string]bool)
		m.finished[o.Job.RolloutName] = byJurisdiction
	}
	byJurisdiction[o.Job.JurisdictionID] = succeeded
	m.mu.Unlock()

	if !succeeded {
		return
	}
	if err := m.store.MarkRolloutSucceeded(context.Background(), o.Job.RolloutName, o.Job.JurisdictionID, m.now()); err != nil {
		zap.L().Error("rollout: mark succeeded",
			zap.String("component", "rollout"),
			zap.String("rollout", o.Job.RolloutName),
			zap.String("jurisdiction", o.Job.JurisdictionID),
			zap.Error(err),
		)
	}
}

// Status returns the recorded phases of a rollout.
func (m *Manager) Status(ctx context.Context, name string) ([]model.RolloutPhase, error) {
	phases, err := m.store.RolloutPhases(ctx, name)
	if err != nil {
		return nil, eris.Wrapf(err, "rollout: status %s", name)
	}
	return phases, nil
}

// Running reports whether rollout name is in progress.
func (m *Manager) Running(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[name]
}

// Trigger runs the phases of rollout name in order and returns them with
// their recorded outcome. Each phase is recorded before the next one enqueues
// anything. Jurisdictions that already succeeded under this rollout name are
// not enqueued again, so re-running a rollout only retries what is left.
// A partial phase is not an error.
func (m *Manager) Trigger(ctx context.Context, name string, phases []model.RolloutPhase) ([]model.RolloutPhase, error) {
	if name == "" {
		return nil, eris.New("rollout: name is required")
	}
	if len(phases) == 0 {
		phases = model.DefaultRolloutPhases()
	}

	m.mu.Lock()
	if m.running[name] {
		m.mu.Unlock()
		return nil, eris.Wrap(ErrAlreadyRunning, name)
	}
	m.running[name] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, name)
		m.mu.Unlock()
	}()

	log := zap.L().With(zap.String("component", "rollout"), zap.String("rollout", name))
	log.Info("rollout started", zap.Int("phases", len(phases)))

	out := make([]model.RolloutPhase, 0, len(phases))
	for i, def := range phases {
		phase, err := m.runPhase(ctx, log, name, i, def)
		out = append(out, phase)
		if err != nil {
			return out, err
		}
	}

	log.Info("rollout finished")
	return out, nil
}

func (m *Manager) runPhase(ctx context.Context, log *zap.Logger, name string, index int, def model.RolloutPhase) (model.RolloutPhase, error) {
	phase := def
	log = log.With(zap.String("phase", phase.Name))

	members := m.resolve(phase)
	phase.Total = len(members)
	phase.Succeeded = 0
	phase.EndedAt = nil
	started := m.now()
	phase.StartedAt = &started
	phase.Status = model.PhaseRunning

	// Start fresh for this phase so earlier failures get another try.
	m.mu.Lock()
	if byJurisdiction := m.finished[name]; byJurisdiction != nil {
		for _, j := range members {
			delete(byJurisdiction, j.ID)
		}
	}
	m.mu.Unlock()

	progress, err := m.store.RolloutProgress(ctx, name)
	if err != nil {
		return phase, eris.Wrapf(err, "rollout: progress %s", name)
	}

	var waiting []model.Jurisdiction
	for _, j := range members {
		if !progress[j.ID] {
			waiting = append(waiting, j)
		}
	}
	if err := m.store.SaveRolloutPhase(ctx, name, index, phase); err != nil {
		return phase, eris.Wrapf(err, "rollout: save phase %s", phase.Name)
	}
	log.Info("phase started",
		zap.Int("jurisdictions", phase.Total),
		zap.Int("already_succeeded", phase.Total-len(waiting)),
	)

	deadline := started.Add(phase.TimeBudget)
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		waiting = m.enqueue(name, phase.Name, waiting)

		done, succeeded, err := m.tally(ctx, name, members)
		if err != nil {
			return phase, err
		}
		phase.Succeeded = succeeded

		var status model.PhaseStatus
		switch {
		case phase.Ratio() >= phase.SuccessRatio:
			status = model.PhaseComplete
		case done == len(members) && len(waiting) == 0:
			// Nothing left that could still succeed.
			status = model.PhasePartial
		case !m.now().Before(deadline):
			status = model.PhasePartial
		}
		if status != "" {
			err := m.finish(ctx, log, name, index, &phase, status)
			return phase, err
		}

		select {
		case <-ctx.Done():
			ended := m.now()
			phase.EndedAt = &ended
			phase.Status = model.PhasePartial
			if err := m.store.SaveRolloutPhase(context.WithoutCancel(ctx), name, index, phase); err != nil {
				log.Error("save interrupted phase", zap.Error(err))
			}
			return phase, eris.Wrapf(ctx.Err(), "rollout: %s interrupted in phase %s", name, phase.Name)
		case <-ticker.C:
		}
	}
}

// resolve returns the enabled jurisdictions a phase covers. Explicit ids
// take precedence over tiers.
func (m *Manager) resolve(phase model.RolloutPhase) []model.Jurisdiction {
	all := m.catalog.List(nil)
	var out []model.Jurisdiction

	if len(phase.JurisdictionIDs) > 0 {
		want := make(map[string]bool, len(phase.JurisdictionIDs))
		for _, id := range phase.JurisdictionIDs {
			want[id] = true
		}
		for _, j := range all {
			if j.Enabled && want[j.ID] {
				out = append(out, j)
			}
		}
		return out
	}

	tiers := make(map[model.Tier]bool, len(phase.Tiers))
	for _, t := range phase.Tiers {
		tiers[t] = true
	}
	for _, j := range all {
		if j.Enabled && tiers[j.Tier] {
			out = append(out, j)
		}
	}
	return out
}

// enqueue submits rollout jobs and returns the jurisdictions that could not
// be enqueued yet because another job for them is still active.
func (m *Manager) enqueue(name, phase string, pending []model.Jurisdiction) []model.Jurisdiction {
	var blocked []model.Jurisdiction
	now := m.now()
	for _, j := range pending {
		job := queue.NewJob(j, model.SourceRollout, now)
		job.RolloutName = name
		job.Phase = phase
		_, err := m.queue.Enqueue(job)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrInFlight):
			blocked = append(blocked, j)
		default:
			zap.L().Warn("rollout: enqueue failed",
				zap.String("component", "rollout"),
				zap.String("rollout", name),
				zap.String("jurisdiction", j.ID),
				zap.Error(err),
			)
			blocked = append(blocked, j)
		}
	}
	return blocked
}

// tally returns how many members have a final outcome and how many
// succeeded, counting successes recorded by earlier runs of the rollout.
func (m *Manager) tally(ctx context.Context, name string, members []model.Jurisdiction) (done, succeeded int, err error) {
	progress, err := m.store.RolloutProgress(ctx, name)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "rollout: progress %s", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	outcomes := m.finished[name]
	for _, j := range members {
		ok, finished := outcomes[j.ID]
		switch {
		case progress[j.ID] || ok:
			done++
			succeeded++
		case finished:
			done++
		}
	}
	return done, succeeded, nil
}

func (m *Manager) finish(ctx context.Context, log *zap.Logger, name string, index int, phase *model.RolloutPhase, status model.PhaseStatus) error {
	ended := m.now()
	phase.EndedAt = &ended
	phase.Status = status
	if err := m.store.SaveRolloutPhase(ctx, name, index, *phase); err != nil {
		return eris.Wrapf(err, "rollout: save phase %s", phase.Name)
	}

	log.Info("phase finished",
		zap.String("status", string(status)),
		zap.Int("succeeded", phase.Succeeded),
		zap.Int("total", phase.Total),
		zap.Float64("ratio", phase.Ratio()),
	)

	if status == model.PhasePartial {
		notify.Send(ctx, m.notifier, notify.Event{
			Type:     notify.EventPhasePartial,
			Severity: "medium",
			Message: fmt.Sprintf("rollout %s phase %s closed partial: %d/%d succeeded (required %.0f%%)",
				name, phase.Name, phase.Succeeded, phase.Total, phase.SuccessRatio*100),
			Details: map[string]any{
				"rollout":       name,
				"phase":         phase.Name,
				"succeeded":     phase.Succeeded,
				"total":         phase.Total,
				"success_ratio": phase.SuccessRatio,
			},
		})
	}
	return nil
}
