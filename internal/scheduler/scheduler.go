// Package scheduler turns elapsed jurisdiction cadences into queued scrape
// jobs. It never runs collectors itself.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/queue"
)

// DefaultTick is how often Run checks for due jurisdictions.
const DefaultTick = 60 * time.Second

// DueLister returns the jurisdictions whose cadence has elapsed.
type DueLister interface {
	Due(ctx context.Context, now time.Time) []model.Jurisdiction
}

// Enqueuer accepts new jobs without blocking.
type Enqueuer interface {
	Enqueue(job model.ScrapeJob) (model.ScrapeJob, error)
}

// Scheduler periodically enqueues scheduled jobs for due jurisdictions.
type Scheduler struct {
	due   DueLister
	queue Enqueuer
	tick  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a Scheduler. A non-positive tick uses DefaultTick.
func New(due DueLister, q Enqueuer, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		due:   due,
		queue: q,
		tick:  tick,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source used by Run.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Tick enqueues one scheduled job per due jurisdiction in tier order and
// returns how many were enqueued. Jurisdictions that already have an active
// job are skipped.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	due := s.due.Due(ctx, now)
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].Tier.Rank() < due[j].Tier.Rank()
	})

	log := zap.L().With(zap.String("component", "scheduler"))
	enqueued := 0
	for _, j := range due {
		if ctx.Err() != nil {
			break
		}
		job, err := s.queue.Enqueue(queue.NewJob(j, model.SourceScheduled, now))
		switch {
		case err == nil:
			enqueued++
			log.Debug("job scheduled",
				zap.String("jurisdiction", j.ID),
				zap.String("job_id", job.ID),
				zap.String("tier", string(j.Tier)),
			)
		case errors.Is(err, queue.ErrInFlight):
			continue
		case errors.Is(err, queue.ErrClosed):
			return enqueued
		default:
			log.Warn("enqueue failed", zap.String("jurisdiction", j.ID), zap.Error(err))
		}
	}

	if enqueued > 0 {
		log.Info("scheduler tick",
			zap.Int("due", len(due)),
			zap.Int("enqueued", enqueued),
		)
	}
	return enqueued
}

// Run ticks until ctx is cancelled. The first tick happens immediately.
func (s *Scheduler) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "scheduler"))
	log.Info("scheduler started", zap.Duration("tick", s.tick))

	s.Tick(ctx, s.now())

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Start launches Run in the background. It reports false if the scheduler
// is already running.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	s.cancel = cancel
	s.stopped = stopped

	go func() {
		defer close(stopped)
		s.Run(runCtx)

		s.mu.Lock()
		if s.stopped == stopped {
			s.cancel, s.stopped = nil, nil
		}
		s.mu.Unlock()
	}()
	return true
}

// Stop halts a running scheduler and waits for its loop to exit. It reports
// false if the scheduler was not running.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-stopped
	return true
}

// Running reports whether the background loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}
