// Package orchestrator assembles the scheduling, execution and rollout
// components into one State and exposes the operator control surface.
package orchestrator

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openpolicy/civicsync/internal/collector"
	"github.com/openpolicy/civicsync/internal/config"
	"github.com/openpolicy/civicsync/internal/fetcher"
	"github.com/openpolicy/civicsync/internal/metrics"
	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/monitoring"
	"github.com/openpolicy/civicsync/internal/notify"
	"github.com/openpolicy/civicsync/internal/quality"
	"github.com/openpolicy/civicsync/internal/queue"
	"github.com/openpolicy/civicsync/internal/ratelimit"
	"github.com/openpolicy/civicsync/internal/registry"
	"github.com/openpolicy/civicsync/internal/resilience"
	"github.com/openpolicy/civicsync/internal/rollout"
	"github.com/openpolicy/civicsync/internal/scheduler"
	"github.com/openpolicy/civicsync/internal/store"
	"github.com/openpolicy/civicsync/internal/worker"
)

// State is the orchestrator, built once at startup and passed to the CLI
// commands and the HTTP API.
type State struct {
	Config     *config.Config
	Store      store.Store
	Registry   *registry.Registry
	Queue      *queue.Queue
	Scheduler  *scheduler.Scheduler
	Workers    *worker.Pool
	Rollouts   *rollout.Manager
	Monitor    *monitoring.Checker
	Snapshots  *monitoring.Collector
	Courtesy   *ratelimit.Courtesy
	APILimiter *ratelimit.SlidingWindow
	Breakers   *resilience.Breakers
	Notifier   notify.Notifier

	collectors *collector.Table
	validator  *quality.Validator
	now        func() time.Time
}

type options struct {
	collectors *collector.Table
	notifier   notify.Notifier
	now        func() time.Time
}

// Option customizes New.
type Option func(*options)

// WithCollectors supplies the collector table. Jurisdictions without an
// entry fall back to the feed collector.
func WithCollectors(t *collector.Table) Option {
	return func(o *options) { o.collectors = t }
}

// WithNotifier replaces the notifier built from the monitoring config.
func WithNotifier(n notify.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New wires the orchestrator for the given catalog.
func New(cfg *config.Config, st store.Store, jurisdictions []model.Jurisdiction, opts ...Option) (*State, error) {
	if cfg == nil {
		return nil, eris.New("orchestrator: config is required")
	}
	if st == nil {
		return nil, eris.New("orchestrator: store is required")
	}

	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}

	oc := cfg.Orchestrator
	s := &State{
		Config: cfg,
		Store:  st,
		now:    o.now,
	}

	s.Notifier = o.notifier
	if s.Notifier == nil {
		s.Notifier = buildNotifier(cfg.Monitoring)
	}

	s.Registry = registry.New(jurisdictions, st)
	s.Queue = queue.New(2 * oc.CollectorTimeout).WithClock(o.now)

	s.Courtesy = ratelimit.NewCourtesy(cfg.RateLimit.CourtesyIntervalPerDomain, cfg.RateLimit.CourtesyMaxWait)
	s.Courtesy.OnWait(metrics.ObserveCourtesyWait)
	for _, j := range jurisdictions {
		if j.CourtesyInterval > 0 && j.PrimaryEndpoint() != "" {
			s.Courtesy.SetInterval(ratelimit.DomainOf(j.PrimaryEndpoint()), j.CourtesyInterval)
		}
	}

	s.APILimiter = ratelimit.NewSlidingWindow(cfg.RateLimit.APIWindow, cfg.RateLimit.APILimits)

	s.Breakers = resilience.NewBreakers(resilience.BreakerConfig{
		OnStateChange: func(key string, from, to resilience.CircuitState) {
			zap.L().Warn("circuit state changed",
				zap.String("component", "orchestrator"),
				zap.String("domain", key),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	s.collectors = o.collectors
	if s.collectors == nil {
		s.collectors = collector.NewTable()
	}
	registerFeeds(s.collectors, jurisdictions, oc)

	s.validator = quality.New(quality.Config{
		AcceptanceRatio:  cfg.Quality.AcceptanceRatio,
		MinTitleLength:   cfg.Quality.MinTitleLength,
		CriticalKeywords: cfg.Quality.CriticalKeywords,
		StalenessFactor:  cfg.Monitoring.StalenessFactor,
	}, st).WithClock(o.now)

	s.Workers = s.newPool(worker.Config{
		Size:             oc.WorkerPoolSize,
		MaxRetries:       oc.MaxRetries,
		Backoff:          resilience.Backoff{Base: oc.RetryBaseDelay, Max: oc.RetryMaxDelay},
		CollectorTimeout: oc.CollectorTimeout,
		ReapInterval:     oc.LeaseReaperInterval,
	}, s.Queue, st, s.Notifier)

	s.Scheduler = scheduler.New(s.Registry, s.Queue, oc.SchedulerTick).WithClock(o.now)

	s.Rollouts = rollout.New(s.Registry, s.Queue, st, s.Notifier, cfg.Rollout.PollInterval).WithClock(o.now)
	s.Workers.OnJobDone(s.Rollouts.Observe)

	s.Snapshots = monitoring.NewCollector(st, s.Queue)
	staleness := monitoring.NewStalenessChecker(s.Registry, st, cfg.Monitoring.StalenessFactor).WithClock(o.now)
	s.Monitor = monitoring.NewChecker(s.Snapshots, monitoring.NewAlerter(cfg.Monitoring, s.Notifier), staleness, cfg.Monitoring)

	zap.L().Info("orchestrator ready",
		zap.String("component", "orchestrator"),
		zap.Int("jurisdictions", s.Registry.Len()),
		zap.Int("workers", oc.WorkerPoolSize),
		zap.Int("collectors", len(s.collectors.Keys())),
	)
	return s, nil
}

func (s *State) newPool(cfg worker.Config, q *queue.Queue, st worker.Store, n notify.Notifier) *worker.Pool {
	return worker.New(cfg, worker.Deps{
		Queue:     q,
		Registry:  s.Registry,
		Invoker:   collector.NewInvoker(s.collectors, s.Breakers),
		Courtesy:  s.Courtesy,
		Validator: s.validator,
		Store:     st,
		Notifier:  n,
	}).WithClock(s.now)
}

// registerFeeds gives every jurisdiction without a dedicated collector the
// shared feed collector.
func registerFeeds(t *collector.Table, js []model.Jurisdiction, oc config.OrchestratorConfig) {
	var feed collector.Collector
	for _, j := range js {
		if _, err := t.Lookup(j); err == nil {
			continue
		}
		if feed == nil {
			feed = collector.NewFeedCollector(fetcher.NewMulti(
				fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
					UserAgent: oc.UserAgent,
					Timeout:   oc.CollectorTimeout,
					Retry:     resilience.DefaultRequestRetry(),
				}),
				fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: oc.CollectorTimeout}),
			), collector.FeedOptions{})
		}
		t.Register(j.CollectorKey(), feed)
	}
}

func buildNotifier(cfg config.MonitoringConfig) notify.Notifier {
	fan := notify.Fanout{notify.Log{}}
	if cfg.WebhookURL != "" {
		fan = append(fan, notify.NewWebhook(cfg.WebhookURL, cfg.WebhookTimeout))
	}
	return fan
}

// Recover re-enqueues jobs a previous process left queued or running.
// Interrupted jobs become ready immediately and keep their attempt count.
// Test jobs and jobs of unknown or disabled jurisdictions are skipped.
func (s *State) Recover(ctx context.Context) (int, error) {
	jobs, err := s.Store.ListJobs(ctx, model.JobQueued, model.JobRunning)
	if err != nil {
		return 0, eris.Wrap(err, "orchestrator: list unfinished jobs")
	}

	log := zap.L().With(zap.String("component", "orchestrator"))
	now := s.now()
	n := 0
	for _, job := range jobs {
		if job.Source == model.SourceTest {
			continue
		}
		j, err := s.Registry.Get(job.JurisdictionID)
		if err != nil || !j.Enabled {
			log.Info("skipping unfinished job", zap.String("jurisdiction", job.JurisdictionID), zap.String("job_id", job.ID))
			continue
		}
		if job.State == model.JobRunning || job.ReadyAt.Before(now) {
			job.ReadyAt = now
		}
		job.LeaseExpiresAt = nil
		if _, err := s.Queue.Enqueue(job); err != nil {
			log.Warn("recover job", zap.String("jurisdiction", job.JurisdictionID), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		log.Info("recovered unfinished jobs", zap.Int("jobs", n))
	}
	return n, nil
}

// Run recovers unfinished jobs, then drives the workers, the lease reaper,
// the scheduler and the monitoring checks until ctx is cancelled.
func (s *State) Run(ctx context.Context) error {
	if _, err := s.Recover(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Workers.Run(gctx)
	})
	g.Go(func() error {
		s.Monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.APILimiter.Prune()
			}
		}
	})

	s.StartScheduler(gctx)

	err := g.Wait()
	s.StopScheduler()
	s.Queue.Close()
	return err
}

// StartScheduler starts the periodic scheduler. It reports false if it was
// already running.
func (s *State) StartScheduler(ctx context.Context) bool {
	return s.Scheduler.Start(ctx)
}

// StopScheduler stops the periodic scheduler. Jobs already queued still run.
func (s *State) StopScheduler() bool {
	return s.Scheduler.Stop()
}

// SchedulerRunning reports whether the scheduler loop is active.
func (s *State) SchedulerRunning() bool {
	return s.Scheduler.Running()
}

// TriggerRollout runs a phased rollout synchronously. Nil phases use the
// configured definitions.
func (s *State) TriggerRollout(ctx context.Context, name string, phases []model.RolloutPhase) ([]model.RolloutPhase, error) {
	if phases == nil {
		phases = s.Config.Rollout.Phases
	}
	return s.Rollouts.Trigger(ctx, name, phases)
}

// RunRollout runs a rollout with this process's workers and no scheduler.
// The workers stop when the rollout returns.
func (s *State) RunRollout(ctx context.Context, name string, phases []model.RolloutPhase) ([]model.RolloutPhase, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(wctx)
	g.Go(func() error {
		return s.Workers.Run(gctx)
	})

	out, err := s.TriggerRollout(gctx, name, phases)
	cancel()
	if werr := g.Wait(); werr != nil && err == nil {
		err = werr
	}
	return out, err
}

// DisableJurisdiction stops scheduling a jurisdiction. A job already queued
// for it is dropped when a worker picks it up.
func (s *State) DisableJurisdiction(id string) error {
	return s.Registry.Disable(id)
}

// EnableJurisdiction resumes scheduling a jurisdiction and lifts any
// dead-letter hold.
func (s *State) EnableJurisdiction(id string) error {
	return s.Registry.Enable(id)
}

// QueueDepth returns the number of queued jobs.
func (s *State) QueueDepth() int {
	return s.Queue.Depth()
}

// InFlight returns the jobs currently held by workers.
func (s *State) InFlight() []model.ScrapeJob {
	return s.Queue.InFlight()
}

// RecentIssues returns the newest quality issues for a jurisdiction.
func (s *State) RecentIssues(ctx context.Context, jurisdictionID string, limit int) ([]model.QualityIssue, error) {
	if _, err := s.Registry.Get(jurisdictionID); err != nil {
		return nil, err
	}
	return s.Store.RecentIssues(ctx, jurisdictionID, limit)
}

// Status collects a health snapshot over the configured lookback window.
func (s *State) Status(ctx context.Context) (*monitoring.Snapshot, error) {
	lookback := s.Config.Monitoring.LookbackWindow
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return s.Snapshots.Collect(ctx, lookback)
}

// Close releases the queue. The store is owned by the caller.
func (s *State) Close() {
	s.Queue.Close()
}
