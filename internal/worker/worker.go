// Package worker runs scrape jobs: it pulls from the shared queue, takes a
// courtesy permit, invokes the collector, gates the output through the
// quality validator and persists accepted batches. Failed attempts are
// retried with exponential backoff and dead-lettered after MaxRetries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openpolicy/civicsync/internal/collector"
	"github.com/openpolicy/civicsync/internal/metrics"
	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/notify"
	"github.com/openpolicy/civicsync/internal/quality"
	"github.com/openpolicy/civicsync/internal/queue"
	"github.com/openpolicy/civicsync/internal/ratelimit"
	"github.com/openpolicy/civicsync/internal/registry"
	"github.com/openpolicy/civicsync/internal/resilience"
)

// Store is the persistence the pool writes to.
type Store interface {
	PersistBatch(ctx context.Context, j model.Jurisdiction, records []model.Record, run model.ScrapingRun, issues []model.QualityIssue) error
	RecordRun(ctx context.Context, run model.ScrapingRun, issues []model.QualityIssue) error
	SaveJob(ctx context.Context, job model.ScrapeJob) error
	DeadLetter(ctx context.Context, entry model.DeadLetter) error
}

// Config tunes the pool.
type Config struct {
	Size             int
	MaxRetries       int
	Backoff          resilience.Backoff
	CollectorTimeout time.Duration
	ReapInterval     time.Duration
	// MaxRecords truncates collector output; used by test mode.
	MaxRecords int
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.CollectorTimeout <= 0 {
		c.CollectorTimeout = 5 * time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
	return c
}

// Deps are the collaborators a pool needs. Courtesy and Notifier may be nil.
type Deps struct {
	Queue     *queue.Queue
	Registry  *registry.Registry
	Invoker   *collector.Invoker
	Courtesy  *ratelimit.Courtesy
	Validator *quality.Validator
	Store     Store
	Notifier  notify.Notifier
}

// Outcome describes how one dequeued job ended.
type Outcome struct {
	Job model.ScrapeJob
	// Run is nil when the job never reached a collector (deferred or skipped).
	Run *model.ScrapingRun
	// Deferred is set when the job went back to the queue without consuming
	// an attempt, e.g. a courtesy rejection.
	Deferred bool
	// Dropped is set when the job was discarded without running.
	Dropped bool
	Err     error
}

// Finished reports whether the job will not run again.
func (o Outcome) Finished() bool {
	return o.Dropped || o.Job.State.Terminal()
}

// ErrDisabled marks a job whose jurisdiction was disabled after it was queued.
var ErrDisabled = eris.New("jurisdiction disabled")

// Pool is a fixed set of workers sharing one queue.
type Pool struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	mu    sync.RWMutex
	hooks []func(Outcome)
}

// New creates a pool.
func New(cfg Config, deps Deps) *Pool {
	return &Pool{cfg: cfg.withDefaults(), deps: deps, now: time.Now}
}

// WithClock replaces the pool's clock.
func (p *Pool) WithClock(now func() time.Time) *Pool {
	p.now = now
	return p
}

// OnJobDone registers a callback invoked after every dequeued job, from the
// worker goroutine that ran it.
func (p *Pool) OnJobDone(fn func(Outcome)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, fn)
}

// Run starts the workers and the lease reaper and blocks until ctx is
// cancelled or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "worker"))
	log.Info("starting worker pool",
		zap.Int("size", p.cfg.Size),
		zap.Int("max_retries", p.cfg.MaxRetries),
		zap.Duration("collector_timeout", p.cfg.CollectorTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Size; i++ {
		id := i
		g.Go(func() error {
			return p.loop(gctx, id)
		})
	}
	g.Go(func() error {
		p.reap(gctx)
		return nil
	})

	err := g.Wait()
	log.Info("worker pool stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, id int) error {
	log := zap.L().With(zap.String("component", "worker"), zap.Int("worker", id))
	for {
		job, err := p.deps.Queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				// Closing the queue stops every worker; it is not a failure.
				return nil
			}
			return err
		}
		out := p.Process(ctx, job)
		if out.Err != nil && !out.Deferred {
			log.Warn("job attempt failed",
				zap.String("jurisdiction", job.JurisdictionID),
				zap.Int("attempt", out.Job.Attempts),
				zap.String("state", string(out.Job.State)),
				zap.Error(out.Err),
			)
		}
	}
}

// reap returns jobs whose lease expired to the queue until ctx ends.
func (p *Pool) reap(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ReapOnce(ctx)
		}
	}
}

// ReapOnce runs one lease sweep and returns the number of reaped jobs.
func (p *Pool) ReapOnce(ctx context.Context) int {
	reaped := p.deps.Queue.ReapExpired(p.now())
	for _, job := range reaped {
		zap.L().Warn("lease expired, job returned to queue",
			zap.String("component", "worker.reaper"),
			zap.String("job_id", job.ID),
			zap.String("jurisdiction", job.JurisdictionID),
		)
		p.saveJob(ctx, job)
	}
	return len(reaped)
}

// Process runs one dequeued (running) job to its next state. Collector and
// validation failures never escape: they are recorded, retried or
// dead-lettered here.
func (p *Pool) Process(ctx context.Context, job model.ScrapeJob) Outcome {
	stop := p.keepLease(ctx, job)
	out := p.process(ctx, job)
	stop()
	metrics.SetQueue(p.deps.Queue.Depth(), len(p.deps.Queue.InFlight()))

	p.mu.RLock()
	hooks := append([]func(Outcome){}, p.hooks...)
	p.mu.RUnlock()
	for _, fn := range hooks {
		fn(out)
	}
	return out
}

// keepLease renews the job's lease every third of the lease duration until
// the returned func is called, so a long attempt is not reaped mid-run.
func (p *Pool) keepLease(ctx context.Context, job model.ScrapeJob) func() {
	lease := p.deps.Queue.LeaseDuration()
	if lease <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.deps.Queue.Renew(job, p.now().Add(lease)); err != nil {
					zap.L().Warn("worker: lease renewal failed",
						zap.String("component", "worker"),
						zap.String("job_id", job.ID),
						zap.String("jurisdiction", job.JurisdictionID),
						zap.Error(err),
					)
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// release completes the job in the queue. A lost lease means another worker
// now owns the job and its reservation.
func (p *Pool) release(job model.ScrapeJob) {
	if err := p.deps.Queue.Complete(job); err != nil {
		zap.L().Warn("worker: complete job",
			zap.String("component", "worker"),
			zap.String("job_id", job.ID),
			zap.String("jurisdiction", job.JurisdictionID),
			zap.Error(err),
		)
	}
}

func (p *Pool) process(ctx context.Context, job model.ScrapeJob) Outcome {
	p.saveJob(ctx, job)

	j, err := p.deps.Registry.Get(job.JurisdictionID)
	if err == nil && !j.Enabled {
		err = ErrDisabled
	}
	if err != nil {
		// Nothing to retry: drop the job and its reservation.
		p.release(job)
		job.State = model.JobFailed
		job.LastError = err.Error()
		job.UpdatedAt = p.now()
		p.saveJob(ctx, job)
		return Outcome{Job: job, Dropped: true, Err: err}
	}

	if deferred, ok := p.acquire(ctx, j, job); ok {
		return deferred
	}

	started := p.now()
	attempt := job.Attempts + 1
	res := p.deps.Invoker.Invoke(ctx, j, p.cfg.CollectorTimeout)
	res = collector.Truncate(res, p.cfg.MaxRecords)

	run := model.ScrapingRun{
		ID:               uuid.NewString(),
		JurisdictionID:   j.ID,
		JobID:            job.ID,
		RunType:          job.Source,
		Attempt:          attempt,
		StartedAt:        started,
		RecordsProcessed: len(res.Records),
		ErrorsCount:      len(res.Errors),
		Errors:           res.Errors,
	}

	if cause := collector.FailureError(res); cause != nil {
		run.Status = model.RunFailed
		run.EndedAt = p.now()
		if err := p.deps.Store.RecordRun(ctx, run, nil); err != nil {
			zap.L().Error("worker: record failed run", zap.String("jurisdiction", j.ID), zap.Error(err))
		}
		return p.fail(ctx, job, j, &run, attempt, cause)
	}

	bv := p.deps.Validator.Validate(ctx, j, res.Records)
	metrics.ObserveVerdict("record", string(model.VerdictPass), bv.Counts.Pass)
	metrics.ObserveVerdict("record", string(model.VerdictWarn), bv.Counts.Warn)
	metrics.ObserveVerdict("record", string(model.VerdictFail), bv.Counts.Fail)
	metrics.ObserveVerdict("batch", string(bv.Verdict), 1)
	run.Verdicts = bv.Counts

	endedAt := p.now()
	run.EndedAt = endedAt
	issues := quality.Issues(j, run.ID, bv, res.Records, endedAt)
	if bv.Stale {
		p.notifyStale(ctx, j, bv)
	}

	if bv.Verdict == model.VerdictFail {
		run.Status = model.RunFailed
		run.RecordsRejected = len(res.Records)
		cause := resilience.ValidationFailure(fmt.Sprintf(
			"batch rejected: pass ratio %.3f below %.2f", bv.PassRatio, p.deps.Validator.AcceptanceRatio()))
		run.Errors = append(run.Errors, cause.Error())
		run.ErrorsCount = len(run.Errors)
		if err := p.deps.Store.RecordRun(ctx, run, issues); err != nil {
			zap.L().Error("worker: record rejected run", zap.String("jurisdiction", j.ID), zap.Error(err))
		}
		return p.fail(ctx, job, j, &run, attempt, cause)
	}

	accepted := quality.AcceptedRecords(bv, res.Records)
	run.Status = model.RunSucceeded
	run.RecordsAccepted = len(accepted)
	run.RecordsRejected = len(res.Records) - len(accepted)
	if err := p.deps.Store.PersistBatch(ctx, j, accepted, run, issues); err != nil {
		run.Status = model.RunFailed
		run.RecordsAccepted = 0
		return p.fail(ctx, job, j, &run, attempt, eris.Wrap(err, "persist batch"))
	}
	for kind, n := range countKinds(accepted) {
		metrics.ObservePersisted(string(kind), n)
	}

	p.release(job)
	if job.Source != model.SourceTest && p.deps.Registry.ClearHold(j.ID) {
		zap.L().Info("worker: dead-letter hold cleared by successful run",
			zap.String("component", "worker"),
			zap.String("jurisdiction", j.ID),
		)
	}
	job.Attempts = attempt
	job.State = model.JobSucceeded
	job.LastError = ""
	job.LeaseExpiresAt = nil
	job.UpdatedAt = p.now()
	p.saveJob(ctx, job)
	metrics.ObserveJob(string(j.Tier), string(model.JobSucceeded), run.Duration())

	zap.L().Info("job succeeded",
		zap.String("component", "worker"),
		zap.String("jurisdiction", j.ID),
		zap.Int("attempt", attempt),
		zap.Int("records", run.RecordsProcessed),
		zap.Int("accepted", run.RecordsAccepted),
		zap.String("verdict", string(bv.Verdict)),
	)
	return Outcome{Job: job, Run: &run}
}

// acquire takes the courtesy permit for the jurisdiction's primary domain.
// A rejection sends the job back to the queue without spending an attempt.
func (p *Pool) acquire(ctx context.Context, j model.Jurisdiction, job model.ScrapeJob) (Outcome, bool) {
	if p.deps.Courtesy == nil || j.PrimaryEndpoint() == "" {
		return Outcome{}, false
	}
	domain := ratelimit.DomainOf(j.PrimaryEndpoint())
	_, err := p.deps.Courtesy.Acquire(ctx, domain)
	if err == nil {
		return Outcome{}, false
	}

	readyAt := p.now()
	var rejected *ratelimit.Rejected
	if errors.As(err, &rejected) {
		readyAt = readyAt.Add(rejected.RetryAfter)
		metrics.ObserveCourtesyRejection(domain)
	}
	if rqErr := p.deps.Queue.Requeue(job, readyAt); rqErr != nil {
		zap.L().Warn("worker: requeue after courtesy rejection", zap.String("jurisdiction", j.ID), zap.Error(rqErr))
	}
	job.State = model.JobQueued
	job.ReadyAt = readyAt
	job.LeaseExpiresAt = nil
	p.saveJob(ctx, job)
	return Outcome{Job: job, Deferred: true, Err: err}, true
}

// fail spends an attempt: requeue with backoff, or dead-letter once the
// attempts reach MaxRetries.
func (p *Pool) fail(ctx context.Context, job model.ScrapeJob, j model.Jurisdiction, run *model.ScrapingRun, attempt int, cause error) Outcome {
	now := p.now()
	job.Attempts = attempt
	job.LastError = cause.Error()
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now
	metrics.ObserveJob(string(j.Tier), string(model.JobFailed), now.Sub(run.StartedAt))

	if attempt < p.cfg.MaxRetries && resilience.Retryable(cause) {
		readyAt := now.Add(p.cfg.Backoff.Delay(attempt))
		if err := p.deps.Queue.Requeue(job, readyAt); err != nil {
			zap.L().Warn("worker: requeue failed job", zap.String("jurisdiction", j.ID), zap.Error(err))
		}
		job.State = model.JobQueued
		job.ReadyAt = readyAt
		p.saveJob(ctx, job)
		return Outcome{Job: job, Run: run, Err: cause}
	}

	job.State = model.JobDeadLettered
	entry := resilience.NewDeadLetter(job, cause, now)
	if err := p.deps.Store.DeadLetter(ctx, entry); err != nil {
		zap.L().Error("worker: store dead letter", zap.String("jurisdiction", j.ID), zap.Error(err))
	}
	if job.Source != model.SourceTest {
		if err := p.deps.Registry.Hold(j.ID); err != nil {
			zap.L().Warn("worker: hold dead-lettered jurisdiction", zap.String("jurisdiction", j.ID), zap.Error(err))
		}
	}
	p.release(job)
	p.saveJob(ctx, job)
	metrics.ObserveDeadLetter()

	notify.Send(ctx, p.deps.Notifier, notify.Event{
		Type:           notify.EventDeadLettered,
		Severity:       "high",
		JurisdictionID: j.ID,
		Message:        fmt.Sprintf("%s dead-lettered after %d attempts: %s", j.ID, attempt, cause.Error()),
		Details: map[string]any{
			"job_id":     job.ID,
			"attempts":   attempt,
			"error_type": entry.ErrorType,
			"source":     string(job.Source),
		},
		Timestamp: now,
	})
	return Outcome{Job: job, Run: run, Err: eris.Wrap(resilience.ErrDeadLettered, cause.Error())}
}

func (p *Pool) notifyStale(ctx context.Context, j model.Jurisdiction, bv model.BatchVerdict) {
	msg := j.ID + " data is stale"
	for _, v := range bv.BatchViolations {
		if v.Rule == quality.RuleStaleness {
			msg = v.Message
		}
	}
	notify.Send(ctx, p.deps.Notifier, notify.Event{
		Type:           notify.EventStalenessDetected,
		Severity:       "high",
		JurisdictionID: j.ID,
		Message:        msg,
		Timestamp:      p.now(),
	})
}

func (p *Pool) saveJob(ctx context.Context, job model.ScrapeJob) {
	if err := p.deps.Store.SaveJob(ctx, job); err != nil {
		zap.L().Warn("worker: save job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func countKinds(records []model.Record) map[model.RecordKind]int {
	out := make(map[model.RecordKind]int)
	for _, r := range records {
		out[r.Kind]++
	}
	return out
}
