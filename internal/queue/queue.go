// Package queue is the shared, priority-ordered job queue between the
// producers (scheduler, rollout) and the worker pool. It also owns the
// single-flight reservation: a jurisdiction holds at most one queued or
// running job at a time.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/openpolicy/civicsync/internal/model"
)

var (
	// ErrInFlight is returned when the jurisdiction already has an active job.
	ErrInFlight = eris.New("jurisdiction already has an active job")
	// ErrClosed is returned by Dequeue and Enqueue after Close.
	ErrClosed = eris.New("queue closed")
	// ErrUnknownJob is returned for job ids the queue does not track.
	ErrUnknownJob = eris.New("unknown job")
	// ErrLeaseLost is returned when the job was reaped and handed to another
	// worker after the caller dequeued it.
	ErrLeaseLost = eris.New("job lease lost")
)

// Queue is safe for concurrent use. Jobs become eligible once ReadyAt has
// passed; among eligible jobs tier rank wins, then enqueue order.
type Queue struct {
	mu      sync.Mutex
	items   jobHeap
	active  map[string]string // jurisdiction id -> job id
	running map[string]*model.ScrapeJob
	seq     uint64
	leases  uint64
	closed  bool
	wake    chan struct{}
	now     func() time.Time
	lease   time.Duration
}

// New creates a queue. lease is how long a dequeued job may run before
// ReapExpired returns it to the queue.
func New(lease time.Duration) *Queue {
	return &Queue{
		active:  make(map[string]string),
		running: make(map[string]*model.ScrapeJob),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
		lease:   lease,
	}
}

// LeaseDuration returns how long a dequeued job may run without renewal.
func (q *Queue) LeaseDuration() time.Duration {
	return q.lease
}

// WithClock replaces the queue's clock.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// NewJob builds a queued job for j.
func NewJob(j model.Jurisdiction, source model.JobSource, now time.Time) model.ScrapeJob {
	return model.ScrapeJob{
		ID:             uuid.NewString(),
		JurisdictionID: j.ID,
		Tier:           j.Tier,
		Source:         source,
		State:          model.JobQueued,
		EnqueuedAt:     now,
		ReadyAt:        now,
		UpdatedAt:      now,
	}
}

// Enqueue adds a job. It never blocks; it fails with ErrInFlight when the
// jurisdiction already has an active job.
func (q *Queue) Enqueue(job model.ScrapeJob) (model.ScrapeJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return job, ErrClosed
	}
	if existing, ok := q.active[job.JurisdictionID]; ok {
		return job, eris.Wrapf(ErrInFlight, "jurisdiction %s (job %s)", job.JurisdictionID, existing)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := q.now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if job.ReadyAt.IsZero() {
		job.ReadyAt = now
	}
	job.State = model.JobQueued
	job.UpdatedAt = now
	q.push(job)
	q.active[job.JurisdictionID] = job.ID
	return job, nil
}

func (q *Queue) push(job model.ScrapeJob) {
	q.seq++
	job.Seq = q.seq
	heap.Push(&q.items, &job)
	q.signal()
}

func (q *Queue) signal() {
	if q.closed {
		return
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// TryDequeue pops the best eligible job at now, marking it running with a
// lease. It returns false when no job is ready.
func (q *Queue) TryDequeue(now time.Time) (model.ScrapeJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popReady(now)
}

func (q *Queue) popReady(now time.Time) (model.ScrapeJob, bool) {
	q.items.now = now
	heap.Init(&q.items)
	if q.items.Len() == 0 || q.items.jobs[0].ReadyAt.After(now) {
		return model.ScrapeJob{}, false
	}
	job := heap.Pop(&q.items).(*model.ScrapeJob)
	job.State = model.JobRunning
	job.UpdatedAt = now
	q.leases++
	job.Lease = q.leases
	if q.lease > 0 {
		exp := now.Add(q.lease)
		job.LeaseExpiresAt = &exp
	}
	q.running[job.ID] = job
	return *job, true
}

// Dequeue blocks until a job is ready, ctx is done or the queue closes.
func (q *Queue) Dequeue(ctx context.Context) (model.ScrapeJob, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return model.ScrapeJob{}, ErrClosed
		}
		now := q.now()
		if job, ok := q.popReady(now); ok {
			// Pass the wake-up on so other waiters see remaining jobs.
			if q.items.Len() > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return job, nil
		}
		wait := time.Duration(-1)
		if q.items.Len() > 0 {
			wait = q.items.jobs[0].ReadyAt.Sub(now)
		}
		q.mu.Unlock()

		if err := q.sleep(ctx, wait); err != nil {
			return model.ScrapeJob{}, err
		}
	}
}

// sleep waits for a wake-up, the next ready time (wait >= 0) or ctx.
func (q *Queue) sleep(ctx context.Context, wait time.Duration) error {
	var timer <-chan time.Time
	if wait >= 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.wake:
	case <-timer:
	}
	return nil
}

// holder returns the running entry for job if job still owns its lease.
// Callers hold q.mu.
func (q *Queue) holder(job model.ScrapeJob, op string) (*model.ScrapeJob, error) {
	running, ok := q.running[job.ID]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownJob, "%s %s", op, job.ID)
	}
	if running.Lease != job.Lease {
		return nil, eris.Wrapf(ErrLeaseLost, "%s %s", op, job.ID)
	}
	return running, nil
}

// Complete ends a running job and releases the jurisdiction's reservation.
// It fails with ErrLeaseLost when job comes from a dequeue whose lease was
// reaped; the reservation then stays with the current holder.
func (q *Queue) Complete(job model.ScrapeJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	running, err := q.holder(job, "complete")
	if err != nil {
		return err
	}
	delete(q.running, running.ID)
	if q.active[running.JurisdictionID] == running.ID {
		delete(q.active, running.JurisdictionID)
	}
	return nil
}

// Requeue returns a running job to the queue, eligible at readyAt. The
// jurisdiction keeps its reservation throughout.
func (q *Queue) Requeue(job model.ScrapeJob, readyAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.holder(job, "requeue"); err != nil {
		return err
	}
	delete(q.running, job.ID)
	if q.closed {
		delete(q.active, job.JurisdictionID)
		return ErrClosed
	}
	job.State = model.JobQueued
	job.ReadyAt = readyAt
	job.LeaseExpiresAt = nil
	job.UpdatedAt = q.now()
	q.push(job)
	return nil
}

// Release drops any queued job for the jurisdiction and its reservation. A
// running job is left to finish; its reservation is dropped when it
// completes.
func (q *Queue) Release(jurisdictionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobID, ok := q.active[jurisdictionID]
	if !ok {
		return false
	}
	if _, running := q.running[jobID]; running {
		return false
	}
	for i, j := range q.items.jobs {
		if j.ID == jobID {
			heap.Remove(&q.items, i)
			break
		}
	}
	delete(q.active, jurisdictionID)
	return true
}

// Renew extends a running job's lease to until.
func (q *Queue) Renew(job model.ScrapeJob, until time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	running, err := q.holder(job, "renew")
	if err != nil {
		return err
	}
	running.LeaseExpiresAt = &until
	return nil
}

// ReapExpired moves running jobs whose lease expired back to queued, ready
// immediately. It returns the reaped jobs.
func (q *Queue) ReapExpired(now time.Time) []model.ScrapeJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var reaped []model.ScrapeJob
	for id, job := range q.running {
		if job.LeaseExpiresAt == nil || job.LeaseExpiresAt.After(now) {
			continue
		}
		delete(q.running, id)
		job.State = model.JobQueued
		job.ReadyAt = now
		job.LeaseExpiresAt = nil
		job.UpdatedAt = now
		q.push(*job)
		reaped = append(reaped, *job)
	}
	return reaped
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// InFlight returns copies of the running jobs.
func (q *Queue) InFlight() []model.ScrapeJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.ScrapeJob, 0, len(q.running))
	for _, j := range q.running {
		out = append(out, *j)
	}
	return out
}

// Active reports whether the jurisdiction has a queued or running job.
func (q *Queue) Active(jurisdictionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[jurisdictionID]
	return ok
}

// Snapshot returns copies of queued jobs in dequeue order at now.
func (q *Queue) Snapshot(now time.Time) []model.ScrapeJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := jobHeap{jobs: make([]*model.ScrapeJob, len(q.items.jobs)), now: now}
	for i, j := range q.items.jobs {
		c := *j
		cp.jobs[i] = &c
	}
	heap.Init(&cp)
	out := make([]model.ScrapeJob, 0, cp.Len())
	for cp.Len() > 0 {
		out = append(out, *heap.Pop(&cp).(*model.ScrapeJob))
	}
	return out
}

// Close wakes blocked Dequeue calls and rejects further work.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.wake)
}
