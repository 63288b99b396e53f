package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/store"
)

// Snapshot holds a point-in-time view of orchestrator health.
type Snapshot struct {
	// Queue state.
	QueueDepth int `json:"queue_depth"`
	InFlight   int `json:"in_flight"`

	// Runs within the lookback window, test runs excluded.
	RunsTotal       int     `json:"runs_total"`
	RunsSucceeded   int     `json:"runs_succeeded"`
	RunsFailed      int     `json:"runs_failed"`
	FailRate        float64 `json:"fail_rate"`
	RecordsAccepted int     `json:"records_accepted"`
	RecordsRejected int     `json:"records_rejected"`

	DeadLetters int `json:"dead_letters"`

	Lookback    time.Duration `json:"lookback"`
	CollectedAt time.Time     `json:"collected_at"`
}

// RunSource is the slice of the store the collector reads.
type RunSource interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.ScrapingRun, error)
	CountDeadLetters(ctx context.Context) (int, error)
}

// QueueStats reports live queue state.
type QueueStats interface {
	Depth() int
	InFlight() []model.ScrapeJob
}

// Collector gathers snapshots from the store and the queue.
type Collector struct {
	store RunSource
	queue QueueStats
	now   func() time.Time
}

// NewCollector creates a Collector. q may be nil when no queue runs in this
// process, e.g. from the CLI.
func NewCollector(st RunSource, q QueueStats) *Collector {
	return &Collector{
		store: st,
		queue: q,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookback time.Duration) (*Snapshot, error) {
	now := c.now()
	snap := &Snapshot{
		Lookback:    lookback,
		CollectedAt: now,
	}

	if c.queue != nil {
		snap.QueueDepth = c.queue.Depth()
		snap.InFlight = len(c.queue.InFlight())
	}

	runs, err := c.store.ListRuns(ctx, store.RunFilter{
		Since: now.Add(-lookback),
		Limit: 10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.RunType == model.SourceTest {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunSucceeded:
			snap.RunsSucceeded++
		case model.RunFailed:
			snap.RunsFailed++
		}
		snap.RecordsAccepted += r.RecordsAccepted
		snap.RecordsRejected += r.RecordsRejected
	}
	if finished := snap.RunsSucceeded + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	dlq, err := c.store.CountDeadLetters(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dead letters")
	}
	snap.DeadLetters = dlq

	return snap, nil
}
