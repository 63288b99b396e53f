package orchestrator

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/notify"
	"github.com/openpolicy/civicsync/internal/queue"
	"github.com/openpolicy/civicsync/internal/resilience"
	"github.com/openpolicy/civicsync/internal/worker"
)

// TestRunOptions selects the jurisdictions for a test or manual pass. IDs take
// precedence over Tier; neither means every enabled jurisdiction.
type TestRunOptions struct {
	Tier       *model.Tier
	IDs        []string
	MaxRecords int
}

// TestResult summarizes one jurisdiction of a test pass.
type TestResult struct {
	JurisdictionID string              `json:"jurisdiction_id"`
	State          model.JobState      `json:"state"`
	Records        int                 `json:"records"`
	Accepted       int                 `json:"accepted"`
	Rejected       int                 `json:"rejected"`
	Verdicts       model.VerdictCounts `json:"verdicts"`
	Error          string              `json:"error,omitempty"`
}

// testStore records test runs like any other run but keeps failures out of
// the dead-letter queue.
type testStore struct {
	worker.Store
}

func (testStore) DeadLetter(_ context.Context, entry model.DeadLetter) error {
	zap.L().Info("test run failed, not dead-lettered",
		zap.String("component", "orchestrator.test"),
		zap.String("jurisdiction", entry.JurisdictionID),
		zap.String("error", entry.LastError),
	)
	return nil
}

// RunTest runs one attempt per selected jurisdiction on a private queue and
// waits for all of them. Runs are recorded with run type "test"; output is
// truncated to MaxRecords when set. The shared queue and scheduler are not
// touched.
func (s *State) RunTest(ctx context.Context, opts TestRunOptions) ([]TestResult, error) {
	return s.runPass(ctx, opts, model.SourceTest)
}

// RunOnce runs one manual pass over the selected jurisdictions with the
// configured retry policy and waits until every job succeeded or was
// dead-lettered.
func (s *State) RunOnce(ctx context.Context, opts TestRunOptions) ([]TestResult, error) {
	return s.runPass(ctx, opts, model.SourceManual)
}

func (s *State) runPass(ctx context.Context, opts TestRunOptions, source model.JobSource) ([]TestResult, error) {
	selected, err := s.selectForTest(opts)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, nil
	}

	oc := s.Config.Orchestrator
	q := queue.New(2 * oc.CollectorTimeout).WithClock(s.now)
	size := oc.WorkerPoolSize
	if size > len(selected) {
		size = len(selected)
	}
	wcfg := worker.Config{
		Size:             size,
		MaxRetries:       oc.MaxRetries,
		Backoff:          resilience.Backoff{Base: oc.RetryBaseDelay, Max: oc.RetryMaxDelay},
		CollectorTimeout: oc.CollectorTimeout,
		MaxRecords:       opts.MaxRecords,
	}
	var st worker.Store = s.Store
	n := s.Notifier
	if source == model.SourceTest {
		wcfg.MaxRetries = 1
		st = testStore{s.Store}
		n = notify.Log{}
	}
	pool := s.newPool(wcfg, q, st, n)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	results := make(map[string]TestResult, len(selected))
	pool.OnJobDone(func(o worker.Outcome) {
		if !o.Finished() {
			return
		}
		r := TestResult{JurisdictionID: o.Job.JurisdictionID, State: o.Job.State}
		if o.Run != nil {
			r.Records = o.Run.RecordsProcessed
			r.Accepted = o.Run.RecordsAccepted
			r.Rejected = o.Run.RecordsRejected
			r.Verdicts = o.Run.Verdicts
		}
		if o.Err != nil {
			r.Error = o.Err.Error()
		}

		mu.Lock()
		defer mu.Unlock()
		results[r.JurisdictionID] = r
		if len(results) == len(selected) {
			cancel()
		}
	})

	for _, j := range selected {
		if _, err := q.Enqueue(queue.NewJob(j, source, s.now())); err != nil {
			return nil, eris.Wrapf(err, "%s run: enqueue %s", source, j.ID)
		}
	}

	runErr := pool.Run(runCtx)

	mu.Lock()
	defer mu.Unlock()
	out := make([]TestResult, 0, len(selected))
	for _, j := range selected {
		if r, ok := results[j.ID]; ok {
			out = append(out, r)
		}
	}
	if runErr != nil {
		return out, eris.Wrapf(runErr, "%s run", source)
	}
	if ctx.Err() != nil && len(out) < len(selected) {
		return out, eris.Wrapf(ctx.Err(), "%s run interrupted", source)
	}
	return out, nil
}

func (s *State) selectForTest(opts TestRunOptions) ([]model.Jurisdiction, error) {
	if len(opts.IDs) > 0 {
		out := make([]model.Jurisdiction, 0, len(opts.IDs))
		for _, id := range opts.IDs {
			j, err := s.Registry.Get(id)
			if err != nil {
				return nil, err
			}
			if !j.Enabled {
				return nil, eris.Errorf("jurisdiction %s is disabled", id)
			}
			out = append(out, j)
		}
		return out, nil
	}

	var out []model.Jurisdiction
	for _, j := range s.Registry.List(opts.Tier) {
		if j.Enabled {
			out = append(out, j)
		}
	}
	return out, nil
}
