package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/collector"
	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/notify"
	"github.com/openpolicy/civicsync/internal/quality"
	"github.com/openpolicy/civicsync/internal/queue"
	"github.com/openpolicy/civicsync/internal/ratelimit"
	"github.com/openpolicy/civicsync/internal/registry"
	"github.com/openpolicy/civicsync/internal/resilience"
	"github.com/openpolicy/civicsync/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	pool     *Pool
	queue    *queue.Queue
	registry *registry.Registry
	table    *collector.Table
	store    *store.MemoryStore
	notes    *notify.Recorder
	now      time.Time
}

var jurisdictions = []model.Jurisdiction{
	{ID: "ca-fed", Name: "Parliament of Canada", Tier: model.TierFederal, Endpoints: []string{"https://www.ourcommons.ca/bills.json"}, Cadence: 6 * time.Hour, Enabled: true},
	{ID: "ca-on", Name: "Ontario", Tier: model.TierProvincial, Endpoints: []string{"https://www.ola.org/bills.json"}, Cadence: 12 * time.Hour, Enabled: true},
	{ID: "ca-on-toronto", Name: "Toronto", Tier: model.TierMunicipal, Endpoints: []string{"https://secure.toronto.ca/council.json"}, Cadence: 24 * time.Hour, Enabled: true},
}

func newFixture(t *testing.T, courtesy *ratelimit.Courtesy) *fixture {
	t.Helper()
	f := &fixture{
		queue: queue.New(time.Minute),
		table: collector.NewTable(),
		store: store.NewMemory(),
		notes: &notify.Recorder{},
		now:   t0,
	}
	clock := func() time.Time { return f.now }
	f.queue.WithClock(clock)
	f.registry = registry.New(jurisdictions, f.store)
	f.pool = New(Config{
		Size:             2,
		MaxRetries:       3,
		Backoff:          resilience.Backoff{Base: 30 * time.Second, Max: 10 * time.Minute},
		CollectorTimeout: 50 * time.Millisecond,
	}, Deps{
		Queue:     f.queue,
		Registry:  f.registry,
		Invoker:   collector.NewInvoker(f.table, nil),
		Courtesy:  courtesy,
		Validator: quality.New(quality.Config{}, f.store).WithClock(clock),
		Store:     f.store,
		Notifier:  f.notes,
	}).WithClock(clock)
	return f
}

func (f *fixture) enqueue(t *testing.T, id string) {
	t.Helper()
	j, err := f.registry.Get(id)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(queue.NewJob(j, model.SourceScheduled, f.now))
	require.NoError(t, err)
}

// next dequeues the only ready job, advancing the clock past any backoff.
func (f *fixture) next(t *testing.T) model.ScrapeJob {
	t.Helper()
	f.now = f.now.Add(time.Hour)
	job, ok := f.queue.TryDequeue(f.now)
	require.True(t, ok, "expected a ready job")
	return job
}

func bills(n int) []model.Record {
	return billsFor(model.TierFederal, n)
}

// billsFor returns n valid bills numbered the way the tier numbers them.
func billsFor(tier model.Tier, n int) []model.Record {
	out := make([]model.Record, n)
	for i := range out {
		number := fmt.Sprintf("C-%d", i+1)
		if tier == model.TierProvincial {
			number = fmt.Sprintf("Bill %d", i+1)
		}
		out[i] = model.Record{Kind: model.KindBill, Fields: map[string]any{
			"number": number,
			"title":  fmt.Sprintf("An Act respecting item %d", i+1),
			"status": "first_reading",
		}}
	}
	return out
}

func static(records []model.Record) collector.Func {
	return func(context.Context, model.Jurisdiction) (model.CollectorResult, error) {
		return model.CollectorResult{Records: records}, nil
	}
}

func TestProcess_Success(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Register("ca-fed", static(bills(3)))

	var hooked []Outcome
	f.pool.OnJobDone(func(o Outcome) { hooked = append(hooked, o) })

	f.enqueue(t, "ca-fed")
	out := f.pool.Process(context.Background(), f.next(t))

	require.NoError(t, out.Err)
	assert.Equal(t, model.JobSucceeded, out.Job.State)
	assert.Equal(t, 1, out.Job.Attempts)
	assert.True(t, out.Finished())
	require.NotNil(t, out.Run)
	assert.Equal(t, model.RunSucceeded, out.Run.Status)
	assert.Equal(t, 3, out.Run.RecordsAccepted)

	assert.Len(t, f.store.Records("ca-fed"), 3)
	assert.Equal(t, 1, f.store.Batches())
	assert.False(t, f.queue.Active("ca-fed"))
	require.Len(t, hooked, 1)
	assert.Equal(t, out.Job.ID, hooked[0].Job.ID)

	last, ok, err := f.store.LastSuccess(context.Background(), "ca-fed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, f.now, last)
}

func TestProcess_TimeoutDeadLettersAfterMaxRetries(t *testing.T) {
	f := newFixture(t, nil)
	var calls atomic.Int32
	f.table.Register("ca-fed", collector.Func(func(ctx context.Context, _ model.Jurisdiction) (model.CollectorResult, error) {
		calls.Add(1)
		<-ctx.Done()
		return model.CollectorResult{}, ctx.Err()
	}))

	f.enqueue(t, "ca-fed")
	var out Outcome
	for i := 1; i <= 3; i++ {
		out = f.pool.Process(context.Background(), f.next(t))
		assert.Equal(t, i, out.Job.Attempts)
		if i < 3 {
			assert.Equal(t, model.JobQueued, out.Job.State)
			assert.True(t, f.queue.Active("ca-fed"), "reservation kept across retries")
		}
	}

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, model.JobDeadLettered, out.Job.State)
	assert.ErrorIs(t, out.Err, resilience.ErrDeadLettered)
	assert.False(t, f.queue.Active("ca-fed"))
	assert.Zero(t, f.queue.Depth())

	dls, err := f.store.ListDeadLetters(context.Background(), resilience.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, 3, dls[0].Attempts)
	assert.Contains(t, dls[0].LastError, "timeout")

	events := f.notes.Events(notify.EventDeadLettered)
	require.Len(t, events, 1)
	assert.Equal(t, "ca-fed", events[0].JurisdictionID)

	runs := f.store.Runs()
	require.Len(t, runs, 3)
	for _, r := range runs {
		assert.Equal(t, model.RunFailed, r.Status)
		assert.Zero(t, r.RecordsAccepted)
	}
	assert.Empty(t, f.store.Records("ca-fed"))
}

func TestProcess_BackoffSchedulesRetries(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Register("ca-on", collector.Func(func(context.Context, model.Jurisdiction) (model.CollectorResult, error) {
		return model.CollectorResult{}, fmt.Errorf("HTTP 500")
	}))

	f.enqueue(t, "ca-on")
	first := f.pool.Process(context.Background(), f.next(t))
	assert.Equal(t, f.now.Add(30*time.Second), first.Job.ReadyAt)

	second := f.pool.Process(context.Background(), f.next(t))
	assert.Equal(t, f.now.Add(time.Minute), second.Job.ReadyAt)
	assert.Equal(t, 2, second.Job.Attempts)
	assert.Contains(t, second.Job.LastError, "collector_failed: HTTP 500")
}

func TestProcess_BatchRejectedAllOrNothing(t *testing.T) {
	f := newFixture(t, nil)
	records := bills(10)
	records[4].Fields["title"] = ""
	f.table.Register("ca-fed", static(records))

	f.enqueue(t, "ca-fed")
	out := f.pool.Process(context.Background(), f.next(t))

	assert.ErrorIs(t, out.Err, resilience.ErrValidationFailure)
	assert.Equal(t, model.JobQueued, out.Job.State)
	assert.Empty(t, f.store.Records("ca-fed"))
	assert.Zero(t, f.store.Batches())

	issues, err := f.store.RecentIssues(context.Background(), "ca-fed", 0)
	require.NoError(t, err)
	assert.Len(t, issues, 2)

	runs := f.store.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunFailed, runs[0].Status)
	assert.Equal(t, 10, runs[0].RecordsRejected)
	assert.Equal(t, model.VerdictCounts{Pass: 9, Fail: 1}, runs[0].Verdicts)
}

func TestProcess_CourtesyRejectionDoesNotSpendAttempt(t *testing.T) {
	courtesy := ratelimit.NewCourtesy(time.Hour, 0)
	f := newFixture(t, courtesy)
	f.table.Register("ca-fed", static(bills(1)))

	// Another job already used the domain's token.
	_, err := courtesy.Acquire(context.Background(), "ourcommons.ca")
	require.NoError(t, err)

	f.enqueue(t, "ca-fed")
	job := f.next(t)
	out := f.pool.Process(context.Background(), job)

	assert.True(t, out.Deferred)
	assert.ErrorIs(t, out.Err, resilience.ErrRateLimited)
	assert.Zero(t, out.Job.Attempts)
	assert.Equal(t, model.JobQueued, out.Job.State)
	assert.True(t, out.Job.ReadyAt.After(f.now))
	assert.Nil(t, out.Run)
	assert.Empty(t, f.store.Runs())
	assert.Equal(t, 1, f.queue.Depth())
}

func TestProcess_DisabledJurisdictionDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Register("ca-on", static(bills(1)))

	f.enqueue(t, "ca-on")
	require.NoError(t, f.registry.Disable("ca-on"))
	out := f.pool.Process(context.Background(), f.next(t))

	assert.ErrorIs(t, out.Err, ErrDisabled)
	assert.True(t, out.Dropped)
	assert.True(t, out.Finished())
	assert.False(t, f.queue.Active("ca-on"))
	assert.Empty(t, f.store.Runs())
}

func TestProcess_MaxRecordsTruncates(t *testing.T) {
	f := newFixture(t, nil)
	f.pool.cfg.MaxRecords = 2
	f.table.Register("ca-on-toronto", static(bills(5)))

	f.enqueue(t, "ca-on-toronto")
	out := f.pool.Process(context.Background(), f.next(t))
	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.Run.RecordsProcessed)
	assert.Len(t, f.store.Records("ca-on-toronto"), 2)
}

func TestProcess_StaleFederalNotifies(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Register("ca-fed", static(bills(2)))

	require.NoError(t, f.store.RecordRun(context.Background(), model.ScrapingRun{
		ID: "old", JurisdictionID: "ca-fed", RunType: model.SourceScheduled, Status: model.RunSucceeded,
		StartedAt: t0.Add(-24 * time.Hour), EndedAt: t0.Add(-24 * time.Hour),
	}, nil))

	f.enqueue(t, "ca-fed")
	out := f.pool.Process(context.Background(), f.next(t))

	require.NoError(t, out.Err)
	assert.Equal(t, model.JobSucceeded, out.Job.State)
	events := f.notes.Events(notify.EventStalenessDetected)
	require.Len(t, events, 1)
	assert.Equal(t, "ca-fed", events[0].JurisdictionID)
}

func TestReapOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.enqueue(t, "ca-on")
	f.next(t)

	assert.Zero(t, f.pool.ReapOnce(context.Background()))
	f.now = f.now.Add(2 * time.Minute)
	assert.Equal(t, 1, f.pool.ReapOnce(context.Background()))
	assert.Equal(t, 1, f.queue.Depth())
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	q := queue.New(time.Minute)
	table := collector.NewTable()
	st := store.NewMemory()
	reg := registry.New(jurisdictions, st)
	for _, j := range jurisdictions {
		table.Register(j.ID, static(billsFor(j.Tier, 1)))
	}

	pool := New(Config{Size: 2, CollectorTimeout: time.Second}, Deps{
		Queue:     q,
		Registry:  reg,
		Invoker:   collector.NewInvoker(table, nil),
		Validator: quality.New(quality.Config{}, st),
		Store:     st,
	})

	var mu sync.Mutex
	done := make(map[string]bool)
	all := make(chan struct{})
	pool.OnJobDone(func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		if _, seen := done[o.Job.JurisdictionID]; seen {
			return
		}
		done[o.Job.JurisdictionID] = o.Job.State == model.JobSucceeded
		if len(done) == len(jurisdictions) {
			close(all)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- pool.Run(ctx) }()

	for _, j := range jurisdictions {
		_, err := q.Enqueue(queue.NewJob(j, model.SourceManual, time.Now()))
		require.NoError(t, err)
	}

	select {
	case <-all:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs not processed")
	}
	cancel()
	require.NoError(t, <-errc)

	mu.Lock()
	defer mu.Unlock()
	for id, ok := range done {
		assert.True(t, ok, id)
	}
}

func TestProcess_LongAttemptKeepsLease(t *testing.T) {
	q := queue.New(60 * time.Millisecond)
	table := collector.NewTable()
	st := store.NewMemory()
	reg := registry.New(jurisdictions, st)
	table.Register("ca-fed", collector.Func(func(ctx context.Context, _ model.Jurisdiction) (model.CollectorResult, error) {
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return model.CollectorResult{}, ctx.Err()
		}
		return model.CollectorResult{Records: bills(2)}, nil
	}))

	pool := New(Config{Size: 1, CollectorTimeout: 2 * time.Second}, Deps{
		Queue:     q,
		Registry:  reg,
		Invoker:   collector.NewInvoker(table, nil),
		Validator: quality.New(quality.Config{}, st),
		Store:     st,
	})

	j, err := reg.Get("ca-fed")
	require.NoError(t, err)
	_, err = q.Enqueue(queue.NewJob(j, model.SourceManual, time.Now()))
	require.NoError(t, err)
	job, ok := q.TryDequeue(time.Now())
	require.True(t, ok)

	var reaped atomic.Int32
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				reaped.Add(int32(pool.ReapOnce(context.Background())))
			}
		}
	}()

	out := pool.Process(context.Background(), job)
	close(stop)
	wg.Wait()

	require.NoError(t, out.Err)
	assert.Equal(t, model.JobSucceeded, out.Job.State)
	assert.Zero(t, reaped.Load(), "running job was reaped while its worker held it")
	assert.False(t, q.Active("ca-fed"))
	assert.Zero(t, q.Depth())
}

func TestProcess_StaleWorkerKeepsNewReservation(t *testing.T) {
	f := newFixture(t, nil)
	f.table.Register("ca-on", static(billsFor(model.TierProvincial, 1)))

	f.enqueue(t, "ca-on")
	stale := f.next(t)
	f.now = f.now.Add(2 * time.Minute)
	require.Equal(t, 1, f.pool.ReapOnce(context.Background()))
	current := f.next(t)
	require.NotEqual(t, stale.Lease, current.Lease)

	out := f.pool.Process(context.Background(), stale)
	require.NoError(t, out.Err)

	assert.True(t, f.queue.Active("ca-on"), "stale completion released the new attempt's reservation")
	_, err := f.queue.Enqueue(queue.NewJob(jurisdictions[1], model.SourceManual, f.now))
	assert.ErrorIs(t, err, queue.ErrInFlight)

	f.pool.Process(context.Background(), current)
	assert.False(t, f.queue.Active("ca-on"))
}

func TestProcess_DeadLetterHoldsUntilSuccess(t *testing.T) {
	f := newFixture(t, nil)
	fail := true
	f.table.Register("ca-on", collector.Func(func(context.Context, model.Jurisdiction) (model.CollectorResult, error) {
		if fail {
			return model.CollectorResult{}, fmt.Errorf("HTTP 503")
		}
		return model.CollectorResult{Records: billsFor(model.TierProvincial, 1)}, nil
	}))

	f.enqueue(t, "ca-on")
	var out Outcome
	for i := 0; i < 3; i++ {
		out = f.pool.Process(context.Background(), f.next(t))
	}
	require.Equal(t, model.JobDeadLettered, out.Job.State)
	assert.True(t, f.registry.Held("ca-on"))

	fail = false
	j, err := f.registry.Get("ca-on")
	require.NoError(t, err)
	_, err = f.queue.Enqueue(queue.NewJob(j, model.SourceManual, f.now))
	require.NoError(t, err)
	out = f.pool.Process(context.Background(), f.next(t))
	require.NoError(t, out.Err)
	assert.False(t, f.registry.Held("ca-on"))
}

func TestProcess_TestRunDoesNotHold(t *testing.T) {
	f := newFixture(t, nil)
	f.pool.cfg.MaxRetries = 1
	f.table.Register("ca-fed", collector.Func(func(context.Context, model.Jurisdiction) (model.CollectorResult, error) {
		return model.CollectorResult{}, fmt.Errorf("HTTP 500")
	}))

	_, err := f.queue.Enqueue(queue.NewJob(jurisdictions[0], model.SourceTest, f.now))
	require.NoError(t, err)
	out := f.pool.Process(context.Background(), f.next(t))
	require.Equal(t, model.JobDeadLettered, out.Job.State)
	assert.False(t, f.registry.Held("ca-fed"))
}
