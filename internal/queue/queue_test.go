package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpolicy/civicsync/internal/model"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func job(id string, tier model.Tier) model.ScrapeJob {
	return NewJob(model.Jurisdiction{ID: id, Tier: tier}, model.SourceScheduled, t0)
}

func newQueue() *Queue {
	return New(time.Minute).WithClock(func() time.Time { return t0 })
}

func drain(t *testing.T, q *Queue, now time.Time) []string {
	t.Helper()
	var ids []string
	for {
		j, ok := q.TryDequeue(now)
		if !ok {
			return ids
		}
		ids = append(ids, j.JurisdictionID)
	}
}

func TestQueue_TierBeatsFIFO(t *testing.T) {
	q := newQueue()
	for _, j := range []model.ScrapeJob{
		job("city-a", model.TierMunicipal),
		job("on", model.TierProvincial),
		job("city-b", model.TierMunicipal),
		job("ca-fed", model.TierFederal),
	} {
		_, err := q.Enqueue(j)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"ca-fed", "on", "city-a", "city-b"}, drain(t, q, t0))
}

func TestQueue_FederalFirstEitherOrder(t *testing.T) {
	for _, order := range [][]model.ScrapeJob{
		{job("ca-fed", model.TierFederal), job("city-a", model.TierMunicipal)},
		{job("city-a", model.TierMunicipal), job("ca-fed", model.TierFederal)},
	} {
		q := newQueue()
		for _, j := range order {
			_, err := q.Enqueue(j)
			require.NoError(t, err)
		}
		first, ok := q.TryDequeue(t0)
		require.True(t, ok)
		assert.Equal(t, "ca-fed", first.JurisdictionID)
	}
}

func TestQueue_SingleFlight(t *testing.T) {
	q := newQueue()
	_, err := q.Enqueue(job("ca-fed", model.TierFederal))
	require.NoError(t, err)

	_, err = q.Enqueue(job("ca-fed", model.TierFederal))
	assert.ErrorIs(t, err, ErrInFlight)

	running, ok := q.TryDequeue(t0)
	require.True(t, ok)
	assert.Equal(t, model.JobRunning, running.State)
	require.NotNil(t, running.LeaseExpiresAt)
	assert.Equal(t, t0.Add(time.Minute), *running.LeaseExpiresAt)

	_, err = q.Enqueue(job("ca-fed", model.TierFederal))
	assert.ErrorIs(t, err, ErrInFlight)

	require.NoError(t, q.Complete(running))
	assert.False(t, q.Active("ca-fed"))
	_, err = q.Enqueue(job("ca-fed", model.TierFederal))
	assert.NoError(t, err)
}

func TestQueue_SingleFlightConcurrent(t *testing.T) {
	q := newQueue()
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Enqueue(job("ca-fed", model.TierFederal)); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, q.Depth())
}

func TestQueue_RequeueHonoursReadyAt(t *testing.T) {
	q := newQueue()
	_, err := q.Enqueue(job("ca-fed", model.TierFederal))
	require.NoError(t, err)
	_, err = q.Enqueue(job("city-a", model.TierMunicipal))
	require.NoError(t, err)

	fed, _ := q.TryDequeue(t0)
	fed.Attempts = 1
	require.NoError(t, q.Requeue(fed, t0.Add(30*time.Second)))

	// Still reserved while waiting for its retry.
	_, err = q.Enqueue(job("ca-fed", model.TierFederal))
	assert.ErrorIs(t, err, ErrInFlight)

	// The municipal job is ready now; the federal retry is not.
	assert.Equal(t, []string{"city-a"}, drain(t, q, t0))
	assert.Equal(t, 1, q.Depth())

	again, ok := q.TryDequeue(t0.Add(30 * time.Second))
	require.True(t, ok)
	assert.Equal(t, fed.ID, again.ID)
	assert.Equal(t, 1, again.Attempts)
}

func TestQueue_ReapExpired(t *testing.T) {
	q := newQueue()
	_, err := q.Enqueue(job("ca-fed", model.TierFederal))
	require.NoError(t, err)
	running, _ := q.TryDequeue(t0)

	assert.Empty(t, q.ReapExpired(t0.Add(30*time.Second)))
	require.NoError(t, q.Renew(running, t0.Add(2*time.Minute)))
	assert.Empty(t, q.ReapExpired(t0.Add(90*time.Second)))

	reaped := q.ReapExpired(t0.Add(3 * time.Minute))
	require.Len(t, reaped, 1)
	assert.Equal(t, model.JobQueued, reaped[0].State)
	assert.Empty(t, q.InFlight())
	assert.True(t, q.Active("ca-fed"))
	assert.Equal(t, 1, q.Depth())
}

func TestQueue_Release(t *testing.T) {
	q := newQueue()
	_, err := q.Enqueue(job("city-a", model.TierMunicipal))
	require.NoError(t, err)
	_, err = q.Enqueue(job("city-b", model.TierMunicipal))
	require.NoError(t, err)

	assert.True(t, q.Release("city-a"))
	assert.False(t, q.Release("city-a"))
	assert.Equal(t, []string{"city-b"}, drain(t, q, t0))

	// Running jobs are not released.
	assert.False(t, q.Release("city-b"))
}

func TestQueue_UnknownJob(t *testing.T) {
	q := newQueue()
	assert.ErrorIs(t, q.Complete(model.ScrapeJob{ID: "nope"}), ErrUnknownJob)
	assert.ErrorIs(t, q.Requeue(model.ScrapeJob{ID: "nope"}, t0), ErrUnknownJob)
	assert.ErrorIs(t, q.Renew(model.ScrapeJob{ID: "nope"}, t0), ErrUnknownJob)
}

func TestQueue_StaleLeaseCannotReleaseReservation(t *testing.T) {
	q := newQueue()
	_, err := q.Enqueue(job("ca-fed", model.TierFederal))
	require.NoError(t, err)

	first, ok := q.TryDequeue(t0)
	require.True(t, ok)

	// The first worker overruns its lease; the job goes back and a second
	// worker picks it up.
	require.Len(t, q.ReapExpired(t0.Add(2*time.Minute)), 1)
	assert.ErrorIs(t, q.Complete(first), ErrUnknownJob)

	second, ok := q.TryDequeue(t0.Add(2 * time.Minute))
	require.True(t, ok)
	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.Lease, second.Lease)

	assert.ErrorIs(t, q.Complete(first), ErrLeaseLost)
	assert.ErrorIs(t, q.Requeue(first, t0), ErrLeaseLost)
	assert.ErrorIs(t, q.Renew(first, t0.Add(time.Hour)), ErrLeaseLost)

	assert.True(t, q.Active("ca-fed"))
	require.Len(t, q.InFlight(), 1)
	_, err = q.Enqueue(job("ca-fed", model.TierFederal))
	assert.ErrorIs(t, err, ErrInFlight)
	assert.Zero(t, q.Depth())

	require.NoError(t, q.Complete(second))
	assert.False(t, q.Active("ca-fed"))
}

func TestQueue_Snapshot(t *testing.T) {
	q := newQueue()
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(job(fmt.Sprintf("city-%d", i), model.TierMunicipal))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(job("ca-fed", model.TierFederal))
	require.NoError(t, err)

	snap := q.Snapshot(t0)
	require.Len(t, snap, 4)
	assert.Equal(t, "ca-fed", snap[0].JurisdictionID)
	assert.Equal(t, "city-0", snap[1].JurisdictionID)
	assert.Equal(t, 4, q.Depth())
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(time.Minute)
	got := make(chan model.ScrapeJob, 1)
	go func() {
		j, err := q.Dequeue(context.Background())
		if err == nil {
			got <- j
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.Enqueue(NewJob(model.Jurisdiction{ID: "ca-fed", Tier: model.TierFederal}, model.SourceManual, time.Now()))
	require.NoError(t, err)

	select {
	case j := <-got:
		assert.Equal(t, "ca-fed", j.JurisdictionID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake")
	}
}

func TestQueue_DequeueWaitsForReadyAt(t *testing.T) {
	q := New(time.Minute)
	j := NewJob(model.Jurisdiction{ID: "ca-fed", Tier: model.TierFederal}, model.SourceScheduled, time.Now())
	j.ReadyAt = time.Now().Add(50 * time.Millisecond)
	_, err := q.Enqueue(j)
	require.NoError(t, err)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestQueue_DequeueContextAndClose(t *testing.T) {
	q := New(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not wake dequeue")
	}

	_, err = q.Enqueue(job("x", model.TierFederal))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_ManyWaitersAllServed(t *testing.T) {
	q := New(time.Minute)
	const n = 5
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			j, err := q.Dequeue(ctx)
			if err == nil {
				results <- j.JurisdictionID
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(NewJob(model.Jurisdiction{ID: fmt.Sprintf("j%d", i), Tier: model.TierMunicipal}, model.SourceScheduled, time.Now()))
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		select {
		case <-results:
		case <-ctx.Done():
			t.Fatalf("only %d of %d jobs dequeued", i, n)
		}
	}
}
