package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/resilience"
)

func TestOpen_Drivers(t *testing.T) {
	s, err := Open(context.Background(), Options{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(context.Background(), Options{Driver: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}

func TestMemory_PersistBatch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	j := model.Jurisdiction{ID: "ca-fed"}

	require.NoError(t, m.PersistBatch(ctx, j, sampleBills(), sampleRun(), []model.QualityIssue{sampleIssue()}))
	assert.Len(t, m.Records("ca-fed"), 2)
	assert.Equal(t, 1, m.Batches())

	// Same keys replace rather than duplicate.
	require.NoError(t, m.PersistBatch(ctx, j, sampleBills(), sampleRun(), nil))
	assert.Len(t, m.Records("ca-fed"), 2)

	st, ok, err := m.KnownBillStatus(ctx, "ca-fed", "C-11")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.BillRoyalAssent, st)

	issues, err := m.RecentIssues(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, issues, 1)
}

func TestMemory_FailPersistLeavesNothing(t *testing.T) {
	m := NewMemory()
	m.FailPersist = errors.New("disk full")

	err := m.PersistBatch(context.Background(), model.Jurisdiction{ID: "ca-fed"}, sampleBills(), sampleRun(), nil)
	require.Error(t, err)
	assert.Empty(t, m.Records("ca-fed"))
	assert.Empty(t, m.Runs())
	assert.Zero(t, m.Batches())
}

func TestMemory_LastSuccess(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	older := sampleRun()
	older.EndedAt = pgNow.Add(-time.Hour)
	testRun := sampleRun()
	testRun.RunType = model.SourceTest
	testRun.EndedAt = pgNow.Add(time.Hour)
	require.NoError(t, m.RecordRun(ctx, older, nil))
	require.NoError(t, m.RecordRun(ctx, sampleRun(), nil))
	require.NoError(t, m.RecordRun(ctx, testRun, nil))

	last, ok, err := m.LastSuccess(ctx, "ca-fed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, pgNow, last)

	_, ok, err = m.LastSuccess(ctx, "ca-on")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_JobsAndDeadLetters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveJob(ctx, model.ScrapeJob{ID: "b", State: model.JobQueued, EnqueuedAt: pgNow.Add(time.Second)}))
	require.NoError(t, m.SaveJob(ctx, model.ScrapeJob{ID: "a", State: model.JobRunning, EnqueuedAt: pgNow}))
	require.NoError(t, m.SaveJob(ctx, model.ScrapeJob{ID: "c", State: model.JobSucceeded, EnqueuedAt: pgNow}))

	active, err := m.ListJobs(ctx, model.JobQueued, model.JobRunning)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)

	require.NoError(t, m.DeadLetter(ctx, model.DeadLetter{ID: "1", JurisdictionID: "ca-fed", ErrorType: "transient"}))
	require.NoError(t, m.DeadLetter(ctx, model.DeadLetter{ID: "2", JurisdictionID: "ca-on", ErrorType: "permanent"}))
	n, err := m.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := m.ListDeadLetters(ctx, resilience.DeadLetterFilter{ErrorType: "permanent"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ca-on", list[0].JurisdictionID)
}

func TestMemory_RolloutPhasesAndProgress(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveRolloutPhase(ctx, "initial", 1, model.RolloutPhase{Name: "provincial", Status: model.PhaseRunning}))
	require.NoError(t, m.SaveRolloutPhase(ctx, "initial", 0, model.RolloutPhase{Name: "federal", Status: model.PhaseComplete}))
	phases, err := m.RolloutPhases(ctx, "initial")
	require.NoError(t, err)
	require.Len(t, phases, 2)
	assert.Equal(t, "federal", phases[0].Name)
	assert.Equal(t, "provincial", phases[1].Name)

	require.NoError(t, m.MarkRolloutSucceeded(ctx, "initial", "ca-fed", pgNow))
	done, err := m.RolloutProgress(ctx, "initial")
	require.NoError(t, err)
	assert.True(t, done["ca-fed"])
	assert.False(t, done["ca-on"])
}
