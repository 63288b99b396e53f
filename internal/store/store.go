// Package store persists scrape results and orchestration state: accepted
// records, the append-only run log, quality issues, jobs, dead letters and
// rollout progress.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/resilience"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	JurisdictionID string          `json:"jurisdiction_id,omitempty"`
	Status         model.RunStatus `json:"status,omitempty"`
	Since          time.Time       `json:"since,omitempty"`
	Limit          int             `json:"limit,omitempty"`
}

// Store defines the persistence interface for the orchestrator.
type Store interface {
	// PersistBatch commits accepted records, the run summary and its quality
	// issues in one transaction: all of it lands or none of it does.
	PersistBatch(ctx context.Context, j model.Jurisdiction, records []model.Record, run model.ScrapingRun, issues []model.QualityIssue) error
	// RecordRun appends a run without records, e.g. a failed attempt.
	RecordRun(ctx context.Context, run model.ScrapingRun, issues []model.QualityIssue) error

	LastSuccess(ctx context.Context, jurisdictionID string) (time.Time, bool, error)
	KnownBillStatus(ctx context.Context, jurisdictionID, number string) (model.BillStatus, bool, error)
	RecentIssues(ctx context.Context, jurisdictionID string, limit int) ([]model.QualityIssue, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.ScrapingRun, error)

	// Jobs
	SaveJob(ctx context.Context, job model.ScrapeJob) error
	ListJobs(ctx context.Context, states ...model.JobState) ([]model.ScrapeJob, error)

	// Dead letters
	DeadLetter(ctx context.Context, entry model.DeadLetter) error
	ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]model.DeadLetter, error)
	CountDeadLetters(ctx context.Context) (int, error)

	// Rollouts
	SaveRolloutPhase(ctx context.Context, rollout string, index int, phase model.RolloutPhase) error
	RolloutPhases(ctx context.Context, rollout string) ([]model.RolloutPhase, error)
	MarkRolloutSucceeded(ctx context.Context, rollout, jurisdictionID string, at time.Time) error
	RolloutProgress(ctx context.Context, rollout string) (map[string]bool, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver      string // "postgres", "sqlite" or "memory"
	DatabaseURL string
	SQLitePath  string
	Pool        *PoolConfig
}

// Open creates the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "postgres", "":
		return NewPostgres(ctx, opts.DatabaseURL, opts.Pool)
	case "sqlite":
		return NewSQLite(opts.SQLitePath)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", opts.Driver)
	}
}

// recordRow is the flattened form of a persisted record.
type recordRow struct {
	Kind       string
	ExternalID string
	SourceURL  string
	Fields     []byte
	BillNumber string
	BillStatus string
}

func toRecordRow(r model.Record) (recordRow, error) {
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return recordRow{}, eris.Wrapf(err, "store: marshal record %s", r.Key())
	}
	row := recordRow{
		Kind:       string(r.Kind),
		ExternalID: r.Key(),
		SourceURL:  r.SourceURL,
		Fields:     fields,
	}
	if r.Kind == model.KindBill {
		b := r.Bill()
		row.BillNumber = b.Number
		row.BillStatus = string(b.Status)
	}
	return row, nil
}

func marshalErrors(errs []string) []byte {
	if len(errs) == 0 {
		return []byte("[]")
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return []byte("[]")
	}
	return b
}

func unmarshalErrors(b []byte) []string {
	var out []string
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
