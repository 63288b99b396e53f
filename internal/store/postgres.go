package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/openpolicy/civicsync/internal/db"
	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/resilience"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var recordsUpsert = db.UpsertConfig{
	Table: "civic_records",
	Columns: []string{
		"jurisdiction_id", "kind", "external_id", "source_url", "fields",
		"bill_number", "bill_status", "run_id", "updated_at",
	},
	ConflictKeys: []string{"jurisdiction_id", "kind", "external_id"},
}

var issueColumns = []string{
	"id", "jurisdiction_id", "run_id", "rule", "verdict", "severity", "description",
	"affected_kind", "affected_record_id", "payload", "detected_at",
}

const runColumns = `id, jurisdiction_id, job_id, run_type, status, attempt, started_at, ended_at,
	records_processed, records_accepted, records_rejected, errors_count,
	verdict_pass, verdict_warn, verdict_fail, errors`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, migrationFS, "migrations"), "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// PersistBatch implements Store.
func (s *PostgresStore) PersistBatch(ctx context.Context, j model.Jurisdiction, records []model.Record, run model.ScrapingRun, issues []model.QualityIssue) error {
	rows := make([][]any, 0, len(records))
	now := run.EndedAt.UTC()
	for _, r := range records {
		rr, err := toRecordRow(r)
		if err != nil {
			return err
		}
		rows = append(rows, []any{
			j.ID, rr.Kind, rr.ExternalID, nullIfEmpty(rr.SourceURL), rr.Fields,
			nullIfEmpty(rr.BillNumber), nullIfEmpty(rr.BillStatus), run.ID, now,
		})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: persist batch: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := db.UpsertTx(ctx, tx, recordsUpsert, rows); err != nil {
		return eris.Wrapf(err, "postgres: persist batch for %s", j.ID)
	}
	if err := insertRun(ctx, tx, run); err != nil {
		return err
	}
	if err := insertIssues(ctx, tx, issues); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: persist batch: commit")
	}
	return nil
}

// RecordRun implements Store.
func (s *PostgresStore) RecordRun(ctx context.Context, run model.ScrapingRun, issues []model.QualityIssue) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: record run: begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertRun(ctx, tx, run); err != nil {
		return err
	}
	if err := insertIssues(ctx, tx, issues); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: record run: commit")
}

func insertRun(ctx context.Context, q db.Querier, run model.ScrapingRun) error {
	_, err := q.Exec(ctx,
		`INSERT INTO jurisdiction_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		run.ID, run.JurisdictionID, nullIfEmpty(run.JobID), string(run.RunType), string(run.Status), run.Attempt,
		run.StartedAt.UTC(), run.EndedAt.UTC(),
		run.RecordsProcessed, run.RecordsAccepted, run.RecordsRejected, run.ErrorsCount,
		run.Verdicts.Pass, run.Verdicts.Warn, run.Verdicts.Fail, marshalErrors(run.Errors),
	)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

func insertIssues(ctx context.Context, q db.Querier, issues []model.QualityIssue) error {
	rows := make([][]any, 0, len(issues))
	for _, is := range issues {
		rows = append(rows, []any{
			is.ID, is.JurisdictionID, nullIfEmpty(is.RunID), is.Rule, string(is.Verdict), string(is.Severity),
			is.Description, nullIfEmpty(string(is.AffectedKind)), nullIfEmpty(is.AffectedRecordID),
			nullIfEmpty(is.Payload), is.DetectedAt.UTC(),
		})
	}
	_, err := db.CopyFrom(ctx, q, "quality_issues", issueColumns, rows)
	return eris.Wrap(err, "postgres: insert quality issues")
}

// LastSuccess implements Store. Test-mode runs do not count.
func (s *PostgresStore) LastSuccess(ctx context.Context, jurisdictionID string) (time.Time, bool, error) {
	var ended time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT ended_at FROM jurisdiction_runs
		 WHERE jurisdiction_id = $1 AND status = 'succeeded' AND run_type <> 'test'
		 ORDER BY ended_at DESC LIMIT 1`,
		jurisdictionID,
	).Scan(&ended)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, eris.Wrapf(err, "postgres: last success %s", jurisdictionID)
	}
	return ended, true, nil
}

// KnownBillStatus implements Store.
func (s *PostgresStore) KnownBillStatus(ctx context.Context, jurisdictionID, number string) (model.BillStatus, bool, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT bill_status FROM civic_records
		 WHERE jurisdiction_id = $1 AND kind = 'bill' AND bill_number = $2 AND bill_status IS NOT NULL
		 ORDER BY updated_at DESC LIMIT 1`,
		jurisdictionID, number,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, eris.Wrapf(err, "postgres: known bill status %s/%s", jurisdictionID, number)
	}
	return model.BillStatus(status), true, nil
}

// RecentIssues implements Store, newest first. An empty id lists all
// jurisdictions.
func (s *PostgresStore) RecentIssues(ctx context.Context, jurisdictionID string, limit int) ([]model.QualityIssue, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, jurisdiction_id, COALESCE(run_id, ''), rule, verdict, severity, description,
		        COALESCE(affected_kind, ''), COALESCE(affected_record_id, ''), COALESCE(payload, ''),
		        detected_at, resolved_at
		 FROM quality_issues
		 WHERE ($1 = '' OR jurisdiction_id = $1)
		 ORDER BY detected_at DESC LIMIT $2`,
		jurisdictionID, limitOr(limit, 50),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent issues")
	}
	defer rows.Close()

	var out []model.QualityIssue
	for rows.Next() {
		var is model.QualityIssue
		var verdict, severity, kind string
		if err := rows.Scan(&is.ID, &is.JurisdictionID, &is.RunID, &is.Rule, &verdict, &severity,
			&is.Description, &kind, &is.AffectedRecordID, &is.Payload, &is.DetectedAt, &is.ResolvedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan issue")
		}
		is.Verdict = model.Verdict(verdict)
		is.Severity = model.Severity(severity)
		is.AffectedKind = model.RecordKind(kind)
		out = append(out, is)
	}
	return out, eris.Wrap(rows.Err(), "postgres: recent issues iterate")
}

// ListRuns implements Store, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ScrapingRun, error) {
	query := `SELECT ` + runColumns + ` FROM jurisdiction_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.JurisdictionID != "" {
		query += fmt.Sprintf(` AND jurisdiction_id = $%d`, argIdx)
		args = append(args, filter.JurisdictionID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argIdx)
		args = append(args, filter.Since.UTC())
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOr(filter.Limit, 100))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.ScrapingRun
	for rows.Next() {
		var r model.ScrapingRun
		var jobID *string
		var runType, status string
		var errs []byte
		if err := rows.Scan(&r.ID, &r.JurisdictionID, &jobID, &runType, &status, &r.Attempt,
			&r.StartedAt, &r.EndedAt, &r.RecordsProcessed, &r.RecordsAccepted, &r.RecordsRejected,
			&r.ErrorsCount, &r.Verdicts.Pass, &r.Verdicts.Warn, &r.Verdicts.Fail, &errs); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if jobID != nil {
			r.JobID = *jobID
		}
		r.RunType = model.JobSource(runType)
		r.Status = model.RunStatus(status)
		r.Errors = unmarshalErrors(errs)
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// SaveJob implements Store.
func (s *PostgresStore) SaveJob(ctx context.Context, job model.ScrapeJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scrape_jobs
		 (id, jurisdiction_id, tier, source, rollout_name, phase, state, attempts, last_error,
		  enqueued_at, ready_at, lease_expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   state = $7, attempts = $8, last_error = $9, ready_at = $11,
		   lease_expires_at = $12, updated_at = $13`,
		job.ID, job.JurisdictionID, string(job.Tier), string(job.Source),
		nullIfEmpty(job.RolloutName), nullIfEmpty(job.Phase), string(job.State), job.Attempts,
		nullIfEmpty(job.LastError), job.EnqueuedAt.UTC(), job.ReadyAt.UTC(), job.LeaseExpiresAt,
		job.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save job %s", job.ID)
}

// ListJobs implements Store, oldest first. No states lists every job.
func (s *PostgresStore) ListJobs(ctx context.Context, states ...model.JobState) ([]model.ScrapeJob, error) {
	names := make([]string, 0, len(states))
	for _, st := range states {
		names = append(names, string(st))
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, jurisdiction_id, tier, source, COALESCE(rollout_name, ''), COALESCE(phase, ''),
		        state, attempts, COALESCE(last_error, ''), enqueued_at, ready_at, lease_expires_at, updated_at
		 FROM scrape_jobs
		 WHERE cardinality($1::text[]) = 0 OR state = ANY($1)
		 ORDER BY enqueued_at`,
		names,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var out []model.ScrapeJob
	for rows.Next() {
		var j model.ScrapeJob
		var tier, source, state string
		if err := rows.Scan(&j.ID, &j.JurisdictionID, &tier, &source, &j.RolloutName, &j.Phase,
			&state, &j.Attempts, &j.LastError, &j.EnqueuedAt, &j.ReadyAt, &j.LeaseExpiresAt, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		j.Tier = model.Tier(tier)
		j.Source = model.JobSource(source)
		j.State = model.JobState(state)
		out = append(out, j)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

// DeadLetter implements Store.
func (s *PostgresStore) DeadLetter(ctx context.Context, e model.DeadLetter) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, job_id, jurisdiction_id, attempts, last_error, error_type, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.JobID, e.JurisdictionID, e.Attempts, e.LastError, e.ErrorType, e.FailedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert dead letter")
}

// ListDeadLetters implements Store, newest first.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]model.DeadLetter, error) {
	query := `SELECT id, job_id, jurisdiction_id, attempts, last_error, error_type, failed_at
	          FROM dead_letters WHERE true`
	args := []any{}
	argIdx := 1

	if filter.JurisdictionID != "" {
		query += fmt.Sprintf(` AND jurisdiction_id = $%d`, argIdx)
		args = append(args, filter.JurisdictionID)
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY failed_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOr(filter.Limit, 100))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var d model.DeadLetter
		if err := rows.Scan(&d.ID, &d.JobID, &d.JurisdictionID, &d.Attempts, &d.LastError, &d.ErrorType, &d.FailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

// CountDeadLetters implements Store.
func (s *PostgresStore) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dead letters")
}

// SaveRolloutPhase implements Store.
func (s *PostgresStore) SaveRolloutPhase(ctx context.Context, rollout string, index int, phase model.RolloutPhase) error {
	data, err := json.Marshal(phase)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal rollout phase")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO rollout_phases (rollout, idx, name, status, phase, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (rollout, idx) DO UPDATE SET name = $3, status = $4, phase = $5, updated_at = now()`,
		rollout, index, phase.Name, string(phase.Status), data,
	)
	return eris.Wrapf(err, "postgres: save rollout phase %s/%s", rollout, phase.Name)
}

// RolloutPhases implements Store, in phase order.
func (s *PostgresStore) RolloutPhases(ctx context.Context, rollout string) ([]model.RolloutPhase, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT phase FROM rollout_phases WHERE rollout = $1 ORDER BY idx`, rollout)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: rollout phases")
	}
	defer rows.Close()

	var out []model.RolloutPhase
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rollout phase")
		}
		var p model.RolloutPhase
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal rollout phase")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: rollout phases iterate")
}

// MarkRolloutSucceeded implements Store.
func (s *PostgresStore) MarkRolloutSucceeded(ctx context.Context, rollout, jurisdictionID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rollout_progress (rollout, jurisdiction_id, succeeded_at)
		 VALUES ($1, $2, $3) ON CONFLICT (rollout, jurisdiction_id) DO NOTHING`,
		rollout, jurisdictionID, at.UTC(),
	)
	return eris.Wrapf(err, "postgres: mark rollout %s succeeded for %s", rollout, jurisdictionID)
}

// RolloutProgress implements Store.
func (s *PostgresStore) RolloutProgress(ctx context.Context, rollout string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT jurisdiction_id FROM rollout_progress WHERE rollout = $1`, rollout)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: rollout progress")
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rollout progress")
		}
		out[id] = true
	}
	return out, eris.Wrap(rows.Err(), "postgres: rollout progress iterate")
}
