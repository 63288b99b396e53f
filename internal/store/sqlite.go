package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. It suits a single
// process on a laptop or a small VM.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer keeps batch transactions from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS civic_records (
	jurisdiction_id TEXT NOT NULL,
	kind            TEXT NOT NULL,
	external_id     TEXT NOT NULL,
	source_url      TEXT,
	fields          TEXT NOT NULL,
	bill_number     TEXT,
	bill_status     TEXT,
	run_id          TEXT,
	updated_at      DATETIME NOT NULL,
	PRIMARY KEY (jurisdiction_id, kind, external_id)
);

CREATE TABLE IF NOT EXISTS jurisdiction_runs (
	id                TEXT PRIMARY KEY,
	jurisdiction_id   TEXT NOT NULL,
	job_id            TEXT,
	run_type          TEXT NOT NULL,
	status            TEXT NOT NULL,
	attempt           INTEGER NOT NULL DEFAULT 1,
	started_at        DATETIME NOT NULL,
	ended_at          DATETIME NOT NULL,
	records_processed INTEGER NOT NULL DEFAULT 0,
	records_accepted  INTEGER NOT NULL DEFAULT 0,
	records_rejected  INTEGER NOT NULL DEFAULT 0,
	errors_count      INTEGER NOT NULL DEFAULT 0,
	verdict_pass      INTEGER NOT NULL DEFAULT 0,
	verdict_warn      INTEGER NOT NULL DEFAULT 0,
	verdict_fail      INTEGER NOT NULL DEFAULT 0,
	errors            TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_runs_jurisdiction_ended ON jurisdiction_runs(jurisdiction_id, ended_at);

CREATE TABLE IF NOT EXISTS quality_issues (
	id                 TEXT PRIMARY KEY,
	jurisdiction_id    TEXT NOT NULL,
	run_id             TEXT,
	rule               TEXT NOT NULL,
	verdict            TEXT NOT NULL,
	severity           TEXT NOT NULL,
	description        TEXT NOT NULL,
	affected_kind      TEXT,
	affected_record_id TEXT,
	payload            TEXT,
	detected_at        DATETIME NOT NULL,
	resolved_at        DATETIME
);

CREATE INDEX IF NOT EXISTS idx_quality_issues_jurisdiction ON quality_issues(jurisdiction_id, detected_at);

CREATE TABLE IF NOT EXISTS scrape_jobs (
	id               TEXT PRIMARY KEY,
	jurisdiction_id  TEXT NOT NULL,
	tier             TEXT NOT NULL,
	source           TEXT NOT NULL,
	rollout_name     TEXT,
	phase            TEXT,
	state            TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT,
	enqueued_at      DATETIME NOT NULL,
	ready_at         DATETIME NOT NULL,
	lease_expires_at DATETIME,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id              TEXT PRIMARY KEY,
	job_id          TEXT NOT NULL,
	jurisdiction_id TEXT NOT NULL,
	attempts        INTEGER NOT NULL,
	last_error      TEXT NOT NULL,
	error_type      TEXT NOT NULL DEFAULT 'transient',
	failed_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS rollout_phases (
	rollout TEXT NOT NULL,
	idx     INTEGER NOT NULL,
	name    TEXT NOT NULL,
	status  TEXT NOT NULL,
	phase   TEXT NOT NULL,
	PRIMARY KEY (rollout, idx)
);

CREATE TABLE IF NOT EXISTS rollout_progress (
	rollout         TEXT NOT NULL,
	jurisdiction_id TEXT NOT NULL,
	succeeded_at    DATETIME NOT NULL,
	PRIMARY KEY (rollout, jurisdiction_id)
);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PersistBatch implements Store.
func (s *SQLiteStore) PersistBatch(ctx context.Context, j model.Jurisdiction, records []model.Record, run model.ScrapingRun, issues []model.QualityIssue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: persist batch: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	now := run.EndedAt.UTC()
	for _, r := range records {
		rr, err := toRecordRow(r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO civic_records
			 (jurisdiction_id, kind, external_id, source_url, fields, bill_number, bill_status, run_id, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (jurisdiction_id, kind, external_id) DO UPDATE SET
			   source_url = excluded.source_url, fields = excluded.fields,
			   bill_number = excluded.bill_number, bill_status = excluded.bill_status,
			   run_id = excluded.run_id, updated_at = excluded.updated_at`,
			j.ID, rr.Kind, rr.ExternalID, nullIfEmpty(rr.SourceURL), string(rr.Fields),
			nullIfEmpty(rr.BillNumber), nullIfEmpty(rr.BillStatus), run.ID, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert record %s/%s", j.ID, rr.ExternalID)
		}
	}
	if err := s.insertRun(ctx, tx, run); err != nil {
		return err
	}
	if err := s.insertIssues(ctx, tx, issues); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: persist batch: commit")
}

// RecordRun implements Store.
func (s *SQLiteStore) RecordRun(ctx context.Context, run model.ScrapingRun, issues []model.QualityIssue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: record run: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertRun(ctx, tx, run); err != nil {
		return err
	}
	if err := s.insertIssues(ctx, tx, issues); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: record run: commit")
}

func (s *SQLiteStore) insertRun(ctx context.Context, tx *sql.Tx, run model.ScrapingRun) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO jurisdiction_runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JurisdictionID, nullIfEmpty(run.JobID), string(run.RunType), string(run.Status), run.Attempt,
		run.StartedAt.UTC(), run.EndedAt.UTC(),
		run.RecordsProcessed, run.RecordsAccepted, run.RecordsRejected, run.ErrorsCount,
		run.Verdicts.Pass, run.Verdicts.Warn, run.Verdicts.Fail, string(marshalErrors(run.Errors)),
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) insertIssues(ctx context.Context, tx *sql.Tx, issues []model.QualityIssue) error {
	if len(issues) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO quality_issues (`+strings.Join(issueColumns, ", ")+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare issue insert")
	}
	defer stmt.Close()

	for _, is := range issues {
		if _, err := stmt.ExecContext(ctx,
			is.ID, is.JurisdictionID, nullIfEmpty(is.RunID), is.Rule, string(is.Verdict), string(is.Severity),
			is.Description, nullIfEmpty(string(is.AffectedKind)), nullIfEmpty(is.AffectedRecordID),
			nullIfEmpty(is.Payload), is.DetectedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert issue %s", is.ID)
		}
	}
	return nil
}

// LastSuccess implements Store. Test-mode runs do not count.
func (s *SQLiteStore) LastSuccess(ctx context.Context, jurisdictionID string) (time.Time, bool, error) {
	var ended time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT ended_at FROM jurisdiction_runs
		 WHERE jurisdiction_id = ? AND status = 'succeeded' AND run_type <> 'test'
		 ORDER BY ended_at DESC LIMIT 1`,
		jurisdictionID,
	).Scan(&ended)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, eris.Wrapf(err, "sqlite: last success %s", jurisdictionID)
	}
	return ended, true, nil
}

// KnownBillStatus implements Store.
func (s *SQLiteStore) KnownBillStatus(ctx context.Context, jurisdictionID, number string) (model.BillStatus, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT bill_status FROM civic_records
		 WHERE jurisdiction_id = ? AND kind = 'bill' AND bill_number = ? AND bill_status IS NOT NULL
		 ORDER BY updated_at DESC LIMIT 1`,
		jurisdictionID, number,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, eris.Wrapf(err, "sqlite: known bill status %s/%s", jurisdictionID, number)
	}
	return model.BillStatus(status), true, nil
}

// RecentIssues implements Store, newest first.
func (s *SQLiteStore) RecentIssues(ctx context.Context, jurisdictionID string, limit int) ([]model.QualityIssue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, jurisdiction_id, COALESCE(run_id, ''), rule, verdict, severity, description,
		        COALESCE(affected_kind, ''), COALESCE(affected_record_id, ''), COALESCE(payload, ''),
		        detected_at, resolved_at
		 FROM quality_issues
		 WHERE (? = '' OR jurisdiction_id = ?)
		 ORDER BY detected_at DESC LIMIT ?`,
		jurisdictionID, jurisdictionID, limitOr(limit, 50),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent issues")
	}
	defer rows.Close()

	var out []model.QualityIssue
	for rows.Next() {
		var is model.QualityIssue
		var verdict, severity, kind string
		var resolved sql.NullTime
		if err := rows.Scan(&is.ID, &is.JurisdictionID, &is.RunID, &is.Rule, &verdict, &severity,
			&is.Description, &kind, &is.AffectedRecordID, &is.Payload, &is.DetectedAt, &resolved); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan issue")
		}
		is.Verdict = model.Verdict(verdict)
		is.Severity = model.Severity(severity)
		is.AffectedKind = model.RecordKind(kind)
		if resolved.Valid {
			is.ResolvedAt = &resolved.Time
		}
		out = append(out, is)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: recent issues iterate")
}

// ListRuns implements Store, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.ScrapingRun, error) {
	query := `SELECT ` + runColumns + ` FROM jurisdiction_runs WHERE 1=1`
	var args []any
	if filter.JurisdictionID != "" {
		query += ` AND jurisdiction_id = ?`
		args = append(args, filter.JurisdictionID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limitOr(filter.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.ScrapingRun
	for rows.Next() {
		var r model.ScrapingRun
		var jobID sql.NullString
		var runType, status, errs string
		if err := rows.Scan(&r.ID, &r.JurisdictionID, &jobID, &runType, &status, &r.Attempt,
			&r.StartedAt, &r.EndedAt, &r.RecordsProcessed, &r.RecordsAccepted, &r.RecordsRejected,
			&r.ErrorsCount, &r.Verdicts.Pass, &r.Verdicts.Warn, &r.Verdicts.Fail, &errs); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r.JobID = jobID.String
		r.RunType = model.JobSource(runType)
		r.Status = model.RunStatus(status)
		r.Errors = unmarshalErrors([]byte(errs))
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// SaveJob implements Store.
func (s *SQLiteStore) SaveJob(ctx context.Context, job model.ScrapeJob) error {
	var lease any
	if job.LeaseExpiresAt != nil {
		lease = job.LeaseExpiresAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scrape_jobs
		 (id, jurisdiction_id, tier, source, rollout_name, phase, state, attempts, last_error,
		  enqueued_at, ready_at, lease_expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   state = excluded.state, attempts = excluded.attempts, last_error = excluded.last_error,
		   ready_at = excluded.ready_at, lease_expires_at = excluded.lease_expires_at,
		   updated_at = excluded.updated_at`,
		job.ID, job.JurisdictionID, string(job.Tier), string(job.Source),
		nullIfEmpty(job.RolloutName), nullIfEmpty(job.Phase), string(job.State), job.Attempts,
		nullIfEmpty(job.LastError), job.EnqueuedAt.UTC(), job.ReadyAt.UTC(), lease, job.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save job %s", job.ID)
}

// ListJobs implements Store, oldest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, states ...model.JobState) ([]model.ScrapeJob, error) {
	query := `SELECT id, jurisdiction_id, tier, source, COALESCE(rollout_name, ''), COALESCE(phase, ''),
	                 state, attempts, COALESCE(last_error, ''), enqueued_at, ready_at, lease_expires_at, updated_at
	          FROM scrape_jobs`
	var args []any
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY enqueued_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var out []model.ScrapeJob
	for rows.Next() {
		var j model.ScrapeJob
		var tier, source, state string
		var lease sql.NullTime
		if err := rows.Scan(&j.ID, &j.JurisdictionID, &tier, &source, &j.RolloutName, &j.Phase,
			&state, &j.Attempts, &j.LastError, &j.EnqueuedAt, &j.ReadyAt, &lease, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		j.Tier = model.Tier(tier)
		j.Source = model.JobSource(source)
		j.State = model.JobState(state)
		if lease.Valid {
			j.LeaseExpiresAt = &lease.Time
		}
		out = append(out, j)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

// DeadLetter implements Store.
func (s *SQLiteStore) DeadLetter(ctx context.Context, e model.DeadLetter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, job_id, jurisdiction_id, attempts, last_error, error_type, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		e.ID, e.JobID, e.JurisdictionID, e.Attempts, e.LastError, e.ErrorType, e.FailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert dead letter")
}

// ListDeadLetters implements Store, newest first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]model.DeadLetter, error) {
	query := `SELECT id, job_id, jurisdiction_id, attempts, last_error, error_type, failed_at
	          FROM dead_letters WHERE 1=1`
	var args []any
	if filter.JurisdictionID != "" {
		query += ` AND jurisdiction_id = ?`
		args = append(args, filter.JurisdictionID)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY failed_at DESC LIMIT ?`
	args = append(args, limitOr(filter.Limit, 100))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close()

	var out []model.DeadLetter
	for rows.Next() {
		var d model.DeadLetter
		if err := rows.Scan(&d.ID, &d.JobID, &d.JurisdictionID, &d.Attempts, &d.LastError, &d.ErrorType, &d.FailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

// CountDeadLetters implements Store.
func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dead letters")
}

// SaveRolloutPhase implements Store.
func (s *SQLiteStore) SaveRolloutPhase(ctx context.Context, rollout string, index int, phase model.RolloutPhase) error {
	data, err := json.Marshal(phase)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal rollout phase")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rollout_phases (rollout, idx, name, status, phase) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (rollout, idx) DO UPDATE SET name = excluded.name, status = excluded.status, phase = excluded.phase`,
		rollout, index, phase.Name, string(phase.Status), string(data),
	)
	return eris.Wrapf(err, "sqlite: save rollout phase %s/%s", rollout, phase.Name)
}

// RolloutPhases implements Store, in phase order.
func (s *SQLiteStore) RolloutPhases(ctx context.Context, rollout string) ([]model.RolloutPhase, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phase FROM rollout_phases WHERE rollout = ? ORDER BY idx`, rollout)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rollout phases")
	}
	defer rows.Close()

	var out []model.RolloutPhase
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rollout phase")
		}
		var p model.RolloutPhase
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal rollout phase")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: rollout phases iterate")
}

// MarkRolloutSucceeded implements Store.
func (s *SQLiteStore) MarkRolloutSucceeded(ctx context.Context, rollout, jurisdictionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rollout_progress (rollout, jurisdiction_id, succeeded_at) VALUES (?, ?, ?)
		 ON CONFLICT (rollout, jurisdiction_id) DO NOTHING`,
		rollout, jurisdictionID, at.UTC(),
	)
	return eris.Wrapf(err, "sqlite: mark rollout %s succeeded for %s", rollout, jurisdictionID)
}

// RolloutProgress implements Store.
func (s *SQLiteStore) RolloutProgress(ctx context.Context, rollout string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT jurisdiction_id FROM rollout_progress WHERE rollout = ?`, rollout)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rollout progress")
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rollout progress")
		}
		out[id] = true
	}
	return out, eris.Wrap(rows.Err(), "sqlite: rollout progress iterate")
}
