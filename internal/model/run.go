package model

import "time"

// RunStatus is the final outcome of a scraping run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// ScrapingRun summarizes one completed job execution. Runs are append-only.
type ScrapingRun struct {
	ID               string        `json:"id"`
	JurisdictionID   string        `json:"jurisdiction_id"`
	JobID            string        `json:"job_id"`
	RunType          JobSource     `json:"run_type"`
	Status           RunStatus     `json:"status"`
	Attempt          int           `json:"attempt"`
	StartedAt        time.Time     `json:"started_at"`
	EndedAt          time.Time     `json:"ended_at"`
	RecordsProcessed int           `json:"records_processed"`
	RecordsAccepted  int           `json:"records_accepted"`
	RecordsRejected  int           `json:"records_rejected"`
	ErrorsCount      int           `json:"errors_count"`
	Verdicts         VerdictCounts `json:"verdicts"`
	Errors           []string      `json:"errors,omitempty"`
}

// Duration returns how long the run took.
func (r ScrapingRun) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
