package model

import "time"

// JobState is the lifecycle state of a ScrapeJob.
type JobState string

const (
	JobQueued       JobState = "queued"
	JobRunning      JobState = "running"
	JobSucceeded    JobState = "succeeded"
	JobFailed       JobState = "failed"
	JobDeadLettered JobState = "dead_lettered"
)

// Active reports whether the state counts toward the single-flight limit.
func (s JobState) Active() bool {
	return s == JobQueued || s == JobRunning
}

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobDeadLettered
}

// CanTransition reports whether a job may move from one state to another.
// running -> queued is only legal when a lease expires.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobQueued:
		return to == JobRunning
	case JobRunning:
		return to == JobSucceeded || to == JobFailed || to == JobQueued
	case JobFailed:
		return to == JobQueued || to == JobDeadLettered
	default:
		return false
	}
}

// JobSource identifies which producer created a job.
type JobSource string

const (
	SourceScheduled JobSource = "scheduled"
	SourceRollout   JobSource = "rollout"
	SourceManual    JobSource = "manual"
	SourceTest      JobSource = "test"
)

// ScrapeJob is one unit of scraping work for a single jurisdiction.
type ScrapeJob struct {
	ID             string     `json:"id"`
	JurisdictionID string     `json:"jurisdiction_id"`
	Tier           Tier       `json:"tier"`
	Source         JobSource  `json:"source"`
	RolloutName    string     `json:"rollout_name,omitempty"`
	Phase          string     `json:"phase,omitempty"`
	State          JobState   `json:"state"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	ReadyAt        time.Time  `json:"ready_at"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Seq is the FIFO tie-break within a tier, assigned by the queue.
	Seq uint64 `json:"-"`
	// Lease identifies the dequeue that owns a running job. Each dequeue
	// gets a new one, so a worker whose lease was reaped cannot act on the
	// job again.
	Lease uint64 `json:"-"`
}

// DeadLetter is a job that exhausted its retries and needs operator attention.
type DeadLetter struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	JurisdictionID string    `json:"jurisdiction_id"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error"`
	ErrorType      string    `json:"error_type"` // "transient" or "permanent"
	FailedAt       time.Time `json:"failed_at"`
}
