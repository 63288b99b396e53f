package resilience

import (
	"time"

	"github.com/google/uuid"

	"github.com/openpolicy/civicsync/internal/model"
)

// NewDeadLetter builds the dead-letter entry for a job that exhausted its
// retries with cause as the final error.
func NewDeadLetter(job model.ScrapeJob, cause error, at time.Time) model.DeadLetter {
	msg := job.LastError
	if cause != nil {
		msg = cause.Error()
	}
	return model.DeadLetter{
		ID:             uuid.NewString(),
		JobID:          job.ID,
		JurisdictionID: job.JurisdictionID,
		Attempts:       job.Attempts,
		LastError:      msg,
		ErrorType:      ClassifyError(cause),
		FailedAt:       at,
	}
}

// DeadLetterFilter narrows dead-letter listings.
type DeadLetterFilter struct {
	JurisdictionID string `json:"jurisdiction_id,omitempty"`
	ErrorType      string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit          int    `json:"limit,omitempty"`
}
