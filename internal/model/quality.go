package model

import "time"

// Verdict is the quality gate outcome for a record or batch.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictWarn Verdict = "warn"
	VerdictFail Verdict = "fail"
)

// Accepted reports whether the verdict allows persistence.
func (v Verdict) Accepted() bool {
	return v == VerdictPass || v == VerdictWarn
}

// Severity grades a quality issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Violation is a single broken quality rule.
type Violation struct {
	Rule     string   `json:"rule"`
	Message  string   `json:"message"`
	Verdict  Verdict  `json:"verdict"`
	Severity Severity `json:"severity"`
}

// RecordVerdict is the per-record outcome of validation.
type RecordVerdict struct {
	Index      int         `json:"index"`
	ExternalID string      `json:"external_id,omitempty"`
	Kind       RecordKind  `json:"kind"`
	Verdict    Verdict     `json:"verdict"`
	Violations []Violation `json:"violations,omitempty"`
}

// VerdictCounts tallies record verdicts.
type VerdictCounts struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Total returns the number of records counted.
func (c VerdictCounts) Total() int {
	return c.Pass + c.Warn + c.Fail
}

// BatchVerdict is the aggregated outcome for one collector batch.
type BatchVerdict struct {
	Verdict         Verdict         `json:"verdict"`
	PassRatio       float64         `json:"pass_ratio"`
	Counts          VerdictCounts   `json:"counts"`
	Records         []RecordVerdict `json:"records"`
	BatchViolations []Violation     `json:"batch_violations,omitempty"`
	Stale           bool            `json:"stale"`
}

// QualityIssue is an audit entry for a non-pass verdict.
type QualityIssue struct {
	ID               string     `json:"id"`
	JurisdictionID   string     `json:"jurisdiction_id"`
	RunID            string     `json:"run_id,omitempty"`
	Rule             string     `json:"rule"`
	Verdict          Verdict    `json:"verdict"`
	Severity         Severity   `json:"severity"`
	Description      string     `json:"description"`
	AffectedKind     RecordKind `json:"affected_kind,omitempty"`
	AffectedRecordID string     `json:"affected_record_id,omitempty"`
	Payload          string     `json:"payload,omitempty"` // JSON of the offending record
	DetectedAt       time.Time  `json:"detected_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}
