package quality

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openpolicy/civicsync/internal/model"
)

// Issues turns a batch verdict into audit entries: one per non-pass record,
// carrying the record as JSON so it can be reproduced, plus one per batch
// violation.
func Issues(j model.Jurisdiction, runID string, bv model.BatchVerdict, records []model.Record, at time.Time) []model.QualityIssue {
	var out []model.QualityIssue

	for _, rv := range bv.Records {
		if rv.Verdict == model.VerdictPass || len(rv.Violations) == 0 {
			continue
		}
		top := primary(rv.Violations)
		msgs := make([]string, 0, len(rv.Violations))
		for _, v := range rv.Violations {
			msgs = append(msgs, v.Message)
		}
		var payload string
		if rv.Index < len(records) {
			payload = marshal(records[rv.Index])
		}
		out = append(out, model.QualityIssue{
			ID:               uuid.NewString(),
			JurisdictionID:   j.ID,
			RunID:            runID,
			Rule:             top.Rule,
			Verdict:          rv.Verdict,
			Severity:         top.Severity,
			Description:      strings.Join(msgs, "; "),
			AffectedKind:     rv.Kind,
			AffectedRecordID: rv.ExternalID,
			Payload:          payload,
			DetectedAt:       at,
		})
	}

	for _, v := range bv.BatchViolations {
		issue := model.QualityIssue{
			ID:             uuid.NewString(),
			JurisdictionID: j.ID,
			RunID:          runID,
			Rule:           v.Rule,
			Verdict:        v.Verdict,
			Severity:       v.Severity,
			Description:    v.Message,
			DetectedAt:     at,
		}
		if v.Rule == RuleBatchRejected {
			issue.Payload = marshal(bv.Counts)
		}
		out = append(out, issue)
	}
	return out
}

// primary picks the violation that decided the record's verdict, preferring
// fails over warns and higher severities.
func primary(vs []model.Violation) model.Violation {
	best := vs[0]
	for _, v := range vs[1:] {
		if rank(v) > rank(best) {
			best = v
		}
	}
	return best
}

func rank(v model.Violation) int {
	r := 0
	if v.Verdict == model.VerdictFail {
		r = 10
	}
	switch v.Severity {
	case model.SeverityCritical:
		r += 4
	case model.SeverityHigh:
		r += 3
	case model.SeverityMedium:
		r += 2
	case model.SeverityLow:
		r++
	}
	return r
}

func marshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
