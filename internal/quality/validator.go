// Package quality implements the gate every collector batch passes before
// it is persisted: per-record rules, staleness and all-or-nothing batch
// aggregation.
package quality

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/textnorm"
)

// Rule names recorded on violations and quality issues.
const (
	RuleBillNumber       = "bill_number_format"
	RuleBillTitle        = "bill_title"
	RuleBillStatus       = "bill_status"
	RuleStatusRegression = "bill_status_regression"
	RuleCriticalBill     = "critical_bill"
	RuleRepName          = "representative_name"
	RuleRepRole          = "representative_role"
	RuleUnknownKind      = "unknown_kind"
	RuleStaleness        = "staleness"
	RuleEmptyBatch       = "empty_batch"
	RuleBatchRejected    = "batch_rejected"
)

// Defaults applied by New for zero config values.
const (
	DefaultAcceptanceRatio = 0.95
	DefaultMinTitleLength  = 5
	DefaultStalenessFactor = 2
)

// Config tunes the validator.
type Config struct {
	AcceptanceRatio  float64
	MinTitleLength   int
	CriticalKeywords []string
	// StalenessFactor multiplies a federal jurisdiction's cadence to get
	// the staleness threshold.
	StalenessFactor float64
}

// History gives the validator access to what was previously persisted.
// Implemented by the store.
type History interface {
	LastSuccess(ctx context.Context, jurisdictionID string) (time.Time, bool, error)
	KnownBillStatus(ctx context.Context, jurisdictionID, number string) (model.BillStatus, bool, error)
}

var billNumberFormats = map[model.Tier]*regexp.Regexp{
	model.TierFederal:    regexp.MustCompile(`^[CS]-\d+$`),
	model.TierProvincial: regexp.MustCompile(`(?i)^(bill\s)?\d+[A-Z]?$`),
	model.TierMunicipal:  regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-./ ]*$`),
}

// Validator checks collector output. It is safe for concurrent use.
type Validator struct {
	cfg     Config
	history History
	now     func() time.Time
}

// New creates a validator. history may be nil, disabling status regression
// and staleness checks that need prior state.
func New(cfg Config, history History) *Validator {
	if cfg.AcceptanceRatio <= 0 || cfg.AcceptanceRatio > 1 {
		cfg.AcceptanceRatio = DefaultAcceptanceRatio
	}
	if cfg.MinTitleLength <= 0 {
		cfg.MinTitleLength = DefaultMinTitleLength
	}
	if cfg.StalenessFactor <= 0 {
		cfg.StalenessFactor = DefaultStalenessFactor
	}
	return &Validator{cfg: cfg, history: history, now: time.Now}
}

// WithClock replaces the clock used for staleness checks.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// AcceptanceRatio returns the effective batch acceptance threshold.
func (v *Validator) AcceptanceRatio() float64 { return v.cfg.AcceptanceRatio }

// Validate applies every rule to records and aggregates a batch verdict. A
// batch is accepted only if at least AcceptanceRatio of its records pass or
// warn; otherwise the whole batch fails.
func (v *Validator) Validate(ctx context.Context, j model.Jurisdiction, records []model.Record) model.BatchVerdict {
	bv := model.BatchVerdict{Records: make([]model.RecordVerdict, 0, len(records))}

	for i, rec := range records {
		rv := model.RecordVerdict{Index: i, ExternalID: rec.Key(), Kind: rec.Kind}
		rv.Violations = v.checkRecord(ctx, j, rec)
		rv.Verdict = worst(rv.Violations)
		switch rv.Verdict {
		case model.VerdictPass:
			bv.Counts.Pass++
		case model.VerdictWarn:
			bv.Counts.Warn++
		default:
			bv.Counts.Fail++
		}
		bv.Records = append(bv.Records, rv)
	}

	if stale, ok := v.checkStaleness(ctx, j); ok {
		bv.Stale = true
		bv.BatchViolations = append(bv.BatchViolations, stale)
	}

	switch n := len(records); {
	case n == 0:
		bv.PassRatio = 1
		bv.Verdict = model.VerdictWarn
		bv.BatchViolations = append(bv.BatchViolations, model.Violation{
			Rule:     RuleEmptyBatch,
			Message:  "collector returned no records",
			Verdict:  model.VerdictWarn,
			Severity: model.SeverityLow,
		})
	default:
		bv.PassRatio = float64(bv.Counts.Pass+bv.Counts.Warn) / float64(n)
		switch {
		case bv.PassRatio < v.cfg.AcceptanceRatio:
			bv.Verdict = model.VerdictFail
			bv.BatchViolations = append(bv.BatchViolations, model.Violation{
				Rule: RuleBatchRejected,
				Message: fmt.Sprintf("%d of %d records accepted (%.1f%% < %.1f%%)",
					bv.Counts.Pass+bv.Counts.Warn, n, bv.PassRatio*100, v.cfg.AcceptanceRatio*100),
				Verdict:  model.VerdictFail,
				Severity: model.SeverityHigh,
			})
		case bv.Counts.Warn > 0 || bv.Counts.Fail > 0:
			bv.Verdict = model.VerdictWarn
		default:
			bv.Verdict = model.VerdictPass
		}
	}

	zap.L().Debug("batch validated",
		zap.String("component", "quality"),
		zap.String("jurisdiction", j.ID),
		zap.String("verdict", string(bv.Verdict)),
		zap.Int("pass", bv.Counts.Pass),
		zap.Int("warn", bv.Counts.Warn),
		zap.Int("fail", bv.Counts.Fail),
		zap.Bool("stale", bv.Stale),
	)
	return bv
}

// AcceptedRecords returns the records whose individual verdict allows
// persistence, or nil when the batch itself was rejected.
func AcceptedRecords(bv model.BatchVerdict, records []model.Record) []model.Record {
	if !bv.Verdict.Accepted() {
		return nil
	}
	out := make([]model.Record, 0, len(records))
	for _, rv := range bv.Records {
		if rv.Verdict.Accepted() && rv.Index < len(records) {
			out = append(out, records[rv.Index])
		}
	}
	return out
}

func (v *Validator) checkRecord(ctx context.Context, j model.Jurisdiction, rec model.Record) []model.Violation {
	switch rec.Kind {
	case model.KindBill:
		return v.checkBill(ctx, j, rec.Bill())
	case model.KindRepresentative:
		return checkRepresentative(j, rec.Representative())
	case model.KindCommittee, model.KindEvent, model.KindVote:
		return nil
	default:
		return []model.Violation{{
			Rule:     RuleUnknownKind,
			Message:  fmt.Sprintf("unrecognized record kind %q", rec.Kind),
			Verdict:  model.VerdictWarn,
			Severity: model.SeverityLow,
		}}
	}
}

func (v *Validator) checkBill(ctx context.Context, j model.Jurisdiction, b model.Bill) []model.Violation {
	var out []model.Violation

	re, ok := billNumberFormats[j.Tier]
	if !ok {
		re = billNumberFormats[model.TierMunicipal]
	}
	if !re.MatchString(b.Number) {
		out = append(out, fail(RuleBillNumber, model.SeverityHigh,
			"bill number %q does not match the %s format", b.Number, j.Tier))
	}

	switch {
	case b.Title == "":
		out = append(out, fail(RuleBillTitle, model.SeverityHigh, "bill title is empty"))
	case len([]rune(b.Title)) < v.cfg.MinTitleLength:
		out = append(out, fail(RuleBillTitle, model.SeverityMedium,
			"bill title %q is shorter than %d characters", b.Title, v.cfg.MinTitleLength))
	}

	if b.Status != "" {
		if !b.Status.Known() {
			out = append(out, fail(RuleBillStatus, model.SeverityMedium, "unknown bill status %q", b.Status))
		} else if prev := v.previousStatus(ctx, j, b); !prev.CanAdvance(b.Status) {
			out = append(out, fail(RuleStatusRegression, model.SeverityHigh,
				"bill %s moved from %s back to %s", b.Number, prev, b.Status))
		}
	}

	if kw := textnorm.ContainsAny(b.Title+" "+b.Summary, v.cfg.CriticalKeywords); kw != "" {
		out = append(out, model.Violation{
			Rule:     RuleCriticalBill,
			Message:  fmt.Sprintf("bill %s matches critical keyword %q", b.Number, kw),
			Verdict:  model.VerdictWarn,
			Severity: model.SeverityCritical,
		})
	}
	return out
}

// previousStatus prefers the status stored from earlier runs over the one the
// source reports, since sources sometimes rewrite history.
func (v *Validator) previousStatus(ctx context.Context, j model.Jurisdiction, b model.Bill) model.BillStatus {
	if v.history != nil && b.Number != "" {
		st, ok, err := v.history.KnownBillStatus(ctx, j.ID, b.Number)
		if err != nil {
			zap.L().Warn("known bill status lookup failed",
				zap.String("component", "quality"),
				zap.String("jurisdiction", j.ID),
				zap.String("bill", b.Number),
				zap.Error(err),
			)
		} else if ok {
			return st
		}
	}
	return b.PreviousStatus
}

func checkRepresentative(j model.Jurisdiction, r model.Representative) []model.Violation {
	var out []model.Violation
	if r.Name == "" {
		out = append(out, fail(RuleRepName, model.SeverityHigh, "representative name is empty"))
	}
	role := normalizeRole(r.Role)
	if t := role.Tier(); t != "" && t != j.Tier {
		out = append(out, fail(RuleRepRole, model.SeverityHigh,
			"role %q is not valid for a %s jurisdiction", r.Role, j.Tier))
	}
	return out
}

// normalizeRole matches roles case- and accent-insensitively, so "maire" or
// "MAYOR" style variants from bilingual sources resolve.
func normalizeRole(r model.RepresentativeRole) model.RepresentativeRole {
	folded := textnorm.Fold(string(r))
	for _, known := range model.AllRoles() {
		if textnorm.Fold(string(known)) == folded {
			return known
		}
	}
	switch folded {
	case "maire", "mairesse":
		return model.RoleMayor
	case "conseiller", "conseillere", "conseiller municipal", "conseillere municipale":
		return model.RoleCouncillor
	case "depute", "deputee":
		return model.RoleMP
	}
	return r
}

func (v *Validator) checkStaleness(ctx context.Context, j model.Jurisdiction) (model.Violation, bool) {
	if j.Tier != model.TierFederal || v.history == nil || j.Cadence <= 0 {
		return model.Violation{}, false
	}
	last, ok, err := v.history.LastSuccess(ctx, j.ID)
	if err != nil || !ok {
		return model.Violation{}, false
	}
	threshold := time.Duration(float64(j.Cadence) * v.cfg.StalenessFactor)
	age := v.now().Sub(last)
	if age <= threshold {
		return model.Violation{}, false
	}
	return model.Violation{
		Rule: RuleStaleness,
		Message: fmt.Sprintf("last successful run %s ago exceeds %s",
			age.Truncate(time.Minute), threshold),
		Verdict:  model.VerdictFail,
		Severity: model.SeverityHigh,
	}, true
}

func fail(rule string, sev model.Severity, format string, args ...any) model.Violation {
	return model.Violation{
		Rule:     rule,
		Message:  fmt.Sprintf(format, args...),
		Verdict:  model.VerdictFail,
		Severity: sev,
	}
}

func worst(vs []model.Violation) model.Verdict {
	out := model.VerdictPass
	for _, v := range vs {
		switch v.Verdict {
		case model.VerdictFail:
			return model.VerdictFail
		case model.VerdictWarn:
			out = model.VerdictWarn
		}
	}
	return out
}
