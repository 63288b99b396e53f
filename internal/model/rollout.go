package model

import (
	"fmt"
	"time"
)

// PhaseStatus is the recorded outcome of a rollout phase.
type PhaseStatus string

const (
	PhasePending  PhaseStatus = "pending"
	PhaseRunning  PhaseStatus = "running"
	PhaseComplete PhaseStatus = "complete"
	PhasePartial  PhaseStatus = "partial"
)

// Finished reports whether the phase reached a recorded end state.
func (s PhaseStatus) Finished() bool {
	return s == PhaseComplete || s == PhasePartial
}

// RolloutPhase is one gated step of a phased rollout.
type RolloutPhase struct {
	Name            string        `json:"name" yaml:"name" mapstructure:"name"`
	Tiers           []Tier        `json:"tiers,omitempty" yaml:"tiers" mapstructure:"tiers"`
	JurisdictionIDs []string      `json:"jurisdiction_ids,omitempty" yaml:"jurisdiction_ids" mapstructure:"jurisdiction_ids"`
	TimeBudget      time.Duration `json:"time_budget" yaml:"time_budget" mapstructure:"time_budget"`
	SuccessRatio    float64       `json:"success_ratio" yaml:"success_ratio" mapstructure:"success_ratio"`

	Status    PhaseStatus `json:"status" yaml:"-" mapstructure:"-"`
	StartedAt *time.Time  `json:"started_at,omitempty" yaml:"-" mapstructure:"-"`
	EndedAt   *time.Time  `json:"ended_at,omitempty" yaml:"-" mapstructure:"-"`
	Succeeded int         `json:"succeeded" yaml:"-" mapstructure:"-"`
	Total     int         `json:"total" yaml:"-" mapstructure:"-"`
}

// Ratio returns the fraction of the phase's jurisdictions that succeeded.
// An empty phase counts as fully successful.
func (p RolloutPhase) Ratio() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Succeeded) / float64(p.Total)
}

// DefaultRolloutPhases returns the standard federal → provincial →
// municipal → backfill sequence.
func DefaultRolloutPhases() []RolloutPhase {
	return []RolloutPhase{
		{Name: "federal", Tiers: []Tier{TierFederal}, TimeBudget: 2 * time.Hour, SuccessRatio: 0.9},
		{Name: "provincial", Tiers: []Tier{TierProvincial}, TimeBudget: 6 * time.Hour, SuccessRatio: 0.8},
		{Name: "municipal", Tiers: []Tier{TierMunicipal}, TimeBudget: 12 * time.Hour, SuccessRatio: 0.7},
		{Name: "backfill", Tiers: AllTiers(), TimeBudget: 24 * time.Hour, SuccessRatio: 0.5},
	}
}

// Problems lists what is wrong with a phase definition. A nil result means
// the phase can run.
func (p RolloutPhase) Problems() []string {
	var out []string
	if p.Name == "" {
		out = append(out, "rollout phase: name is required")
	}
	if len(p.Tiers) == 0 && len(p.JurisdictionIDs) == 0 {
		out = append(out, fmt.Sprintf("rollout phase %q: tiers or jurisdiction_ids required", p.Name))
	}
	for _, t := range p.Tiers {
		if !t.Valid() {
			out = append(out, fmt.Sprintf("rollout phase %q: unknown tier %q", p.Name, t))
		}
	}
	if p.SuccessRatio < 0 || p.SuccessRatio > 1 {
		out = append(out, fmt.Sprintf("rollout phase %q: success_ratio must be in [0, 1]", p.Name))
	}
	if p.TimeBudget <= 0 {
		out = append(out, fmt.Sprintf("rollout phase %q: time_budget must be > 0", p.Name))
	}
	return out
}
