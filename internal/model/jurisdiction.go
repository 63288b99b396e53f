// Package model defines the civic data and orchestration types shared across civicsync.
package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Tier is the government level of a jurisdiction. It doubles as the
// scheduling priority class.
type Tier string

const (
	TierFederal    Tier = "federal"
	TierProvincial Tier = "provincial"
	TierMunicipal  Tier = "municipal"
)

// AllTiers returns the tiers in priority order.
func AllTiers() []Tier {
	return []Tier{TierFederal, TierProvincial, TierMunicipal}
}

// Rank returns the dequeue precedence of the tier. Lower ranks dequeue first.
// Unknown tiers sort after every known tier.
func (t Tier) Rank() int {
	switch t {
	case TierFederal:
		return 0
	case TierProvincial:
		return 1
	case TierMunicipal:
		return 2
	default:
		return 3
	}
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t.Rank() < 3
}

// ParseTier converts a string like "federal" or "Municipal" into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", eris.Errorf("unknown tier: %q (valid: federal, provincial, municipal)", s)
	}
	return t, nil
}

// DefaultCadence is the re-scrape interval applied when a catalog entry omits one.
func (t Tier) DefaultCadence() time.Duration {
	switch t {
	case TierFederal:
		return 6 * time.Hour
	case TierProvincial:
		return 12 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Jurisdiction is a single government entity acting as a scrape target.
type Jurisdiction struct {
	ID               string        `json:"id" yaml:"id"`
	Name             string        `json:"name" yaml:"name"`
	Tier             Tier          `json:"tier" yaml:"tier"`
	DivisionID       string        `json:"division_id,omitempty" yaml:"division_id"` // OpenCivicData division
	Province         string        `json:"province,omitempty" yaml:"province"`
	Endpoints        []string      `json:"endpoints" yaml:"endpoints"`
	Cadence          time.Duration `json:"cadence" yaml:"cadence"`
	CourtesyInterval time.Duration `json:"courtesy_interval,omitempty" yaml:"courtesy_interval"`
	Collector        string        `json:"collector,omitempty" yaml:"collector"`
	Enabled          bool          `json:"enabled" yaml:"enabled"`
}

// CollectorKey returns the key used to look up the jurisdiction's collector.
func (j Jurisdiction) CollectorKey() string {
	if j.Collector != "" {
		return j.Collector
	}
	return j.ID
}

// PrimaryEndpoint returns the first configured source endpoint, or "".
func (j Jurisdiction) PrimaryEndpoint() string {
	if len(j.Endpoints) == 0 {
		return ""
	}
	return j.Endpoints[0]
}
