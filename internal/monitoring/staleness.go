package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/notify"
)

// DefaultStalenessFactor is the multiple of a jurisdiction's cadence after
// which its data counts as stale.
const DefaultStalenessFactor = 2.0

// Catalog lists registered jurisdictions.
type Catalog interface {
	List(tier *model.Tier) []model.Jurisdiction
}

// LastSuccessLookup reports when a jurisdiction last had a successful run.
type LastSuccessLookup interface {
	LastSuccess(ctx context.Context, jurisdictionID string) (time.Time, bool, error)
}

// StalenessChecker watches federal jurisdictions for data that has gone
// longer than factor × cadence without a successful run. Each stale episode
// is reported once; a later success ends the episode.
type StalenessChecker struct {
	catalog Catalog
	lookup  LastSuccessLookup
	factor  float64
	now     func() time.Time

	mu    sync.Mutex
	stale map[string]bool
}

// NewStalenessChecker creates a checker. A non-positive factor uses
// DefaultStalenessFactor.
func NewStalenessChecker(catalog Catalog, lookup LastSuccessLookup, factor float64) *StalenessChecker {
	if factor <= 0 {
		factor = DefaultStalenessFactor
	}
	return &StalenessChecker{
		catalog: catalog,
		lookup:  lookup,
		factor:  factor,
		now:     func() time.Time { return time.Now().UTC() },
		stale:   make(map[string]bool),
	}
}

// WithClock overrides the time source.
func (s *StalenessChecker) WithClock(now func() time.Time) *StalenessChecker {
	s.now = now
	return s
}

// Check returns a staleness event for every federal jurisdiction that
// became stale since the previous check. Jurisdictions that never
// succeeded have no baseline and are skipped.
func (s *StalenessChecker) Check(ctx context.Context) []notify.Event {
	federal := model.TierFederal
	now := s.now()

	var events []notify.Event
	for _, j := range s.catalog.List(&federal) {
		if !j.Enabled {
			continue
		}
		last, ok, err := s.lookup.LastSuccess(ctx, j.ID)
		if err != nil {
			zap.L().Warn("monitoring: last success lookup failed",
				zap.String("jurisdiction", j.ID),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}

		limit := time.Duration(float64(j.Cadence) * s.factor)
		age := now.Sub(last)
		isStale := age > limit

		s.mu.Lock()
		wasStale := s.stale[j.ID]
		s.stale[j.ID] = isStale
		s.mu.Unlock()

		if !isStale || wasStale {
			continue
		}
		events = append(events, notify.Event{
			Type:           notify.EventStalenessDetected,
			Severity:       "high",
			JurisdictionID: j.ID,
			Message: fmt.Sprintf("%s has no successful run for %s (limit %s)",
				j.Name, age.Round(time.Minute), limit),
			Details: map[string]any{
				"last_success": last,
				"cadence":      j.Cadence.String(),
				"age_seconds":  int64(age.Seconds()),
			},
			Timestamp: now,
		})
	}
	return events
}
