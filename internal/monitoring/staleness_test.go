package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/notify"
	"github.com/openpolicy/civicsync/internal/registry"
)

type lastSuccess map[string]time.Time

func (l lastSuccess) LastSuccess(_ context.Context, id string) (time.Time, bool, error) {
	if id == "broken" {
		return time.Time{}, false, errors.New("db down")
	}
	at, ok := l[id]
	return at, ok, nil
}

var monitored = []model.Jurisdiction{
	{ID: "ca-fed", Name: "Parliament of Canada", Tier: model.TierFederal, Cadence: 6 * time.Hour, Enabled: true},
	{ID: "ca-senate", Name: "Senate", Tier: model.TierFederal, Cadence: 6 * time.Hour, Enabled: false},
	{ID: "broken", Name: "Broken", Tier: model.TierFederal, Cadence: 6 * time.Hour, Enabled: true},
	{ID: "never", Name: "Never", Tier: model.TierFederal, Cadence: 6 * time.Hour, Enabled: true},
	{ID: "ca-on", Name: "Ontario", Tier: model.TierProvincial, Cadence: 12 * time.Hour, Enabled: true},
}

func TestStaleness_OncePerEpisode(t *testing.T) {
	last := lastSuccess{
		"ca-fed":    t0.Add(-13 * time.Hour),
		"ca-senate": t0.Add(-72 * time.Hour),
		"ca-on":     t0.Add(-72 * time.Hour),
	}
	now := t0
	s := NewStalenessChecker(registry.New(monitored, nil), last, 0).WithClock(func() time.Time { return now })

	events := s.Check(context.Background())
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventStalenessDetected, events[0].Type)
	assert.Equal(t, "ca-fed", events[0].JurisdictionID)
	assert.Contains(t, events[0].Message, "Parliament of Canada")

	now = now.Add(time.Hour)
	assert.Empty(t, s.Check(context.Background()), "same episode is reported once")

	// A fresh success ends the episode; going stale again starts a new one.
	last["ca-fed"] = now
	assert.Empty(t, s.Check(context.Background()))
	now = now.Add(13 * time.Hour)
	assert.Len(t, s.Check(context.Background()), 1)
}

func TestStaleness_Factor(t *testing.T) {
	last := lastSuccess{"ca-fed": t0.Add(-13 * time.Hour)}
	s := NewStalenessChecker(registry.New(monitored, nil), last, 3).WithClock(func() time.Time { return t0 })
	assert.Empty(t, s.Check(context.Background()))
}
