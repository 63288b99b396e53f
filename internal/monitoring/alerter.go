package monitoring

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/config"
	"github.com/openpolicy/civicsync/internal/notify"
)

// minFinishedRuns is the sample size below which the failure rate is not
// alerted on.
const minFinishedRuns = 5

// Alerter evaluates a Snapshot against configured thresholds and sends the
// breaches through a Notifier.
type Alerter struct {
	cfg      config.MonitoringConfig
	notifier notify.Notifier
}

// NewAlerter creates a new Alerter.
func NewAlerter(cfg config.MonitoringConfig, n notify.Notifier) *Alerter {
	return &Alerter{cfg: cfg, notifier: n}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []notify.Event {
	var events []notify.Event

	finished := snap.RunsSucceeded + snap.RunsFailed
	if a.cfg.FailureRateThreshold > 0 && finished >= minFinishedRuns && snap.FailRate > a.cfg.FailureRateThreshold {
		events = append(events, notify.Event{
			Type:     notify.EventFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %s)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.Lookback,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: snap.CollectedAt,
		})
	}

	if a.cfg.DeadLetterThreshold > 0 && snap.DeadLetters >= a.cfg.DeadLetterThreshold {
		events = append(events, notify.Event{
			Type:     notify.EventDeadLetterBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d dead-lettered jobs awaiting review (threshold %d)",
				snap.DeadLetters, a.cfg.DeadLetterThreshold,
			),
			Details: map[string]any{
				"dead_letters": snap.DeadLetters,
				"threshold":    a.cfg.DeadLetterThreshold,
			},
			Timestamp: snap.CollectedAt,
		})
	}

	return events
}

// SendAlerts delivers alerts and returns how many were accepted.
func (a *Alerter) SendAlerts(ctx context.Context, events []notify.Event) int {
	if a.notifier == nil || len(events) == 0 {
		return 0
	}

	sent := 0
	for _, e := range events {
		if err := a.notifier.Notify(ctx, e); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(e.Type)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}
