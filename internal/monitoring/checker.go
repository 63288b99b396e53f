// Package monitoring runs the background health checks: federal data
// staleness, run failure rate and dead-letter backlog.
package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/config"
	"github.com/openpolicy/civicsync/internal/notify"
)

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	staleness *StalenessChecker
	cfg       config.MonitoringConfig
}

// NewChecker creates a background alert checker. staleness may be nil.
func NewChecker(collector *Collector, alerter *Alerter, staleness *StalenessChecker, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		staleness: staleness,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := c.cfg.StalenessCheckInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Duration("lookback", c.lookback()),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one round of checks and returns how many alerts were sent.
func (c *Checker) Check(ctx context.Context) int {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	var alerts []notify.Event
	if c.staleness != nil {
		alerts = c.staleness.Check(ctx)
	}

	snap, err := c.collector.Collect(ctx, c.lookback())
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
	} else {
		alerts = append(alerts, c.alerter.Evaluate(snap)...)
	}

	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return sent
}

func (c *Checker) lookback() time.Duration {
	if c.cfg.LookbackWindow > 0 {
		return c.cfg.LookbackWindow
	}
	return 24 * time.Hour
}
