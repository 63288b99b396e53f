// Package notify delivers operator notifications: dead-lettered jobs, rollout
// phases that closed partial, stale federal data and alert thresholds.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType identifies the kind of notification.
type EventType string

const (
	EventDeadLettered      EventType = "dead_lettered"
	EventPhasePartial      EventType = "phase_partial"
	EventStalenessDetected EventType = "staleness_detected"
	EventFailureRate       EventType = "run_failure_rate"
	EventDeadLetterBacklog EventType = "dead_letter_backlog"
)

// Event is a single notification.
type Event struct {
	Type           EventType      `json:"type"`
	Severity       string         `json:"severity"`
	JurisdictionID string         `json:"jurisdiction_id,omitempty"`
	Message        string         `json:"message"`
	Details        map[string]any `json:"details,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Notifier delivers events. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, e Event) error

// Notify implements Notifier.
func (f Func) Notify(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Log writes events to the global zap logger.
type Log struct{}

// Notify implements Notifier.
func (Log) Notify(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("component", "notify"),
		zap.String("type", string(e.Type)),
		zap.String("severity", e.Severity),
		zap.Time("timestamp", e.Timestamp),
	}
	if e.JurisdictionID != "" {
		fields = append(fields, zap.String("jurisdiction", e.JurisdictionID))
	}
	if len(e.Details) > 0 {
		fields = append(fields, zap.Any("details", e.Details))
	}
	zap.L().Warn(e.Message, fields...)
	return nil
}

// Fanout sends each event to every backend. All backends are tried; their
// errors are joined.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send stamps e and delivers it through n, logging delivery failures.
// Notification failures never propagate into job handling.
func Send(ctx context.Context, n Notifier, e Event) {
	if n == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = "high"
	}
	if err := n.Notify(ctx, e); err != nil {
		zap.L().Error("notify: delivery failed",
			zap.String("type", string(e.Type)),
			zap.String("jurisdiction", e.JurisdictionID),
			zap.Error(err),
		)
	}
}

// Recorder keeps every event in memory. Used by test mode and tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events, optionally filtered by type.
func (r *Recorder) Events(types ...EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(types) == 0 {
		return append([]Event(nil), r.events...)
	}
	var out []Event
	for _, e := range r.events {
		for _, t := range types {
			if e.Type == t {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
