// Package resilience provides the orchestration error taxonomy, retry backoff
// and per-domain circuit breakers.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// Error taxonomy. Collector and validation failures are retried inside the
// job boundary; rate limiting is a scheduling signal; dead letters and
// registry errors surface to operators.
var (
	ErrCollectorFailure  = eris.New("collector failure")
	ErrValidationFailure = eris.New("validation failure")
	ErrRateLimited       = eris.New("rate limited")
	ErrDeadLettered      = eris.New("dead lettered")
	ErrRegistry          = eris.New("registry error")
)

// Kind names an error class of the taxonomy.
type Kind string

const (
	KindCollector  Kind = "collector_failure"
	KindValidation Kind = "validation_failure"
	KindRateLimit  Kind = "rate_limited"
	KindDeadLetter Kind = "dead_lettered"
	KindRegistry   Kind = "registry_error"
	KindUnknown    Kind = "unknown"
)

// Classify maps err onto the taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeadLettered):
		return KindDeadLetter
	case errors.Is(err, ErrRateLimited):
		return KindRateLimit
	case errors.Is(err, ErrValidationFailure):
		return KindValidation
	case errors.Is(err, ErrCollectorFailure):
		return KindCollector
	case errors.Is(err, ErrRegistry):
		return KindRegistry
	default:
		return KindUnknown
	}
}

// Retryable reports whether the worker pool should re-queue a job that
// failed with err.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindCollector, KindValidation, KindUnknown:
		return true
	default:
		return false
	}
}

// CollectorFailure wraps reason as a collector failure.
func CollectorFailure(reason string) error {
	return eris.Wrap(ErrCollectorFailure, reason)
}

// ValidationFailure wraps reason as a validation failure.
func ValidationFailure(reason string) error {
	return eris.Wrap(ErrValidationFailure, reason)
}

// TransientError marks an upstream failure that is safe to retry
// immediately, such as a 503 from a legislature site.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
}

// IsTransient reports whether err (or its chain) looks like a network hiccup
// rather than a broken source.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether an HTTP status is worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ClassifyError labels a dead-letter cause as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
