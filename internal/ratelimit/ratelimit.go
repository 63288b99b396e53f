// Package ratelimit implements the outbound per-domain courtesy limiter and
// the inbound per-client sliding-window API limiter.
package ratelimit

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/openpolicy/civicsync/internal/resilience"
)

// Permit is a granted acquisition.
type Permit struct {
	Key       string
	GrantedAt time.Time
	Waited    time.Duration
}

// Rejected is returned when a permit cannot be granted in time. It matches
// resilience.ErrRateLimited with errors.Is.
type Rejected struct {
	Key        string
	RetryAfter time.Duration
}

func (r *Rejected) Error() string {
	return fmt.Sprintf("rate limited: %s (retry after %s)", r.Key, r.RetryAfter.Round(time.Millisecond))
}

func (r *Rejected) Unwrap() error {
	return resilience.ErrRateLimited
}

// DomainOf returns the courtesy key for a source URL: the lower-cased host
// without port or a leading "www.". Unparseable input is returned unchanged.
func DomainOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
