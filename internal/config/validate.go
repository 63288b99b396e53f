package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the settings a command mode depends on. Modes: serve,
// run, rollout, admin. All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "run", "rollout", "admin":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of postgres, sqlite, memory", c.Store.Driver))
	}

	if mode == "admin" {
		return joinErrs(errs)
	}

	o := c.Orchestrator
	if o.WorkerPoolSize < 1 || o.WorkerPoolSize > 64 {
		errs = append(errs, "orchestrator.worker_pool_size must be between 1 and 64")
	}
	if o.MaxRetries < 1 {
		errs = append(errs, "orchestrator.max_retries must be >= 1")
	}
	if o.RetryBaseDelay < 0 {
		errs = append(errs, "orchestrator.retry_base_delay must not be negative")
	}
	if o.RetryMaxDelay > 0 && o.RetryMaxDelay < o.RetryBaseDelay {
		errs = append(errs, "orchestrator.retry_max_delay must be >= retry_base_delay")
	}
	if o.CollectorTimeout <= 0 {
		errs = append(errs, "orchestrator.collector_timeout must be > 0")
	}
	if o.CatalogPath == "" {
		errs = append(errs, "orchestrator.catalog_path is required")
	}

	if c.RateLimit.CourtesyIntervalPerDomain < 0 {
		errs = append(errs, "ratelimit.courtesy_interval_per_domain must not be negative")
	}
	if r := c.Quality.AcceptanceRatio; r <= 0 || r > 1 {
		errs = append(errs, "quality.acceptance_ratio must be in (0, 1]")
	}

	for i, p := range c.Rollout.Phases {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("rollout.rollout_phase_definitions[%d]: name is required", i))
			continue
		}
		errs = append(errs, p.Problems()...)
	}

	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, "server.port must be > 0 and <= 65535")
	}

	return joinErrs(errs)
}

func joinErrs(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return eris.New("config: " + strings.Join(errs, "; "))
}
