package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// Store
	switch c.Store.Driver {
	case StoreDriverPostgres:
		if c.DB.Password == "" {
			errs = append(errs, "DB_PASSWORD is required")
		}
	case StoreDriverMemory:
		slog.Warn("STORE_DRIVER=memory keeps quotas in process memory; run a single instance only")
	default:
		errs = append(errs, fmt.Sprintf("STORE_DRIVER must be %q or %q, got %q",
			StoreDriverPostgres, StoreDriverMemory, c.Store.Driver))
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	// Cache and ledger timings
	if c.Cache.L1Size < 1 {
		errs = append(errs, "CACHE_L1_SIZE must be positive")
	}
	if c.Cache.L1TTL <= 0 || c.Cache.TTL <= 0 || c.Cache.ListTTL <= 0 {
		errs = append(errs, "CACHE_L1_TTL, CACHE_TTL and CACHE_LIST_TTL must be positive")
	}
	if c.Cache.L1TTL > c.Cache.TTL {
		errs = append(errs, "CACHE_L1_TTL must not exceed CACHE_TTL")
	}
	if c.Ledger.TxTimeout <= 0 {
		errs = append(errs, "LEDGER_TX_TIMEOUT must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Jobs
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	for name, spec := range map[string]string{
		"JOBS_MONTHLY_CRON": c.Jobs.MonthlyCron,
		"JOBS_DAILY_CRON":   c.Jobs.DailyCron,
		"JOBS_EXPIRY_CRON":  c.Jobs.ExpiryCron,
		"JOBS_ALERT_CRON":   c.Jobs.AlertCron,
	} {
		if _, err := parser.Parse(spec); err != nil {
			errs = append(errs, fmt.Sprintf("%s is not a valid cron expression: %v", name, err))
		}
	}
	if c.Jobs.LockTTL <= 0 {
		errs = append(errs, "JOBS_LOCK_TTL must be positive")
	}
	if c.Jobs.AlertThreshold <= 0 || c.Jobs.AlertThreshold > 100 {
		errs = append(errs, fmt.Sprintf("ALERT_THRESHOLD must be in (0, 100], got %g", c.Jobs.AlertThreshold))
	}

	// Rate limit
	if c.RateLimit.Requests < 1 || c.RateLimit.Window <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}

	// NATS
	if c.NATS.URL == "" {
		slog.Warn("NATS_URL is empty, ledger events will only be logged")
	} else {
		if c.NATS.StreamMaxAge <= 0 || c.NATS.AckWait <= 0 {
			errs = append(errs, "NATS_STREAM_MAX_AGE and NATS_ACK_WAIT must be positive")
		}
		if c.NATS.DedupWindow <= 0 || c.NATS.DedupWindow > c.NATS.StreamMaxAge {
			errs = append(errs, "NATS_DEDUP_WINDOW must be positive and not exceed NATS_STREAM_MAX_AGE")
		}
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
