// Package jobs runs the ledger's periodic maintenance: the monthly and daily
// usage resets, the expiry sweep and the usage alert scan.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/devicecloud/quotad/internal/lock"
	"github.com/devicecloud/quotad/internal/metrics"
	"github.com/devicecloud/quotad/internal/quota"
)

// Job names, also used as metric labels.
const (
	JobMonthlyReset = "monthly_reset"
	JobDailyReset   = "daily_reset"
	JobExpirySweep  = "expiry_sweep"
	JobAlertScan    = "alert_scan"
)

// Distributed lock names of the reset jobs.
const (
	LockMonthlyReset = "quota:reset:monthly"
	LockDailyReset   = "quota:reset:daily"
)

// Ledger is the part of quota.Service the jobs drive.
type Ledger interface {
	ResetUsage(ctx context.Context, w quota.Window) (int64, error)
	ExpireStale(ctx context.Context) ([]*quota.Quota, error)
	LiveQuotas(ctx context.Context) ([]*quota.Quota, error)
	Alerts(ctx context.Context, threshold float64) (*quota.AlertReport, error)
	Publish(ctx context.Context, action quota.Action, data any) error
}

// Locker serializes a job across instances.
type Locker interface {
	WithLock(ctx context.Context, name string, opts lock.Options, fn func(ctx context.Context) error) error
}

// RunMarker remembers which windows a job already completed.
type RunMarker interface {
	Done(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithLockTTL(ttl time.Duration) Option {
	return func(r *Runner) {
		if ttl > 0 {
			r.lockTTL = ttl
		}
	}
}

func WithAlertThreshold(threshold float64) Option {
	return func(r *Runner) {
		if threshold > 0 {
			r.threshold = threshold
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// Runner executes each job once per call. Scheduling is the caller's concern.
type Runner struct {
	ledger    Ledger
	locker    Locker
	marker    RunMarker
	logger    *slog.Logger
	lockTTL   time.Duration
	threshold float64
	now       func() time.Time
}

func NewRunner(ledger Ledger, locker Locker, marker RunMarker, opts ...Option) *Runner {
	r := &Runner{
		ledger:    ledger,
		locker:    locker,
		marker:    marker,
		logger:    slog.Default(),
		lockTTL:   10 * time.Minute,
		threshold: quota.DefaultAlertThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// errSkipped marks a run another instance already performed.
var errSkipped = errors.New("skipped")

// RunMonthlyReset zeroes monthly traffic and monthly usage hours, at most
// once per calendar month across all instances.
func (r *Runner) RunMonthlyReset(ctx context.Context) error {
	now := r.now().UTC()
	return r.track(JobMonthlyReset, func() error {
		return r.reset(ctx, quota.WindowMonthly, LockMonthlyReset,
			LockMonthlyReset+":done:"+now.Format("2006-01"), 32*24*time.Hour)
	})
}

// RunDailyReset zeroes today's usage hours, at most once per day.
func (r *Runner) RunDailyReset(ctx context.Context) error {
	now := r.now().UTC()
	return r.track(JobDailyReset, func() error {
		return r.reset(ctx, quota.WindowDaily, LockDailyReset,
			LockDailyReset+":done:"+now.Format("2006-01-02"), 48*time.Hour)
	})
}

func (r *Runner) reset(ctx context.Context, w quota.Window, lockName, markerKey string, markerTTL time.Duration) error {
	err := r.locker.WithLock(ctx, lockName, lock.Options{TTL: r.lockTTL}, func(ctx context.Context) error {
		done, err := r.marker.Done(ctx, markerKey)
		if err != nil {
			return err
		}
		if done {
			return errSkipped
		}

		n, err := r.ledger.ResetUsage(ctx, w)
		if err != nil {
			return err
		}
		if err := r.marker.Mark(ctx, markerKey, markerTTL); err != nil {
			// The reset itself committed. A rerun in this window would only
			// zero counters again, so report and carry on.
			r.logger.Warn("jobs: recording reset marker failed", "window", w, "error", err)
		}
		r.logger.Info("jobs: usage reset", "window", w, "quotas", n)
		return nil
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		return errSkipped
	}
	return err
}

// RunExpirySweep expires every live quota whose validity ended. It takes no
// lock: expiring an already expired quota is a no-op.
func (r *Runner) RunExpirySweep(ctx context.Context) error {
	return r.track(JobExpirySweep, func() error {
		expired, err := r.ledger.ExpireStale(ctx)
		if err != nil {
			return err
		}
		if len(expired) > 0 {
			r.logger.Info("jobs: expired quotas", "count", len(expired))
		}
		return nil
	})
}

// RunAlertScan exports usage statistics of all live quotas and publishes one
// alert event per quota at or above the threshold.
func (r *Runner) RunAlertScan(ctx context.Context) error {
	return r.track(JobAlertScan, func() error {
		live, err := r.ledger.LiveQuotas(ctx)
		if err != nil {
			return err
		}
		metrics.LiveQuotas.Set(float64(len(live)))
		for _, q := range live {
			p := q.UsagePercentage()
			metrics.QuotaUsagePercent.WithLabelValues("devices").Observe(p.Devices)
			metrics.QuotaUsagePercent.WithLabelValues("cpu").Observe(p.CPU)
			metrics.QuotaUsagePercent.WithLabelValues("memory").Observe(p.Memory)
			metrics.QuotaUsagePercent.WithLabelValues("storage").Observe(p.Storage)
			metrics.QuotaUsagePercent.WithLabelValues("traffic").Observe(p.Traffic)
			metrics.QuotaUsagePercent.WithLabelValues("hours").Observe(p.Hours)
		}

		report, err := r.ledger.Alerts(ctx, r.threshold)
		if err != nil {
			return err
		}

		counts := map[quota.Severity]int{quota.SeverityWarning: 0, quota.SeverityCritical: 0}
		for _, a := range report.Alerts {
			counts[a.Severity]++
			if err := r.ledger.Publish(ctx, quota.ActionAlert, a); err != nil {
				r.logger.Warn("jobs: publishing alert failed", "user_id", a.UserID, "error", err)
			}
		}
		for sev, n := range counts {
			metrics.QuotaAlerts.WithLabelValues(string(sev)).Set(float64(n))
		}

		r.logger.Info("jobs: alert scan finished",
			"live", len(live),
			"warning", counts[quota.SeverityWarning],
			"critical", counts[quota.SeverityCritical],
		)
		return nil
	})
}

func (r *Runner) track(job string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)
	metrics.JobDuration.WithLabelValues(job).Observe(duration.Seconds())

	switch {
	case errors.Is(err, errSkipped):
		metrics.JobRunsTotal.WithLabelValues(job, "skipped").Inc()
		r.logger.Info("jobs: run skipped, already done elsewhere", "job", job)
		return nil
	case err != nil:
		metrics.JobRunsTotal.WithLabelValues(job, "error").Inc()
		r.logger.Error("jobs: run failed", "job", job, "error", err, "duration_ms", duration.Milliseconds())
		return fmt.Errorf("%s: %w", job, err)
	}
	metrics.JobRunsTotal.WithLabelValues(job, "success").Inc()
	return nil
}
