package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/devicecloud/quotad/internal/metrics"
)

const (
	opCheck   = "check"
	opDeduct  = "deduct"
	opRestore = "restore"
	opCreate  = "create"
	opUpdate  = "update"
	opRenew   = "renew"
	opDelete  = "delete"
)

// DefaultAlertThreshold is the usage percentage at which Alerts reports a quota.
const DefaultAlertThreshold = 80

const criticalPercentage = 95

// Window selects which time-windowed usage fields a reset zeroes.
type Window string

const (
	WindowMonthly Window = "monthly"
	WindowDaily   Window = "daily"
)

func (w Window) usageKeys() []string {
	switch w {
	case WindowMonthly:
		return []string{usageKeyMonthlyTraffic, usageKeyMonthlyHours}
	case WindowDaily:
		return []string{usageKeyTodayHours}
	}
	return nil
}

// Service is the quota ledger. Reads may be served from the cache; every
// mutation goes to the store under a row lock, and only after it commits are
// the cache invalidated and events published.
type Service struct {
	store  Store
	cache  *Cache
	events Publisher
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for expiry and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates the ledger. A nil cache disables caching and a nil
// publisher only logs events.
func NewService(store Store, cache *Cache, events Publisher, opts ...Option) *Service {
	if cache == nil {
		cache = NewCache(nil, 0, 0)
	}
	if events == nil {
		events = LogPublisher{}
	}
	s := &Service{
		store:  store,
		cache:  cache,
		events: events,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetUserQuota returns the user's current quota. A live quota whose validity
// has ended is moved to expired and ErrQuotaExpired is returned; later calls
// keep returning ErrQuotaExpired.
func (s *Service) GetUserQuota(ctx context.Context, userID uuid.UUID) (*Quota, error) {
	q, err := s.cache.GetOrLoad(ctx, userID, func(ctx context.Context) (*Quota, error) {
		return s.store.FindByUser(ctx, userID)
	})
	if err != nil {
		return nil, fmt.Errorf("getting quota for user %s: %w", userID, err)
	}

	switch {
	case q.Status == StatusExpired:
		return nil, ErrQuotaExpired
	case q.Status.Live() && q.IsExpired(s.now()):
		now := s.now()
		changed, err := s.store.MarkExpired(ctx, q.ID, now)
		if err != nil {
			return nil, err
		}
		s.cache.InvalidateUser(ctx, userID, q.Version+1)
		if changed {
			slog.Warn("ledger: quota expired on read", "user_id", userID, "quota_id", q.ID)
			expired := q.Clone()
			expired.Status = StatusExpired
			expired.Version++
			expired.Usage.touch(now)
			s.emit(ctx, ActionExpired, expired, q.Status)
		}
		return nil, ErrQuotaExpired
	}
	return q, nil
}

// CheckQuota reports whether req.RequestedAmount of a dimension is still
// available. It has no side effects besides lazy expiry and may observe a
// state that changes right after it returns.
func (s *Service) CheckQuota(ctx context.Context, req CheckRequest) (res *CheckResult, err error) {
	defer observe(opCheck, time.Now(), &err)

	if req.RequestedAmount < 0 {
		return nil, fmt.Errorf("%w: requested amount must not be negative", ErrInvalidRequest)
	}
	switch req.Dimension {
	case DimensionDevice, DimensionCPU, DimensionMemory, DimensionStorage, DimensionBandwidth, DimensionDuration:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDimension, req.Dimension)
	}

	q, err := s.GetUserQuota(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	res = evaluate(q, req)
	metrics.QuotaChecksTotal.WithLabelValues(string(req.Dimension), fmt.Sprint(res.Allowed)).Inc()
	return res, nil
}

func evaluate(q *Quota, req CheckRequest) *CheckResult {
	if q.Status != StatusActive {
		return &CheckResult{Reason: fmt.Sprintf("quota status is %s", q.Status), Quota: q}
	}

	amount := req.RequestedAmount
	l, u := q.Limits, q.Usage
	deny := func(reason string, remaining float64) *CheckResult {
		return &CheckResult{Reason: reason, Remaining: &remaining, Quota: q}
	}

	switch req.Dimension {
	case DimensionDevice:
		if !q.HasAvailableDeviceQuota(amount) {
			return deny(fmt.Sprintf("insufficient device quota (used: %d/%d)",
				u.CurrentDevices, l.MaxDevices), float64(q.RemainingDevices()))
		}
	case DimensionCPU:
		if !q.HasAvailableCPUQuota(amount) {
			return deny(fmt.Sprintf("insufficient CPU quota (used: %d/%d cores)",
				u.UsedCPUCores, l.TotalCPUCores), q.RemainingCPUCores())
		}
	case DimensionMemory:
		if !q.HasAvailableMemoryQuota(amount) {
			return deny(fmt.Sprintf("insufficient memory quota (used: %g/%d GB)",
				u.UsedMemoryGB, l.TotalMemoryGB), q.RemainingMemoryGB())
		}
	case DimensionStorage:
		if !q.HasAvailableStorageQuota(amount) {
			return deny(fmt.Sprintf("insufficient storage quota (used: %g/%d GB)",
				u.UsedStorageGB, l.TotalStorageGB), q.RemainingStorageGB())
		}
	case DimensionBandwidth:
		if !q.HasAvailableTrafficQuota(amount) {
			return deny(fmt.Sprintf("insufficient monthly traffic quota (used: %g/%g GB)",
				u.MonthlyTrafficUsedGB, l.MonthlyTrafficGB), max(0, q.RemainingTrafficGB()))
		}
	case DimensionDuration:
		if !q.HasAvailableDurationQuota(amount) {
			return deny(fmt.Sprintf("insufficient monthly usage hours (used: %g/%d hours)",
				u.MonthlyUsageHours, l.MaxUsageHoursPerMonth), max(0, q.RemainingHours()))
		}
	}

	// Per-device ceilings apply on top of the aggregate check.
	if req.Dimension == DimensionDevice && req.DeviceConfig != nil {
		dc := req.DeviceConfig
		if dc.CPUCores > 0 && dc.CPUCores > l.MaxCPUCoresPerDevice {
			return &CheckResult{Quota: q, Reason: fmt.Sprintf(
				"per-device CPU limit exceeded (requested: %d, limit: %d cores)",
				dc.CPUCores, l.MaxCPUCoresPerDevice)}
		}
		if dc.MemoryGB > 0 && dc.MemoryGB > l.MaxMemoryGBPerDevice() {
			return &CheckResult{Quota: q, Reason: fmt.Sprintf(
				"per-device memory limit exceeded (requested: %gGB, limit: %gGB)",
				dc.MemoryGB, l.MaxMemoryGBPerDevice())}
		}
		if dc.StorageGB > 0 && dc.StorageGB > float64(l.MaxStorageGBPerDevice) {
			return &CheckResult{Quota: q, Reason: fmt.Sprintf(
				"per-device storage limit exceeded (requested: %gGB, limit: %dGB)",
				dc.StorageGB, l.MaxStorageGBPerDevice)}
		}
	}

	remaining := remainingFor(q, req.Dimension)
	return &CheckResult{Allowed: true, Remaining: &remaining, Quota: q}
}

func remainingFor(q *Quota, d Dimension) float64 {
	switch d {
	case DimensionDevice:
		return float64(q.RemainingDevices())
	case DimensionCPU:
		return q.RemainingCPUCores()
	case DimensionMemory:
		return q.RemainingMemoryGB()
	case DimensionStorage:
		return q.RemainingStorageGB()
	case DimensionBandwidth:
		return q.RemainingTrafficGB()
	case DimensionDuration:
		return q.RemainingHours()
	}
	return 0
}

// DeductQuota adds d to the user's usage under the row lock. An exceeded
// event is published only when this call moves the quota into exceeded.
func (s *Service) DeductQuota(ctx context.Context, d UsageDelta) (*Quota, error) {
	return s.applyDelta(ctx, opDeduct, d)
}

// RestoreQuota subtracts d from the user's usage under the row lock. Every
// field is clamped at zero.
func (s *Service) RestoreQuota(ctx context.Context, d UsageDelta) (*Quota, error) {
	return s.applyDelta(ctx, opRestore, d)
}

func (s *Service) applyDelta(ctx context.Context, op string, d UsageDelta) (q *Quota, err error) {
	defer observe(op, time.Now(), &err)

	if d.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if d.negative() {
		return nil, fmt.Errorf("%w: amounts must not be negative", ErrInvalidRequest)
	}

	var (
		prev    Status
		expired bool
	)
	q, err = s.store.UpdateLocked(ctx, d.UserID, func(q *Quota) error {
		prev = q.Status
		now := s.now()
		if q.IsExpired(now) {
			q.Status = StatusExpired
			expired = true
			return nil
		}

		if op == opDeduct {
			q.Usage.add(d)
		} else {
			q.Usage.subtract(d)
		}
		q.Usage.touch(now)
		q.reevaluate()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrQuotaNotFound) {
			return nil, s.missingQuotaError(ctx, d.UserID)
		}
		return nil, fmt.Errorf("%s quota for user %s: %w", op, d.UserID, err)
	}

	s.cache.InvalidateUser(ctx, q.UserID, q.Version)

	if expired {
		slog.Warn("ledger: quota expired during mutation", "user_id", q.UserID, "quota_id", q.ID)
		s.emit(ctx, ActionExpired, q, prev)
		return nil, ErrQuotaExpired
	}

	action := ActionDeducted
	if op == opRestore {
		action = ActionRestored
	}
	s.emit(ctx, action, q, prev)

	if op == opDeduct && prev != StatusExceeded && q.Status == StatusExceeded {
		metrics.QuotaExceededTransitionsTotal.Inc()
		slog.Warn("ledger: quota exceeded", "user_id", q.UserID, "quota_id", q.ID)
		s.emit(ctx, ActionExceeded, q, prev)
	}
	return q, nil
}

// missingQuotaError distinguishes a user whose quota has already expired from
// one that never had a live quota.
func (s *Service) missingQuotaError(ctx context.Context, userID uuid.UUID) error {
	q, err := s.store.FindByUser(ctx, userID)
	if err == nil && q.Status == StatusExpired {
		return ErrQuotaExpired
	}
	return fmt.Errorf("user %s: %w", userID, ErrQuotaNotFound)
}

func (u *Usage) add(d UsageDelta) {
	u.CurrentDevices += d.DeviceCount
	if d.Concurrent {
		u.CurrentConcurrentDevices += d.DeviceCount
	}
	u.UsedCPUCores += d.CPUCores
	u.UsedMemoryGB += d.MemoryGB
	u.UsedStorageGB += d.StorageGB
	u.MonthlyTrafficUsedGB += d.TrafficGB
	u.TodayUsageHours += d.UsageHours
	u.MonthlyUsageHours += d.UsageHours
}

func (u *Usage) subtract(d UsageDelta) {
	u.CurrentDevices = max(0, u.CurrentDevices-d.DeviceCount)
	if d.Concurrent {
		u.CurrentConcurrentDevices = max(0, u.CurrentConcurrentDevices-d.DeviceCount)
	}
	u.UsedCPUCores = max(0, u.UsedCPUCores-d.CPUCores)
	u.UsedMemoryGB = max(0, u.UsedMemoryGB-d.MemoryGB)
	u.UsedStorageGB = max(0, u.UsedStorageGB-d.StorageGB)
	u.MonthlyTrafficUsedGB = max(0, u.MonthlyTrafficUsedGB-d.TrafficGB)
	u.TodayUsageHours = max(0, u.TodayUsageHours-d.UsageHours)
	u.MonthlyUsageHours = max(0, u.MonthlyUsageHours-d.UsageHours)
}

// reevaluate keeps active and exceeded in line with OverLimit. Other
// statuses are left alone.
func (q *Quota) reevaluate() {
	over := q.OverLimit()
	switch {
	case q.Status == StatusActive && over:
		q.Status = StatusExceeded
	case q.Status == StatusExceeded && !over:
		q.Status = StatusActive
	}
}

// CreateQuota creates an active quota with zeroed usage. It fails with
// ErrActiveQuotaExists if the user already has a live quota.
func (s *Service) CreateQuota(ctx context.Context, req CreateRequest) (q *Quota, err error) {
	defer observe(opCreate, time.Now(), &err)

	if req.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}

	now := s.now()
	validFrom := now
	if req.ValidFrom != nil {
		validFrom = *req.ValidFrom
	}
	if req.ValidUntil != nil && req.ValidUntil.Before(validFrom) {
		return nil, fmt.Errorf("%w: valid_until is before valid_from", ErrInvalidRequest)
	}

	q = &Quota{
		ID:         uuid.New(),
		UserID:     req.UserID,
		PlanID:     req.PlanID,
		PlanName:   req.PlanName,
		Status:     StatusActive,
		Limits:     req.Limits,
		Usage:      Usage{LastUpdatedAt: now},
		ValidFrom:  validFrom,
		ValidUntil: req.ValidUntil,
		AutoRenew:  req.AutoRenew,
		Notes:      req.Notes,
	}
	if err := s.store.Create(ctx, q); err != nil {
		if errors.Is(err, ErrActiveQuotaExists) {
			return nil, err
		}
		return nil, fmt.Errorf("creating quota for user %s: %w", req.UserID, err)
	}

	slog.Info("ledger: quota created", "user_id", q.UserID, "quota_id", q.ID, "plan_id", q.PlanID)
	s.cache.InvalidateUser(ctx, q.UserID, q.Version)
	s.emit(ctx, ActionCreated, q, "")
	return q, nil
}

// UpdateQuota merges a partial update into the quota. Unless the update sets
// the status explicitly, active and exceeded are re-evaluated against the
// new limits.
func (s *Service) UpdateQuota(ctx context.Context, id uuid.UUID, req UpdateRequest) (q *Quota, err error) {
	defer observe(opUpdate, time.Now(), &err)

	if req.Status != nil && !req.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, *req.Status)
	}

	var prev Status
	q, err = s.store.UpdateByIDLocked(ctx, id, func(q *Quota) error {
		prev = q.Status
		if req.Limits != nil {
			q.Limits = req.Limits.Apply(q.Limits)
		}
		if req.ValidFrom != nil {
			q.ValidFrom = *req.ValidFrom
		}
		if req.ValidUntil != nil {
			t := *req.ValidUntil
			q.ValidUntil = &t
		}
		if q.ValidUntil != nil && q.ValidUntil.Before(q.ValidFrom) {
			return fmt.Errorf("%w: valid_until is before valid_from", ErrInvalidRequest)
		}
		if req.AutoRenew != nil {
			q.AutoRenew = *req.AutoRenew
		}
		if req.Notes != nil {
			q.Notes = *req.Notes
		}
		if req.Status != nil {
			q.Status = *req.Status
		} else {
			q.reevaluate()
		}
		q.Usage.touch(s.now())
		return nil
	})
	if err != nil {
		return nil, s.mutationError(opUpdate, id, err)
	}

	slog.Info("ledger: quota updated", "quota_id", id, "status", q.Status)
	s.cache.InvalidateUser(ctx, q.UserID, q.Version)
	s.emit(ctx, ActionUpdated, q, prev)
	return q, nil
}

// RenewQuota extends ValidUntil by days, counting from the current ValidUntil
// if it is still in the future and from now otherwise. An expired quota is
// reactivated.
func (s *Service) RenewQuota(ctx context.Context, id uuid.UUID, days int) (q *Quota, err error) {
	defer observe(opRenew, time.Now(), &err)

	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive", ErrInvalidRequest)
	}

	var prev Status
	q, err = s.store.UpdateByIDLocked(ctx, id, func(q *Quota) error {
		prev = q.Status
		now := s.now()
		base := now
		if q.ValidUntil != nil && q.ValidUntil.After(now) {
			base = *q.ValidUntil
		}
		until := base.AddDate(0, 0, days)
		q.ValidUntil = &until
		if q.Status == StatusExpired {
			q.Status = StatusActive
			q.reevaluate()
		}
		q.Usage.touch(now)
		return nil
	})
	if err != nil {
		return nil, s.mutationError(opRenew, id, err)
	}

	slog.Info("ledger: quota renewed", "quota_id", id, "valid_until", q.ValidUntil)
	s.cache.InvalidateUser(ctx, q.UserID, q.Version)
	s.emit(ctx, ActionRenewed, q, prev)
	return q, nil
}

// DeleteQuota suspends the quota. Records are never removed.
func (s *Service) DeleteQuota(ctx context.Context, id uuid.UUID) (err error) {
	defer observe(opDelete, time.Now(), &err)

	var prev Status
	q, err := s.store.UpdateByIDLocked(ctx, id, func(q *Quota) error {
		prev = q.Status
		q.Status = StatusSuspended
		q.Usage.touch(s.now())
		return nil
	})
	if err != nil {
		return s.mutationError(opDelete, id, err)
	}

	slog.Info("ledger: quota suspended", "quota_id", id, "user_id", q.UserID)
	s.cache.InvalidateUser(ctx, q.UserID, q.Version)
	s.emit(ctx, ActionDeleted, q, prev)
	return nil
}

func (s *Service) mutationError(op string, id uuid.UUID, err error) error {
	if errors.Is(err, ErrQuotaNotFound) || errors.Is(err, ErrActiveQuotaExists) || errors.Is(err, ErrInvalidRequest) {
		return err
	}
	return fmt.Errorf("%s quota %s: %w", op, id, err)
}

// GetUsageStats returns the user's quota with its usage percentages,
// remaining headroom and human-readable alerts.
func (s *Service) GetUsageStats(ctx context.Context, userID uuid.UUID) (*UsageStats, error) {
	q, err := s.GetUserQuota(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := q.UsagePercentage()
	alerts := []string{}
	if p.Devices >= 90 {
		alerts = append(alerts, fmt.Sprintf("device quota usage reached %.1f%%", p.Devices))
	}
	if p.CPU >= 80 {
		alerts = append(alerts, fmt.Sprintf("CPU quota usage reached %.1f%%", p.CPU))
	}
	if p.Memory >= 80 {
		alerts = append(alerts, fmt.Sprintf("memory quota usage reached %.1f%%", p.Memory))
	}
	if p.Storage >= 80 {
		alerts = append(alerts, fmt.Sprintf("storage quota usage reached %.1f%%", p.Storage))
	}
	if p.Traffic >= 90 {
		alerts = append(alerts, fmt.Sprintf("monthly traffic quota usage reached %.1f%%", p.Traffic))
	}

	return &UsageStats{
		Quota:      q,
		Percentage: p,
		Remaining: Remaining{
			Devices: q.RemainingDevices(),
			CPU:     q.RemainingCPUCores(),
			Memory:  q.RemainingMemoryGB(),
			Storage: q.RemainingStorageGB(),
			Traffic: q.RemainingTrafficGB(),
			Hours:   q.RemainingHours(),
		},
		Alerts: alerts,
	}, nil
}

// Alerts lists every live quota with at least one dimension at or above
// threshold percent, highest usage first. The result is cached as a list
// view and dropped on every mutation.
func (s *Service) Alerts(ctx context.Context, threshold float64) (*AlertReport, error) {
	if threshold <= 0 {
		threshold = DefaultAlertThreshold
	}

	name := fmt.Sprintf("alerts:%g", threshold)
	var cached AlertReport
	if s.cache.GetList(ctx, name, &cached) {
		return &cached, nil
	}

	quotas, err := s.store.ListLive(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing live quotas: %w", err)
	}

	report := &AlertReport{Threshold: threshold, Alerts: []Alert{}}
	for _, q := range quotas {
		if a, ok := alertFor(q, threshold); ok {
			report.Alerts = append(report.Alerts, a)
		}
	}
	sort.SliceStable(report.Alerts, func(i, j int) bool {
		return report.Alerts[i].Percentage.Max() > report.Alerts[j].Percentage.Max()
	})
	report.Total = len(report.Alerts)

	s.cache.PutList(ctx, name, report)
	return report, nil
}

func alertFor(q *Quota, threshold float64) (Alert, bool) {
	p := q.UsagePercentage()
	var warnings []string
	check := func(label string, v float64) {
		if v >= threshold {
			warnings = append(warnings, fmt.Sprintf("%s quota usage %.1f%%", label, v))
		}
	}
	check("device", p.Devices)
	check("CPU", p.CPU)
	check("memory", p.Memory)
	check("storage", p.Storage)
	check("traffic", p.Traffic)
	check("usage hours", p.Hours)
	if len(warnings) == 0 {
		return Alert{}, false
	}

	plan := q.PlanName
	if plan == "" {
		plan = "unknown plan"
	}
	sev := SeverityWarning
	if p.Max() >= criticalPercentage {
		sev = SeverityCritical
	}
	return Alert{
		UserID:     q.UserID,
		QuotaID:    q.ID,
		PlanName:   plan,
		Percentage: p,
		Warnings:   warnings,
		Severity:   sev,
	}, true
}

// LiveQuotas returns every active or exceeded quota straight from the store.
func (s *Service) LiveQuotas(ctx context.Context) ([]*Quota, error) {
	quotas, err := s.store.ListLive(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing live quotas: %w", err)
	}
	return quotas, nil
}

// ResetUsage zeroes the usage fields owned by window on every live quota and
// drops the whole quota cache.
func (s *Service) ResetUsage(ctx context.Context, w Window) (int64, error) {
	keys := w.usageKeys()
	if keys == nil {
		return 0, fmt.Errorf("%w: unknown reset window %q", ErrInvalidRequest, w)
	}

	changed, err := s.store.ResetUsage(ctx, keys, s.now())
	if err != nil {
		return 0, fmt.Errorf("resetting %s usage: %w", w, err)
	}
	s.cache.InvalidateAll(ctx, changed)
	return int64(len(changed)), nil
}

// ExpireStale moves every live quota whose validity has ended to expired.
// Running it twice is harmless.
func (s *Service) ExpireStale(ctx context.Context) ([]*Quota, error) {
	expired, err := s.store.ExpireStale(ctx, s.now())
	if err != nil {
		return nil, err
	}
	for _, q := range expired {
		slog.Warn("ledger: quota expired", "user_id", q.UserID, "quota_id", q.ID)
		s.cache.InvalidateUser(ctx, q.UserID, q.Version)
		s.emit(ctx, ActionExpired, q, "")
	}
	return expired, nil
}

// Publish forwards an event that did not originate from a ledger mutation,
// such as a usage alert.
func (s *Service) Publish(ctx context.Context, action Action, data any) error {
	return s.events.Publish(ctx, action.Subject(), data)
}

func observe(op string, start time.Time, errp *error) {
	metrics.LedgerOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.LedgerOperationsTotal.WithLabelValues(op, outcome(*errp)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrQuotaNotFound):
		return "not_found"
	case errors.Is(err, ErrQuotaExpired):
		return "expired"
	case errors.Is(err, ErrActiveQuotaExists):
		return "conflict"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnsupportedDimension):
		return "invalid"
	}
	return "error"
}
