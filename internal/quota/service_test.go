package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/devicecloud/quotad/internal/cache"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	if ev, ok := data.(Event); ok {
		p.events = append(p.events, ev)
	}
	return nil
}

func (p *recordingPublisher) count(a Action) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Action == a {
			n++
		}
	}
	return n
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTieredCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	tiered := cache.NewTiered(cache.NewLocalBackend(100, time.Minute), cache.NewRedisBackend(rdb))
	return NewCache(tiered, 5*time.Minute, time.Minute)
}

type testEnv struct {
	svc    *Service
	store  *MemoryStore
	events *recordingPublisher
	clock  *clock
}

func setupService(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  NewMemoryStore(),
		events: &recordingPublisher{},
		clock:  &clock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)},
	}
	env.svc = NewService(env.store, newTieredCache(t), env.events, WithClock(env.clock.Now))
	return env
}

func (env *testEnv) create(t *testing.T, limits Limits) *Quota {
	t.Helper()
	q, err := env.svc.CreateQuota(context.Background(), CreateRequest{
		UserID:   uuid.New(),
		PlanName: "Pro",
		Limits:   limits,
	})
	require.NoError(t, err)
	return q
}

func standardLimits() Limits {
	return Limits{
		MaxDevices:            10,
		MaxConcurrentDevices:  5,
		MaxCPUCoresPerDevice:  4,
		MaxMemoryMBPerDevice:  8192,
		MaxStorageGBPerDevice: 64,
		TotalCPUCores:         32,
		TotalMemoryGB:         64,
		TotalStorageGB:        512,
		MonthlyTrafficGB:      100,
		MaxUsageHoursPerDay:   24,
		MaxUsageHoursPerMonth: 200,
	}
}

func TestDeduct_ConcurrentNoLostUpdates(t *testing.T) {
	env := setupService(t)
	q := env.create(t, Limits{MaxDevices: 1000})
	ctx := context.Background()

	const n = 100
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 1})
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := env.svc.GetUserQuota(ctx, q.UserID)
	require.NoError(t, err)
	assert.Equal(t, n, got.Usage.CurrentDevices)
	assert.Equal(t, int64(n+1), got.Version)
	assert.Equal(t, n, env.events.count(ActionDeducted))
}

func TestDeductRestore_DeviceScenario(t *testing.T) {
	env := setupService(t)
	q := env.create(t, Limits{MaxDevices: 10})
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 1})
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := env.svc.GetUserQuota(ctx, q.UserID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Usage.CurrentDevices)
	assert.Equal(t, StatusActive, got.Status)

	got, err = env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 2})
	require.NoError(t, err)
	assert.Equal(t, 12, got.Usage.CurrentDevices)
	assert.Equal(t, StatusExceeded, got.Status)

	got, err = env.svc.RestoreQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 3})
	require.NoError(t, err)
	assert.Equal(t, 9, got.Usage.CurrentDevices)
	assert.Equal(t, StatusActive, got.Status)
}

func TestDeduct_ExceededIsEdgeTriggered(t *testing.T) {
	env := setupService(t)
	q := env.create(t, Limits{MaxDevices: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 1})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, env.events.count(ActionExceeded))
	assert.Equal(t, 5, env.events.count(ActionDeducted))

	got, err := env.svc.RestoreQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 3})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)

	_, err = env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, env.events.count(ActionExceeded), "a new crossing emits again")
}

func TestRestore_ClampsAtZero(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())
	ctx := context.Background()

	_, err := env.svc.DeductQuota(ctx, UsageDelta{
		UserID: q.UserID, DeviceCount: 1, CPUCores: 2, MemoryGB: 1.5, StorageGB: 10,
		TrafficGB: 3, UsageHours: 2, Concurrent: true,
	})
	require.NoError(t, err)

	got, err := env.svc.RestoreQuota(ctx, UsageDelta{
		UserID: q.UserID, DeviceCount: 5, CPUCores: 8, MemoryGB: 4, StorageGB: 100,
		TrafficGB: 10, UsageHours: 10, Concurrent: true,
	})
	require.NoError(t, err)

	u := got.Usage
	assert.Zero(t, u.CurrentDevices)
	assert.Zero(t, u.CurrentConcurrentDevices)
	assert.Zero(t, u.UsedCPUCores)
	assert.Zero(t, u.UsedMemoryGB)
	assert.Zero(t, u.UsedStorageGB)
	assert.Zero(t, u.MonthlyTrafficUsedGB)
	assert.Zero(t, u.TodayUsageHours)
	assert.Zero(t, u.MonthlyUsageHours)
}

func TestDeduct_RejectsNegativeAmounts(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())

	_, err := env.svc.DeductQuota(context.Background(), UsageDelta{UserID: q.UserID, DeviceCount: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, env.events.count(ActionDeducted))
}

func TestDeduct_StampsLastUpdatedMonotonically(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())
	ctx := context.Background()

	env.clock.Advance(time.Minute)
	got, err := env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, CPUCores: 1})
	require.NoError(t, err)
	first := got.Usage.LastUpdatedAt
	assert.True(t, first.Equal(env.clock.Now()))

	env.clock.Advance(-time.Hour)
	got, err = env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, CPUCores: 1})
	require.NoError(t, err)
	assert.True(t, got.Usage.LastUpdatedAt.Equal(first), "a clock step back must not move lastUpdatedAt back")
}

func TestDeduct_NoQuota(t *testing.T) {
	env := setupService(t)

	_, err := env.svc.DeductQuota(context.Background(), UsageDelta{UserID: uuid.New(), DeviceCount: 1})
	assert.ErrorIs(t, err, ErrQuotaNotFound)
}

func TestDeduct_PublishFailureDoesNotFailMutation(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())
	env.events.fail = true

	got, err := env.svc.DeductQuota(context.Background(), UsageDelta{UserID: q.UserID, DeviceCount: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Usage.CurrentDevices)
}

func TestCheck_PerDeviceCPUCeiling(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())

	res, err := env.svc.CheckQuota(context.Background(), CheckRequest{
		UserID:          q.UserID,
		Dimension:       DimensionDevice,
		RequestedAmount: 1,
		DeviceConfig:    &DeviceConfig{CPUCores: 8},
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "per-device CPU limit exceeded")
	assert.Contains(t, res.Reason, "limit: 4 cores")
	assert.Nil(t, res.Remaining)
}

func TestCheck_PerDeviceMemoryUsesMB(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())
	ctx := context.Background()

	// 8192 MB per device is 8 GB.
	res, err := env.svc.CheckQuota(ctx, CheckRequest{
		UserID: q.UserID, Dimension: DimensionDevice, RequestedAmount: 1,
		DeviceConfig: &DeviceConfig{MemoryGB: 8},
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = env.svc.CheckQuota(ctx, CheckRequest{
		UserID: q.UserID, Dimension: DimensionDevice, RequestedAmount: 1,
		DeviceConfig: &DeviceConfig{MemoryGB: 9},
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "per-device memory limit exceeded")
}

func TestCheck_Dimensions(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())
	ctx := context.Background()

	_, err := env.svc.DeductQuota(ctx, UsageDelta{
		UserID: q.UserID, DeviceCount: 9, CPUCores: 30, MemoryGB: 60, StorageGB: 500,
		TrafficGB: 99, UsageHours: 199,
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		dim       Dimension
		amount    float64
		allowed   bool
		reason    string
		remaining float64
	}{
		{"device fits", DimensionDevice, 1, true, "", 0},
		{"device over", DimensionDevice, 2, false, "insufficient device quota (used: 9/10)", 1},
		{"cpu over", DimensionCPU, 3, false, "insufficient CPU quota (used: 30/32 cores)", 2},
		{"memory fits", DimensionMemory, 4, true, "", 0},
		{"memory over", DimensionMemory, 5, false, "insufficient memory quota (used: 60/64 GB)", 4},
		{"storage over", DimensionStorage, 13, false, "insufficient storage quota (used: 500/512 GB)", 12},
		{"bandwidth over", DimensionBandwidth, 2, false, "insufficient monthly traffic quota (used: 99/100 GB)", 1},
		{"duration over", DimensionDuration, 2, false, "insufficient monthly usage hours (used: 199/200 hours)", 1},
		{"duration fits", DimensionDuration, 1, true, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.svc.CheckQuota(ctx, CheckRequest{UserID: q.UserID, Dimension: tt.dim, RequestedAmount: tt.amount})
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, res.Allowed)
			require.NotNil(t, res.Remaining)
			if !tt.allowed {
				assert.Equal(t, tt.reason, res.Reason)
				assert.Equal(t, tt.remaining, *res.Remaining)
			}
		})
	}
}

func TestCheck_DeniedWhenNotActive(t *testing.T) {
	env := setupService(t)
	q := env.create(t, Limits{MaxDevices: 1})
	ctx := context.Background()

	_, err := env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 2})
	require.NoError(t, err)

	res, err := env.svc.CheckQuota(ctx, CheckRequest{UserID: q.UserID, Dimension: DimensionCPU})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "quota status is exceeded", res.Reason)
}

func TestCheck_InvalidInput(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	_, err := env.svc.CheckQuota(ctx, CheckRequest{UserID: uuid.New(), Dimension: "gpu", RequestedAmount: 1})
	assert.ErrorIs(t, err, ErrUnsupportedDimension)

	_, err = env.svc.CheckQuota(ctx, CheckRequest{UserID: uuid.New(), Dimension: DimensionCPU, RequestedAmount: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGetUserQuota_LazyExpiryIsIdempotent(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	until := env.clock.Now().Add(time.Hour)
	q, err := env.svc.CreateQuota(ctx, CreateRequest{UserID: uuid.New(), Limits: standardLimits(), ValidUntil: &until})
	require.NoError(t, err)

	// Warm the cache with the live record.
	_, err = env.svc.GetUserQuota(ctx, q.UserID)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)

	_, err = env.svc.GetUserQuota(ctx, q.UserID)
	assert.ErrorIs(t, err, ErrQuotaExpired)
	_, err = env.svc.GetUserQuota(ctx, q.UserID)
	assert.ErrorIs(t, err, ErrQuotaExpired)

	stored, err := env.store.GetByID(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status)
	assert.Equal(t, 1, env.events.count(ActionExpired))

	_, err = env.svc.CheckQuota(ctx, CheckRequest{UserID: q.UserID, Dimension: DimensionDevice, RequestedAmount: 1})
	assert.ErrorIs(t, err, ErrQuotaExpired)
}

func TestDeduct_ExpiredQuota(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	until := env.clock.Now().Add(time.Hour)
	q, err := env.svc.CreateQuota(ctx, CreateRequest{UserID: uuid.New(), Limits: standardLimits(), ValidUntil: &until})
	require.NoError(t, err)

	env.clock.Advance(2 * time.Hour)

	_, err = env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 1})
	assert.ErrorIs(t, err, ErrQuotaExpired)

	_, err = env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 1})
	assert.ErrorIs(t, err, ErrQuotaExpired)

	stored, err := env.store.GetByID(ctx, q.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Usage.CurrentDevices)
}

func TestCache_ReadAfterMutationIsFresh(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := env.svc.GetUserQuota(ctx, q.UserID)
		require.NoError(t, err)

		_, err = env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, CPUCores: 1})
		require.NoError(t, err)

		got, err := env.svc.GetUserQuota(ctx, q.UserID)
		require.NoError(t, err)
		assert.Equal(t, i, got.Usage.UsedCPUCores)
	}
}

func TestCreate_DuplicateLiveQuota(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())

	_, err := env.svc.CreateQuota(context.Background(), CreateRequest{UserID: q.UserID, Limits: standardLimits()})
	assert.ErrorIs(t, err, ErrActiveQuotaExists)
}

func TestCreate_AfterDeleteIsAllowed(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())
	ctx := context.Background()

	require.NoError(t, env.svc.DeleteQuota(ctx, q.ID))

	_, err := env.svc.CreateQuota(ctx, CreateRequest{UserID: q.UserID, Limits: standardLimits()})
	assert.NoError(t, err)
}

func TestCreate_InvalidWindow(t *testing.T) {
	env := setupService(t)
	from := env.clock.Now()
	until := from.Add(-time.Hour)

	_, err := env.svc.CreateQuota(context.Background(), CreateRequest{
		UserID: uuid.New(), ValidFrom: &from, ValidUntil: &until,
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestUpdate_MergesLimitsAndReevaluates(t *testing.T) {
	env := setupService(t)
	q := env.create(t, Limits{MaxDevices: 10, TotalCPUCores: 8})
	ctx := context.Background()

	_, err := env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 6})
	require.NoError(t, err)

	five := 5
	got, err := env.svc.UpdateQuota(ctx, q.ID, UpdateRequest{Limits: &LimitsPatch{MaxDevices: &five}})
	require.NoError(t, err)
	assert.Equal(t, 5, got.Limits.MaxDevices)
	assert.Equal(t, 8, got.Limits.TotalCPUCores, "unset fields are kept")
	assert.Equal(t, StatusExceeded, got.Status)
	assert.Equal(t, 1, env.events.count(ActionUpdated))

	suspended := StatusSuspended
	got, err = env.svc.UpdateQuota(ctx, q.ID, UpdateRequest{Status: &suspended})
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status)
}

func TestUpdate_UnknownQuota(t *testing.T) {
	env := setupService(t)

	_, err := env.svc.UpdateQuota(context.Background(), uuid.New(), UpdateRequest{})
	assert.ErrorIs(t, err, ErrQuotaNotFound)
}

func TestRenew_CompoundsFromFutureValidUntil(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	until := env.clock.Now().AddDate(0, 0, 10)
	q, err := env.svc.CreateQuota(ctx, CreateRequest{UserID: uuid.New(), Limits: standardLimits(), ValidUntil: &until})
	require.NoError(t, err)

	got, err := env.svc.RenewQuota(ctx, q.ID, 30)
	require.NoError(t, err)
	require.NotNil(t, got.ValidUntil)
	assert.True(t, got.ValidUntil.Equal(until.AddDate(0, 0, 30)))
	assert.Equal(t, 1, env.events.count(ActionRenewed))
}

func TestRenew_RevivesExpiredFromNow(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	until := env.clock.Now().Add(time.Hour)
	q, err := env.svc.CreateQuota(ctx, CreateRequest{UserID: uuid.New(), Limits: standardLimits(), ValidUntil: &until})
	require.NoError(t, err)

	env.clock.Advance(48 * time.Hour)
	_, err = env.svc.GetUserQuota(ctx, q.UserID)
	require.ErrorIs(t, err, ErrQuotaExpired)

	got, err := env.svc.RenewQuota(ctx, q.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.True(t, got.ValidUntil.Equal(env.clock.Now().AddDate(0, 0, 7)))

	_, err = env.svc.GetUserQuota(ctx, q.UserID)
	assert.NoError(t, err)
}

func TestRenew_RejectsNonPositiveDays(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())

	_, err := env.svc.RenewQuota(context.Background(), q.ID, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDelete_SuspendsQuota(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())
	ctx := context.Background()

	require.NoError(t, env.svc.DeleteQuota(ctx, q.ID))

	got, err := env.svc.GetUserQuota(ctx, q.UserID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status)

	res, err := env.svc.CheckQuota(ctx, CheckRequest{UserID: q.UserID, Dimension: DimensionDevice, RequestedAmount: 1})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "quota status is suspended", res.Reason)

	_, err = env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 1})
	assert.ErrorIs(t, err, ErrQuotaNotFound)
	assert.Equal(t, 1, env.events.count(ActionDeleted))
}

func TestGetUsageStats(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())
	ctx := context.Background()

	_, err := env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 9, CPUCores: 8, TrafficGB: 95})
	require.NoError(t, err)

	stats, err := env.svc.GetUsageStats(ctx, q.UserID)
	require.NoError(t, err)
	assert.InDelta(t, 90, stats.Percentage.Devices, 0.001)
	assert.InDelta(t, 25, stats.Percentage.CPU, 0.001)
	assert.Zero(t, stats.Percentage.Memory)
	assert.Equal(t, 1, stats.Remaining.Devices)
	assert.Equal(t, []string{
		"device quota usage reached 90.0%",
		"monthly traffic quota usage reached 95.0%",
	}, stats.Alerts)
}

func TestUsagePercentage_ZeroLimit(t *testing.T) {
	q := &Quota{Usage: Usage{CurrentDevices: 3}}
	assert.Zero(t, q.UsagePercentage().Devices)
}

func TestAlerts_SortedAndCachedUntilMutation(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	low := env.create(t, Limits{MaxDevices: 10})
	high := env.create(t, Limits{MaxDevices: 10})
	env.create(t, Limits{MaxDevices: 10})

	_, err := env.svc.DeductQuota(ctx, UsageDelta{UserID: low.UserID, DeviceCount: 8})
	require.NoError(t, err)
	_, err = env.svc.DeductQuota(ctx, UsageDelta{UserID: high.UserID, DeviceCount: 10})
	require.NoError(t, err)

	report, err := env.svc.Alerts(ctx, 80)
	require.NoError(t, err)
	require.Equal(t, 2, report.Total)
	assert.Equal(t, high.UserID, report.Alerts[0].UserID)
	assert.Equal(t, SeverityCritical, report.Alerts[0].Severity)
	assert.Equal(t, SeverityWarning, report.Alerts[1].Severity)
	assert.Equal(t, "Pro", report.Alerts[0].PlanName)

	_, err = env.svc.RestoreQuota(ctx, UsageDelta{UserID: high.UserID, DeviceCount: 10})
	require.NoError(t, err)

	report, err = env.svc.Alerts(ctx, 80)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total, "the list view is dropped on mutation")
}

func TestResetUsage_MonthlyKeepsCapacity(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())
	ctx := context.Background()

	_, err := env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 2, TrafficGB: 40, UsageHours: 5})
	require.NoError(t, err)
	_, err = env.svc.GetUserQuota(ctx, q.UserID)
	require.NoError(t, err)

	n, err := env.svc.ResetUsage(ctx, WindowMonthly)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := env.svc.GetUserQuota(ctx, q.UserID)
	require.NoError(t, err)
	assert.Zero(t, got.Usage.MonthlyTrafficUsedGB)
	assert.Zero(t, got.Usage.MonthlyUsageHours)
	assert.Equal(t, 5.0, got.Usage.TodayUsageHours)
	assert.Equal(t, 2, got.Usage.CurrentDevices)
}

func TestResetUsage_Daily(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())
	ctx := context.Background()

	_, err := env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, UsageHours: 5})
	require.NoError(t, err)

	_, err = env.svc.ResetUsage(ctx, WindowDaily)
	require.NoError(t, err)

	got, err := env.svc.GetUserQuota(ctx, q.UserID)
	require.NoError(t, err)
	assert.Zero(t, got.Usage.TodayUsageHours)
	assert.Equal(t, 5.0, got.Usage.MonthlyUsageHours)

	_, err = env.svc.ResetUsage(ctx, "weekly")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestExpireStale(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	until := env.clock.Now().Add(time.Hour)
	stale, err := env.svc.CreateQuota(ctx, CreateRequest{UserID: uuid.New(), Limits: standardLimits(), ValidUntil: &until})
	require.NoError(t, err)
	env.create(t, standardLimits())

	env.clock.Advance(2 * time.Hour)

	expired, err := env.svc.ExpireStale(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)

	expired, err = env.svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
	assert.Equal(t, 1, env.events.count(ActionExpired))
}

func TestService_WorksWithoutCache(t *testing.T) {
	svc := NewService(NewMemoryStore(), nil, nil)
	ctx := context.Background()

	q, err := svc.CreateQuota(ctx, CreateRequest{UserID: uuid.New(), Limits: Limits{MaxDevices: 1}})
	require.NoError(t, err)

	got, err := svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Usage.CurrentDevices)
}

func TestResetUsage_StaleLoaderIsNotCached(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())
	ctx := context.Background()

	_, err := env.svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, TrafficGB: 100})
	require.NoError(t, err)

	// A reader loads the row, then the reset commits before it caches it.
	stale, err := env.store.FindByUser(ctx, q.UserID)
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	_, err = env.svc.ResetUsage(ctx, WindowMonthly)
	require.NoError(t, err)
	_, err = env.svc.cache.GetOrLoad(ctx, q.UserID, func(context.Context) (*Quota, error) { return stale, nil })
	require.NoError(t, err)

	got, err := env.svc.GetUserQuota(ctx, q.UserID)
	require.NoError(t, err)
	assert.Zero(t, got.Usage.MonthlyTrafficUsedGB)
	assert.True(t, got.Usage.LastUpdatedAt.Equal(env.clock.Now()))

	res, err := env.svc.CheckQuota(ctx, CheckRequest{UserID: q.UserID, Dimension: DimensionBandwidth, RequestedAmount: 1})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMutations_StampLastUpdated(t *testing.T) {
	env := setupService(t)
	q := env.create(t, standardLimits())
	ctx := context.Background()

	env.clock.Advance(time.Minute)
	devices := 20
	got, err := env.svc.UpdateQuota(ctx, q.ID, UpdateRequest{Limits: &LimitsPatch{MaxDevices: &devices}})
	require.NoError(t, err)
	assert.True(t, got.Usage.LastUpdatedAt.Equal(env.clock.Now()))

	env.clock.Advance(time.Minute)
	got, err = env.svc.RenewQuota(ctx, q.ID, 30)
	require.NoError(t, err)
	assert.True(t, got.Usage.LastUpdatedAt.Equal(env.clock.Now()))

	env.clock.Advance(time.Minute)
	require.NoError(t, env.svc.DeleteQuota(ctx, q.ID))
	stored, err := env.store.GetByID(ctx, q.ID)
	require.NoError(t, err)
	assert.True(t, stored.Usage.LastUpdatedAt.Equal(env.clock.Now()))
}

// failingStore fails every locked update before anything commits.
type failingStore struct {
	*MemoryStore
	err error
}

func (s *failingStore) UpdateLocked(context.Context, uuid.UUID, MutateFunc) (*Quota, error) {
	return nil, s.err
}

func TestDeduct_StoreFailureLeavesCacheAndEvents(t *testing.T) {
	errTransient := errors.New("connection reset by peer")
	mem := NewMemoryStore()
	events := &recordingPublisher{}
	svc := NewService(&failingStore{MemoryStore: mem, err: errTransient}, newTieredCache(t), events)
	ctx := context.Background()

	q, err := svc.CreateQuota(ctx, CreateRequest{UserID: uuid.New(), PlanName: "Pro", Limits: standardLimits()})
	require.NoError(t, err)
	_, err = svc.GetUserQuota(ctx, q.UserID)
	require.NoError(t, err)
	events.mu.Lock()
	events.events = nil
	events.mu.Unlock()

	_, err = svc.DeductQuota(ctx, UsageDelta{UserID: q.UserID, DeviceCount: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, errTransient)

	events.mu.Lock()
	assert.Empty(t, events.events)
	events.mu.Unlock()

	cached, ok := svc.cache.getUser(ctx, q.UserID)
	require.True(t, ok, "the cached entry survives a failed mutation")
	assert.Equal(t, q.Version, cached.Version)
}
