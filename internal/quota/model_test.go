package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Live(t *testing.T) {
	assert.True(t, StatusActive.Live())
	assert.True(t, StatusExceeded.Live())
	assert.False(t, StatusSuspended.Live())
	assert.False(t, StatusExpired.Live())
	assert.False(t, Status("paused").Valid())
}

func TestQuota_IsExpired(t *testing.T) {
	now := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	q := &Quota{Status: StatusActive}
	assert.False(t, q.IsExpired(now), "no validUntil never expires")

	until := now.Add(-time.Second)
	q.ValidUntil = &until
	assert.True(t, q.IsExpired(now))
	assert.False(t, q.IsActive(now))
}

func TestQuota_OverLimitIgnoresWindowedUsage(t *testing.T) {
	q := &Quota{
		Limits: Limits{MaxDevices: 2, MonthlyTrafficGB: 10, MaxUsageHoursPerMonth: 1},
		Usage:  Usage{CurrentDevices: 2, MonthlyTrafficUsedGB: 50, MonthlyUsageHours: 5},
	}
	assert.False(t, q.OverLimit())

	q.Usage.CurrentDevices = 3
	assert.True(t, q.OverLimit())
}

func TestLimits_MaxMemoryGBPerDevice(t *testing.T) {
	assert.Equal(t, 4.0, Limits{MaxMemoryMBPerDevice: 4096}.MaxMemoryGBPerDevice())
	assert.Equal(t, 0.5, Limits{MaxMemoryMBPerDevice: 512}.MaxMemoryGBPerDevice())
}

func TestLimitsPatch_Apply(t *testing.T) {
	devices, traffic := 20, 250.0
	got := LimitsPatch{MaxDevices: &devices, MonthlyTrafficGB: &traffic}.Apply(Limits{MaxDevices: 5, TotalCPUCores: 8})

	assert.Equal(t, 20, got.MaxDevices)
	assert.Equal(t, 250.0, got.MonthlyTrafficGB)
	assert.Equal(t, 8, got.TotalCPUCores)
}

func TestPercentages_Max(t *testing.T) {
	p := Percentages{Devices: 10, CPU: 85, Hours: 40}
	assert.Equal(t, 85.0, p.Max())
}

func TestQuota_CloneIsDeep(t *testing.T) {
	until := time.Now()
	q := &Quota{ValidUntil: &until}
	c := q.Clone()
	*c.ValidUntil = until.Add(time.Hour)
	assert.True(t, q.ValidUntil.Equal(until))
}
