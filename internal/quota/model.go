package quota

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a quota record.
type Status string

const (
	StatusActive    Status = "active"
	StatusExceeded  Status = "exceeded"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
)

// Live reports whether the status belongs to a user's current quota.
// A user has at most one live quota at any time.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusExceeded
}

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusExceeded, StatusSuspended, StatusExpired:
		return true
	}
	return false
}

// Dimension is a resource axis that CheckQuota can be asked about.
type Dimension string

const (
	DimensionDevice    Dimension = "device"
	DimensionCPU       Dimension = "cpu"
	DimensionMemory    Dimension = "memory"
	DimensionStorage   Dimension = "storage"
	DimensionBandwidth Dimension = "bandwidth"
	DimensionDuration  Dimension = "duration"
)

// Limits holds the resource ceilings of a quota. Units are part of the field
// names and must be respected: per-device memory is in MB while every
// aggregate memory figure is in GB.
type Limits struct {
	MaxDevices           int `json:"max_devices" validate:"gte=0"`
	MaxConcurrentDevices int `json:"max_concurrent_devices" validate:"gte=0"`

	MaxCPUCoresPerDevice  int `json:"max_cpu_cores_per_device" validate:"gte=0"`
	MaxMemoryMBPerDevice  int `json:"max_memory_mb_per_device" validate:"gte=0"`
	MaxStorageGBPerDevice int `json:"max_storage_gb_per_device" validate:"gte=0"`

	TotalCPUCores  int `json:"total_cpu_cores" validate:"gte=0"`
	TotalMemoryGB  int `json:"total_memory_gb" validate:"gte=0"`
	TotalStorageGB int `json:"total_storage_gb" validate:"gte=0"`

	MaxBandwidthMbps int     `json:"max_bandwidth_mbps" validate:"gte=0"`
	MonthlyTrafficGB float64 `json:"monthly_traffic_gb" validate:"gte=0"`

	MaxUsageHoursPerDay   int `json:"max_usage_hours_per_day" validate:"gte=0"`
	MaxUsageHoursPerMonth int `json:"max_usage_hours_per_month" validate:"gte=0"`
}

// Usage holds the running consumption totals of a quota.
type Usage struct {
	CurrentDevices           int `json:"current_devices"`
	CurrentConcurrentDevices int `json:"current_concurrent_devices"`

	UsedCPUCores  int     `json:"used_cpu_cores"`
	UsedMemoryGB  float64 `json:"used_memory_gb"`
	UsedStorageGB float64 `json:"used_storage_gb"`

	CurrentBandwidthMbps float64 `json:"current_bandwidth_mbps"`
	MonthlyTrafficUsedGB float64 `json:"monthly_traffic_used_gb"`

	TodayUsageHours   float64 `json:"today_usage_hours"`
	MonthlyUsageHours float64 `json:"monthly_usage_hours"`

	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// touch stamps a mutation. A clock that steps back never moves
// LastUpdatedAt back.
func (u *Usage) touch(now time.Time) {
	if now.After(u.LastUpdatedAt) {
		u.LastUpdatedAt = now
	}
}

// JSONB keys of the time-windowed usage fields zeroed by the reset jobs.
const (
	usageKeyMonthlyTraffic = "monthly_traffic_used_gb"
	usageKeyMonthlyHours   = "monthly_usage_hours"
	usageKeyTodayHours     = "today_usage_hours"
	usageKeyLastUpdated    = "last_updated_at"
)

// Quota is the per-user aggregate of limits and usage.
type Quota struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	PlanID     string     `json:"plan_id,omitempty"`
	PlanName   string     `json:"plan_name,omitempty"`
	Status     Status     `json:"status"`
	Limits     Limits     `json:"limits"`
	Usage      Usage      `json:"usage"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	AutoRenew  bool       `json:"auto_renew"`
	Notes      string     `json:"notes,omitempty"`
	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Percentages maps a dimension name to its usage in the range 0–100.
type Percentages struct {
	Devices float64 `json:"devices"`
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Storage float64 `json:"storage"`
	Traffic float64 `json:"traffic"`
	Hours   float64 `json:"hours"`
}

// Max returns the highest percentage across all dimensions.
func (p Percentages) Max() float64 {
	m := p.Devices
	for _, v := range []float64{p.CPU, p.Memory, p.Storage, p.Traffic, p.Hours} {
		if v > m {
			m = v
		}
	}
	return m
}

// Clone returns a deep copy.
func (q *Quota) Clone() *Quota {
	c := *q
	if q.ValidUntil != nil {
		t := *q.ValidUntil
		c.ValidUntil = &t
	}
	return &c
}

// IsExpired reports whether the validity window has passed at now.
func (q *Quota) IsExpired(now time.Time) bool {
	return q.ValidUntil != nil && now.After(*q.ValidUntil)
}

// IsActive reports whether the quota is active and not expired at now.
func (q *Quota) IsActive(now time.Time) bool {
	return q.Status == StatusActive && !q.IsExpired(now)
}

func (q *Quota) HasAvailableDeviceQuota(count float64) bool {
	return float64(q.Usage.CurrentDevices)+count <= float64(q.Limits.MaxDevices)
}

func (q *Quota) HasAvailableCPUQuota(cores float64) bool {
	return float64(q.Usage.UsedCPUCores)+cores <= float64(q.Limits.TotalCPUCores)
}

func (q *Quota) HasAvailableMemoryQuota(gb float64) bool {
	return q.Usage.UsedMemoryGB+gb <= float64(q.Limits.TotalMemoryGB)
}

func (q *Quota) HasAvailableStorageQuota(gb float64) bool {
	return q.Usage.UsedStorageGB+gb <= float64(q.Limits.TotalStorageGB)
}

func (q *Quota) HasAvailableTrafficQuota(gb float64) bool {
	return q.RemainingTrafficGB() >= gb
}

func (q *Quota) HasAvailableDurationQuota(hours float64) bool {
	return q.RemainingHours() >= hours
}

// RemainingDevices never goes below zero.
func (q *Quota) RemainingDevices() int {
	return max(0, q.Limits.MaxDevices-q.Usage.CurrentDevices)
}

func (q *Quota) RemainingCPUCores() float64 {
	return float64(q.Limits.TotalCPUCores - q.Usage.UsedCPUCores)
}

func (q *Quota) RemainingMemoryGB() float64 {
	return float64(q.Limits.TotalMemoryGB) - q.Usage.UsedMemoryGB
}

func (q *Quota) RemainingStorageGB() float64 {
	return float64(q.Limits.TotalStorageGB) - q.Usage.UsedStorageGB
}

func (q *Quota) RemainingTrafficGB() float64 {
	return q.Limits.MonthlyTrafficGB - q.Usage.MonthlyTrafficUsedGB
}

func (q *Quota) RemainingHours() float64 {
	return float64(q.Limits.MaxUsageHoursPerMonth) - q.Usage.MonthlyUsageHours
}

// UsagePercentage computes per-dimension usage. A zero limit yields 0.
func (q *Quota) UsagePercentage() Percentages {
	return Percentages{
		Devices: percent(float64(q.Usage.CurrentDevices), float64(q.Limits.MaxDevices)),
		CPU:     percent(float64(q.Usage.UsedCPUCores), float64(q.Limits.TotalCPUCores)),
		Memory:  percent(q.Usage.UsedMemoryGB, float64(q.Limits.TotalMemoryGB)),
		Storage: percent(q.Usage.UsedStorageGB, float64(q.Limits.TotalStorageGB)),
		Traffic: percent(q.Usage.MonthlyTrafficUsedGB, q.Limits.MonthlyTrafficGB),
		Hours:   percent(q.Usage.MonthlyUsageHours, float64(q.Limits.MaxUsageHoursPerMonth)),
	}
}

func percent(used, limit float64) float64 {
	if limit == 0 {
		return 0
	}
	return used / limit * 100
}

// OverLimit reports whether any capacity dimension (devices, CPU, memory,
// storage) is above its ceiling. Windowed dimensions are excluded: they are
// zeroed by the reset jobs, which do not re-evaluate status.
func (q *Quota) OverLimit() bool {
	return q.Usage.CurrentDevices > q.Limits.MaxDevices ||
		q.Usage.UsedCPUCores > q.Limits.TotalCPUCores ||
		q.Usage.UsedMemoryGB > float64(q.Limits.TotalMemoryGB) ||
		q.Usage.UsedStorageGB > float64(q.Limits.TotalStorageGB)
}

// MaxMemoryGBPerDevice converts the MB-denominated per-device ceiling to GB,
// the unit device requests are expressed in.
func (l Limits) MaxMemoryGBPerDevice() float64 {
	return float64(l.MaxMemoryMBPerDevice) / 1024
}

// LimitsPatch is a partial update of Limits; nil fields are left untouched.
type LimitsPatch struct {
	MaxDevices            *int     `json:"max_devices,omitempty" validate:"omitempty,gte=0"`
	MaxConcurrentDevices  *int     `json:"max_concurrent_devices,omitempty" validate:"omitempty,gte=0"`
	MaxCPUCoresPerDevice  *int     `json:"max_cpu_cores_per_device,omitempty" validate:"omitempty,gte=0"`
	MaxMemoryMBPerDevice  *int     `json:"max_memory_mb_per_device,omitempty" validate:"omitempty,gte=0"`
	MaxStorageGBPerDevice *int     `json:"max_storage_gb_per_device,omitempty" validate:"omitempty,gte=0"`
	TotalCPUCores         *int     `json:"total_cpu_cores,omitempty" validate:"omitempty,gte=0"`
	TotalMemoryGB         *int     `json:"total_memory_gb,omitempty" validate:"omitempty,gte=0"`
	TotalStorageGB        *int     `json:"total_storage_gb,omitempty" validate:"omitempty,gte=0"`
	MaxBandwidthMbps      *int     `json:"max_bandwidth_mbps,omitempty" validate:"omitempty,gte=0"`
	MonthlyTrafficGB      *float64 `json:"monthly_traffic_gb,omitempty" validate:"omitempty,gte=0"`
	MaxUsageHoursPerDay   *int     `json:"max_usage_hours_per_day,omitempty" validate:"omitempty,gte=0"`
	MaxUsageHoursPerMonth *int     `json:"max_usage_hours_per_month,omitempty" validate:"omitempty,gte=0"`
}

// Apply merges the patch into l.
func (p LimitsPatch) Apply(l Limits) Limits {
	setInt(&l.MaxDevices, p.MaxDevices)
	setInt(&l.MaxConcurrentDevices, p.MaxConcurrentDevices)
	setInt(&l.MaxCPUCoresPerDevice, p.MaxCPUCoresPerDevice)
	setInt(&l.MaxMemoryMBPerDevice, p.MaxMemoryMBPerDevice)
	setInt(&l.MaxStorageGBPerDevice, p.MaxStorageGBPerDevice)
	setInt(&l.TotalCPUCores, p.TotalCPUCores)
	setInt(&l.TotalMemoryGB, p.TotalMemoryGB)
	setInt(&l.TotalStorageGB, p.TotalStorageGB)
	setInt(&l.MaxBandwidthMbps, p.MaxBandwidthMbps)
	setInt(&l.MaxUsageHoursPerDay, p.MaxUsageHoursPerDay)
	setInt(&l.MaxUsageHoursPerMonth, p.MaxUsageHoursPerMonth)
	if p.MonthlyTrafficGB != nil {
		l.MonthlyTrafficGB = *p.MonthlyTrafficGB
	}
	return l
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
