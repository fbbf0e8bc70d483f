package quota

import (
	"time"

	"github.com/google/uuid"
)

// DeviceConfig describes the per-device resources of a device about to be
// provisioned. MemoryGB is compared against the MB-denominated per-device
// ceiling after conversion.
type DeviceConfig struct {
	CPUCores  int     `json:"cpu_cores,omitempty" validate:"gte=0"`
	MemoryGB  float64 `json:"memory_gb,omitempty" validate:"gte=0"`
	StorageGB float64 `json:"storage_gb,omitempty" validate:"gte=0"`
}

// CheckRequest asks whether requestedAmount of a dimension is still available.
type CheckRequest struct {
	UserID          uuid.UUID     `json:"user_id" validate:"required"`
	Dimension       Dimension     `json:"dimension" validate:"required,oneof=device cpu memory storage bandwidth duration"`
	RequestedAmount float64       `json:"requested_amount" validate:"gte=0"`
	DeviceConfig    *DeviceConfig `json:"device_config,omitempty"`
}

// CheckResult is the outcome of CheckQuota. Remaining is nil when a
// per-device ceiling was violated, since no aggregate headroom applies.
type CheckResult struct {
	Allowed   bool     `json:"allowed"`
	Reason    string   `json:"reason,omitempty"`
	Remaining *float64 `json:"remaining,omitempty"`
	Quota     *Quota   `json:"quota,omitempty"`
}

// UsageDelta is the payload of DeductQuota and RestoreQuota. Every amount is
// non-negative; restore subtracts and clamps at zero.
type UsageDelta struct {
	UserID      uuid.UUID `json:"user_id" validate:"required"`
	DeviceCount int       `json:"device_count,omitempty" validate:"gte=0"`
	CPUCores    int       `json:"cpu_cores,omitempty" validate:"gte=0"`
	MemoryGB    float64   `json:"memory_gb,omitempty" validate:"gte=0"`
	StorageGB   float64   `json:"storage_gb,omitempty" validate:"gte=0"`
	TrafficGB   float64   `json:"traffic_gb,omitempty" validate:"gte=0"`
	UsageHours  float64   `json:"usage_hours,omitempty" validate:"gte=0"`
	Concurrent  bool      `json:"concurrent,omitempty"`
}

func (d UsageDelta) negative() bool {
	return d.DeviceCount < 0 || d.CPUCores < 0 || d.MemoryGB < 0 ||
		d.StorageGB < 0 || d.TrafficGB < 0 || d.UsageHours < 0
}

// CreateRequest creates a user's quota with zeroed usage.
type CreateRequest struct {
	UserID     uuid.UUID  `json:"user_id" validate:"required"`
	PlanID     string     `json:"plan_id,omitempty"`
	PlanName   string     `json:"plan_name,omitempty"`
	Limits     Limits     `json:"limits"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	AutoRenew  bool       `json:"auto_renew"`
	Notes      string     `json:"notes,omitempty"`
}

// UpdateRequest is a partial update; nil fields are left untouched.
type UpdateRequest struct {
	Limits     *LimitsPatch `json:"limits,omitempty"`
	Status     *Status      `json:"status,omitempty"`
	ValidFrom  *time.Time   `json:"valid_from,omitempty"`
	ValidUntil *time.Time   `json:"valid_until,omitempty"`
	AutoRenew  *bool        `json:"auto_renew,omitempty"`
	Notes      *string      `json:"notes,omitempty"`
}

// Remaining is the headroom per dimension. Values may be negative while a
// quota is exceeded.
type Remaining struct {
	Devices int     `json:"devices"`
	CPU     float64 `json:"cpu"`
	Memory  float64 `json:"memory"`
	Storage float64 `json:"storage"`
	Traffic float64 `json:"traffic"`
	Hours   float64 `json:"hours"`
}

// UsageStats is the response of GetUsageStats.
type UsageStats struct {
	Quota      *Quota      `json:"quota"`
	Percentage Percentages `json:"percentage"`
	Remaining  Remaining   `json:"remaining"`
	Alerts     []string    `json:"alerts"`
}

// Severity of a usage alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert describes one live quota above the alert threshold.
type Alert struct {
	UserID     uuid.UUID   `json:"user_id"`
	QuotaID    uuid.UUID   `json:"quota_id"`
	PlanName   string      `json:"plan_name"`
	Percentage Percentages `json:"percentage"`
	Warnings   []string    `json:"warnings"`
	Severity   Severity    `json:"severity"`
}

// AlertReport is the aggregate list view returned by Alerts.
type AlertReport struct {
	Threshold float64 `json:"threshold"`
	Total     int     `json:"total"`
	Alerts    []Alert `json:"alerts"`
}
