// Package health provides system health monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/edgeinfer/internal/inference/engine"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// BackendHealth contains health metrics for the preferred compute backend.
type BackendHealth struct {
	Name         string  `json:"name"`
	State        string  `json:"state"`
	Available    bool    `json:"available"`
	PowerProfile string  `json:"power_profile"`
	Driver       string  `json:"driver"`
	Firmware     string  `json:"firmware"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	ErrorRate    float64 `json:"error_rate"`
}

// DeviceHealth contains host counters. Counters the host does not expose are omitted.
type DeviceHealth struct {
	MemoryMB     *float64 `json:"memory_mb,omitempty"`
	CPUPercent   *float64 `json:"cpu_percent,omitempty"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	PowerMW      *float64 `json:"power_mw,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus  SystemStatus  `json:"system_status"`
	Healthy       bool          `json:"healthy"`
	StatusMessage string        `json:"status_message"`
	RecentErrors  int           `json:"recent_errors"`
	TotalErrors   int           `json:"total_errors"`
	Backend       BackendHealth `json:"backend"`
	Engine        engine.Status `json:"engine"`
	Device        *DeviceHealth `json:"device,omitempty"`
	CheckedAt     time.Time     `json:"checked_at"`
}
