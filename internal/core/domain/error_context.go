package domain

import "time"

// Severity of a reported error.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Category groups errors by the subsystem they come from.
type Category string

const (
	CategoryHardware Category = "hardware"
	CategoryModel    Category = "model"
	CategoryMemory   Category = "memory"
	CategorySystem   Category = "system"
	CategorySecurity Category = "security"
	CategoryNetwork  Category = "network"
)

// DeviceSnapshot captures the host environment at the time of an error.
type DeviceSnapshot struct {
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	Arch            string `json:"arch"`
	Hostname        string `json:"hostname"`
}

// String renders the snapshot as a single line.
func (s DeviceSnapshot) String() string {
	if s.OS == "" && s.Platform == "" {
		return "unknown device"
	}
	return s.Platform + " " + s.PlatformVersion + " (" + s.OS + "/" + s.Arch + ", kernel " + s.KernelVersion + ")"
}

// ErrorContext is a single entry of the error history.
type ErrorContext struct {
	ID        string         `json:"id"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Category  Category       `json:"category"`
	Component string         `json:"component"`
	Snapshot  DeviceSnapshot `json:"snapshot"`
	Timestamp time.Time      `json:"timestamp"`
}
