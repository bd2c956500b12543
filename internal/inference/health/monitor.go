package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/edgeinfer/internal/core/domain"
	"github.com/vietddude/edgeinfer/internal/inference/engine"
	"github.com/vietddude/edgeinfer/internal/infra/accelerator"
	"github.com/vietddude/edgeinfer/internal/infra/sysmetrics"
)

// DefaultErrorWindow is how far back Error-severity reports degrade the system.
const DefaultErrorWindow = time.Minute

// RecoveryView is the part of the recovery engine the monitor reads.
type RecoveryView interface {
	IsSystemHealthy() bool
	GetSystemStatus() string
	GetErrorHistory() []domain.ErrorContext
}

// EngineView is the part of the inference engine the monitor reads.
type EngineView interface {
	Status() engine.Status
	Accelerator() accelerator.Accelerator
}

type backendStats interface {
	AverageLatency() time.Duration
	ErrorRate() float64
}

// Monitor aggregates health status from the recovery engine and the
// inference engine.
type Monitor struct {
	recovery RecoveryView
	engine   EngineView
	counters sysmetrics.Reader
	window   time.Duration
	now      func() time.Time

	mu         sync.RWMutex
	lastReport HealthReport
}

// NewMonitor creates a new health monitor. engine and counters may be nil.
func NewMonitor(recovery RecoveryView, engine EngineView, counters sysmetrics.Reader) *Monitor {
	return &Monitor{
		recovery: recovery,
		engine:   engine,
		counters: counters,
		window:   DefaultErrorWindow,
		now:      time.Now,
	}
}

// CheckHealth builds a fresh report.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	now := m.now()
	history := m.recovery.GetErrorHistory()

	report := HealthReport{
		SystemStatus:  StatusHealthy,
		Healthy:       m.recovery.IsSystemHealthy(),
		StatusMessage: m.recovery.GetSystemStatus(),
		TotalErrors:   len(history),
		CheckedAt:     now,
	}

	for i := len(history) - 1; i >= 0; i-- {
		ec := history[i]
		if now.Sub(ec.Timestamp) > m.window {
			break
		}
		if ec.Severity == domain.SeverityError || ec.Severity == domain.SeverityCritical {
			report.RecentErrors++
		}
	}

	if m.engine != nil {
		report.Engine = m.engine.Status()
		report.Backend = backendHealth(m.engine.Accelerator())
	}

	if m.counters != nil {
		report.Device = readDevice(ctx, m.counters)
	}

	switch {
	case !report.Healthy:
		report.SystemStatus = StatusCritical
	case report.Engine.UsingFallback || report.RecentErrors > 0:
		report.SystemStatus = StatusDegraded
	}

	m.mu.Lock()
	m.lastReport = report
	m.mu.Unlock()
	return report
}

// LastReport returns the most recent report without re-evaluating.
func (m *Monitor) LastReport() HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastReport
}

// RecentErrors returns up to limit history entries, newest first.
func (m *Monitor) RecentErrors(limit int) []domain.ErrorContext {
	history := m.recovery.GetErrorHistory()
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	out := make([]domain.ErrorContext, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	return out
}

func backendHealth(a accelerator.Accelerator) BackendHealth {
	if a == nil {
		return BackendHealth{}
	}
	bh := BackendHealth{
		Name:         a.Name(),
		State:        string(a.State()),
		Available:    a.IsAvailable(),
		PowerProfile: string(a.GetCurrentPowerProfile()),
		Driver:       a.GetDriverVersion(),
		Firmware:     a.GetFirmwareVersion(),
	}
	if s, ok := a.(backendStats); ok {
		bh.AvgLatencyMs = float64(s.AverageLatency()) / float64(time.Millisecond)
		bh.ErrorRate = s.ErrorRate()
	}
	return bh
}

// readDevice collects the counters the host exposes. Missing ones stay nil.
func readDevice(ctx context.Context, r sysmetrics.Reader) *DeviceHealth {
	read := func(f func(context.Context) (float64, error)) *float64 {
		v, err := f(ctx)
		if err != nil {
			return nil
		}
		return &v
	}
	return &DeviceHealth{
		MemoryMB:     read(r.MemoryMB),
		CPUPercent:   read(r.CPUPercent),
		TemperatureC: read(r.TemperatureC),
		PowerMW:      read(r.PowerMW),
	}
}
