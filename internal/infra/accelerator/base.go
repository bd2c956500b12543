package accelerator

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/edgeinfer/internal/core/domain"
	"github.com/vietddude/edgeinfer/internal/inference/metrics"
)

const latencyWindow = 100

// Base implements the bookkeeping shared by all backends:
// lifecycle, power profile, supported operations and call statistics.
type Base struct {
	name string
	ops  []string
	log  *slog.Logger

	mu              sync.RWMutex
	state           State
	lastTransition  Transition
	profile         domain.PowerProfile
	last            domain.PerformanceMetrics
	driverVersion   string
	firmwareVersion string

	recentLatencies []time.Duration
	successCount    int
	failureCount    int
}

// NewBase creates a Base in the Uninitialized state.
func NewBase(name string, ops []string, log *slog.Logger) *Base {
	if log == nil {
		log = slog.Default()
	}
	b := &Base{
		name:            name,
		ops:             slices.Clone(ops),
		log:             log.With("backend", name),
		state:           StateUninitialized,
		profile:         domain.PowerProfileBalanced,
		driverVersion:   "unknown",
		firmwareVersion: "unknown",
		recentLatencies: make([]time.Duration, 0, latencyWindow),
	}
	metrics.BackendState.WithLabelValues(name).Set(stateValue(b.state))
	return b
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// LastTransition returns the most recent lifecycle change.
func (b *Base) LastTransition() Transition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastTransition
}

// transition moves to the target state if the state machine allows it.
func (b *Base) transition(to State, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := b.state
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	b.state = to
	b.lastTransition = Transition{From: from, To: to, Reason: reason, Timestamp: time.Now()}
	metrics.BackendState.WithLabelValues(b.name).Set(stateValue(to))
	b.log.Debug("Backend state changed", "from", from, "to", to, "reason", reason)
	return nil
}

// requireReady returns a coded error unless the backend is Ready.
func (b *Base) requireReady(op string) error {
	switch s := b.State(); s {
	case StateReady:
		return nil
	case StateReleased:
		return newError(b.name, op, CodeReleased, nil)
	default:
		return newError(b.name, op, CodeNotInitialized, fmt.Errorf("state %s", s))
	}
}

// initGuard reports whether Initialize should proceed.
// Ready returns (false, nil); terminal states return an error.
func (b *Base) initGuard() (bool, error) {
	switch s := b.State(); s {
	case StateReady:
		return false, nil
	case StateUninitialized:
		return true, nil
	case StateReleased:
		return false, newError(b.name, "initialize", CodeReleased, nil)
	default:
		return false, newError(b.name, "initialize", CodeHardware,
			fmt.Errorf("%w: backend is %s", ErrInvalidTransition, s))
	}
}

func (b *Base) GetSupportedOperations() []string {
	return slices.Clone(b.ops)
}

func (b *Base) SupportsOperation(op string) bool {
	return slices.Contains(b.ops, op)
}

func (b *Base) GetCurrentPowerProfile() domain.PowerProfile {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.profile
}

func (b *Base) setProfile(p domain.PowerProfile) {
	b.mu.Lock()
	b.profile = p
	b.mu.Unlock()
}

// GetPerformanceMetrics returns the metrics of the last successful call.
func (b *Base) GetPerformanceMetrics() domain.PerformanceMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}

func (b *Base) GetDriverVersion() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.driverVersion
}

func (b *Base) GetFirmwareVersion() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.firmwareVersion
}

func (b *Base) setVersions(driver, firmware string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if driver != "" {
		b.driverVersion = driver
	}
	if firmware != "" {
		b.firmwareVersion = firmware
	}
}

func (b *Base) Capabilities() domain.AcceleratorCapabilities {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return domain.AcceleratorCapabilities{
		Type:            b.name,
		Operations:      slices.Clone(b.ops),
		PowerProfile:    b.profile,
		DriverVersion:   b.driverVersion,
		FirmwareVersion: b.firmwareVersion,
	}
}

// recordSuccess stores the metrics of a completed call.
func (b *Base) recordSuccess(m domain.PerformanceMetrics, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	b.last = m
	b.recentLatencies = append(b.recentLatencies, latency)
	if len(b.recentLatencies) > latencyWindow {
		b.recentLatencies = b.recentLatencies[1:]
	}
}

func (b *Base) recordFailure() {
	b.mu.Lock()
	b.failureCount++
	b.mu.Unlock()
}

// clearStats drops transient call state. Lifecycle is untouched.
func (b *Base) clearStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = domain.PerformanceMetrics{}
	b.recentLatencies = b.recentLatencies[:0]
}

// AverageLatency returns the mean latency over the recent call window.
func (b *Base) AverageLatency() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range b.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(b.recentLatencies))
}

// ErrorRate returns failed calls over all calls.
func (b *Base) ErrorRate() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := b.successCount + b.failureCount
	if total == 0 {
		return 0
	}
	return float64(b.failureCount) / float64(total)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
