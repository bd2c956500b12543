package accelerator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/edgeinfer/internal/core/domain"
	"github.com/vietddude/edgeinfer/internal/infra/model"
)

// vendorBackend drives a VendorRuntime through the backend lifecycle.
// Hexagon and NeuroPilot add their vendor-specific controls on top.
type vendorBackend struct {
	*Base
	rt     VendorRuntime
	levels map[domain.PowerProfile]int

	// onReady applies vendor tuning after Open, with opMu held.
	onReady func() error

	opMu         sync.Mutex
	appliedLevel int
	model        model.Model
	lastLatency  time.Duration
	lastErr      *Error
}

func newVendorBackend(
	name string,
	ops []string,
	levels map[domain.PowerProfile]int,
	rt VendorRuntime,
	log *slog.Logger,
) *vendorBackend {
	return &vendorBackend{
		Base:         NewBase(name, ops, log),
		rt:           rt,
		levels:       levels,
		appliedLevel: -1,
	}
}

func (v *vendorBackend) Initialize(ctx context.Context) error {
	proceed, err := v.initGuard()
	if !proceed {
		return err
	}

	v.opMu.Lock()
	defer v.opMu.Unlock()
	if proceed, err = v.initGuard(); !proceed {
		return err
	}

	if err := v.rt.Probe(); err != nil {
		return v.failInit(err)
	}
	if err := v.rt.Open(ctx); err != nil {
		return v.failInit(err)
	}
	v.setVersions(v.rt.DriverVersion(), v.rt.FirmwareVersion())

	level := v.levels[v.GetCurrentPowerProfile()]
	if err := v.rt.SetPowerLevel(level); err != nil {
		_ = v.rt.Close()
		return v.failInit(err)
	}
	v.appliedLevel = level

	if v.onReady != nil {
		if err := v.onReady(); err != nil {
			_ = v.rt.Close()
			return v.failInit(err)
		}
	}
	if v.model != nil {
		if err := v.rt.Compile(v.model); err != nil {
			_ = v.rt.Close()
			return v.failInit(err)
		}
	}

	v.log.Info("Backend initialized",
		"driver", v.GetDriverVersion(),
		"firmware", v.GetFirmwareVersion(),
		"power_level", level,
	)
	return v.transition(StateReady, "initialized")
}

// failInit moves to the terminal Failed state. Caller holds opMu.
func (v *vendorBackend) failInit(cause error) error {
	e := newError(v.name, "initialize", CodeHardware, cause)
	v.lastErr = e
	if err := v.transition(StateFailed, cause.Error()); err != nil {
		v.log.Error("Failed to record backend failure", "error", err)
	}
	v.log.Warn("Backend initialization failed", "error", cause)
	return e
}

func (v *vendorBackend) IsAvailable() bool {
	return v.State() == StateReady && v.rt.Probe() == nil
}

func (v *vendorBackend) RunInference(ctx context.Context, input []float32) ([]float32, *domain.PerformanceMetrics, error) {
	if err := v.requireReady("run_inference"); err != nil {
		return nil, nil, err
	}
	if len(input) == 0 {
		return nil, nil, newError(v.name, "run_inference", CodeInvalidInput, errors.New("empty input"))
	}

	v.opMu.Lock()
	defer v.opMu.Unlock()

	start := time.Now()
	out, stats, err := v.rt.Execute(ctx, input)
	elapsed := time.Since(start)
	v.lastLatency = elapsed
	if err != nil {
		v.recordFailure()
		e := newError(v.name, "run_inference", CodeHardware, err)
		v.lastErr = e
		return nil, nil, e
	}

	pm := domain.PerformanceMetrics{
		InferenceTimeMs:    millis(elapsed),
		PowerMw:            stats.PowerMw,
		UtilizationPercent: stats.UtilizationPercent,
	}
	v.recordSuccess(pm, elapsed)
	return out, &pm, nil
}

// SetPowerProfile maps the profile to a vendor power level. Repeating the
// current profile does not touch the driver.
func (v *vendorBackend) SetPowerProfile(p domain.PowerProfile) error {
	level, ok := v.levels[p]
	if !ok {
		return newError(v.name, "set_power_profile", CodeInvalidInput, nil)
	}
	if v.State() == StateReleased {
		return newError(v.name, "set_power_profile", CodeReleased, nil)
	}

	v.opMu.Lock()
	defer v.opMu.Unlock()

	if v.State() == StateReady && v.appliedLevel != level {
		if err := v.rt.SetPowerLevel(level); err != nil {
			e := newError(v.name, "set_power_profile", CodeHardware, err)
			v.lastErr = e
			return e
		}
		v.appliedLevel = level
	}
	v.setProfile(p)
	return nil
}

// BindModel hands the model to the vendor compiler, now or at Initialize.
func (v *vendorBackend) BindModel(m model.Model) error {
	v.opMu.Lock()
	defer v.opMu.Unlock()

	v.model = m
	if v.State() != StateReady {
		return nil
	}
	if err := v.rt.Compile(m); err != nil {
		e := newError(v.name, "bind_model", CodeHardware, err)
		v.lastErr = e
		return e
	}
	return nil
}

func (v *vendorBackend) ReleaseResources() error {
	v.opMu.Lock()
	defer v.opMu.Unlock()

	v.model = nil
	switch v.State() {
	case StateReleased, StateFailed:
		return nil
	case StateReady:
		if err := v.rt.Close(); err != nil {
			v.log.Warn("Vendor runtime close failed", "error", err)
		}
	}
	v.appliedLevel = -1
	return v.transition(StateReleased, "released")
}

func (v *vendorBackend) ResetState() error {
	if err := v.requireReady("reset_state"); err != nil {
		return err
	}
	v.opMu.Lock()
	v.lastErr = nil
	v.lastLatency = 0
	v.opMu.Unlock()
	v.clearStats()
	return nil
}

// GetLastInferenceTime returns the duration of the last execute call.
func (v *vendorBackend) GetLastInferenceTime() time.Duration {
	v.opMu.Lock()
	defer v.opMu.Unlock()
	return v.lastLatency
}

// GetLastErrorCode returns the code of the last failure, or CodeOK.
func (v *vendorBackend) GetLastErrorCode() Code {
	v.opMu.Lock()
	defer v.opMu.Unlock()
	if v.lastErr == nil {
		return CodeOK
	}
	return v.lastErr.Code
}

// GetLastErrorMessage returns the message of the last failure, or "".
func (v *vendorBackend) GetLastErrorMessage() string {
	v.opMu.Lock()
	defer v.opMu.Unlock()
	if v.lastErr == nil {
		return ""
	}
	return v.lastErr.Error()
}

// wrapTuning codes a vendor tuning failure. Caller holds opMu.
func (v *vendorBackend) wrapTuning(op string, err error) error {
	if err == nil {
		return nil
	}
	e := newError(v.name, op, CodeHardware, err)
	v.lastErr = e
	return e
}
