// Package accelerator defines the backend contract for inference hardware
// and provides the CPU fallback plus the Hexagon DSP and NeuroPilot APU backends.
package accelerator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/edgeinfer/internal/core/domain"
	"github.com/vietddude/edgeinfer/internal/infra/model"
)

// Accelerator is the contract every compute backend implements.
type Accelerator interface {
	Name() string
	State() State

	// Initialize moves the backend to Ready. A failure is terminal.
	Initialize(ctx context.Context) error
	IsAvailable() bool

	// RunInference executes one input. Failures do not change the lifecycle state.
	RunInference(ctx context.Context, input []float32) ([]float32, *domain.PerformanceMetrics, error)

	SetPowerProfile(p domain.PowerProfile) error
	GetCurrentPowerProfile() domain.PowerProfile
	GetPerformanceMetrics() domain.PerformanceMetrics

	ReleaseResources() error
	ResetState() error

	GetSupportedOperations() []string
	SupportsOperation(op string) bool
	GetDriverVersion() string
	GetFirmwareVersion() string
	Capabilities() domain.AcceleratorCapabilities
}

// ModelBinder is implemented by backends that need the loaded model.
type ModelBinder interface {
	BindModel(m model.Model) error
}

// Kind selects a backend implementation.
type Kind string

const (
	KindAuto       Kind = "auto"
	KindCPU        Kind = "cpu"
	KindHexagon    Kind = "hexagon"
	KindNeuroPilot Kind = "neuropilot"
)

// Options configures a backend created by New.
type Options struct {
	// Runtime overrides the vendor runtime. Nil uses the device-node runtime.
	Runtime VendorRuntime
	Logger  *slog.Logger
}

// New creates a backend of the requested kind.
func New(kind Kind, opts Options) (Accelerator, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	switch kind {
	case KindCPU, "":
		return NewCPU(opts.Logger), nil
	case KindHexagon:
		rt := opts.Runtime
		if rt == nil {
			rt = NewHexagonDeviceRuntime()
		}
		return NewHexagon(rt, opts.Logger), nil
	case KindNeuroPilot:
		rt := opts.Runtime
		if rt == nil {
			rt = NewNeuroPilotDeviceRuntime()
		}
		return NewNeuroPilot(rt, opts.Logger), nil
	case KindAuto:
		return Detect(opts.Logger), nil
	default:
		return nil, fmt.Errorf("unknown accelerator kind %q", kind)
	}
}

// Detect returns the first vendor backend whose device is present, or the CPU backend.
func Detect(log *slog.Logger) Accelerator {
	if log == nil {
		log = slog.Default()
	}
	if rt := NewHexagonDeviceRuntime(); rt.Probe() == nil {
		log.Info("Detected Hexagon DSP", "driver", rt.DriverVersion())
		return NewHexagon(rt, log)
	}
	if rt := NewNeuroPilotDeviceRuntime(); rt.Probe() == nil {
		log.Info("Detected MediaTek APU", "driver", rt.DriverVersion())
		return NewNeuroPilot(rt, log)
	}
	log.Info("No vendor accelerator detected, using CPU")
	return NewCPU(log)
}
