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

var errNoModel = errors.New("no model bound")

// cpuOperations is advertised for capability queries; the CPU path accepts any operator.
var cpuOperations = []string{
	domain.OpConv2D,
	domain.OpDepthwiseConv2D,
	domain.OpFullyConnected,
	domain.OpQuantized16BitLSTM,
	domain.OpHashtableLookup,
	domain.OpSoftmax,
	domain.OpRelu,
}

// Estimated package power draw per profile, in milliwatts.
var cpuPowerMw = map[domain.PowerProfile]float64{
	domain.PowerProfileLowPower:        600,
	domain.PowerProfileBalanced:        1500,
	domain.PowerProfileHighPerformance: 3200,
}

// CPU executes the bound model in software. It is always available once initialized.
type CPU struct {
	*Base

	mu      sync.Mutex
	model   model.Model
	threads int
}

// NewCPU creates the software fallback backend.
func NewCPU(log *slog.Logger) *CPU {
	c := &CPU{
		Base:    NewBase(string(KindCPU), cpuOperations, log),
		threads: 1,
	}
	c.setVersions("go-native", "n/a")
	return c
}

func (c *CPU) Initialize(ctx context.Context) error {
	proceed, err := c.initGuard()
	if !proceed {
		return err
	}
	return c.transition(StateReady, "initialized")
}

func (c *CPU) IsAvailable() bool {
	return c.State() == StateReady
}

// SupportsOperation is true for every operator.
func (c *CPU) SupportsOperation(string) bool {
	return true
}

// BindModel sets the model executed by RunInference.
func (c *CPU) BindModel(m model.Model) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = m
	if tt, ok := m.(model.ThreadTunable); ok {
		tt.SetNumThreads(c.threads)
	}
	return nil
}

// SetNumThreads caps the goroutines a single call may use.
func (c *CPU) SetNumThreads(n int) {
	if n < 1 {
		n = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads = n
	if tt, ok := c.model.(model.ThreadTunable); ok {
		tt.SetNumThreads(n)
	}
}

func (c *CPU) RunInference(ctx context.Context, input []float32) ([]float32, *domain.PerformanceMetrics, error) {
	if err := c.requireReady("run_inference"); err != nil {
		return nil, nil, err
	}
	if len(input) == 0 {
		return nil, nil, newError(c.name, "run_inference", CodeInvalidInput, errors.New("empty input"))
	}

	c.mu.Lock()
	m := c.model
	c.mu.Unlock()
	if m == nil {
		return nil, nil, newError(c.name, "run_inference", CodeNotInitialized, errNoModel)
	}

	start := time.Now()
	out, err := m.Infer(input)
	elapsed := time.Since(start)
	if err != nil {
		c.recordFailure()
		code := CodeHardware
		if errors.Is(err, model.ErrInputShape) {
			code = CodeInvalidInput
		}
		return nil, nil, newError(c.name, "run_inference", code, err)
	}

	pm := domain.PerformanceMetrics{
		InferenceTimeMs:    millis(elapsed),
		PowerMw:            cpuPowerMw[c.GetCurrentPowerProfile()],
		UtilizationPercent: 100,
	}
	c.recordSuccess(pm, elapsed)
	return out, &pm, nil
}

func (c *CPU) SetPowerProfile(p domain.PowerProfile) error {
	if _, ok := cpuPowerMw[p]; !ok {
		return newError(c.name, "set_power_profile", CodeInvalidInput, nil)
	}
	if c.State() == StateReleased {
		return newError(c.name, "set_power_profile", CodeReleased, nil)
	}
	c.setProfile(p)
	return nil
}

// ReleaseResources drops the model reference and moves to Released. Safe to repeat.
func (c *CPU) ReleaseResources() error {
	c.mu.Lock()
	c.model = nil
	c.mu.Unlock()

	switch c.State() {
	case StateReleased, StateFailed:
		return nil
	}
	return c.transition(StateReleased, "released")
}

func (c *CPU) ResetState() error {
	if err := c.requireReady("reset_state"); err != nil {
		return err
	}
	c.clearStats()
	return nil
}
