package accelerator

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/edgeinfer/internal/core/domain"
	"github.com/vietddude/edgeinfer/internal/infra/model"
)

// =============================================================================
// Mocks
// =============================================================================

type fakeRuntime struct {
	mu        sync.Mutex
	probeErr  error
	openErr   error
	execErr   error
	delay     time.Duration
	levels    []int
	compiled  int
	closed    int
	fastRPC   bool
	cacheSize int
	threads   int
	profiling bool
}

func (f *fakeRuntime) Probe() error                   { return f.probeErr }
func (f *fakeRuntime) Open(ctx context.Context) error { return f.openErr }
func (f *fakeRuntime) DriverVersion() string          { return "fake-driver 1.2" }
func (f *fakeRuntime) FirmwareVersion() string        { return "fw 7" }

func (f *fakeRuntime) Compile(m model.Model) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compiled++
	return nil
}

func (f *fakeRuntime) Execute(ctx context.Context, input []float32) ([]float32, RuntimeStats, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.execErr != nil {
		return nil, RuntimeStats{}, f.execErr
	}
	out := slices.Clone(input)
	return out, RuntimeStats{PowerMw: 250, UtilizationPercent: 40}, nil
}

func (f *fakeRuntime) SetPowerLevel(level int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels = append(f.levels, level)
	return nil
}

func (f *fakeRuntime) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeRuntime) EnableFastRPC() error {
	f.fastRPC = true
	return nil
}

func (f *fakeRuntime) ConfigureCache(bytes int) error {
	f.cacheSize = bytes
	return nil
}

func (f *fakeRuntime) SetThreadCount(n int) error {
	f.threads = n
	return nil
}

func (f *fakeRuntime) EnableProfiling(on bool) error {
	f.profiling = on
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func identityModel(t *testing.T) model.Model {
	t.Helper()
	m, err := model.NewDense(model.DenseSpec{
		Inputs:  2,
		Outputs: 2,
		Weights: [][]float64{{1, 0}, {0, 1}},
	})
	if err != nil {
		t.Fatalf("NewDense failed: %v", err)
	}
	return m
}

// =============================================================================
// State Machine Tests
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateUninitialized, StateReady, true},
		{StateUninitialized, StateFailed, true},
		{StateReady, StateReleased, true},
		{StateReady, StateFailed, false},
		{StateFailed, StateReady, false},
		{StateReleased, StateReady, false},
		{StateReleased, StateUninitialized, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != CodeOK {
		t.Error("nil error should map to CodeOK")
	}
	e := newError("x", "op", CodeInvalidInput, errors.New("boom"))
	if CodeOf(e) != CodeInvalidInput {
		t.Errorf("expected CodeInvalidInput, got %s", CodeOf(e))
	}
	if !errors.Is(e, ErrInvalidInput) {
		t.Error("coded error should match its sentinel")
	}
	if CodeOf(errors.New("anything")) != CodeHardware {
		t.Error("unknown errors should map to CodeHardware")
	}
}

// =============================================================================
// CPU Tests
// =============================================================================

func TestCPU_Lifecycle(t *testing.T) {
	ctx := context.Background()
	cpu := NewCPU(discard())

	if _, _, err := cpu.RunInference(ctx, []float32{1, 2}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized before Initialize, got %v", err)
	}
	if err := cpu.Initialize(ctx); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if !cpu.IsAvailable() {
		t.Error("CPU should be available after Initialize")
	}
	if _, _, err := cpu.RunInference(ctx, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty input, got %v", err)
	}
	if _, _, err := cpu.RunInference(ctx, []float32{1, 2}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized without a model, got %v", err)
	}

	if err := cpu.BindModel(identityModel(t)); err != nil {
		t.Fatalf("BindModel failed: %v", err)
	}
	out, pm, err := cpu.RunInference(ctx, []float32{3, 4})
	if err != nil {
		t.Fatalf("RunInference failed: %v", err)
	}
	if out[0] != 3 || out[1] != 4 {
		t.Errorf("expected identity output, got %v", out)
	}
	if pm.InferenceTimeMs < 0 || pm.PowerMw == 0 {
		t.Errorf("unexpected metrics %+v", pm)
	}
	if cpu.GetPerformanceMetrics() != *pm {
		t.Error("GetPerformanceMetrics should return the last call's metrics")
	}

	if _, _, err := cpu.RunInference(ctx, []float32{1}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("shape mismatch should be ErrInvalidInput, got %v", err)
	}
	if cpu.State() != StateReady {
		t.Errorf("failed inference must not change state, got %s", cpu.State())
	}

	if err := cpu.ReleaseResources(); err != nil {
		t.Fatalf("ReleaseResources failed: %v", err)
	}
	if err := cpu.ReleaseResources(); err != nil {
		t.Errorf("second ReleaseResources should be a no-op, got %v", err)
	}
	if _, _, err := cpu.RunInference(ctx, []float32{1, 2}); !errors.Is(err, ErrReleased) {
		t.Errorf("expected ErrReleased, got %v", err)
	}
	if err := cpu.Initialize(ctx); err == nil {
		t.Error("Initialize after release should fail")
	}
}

func TestCPU_SetPowerProfileIdempotent(t *testing.T) {
	cpu := NewCPU(discard())
	_ = cpu.Initialize(context.Background())

	for i := 0; i < 2; i++ {
		if err := cpu.SetPowerProfile(domain.PowerProfileLowPower); err != nil {
			t.Fatalf("SetPowerProfile #%d failed: %v", i, err)
		}
		if got := cpu.GetCurrentPowerProfile(); got != domain.PowerProfileLowPower {
			t.Errorf("expected low_power, got %s", got)
		}
	}
	if err := cpu.SetPowerProfile("turbo"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown profile, got %v", err)
	}
}

// =============================================================================
// Hexagon Tests
// =============================================================================

func TestHexagon_InitFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{probeErr: errors.New("no dsp")}
	h := NewHexagon(rt, discard())

	err := h.Initialize(ctx)
	if CodeOf(err) != CodeHardware {
		t.Fatalf("expected hardware error, got %v", err)
	}
	if h.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", h.State())
	}

	rt.probeErr = nil
	if err := h.Initialize(ctx); err == nil {
		t.Error("Failed must be terminal; Initialize should not succeed")
	}
	if h.IsAvailable() {
		t.Error("failed backend must not be available")
	}
	if _, _, err := h.RunInference(ctx, []float32{1}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized, got %v", err)
	}
	if err := h.ReleaseResources(); err != nil {
		t.Errorf("release on failed backend should be a no-op, got %v", err)
	}
}

func TestHexagon_PowerProfileLevels(t *testing.T) {
	rt := &fakeRuntime{}
	h := NewHexagon(rt, discard())
	if err := h.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	_ = h.SetPowerProfile(domain.PowerProfileHighPerformance)
	_ = h.SetPowerProfile(domain.PowerProfileHighPerformance)
	_ = h.SetPowerProfile(domain.PowerProfileLowPower)

	want := []int{3, 5, 1}
	if !slices.Equal(rt.levels, want) {
		t.Errorf("expected levels %v, got %v", want, rt.levels)
	}
	if h.GetCurrentPowerProfile() != domain.PowerProfileLowPower {
		t.Errorf("expected low_power, got %s", h.GetCurrentPowerProfile())
	}
	if h.DSPPowerLevel() != 1 {
		t.Errorf("expected DSP level 1, got %d", h.DSPPowerLevel())
	}
}

func TestHexagon_SetDSPPowerLevel(t *testing.T) {
	h := NewHexagon(&fakeRuntime{}, discard())
	if err := h.SetDSPPowerLevel(2); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized before Initialize, got %v", err)
	}
	_ = h.Initialize(context.Background())

	for _, level := range []int{-1, 6} {
		if err := h.SetDSPPowerLevel(level); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("level %d: expected ErrInvalidInput, got %v", level, err)
		}
	}
	for level := MinDSPPowerLevel; level <= MaxDSPPowerLevel; level++ {
		if err := h.SetDSPPowerLevel(level); err != nil {
			t.Errorf("level %d: unexpected error %v", level, err)
		}
	}
	if h.GetCurrentPowerProfile() != domain.PowerProfileBalanced {
		t.Error("raw DSP level must not change the reported profile")
	}
}

func TestHexagon_TuningAndModel(t *testing.T) {
	rt := &fakeRuntime{}
	h := NewHexagon(rt, discard())

	_ = h.EnableFastRPC()
	_ = h.ConfigureCache(1 << 20)
	_ = h.BindModel(identityModel(t))
	if rt.fastRPC || rt.compiled != 0 {
		t.Fatal("settings must be deferred until Initialize")
	}

	if err := h.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if !rt.fastRPC || rt.cacheSize != 1<<20 || rt.compiled != 1 {
		t.Errorf("tuning not applied: fastrpc=%v cache=%d compiled=%d", rt.fastRPC, rt.cacheSize, rt.compiled)
	}
	if err := h.ConfigureCache(0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for zero cache, got %v", err)
	}
	if h.GetDriverVersion() != "fake-driver 1.2" || h.GetFirmwareVersion() != "fw 7" {
		t.Errorf("unexpected versions %q %q", h.GetDriverVersion(), h.GetFirmwareVersion())
	}
}

func TestHexagon_SupportedOperations(t *testing.T) {
	h := NewHexagon(&fakeRuntime{}, discard())
	for _, op := range []string{
		domain.OpConv2D, domain.OpDepthwiseConv2D, domain.OpFullyConnected,
		domain.OpQuantized16BitLSTM, domain.OpHashtableLookup, domain.OpSoftmax,
	} {
		if !h.SupportsOperation(op) {
			t.Errorf("expected %s to be supported", op)
		}
	}
	if h.SupportsOperation(domain.OpRelu) {
		t.Error("RELU should not be supported")
	}
	if len(h.GetSupportedOperations()) != 6 {
		t.Errorf("expected 6 operations, got %d", len(h.GetSupportedOperations()))
	}
}

func TestHexagon_RunInferenceHardwareError(t *testing.T) {
	rt := &fakeRuntime{execErr: errors.New("dsp crashed")}
	h := NewHexagon(rt, discard())
	_ = h.Initialize(context.Background())

	_, _, err := h.RunInference(context.Background(), []float32{1})
	if !errors.Is(err, ErrHardware) {
		t.Fatalf("expected ErrHardware, got %v", err)
	}
	if h.State() != StateReady {
		t.Errorf("state should stay Ready, got %s", h.State())
	}
	if h.GetLastErrorCode() != CodeHardware || h.GetLastErrorMessage() == "" {
		t.Error("last error should be recorded")
	}

	if err := h.ResetState(); err != nil {
		t.Fatalf("ResetState failed: %v", err)
	}
	if h.GetLastErrorCode() != CodeOK {
		t.Error("ResetState should clear the last error")
	}

	if err := h.ReleaseResources(); err != nil {
		t.Fatalf("ReleaseResources failed: %v", err)
	}
	if rt.closed != 1 {
		t.Errorf("expected runtime closed once, got %d", rt.closed)
	}
}

// =============================================================================
// NeuroPilot Tests
// =============================================================================

func TestNeuroPilot_Controls(t *testing.T) {
	rt := &fakeRuntime{delay: time.Millisecond}
	n := NewNeuroPilot(rt, discard())

	if err := n.SetThreadCount(0); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	_ = n.SetThreadCount(4)
	_ = n.EnableProfiling(true)

	if err := n.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if rt.threads != 4 || !rt.profiling {
		t.Errorf("tuning not applied: threads=%d profiling=%v", rt.threads, rt.profiling)
	}
	if rt.levels[0] != 50 {
		t.Errorf("balanced profile should map to boost 50, got %d", rt.levels[0])
	}

	out, pm, err := n.RunInference(context.Background(), []float32{7})
	if err != nil {
		t.Fatalf("RunInference failed: %v", err)
	}
	if out[0] != 7 || pm.UtilizationPercent != 40 {
		t.Errorf("unexpected result %v %+v", out, pm)
	}
	if n.GetLastInferenceTime() < time.Millisecond {
		t.Errorf("expected last inference time >= 1ms, got %v", n.GetLastInferenceTime())
	}
	if n.SupportsOperation(domain.OpSoftmax) {
		t.Error("SOFTMAX should not be supported by the APU backend")
	}
}

func TestNew_Kinds(t *testing.T) {
	for _, kind := range []Kind{KindCPU, KindHexagon, KindNeuroPilot} {
		acc, err := New(kind, Options{Runtime: &fakeRuntime{}, Logger: discard()})
		if err != nil {
			t.Fatalf("New(%s) failed: %v", kind, err)
		}
		if acc.Name() != string(kind) {
			t.Errorf("expected name %s, got %s", kind, acc.Name())
		}
	}
	if _, err := New("tpu", Options{}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestDeviceRuntime_Absent(t *testing.T) {
	rt := &DeviceRuntime{Nodes: []string{"/nonexistent/dsp0"}}
	if rt.Probe() == nil {
		t.Fatal("probe should fail for missing node")
	}
	h := NewHexagon(rt, discard())
	if err := h.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize should fail without a device")
	}
	if rt.DriverVersion() != "unknown" {
		t.Errorf("expected unknown driver version, got %q", rt.DriverVersion())
	}
}
