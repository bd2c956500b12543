package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/vietddude/edgeinfer/internal/core/domain"
	"github.com/vietddude/edgeinfer/internal/infra/accelerator"
	"github.com/vietddude/edgeinfer/internal/infra/model"
)

// =============================================================================
// Mocks
// =============================================================================

type report struct {
	msg      string
	severity domain.Severity
	category domain.Category
}

type mockReporter struct {
	mu      sync.Mutex
	reports []report
}

func (r *mockReporter) ReportError(ctx context.Context, msg string, sev domain.Severity, cat domain.Category, component string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{msg, sev, cat})
	return nil
}

func (r *mockReporter) has(sev domain.Severity, cat domain.Category) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range r.reports {
		if rep.severity == sev && rep.category == cat {
			return true
		}
	}
	return false
}

func (r *mockReporter) count(sev domain.Severity, cat domain.Category) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rep := range r.reports {
		if rep.severity == sev && rep.category == cat {
			n++
		}
	}
	return n
}

// shapelessModel reports no input width and records the width of every call.
type shapelessModel struct {
	mu     sync.Mutex
	widths []int
}

func (m *shapelessModel) Infer(input []float32) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.widths = append(m.widths, len(input))
	return []float32{float32(len(input))}, nil
}

func (m *shapelessModel) InputSize() int       { return 0 }
func (m *shapelessModel) OutputSize() int      { return 1 }
func (m *shapelessModel) Operations() []string { return nil }
func (m *shapelessModel) Info() string         { return "shapeless" }
func (m *shapelessModel) Close() error         { return nil }

type mockRuntime struct {
	mu       sync.Mutex
	probeErr error
	execErr  error
	execs    int
	levels   []int
}

func (m *mockRuntime) Probe() error                   { return m.probeErr }
func (m *mockRuntime) Open(ctx context.Context) error { return nil }
func (m *mockRuntime) Compile(model.Model) error      { return nil }
func (m *mockRuntime) DriverVersion() string          { return "mock" }
func (m *mockRuntime) FirmwareVersion() string        { return "mock" }
func (m *mockRuntime) Close() error                   { return nil }

func (m *mockRuntime) Execute(ctx context.Context, input []float32) ([]float32, accelerator.RuntimeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs++
	if m.execErr != nil {
		return nil, accelerator.RuntimeStats{}, m.execErr
	}
	var sum float32
	for _, v := range input {
		sum += v
	}
	return []float32{sum}, accelerator.RuntimeStats{PowerMw: 300, UtilizationPercent: 40}, nil
}

func (m *mockRuntime) SetPowerLevel(level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels = append(m.levels, level)
	return nil
}

func (m *mockRuntime) execCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execs
}

type mockCounters struct {
	mu     sync.Mutex
	memory []float64
	next   int
}

func (c *mockCounters) MemoryMB(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.memory[c.next%len(c.memory)]
	c.next++
	return v, nil
}

func (c *mockCounters) CPUPercent(ctx context.Context) (float64, error)   { return 12.5, nil }
func (c *mockCounters) TemperatureC(ctx context.Context) (float64, error) { return 0, errors.New("n/a") }
func (c *mockCounters) PowerMW(ctx context.Context) (float64, error)      { return 0, errors.New("n/a") }

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// writeDense writes a 2-input, 1-output dense model and returns its path.
func writeDense(t *testing.T, activation string) string {
	t.Helper()
	content := "inputs: 2\noutputs: 1\nweights: [[1, 1]]\n"
	if activation != "" {
		content += "activation: " + activation + "\n"
	}
	path := filepath.Join(t.TempDir(), "model.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write model: %v", err)
	}
	return path
}

func newEngine(t *testing.T, rt *mockRuntime, rep *mockReporter) *Engine {
	t.Helper()
	opts := Options{Recovery: rep, Logger: discard()}
	if rt != nil {
		opts.Accelerator = accelerator.NewHexagon(rt, discard())
	}
	return New(opts)
}

// =============================================================================
// Aggregation Tests
// =============================================================================

func TestAggregateMetrics_SumTimeMaxMemory(t *testing.T) {
	agg := AggregateMetrics([]domain.InferenceMetrics{
		{InferenceTimeMs: 5, MemoryUsageMb: 10, CPUUsagePercent: 30},
		{InferenceTimeMs: 7, MemoryUsageMb: 14, CPUUsagePercent: 20, GPUUsagePercent: 55},
		{InferenceTimeMs: 6, MemoryUsageMb: 9, CPUUsagePercent: 25},
	})
	if agg.InferenceTimeMs != 18 {
		t.Errorf("expected 18ms, got %v", agg.InferenceTimeMs)
	}
	if agg.MemoryUsageMb != 14 {
		t.Errorf("expected 14MB, got %v", agg.MemoryUsageMb)
	}
	if agg.CPUUsagePercent != 30 || agg.GPUUsagePercent != 55 {
		t.Errorf("expected max cpu 30 and gpu 55, got %+v", agg)
	}
}

// =============================================================================
// Batch Tests
// =============================================================================

func TestRunBatchInference_AggregatesCounters(t *testing.T) {
	rep := &mockReporter{}
	e := New(Options{Recovery: rep, Counters: &mockCounters{memory: []float64{10, 14, 9}}, Logger: discard()})
	if err := e.LoadModel(context.Background(), writeDense(t, ""), domain.ModelFormatDense, domain.DefaultModelConfig()); err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}

	var m domain.InferenceMetrics
	outs, err := e.RunBatchInference(context.Background(), [][]float32{{1, 2}, {3, 4}, {5, 6}}, &m)
	if err != nil {
		t.Fatalf("RunBatchInference failed: %v", err)
	}
	if outs[0][0] != 3 || outs[1][0] != 7 || outs[2][0] != 11 {
		t.Errorf("unexpected outputs %v", outs)
	}
	if m.MemoryUsageMb != 14 {
		t.Errorf("expected max memory 14, got %v", m.MemoryUsageMb)
	}
	if m.CPUUsagePercent != 12.5 {
		t.Errorf("expected cpu 12.5, got %v", m.CPUUsagePercent)
	}
	if m.InferenceTimeMs <= 0 {
		t.Errorf("expected positive total time, got %v", m.InferenceTimeMs)
	}
}

func TestRunBatchInference_TooLargeRejectedBeforeBackend(t *testing.T) {
	rt := &mockRuntime{}
	rep := &mockReporter{}
	e := newEngine(t, rt, rep)

	cfg := domain.DefaultModelConfig()
	cfg.MaxBatchSize = 2
	if err := e.LoadModel(context.Background(), writeDense(t, ""), domain.ModelFormatDense, cfg); err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}

	_, err := e.RunBatchInference(context.Background(), [][]float32{{1, 1}, {1, 1}, {1, 1}}, nil)
	if !errors.Is(err, ErrBatchTooLarge) || !errors.Is(err, accelerator.ErrInvalidInput) {
		t.Fatalf("expected ErrBatchTooLarge/ErrInvalidInput, got %v", err)
	}
	if rt.execCount() != 0 {
		t.Errorf("backend must not be called, got %d executions", rt.execCount())
	}
}

func TestRunBatchInference_ContinuesPastFailures(t *testing.T) {
	rep := &mockReporter{}
	e := newEngine(t, nil, rep)
	_ = e.LoadModel(context.Background(), writeDense(t, ""), domain.ModelFormatDense, domain.DefaultModelConfig())

	outs, err := e.RunBatchInference(context.Background(), [][]float32{{1, 1}, {1}, {2, 2}}, nil)
	if err == nil {
		t.Fatal("expected batch error")
	}
	if !strings.Contains(err.Error(), "item 1") {
		t.Errorf("error should name the failing item, got %v", err)
	}
	if outs[0] == nil || outs[1] != nil || outs[2] == nil {
		t.Errorf("expected items 0 and 2 to succeed, got %v", outs)
	}
	if outs[2][0] != 4 {
		t.Errorf("expected 4, got %v", outs[2][0])
	}
}

// =============================================================================
// End-to-end Tests
// =============================================================================

func TestEndToEnd_CPUOnly(t *testing.T) {
	rep := &mockReporter{}
	e := newEngine(t, &mockRuntime{}, rep)
	e.EnableHardwareAcceleration(false)

	if err := e.LoadModel(context.Background(), writeDense(t, "relu"), domain.ModelFormatDense, domain.DefaultModelConfig()); err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	var m domain.InferenceMetrics
	out, err := e.RunInference(context.Background(), []float32{2, 3}, &m)
	if err != nil {
		t.Fatalf("RunInference failed: %v", err)
	}
	if out[0] != 5 {
		t.Errorf("expected 5, got %v", out[0])
	}
	if m.InferenceTimeMs <= 0 {
		t.Errorf("expected positive inference time, got %v", m.InferenceTimeMs)
	}
	if e.ActiveBackend() != "cpu" {
		t.Errorf("expected cpu backend, got %s", e.ActiveBackend())
	}
}

func TestEndToEnd_NeverReadyBackendFallsBack(t *testing.T) {
	rt := &mockRuntime{probeErr: errors.New("no dsp")}
	rep := &mockReporter{}
	e := newEngine(t, rt, rep)

	if err := e.LoadModel(context.Background(), writeDense(t, ""), domain.ModelFormatDense, domain.DefaultModelConfig()); err != nil {
		t.Fatalf("LoadModel should succeed without the accelerator: %v", err)
	}
	if !rep.has(domain.SeverityWarning, domain.CategoryHardware) {
		t.Error("accelerator init failure should be reported as a hardware warning")
	}

	out, err := e.RunInference(context.Background(), []float32{1, 2}, nil)
	if err != nil {
		t.Fatalf("RunInference failed: %v", err)
	}
	if out[0] != 3 {
		t.Errorf("expected CPU result 3, got %v", out[0])
	}
	if e.ActiveBackend() != "cpu" || !e.Status().UsingFallback {
		t.Errorf("expected CPU fallback, got %+v", e.Status())
	}
	if rt.execCount() != 0 {
		t.Error("failed accelerator must not be used")
	}
}

func TestRunInference_UsesAccelerator(t *testing.T) {
	rt := &mockRuntime{}
	e := newEngine(t, rt, &mockReporter{})
	_ = e.LoadModel(context.Background(), writeDense(t, "softmax"), domain.ModelFormatDense, domain.DefaultModelConfig())

	var m domain.InferenceMetrics
	if _, err := e.RunInference(context.Background(), []float32{1, 2}, &m); err != nil {
		t.Fatalf("RunInference failed: %v", err)
	}
	if e.ActiveBackend() != "hexagon" || rt.execCount() != 1 {
		t.Errorf("expected hexagon execution, got backend %s execs %d", e.ActiveBackend(), rt.execCount())
	}
	if m.GPUUsagePercent != 40 {
		t.Errorf("expected accelerator utilization 40, got %v", m.GPUUsagePercent)
	}
	if m.MemoryUsageMb != 0 {
		t.Error("memory must not be read without counters")
	}
}

func TestRunInference_UnsupportedOperationsUseCPU(t *testing.T) {
	rt := &mockRuntime{}
	e := newEngine(t, rt, &mockReporter{})
	// RELU is not in the Hexagon operator set.
	_ = e.LoadModel(context.Background(), writeDense(t, "relu"), domain.ModelFormatDense, domain.DefaultModelConfig())

	if _, err := e.RunInference(context.Background(), []float32{1, 2}, nil); err != nil {
		t.Fatalf("RunInference failed: %v", err)
	}
	if e.ActiveBackend() != "cpu" || rt.execCount() != 0 {
		t.Errorf("expected CPU execution, got %s", e.ActiveBackend())
	}
}

func TestRunInference_HardwareFailureReported(t *testing.T) {
	rt := &mockRuntime{execErr: errors.New("dsp fault")}
	rep := &mockReporter{}
	e := newEngine(t, rt, rep)
	_ = e.LoadModel(context.Background(), writeDense(t, ""), domain.ModelFormatDense, domain.DefaultModelConfig())

	_, err := e.RunInference(context.Background(), []float32{1, 2}, nil)
	if !errors.Is(err, accelerator.ErrHardware) {
		t.Fatalf("expected hardware error, got %v", err)
	}
	if !rep.has(domain.SeverityError, domain.CategoryHardware) {
		t.Error("failure should be reported under the hardware category")
	}
}

func TestRunInference_NotLoaded(t *testing.T) {
	e := newEngine(t, nil, &mockReporter{})
	if _, err := e.RunInference(context.Background(), []float32{1}, nil); !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("expected ErrModelNotLoaded, got %v", err)
	}
}

func TestRunInference_MemoryLimitWarning(t *testing.T) {
	rep := &mockReporter{}
	e := New(Options{Recovery: rep, Counters: &mockCounters{memory: []float64{64}}, Logger: discard()})
	_ = e.LoadModel(context.Background(), writeDense(t, ""), domain.ModelFormatDense, domain.DefaultModelConfig())
	e.SetMemoryLimit(32)

	if _, err := e.RunInference(context.Background(), []float32{1, 1}, nil); err != nil {
		t.Fatalf("RunInference failed: %v", err)
	}
	if !rep.has(domain.SeverityWarning, domain.CategoryMemory) {
		t.Error("exceeding the memory limit should be reported")
	}
}

func TestRunInference_Caching(t *testing.T) {
	rt := &mockRuntime{}
	e := newEngine(t, rt, &mockReporter{})
	cfg := domain.DefaultModelConfig()
	cfg.EnableCaching = true
	_ = e.LoadModel(context.Background(), writeDense(t, ""), domain.ModelFormatDense, cfg)

	for i := 0; i < 3; i++ {
		out, err := e.RunInference(context.Background(), []float32{4, 5}, nil)
		if err != nil || out[0] != 9 {
			t.Fatalf("call %d: got %v, %v", i, out, err)
		}
	}
	if rt.execCount() != 1 {
		t.Errorf("expected one backend execution with caching, got %d", rt.execCount())
	}
}

func TestRunInference_CacheHitTracksBackendAndMemory(t *testing.T) {
	rt := &mockRuntime{}
	rep := &mockReporter{}
	e := New(Options{
		Accelerator: accelerator.NewHexagon(rt, discard()),
		Recovery:    rep,
		Counters:    &mockCounters{memory: []float64{64}},
		Logger:      discard(),
	})
	cfg := domain.DefaultModelConfig()
	cfg.EnableCaching = true
	_ = e.LoadModel(context.Background(), writeDense(t, ""), domain.ModelFormatDense, cfg)
	e.SetMemoryLimit(32)

	for i := 0; i < 2; i++ {
		if _, err := e.RunInference(context.Background(), []float32{4, 5}, nil); err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if rt.execCount() != 1 {
		t.Fatalf("expected the second call to hit the cache, got %d executions", rt.execCount())
	}
	if e.ActiveBackend() != "cache" {
		t.Errorf("expected cache as the last backend, got %s", e.ActiveBackend())
	}
	if e.Status().UsingFallback {
		t.Error("a cache hit is not a CPU fallback")
	}
	if n := rep.count(domain.SeverityWarning, domain.CategoryMemory); n != 2 {
		t.Errorf("expected the memory limit checked on both calls, got %d warnings", n)
	}
}

// =============================================================================
// Load / Settings Tests
// =============================================================================

func TestLoadModel_Failures(t *testing.T) {
	badPath := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(badPath, []byte("inputs: [oops"), 0o644)

	tests := []struct {
		name   string
		path   string
		format domain.ModelFormat
		want   error
	}{
		{"missing file", "/nonexistent/model.yaml", domain.ModelFormatDense, ErrModelNotFound},
		{"no loader", badPath, domain.ModelFormatONNX, model.ErrUnsupportedFormat},
		{"loader error", badPath, domain.ModelFormatDense, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &mockReporter{}
			e := newEngine(t, nil, rep)
			err := e.LoadModel(context.Background(), tt.path, tt.format, domain.DefaultModelConfig())
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !rep.has(domain.SeverityError, domain.CategoryModel) {
				t.Error("load failure should be reported under the model category")
			}
			if e.IsLoaded() {
				t.Error("engine should not report a loaded model")
			}
		})
	}
}

func TestLoadModel_Optimizer(t *testing.T) {
	rep := &mockReporter{}
	var optimized string
	e := New(Options{
		Recovery: rep,
		Logger:   discard(),
		Optimizer: OptimizerFunc(func(path string) bool {
			optimized = path
			return false
		}),
	})
	path := writeDense(t, "")
	cfg := domain.DefaultModelConfig()
	cfg.EnableOptimization = true

	if err := e.LoadModel(context.Background(), path, domain.ModelFormatDense, cfg); err != nil {
		t.Fatalf("optimizer failure must not fail the load: %v", err)
	}
	if optimized != path {
		t.Errorf("optimizer should receive %s, got %s", path, optimized)
	}
	if !rep.has(domain.SeverityWarning, domain.CategoryModel) {
		t.Error("optimizer failure should be reported as a warning")
	}
}

func TestSetPowerProfile_AppliedOnNextCall(t *testing.T) {
	rt := &mockRuntime{}
	e := newEngine(t, rt, &mockReporter{})
	_ = e.LoadModel(context.Background(), writeDense(t, ""), domain.ModelFormatDense, domain.DefaultModelConfig())

	if err := e.SetPowerProfile(domain.PowerProfileHighPerformance); err != nil {
		t.Fatalf("SetPowerProfile failed: %v", err)
	}
	if err := e.SetPowerProfile(domain.PowerProfileHighPerformance); err != nil {
		t.Fatalf("second SetPowerProfile failed: %v", err)
	}
	if len(rt.levels) != 1 {
		t.Fatalf("profile must not reach the driver before the next call, got %v", rt.levels)
	}

	_, _ = e.RunInference(context.Background(), []float32{1, 1}, nil)
	_, _ = e.RunInference(context.Background(), []float32{1, 1}, nil)
	if len(rt.levels) != 2 || rt.levels[1] != 5 {
		t.Errorf("expected levels [3 5], got %v", rt.levels)
	}
	if err := e.SetPowerProfile("warp"); err == nil {
		t.Error("expected error for unknown profile")
	}
}

func TestSetNumThreads(t *testing.T) {
	e := newEngine(t, nil, &mockReporter{})
	if err := e.SetNumThreads(0); !errors.Is(err, accelerator.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if err := e.SetNumThreads(4); err != nil || e.Settings().NumThreads != 4 {
		t.Errorf("expected 4 threads, got %d (%v)", e.Settings().NumThreads, err)
	}
}

func TestWarmUp(t *testing.T) {
	rt := &mockRuntime{}
	e := newEngine(t, rt, &mockReporter{})
	if err := e.WarmUp(context.Background(), 3); !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("expected ErrModelNotLoaded, got %v", err)
	}

	cfg := domain.DefaultModelConfig()
	cfg.EnableCaching = true
	_ = e.LoadModel(context.Background(), writeDense(t, ""), domain.ModelFormatDense, cfg)
	if err := e.WarmUp(context.Background(), 3); err != nil {
		t.Fatalf("WarmUp failed: %v", err)
	}
	if rt.execCount() != 3 {
		t.Errorf("warm-up should bypass the cache, got %d executions", rt.execCount())
	}
}

func TestWarmUp_ModelWithoutInputSize(t *testing.T) {
	sm := &shapelessModel{}
	loaders := model.NewRegistry()
	loaders.Register(domain.ModelFormatONNX, model.LoaderFunc(func(string, domain.ModelConfig) (model.Model, error) {
		return sm, nil
	}))
	e := New(Options{Loaders: loaders, Recovery: &mockReporter{}, Logger: discard()})
	if err := e.LoadModel(context.Background(), writeDense(t, ""), domain.ModelFormatONNX, domain.DefaultModelConfig()); err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}

	if err := e.WarmUp(context.Background(), 2); err != nil {
		t.Fatalf("WarmUp failed: %v", err)
	}
	if len(sm.widths) != 2 || sm.widths[0] != 1 || sm.widths[1] != 1 {
		t.Errorf("expected two single-element warm-up calls, got %v", sm.widths)
	}
}

func TestWarmUp_AbortsOnFailure(t *testing.T) {
	rt := &mockRuntime{execErr: errors.New("fault")}
	rep := &mockReporter{}
	e := newEngine(t, rt, rep)
	_ = e.LoadModel(context.Background(), writeDense(t, ""), domain.ModelFormatDense, domain.DefaultModelConfig())

	if err := e.WarmUp(context.Background(), 5); err == nil {
		t.Fatal("expected warm-up failure")
	}
	if rt.execCount() != 1 {
		t.Errorf("warm-up should stop at the first failure, got %d executions", rt.execCount())
	}
	if !rep.has(domain.SeverityWarning, domain.CategoryModel) {
		t.Error("warm-up failure should be reported")
	}
	if !e.IsLoaded() {
		t.Error("warm-up failure must not unload the model")
	}
}

func TestReleaseResources_Idempotent(t *testing.T) {
	rt := &mockRuntime{}
	e := newEngine(t, rt, &mockReporter{})
	_ = e.LoadModel(context.Background(), writeDense(t, ""), domain.ModelFormatDense, domain.DefaultModelConfig())
	e.EnableHardwareAcceleration(false)
	_ = e.SetNumThreads(3)

	for i := 0; i < 2; i++ {
		if err := e.ReleaseResources(); err != nil {
			t.Fatalf("ReleaseResources #%d failed: %v", i, err)
		}
	}
	if e.IsLoaded() || e.GetModelInfo() != "No model loaded" {
		t.Error("model should be released")
	}
	if e.Settings() != DefaultSettings() {
		t.Errorf("settings should be reset, got %+v", e.Settings())
	}
	if _, err := e.RunInference(context.Background(), []float32{1, 1}, nil); !errors.Is(err, ErrModelNotLoaded) {
		t.Errorf("expected ErrModelNotLoaded, got %v", err)
	}

	// The released accelerator is terminal; a new load runs on the CPU.
	if err := e.LoadModel(context.Background(), writeDense(t, ""), domain.ModelFormatDense, domain.DefaultModelConfig()); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if _, err := e.RunInference(context.Background(), []float32{1, 1}, nil); err != nil {
		t.Fatalf("RunInference after reload failed: %v", err)
	}
	if e.ActiveBackend() != "cpu" {
		t.Errorf("expected cpu after release, got %s", e.ActiveBackend())
	}
}

func TestGetModelInfo(t *testing.T) {
	e := newEngine(t, nil, &mockReporter{})
	path := writeDense(t, "")
	_ = e.LoadModel(context.Background(), path, domain.ModelFormatDense, domain.DefaultModelConfig())

	info := e.GetModelInfo()
	for _, want := range []string{path, "dense", "cpu", "1x2"} {
		if !strings.Contains(info, want) {
			t.Errorf("model info %q missing %q", info, want)
		}
	}
}
