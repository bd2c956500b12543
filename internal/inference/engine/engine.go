// Package engine selects a compute backend for each inference call, falls
// back to the CPU when the accelerator cannot serve it, collects metrics
// and reports failures to the recovery engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/edgeinfer/internal/core/domain"
	"github.com/vietddude/edgeinfer/internal/inference/metrics"
	"github.com/vietddude/edgeinfer/internal/infra/accelerator"
	"github.com/vietddude/edgeinfer/internal/infra/model"
	"github.com/vietddude/edgeinfer/internal/infra/sysmetrics"
)

// Component is the name used when reporting errors.
const Component = "InferenceEngine"

// cacheBackend labels calls answered from the output cache.
const cacheBackend = "cache"

var (
	ErrModelNotLoaded = errors.New("no model loaded")
	ErrModelNotFound  = errors.New("model file not found")
	ErrBatchTooLarge  = fmt.Errorf("batch exceeds max batch size: %w", accelerator.ErrInvalidInput)
	ErrEmptyInput     = fmt.Errorf("empty input: %w", accelerator.ErrInvalidInput)
)

// Reporter receives failures. recovery.Engine implements it.
type Reporter interface {
	ReportError(ctx context.Context, message string, severity domain.Severity, category domain.Category, component string) error
}

// Optimizer rewrites a model file in place for faster execution.
type Optimizer interface {
	Optimize(modelPath string) bool
}

// OptimizerFunc adapts a function to the Optimizer interface.
type OptimizerFunc func(modelPath string) bool

func (f OptimizerFunc) Optimize(modelPath string) bool { return f(modelPath) }

// Options configures an Engine.
type Options struct {
	// Accelerator is the preferred backend. Nil runs everything on the CPU.
	Accelerator accelerator.Accelerator
	Loaders     *model.Registry
	Optimizer   Optimizer
	Counters    sysmetrics.Reader
	Recovery    Reporter
	Logger      *slog.Logger
}

// Settings are the runtime knobs applied on the next inference call.
type Settings struct {
	HardwareEnabled bool                `json:"hardware_enabled"`
	NumThreads      int                 `json:"num_threads"`
	MemoryLimitMB   float64             `json:"memory_limit_mb"`
	PowerProfile    domain.PowerProfile `json:"power_profile"`
}

// DefaultSettings is the configuration after construction and after ReleaseResources.
func DefaultSettings() Settings {
	return Settings{
		HardwareEnabled: true,
		NumThreads:      1,
		PowerProfile:    domain.PowerProfileBalanced,
	}
}

// Status summarizes the engine for health reporting.
type Status struct {
	Loaded          bool     `json:"loaded"`
	ModelPath       string   `json:"model_path,omitempty"`
	Format          string   `json:"format,omitempty"`
	SelectedBackend string   `json:"selected_backend"`
	LastBackend     string   `json:"last_backend,omitempty"`
	UsingFallback   bool     `json:"using_fallback"`
	Settings        Settings `json:"settings"`
}

// Engine is not safe for concurrent inference calls. Setters may be called
// from other goroutines and take effect on the next call.
type Engine struct {
	loaders   *model.Registry
	optimizer Optimizer
	counters  sysmetrics.Reader
	reporter  Reporter
	log       *slog.Logger

	mu          sync.Mutex
	accel       accelerator.Accelerator
	cpu         *accelerator.CPU
	model       model.Model
	modelPath   string
	format      domain.ModelFormat
	cfg         domain.ModelConfig
	eligible    bool
	settings    Settings
	cache       *outputCache
	lastBackend string
}

// New creates an Engine. The CPU fallback is created internally.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Loaders == nil {
		opts.Loaders = model.NewRegistry()
	}
	if opts.Recovery == nil {
		opts.Recovery = noopReporter{}
	}
	log := opts.Logger.With("component", "engine")

	accel := opts.Accelerator
	if accel != nil && accel.Name() == string(accelerator.KindCPU) {
		accel = nil
	}

	return &Engine{
		loaders:   opts.Loaders,
		optimizer: opts.Optimizer,
		counters:  opts.Counters,
		reporter:  opts.Recovery,
		log:       log,
		accel:     accel,
		cpu:       accelerator.NewCPU(opts.Logger),
		cfg:       domain.DefaultModelConfig(),
		settings:  DefaultSettings(),
	}
}

// LoadModel loads path with the loader for format and prepares the backends.
// Loader failures are reported and returned without retry. Accelerator and
// optimizer failures are reported as warnings and do not fail the load.
func (e *Engine) LoadModel(ctx context.Context, path string, format domain.ModelFormat, cfg domain.ModelConfig) error {
	if _, err := os.Stat(path); err != nil {
		e.report(ctx, "Model file not found: "+path, domain.SeverityError, domain.CategoryModel)
		return fmt.Errorf("%w: %s", ErrModelNotFound, path)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = domain.DefaultMaxBatchSize
	}

	loader, err := e.loaders.Get(format)
	if err != nil {
		e.report(ctx, "No loader for model format "+string(format), domain.SeverityError, domain.CategoryModel)
		return err
	}
	m, err := loader.Load(path, cfg)
	if err != nil {
		e.report(ctx, fmt.Sprintf("Failed to load model %s: %v", path, err), domain.SeverityError, domain.CategoryModel)
		return fmt.Errorf("failed to load model: %w", err)
	}

	e.mu.Lock()
	if e.model != nil {
		_ = e.model.Close()
	}
	e.model = m
	e.modelPath = path
	e.format = format
	e.cfg = cfg
	e.cache = nil
	if cfg.EnableCaching {
		e.cache = newOutputCache(defaultCacheEntries)
	}
	settings := e.settings
	e.mu.Unlock()

	e.prepareCPU(ctx, m, settings)
	e.prepareAccelerator(ctx, m, settings)

	if cfg.EnableOptimization {
		if e.optimizer == nil || !e.optimizer.Optimize(path) {
			e.report(ctx, "Model optimization failed for "+path, domain.SeverityWarning, domain.CategoryModel)
		}
	}

	e.log.Info("Model loaded", "path", path, "format", format, "info", m.Info())
	return nil
}

func (e *Engine) prepareCPU(ctx context.Context, m model.Model, s Settings) {
	e.mu.Lock()
	cpu := e.cpu
	e.mu.Unlock()

	if cpu.State() == accelerator.StateUninitialized {
		if err := cpu.Initialize(ctx); err != nil {
			e.log.Error("CPU fallback failed to initialize", "error", err)
		}
	}
	cpu.SetNumThreads(s.NumThreads)
	_ = cpu.SetPowerProfile(s.PowerProfile)
	_ = cpu.BindModel(m)
}

func (e *Engine) prepareAccelerator(ctx context.Context, m model.Model, s Settings) {
	e.mu.Lock()
	accel := e.accel
	e.mu.Unlock()
	if accel == nil {
		return
	}

	if accel.State() == accelerator.StateUninitialized {
		_ = accel.SetPowerProfile(s.PowerProfile)
		if err := accel.Initialize(ctx); err != nil {
			e.report(ctx, fmt.Sprintf("Accelerator %s unavailable: %v", accel.Name(), err),
				domain.SeverityWarning, domain.CategoryHardware)
		}
	}
	if binder, ok := accel.(accelerator.ModelBinder); ok && accel.State() == accelerator.StateReady {
		if err := binder.BindModel(m); err != nil {
			e.report(ctx, fmt.Sprintf("Accelerator %s rejected model: %v", accel.Name(), err),
				domain.SeverityWarning, domain.CategoryHardware)
		}
	}

	var missing []string
	for _, op := range m.Operations() {
		if !accel.SupportsOperation(op) {
			missing = append(missing, op)
		}
	}
	if len(missing) > 0 {
		e.log.Info("Model needs operations the accelerator lacks, using CPU",
			"backend", accel.Name(), "missing", missing)
	}

	e.mu.Lock()
	e.eligible = len(missing) == 0
	e.mu.Unlock()
}

// RunInference executes one input. Wall-clock time is always recorded;
// memory and CPU counters are read only when metrics is non-nil.
func (e *Engine) RunInference(ctx context.Context, input []float32, m *domain.InferenceMetrics) ([]float32, error) {
	return e.run(ctx, input, m, true)
}

func (e *Engine) run(ctx context.Context, input []float32, m *domain.InferenceMetrics, useCache bool) ([]float32, error) {
	e.mu.Lock()
	loaded := e.model != nil
	settings := e.settings
	cache := e.cache
	backend, reason := e.selectBackend()
	e.mu.Unlock()

	if !loaded {
		e.report(ctx, "Inference requested with no model loaded", domain.SeverityError, domain.CategoryModel)
		return nil, ErrModelNotLoaded
	}
	if len(input) == 0 {
		e.report(ctx, "Inference requested with empty input", domain.SeverityWarning, domain.CategoryModel)
		return nil, ErrEmptyInput
	}

	if useCache && cache != nil {
		start := time.Now()
		if out, ok := cache.get(input); ok {
			e.fillMetrics(ctx, m, time.Since(start), nil)
			metrics.InferencesTotal.WithLabelValues(cacheBackend, "success").Inc()
			e.checkMemoryLimit(ctx, settings.MemoryLimitMB)

			e.mu.Lock()
			e.lastBackend = cacheBackend
			e.mu.Unlock()
			return out, nil
		}
	}

	if reason != "" {
		metrics.FallbacksTotal.WithLabelValues(reason).Inc()
	}
	if backend.GetCurrentPowerProfile() != settings.PowerProfile {
		if err := backend.SetPowerProfile(settings.PowerProfile); err != nil {
			e.log.Warn("Failed to apply power profile", "backend", backend.Name(), "error", err)
		}
	}

	start := time.Now()
	out, pm, err := backend.RunInference(ctx, input)
	elapsed := time.Since(start)
	metrics.InferenceLatency.WithLabelValues(backend.Name()).Observe(elapsed.Seconds())

	if err != nil {
		metrics.InferencesTotal.WithLabelValues(backend.Name(), "error").Inc()
		e.report(ctx, fmt.Sprintf("Inference failed on %s: %v", backend.Name(), err),
			domain.SeverityError, domain.CategoryHardware)
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	metrics.InferencesTotal.WithLabelValues(backend.Name(), "success").Inc()

	var gpu *domain.PerformanceMetrics
	if backend.Name() != string(accelerator.KindCPU) {
		gpu = pm
	}
	e.fillMetrics(ctx, m, elapsed, gpu)
	e.checkMemoryLimit(ctx, settings.MemoryLimitMB)

	e.mu.Lock()
	e.lastBackend = backend.Name()
	e.mu.Unlock()

	if useCache && cache != nil {
		cache.put(input, out)
	}
	return out, nil
}

// selectBackend returns the accelerator when it can serve the loaded model,
// else the CPU fallback and the reason for falling back. Caller holds mu.
func (e *Engine) selectBackend() (accelerator.Accelerator, string) {
	switch {
	case e.accel == nil:
		return e.cpu, ""
	case !e.settings.HardwareEnabled:
		return e.cpu, "hardware_disabled"
	case !e.eligible:
		return e.cpu, "unsupported_operations"
	case !e.accel.IsAvailable():
		return e.cpu, "unavailable"
	default:
		return e.accel, ""
	}
}

func (e *Engine) fillMetrics(ctx context.Context, m *domain.InferenceMetrics, elapsed time.Duration, pm *domain.PerformanceMetrics) {
	if m == nil {
		return
	}
	*m = domain.InferenceMetrics{InferenceTimeMs: float64(elapsed) / float64(time.Millisecond)}
	if pm != nil {
		m.GPUUsagePercent = pm.UtilizationPercent
	}
	if e.counters == nil {
		return
	}
	if mb, err := e.counters.MemoryMB(ctx); err == nil {
		m.MemoryUsageMb = mb
	}
	if pct, err := e.counters.CPUPercent(ctx); err == nil {
		m.CPUUsagePercent = pct
	}
}

func (e *Engine) checkMemoryLimit(ctx context.Context, limitMB float64) {
	if limitMB <= 0 || e.counters == nil {
		return
	}
	mb, err := e.counters.MemoryMB(ctx)
	if err != nil || mb <= limitMB {
		return
	}
	e.report(ctx, fmt.Sprintf("Memory usage %.1f MB exceeds limit %.1f MB", mb, limitMB),
		domain.SeverityWarning, domain.CategoryMemory)
}

// RunBatchInference runs inputs one after another. A failed item does not stop
// the batch; the returned error joins every item failure. Metrics aggregate
// successful items: time is summed, memory and utilization take the maximum.
func (e *Engine) RunBatchInference(ctx context.Context, inputs [][]float32, m *domain.InferenceMetrics) ([][]float32, error) {
	e.mu.Lock()
	loaded := e.model != nil
	maxBatch := e.cfg.MaxBatchSize
	e.mu.Unlock()

	if !loaded {
		e.report(ctx, "Batch inference requested with no model loaded", domain.SeverityError, domain.CategoryModel)
		return nil, ErrModelNotLoaded
	}
	if len(inputs) > maxBatch {
		e.report(ctx, fmt.Sprintf("Batch of %d exceeds max batch size %d", len(inputs), maxBatch),
			domain.SeverityWarning, domain.CategoryModel)
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(inputs), maxBatch)
	}
	metrics.BatchSize.Observe(float64(len(inputs)))

	outputs := make([][]float32, len(inputs))
	items := make([]domain.InferenceMetrics, 0, len(inputs))
	var errs []error
	for i, input := range inputs {
		var im domain.InferenceMetrics
		var imp *domain.InferenceMetrics
		if m != nil {
			imp = &im
		}
		out, err := e.run(ctx, input, imp, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		outputs[i] = out
		items = append(items, im)
	}

	if m != nil {
		*m = AggregateMetrics(items)
	}
	return outputs, errors.Join(errs...)
}

// AggregateMetrics sums inference time and takes the maximum of the other fields.
func AggregateMetrics(items []domain.InferenceMetrics) domain.InferenceMetrics {
	var agg domain.InferenceMetrics
	for _, im := range items {
		agg.InferenceTimeMs += im.InferenceTimeMs
		agg.MemoryUsageMb = max(agg.MemoryUsageMb, im.MemoryUsageMb)
		agg.CPUUsagePercent = max(agg.CPUUsagePercent, im.CPUUsagePercent)
		agg.GPUUsagePercent = max(agg.GPUUsagePercent, im.GPUUsagePercent)
	}
	return agg
}

// WarmUp runs n inferences on a dummy input, bypassing the output cache.
// The first failure aborts the warm-up and is reported.
func (e *Engine) WarmUp(ctx context.Context, n int) error {
	e.mu.Lock()
	m := e.model
	e.mu.Unlock()
	if m == nil {
		return ErrModelNotLoaded
	}

	// Models that cannot report a width still get a one-element input.
	input := make([]float32, max(m.InputSize(), 1))
	for i := range input {
		input[i] = 1
	}
	for i := 0; i < n; i++ {
		if _, err := e.run(ctx, input, nil, false); err != nil {
			e.report(ctx, fmt.Sprintf("Warm-up failed at iteration %d: %v", i+1, err),
				domain.SeverityWarning, domain.CategoryModel)
			return fmt.Errorf("warm-up iteration %d: %w", i+1, err)
		}
	}
	e.log.Debug("Warm-up complete", "runs", n)
	return nil
}

// SetPowerProfile sets the profile applied to the backend on the next call.
func (e *Engine) SetPowerProfile(p domain.PowerProfile) error {
	if _, err := domain.ParsePowerProfile(string(p)); err != nil || p == "" {
		return fmt.Errorf("%w: power profile %q", accelerator.ErrInvalidInput, p)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings.PowerProfile = p
	return nil
}

// SetMemoryLimit sets the resident memory threshold in MB. Zero disables the check.
func (e *Engine) SetMemoryLimit(mb float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings.MemoryLimitMB = max(mb, 0)
}

func (e *Engine) EnableHardwareAcceleration(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings.HardwareEnabled = enabled
}

// SetNumThreads sets the CPU fallback thread count and, where supported, the
// accelerator's.
func (e *Engine) SetNumThreads(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: thread count %d", accelerator.ErrInvalidInput, n)
	}
	e.mu.Lock()
	e.settings.NumThreads = n
	cpu, accel := e.cpu, e.accel
	e.mu.Unlock()

	cpu.SetNumThreads(n)
	if ts, ok := accel.(interface{ SetThreadCount(int) error }); ok {
		if err := ts.SetThreadCount(n); err != nil {
			e.log.Warn("Accelerator rejected thread count", "threads", n, "error", err)
		}
	}
	return nil
}

// ReleaseResources tears down the model and backends and restores default
// settings. Safe to call repeatedly.
func (e *Engine) ReleaseResources() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if e.accel != nil {
		if err := e.accel.ReleaseResources(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.cpu.ReleaseResources(); err != nil {
		errs = append(errs, err)
	}
	e.cpu = accelerator.NewCPU(e.log)

	if e.model != nil {
		if err := e.model.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.model = nil
	e.modelPath = ""
	e.format = ""
	e.cfg = domain.DefaultModelConfig()
	e.eligible = false
	e.cache = nil
	e.lastBackend = ""
	e.settings = DefaultSettings()

	e.log.Info("Engine resources released")
	return errors.Join(errs...)
}

// GetModelInfo describes the loaded model.
func (e *Engine) GetModelInfo() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return "No model loaded"
	}
	backend, _ := e.selectBackend()
	return fmt.Sprintf("Model: %s\nFormat: %s\nBackend: %s\nMax batch size: %d\n%s",
		e.modelPath, e.format, backend.Name(), e.cfg.MaxBatchSize, e.model.Info())
}

func (e *Engine) IsLoaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model != nil
}

// ActiveBackend returns the backend that served the last successful call,
// or "cache" when it was answered from the output cache.
func (e *Engine) ActiveBackend() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastBackend
}

// Accelerator returns the preferred backend, or the CPU fallback when none is configured.
func (e *Engine) Accelerator() accelerator.Accelerator {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.accel == nil {
		return e.cpu
	}
	return e.accel
}

func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// Status returns a snapshot for health reporting.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	selected := string(accelerator.KindCPU)
	if e.accel != nil {
		selected = e.accel.Name()
	}
	return Status{
		Loaded:          e.model != nil,
		ModelPath:       e.modelPath,
		Format:          string(e.format),
		SelectedBackend: selected,
		LastBackend:     e.lastBackend,
		UsingFallback:   e.accel != nil && e.settings.HardwareEnabled && e.lastBackend == string(accelerator.KindCPU),
		Settings:        e.settings,
	}
}

// SupportedFormats lists the formats with a registered loader.
func (e *Engine) SupportedFormats() []domain.ModelFormat {
	formats := e.loaders.Formats()
	slices.Sort(formats)
	return formats
}

func (e *Engine) report(ctx context.Context, msg string, sev domain.Severity, cat domain.Category) {
	if err := e.reporter.ReportError(ctx, msg, sev, cat, Component); err != nil {
		e.log.Debug("Error report rejected", "error", err)
	}
}

type noopReporter struct{}

func (noopReporter) ReportError(context.Context, string, domain.Severity, domain.Category, string) error {
	return nil
}
