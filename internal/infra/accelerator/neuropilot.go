package accelerator

import (
	"fmt"
	"log/slog"

	"github.com/vietddude/edgeinfer/internal/core/domain"
)

var neuroPilotOperations = []string{
	domain.OpConv2D,
	domain.OpDepthwiseConv2D,
	domain.OpFullyConnected,
}

// APU boost values.
var neuroPilotBoost = map[domain.PowerProfile]int{
	domain.PowerProfileLowPower:        0,
	domain.PowerProfileBalanced:        50,
	domain.PowerProfileHighPerformance: 100,
}

// NeuroPilotTuner is implemented by runtimes that expose thread and profiling controls.
type NeuroPilotTuner interface {
	SetThreadCount(n int) error
	EnableProfiling(on bool) error
}

// NeuroPilot drives a MediaTek APU.
type NeuroPilot struct {
	*vendorBackend

	threads   int
	profiling bool
}

// NewNeuroPilot creates a NeuroPilot backend over rt.
func NewNeuroPilot(rt VendorRuntime, log *slog.Logger) *NeuroPilot {
	n := &NeuroPilot{
		vendorBackend: newVendorBackend(string(KindNeuroPilot), neuroPilotOperations, neuroPilotBoost, rt, log),
		threads:       1,
	}
	n.onReady = n.applyTuning
	return n
}

// SetThreadCount sets the number of APU worker threads.
func (n *NeuroPilot) SetThreadCount(count int) error {
	if count < 1 {
		return newError(n.name, "set_thread_count", CodeInvalidInput, fmt.Errorf("thread count %d", count))
	}
	n.opMu.Lock()
	defer n.opMu.Unlock()
	n.threads = count
	if n.State() != StateReady {
		return nil
	}
	return n.wrapTuning("set_thread_count", n.applyTuning())
}

// EnableProfiling toggles per-call driver profiling.
func (n *NeuroPilot) EnableProfiling(on bool) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	n.profiling = on
	if n.State() != StateReady {
		return nil
	}
	return n.wrapTuning("enable_profiling", n.applyTuning())
}

// ThreadCount returns the configured thread count.
func (n *NeuroPilot) ThreadCount() int {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	return n.threads
}

// ProfilingEnabled reports whether profiling was requested.
func (n *NeuroPilot) ProfilingEnabled() bool {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	return n.profiling
}

// applyTuning pushes pending settings to the runtime. Caller holds opMu.
func (n *NeuroPilot) applyTuning() error {
	tuner, ok := n.rt.(NeuroPilotTuner)
	if !ok {
		return nil
	}
	if err := tuner.SetThreadCount(n.threads); err != nil {
		return err
	}
	return tuner.EnableProfiling(n.profiling)
}
