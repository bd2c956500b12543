package accelerator

import (
	"fmt"
	"log/slog"

	"github.com/vietddude/edgeinfer/internal/core/domain"
)

// DSP power levels accepted by SetDSPPowerLevel.
const (
	MinDSPPowerLevel = 0
	MaxDSPPowerLevel = 5
)

var hexagonOperations = []string{
	domain.OpConv2D,
	domain.OpDepthwiseConv2D,
	domain.OpFullyConnected,
	domain.OpQuantized16BitLSTM,
	domain.OpHashtableLookup,
	domain.OpSoftmax,
}

var hexagonLevels = map[domain.PowerProfile]int{
	domain.PowerProfileLowPower:        1,
	domain.PowerProfileBalanced:        3,
	domain.PowerProfileHighPerformance: 5,
}

// HexagonTuner is implemented by runtimes that expose FastRPC and cache controls.
type HexagonTuner interface {
	EnableFastRPC() error
	ConfigureCache(bytes int) error
}

// Hexagon drives a Qualcomm Hexagon DSP.
type Hexagon struct {
	*vendorBackend

	fastRPC    bool
	cacheBytes int
}

// NewHexagon creates a Hexagon backend over rt.
func NewHexagon(rt VendorRuntime, log *slog.Logger) *Hexagon {
	h := &Hexagon{
		vendorBackend: newVendorBackend(string(KindHexagon), hexagonOperations, hexagonLevels, rt, log),
	}
	h.onReady = h.applyTuning
	return h
}

// SetDSPPowerLevel sets a raw DSP power level in [0, 5].
// The reported power profile is unchanged.
func (h *Hexagon) SetDSPPowerLevel(level int) error {
	if level < MinDSPPowerLevel || level > MaxDSPPowerLevel {
		return newError(h.name, "set_dsp_power_level", CodeInvalidInput,
			fmt.Errorf("level %d outside [%d, %d]", level, MinDSPPowerLevel, MaxDSPPowerLevel))
	}
	if err := h.requireReady("set_dsp_power_level"); err != nil {
		return err
	}

	h.opMu.Lock()
	defer h.opMu.Unlock()
	if err := h.rt.SetPowerLevel(level); err != nil {
		e := newError(h.name, "set_dsp_power_level", CodeHardware, err)
		h.lastErr = e
		return e
	}
	h.appliedLevel = level
	return nil
}

// DSPPowerLevel returns the level last applied to the driver, or -1.
func (h *Hexagon) DSPPowerLevel() int {
	h.opMu.Lock()
	defer h.opMu.Unlock()
	return h.appliedLevel
}

// EnableFastRPC turns on FastRPC transport, now or at Initialize.
func (h *Hexagon) EnableFastRPC() error {
	h.opMu.Lock()
	defer h.opMu.Unlock()
	h.fastRPC = true
	if h.State() != StateReady {
		return nil
	}
	return h.wrapTuning("enable_fastrpc", h.applyTuning())
}

// ConfigureCache sets the DSP-side cache size in bytes.
func (h *Hexagon) ConfigureCache(bytes int) error {
	if bytes <= 0 {
		return newError(h.name, "configure_cache", CodeInvalidInput, fmt.Errorf("cache size %d", bytes))
	}
	h.opMu.Lock()
	defer h.opMu.Unlock()
	h.cacheBytes = bytes
	if h.State() != StateReady {
		return nil
	}
	return h.wrapTuning("configure_cache", h.applyTuning())
}

// FastRPCEnabled reports whether FastRPC was requested.
func (h *Hexagon) FastRPCEnabled() bool {
	h.opMu.Lock()
	defer h.opMu.Unlock()
	return h.fastRPC
}

// applyTuning pushes pending settings to the runtime. Caller holds opMu.
func (h *Hexagon) applyTuning() error {
	tuner, ok := h.rt.(HexagonTuner)
	if !ok {
		return nil
	}
	if h.fastRPC {
		if err := tuner.EnableFastRPC(); err != nil {
			return err
		}
	}
	if h.cacheBytes > 0 {
		if err := tuner.ConfigureCache(h.cacheBytes); err != nil {
			return err
		}
	}
	return nil
}
