package control

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/vietddude/edgeinfer/internal/core/domain"
	"github.com/vietddude/edgeinfer/internal/inference/engine"
	"github.com/vietddude/edgeinfer/internal/inference/recovery"
	"github.com/vietddude/edgeinfer/internal/infra/accelerator"
	"github.com/vietddude/edgeinfer/internal/infra/sysmetrics"
)

// RegisterDefaultStrategies installs the built-in hardware and memory strategies.
func RegisterDefaultStrategies(rec *recovery.Engine, eng *engine.Engine, counters sysmetrics.Reader) {
	rec.RegisterRecoveryStrategy(domain.CategoryHardware, HardwareStrategy(eng))
	rec.RegisterRecoveryStrategy(domain.CategoryMemory, MemoryStrategy(eng, counters))
}

// HardwareStrategy resets a Ready accelerator. A Failed or Released
// accelerator counts as recovered because the CPU fallback serves instead.
func HardwareStrategy(eng *engine.Engine) recovery.Strategy {
	return func(ec domain.ErrorContext) error {
		accel := eng.Accelerator()
		switch accel.State() {
		case accelerator.StateReady:
			return accel.ResetState()
		case accelerator.StateFailed, accelerator.StateReleased:
			return nil
		default:
			return fmt.Errorf("%w: backend %s is %s", accelerator.ErrNotInitialized, accel.Name(), accel.State())
		}
	}
}

// MemoryStrategy returns freed heap to the OS and, when a limit and counters
// are available, checks that usage dropped below the limit.
func MemoryStrategy(eng *engine.Engine, counters sysmetrics.Reader) recovery.Strategy {
	return func(ec domain.ErrorContext) error {
		debug.FreeOSMemory()

		limit := eng.Settings().MemoryLimitMB
		if counters == nil || limit <= 0 {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		mb, err := counters.MemoryMB(ctx)
		if err != nil {
			return nil
		}
		if mb > limit {
			return fmt.Errorf("memory usage %.1f MB still above limit %.1f MB", mb, limit)
		}
		return nil
	}
}
