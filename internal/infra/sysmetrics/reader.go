// Package sysmetrics reads OS counters for the inference engine.
package sysmetrics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"
)

// ErrUnavailable is returned when the host does not expose a counter.
var ErrUnavailable = errors.New("counter unavailable")

// Reader provides per-process and device counters.
type Reader interface {
	MemoryMB(ctx context.Context) (float64, error)
	CPUPercent(ctx context.Context) (float64, error)
	TemperatureC(ctx context.Context) (float64, error)
	PowerMW(ctx context.Context) (float64, error)
}

// ProcessReader reads counters for the current process via gopsutil.
type ProcessReader struct {
	mu   sync.Mutex
	proc *process.Process

	// powerGlob locates power_now files (microwatts) under sysfs.
	powerGlob string
}

// NewProcessReader creates a reader bound to the running process.
func NewProcessReader() (*ProcessReader, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open process: %w", err)
	}
	return &ProcessReader{
		proc:      p,
		powerGlob: "/sys/class/power_supply/*/power_now",
	}, nil
}

// MemoryMB returns the resident set size in megabytes.
func (r *ProcessReader) MemoryMB(ctx context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := r.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return float64(info.RSS) / 1024 / 1024, nil
}

// CPUPercent returns process CPU usage since the previous call.
// The first call returns 0.
func (r *ProcessReader) CPUPercent(ctx context.Context) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pct, err := r.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return pct, nil
}

// TemperatureC returns the hottest sensor reading.
func (r *ProcessReader) TemperatureC(ctx context.Context) (float64, error) {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if len(temps) == 0 {
		if err == nil {
			err = errors.New("no sensors")
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	hottest := temps[0].Temperature
	for _, t := range temps[1:] {
		hottest = max(hottest, t.Temperature)
	}
	return hottest, nil
}

// PowerMW sums power_now across power supplies.
func (r *ProcessReader) PowerMW(ctx context.Context) (float64, error) {
	files, _ := filepath.Glob(r.powerGlob)
	var total float64
	var found bool
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		uw, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
		if err != nil {
			continue
		}
		total += uw / 1000
		found = true
	}
	if !found {
		return 0, ErrUnavailable
	}
	return total, nil
}
