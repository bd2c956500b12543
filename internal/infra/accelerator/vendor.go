package accelerator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/vietddude/edgeinfer/internal/infra/model"
)

// ErrNoBinding is returned by DeviceRuntime when the device exists but no
// vendor library is linked into the binary.
var ErrNoBinding = errors.New("vendor runtime binding not linked")

// RuntimeStats is reported by a vendor runtime for each execution.
type RuntimeStats struct {
	PowerMw            float64
	UtilizationPercent float64
}

// VendorRuntime is the handle to a vendor driver/SDK.
type VendorRuntime interface {
	// Probe checks that the device is present without opening it.
	Probe() error
	Open(ctx context.Context) error
	Compile(m model.Model) error
	Execute(ctx context.Context, input []float32) ([]float32, RuntimeStats, error)
	SetPowerLevel(level int) error
	DriverVersion() string
	FirmwareVersion() string
	Close() error
}

// DeviceRuntime detects a vendor device through its device nodes and sysfs
// entries. It cannot execute models; Open fails with ErrNoBinding.
type DeviceRuntime struct {
	Nodes        []string
	DriverFile   string
	FirmwareFile string
}

// NewHexagonDeviceRuntime probes the FastRPC device nodes exposed by the adsprpc driver.
func NewHexagonDeviceRuntime() *DeviceRuntime {
	return &DeviceRuntime{
		Nodes:        []string{"/dev/fastrpc-cdsp", "/dev/adsprpc-smd"},
		DriverFile:   "/sys/module/adsprpc/version",
		FirmwareFile: "/sys/kernel/boot_cdsp/version",
	}
}

// NewNeuroPilotDeviceRuntime probes the MediaTek APU system device.
func NewNeuroPilotDeviceRuntime() *DeviceRuntime {
	return &DeviceRuntime{
		Nodes:        []string{"/dev/apusys"},
		DriverFile:   "/sys/module/apusys/version",
		FirmwareFile: "/sys/kernel/apusys/fw_version",
	}
}

func (d *DeviceRuntime) Probe() error {
	for _, n := range d.Nodes {
		if _, err := os.Stat(n); err == nil {
			return nil
		}
	}
	return fmt.Errorf("device not present (checked %s)", strings.Join(d.Nodes, ", "))
}

func (d *DeviceRuntime) Open(ctx context.Context) error {
	if err := d.Probe(); err != nil {
		return err
	}
	return ErrNoBinding
}

func (d *DeviceRuntime) Compile(model.Model) error {
	return ErrNoBinding
}

func (d *DeviceRuntime) Execute(context.Context, []float32) ([]float32, RuntimeStats, error) {
	return nil, RuntimeStats{}, ErrNoBinding
}

func (d *DeviceRuntime) SetPowerLevel(int) error {
	return ErrNoBinding
}

func (d *DeviceRuntime) DriverVersion() string {
	return readTrimmed(d.DriverFile)
}

func (d *DeviceRuntime) FirmwareVersion() string {
	return readTrimmed(d.FirmwareFile)
}

func (d *DeviceRuntime) Close() error {
	return nil
}

func readTrimmed(path string) string {
	if path == "" {
		return "unknown"
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(raw))
}
