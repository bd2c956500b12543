package sysmetrics

import (
	"context"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/vietddude/edgeinfer/internal/core/domain"
)

// Snapshotter captures the device environment attached to error reports.
type Snapshotter interface {
	Snapshot(ctx context.Context) domain.DeviceSnapshot
}

// HostSnapshotter reads host info once and serves the cached value.
type HostSnapshotter struct {
	once sync.Once
	snap domain.DeviceSnapshot
}

// Snapshot returns the host description. Missing fields fall back to the Go runtime.
func (h *HostSnapshotter) Snapshot(ctx context.Context) domain.DeviceSnapshot {
	h.once.Do(func() {
		h.snap = domain.DeviceSnapshot{OS: runtime.GOOS, Arch: runtime.GOARCH}
		info, err := host.InfoWithContext(ctx)
		if err != nil {
			return
		}
		h.snap.Platform = info.Platform
		h.snap.PlatformVersion = info.PlatformVersion
		h.snap.KernelVersion = info.KernelVersion
		h.snap.Hostname = info.Hostname
		if info.OS != "" {
			h.snap.OS = info.OS
		}
		if info.KernelArch != "" {
			h.snap.Arch = info.KernelArch
		}
	})
	return h.snap
}

// StaticSnapshotter always returns the same snapshot.
type StaticSnapshotter domain.DeviceSnapshot

func (s StaticSnapshotter) Snapshot(context.Context) domain.DeviceSnapshot {
	return domain.DeviceSnapshot(s)
}
