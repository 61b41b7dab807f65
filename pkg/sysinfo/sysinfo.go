// Package sysinfo collects a best-effort host snapshot for reports.
package sysinfo

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot describes the host a run executed on. Fields that could
// not be collected are left zero.
type Snapshot struct {
	Hostname        string `json:"hostname,omitempty"`
	OS              string `json:"os,omitempty"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty"`
	CPUCount        int    `json:"cpu_count,omitempty"`
	TotalMemoryMB   uint64 `json:"total_memory_mb,omitempty"`
}

// Collect gathers the snapshot. Collection errors are tolerated; a
// report is still useful without host details.
func Collect() Snapshot {
	var snap Snapshot

	if info, err := host.Info(); err == nil {
		snap.Hostname = info.Hostname
		snap.OS = info.OS
		snap.Platform = info.Platform
		snap.PlatformVersion = info.PlatformVersion
		snap.KernelVersion = info.KernelVersion
	}

	if count, err := cpu.Counts(true); err == nil {
		snap.CPUCount = count
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.TotalMemoryMB = vm.Total / (1024 * 1024)
	}

	return snap
}
