package monitor

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/cuemby/hpcagent/pkg/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// SystemSample holds the cumulative and instantaneous readings of one
// probe pass. Rates are derived by the Monitor from consecutive samples.
type SystemSample struct {
	// CPUTotal and CPUIdle are cumulative seconds across all cpus
	CPUTotal float64
	CPUIdle  float64

	MemoryAvailable uint64
	MemoryTotal     uint64

	// NetworkBytes is the cumulative bytes sent plus received per interface
	NetworkBytes map[string]uint64

	DiskFreePercent float64
	ContextSwitches uint64
	ProcsRunning    int
}

// HostSample describes the machine
type HostSample struct {
	Hostname string
	Distro   string
	Cores    int
	Sockets  int
	Networks []types.NetworkInfo
}

// Probe queries the operating system. Implementations hold no state.
type Probe interface {
	Sample() (SystemSample, error)
	Host() (HostSample, error)
}

// SystemProbe reads the local machine through gopsutil
type SystemProbe struct {
	// DiskPath is the mount point reported as free space
	DiskPath string
}

// NewSystemProbe creates a probe for the local machine
func NewSystemProbe() *SystemProbe {
	return &SystemProbe{DiskPath: "/"}
}

// Sample implements Probe. Readings that fail are left zero and their
// errors joined.
func (p *SystemProbe) Sample() (SystemSample, error) {
	var s SystemSample
	var errs []error

	if times, err := cpu.Times(false); err != nil {
		errs = append(errs, fmt.Errorf("cpu times: %w", err))
	} else if len(times) > 0 {
		t := times[0]
		s.CPUTotal = t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
		s.CPUIdle = t.Idle + t.Iowait
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	} else {
		s.MemoryAvailable = vm.Available
		s.MemoryTotal = vm.Total
	}

	if counters, err := psnet.IOCounters(true); err != nil {
		errs = append(errs, fmt.Errorf("network counters: %w", err))
	} else {
		s.NetworkBytes = make(map[string]uint64, len(counters))
		for _, c := range counters {
			s.NetworkBytes[c.Name] = c.BytesSent + c.BytesRecv
		}
	}

	if usage, err := disk.Usage(p.DiskPath); err != nil {
		errs = append(errs, fmt.Errorf("disk usage: %w", err))
	} else {
		s.DiskFreePercent = 100 - usage.UsedPercent
	}

	if misc, err := load.Misc(); err != nil {
		errs = append(errs, fmt.Errorf("load: %w", err))
	} else {
		s.ContextSwitches = uint64(misc.Ctxt)
		s.ProcsRunning = misc.ProcsRunning
	}

	return s, errors.Join(errs...)
}

// Host implements Probe
func (p *SystemProbe) Host() (HostSample, error) {
	var h HostSample
	var errs []error

	if info, err := host.Info(); err != nil {
		errs = append(errs, fmt.Errorf("host info: %w", err))
	} else {
		h.Hostname = info.Hostname
		h.Distro = strings.TrimSpace(info.Platform + " " + info.PlatformVersion + " " + info.KernelVersion)
	}

	if cores, err := cpu.Counts(true); err != nil {
		errs = append(errs, fmt.Errorf("cpu count: %w", err))
	} else {
		h.Cores = cores
	}

	if infos, err := cpu.Info(); err != nil {
		errs = append(errs, fmt.Errorf("cpu info: %w", err))
	} else {
		h.Sockets = countSockets(infos)
	}

	if ifaces, err := psnet.Interfaces(); err != nil {
		errs = append(errs, fmt.Errorf("interfaces: %w", err))
	} else {
		h.Networks = networkInfo(ifaces)
	}

	return h, errors.Join(errs...)
}

func countSockets(infos []cpu.InfoStat) int {
	ids := make(map[string]struct{})
	for _, info := range infos {
		ids[info.PhysicalID] = struct{}{}
	}
	return max(1, len(ids))
}

func networkInfo(ifaces psnet.InterfaceStatList) []types.NetworkInfo {
	out := make([]types.NetworkInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		if isLoopback(iface.Flags) {
			continue
		}
		info := types.NetworkInfo{
			Name:       iface.Name,
			MacAddress: iface.HardwareAddr,
			IsIB:       strings.HasPrefix(iface.Name, "ib"),
		}
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip == nil {
				continue
			}
			if ip.To4() != nil {
				if info.IpV4 == "" {
					info.IpV4 = ip.String()
				}
			} else if info.IpV6 == "" {
				info.IpV6 = ip.String()
			}
		}
		out = append(out, info)
	}
	return out
}

func isLoopback(flags []string) bool {
	for _, f := range flags {
		if f == "loopback" {
			return true
		}
	}
	return false
}
