package monitor

import (
	"path"
	"slices"
	"strings"
)

// Counter paths accepted by metricconfig
const (
	PathProcessorTime     = `\Processor(_Total)\% Processor Time`
	PathAvailableMBytes   = `\Memory\Available MBytes`
	PathNetworkBytesTotal = `\Network Interface(*)\Bytes Total/sec`
	PathDiskFreeSpace     = `\LogicalDisk(_Total)\% Free Space`
	PathContextSwitches   = `\System\Context Switches/sec`
	PathProcessorQueue    = `\System\Processor Queue Length`
)

// Default umids reported without any metricconfig
const (
	defaultCPUMetric     = 1
	defaultCPUInstance   = 1
	defaultMemoryMetric  = 3
	defaultMemoryInst    = 0
	defaultNetworkMetric = 12
	defaultNetworkInst   = 1
)

// readings is one derived view of the machine that samplers read from
type readings struct {
	cpuUsage          float32
	availableMemoryMB float32
	totalMemoryMB     float32
	networkBps        float32
	interfaceBps      map[string]float32
	diskFreePercent   float32
	contextSwitches   float32
	queueLength       float32
}

type counterDef struct {
	sample func(r *readings, instance string) (float32, bool)

	// instances lists the instance names; nil for single-instance counters
	instances func(r *readings) []string
}

var counterDefs = map[string]counterDef{
	normalizePath(PathProcessorTime): {
		sample: func(r *readings, _ string) (float32, bool) { return r.cpuUsage, true },
	},
	normalizePath(PathAvailableMBytes): {
		sample: func(r *readings, _ string) (float32, bool) { return r.availableMemoryMB, true },
	},
	normalizePath(PathNetworkBytesTotal): {
		sample: func(r *readings, instance string) (float32, bool) {
			if instance == "" {
				return r.networkBps, true
			}
			v, ok := r.interfaceBps[instance]
			return v, ok
		},
		instances: func(r *readings) []string {
			names := make([]string, 0, len(r.interfaceBps))
			for name := range r.interfaceBps {
				names = append(names, name)
			}
			slices.Sort(names)
			return names
		},
	},
	normalizePath(PathDiskFreeSpace): {
		sample: func(r *readings, _ string) (float32, bool) { return r.diskFreePercent, true },
	},
	normalizePath(PathContextSwitches): {
		sample: func(r *readings, _ string) (float32, bool) { return r.contextSwitches, true },
	},
	normalizePath(PathProcessorQueue): {
		sample: func(r *readings, _ string) (float32, bool) { return r.queueLength, true },
	},
}

func normalizePath(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

func lookupCounter(p string) (counterDef, bool) {
	def, ok := counterDefs[normalizePath(p)]
	return def, ok
}

// matchInstances filters names with a shell glob; an empty filter
// matches everything.
func matchInstances(names []string, filter string) []string {
	if filter == "" {
		return names
	}
	var out []string
	for _, name := range names {
		if ok, err := path.Match(filter, name); err == nil && ok {
			out = append(out, name)
		}
	}
	return out
}
