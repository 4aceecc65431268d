package orchestrator

import (
	"os"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/aristath/warden/internal/domain"
)

// defaultMaxRSS is the process resident-set ceiling when none is configured.
const defaultMaxRSS = 2 << 30

// hostMemoryLimitPct is the host memory usage above which the probe fails.
const hostMemoryLimitPct = 95.0

// HostComponent returns a probe-only component that watches process RSS and
// host memory pressure. maxRSSBytes of 0 uses the default ceiling. Probe
// read failures report healthy: an unreadable /proc is not a trading fault.
func HostComponent(maxRSSBytes uint64) Component {
	if maxRSSBytes == 0 {
		maxRSSBytes = defaultMaxRSS
	}
	proc, procErr := process.NewProcess(int32(os.Getpid()))

	return Component{
		Name: "host",
		Probe: func() error {
			if vm, err := mem.VirtualMemory(); err == nil && vm.UsedPercent > hostMemoryLimitPct {
				return domain.Errorf(domain.ErrBackpressure, "host memory at %.1f%%", vm.UsedPercent)
			}
			if procErr != nil {
				return nil
			}
			memInfo, err := proc.MemoryInfo()
			if err != nil {
				return nil
			}
			if memInfo.RSS > maxRSSBytes {
				return domain.Errorf(domain.ErrBackpressure, "process rss %d bytes over limit %d", memInfo.RSS, maxRSSBytes)
			}
			return nil
		},
	}
}
