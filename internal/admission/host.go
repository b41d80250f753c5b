package admission

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostSampler reads load figures from the local host.
type HostSampler struct {
	cpus int
}

// NewHostSampler counts logical cores once.
func NewHostSampler() *HostSampler {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}
	return &HostSampler{cpus: n}
}

func (h *HostSampler) LoadAverage() (float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}

func (h *HostSampler) Memory() (uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Used, vm.Total, nil
}

func (h *HostSampler) LogicalCPUs() int {
	return h.cpus
}
