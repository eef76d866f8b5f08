package minecraft

import (
	"github.com/shirou/gopsutil/v4/process"
)

// sampleProcess reads CPU and resident memory for one child process.
func sampleProcess(pid int32) (cpuPercent float64, memoryBytes uint64, err error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return 0, 0, err
	}
	cpuPercent, err = proc.CPUPercent()
	if err != nil {
		return 0, 0, err
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return cpuPercent, 0, err
	}
	return cpuPercent, mem.RSS, nil
}
