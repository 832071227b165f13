package dispatch

import (
	"errors"

	"github.com/shirou/gopsutil/v3/process"
)

// WorkerStats reports resource usage for the dispatcher's worker
// subprocess, sampled the same way the teacher's infrastructure collector
// sampled its own process: gopsutil against a PID, not /proc parsing.
type WorkerStats struct {
	PID           int32
	CPUPercent    float64
	MemoryMB      float64
	MemoryPercent float32
}

// WorkerStats samples the worker subprocess's CPU and memory usage. It
// returns an error if the dispatcher has not been started or the worker
// has already exited - a dead worker has no stats to sample, and the
// dispatcher itself will be surfacing that as a TransportError elsewhere.
func (d *Dispatcher) WorkerStats() (WorkerStats, error) {
	if d.cmd == nil || d.cmd.Process == nil {
		return WorkerStats{}, errors.New("dispatch: WorkerStats: dispatcher has not started a worker process")
	}

	proc, err := process.NewProcess(int32(d.cmd.Process.Pid))
	if err != nil {
		return WorkerStats{}, err
	}

	stats := WorkerStats{PID: int32(d.cmd.Process.Pid)}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryMB = float64(mem.RSS) / (1024 * 1024)
	}
	if memPct, err := proc.MemoryPercent(); err == nil {
		stats.MemoryPercent = memPct
	}
	return stats, nil
}
