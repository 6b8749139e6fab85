// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package worker

import (
	"fmt"
	"os"
	"time"

	proc "github.com/c9s/goprocinfo/linux"
)

// clkTck is the kernel clock tick rate used to convert /proc/<pid>/stat's
// utime/stime fields into seconds. The teacher reads this via cgo's
// sysconf(_SC_CLK_TCK); Linux has fixed this at 100 on every architecture
// minimega or kfuzz ships on, so it's hardcoded here instead of paying for a
// cgo dependency in a single fuzzing-loop health check.
const clkTck = 100

var pageSize = uint64(os.Getpagesize())

// ProcStats is a single /proc/<pid> snapshot: CPU ticks and memory size,
// resident, and shared-page counts, captured between Begin and End.
type ProcStats struct {
	*proc.ProcessStat
	*proc.ProcessStatm

	Begin, End time.Time
}

// ReadProcStats reads the current /proc/<pid>/stat and /proc/<pid>/statm
// for pid, the way GetProcStats does in the teacher's proc.go, minus the
// child-process tree walk: a kfuzz worker's QEMU process is the unit of
// interest, not a process group.
func ReadProcStats(pid int) (*ProcStats, error) {
	p := &ProcStats{Begin: time.Now()}

	stat, err := proc.ReadProcessStat(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil, fmt.Errorf("procstats: reading stat for pid %d: %w", pid, err)
	}
	p.ProcessStat = stat

	statm, err := proc.ReadProcessStatm(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return nil, fmt.Errorf("procstats: reading statm for pid %d: %w", pid, err)
	}
	p.ProcessStatm = statm

	p.End = time.Now()
	return p, nil
}

// CPU computes the fraction of wall-clock time between p and p2 that the
// process spent on-CPU (user+system), matching the teacher's ProcStats.CPU.
func (p *ProcStats) CPU(p2 *ProcStats) float64 {
	ticks := float64((p2.Utime + p2.Stime) - (p.Utime + p.Stime))
	d := p2.End.Sub(p.Begin)
	if d <= 0 {
		return 0
	}
	return ticks / clkTck / d.Seconds()
}

// ResidentBytes is the process's current resident set size in bytes.
func (p *ProcStats) ResidentBytes() uint64 {
	return pageSize * p.ProcessStatm.Resident
}
