// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package worker

import (
	"time"

	"github.com/sandia-minimega/kfuzz/pkg/minilog"
)

// healthCheckRate mirrors DirWatcher's fixed-rate ticker idiom for
// background polling.
const healthCheckRate = 10 * time.Second

// HealthLogger periodically samples a worker's QEMU process's CPU and
// memory use via /proc and logs it, the teacher's equivalent of
// cmd/minimega's own ProcStats-based VM resource accounting, scoped down to
// one process instead of a namespace-wide VM fleet.
type HealthLogger struct {
	workerID int
	pid      int
	rate     time.Duration

	cancel chan struct{}
	done   chan struct{}
}

// NewHealthLogger creates a logger that samples pid (the QEMU process
// backing worker workerID) at the default rate. It does not start sampling
// until Start is called.
func NewHealthLogger(workerID, pid int) *HealthLogger {
	return NewHealthLoggerRate(workerID, pid, healthCheckRate)
}

// NewHealthLoggerRate is NewHealthLogger with an explicit sample interval,
// for tests that cannot afford to wait out the production default.
func NewHealthLoggerRate(workerID, pid int, rate time.Duration) *HealthLogger {
	return &HealthLogger{
		workerID: workerID,
		pid:      pid,
		rate:     rate,
		cancel:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the background sampling goroutine. Stop must be called to
// release it.
func (h *HealthLogger) Start() {
	go func() {
		defer close(h.done)

		t := time.NewTicker(h.rate)
		defer t.Stop()

		prev, err := ReadProcStats(h.pid)
		if err != nil {
			minilog.Warn("worker %d: health: %v", h.workerID, err)
		}

		for {
			select {
			case <-h.cancel:
				return
			case <-t.C:
				cur, err := ReadProcStats(h.pid)
				if err != nil {
					minilog.Warn("worker %d: health: %v", h.workerID, err)
					continue
				}
				if prev != nil {
					minilog.Info("worker %d: cpu=%.1f%% rss=%dMB", h.workerID, prev.CPU(cur)*100, cur.ResidentBytes()/(1<<20))
				}
				prev = cur
			}
		}
	}()
}

// Stop halts the sampling goroutine and waits for it to exit.
func (h *HealthLogger) Stop() {
	close(h.cancel)
	<-h.done
}
