// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package worker

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sandia-minimega/kfuzz/pkg/minilog"
)

// dirWatchRate is how often DirWatcher sweeps its monitored directory,
// mirroring the teacher's fixed-rate ticker idiom for background polling.
const dirWatchRate = 10 * time.Second

// DirWatcher periodically scans a directory for regular files it has not
// seen before and feeds them into worker 0's corpus. Only worker 0 runs a
// DirWatcher; its own mutex guards the set of already-seen file names, and
// corpus additions go through Worker.AddToCorpus, which serializes them
// against the worker's own corpus reads with the worker's corpus lock.
type DirWatcher struct {
	dir    string
	worker *Worker
	rate   time.Duration

	mu   sync.Mutex
	seen map[string]bool

	cancel chan struct{}
	done   chan struct{}
}

// NewDirWatcher creates a watcher over dir that feeds newly discovered
// files into w's corpus, sweeping at the default rate. It does not start
// sweeping until Start is called.
func NewDirWatcher(dir string, w *Worker) *DirWatcher {
	return NewDirWatcherRate(dir, w, dirWatchRate)
}

// NewDirWatcherRate is NewDirWatcher with an explicit sweep interval, for
// tests that cannot afford to wait out the production default.
func NewDirWatcherRate(dir string, w *Worker, rate time.Duration) *DirWatcher {
	return &DirWatcher{
		dir:    dir,
		worker: w,
		rate:   rate,
		seen:   make(map[string]bool),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins the background sweep goroutine. Stop must be called to
// release it.
func (d *DirWatcher) Start() {
	go func() {
		defer close(d.done)

		t := time.NewTicker(d.rate)
		defer t.Stop()

		d.sweep()

		for {
			select {
			case <-d.cancel:
				return
			case <-t.C:
				d.sweep()
			}
		}
	}()
}

// Stop halts the sweep goroutine and waits for it to exit.
func (d *DirWatcher) Stop() {
	close(d.cancel)
	<-d.done
}

func (d *DirWatcher) sweep() {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		minilog.Warn("dirwatcher: reading %s: %v", d.dir, err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() || d.seen[e.Name()] {
			continue
		}
		d.seen[e.Name()] = true

		data, err := os.ReadFile(filepath.Join(d.dir, e.Name()))
		if err != nil {
			minilog.Warn("dirwatcher: reading %s: %v", e.Name(), err)
			continue
		}

		d.worker.AddToCorpus(data)
		minilog.Debug("dirwatcher: added %s to worker %d corpus", e.Name(), d.worker.ID)
	}
}
