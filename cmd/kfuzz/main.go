// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Command kfuzz launches one or more snapshot-fuzzed QEMU instances in
// parallel, each with its own on-disk corpus under -queue-dir.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sandia-minimega/kfuzz/internal/covmap"
	"github.com/sandia-minimega/kfuzz/internal/executor"
	"github.com/sandia-minimega/kfuzz/internal/qemuvm"
	"github.com/sandia-minimega/kfuzz/internal/worker"
	log "github.com/sandia-minimega/kfuzz/pkg/minilog"
)

var (
	f_qemuCommandJSON = flag.String("qemu-command-json", "", "path to a JSON array of the base QEMU argument vector")
	f_basePort        = flag.Int("base-port", 10000, "base port; instance N uses base-port+N for its socket names")
	f_numInstances    = flag.Int("num-instances", 1, "number of parallel QEMU instances to run")
	f_snapshotTag     = flag.String("snapshot-tag", "fuzz", "QEMU savevm/loadvm tag")
	f_traceOnly       = flag.Bool("trace-only", false, "run each initial corpus file once, dumping its coverage trace, instead of fuzzing")
	f_symbols         = flag.String("symbols", "", "optional symbols file for trace-only mode")
	f_outputDir       = flag.String("output-dir", "out", "directory for crash/timeout objectives (and traces, in -trace-only mode)")
	f_queueDir        = flag.String("queue-dir", "queue", "directory for per-instance corpora")
	f_useGrimoire     = flag.Bool("use-grimoire", false, "use the Grimoire token-splice mutator instead of havoc")
	f_monitorDir      = flag.String("monitor-dir", "", "directory to watch for externally-discovered inputs, fed into instance 0's corpus")
	f_shape           = flag.String("cov-shape", "bitmap", "coverage map shape: bitmap or pctrace")
	f_timeout         = flag.Duration("timeout", 2*time.Second, "per-iteration guest response timeout")
	f_affinity        = flag.Bool("affinity", false, "pin each instance's QEMU process to its own CPU with taskset")

	f_initialCorpus stringList
)

// stringList accumulates repeated -initial-corpus flag occurrences into a
// slice, the way cmd/minimega accumulates repeatable options.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func init() {
	flag.Var(&f_initialCorpus, "initial-corpus", "path to an initial corpus file; may be repeated")
}

func main() {
	flag.Parse()
	log.Init()

	if *f_qemuCommandJSON == "" {
		log.Fatalln("-qemu-command-json is required")
	}

	shape := covmap.Bitmap
	if *f_shape == "pctrace" {
		shape = covmap.PCTrace
	} else if *f_shape != "bitmap" {
		log.Fatal("unknown -cov-shape %q, want bitmap or pctrace", *f_shape)
	}

	if *f_traceOnly {
		if err := runTraceOnly(shape); err != nil {
			log.Fatalln(err)
		}
		return
	}

	if err := run(shape); err != nil {
		log.Fatalln(err)
	}
}

func run(shape covmap.Shape) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	var dw *worker.DirWatcher
	var health []*worker.HealthLogger

	for i := 0; i < *f_numInstances; i++ {
		w, pid, err := buildWorker(i, shape)
		if err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}

		if i == 0 && *f_monitorDir != "" {
			dw = worker.NewDirWatcher(*f_monitorDir, w)
			dw.Start()
		}

		h := worker.NewHealthLogger(i, pid)
		h.Start()
		health = append(health, h)

		wg.Add(1)
		go func(id int, w *worker.Worker) {
			defer wg.Done()
			runWorkerLoop(id, w, sig)
		}(i, w)
	}

	wg.Wait()
	if dw != nil {
		dw.Stop()
	}
	for _, h := range health {
		h.Stop()
	}

	return nil
}

func runWorkerLoop(id int, w *worker.Worker, sig <-chan os.Signal) {
	for {
		select {
		case <-sig:
			log.Info("worker %d: shutting down", id)
			return
		default:
		}

		outcome, err := w.Step()
		if err != nil {
			log.Error("worker %d: step: %v", id, err)
			return
		}
		if outcome != executor.Ok {
			log.Info("worker %d: %v", id, outcome)
		}
	}
}

func buildWorker(id int, shape covmap.Shape) (*worker.Worker, int, error) {
	inst, err := qemuvm.New(qemuvm.Config{
		CommandJSON: *f_qemuCommandJSON,
		BasePort:    *f_basePort,
		InstanceID:  id,
		SnapshotTag: *f_snapshotTag,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("launching vm instance: %w", err)
	}

	if *f_affinity {
		if err := worker.PinAffinity(id, inst.PID()); err != nil {
			log.Warn("instance %d: pinning affinity: %v", id, err)
		}
	}

	cov := covmap.New(inst.CovRegion(), fmt.Sprintf("kcov-%d", id), shape)

	stderr, _, err := inst.StderrReader()
	if err != nil {
		return nil, 0, fmt.Errorf("opening stderr reader: %w", err)
	}

	exec, err := executor.New(inst.Guest(), inst.Monitor(), *f_snapshotTag, *f_timeout, stderr)
	if err != nil {
		return nil, 0, fmt.Errorf("priming executor: %w", err)
	}

	var mutator worker.Mutator = worker.HavocMutator{}
	if *f_useGrimoire {
		mutator = worker.GrimoireMutator{}
	}

	w, err := worker.New(id, exec, cov, mutator, *f_queueDir, *f_outputDir, int64(id)+1, f_initialCorpus)
	if err != nil {
		return nil, 0, fmt.Errorf("constructing worker: %w", err)
	}

	return w, inst.PID(), nil
}
