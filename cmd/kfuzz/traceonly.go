// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sandia-minimega/kfuzz/internal/covmap"
	"github.com/sandia-minimega/kfuzz/internal/guestio"
	"github.com/sandia-minimega/kfuzz/internal/qemuvm"
	"github.com/sandia-minimega/kfuzz/internal/trace"
	log "github.com/sandia-minimega/kfuzz/pkg/minilog"
)

// runTraceOnly replays each initial corpus file once against a single
// instance and dumps its coverage trace to output-dir, instead of running
// the fuzzing loop. With -symbols it writes resolved file:function:line
// lines; without it, it writes the raw PC-trace shape as hex addresses.
func runTraceOnly(shape covmap.Shape) error {
	if err := os.MkdirAll(*f_outputDir, 0755); err != nil {
		return fmt.Errorf("trace-only: creating output dir: %w", err)
	}

	inst, err := qemuvm.New(qemuvm.Config{
		CommandJSON: *f_qemuCommandJSON,
		BasePort:    *f_basePort,
		InstanceID:  9999,
		SnapshotTag: *f_snapshotTag,
	})
	if err != nil {
		return fmt.Errorf("trace-only: launching vm instance: %w", err)
	}
	defer inst.Close()

	var symbols *trace.Symbols
	if *f_symbols != "" {
		f, err := os.Open(*f_symbols)
		if err != nil {
			return fmt.Errorf("trace-only: opening symbols file: %w", err)
		}
		symbols, err = trace.LoadSymbols(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("trace-only: loading symbols: %w", err)
		}
	}

	log.Info("trace-only: waiting for ready-to-snapshot signal")
	if _, err := guestio.Recv(inst.Guest()); err != nil {
		return fmt.Errorf("trace-only: awaiting ready signal: %w", err)
	}
	if err := inst.Monitor().Savevm(*f_snapshotTag); err != nil {
		return fmt.Errorf("trace-only: taking initial snapshot: %w", err)
	}

	for _, path := range f_initialCorpus {
		if err := traceOne(inst, symbols, path); err != nil {
			return fmt.Errorf("trace-only: %s: %w", path, err)
		}
	}

	return nil
}

func traceOne(inst *qemuvm.Instance, symbols *trace.Symbols, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	region := inst.CovRegion()
	for i := range region {
		region[i] = 0
	}

	if err := guestio.Send(inst.Guest(), data); err != nil {
		return fmt.Errorf("sending input: %w", err)
	}
	if _, err := guestio.RecvDeadline(inst.Guest(), *f_timeout); err != nil && err != guestio.ErrNoData {
		return fmt.Errorf("receiving completion: %w", err)
	}

	reader := trace.NewReader(region, symbols)
	lines := reader.Walk()

	out := filepath.Join(*f_outputDir, filepath.Base(path))
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating trace output %s: %w", out, err)
	}
	defer f.Close()

	for _, l := range lines {
		if _, err := fmt.Fprintln(f, l.String()); err != nil {
			return err
		}
	}

	log.Info("trace-only: wrote %s (%d entries)", out, len(lines))

	if err := inst.Monitor().Loadvm(*f_snapshotTag); err != nil {
		return fmt.Errorf("restoring snapshot: %w", err)
	}

	return nil
}
