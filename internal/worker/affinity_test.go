// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package worker_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sandia-minimega/kfuzz/internal/worker"
)

// fakeTaskset installs a shell-script stand-in for the taskset binary that
// records its arguments instead of touching real scheduler affinity.
func fakeTaskset(t *testing.T, exitCode int) (logPath string) {
	t.Helper()

	dir := t.TempDir()
	logPath = filepath.Join(dir, "taskset.log")

	script := fmt.Sprintf("#!/bin/sh\necho \"$@\" >> %s\nexit %d\n", logPath, exitCode)
	scriptPath := filepath.Join(dir, "taskset")
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		t.Fatalf("writing fake taskset: %v", err)
	}

	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return logPath
}

func TestPinAffinityInvokesTaskset(t *testing.T) {
	logPath := fakeTaskset(t, 0)

	if err := worker.PinAffinity(3, 4242); err != nil {
		t.Fatalf("PinAffinity: %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading taskset log: %v", err)
	}
	if !strings.Contains(string(data), "-a -p 3 4242") {
		t.Fatalf("taskset invoked with %q, want it to contain \"-a -p 3 4242\"", string(data))
	}
}

func TestPinAffinityPropagatesFailure(t *testing.T) {
	fakeTaskset(t, 1)

	if err := worker.PinAffinity(0, 1); err == nil {
		t.Fatal("expected an error when taskset exits non-zero")
	}
}
