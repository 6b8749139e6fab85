// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package shm_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sandia-minimega/kfuzz/internal/shm"
)

func testID(t *testing.T) string {
	return fmt.Sprintf("kfuzz-test-%d-%s", os.Getpid(), t.Name())
}

func TestNewCreatesVisibleSegment(t *testing.T) {
	id := testID(t)
	seg, err := shm.New(id, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer seg.Close()

	if seg.ID() != id {
		t.Fatalf("ID() = %q, want %q", seg.ID(), id)
	}
	if seg.Size() != 4096 {
		t.Fatalf("Size() = %d, want 4096", seg.Size())
	}
	if len(seg.Region()) != 4096 {
		t.Fatalf("len(Region()) = %d, want 4096", len(seg.Region()))
	}

	if _, err := os.Stat(filepath.Join("/dev/shm", id)); err != nil {
		t.Fatalf("backing file missing: %v", err)
	}
}

func TestRegionIsWritableAndShared(t *testing.T) {
	id := testID(t)
	seg, err := shm.New(id, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer seg.Close()

	region := seg.Region()
	region[0] = 0xAB
	region[4095] = 0xCD

	raw, err := os.ReadFile(filepath.Join("/dev/shm", id))
	if err != nil {
		t.Fatalf("reading backing file: %v", err)
	}
	if raw[0] != 0xAB || raw[4095] != 0xCD {
		t.Fatalf("backing file does not reflect mmap writes")
	}
}

func TestQemuArgsReferencesSegment(t *testing.T) {
	id := testID(t)
	seg, err := shm.New(id, 8192)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer seg.Close()

	args := seg.QemuArgs()
	if len(args) != 4 || args[0] != "-device" || args[2] != "-object" {
		t.Fatalf("QemuArgs() = %v, unexpected shape", args)
	}
	want := fmt.Sprintf("memory-backend-file,size=8192,share=on,mem-path=/dev/shm/%s,id=hostmem", id)
	if args[3] != want {
		t.Fatalf("QemuArgs()[3] = %q, want %q", args[3], want)
	}
}

func TestCloseRemovesBackingFile(t *testing.T) {
	id := testID(t)
	seg, err := shm.New(id, 4096)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(filepath.Join("/dev/shm", id)); !os.IsNotExist(err) {
		t.Fatalf("backing file still present after Close: err = %v", err)
	}
}
