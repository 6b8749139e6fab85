// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package diskoverlay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeQemuImg installs a stand-in qemu-img on PATH that logs the args it
// was called with to a file and answers "info" with a canned format line,
// so Create can be exercised without a real qemu-img binary or disk image.
func fakeQemuImg(t *testing.T, format string) (logPath string) {
	t.Helper()

	dir := t.TempDir()
	logPath = filepath.Join(dir, "calls.log")

	script := "#!/bin/sh\n" +
		"echo \"$@\" >> " + logPath + "\n" +
		"case \"$1\" in\n" +
		"  info) echo 'image: fake.qcow2'; echo 'file format: " + format + "'; echo 'virtual size: 1 GiB' ;;\n" +
		"  create) exit 0 ;;\n" +
		"esac\n"

	binPath := filepath.Join(dir, "qemu-img")
	if err := os.WriteFile(binPath, []byte(script), 0755); err != nil {
		t.Fatalf("writing fake qemu-img: %v", err)
	}

	oldPath := os.Getenv("PATH")
	os.Setenv("PATH", dir+string(os.PathListSeparator)+oldPath)
	t.Cleanup(func() { os.Setenv("PATH", oldPath) })

	return logPath
}

func TestCreateUsesBackingFormat(t *testing.T) {
	logPath := fakeQemuImg(t, "qcow2")

	if err := Create("base.qcow2", "overlay.qcow2"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	log, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading call log: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(log)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 qemu-img invocations (info, create), got %d: %v", len(lines), lines)
	}
	if lines[0] != "info base.qcow2" {
		t.Fatalf("first call = %q, want info call on src", lines[0])
	}
	want := "create -f qcow2 -b base.qcow2 -F qcow2 overlay.qcow2"
	if lines[1] != want {
		t.Fatalf("second call = %q, want %q", lines[1], want)
	}
}

func TestCreatePropagatesRawFormat(t *testing.T) {
	logPath := fakeQemuImg(t, "raw")

	if err := Create("base.img", "overlay.qcow2"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	log, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading call log: %v", err)
	}
	if !strings.Contains(string(log), "-F raw") {
		t.Fatalf("call log = %q, want a -F raw argument", string(log))
	}
}

func TestBackingFormatMissingFromOutput(t *testing.T) {
	dir := t.TempDir()
	binPath := filepath.Join(dir, "qemu-img")
	script := "#!/bin/sh\necho 'image: fake.qcow2'\n"
	if err := os.WriteFile(binPath, []byte(script), 0755); err != nil {
		t.Fatalf("writing fake qemu-img: %v", err)
	}

	oldPath := os.Getenv("PATH")
	os.Setenv("PATH", dir+string(os.PathListSeparator)+oldPath)
	t.Cleanup(func() { os.Setenv("PATH", oldPath) })

	if _, err := backingFormat("base.qcow2"); err == nil {
		t.Fatal("backingFormat succeeded despite missing file format line")
	}
}
