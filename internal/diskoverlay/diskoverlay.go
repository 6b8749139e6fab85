// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package diskoverlay creates a copy-on-write qcow2 overlay backed by a
// read-only base image, so each VM instance mutates its own disk while
// sharing the backing file's blocks on disk.
package diskoverlay

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/sandia-minimega/kfuzz/pkg/minilog"
)

var backingFormatRE = regexp.MustCompile(`^file format:\s*(\S+)`)

// Create builds a new qcow2 image at dst backed by src, using src's own
// format as the backing format. dst must not already exist; qemu-img
// refuses to overwrite a file in place.
func Create(src, dst string) error {
	format, err := backingFormat(src)
	if err != nil {
		return fmt.Errorf("diskoverlay: inspecting backing image %s: %w", src, err)
	}

	out, err := processWrapper("qemu-img", "create", "-f", "qcow2", "-b", src, "-F", format, dst)
	if err != nil {
		return fmt.Errorf("diskoverlay: creating overlay %s on %s: %s: %w", dst, src, out, err)
	}

	return nil
}

// backingFormat runs "qemu-img info" against image and extracts its file
// format, which Create must pass explicitly via -F; qemu-img no longer
// infers the backing format from content alone.
func backingFormat(image string) (string, error) {
	out, err := processWrapper("qemu-img", "info", image)
	if err != nil {
		return "", fmt.Errorf("%s: %w", out, err)
	}

	for _, line := range strings.Split(out, "\n") {
		if m := backingFormatRE.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return m[1], nil
		}
	}

	return "", fmt.Errorf("could not find file format in qemu-img info output")
}

// processWrapper runs args and returns its combined stdout/stderr. It
// blocks until the process exits.
func processWrapper(args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("empty argument list")
	}

	start := time.Now()
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	minilog.Debug("diskoverlay: cmd %v completed in %v", args[0], time.Since(start))

	return string(out), err
}
