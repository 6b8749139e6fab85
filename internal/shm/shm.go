// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package shm allocates the POSIX shared-memory segment a VM instance's
// coverage map lives in, and produces the QEMU device arguments that wire
// the same segment into the guest as an ivshmem-plain device.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/sandia-minimega/kfuzz/pkg/minilog"
)

// Segment is a POSIX shared-memory region backing one coverage map. It is
// created host-side, mapped into this process, and handed to QEMU by path
// so the guest-visible ivshmem device shares the same bytes.
type Segment struct {
	id     string // name under /dev/shm, without the leading slash
	path   string // full host path, /dev/shm/<id>
	size   int
	file   *os.File
	region []byte
}

// New creates a shared-memory segment of size bytes named id under
// /dev/shm. id should be unique per VM instance to avoid collisions between
// concurrently running workers.
func New(id string, size int) (*Segment, error) {
	path := filepath.Join("/dev/shm", id)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: truncate %s to %d: %w", path, size, err)
	}

	region, err := syscall.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	minilog.Debug("shm: created segment %s (%d bytes)", path, size)

	if err := assertVisible(id); err != nil {
		syscall.Munmap(region)
		f.Close()
		os.Remove(path)
		return nil, err
	}

	return &Segment{id: id, path: path, size: size, file: f, region: region}, nil
}

// assertVisible confirms the segment actually landed under /dev/shm, the
// same check the reference implementation performs before trusting the
// path it is about to hand to QEMU.
func assertVisible(id string) error {
	entries, err := os.ReadDir("/dev/shm")
	if err != nil {
		return fmt.Errorf("shm: listing /dev/shm: %w", err)
	}
	for _, e := range entries {
		if e.Name() == id {
			return nil
		}
	}
	return fmt.Errorf("shm: segment %s not visible under /dev/shm after creation", id)
}

// ID is the segment's name under /dev/shm.
func (s *Segment) ID() string { return s.id }

// Region is the mapped bytes backing the segment, suitable for wrapping in
// a covmap.Map or trace.Reader.
func (s *Segment) Region() []byte { return s.region }

// Size is the segment length in bytes.
func (s *Segment) Size() int { return s.size }

// QemuArgs returns the "-device ivshmem-plain ... -object memory-backend-file ..."
// argument fragment that exposes this segment to a QEMU guest, split into
// individual argv entries the way exec.Cmd expects them.
func (s *Segment) QemuArgs() []string {
	return []string{
		"-device", "ivshmem-plain,memdev=hostmem,master=on",
		"-object", fmt.Sprintf("memory-backend-file,size=%d,share=on,mem-path=%s,id=hostmem", s.size, s.path),
	}
}

// Close unmaps the segment and removes its backing file. It is safe to
// call once a VM instance has shut down; QEMU does not need the file to
// persist past that point.
func (s *Segment) Close() error {
	var firstErr error
	if err := syscall.Munmap(s.region); err != nil {
		firstErr = fmt.Errorf("shm: munmap %s: %w", s.path, err)
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shm: close %s: %w", s.path, err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = fmt.Errorf("shm: remove %s: %w", s.path, err)
	}
	return firstErr
}
