// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package qemuvm builds and owns one QEMU instance: its disk overlay,
// shared-memory coverage region, guest-control socket, monitor socket, and
// stderr log. One Instance is the unit of parallelism a worker drives.
package qemuvm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sandia-minimega/kfuzz/internal/diskoverlay"
	"github.com/sandia-minimega/kfuzz/internal/monitor"
	"github.com/sandia-minimega/kfuzz/internal/shm"
	"github.com/sandia-minimega/kfuzz/pkg/minilog"
)

// monitorPollInterval and monitorPollTimeout bound the wait for the QEMU
// monitor socket to appear after spawn. original_source's reference
// implementation used a fixed 10-second sleep; we poll instead so a fast
// boot doesn't pay the full delay and a slow one still gets the same
// ceiling.
const (
	monitorPollInterval = 100 * time.Millisecond
	monitorPollTimeout  = 10 * time.Second
)

// ShmSize is the coverage map's shared-memory segment size in bytes.
const ShmSize = 1 << 20

// Config describes how to construct one Instance.
type Config struct {
	// CommandJSON is the path to a JSON file containing the base QEMU
	// argument vector (argv[0] is the qemu binary itself). It must contain
	// a "-drive" argument whose file= value names the backing disk image.
	CommandJSON string
	BasePort    int
	InstanceID  int
	SnapshotTag string
}

// Instance is one running QEMU process, wired up for snapshot fuzzing:
// a guest-control socket, a monitor socket, a shared-memory coverage map
// region, and a reader over the process's captured stderr.
type Instance struct {
	id     int
	cmd    *exec.Cmd
	guest  net.Conn
	mon    *monitor.Conn
	shm    *shm.Segment
	stderr *os.File

	guestPath   string
	monitorPath string
	stderrPath  string
	diskImage   string
}

// New builds and launches one Instance per cfg: derives this instance's
// socket and disk paths, creates a COW disk overlay, allocates the shared
// coverage map, appends the virtio-serial and monitor arguments to the
// base command, spawns QEMU, and connects both sockets.
func New(cfg Config) (*Instance, error) {
	port := cfg.BasePort + cfg.InstanceID
	guestPath := fmt.Sprintf("/tmp/aflControl-%d", port)
	monitorPath := fmt.Sprintf("/tmp/monitor-%d", port)
	stderrPath := fmt.Sprintf("/tmp/qemu-out-%d", port)

	for _, p := range []string{guestPath, monitorPath} {
		if err := os.RemoveAll(p); err != nil {
			return nil, fmt.Errorf("qemuvm: removing stale socket %s: %w", p, err)
		}
	}

	commands, err := loadCommandJSON(cfg.CommandJSON)
	if err != nil {
		return nil, err
	}

	commands, diskImage, err := overlayDisk(commands, cfg.InstanceID)
	if err != nil {
		return nil, err
	}

	segment, err := shm.New(fmt.Sprintf("kfuzz-cov-%d", port), ShmSize)
	if err != nil {
		return nil, err
	}

	commands = append(commands,
		"-device", "virtio-serial",
		"-chardev", fmt.Sprintf("socket,path=%s,server=on,wait=off,id=aflControl", guestPath),
		"-device", "virtserialport,chardev=aflControl,name=aflControl",
	)
	commands = append(commands, segment.QemuArgs()...)
	commands = append(commands, "-monitor", fmt.Sprintf("unix:%s,server=on,wait=off", monitorPath))

	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		segment.Close()
		return nil, fmt.Errorf("qemuvm: creating stderr log %s: %w", stderrPath, err)
	}

	cmd := &exec.Cmd{
		Path:   commands[0],
		Args:   commands,
		Stderr: stderrFile,
	}

	minilog.Debug("qemuvm: launching instance %d: %v", cfg.InstanceID, commands)

	if err := cmd.Start(); err != nil {
		stderrFile.Close()
		segment.Close()
		return nil, fmt.Errorf("qemuvm: starting qemu: %w", err)
	}

	inst := &Instance{
		id:          cfg.InstanceID,
		cmd:         cmd,
		shm:         segment,
		stderr:      stderrFile,
		guestPath:   guestPath,
		monitorPath: monitorPath,
		stderrPath:  stderrPath,
		diskImage:   diskImage,
	}

	if err := inst.connect(); err != nil {
		cmd.Process.Kill()
		segment.Close()
		stderrFile.Close()
		return nil, err
	}

	return inst, nil
}

// loadCommandJSON decodes the base QEMU argument vector, matching the
// teacher's own on-disk JSON config idiom (plain json.Decoder, no schema
// validation library).
func loadCommandJSON(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("qemuvm: opening command json %s: %w", path, err)
	}
	defer f.Close()

	var commands []string
	if err := json.NewDecoder(f).Decode(&commands); err != nil {
		return nil, fmt.Errorf("qemuvm: decoding command json %s: %w", path, err)
	}

	return commands, nil
}

// overlayDisk finds the "-drive" argument's backing image, creates a
// per-instance qcow2 overlay on top of it, and rewrites the argument to
// point at the overlay.
func overlayDisk(commands []string, instanceID int) ([]string, string, error) {
	driveIndex := -1
	for i, c := range commands {
		if c == "-drive" {
			driveIndex = i
			break
		}
	}
	if driveIndex == -1 || driveIndex+1 >= len(commands) {
		return nil, "", fmt.Errorf("qemuvm: no -drive argument in command json")
	}

	driveArg := commands[driveIndex+1]
	backing, err := extractFileValue(driveArg)
	if err != nil {
		return nil, "", fmt.Errorf("qemuvm: %w", err)
	}

	overlay := fmt.Sprintf("/tmp/root_instance_%d.qcow2", instanceID)
	os.Remove(overlay)
	if err := diskoverlay.Create(backing, overlay); err != nil {
		return nil, "", err
	}

	out := append([]string(nil), commands...)
	out[driveIndex+1] = strings.Replace(driveArg, backing, overlay, 1)

	return out, overlay, nil
}

func extractFileValue(driveArg string) (string, error) {
	const key = "file="
	start := strings.Index(driveArg, key)
	if start == -1 {
		return "", fmt.Errorf("no file= in -drive argument %q", driveArg)
	}
	start += len(key)

	rest := driveArg[start:]
	if end := strings.IndexByte(rest, ','); end != -1 {
		return rest[:end], nil
	}
	return rest, nil
}

// connect waits for the monitor socket to appear, then connects the
// monitor and guest-control sockets in turn.
func (inst *Instance) connect() error {
	if err := waitForSocket(inst.monitorPath, monitorPollInterval, monitorPollTimeout); err != nil {
		return fmt.Errorf("qemuvm: waiting for monitor socket: %w", err)
	}

	mon, err := monitor.Dial(inst.monitorPath)
	if err != nil {
		return fmt.Errorf("qemuvm: connecting monitor: %w", err)
	}
	inst.mon = mon

	guest, err := net.Dial("unix", inst.guestPath)
	if err != nil {
		return fmt.Errorf("qemuvm: connecting guest channel: %w", err)
	}
	inst.guest = guest

	return nil
}

func waitForSocket(path string, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("socket %s did not appear within %v", path, timeout)
		}
		time.Sleep(interval)
	}
}

// Guest is the virtio-serial control-channel connection to the guest
// harness.
func (inst *Instance) Guest() net.Conn { return inst.guest }

// Monitor is the HMP monitor connection for savevm/loadvm.
func (inst *Instance) Monitor() *monitor.Conn { return inst.mon }

// CovRegion is the shared-memory bytes the guest probe writes coverage
// into.
func (inst *Instance) CovRegion() []byte { return inst.shm.Region() }

// StderrReader opens a fresh reader positioned at the start of this
// instance's captured stderr log, for drain-on-crash inspection.
func (inst *Instance) StderrReader() (*bufio.Reader, func() error, error) {
	f, err := os.Open(inst.stderrPath)
	if err != nil {
		return nil, nil, fmt.Errorf("qemuvm: opening stderr log: %w", err)
	}
	return bufio.NewReader(f), f.Close, nil
}

// ID is this instance's 0-based index among its sibling workers.
func (inst *Instance) ID() int { return inst.id }

// PID is the QEMU process's process ID, for CPU affinity pinning.
func (inst *Instance) PID() int { return inst.cmd.Process.Pid }

// Close kills the QEMU process and releases the shared-memory segment and
// socket/disk files associated with this instance.
func (inst *Instance) Close() error {
	if inst.guest != nil {
		inst.guest.Close()
	}
	if inst.mon != nil {
		inst.mon.Close()
	}
	if inst.cmd != nil && inst.cmd.Process != nil {
		inst.cmd.Process.Kill()
		inst.cmd.Wait()
	}
	if inst.stderr != nil {
		inst.stderr.Close()
	}

	var firstErr error
	if inst.shm != nil {
		if err := inst.shm.Close(); err != nil {
			firstErr = err
		}
	}
	for _, p := range []string{inst.guestPath, inst.monitorPath, inst.stderrPath, inst.diskImage} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("qemuvm: removing %s: %w", p, err)
		}
	}

	return firstErr
}
