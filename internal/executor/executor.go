// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package executor drives one fuzzing iteration against a snapshotted VM
// instance: send input, await completion or timeout, classify the outcome.
// Restoring the snapshot is a separate step (Restore), left to the caller
// to invoke once it's done observing whatever the iteration left behind.
package executor

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sandia-minimega/kfuzz/internal/guestio"
	"github.com/sandia-minimega/kfuzz/internal/monitor"
	"github.com/sandia-minimega/kfuzz/pkg/minilog"
)

// Outcome classifies one iteration's result.
type Outcome int

const (
	Ok Outcome = iota
	Crash
	Timeout
)

func (o Outcome) String() string {
	switch o {
	case Ok:
		return "ok"
	case Crash:
		return "crash"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// State tracks where an Executor is in the snapshot lifecycle. Fresh means
// no snapshot has been taken yet; Snapped means the VM is parked at its
// snapshot and ready to run an input; Running covers everything from Run
// sending the input through the caller inspecting the result, up until
// Restore is called; Dead means the executor can no longer be used.
type State int

const (
	Fresh State = iota
	Snapped
	Running
	Dead
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Snapped:
		return "snapped"
	case Running:
		return "running"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// guestConn is the subset of net.Conn the executor needs from a VM
// instance's guest-control channel.
type guestConn interface {
	io.Reader
	io.Writer
	SetReadDeadline(t time.Time) error
}

// crashMarkers are the substrings that, if seen either in the guest's
// completion message or in its captured stderr log, upgrade an iteration's
// classification to Crash.
var crashMarkers = []string{"KASAN", "KFENCE"}

// Executor drives one VM instance through repeated fuzz iterations against
// a single snapshot.
type Executor struct {
	guest       guestConn
	mon         *monitor.Conn
	snapshotTag string
	timeout     time.Duration
	state       State

	stderr *bufio.Reader
}

// New waits for the guest's ready-to-snapshot signal, takes the named
// snapshot, and returns an Executor primed to run iterations against it.
// stderr, if non-nil, is drained (non-blockingly, line by line) after every
// iteration for crash markers the guest-channel message alone might miss.
func New(guest guestConn, mon *monitor.Conn, snapshotTag string, timeout time.Duration, stderr *bufio.Reader) (*Executor, error) {
	e := &Executor{
		guest:       guest,
		mon:         mon,
		snapshotTag: snapshotTag,
		timeout:     timeout,
		state:       Fresh,
		stderr:      stderr,
	}

	minilog.Info("executor: waiting for ready-to-snapshot signal")
	if _, err := guestio.Recv(guest); err != nil {
		e.state = Dead
		return nil, fmt.Errorf("executor: waiting for ready signal: %w", err)
	}

	if err := mon.Savevm(snapshotTag); err != nil {
		e.state = Dead
		return nil, fmt.Errorf("executor: taking initial snapshot %q: %w", snapshotTag, err)
	}

	e.state = Snapped
	return e, nil
}

// State reports the executor's current lifecycle state.
func (e *Executor) State() State { return e.state }

// Run sends input to the guest, awaits a completion signal or the
// configured timeout, and classifies the result. It leaves the executor in
// Running state and does not touch the snapshot: the caller observes the
// coverage map before calling Restore, matching the documented
// classify-then-post_exec-then-loadvm transition order.
func (e *Executor) Run(input []byte) (Outcome, error) {
	if e.state != Snapped {
		return Ok, fmt.Errorf("executor: Run called in state %v, want %v", e.state, Snapped)
	}
	e.state = Running

	outcome, err := e.runOnce(input)
	if err != nil {
		e.state = Dead
		return outcome, err
	}

	return outcome, nil
}

// Restore issues loadvm unconditionally, returning the executor to Snapped
// state and ready for the next Run — even a Crash or Timeout outcome still
// gets its snapshot restored. Callers must call Restore exactly once after
// each successful Run, once they're done inspecting whatever the iteration
// left behind (e.g. the coverage map).
func (e *Executor) Restore() error {
	if e.state != Running {
		return fmt.Errorf("executor: Restore called in state %v, want %v", e.state, Running)
	}

	if err := e.mon.Loadvm(e.snapshotTag); err != nil {
		e.state = Dead
		return fmt.Errorf("executor: restoring snapshot %q: %w", e.snapshotTag, err)
	}

	e.state = Snapped
	return nil
}

func (e *Executor) runOnce(input []byte) (Outcome, error) {
	if err := guestio.Send(e.guest, input); err != nil {
		return Ok, fmt.Errorf("executor: sending input: %w", err)
	}

	msg, err := guestio.RecvDeadline(e.guest, e.timeout)
	outcome := Ok

	switch {
	case err == guestio.ErrNoData:
		outcome = Timeout
	case err != nil:
		return Ok, fmt.Errorf("executor: receiving completion: %w", err)
	default:
		if containsAny(string(msg), crashMarkers) {
			outcome = Crash
		}
	}

	if e.stderr != nil {
		if upgraded := e.drainStderr(); upgraded {
			outcome = Crash
		}
	}

	return outcome, nil
}

// drainStderr reads whatever complete lines are currently buffered from
// the instance's captured stderr without blocking for more, logging each
// one and reporting whether a crash marker was seen. It never downgrades
// an outcome, only upgrades to Crash.
func (e *Executor) drainStderr() bool {
	found := false
	for {
		line, err := e.stderr.ReadString('\n')
		if line != "" {
			minilog.Debug("executor: guest stderr: %s", strings.TrimRight(line, "\n"))
			if containsAny(line, crashMarkers) {
				found = true
			}
		}
		if err != nil {
			break
		}
	}
	return found
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
