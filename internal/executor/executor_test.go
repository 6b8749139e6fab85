// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package executor_test

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sandia-minimega/kfuzz/internal/executor"
	"github.com/sandia-minimega/kfuzz/internal/guestio"
	"github.com/sandia-minimega/kfuzz/internal/monitor"
)

// fakeMonitor starts a unix-socket HMP stand-in and returns a dialed
// connection plus the ordered list of commands it received.
func fakeMonitor(t *testing.T) (*monitor.Conn, *[]string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "monitor.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	var received []string

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		fmt.Fprint(conn, "QEMU monitor\n(qemu) ")

		buf := make([]byte, 512)
		var pending []byte
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				pending = append(pending, buf[:n]...)
				for {
					i := bytes.IndexByte(pending, '\n')
					if i == -1 {
						break
					}
					cmd := strings.TrimSpace(string(pending[:i]))
					pending = pending[i+1:]
					received = append(received, cmd)
					fmt.Fprint(conn, "\n(qemu) ")
				}
			}
			if err != nil {
				return
			}
		}
	}()

	c, err := monitor.Dial(path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	return c, &received
}

// fakeGuest returns a connected pipe pair standing in for the virtio-serial
// guest-control channel: the test drives the "guest" side, the executor is
// handed the "host" side.
func fakeGuest() (host net.Conn, guest net.Conn) {
	return net.Pipe()
}

func TestNewTakesInitialSnapshot(t *testing.T) {
	mon, received := fakeMonitor(t)
	host, guest := fakeGuest()
	defer guest.Close()

	go guestio.Send(guest, []byte("ready"))

	e, err := executor.New(host, mon, "fuzz0", time.Second, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.State() != executor.Snapped {
		t.Fatalf("state = %v, want Snapped", e.State())
	}

	if len(*received) != 1 || (*received)[0] != "savevm fuzz0" {
		t.Fatalf("monitor received %v, want [savevm fuzz0]", *received)
	}
}

func TestRunLeavesSnapshotUntilRestoreIsCalled(t *testing.T) {
	mon, received := fakeMonitor(t)
	host, guest := fakeGuest()
	defer guest.Close()

	go guestio.Send(guest, []byte("ready"))
	e, err := executor.New(host, mon, "fuzz0", time.Second, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go func() {
		guestio.Recv(guest)
		guestio.Send(guest, []byte("done"))
	}()

	outcome, err := e.Run([]byte("input"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != executor.Ok {
		t.Fatalf("outcome = %v, want Ok", outcome)
	}
	if e.State() != executor.Running {
		t.Fatalf("state = %v, want Running (Restore not called yet)", e.State())
	}
	if len(*received) != 1 || (*received)[0] != "savevm fuzz0" {
		t.Fatalf("monitor received %v, want loadvm not yet issued", *received)
	}

	if err := e.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if e.State() != executor.Snapped {
		t.Fatalf("state = %v, want Snapped", e.State())
	}

	want := []string{"savevm fuzz0", "loadvm fuzz0"}
	if len(*received) != len(want) {
		t.Fatalf("monitor received %v, want %v", *received, want)
	}
	for i := range want {
		if (*received)[i] != want[i] {
			t.Fatalf("monitor received %v, want %v", *received, want)
		}
	}
}

func TestRunCrashDetectedFromGuestMessage(t *testing.T) {
	mon, received := fakeMonitor(t)
	host, guest := fakeGuest()
	defer guest.Close()

	go guestio.Send(guest, []byte("ready"))
	e, err := executor.New(host, mon, "fuzz0", time.Second, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go func() {
		guestio.Recv(guest)
		guestio.Send(guest, []byte("BUG: KASAN: use-after-free in foo"))
	}()

	outcome, err := e.Run([]byte("input"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != executor.Crash {
		t.Fatalf("outcome = %v, want Crash", outcome)
	}

	// loadvm must still be issued despite the crash, once Restore is called.
	if err := e.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(*received) != 2 || (*received)[1] != "loadvm fuzz0" {
		t.Fatalf("monitor received %v, want loadvm issued after crash", *received)
	}
}

func TestRunTimeoutWhenGuestNeverResponds(t *testing.T) {
	mon, received := fakeMonitor(t)
	host, guest := fakeGuest()
	defer guest.Close()

	go guestio.Send(guest, []byte("ready"))
	e, err := executor.New(host, mon, "fuzz0", 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go guestio.Recv(guest) // consume the input, never reply

	outcome, err := e.Run([]byte("input"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != executor.Timeout {
		t.Fatalf("outcome = %v, want Timeout", outcome)
	}
	if err := e.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if len(*received) != 2 || (*received)[1] != "loadvm fuzz0" {
		t.Fatalf("monitor received %v, want loadvm issued after timeout", *received)
	}
}

func TestRunCrashUpgradedFromStderrDrain(t *testing.T) {
	mon, _ := fakeMonitor(t)
	host, guest := fakeGuest()
	defer guest.Close()

	stderrPath := filepath.Join(t.TempDir(), "qemu-out")
	if err := os.WriteFile(stderrPath, nil, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := os.OpenFile(stderrPath, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	go guestio.Send(guest, []byte("ready"))
	e, err := executor.New(host, mon, "fuzz0", time.Second, bufio.NewReader(f))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// the guest reply looks fine, but the stderr log it left behind
	// contains a KASAN report the guest channel message itself did not.
	if _, err := f.WriteString("general protection fault\nBUG: KASAN: slab-out-of-bounds\n"); err != nil {
		t.Fatalf("writing stderr log: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("seeking stderr log: %v", err)
	}

	go func() {
		guestio.Recv(guest)
		guestio.Send(guest, []byte("done"))
	}()

	outcome, err := e.Run([]byte("input"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != executor.Crash {
		t.Fatalf("outcome = %v, want Crash (upgraded from stderr drain)", outcome)
	}
	if err := e.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
}

func TestRunRejectsWrongState(t *testing.T) {
	mon, _ := fakeMonitor(t)
	host, guest := fakeGuest()
	defer guest.Close()

	go guestio.Send(guest, []byte("ready"))
	e, err := executor.New(host, mon, "fuzz0", time.Second, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	go func() {
		guestio.Recv(guest)
		guestio.Send(guest, []byte("done"))
	}()
	if _, err := e.Run([]byte("a")); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// Run again before Restore: the executor is still Running, not Snapped.
	if _, err := e.Run([]byte("b")); err == nil {
		t.Fatal("expected an error calling Run before Restore")
	}

	if err := e.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	// Restore again before the next Run: the executor is back to Snapped.
	if err := e.Restore(); err == nil {
		t.Fatal("expected an error calling Restore twice in a row")
	}

	go func() {
		guestio.Recv(guest)
		guestio.Send(guest, []byte("done"))
	}()
	if _, err := e.Run([]byte("c")); err != nil {
		t.Fatalf("second Run: %v", err)
	}
}

func TestOutcomeString(t *testing.T) {
	cases := map[executor.Outcome]string{
		executor.Ok:      "ok",
		executor.Crash:   "crash",
		executor.Timeout: "timeout",
	}
	for outcome, want := range cases {
		if got := outcome.String(); got != want {
			t.Fatalf("String() = %q, want %q", got, want)
		}
	}
}
