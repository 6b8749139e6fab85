// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Command kfuzzguest runs inside the fuzzed VM. It opens the
// virtio-serial control channel, tells the host it is ready to be
// snapshotted, waits for one input, writes it to disk, runs the target
// command against it, reports completion, and then sleeps so the host has
// time to restore the snapshot before the guest would otherwise exit.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/sandia-minimega/kfuzz/internal/guestio"
)

var (
	f_socket    = flag.String("socket", "/dev/virtio-ports/aflControl", "virtio-serial control channel device")
	f_inputFile = flag.String("input-file", "", "path to overwrite with each received input")
	f_dmesg     = flag.Bool("dmesg", false, "send dmesg output back to the host on termination instead of a plain ack")
	f_block     = flag.Bool("block-until-snapshot", true, "sleep after termination to give the host time to restore the snapshot")
)

func main() {
	flag.Parse()

	subcmd, subcmdArgs, err := targetCommand(*f_inputFile, flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, "kfuzzguest:", err)
		os.Exit(2)
	}

	if err := run(subcmd, subcmdArgs); err != nil {
		fmt.Fprintln(os.Stderr, "kfuzzguest:", err)
		os.Exit(1)
	}
}

// targetCommand validates the -input-file flag and splits the trailing
// positional arguments into the target command and its own arguments.
func targetCommand(inputFile string, args []string) (string, []string, error) {
	if inputFile == "" {
		return "", nil, fmt.Errorf("-input-file is required")
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("a target command is required")
	}
	return args[0], args[1:], nil
}

func run(subcmd string, subcmdArgs []string) error {
	fmt.Println("<GUEST> opening connection...")
	host, err := os.OpenFile(*f_socket, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", *f_socket, err)
	}
	defer host.Close()

	if err := guestio.Send(host, []byte("Snapshot me!")); err != nil {
		return fmt.Errorf("sending snapshot-ready signal: %w", err)
	}

	fmt.Println("<GUEST> waiting for program input...")
	input, err := guestio.Recv(host)
	if err != nil {
		return fmt.Errorf("receiving input: %w", err)
	}

	if err := os.WriteFile(*f_inputFile, input, 0644); err != nil {
		return fmt.Errorf("writing input file %s: %w", *f_inputFile, err)
	}

	fmt.Println("<GUEST> beginning execution...")
	cmd := exec.Command(subcmd, subcmdArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// the target's exit status does not affect guest-side flow; a crash is
	// detected by the host from KASAN/KFENCE output, not an exit code.
	cmd.Run()

	if *f_dmesg {
		out, err := exec.Command("dmesg").Output()
		if err != nil {
			return fmt.Errorf("running dmesg: %w", err)
		}
		if err := guestio.Send(host, out); err != nil {
			return fmt.Errorf("sending dmesg output: %w", err)
		}
	} else {
		if err := guestio.Send(host, []byte("Restore me!")); err != nil {
			return fmt.Errorf("sending completion signal: %w", err)
		}
	}

	if *f_block {
		fmt.Println("<GUEST> waiting for snapshot...")
		time.Sleep(100 * time.Second)
	}

	return nil
}
