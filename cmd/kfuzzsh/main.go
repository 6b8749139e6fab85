// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Command kfuzzsh is an interactive shell for attaching to a running
// kfuzz instance's QEMU monitor and issuing ad-hoc commands such as
// savevm, loadvm, and info status, without disturbing the fuzzing loop
// driving the same instance.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"

	"github.com/sandia-minimega/kfuzz/internal/monitor"
)

var (
	f_monitorSocket = flag.String("monitor-socket", "", "path to the instance's QEMU monitor socket")
)

func main() {
	flag.Parse()

	if *f_monitorSocket == "" {
		fmt.Fprintln(os.Stderr, "kfuzzsh: -monitor-socket is required")
		os.Exit(2)
	}

	mon, err := monitor.Dial(*f_monitorSocket)
	if err != nil {
		fmt.Fprintln(os.Stderr, "kfuzzsh:", err)
		os.Exit(1)
	}
	defer mon.Close()

	input := liner.NewLiner()
	defer input.Close()
	input.SetCtrlCAborts(true)

	repl(mon, input)
}

// repl runs the prompt/execute loop until EOF or a ctrl-d/ctrl-c abort.
// Any command not recognized as savevm/loadvm is sent to the monitor
// verbatim, the way the monitor itself accepts arbitrary HMP commands.
func repl(mon *monitor.Conn, input *liner.State) {
	for {
		line, err := input.Prompt("kfuzzsh$ ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return
		} else if err != nil {
			fmt.Fprintln(os.Stderr, "kfuzzsh:", err)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		input.AppendHistory(line)

		if line == "quit" || line == "exit" {
			return
		}

		out, err := dispatch(mon, line)
		if err != nil {
			fmt.Fprintln(os.Stderr, "kfuzzsh:", err)
			continue
		}
		fmt.Print(out)
	}
}

// dispatch routes savevm/loadvm to their typed monitor methods (so a
// wedged monitor reconnect attempt can be layered on later without
// touching raw command text) and forwards everything else unchanged.
func dispatch(mon *monitor.Conn, line string) (string, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "savevm":
		if len(fields) != 2 {
			return "", fmt.Errorf("usage: savevm <tag>")
		}
		return "", mon.Savevm(fields[1])
	case "loadvm":
		if len(fields) != 2 {
			return "", fmt.Errorf("usage: loadvm <tag>")
		}
		return "", mon.Loadvm(fields[1])
	default:
		return mon.Command(line)
	}
}
