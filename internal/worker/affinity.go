// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package worker

import (
	"fmt"
	"os/exec"
	"strconv"
)

// PinAffinity binds pid to cpu with taskset, the same external tool the
// teacher shells out to for VM CPU placement. One worker, one VM, one CPU:
// unlike the teacher's namespace-wide CPU set allocator, there is no pool to
// track here, so this is a single call rather than a stateful allocator.
func PinAffinity(cpu, pid int) error {
	out, err := exec.Command("taskset", "-a", "-p", strconv.Itoa(cpu), strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("taskset -p %d %d: %w: %s", cpu, pid, err, out)
	}
	return nil
}
