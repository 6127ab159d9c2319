// Copyright (C) 2025 NeuroFed Consortium
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ApplyLimits sets resource limits on a started child via prlimit.
// Limits set on the direct child are inherited by every process it
// forks afterwards; the runner calls this immediately after Start, in
// both mechanisms, before the interpreter reaches user code.
//
// CPU overruns deliver SIGXCPU to the child; the supervisor's
// wall-clock deadline remains the backstop.
func ApplyLimits(pid int, limits Limits) error {
	if limits.CPU > 0 {
		secs := uint64(limits.CPU.Seconds())
		if secs == 0 {
			secs = 1
		}
		rl := unix.Rlimit{Cur: secs, Max: secs + 5}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &rl, nil); err != nil {
			return fmt.Errorf("set cpu limit: %w", err)
		}
	}
	if limits.MemBytes > 0 {
		rl := unix.Rlimit{Cur: uint64(limits.MemBytes), Max: uint64(limits.MemBytes)}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &rl, nil); err != nil {
			return fmt.Errorf("set memory limit: %w", err)
		}
	}
	if limits.FileSizeBytes > 0 {
		rl := unix.Rlimit{Cur: uint64(limits.FileSizeBytes), Max: uint64(limits.FileSizeBytes)}
		if err := unix.Prlimit(pid, unix.RLIMIT_FSIZE, &rl, nil); err != nil {
			return fmt.Errorf("set file size limit: %w", err)
		}
	}
	return nil
}
