//go:build !windows
// +build !windows

// Copyright (c) 2026 Prestage Team
// Prestage - model cache staging entrypoint
// This source code is licensed under the MIT license found in the LICENSE file.

// Unix-specific process handover: the shim replaces itself with the wrapped
// command via execve, so signals, stdio and exit status belong to the child
// with no proxying.
package launch

import (
	"fmt"
	"syscall"
)

// Run replaces the current process with the command. On success it never
// returns; the returned exit code is only meaningful on other platforms.
func (c *Command) Run() (int, error) {
	if err := syscall.Exec(c.Path, c.Args, c.Env); err != nil {
		return 0, fmt.Errorf("exec %s: %w", c.Path, err)
	}
	// Unreachable: execve does not return on success.
	return 0, nil
}
