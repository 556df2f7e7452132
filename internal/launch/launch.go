// Copyright (c) 2026 Prestage Team
// Prestage - model cache staging entrypoint
// This source code is licensed under the MIT license found in the LICENSE file.

// Package launch hands control to the wrapped command after staging. The
// argv is passed through exactly as given; the only change to the child's
// environment is the cache-home variable.
package launch

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrNoCommand is returned when no wrapped command was supplied.
var ErrNoCommand = errors.New("no command to execute")

// Command is a fully resolved wrapped command.
type Command struct {
	// Path is the absolute path of the binary.
	Path string
	// Args is the exact argv, including Args[0].
	Args []string
	// Env is the child environment.
	Env []string
}

// Prepare resolves argv[0] on PATH and builds the child environment from the
// current one, with envName set to envValue (replacing any existing value).
// An empty envName leaves the environment untouched.
func Prepare(argv []string, envName, envValue string) (*Command, error) {
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("resolve command %q: %w", argv[0], err)
	}
	return &Command{
		Path: path,
		Args: argv,
		Env:  withEnv(os.Environ(), envName, envValue),
	}, nil
}

// withEnv returns env with name set to value, replacing any existing
// occurrence. A blank name returns env unchanged.
func withEnv(env []string, name, value string) []string {
	if name == "" {
		return env
	}
	out := make([]string, 0, len(env)+1)
	prefix := name + "="
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return append(out, prefix+value)
}
