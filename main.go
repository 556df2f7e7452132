// Copyright (c) 2026 Prestage Team
// Prestage - model cache staging entrypoint
// This source code is licensed under the MIT license found in the LICENSE file.

// Command-line entrypoint for prestage.
//
// Usage:
//
//	prestage [flags] -- command [args...]
//	prestage <subcommand> [flags]
//
// Run with no arguments (or --help) for the full command list.
package main

import (
	"os"

	"github.com/warmstart/prestage/internal/cli"
)

// main is the entrypoint for the prestage shim.
func main() {
	if err := cli.Execute(); err != nil {
		// The error is already printed by the CLI layer.
		os.Exit(cli.ExitCode(err))
	}
}
