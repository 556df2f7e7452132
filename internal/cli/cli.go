// Copyright (c) 2026 Prestage Team
// Prestage - model cache staging entrypoint
// This source code is licensed under the MIT license found in the LICENSE file.

// Package cli wires up the prestage command tree. The root command is the
// entrypoint shim itself (stage, then exec the wrapped command); the
// subcommands cover build-time assembly and inspection.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/warmstart/prestage/buildvars"
	"github.com/warmstart/prestage/internal/config"
	"github.com/warmstart/prestage/internal/launch"
	"github.com/warmstart/prestage/internal/logging"
	"github.com/warmstart/prestage/internal/manifest"
	"github.com/warmstart/prestage/internal/stage"
)

// Exit codes follow the usual shim conventions: staging and verification
// failures get their own code so orchestrators can tell them from wrapped
// command failures, and command resolution mirrors the shell's 126/127.
const (
	exitStageFailure   = 3
	exitCannotExec     = 126
	exitCommandMissing = 127
)

var cfgFile string
var rootCmd *cobra.Command

func init() {
	rootCmd = newRootCmd()
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(bakeCmd)
	rootCmd.AddCommand(manifestCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI. Errors are logged here; main only maps them to an
// exit code.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		logging.Errorf("%v", err)
	}
	return err
}

// codedError carries a specific process exit code.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// ExitCode maps an Execute error to the shim's exit status.
func ExitCode(err error) int {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}

// newRootCmd creates and configures a new root command. Fresh instances are
// also created for isolated testing.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prestage [flags] -- command [args...]",
		Short: "prestage stages a baked model cache, then execs the given command.",
		Long: `Prestage is a container entrypoint shim for images that ship pre-baked
model caches on a read-only root filesystem. It clones the baked cache into
a writable location (typically tmpfs-backed), exports the cache-home
environment variable, and replaces itself with the wrapped command. The
wrapped command's arguments and exit status pass through untouched.

If staging fails, the wrapped command is never started.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runShim,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to prestage.yaml")
	cmd.PersistentFlags().String("source", "", "baked cache directory")
	cmd.PersistentFlags().String("dest", "", "writable destination directory")
	cmd.PersistentFlags().String("overlay", "", "overlay directory merged over the staged cache")
	cmd.PersistentFlags().String("cache-env", "", "environment variable exported to the wrapped command")
	cmd.PersistentFlags().String("cache-env-value", "", "value for the exported variable (default: staged root)")
	cmd.PersistentFlags().String("log-level", "", "log verbosity (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("verify", false, "verify the staged tree against the baked manifest")
	return cmd
}

// loadConfig resolves the configuration for the executing command and
// applies the log level.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(cmd, cfgFile)
	if err != nil {
		return cfg, err
	}
	if err := logging.SetLevel(cfg.Log.Level); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// runShim is the entrypoint path: stage the cache, then hand the process
// over to the wrapped command.
func runShim(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := runStage(cmd.Context(), cfg); err != nil {
		return &codedError{code: exitStageFailure, err: err}
	}

	c, err := launch.Prepare(args, cfg.Cache.Env, cfg.ResolvedEnvValue())
	if err != nil {
		return &codedError{code: exitCommandMissing, err: err}
	}
	logging.Debugf("handing over to %s", c.Path)
	code, err := c.Run()
	if err != nil {
		return &codedError{code: exitCannotExec, err: err}
	}
	// Only reached on platforms without process replacement.
	os.Exit(code)
	return nil
}

// runStage performs the staging copy and optional manifest verification.
func runStage(ctx context.Context, cfg config.Config) error {
	s := &stage.Stager{
		Source:  cfg.Cache.Source,
		Dest:    cfg.Cache.Dest,
		Overlay: cfg.Cache.Overlay,
	}

	start := time.Now()
	sum, err := s.Run()
	if err != nil {
		return err
	}
	logging.Infof("staged %d files (%s) to %s in %s",
		sum.Files, humanize.Bytes(uint64(sum.Bytes)), s.StagedRoot(),
		time.Since(start).Round(time.Millisecond))

	if cfg.Stage.Verify {
		m, err := manifest.Load(s.StagedRoot())
		if err != nil {
			return err
		}
		if err := m.Verify(ctx, s.StagedRoot()); err != nil {
			return err
		}
		logging.Infof("verified %d manifest entries", len(m.Files))
	}
	return nil
}

// stageCmd performs staging without exec'ing anything. Useful for init
// containers and for debugging staging behavior.
var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Stage the baked cache without running a command",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := runStage(cmd.Context(), cfg); err != nil {
			return &codedError{code: exitStageFailure, err: err}
		}
		return nil
	},
}

// versionCmd prints the link-time version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the prestage version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "prestage", buildvars.VersionOrDefault("dev"))
	},
}
