// Copyright (c) 2026 Prestage Team
// Prestage - model cache staging entrypoint
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/warmstart/prestage/internal/fetch"
	"github.com/warmstart/prestage/internal/logging"
	"github.com/warmstart/prestage/internal/manifest"
	"github.com/warmstart/prestage/internal/stage"
)

func init() {
	bakeCmd.Flags().StringArray("from", nil, "cache source: directory, tar[.gz|.zst] archive, or sftp:// URL (repeatable, later wins)")
	bakeCmd.Flags().String("output", "", "bake output directory")
	bakeCmd.Flags().String("key", "", "private key for sftp:// sources")
	bakeCmd.Flags().String("host-key", "", "pinned host key for sftp:// sources (authorized_keys format)")

	manifestCmd.Flags().Bool("print", false, "print the manifest to stdout instead of writing it")
}

// bakeCmd assembles the baked cache at image build time: resolve every
// source in order, extract or clone it into the output dir, apply the
// overlay, then fingerprint the result.
var bakeCmd = &cobra.Command{
	Use:   "bake --from SOURCE [--from SOURCE...]",
	Short: "Assemble and fingerprint the baked cache directory",
	Args:  cobra.NoArgs,
	RunE:  runBake,
}

func runBake(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sources, err := cmd.Flags().GetStringArray("from")
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("at least one --from source is required")
	}

	out := cfg.Bake.Output
	if err := os.MkdirAll(out, 0o755); err != nil {
		return fmt.Errorf("create output directory %s: %w", out, err)
	}

	workDir, err := os.MkdirTemp("", "prestage-fetch-")
	if err != nil {
		return fmt.Errorf("create fetch workdir: %w", err)
	}
	defer os.RemoveAll(workDir)

	opts := fetch.Options{KeyPath: cfg.Fetch.Key, HostKey: cfg.Fetch.HostKey}
	start := time.Now()
	var sum stage.Summary
	for _, src := range sources {
		local, err := fetch.Resolve(src, workDir, opts)
		if err != nil {
			return err
		}
		if err := addSource(local, out, &sum); err != nil {
			return err
		}
	}

	if err := stage.MergeOverlay(cfg.Cache.Overlay, out, &sum); err != nil {
		return err
	}

	m, err := manifest.Generate(out)
	if err != nil {
		return err
	}
	if err := manifest.Write(m, out); err != nil {
		return err
	}

	logging.Infof("baked %d files (%s) into %s in %s",
		sum.Files, humanize.Bytes(uint64(sum.Bytes)), out,
		time.Since(start).Round(time.Millisecond))
	return nil
}

// addSource folds one resolved source into the bake output.
func addSource(local, out string, sum *stage.Summary) error {
	if stage.IsArchive(local) {
		logging.Debugf("extracting %s", local)
		return stage.ExtractArchive(local, out, sum)
	}

	info, err := os.Stat(local)
	if err != nil {
		return fmt.Errorf("stat source %s: %w", local, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is neither a directory nor a supported archive", local)
	}
	logging.Debugf("cloning %s", local)
	return stage.CloneTree(local, out, sum)
}

// manifestCmd fingerprints a cache directory.
var manifestCmd = &cobra.Command{
	Use:   "manifest DIR",
	Short: "Generate the manifest for a cache directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		m, err := manifest.Generate(args[0])
		if err != nil {
			return err
		}

		if print, _ := cmd.Flags().GetBool("print"); print {
			data, err := yaml.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal manifest: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := manifest.Write(m, args[0]); err != nil {
			return err
		}
		logging.Infof("wrote manifest for %d files under %s", len(m.Files), args[0])
		return nil
	},
}

// verifyCmd re-hashes a tree against its manifest. With no argument it
// checks the staged root, which is what a readiness probe wants.
var verifyCmd = &cobra.Command{
	Use:   "verify [DIR]",
	Short: "Verify a cache tree against its manifest",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dir := cfg.StagedRoot()
		if len(args) == 1 {
			dir = args[0]
		}

		m, err := manifest.Load(dir)
		if err != nil {
			return &codedError{code: exitStageFailure, err: err}
		}
		if err := m.Verify(cmd.Context(), dir); err != nil {
			return &codedError{code: exitStageFailure, err: err}
		}
		logging.Infof("verified %d manifest entries under %s", len(m.Files), dir)
		return nil
	},
}
