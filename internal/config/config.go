// Copyright (c) 2026 Prestage Team
// Prestage - model cache staging entrypoint
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads the prestage configuration from defaults, an optional
// prestage.yaml file, PRESTAGE_* environment variables and bound CLI flags,
// in ascending order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the resolved prestage configuration.
type Config struct {
	Cache CacheConfig `mapstructure:"cache"`
	Stage StageConfig `mapstructure:"stage"`
	Bake  BakeConfig  `mapstructure:"bake"`
	Fetch FetchConfig `mapstructure:"fetch"`
	Log   LogConfig   `mapstructure:"log"`
}

// CacheConfig describes where the baked cache lives and where it is staged.
type CacheConfig struct {
	// Source is the read-only baked cache directory inside the image.
	Source string `mapstructure:"source"`
	// Dest is the writable directory the cache is cloned into.
	Dest string `mapstructure:"dest"`
	// Overlay is an optional directory merged over the staged cache.
	Overlay string `mapstructure:"overlay"`
	// Env is the environment variable exported to the wrapped command so
	// the ML runtime finds the staged cache.
	Env string `mapstructure:"env"`
	// EnvValue overrides the exported value. Empty means the staged root.
	EnvValue string `mapstructure:"env_value"`
}

// StageConfig holds runtime staging options.
type StageConfig struct {
	// Verify re-hashes the staged tree against the baked manifest.
	Verify bool `mapstructure:"verify"`
}

// BakeConfig holds build-time assembly options.
type BakeConfig struct {
	Output string `mapstructure:"output"`
}

// FetchConfig holds credentials for sftp:// bake sources.
type FetchConfig struct {
	// Key is the path to the private key used for sftp sources.
	Key string `mapstructure:"key"`
	// HostKey is the pinned remote host key in authorized_keys format.
	HostKey string `mapstructure:"host_key"`
}

// LogConfig controls logger verbosity.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// StagedRoot is the directory the source tree lands in: the destination
// joined with the source's base name (`cp -r SRC DEST/` semantics).
func (c Config) StagedRoot() string {
	return filepath.Join(c.Cache.Dest, filepath.Base(c.Cache.Source))
}

// ResolvedEnvValue is the value exported under Cache.Env: the explicit
// override when set, otherwise the staged root.
func (c Config) ResolvedEnvValue() string {
	if c.Cache.EnvValue != "" {
		return c.Cache.EnvValue
	}
	return c.StagedRoot()
}

// Defaults returns the default settings keyed for viper.
func Defaults() map[string]any {
	return map[string]any{
		"cache.source":    "/opt/models/.cache/huggingface",
		"cache.dest":      defaultDest(),
		"cache.overlay":   "/opt/models/overlay",
		"cache.env":       "HF_HOME",
		"cache.env_value": "",
		"stage.verify":    false,
		"bake.output":     "/opt/models/.cache/huggingface",
		"fetch.key":       "",
		"fetch.host_key":  "",
		"log.level":       "info",
	}
}

// defaultDest resolves the writable cache home the way the ML runtimes do:
// $XDG_CACHE_HOME first, then ~/.cache.
func defaultDest() string {
	if x := os.Getenv("XDG_CACHE_HOME"); x != "" {
		return x
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cache"
	}
	return filepath.Join(home, ".cache")
}

// flagBindings maps config keys to the CLI flag names that override them.
var flagBindings = map[string]string{
	"cache.source":    "source",
	"cache.dest":      "dest",
	"cache.overlay":   "overlay",
	"cache.env":       "cache-env",
	"cache.env_value": "cache-env-value",
	"stage.verify":    "verify",
	"bake.output":     "output",
	"fetch.key":       "key",
	"fetch.host_key":  "host-key",
	"log.level":       "log-level",
}

// getConfigDirs returns the directories searched for prestage.yaml.
func getConfigDirs() []string {
	dirs := []string{}
	if userDir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(userDir, "prestage"))
	}
	if runtime.GOOS != "windows" {
		dirs = append(dirs, "/etc/prestage")
	}
	dirs = append(dirs, ".")
	return dirs
}

// Load builds the configuration. cmd may be nil when no flags should be
// bound; configFile, when non-empty, takes precedence over the search path.
func Load(cmd *cobra.Command, configFile string) (Config, error) {
	var c Config
	v := viper.New()

	// 1. Set defaults
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	// 2. Set up file search paths
	v.SetConfigName("prestage")
	v.SetConfigType("yaml")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		for _, dir := range getConfigDirs() {
			v.AddConfigPath(dir)
		}
	}

	// 3. Read the config file. A missing file is fine unless it was named
	// explicitly.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if configFile != "" || !os.IsNotExist(err) {
				return c, fmt.Errorf("read config: %w", err)
			}
		}
	}

	// 4. Read from environment variables
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("prestage")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 5. Bind CLI flags that are present on the command
	if cmd != nil {
		for key, name := range flagBindings {
			if f := cmd.Flags().Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return c, err
				}
			}
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("unmarshal config: %w", err)
	}

	return c, nil
}
