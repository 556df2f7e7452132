// Copyright (c) 2026 Prestage Team
// Prestage - model cache staging entrypoint
// This source code is licensed under the MIT license found in the LICENSE file.

// Package manifest fingerprints a baked cache tree so a staged copy can be
// proven faithful. The manifest is a YAML file at the cache root listing
// every regular file with its size and sha256, and every symlink with its
// target.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
)

// FileName is the manifest's name at the cache root.
const FileName = ".prestage-manifest.yaml"

// ErrNoManifest is returned when a tree carries no manifest file.
var ErrNoManifest = errors.New("no manifest found")

// Entry describes one file in the cache tree. Paths are slash-separated and
// relative to the cache root.
type Entry struct {
	Path   string `yaml:"path"`
	Size   int64  `yaml:"size,omitempty"`
	SHA256 string `yaml:"sha256,omitempty"`
	// Link is set for symlinks and holds the link target verbatim.
	Link string `yaml:"link,omitempty"`
}

// Manifest is the fingerprint of a cache tree.
type Manifest struct {
	Version     int       `yaml:"version"`
	GeneratedAt time.Time `yaml:"generated_at"`
	Files       []Entry   `yaml:"files"`
}

// Generate walks root and fingerprints every regular file and symlink. The
// manifest file itself is excluded. The walk is lexical, so entry order is
// deterministic.
func Generate(root string) (*Manifest, error) {
	m := &Manifest{Version: 1, GeneratedAt: time.Now().UTC()}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", path, err)
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)
		if rel == FileName {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %s: %w", path, err)
			}
			m.Files = append(m.Files, Entry{Path: rel, Link: link})
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("unsupported file type %s at %s", d.Type(), path)
		}

		size, sum, err := hashFile(path)
		if err != nil {
			return err
		}
		m.Files = append(m.Files, Entry{Path: rel, Size: size, SHA256: sum})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Write serializes the manifest to its canonical location under root.
func Write(m *Manifest, root string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(root, FileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	return nil
}

// Load reads the manifest from root. ErrNoManifest is returned when the
// file does not exist.
func Load(root string) (*Manifest, error) {
	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrNoManifest, root)
		}
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// hashFile returns the size and hex sha256 of the file at path.
func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("hash %s: %w", path, err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
