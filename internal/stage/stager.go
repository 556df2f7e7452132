// Copyright (c) 2026 Prestage Team
// Prestage - model cache staging entrypoint
// This source code is licensed under the MIT license found in the LICENSE file.

// Package stage clones the baked, read-only model cache into a writable
// destination before the wrapped command starts. The copy is sequential and
// fails fast: the first filesystem error aborts the whole run so the wrapped
// command never sees a half-populated cache it believes is complete.
package stage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/warmstart/prestage/internal/logging"
)

// ErrSourceMissing is returned when the baked cache directory does not exist.
var ErrSourceMissing = errors.New("source cache directory does not exist")

// Summary accumulates what a staging run touched.
type Summary struct {
	Files    int
	Dirs     int
	Symlinks int
	Bytes    int64
}

// Add folds another summary into this one.
func (s *Summary) Add(o Summary) {
	s.Files += o.Files
	s.Dirs += o.Dirs
	s.Symlinks += o.Symlinks
	s.Bytes += o.Bytes
}

// Stager stages a baked cache tree into a writable destination.
type Stager struct {
	// Source is the read-only baked cache directory.
	Source string
	// Dest is the writable directory the source is copied into. The tree
	// lands at Dest/<base(Source)>.
	Dest string
	// Overlay, when it exists and is non-empty, is merged over the staged
	// tree after the main copy. Overlay entries win.
	Overlay string
}

// StagedRoot is the directory the source tree is cloned into.
func (s *Stager) StagedRoot() string {
	return filepath.Join(s.Dest, filepath.Base(s.Source))
}

// Run performs the staging copy and overlay merge. Existing destination
// files at the same paths are overwritten; unrelated files are left alone.
func (s *Stager) Run() (Summary, error) {
	var sum Summary

	info, err := os.Stat(s.Source)
	if err != nil {
		if os.IsNotExist(err) {
			return sum, fmt.Errorf("%w: %s", ErrSourceMissing, s.Source)
		}
		return sum, fmt.Errorf("stat source %s: %w", s.Source, err)
	}
	if !info.IsDir() {
		return sum, fmt.Errorf("source %s is not a directory", s.Source)
	}

	root := s.StagedRoot()
	if err := CloneTree(s.Source, root, &sum); err != nil {
		return sum, err
	}
	if err := MergeOverlay(s.Overlay, root, &sum); err != nil {
		return sum, err
	}
	return sum, nil
}

// MergeOverlay merges the overlay directory's contents over root,
// overlay-wins. An absent or empty overlay is a no-op, never an error.
func MergeOverlay(overlay, root string, sum *Summary) error {
	if overlay == "" {
		return nil
	}

	entries, err := os.ReadDir(overlay)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Debugf("overlay %s absent, skipping", overlay)
			return nil
		}
		return fmt.Errorf("read overlay %s: %w", overlay, err)
	}
	if len(entries) == 0 {
		logging.Debugf("overlay %s empty, skipping", overlay)
		return nil
	}

	logging.Debugf("merging overlay %s (%d entries)", overlay, len(entries))
	return CloneTree(overlay, root, sum)
}

// CloneTree recursively copies the contents of src into dst, creating dst if
// needed. Regular files, directories and symlinks are supported; anything
// else (sockets, devices) is an error. Existing files are overwritten,
// existing symlinks replaced. The walk is lexical, so the copy order is
// deterministic.
func CloneTree(src, dst string, sum *Summary) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %s: %w", path, err)
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			mode := fs.FileMode(0o755)
			if info, ierr := d.Info(); ierr == nil {
				mode = info.Mode().Perm()
			}
			if err := os.MkdirAll(target, mode); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
			sum.Dirs++
			return nil

		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %s: %w", path, err)
			}
			// Symlinks cannot be overwritten in place.
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("replace %s: %w", target, err)
			}
			if err := os.Symlink(link, target); err != nil {
				return fmt.Errorf("create symlink %s: %w", target, err)
			}
			sum.Symlinks++
			return nil

		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", path, err)
			}
			n, err := copyFile(path, target, info.Mode().Perm())
			if err != nil {
				return err
			}
			logging.Debugf("staged %s (%d bytes)", rel, n)
			sum.Files++
			sum.Bytes += n
			return nil

		default:
			return fmt.Errorf("unsupported file type %s at %s", d.Type(), path)
		}
	})
}

// copyFile copies src to dst, truncating any existing file, and applies the
// given permissions. Returns the number of bytes copied.
func copyFile(src, dst string, mode fs.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	// A symlink may already occupy the target path; O_TRUNC would follow it.
	if fi, err := os.Lstat(dst); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
		if err := os.Remove(dst); err != nil {
			return 0, fmt.Errorf("replace symlink %s: %w", dst, err)
		}
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dst, err)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("copy %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", dst, err)
	}

	// The destination may pre-exist with different permissions.
	if err := os.Chmod(dst, mode); err != nil {
		return n, fmt.Errorf("chmod %s: %w", dst, err)
	}
	return n, nil
}
