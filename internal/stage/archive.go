// Copyright (c) 2026 Prestage Team
// Prestage - model cache staging entrypoint
// This source code is licensed under the MIT license found in the LICENSE file.

package stage

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// IsArchive reports whether path looks like a supported cache archive.
func IsArchive(path string) bool {
	switch {
	case strings.HasSuffix(path, ".tar"),
		strings.HasSuffix(path, ".tar.gz"),
		strings.HasSuffix(path, ".tgz"),
		strings.HasSuffix(path, ".tar.zst"):
		return true
	}
	return false
}

// ExtractArchive unpacks a tar, tar.gz or tar.zst archive into dst. Entry
// names that would escape dst are rejected.
func ExtractArchive(path, dst string, sum *Summary) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip stream %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(path, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("open zstd stream %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(path, ".tar"):
		// plain tar
	default:
		return fmt.Errorf("unsupported archive format: %s", path)
	}

	return extractTar(tar.NewReader(r), path, dst, sum)
}

// extractTar writes every entry of the tar stream below dst.
func extractTar(tr *tar.Reader, name, dst string, sum *Summary) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive %s: %w", name, err)
		}

		target, err := secureJoin(dst, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
			sum.Dirs++

		case tar.TypeSymlink:
			if err := checkLinkTarget(dst, target, hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create directory for %s: %w", target, err)
			}
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("replace %s: %w", target, err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("create symlink %s: %w", target, err)
			}
			sum.Symlinks++

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create directory for %s: %w", target, err)
			}
			n, err := writeEntry(tr, target, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			sum.Files++
			sum.Bytes += n

		default:
			return fmt.Errorf("unsupported entry type %c for %s in %s", hdr.Typeflag, hdr.Name, name)
		}
	}
}

// checkLinkTarget rejects symlink entries that point outside dst. Later
// entries extract through earlier symlinks, so a link escaping dst would
// let the rest of the archive write outside the destination.
func checkLinkTarget(dst, target, link string) error {
	if filepath.IsAbs(link) {
		return fmt.Errorf("archive symlink %s has an absolute target %s", target, link)
	}
	resolved := filepath.Join(filepath.Dir(target), link)
	if resolved != dst && !strings.HasPrefix(resolved, dst+string(os.PathSeparator)) {
		return fmt.Errorf("archive symlink %s escapes destination (target %s)", target, link)
	}
	return nil
}

// secureJoin joins name below dst and rejects traversal outside it.
func secureJoin(dst, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("archive entry %s has an absolute path", name)
	}
	target := filepath.Join(dst, name)
	if target != dst && !strings.HasPrefix(target, dst+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %s escapes destination", name)
	}
	return target, nil
}

// writeEntry streams one archive entry to disk.
func writeEntry(r io.Reader, target string, mode fs.FileMode) (int64, error) {
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", target, err)
	}
	n, err := io.Copy(out, r)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("extract %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("close %s: %w", target, err)
	}
	return n, nil
}
