// Copyright (c) 2026 Prestage Team
// Prestage - model cache staging entrypoint
// This source code is licensed under the MIT license found in the LICENSE file.

package stage

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// writeArchive creates a tar archive at path, compressed per the extension,
// with the given relative file entries.
func writeArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	defer f.Close()

	var w io.WriteCloser = f
	switch {
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		w = gzip.NewWriter(f)
		defer w.Close()
	case strings.HasSuffix(path, ".tar.zst"):
		zw, err := zstd.NewWriter(f)
		if err != nil {
			t.Fatalf("zstd writer: %v", err)
		}
		w = zw
		defer w.Close()
	}

	tw := tar.NewWriter(w)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %s: %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
}

func TestIsArchive(t *testing.T) {
	cases := map[string]bool{
		"cache.tar":      true,
		"cache.tar.gz":   true,
		"cache.tgz":      true,
		"cache.tar.zst":  true,
		"cache.zip":      false,
		"cache":          false,
		"model.bin":      false,
		"weird.tar.lz4":  false,
		"dir/models.tar": true,
	}
	for path, want := range cases {
		if got := IsArchive(path); got != want {
			t.Errorf("IsArchive(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestExtractArchiveFormats(t *testing.T) {
	files := map[string]string{
		"hub/model.bin":   "weights",
		"hub/config.json": "{}",
	}
	for _, ext := range []string{".tar", ".tar.gz", ".tar.zst"} {
		t.Run(ext, func(t *testing.T) {
			tmp := t.TempDir()
			archive := filepath.Join(tmp, "cache"+ext)
			writeArchive(t, archive, files)

			var sum Summary
			dst := filepath.Join(tmp, "out")
			if err := ExtractArchive(archive, dst, &sum); err != nil {
				t.Fatalf("ExtractArchive: %v", err)
			}
			if sum.Files != 2 {
				t.Errorf("expected 2 files, got %d", sum.Files)
			}
			got, err := os.ReadFile(filepath.Join(dst, "hub", "model.bin"))
			if err != nil {
				t.Fatalf("read extracted file: %v", err)
			}
			if string(got) != "weights" {
				t.Errorf("extracted content = %q", got)
			}
		})
	}
}

func TestExtractArchiveRejectsTraversal(t *testing.T) {
	tmp := t.TempDir()
	archive := filepath.Join(tmp, "evil.tar")
	writeArchive(t, archive, map[string]string{"../escape.txt": "nope"})

	var sum Summary
	dst := filepath.Join(tmp, "out")
	if err := ExtractArchive(archive, dst, &sum); err == nil {
		t.Fatal("expected traversal entry to be rejected")
	}
	if _, err := os.Stat(filepath.Join(tmp, "escape.txt")); !os.IsNotExist(err) {
		t.Fatal("traversal entry was written outside destination")
	}
}

// writeRawTar writes an uncompressed tar from explicit headers, so tests can
// craft symlink entries and other shapes writeArchive does not produce.
func writeRawTar(t *testing.T, path string, entries []tar.Header, contents map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	for _, hdr := range entries {
		if err := tw.WriteHeader(&hdr); err != nil {
			t.Fatalf("write header %s: %v", hdr.Name, err)
		}
		if content, ok := contents[hdr.Name]; ok {
			if _, err := tw.Write([]byte(content)); err != nil {
				t.Fatalf("write entry %s: %v", hdr.Name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
}

func TestExtractArchiveRejectsEscapingSymlink(t *testing.T) {
	tmp := t.TempDir()
	outside := filepath.Join(tmp, "outside")
	if err := os.MkdirAll(outside, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	// A symlink pointing above the destination, followed by a regular
	// entry routed through it.
	archive := filepath.Join(tmp, "evil.tar")
	writeRawTar(t, archive, []tar.Header{
		{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "../outside", Mode: 0o777},
		{Name: "link/pwn.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 4},
	}, map[string]string{"link/pwn.txt": "nope"})

	var sum Summary
	dst := filepath.Join(tmp, "out")
	if err := ExtractArchive(archive, dst, &sum); err == nil {
		t.Fatal("expected escaping symlink to be rejected")
	}
	if _, err := os.Stat(filepath.Join(outside, "pwn.txt")); !os.IsNotExist(err) {
		t.Fatal("entry was written outside destination through a symlink")
	}
}

func TestExtractArchiveRejectsAbsoluteSymlink(t *testing.T) {
	tmp := t.TempDir()
	archive := filepath.Join(tmp, "evil.tar")
	writeRawTar(t, archive, []tar.Header{
		{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "/etc", Mode: 0o777},
	}, nil)

	var sum Summary
	if err := ExtractArchive(archive, filepath.Join(tmp, "out"), &sum); err == nil {
		t.Fatal("expected absolute symlink target to be rejected")
	}
}

func TestExtractArchiveAllowsInternalSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privileges on windows")
	}
	tmp := t.TempDir()
	archive := filepath.Join(tmp, "cache.tar")
	// The HF hub layout: a snapshot symlink into the blob store.
	writeRawTar(t, archive, []tar.Header{
		{Name: "blobs", Typeflag: tar.TypeDir, Mode: 0o755},
		{Name: "blobs/abc123", Typeflag: tar.TypeReg, Mode: 0o644, Size: 7},
		{Name: "snapshots", Typeflag: tar.TypeDir, Mode: 0o755},
		{Name: "snapshots/model.bin", Typeflag: tar.TypeSymlink, Linkname: "../blobs/abc123", Mode: 0o777},
	}, map[string]string{"blobs/abc123": "weights"})

	var sum Summary
	dst := filepath.Join(tmp, "out")
	if err := ExtractArchive(archive, dst, &sum); err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	if sum.Symlinks != 1 {
		t.Errorf("expected 1 symlink, got %d", sum.Symlinks)
	}
	got, err := os.ReadFile(filepath.Join(dst, "snapshots", "model.bin"))
	if err != nil {
		t.Fatalf("read through symlink: %v", err)
	}
	if string(got) != "weights" {
		t.Errorf("symlink resolves to %q", got)
	}
}

func TestExtractArchiveUnsupportedFormat(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cache.zip")
	if err := os.WriteFile(path, []byte("PK"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var sum Summary
	if err := ExtractArchive(path, filepath.Join(tmp, "out"), &sum); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
