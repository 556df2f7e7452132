// Copyright (c) 2026 Prestage Team
// Prestage - model cache staging entrypoint
// This source code is licensed under the MIT license found in the LICENSE file.

package manifest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Mismatch describes one file that failed verification.
type Mismatch struct {
	Path   string
	Reason string
}

// VerifyError reports every mismatch found in a tree.
type VerifyError struct {
	Mismatches []Mismatch
}

func (e *VerifyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d file(s) failed verification:", len(e.Mismatches))
	for _, m := range e.Mismatches {
		fmt.Fprintf(&b, "\n  %s: %s", m.Path, m.Reason)
	}
	return b.String()
}

// Verify re-hashes every manifest entry under root, concurrently. Extra
// files in the tree are not an error (an overlay may legitimately add
// files); missing, resized or corrupted entries are. All mismatches are
// collected before returning, so the error names every bad file.
func (m *Manifest) Verify(ctx context.Context, root string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	var mu sync.Mutex
	var mismatches []Mismatch
	record := func(path, reason string) {
		mu.Lock()
		mismatches = append(mismatches, Mismatch{Path: path, Reason: reason})
		mu.Unlock()
	}

	for _, entry := range m.Files {
		entry := entry
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if reason := checkEntry(root, entry); reason != "" {
				record(entry.Path, reason)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(mismatches) > 0 {
		sort.Slice(mismatches, func(i, j int) bool {
			return mismatches[i].Path < mismatches[j].Path
		})
		return &VerifyError{Mismatches: mismatches}
	}
	return nil
}

// checkEntry compares one manifest entry against the tree. It returns an
// empty string when the entry matches, otherwise a human-readable reason.
func checkEntry(root string, entry Entry) string {
	path := filepath.Join(root, filepath.FromSlash(entry.Path))

	if entry.Link != "" {
		link, err := os.Readlink(path)
		if err != nil {
			return fmt.Sprintf("symlink missing (%v)", err)
		}
		if link != entry.Link {
			return fmt.Sprintf("symlink points to %q, want %q", link, entry.Link)
		}
		return ""
	}

	info, err := os.Stat(path)
	if err != nil {
		return "missing"
	}
	if info.Size() != entry.Size {
		return fmt.Sprintf("size %d, want %d", info.Size(), entry.Size)
	}
	if entry.SHA256 != "" {
		_, sum, err := hashFile(path)
		if err != nil {
			return fmt.Sprintf("unreadable (%v)", err)
		}
		if sum != entry.SHA256 {
			return "checksum mismatch"
		}
	}
	return ""
}
