// Package snapshot walks a project directory and produces the flat,
// sorted listing that validation runs are judged against. Hidden
// entries are excluded and directories are marked with a trailing
// slash so the listing reads the same on every platform.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"structward/internal/logging"
)

// Scanner handles project directory traversal.
type Scanner struct{}

func NewScanner() *Scanner {
	return &Scanner{}
}

// List returns every visible entry under root as a slash-separated
// path relative to root, sorted lexicographically. Directories carry a
// trailing "/". Entries whose name starts with "." are skipped along
// with everything beneath them, and unreadable subtrees are skipped
// rather than failing the walk.
func (s *Scanner) List(ctx context.Context, root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("project path does not exist: %s", root)
		}
		return nil, fmt.Errorf("cannot access project path %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project path is not a directory: %s", root)
	}

	timer := logging.StartTimer(logging.CategorySnapshot, "walk")
	defer timer.Stop()

	var entries []string
	err = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		// Check for context cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if path == root {
			return walkErr
		}
		if info == nil {
			// Stat on the entry itself failed; nothing to list
			logging.SnapshotDebug("skipping %s: %v", path, walkErr)
			return nil
		}

		if strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			rel += "/"
		}
		entries = append(entries, rel)

		// Walk hands a directory its readdir error in the same callback:
		// keep the entry, drop the unreadable subtree.
		if walkErr != nil && info.IsDir() {
			logging.SnapshotDebug("skipping contents of %s: %v", path, walkErr)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(entries)
	logging.SnapshotDebug("listed %d entries under %s", len(entries), root)
	return entries, nil
}
