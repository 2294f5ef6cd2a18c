package snapshot

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"structward/internal/logging"
)

const (
	// maxReadBytes caps how much of each file is read for its preview.
	maxReadBytes = 10_000
	// previewLen is the maximum preview length in bytes, trimmed to a
	// rune boundary.
	previewLen = 500

	crawlWorkers = 20
)

// FileEntry describes one file found by Crawl.
type FileEntry struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	Preview string `json:"preview,omitempty"`
}

// Crawl lists every visible file under root and attaches its size and
// a short content preview. Files are read concurrently; unreadable or
// binary files keep an empty preview. Results are sorted by path.
func (s *Scanner) Crawl(ctx context.Context, root string) ([]FileEntry, error) {
	listing, err := s.List(ctx, root)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, crawlWorkers) // Limit concurrency

	var mu sync.Mutex
	entries := make([]FileEntry, 0, len(listing))

	for _, rel := range listing {
		if strings.HasSuffix(rel, "/") {
			continue
		}
		rel := rel
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			full := filepath.Join(root, filepath.FromSlash(rel))
			info, err := os.Stat(full)
			if err != nil {
				logging.SnapshotDebug("skipping %s: %v", rel, err)
				return nil
			}

			entry := FileEntry{Path: rel, Size: info.Size()}
			if preview, err := readPreview(full); err == nil {
				entry.Preview = preview
			}

			mu.Lock()
			entries = append(entries, entry)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	logging.SnapshotDebug("crawled %d files under %s", len(entries), root)
	return entries, nil
}

// readPreview returns the printable head of a file. Content that is
// not valid UTF-8 yields an empty preview.
func readPreview(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, maxReadBytes)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return "", err
	}

	content := buf[:n]
	if !utf8.Valid(content) {
		return "", nil
	}
	text := string(content)
	if len(text) > previewLen {
		cut := previewLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text, nil
}
