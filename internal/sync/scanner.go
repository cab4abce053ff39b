package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"

	"golang.org/x/sync/errgroup"

	"github.com/volsync/volsync/internal/utils"
)

// DefaultScanWorkers bounds the per-job fan-out over top-level subtrees.
const DefaultScanWorkers = 8

// ScanError means the scan root itself was unusable. Unreadable subpaths
// below a usable root are logged and skipped, never fatal.
type ScanError struct {
	Path string
	Err  error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Path, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Scanner walks a root path and produces a Tree. Scans of the root's
// immediate subdirectories run on a bounded worker pool; subtrees are
// disjoint so their results merge by plain union.
//
// When hashing is enabled the scanner keeps the previous scan's fingerprints
// and reuses a file's hash if size and mtime are unchanged, so repeat scans
// only hash files that actually changed.
type Scanner struct {
	useHash bool
	workers int
	ignore  *IgnoreList

	mu       gosync.Mutex
	lastScan Tree
}

type ScannerOption func(*Scanner)

func WithHashing(enabled bool) ScannerOption {
	return func(s *Scanner) { s.useHash = enabled }
}

func WithScanWorkers(n int) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithIgnoreList(l *IgnoreList) ScannerOption {
	return func(s *Scanner) {
		if l != nil {
			s.ignore = l
		}
	}
}

func NewScanner(opts ...ScannerOption) *Scanner {
	s := &Scanner{
		workers:  DefaultScanWorkers,
		ignore:   NewIgnoreList(),
		lastScan: make(Tree),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan walks root and returns its Tree. A missing or unreadable root yields
// a *ScanError. A root that is a regular file yields a one-entry tree keyed
// by the file's basename.
func (s *Scanner) Scan(ctx context.Context, root string) (Tree, error) {
	root = filepath.Clean(root)

	info, err := os.Stat(root)
	if err != nil {
		return nil, &ScanError{Path: root, Err: err}
	}

	if !info.IsDir() {
		fp, err := NewFingerprint(filepath.Base(root), info.Size(), info.ModTime().UnixNano(), "")
		if err != nil {
			return nil, &ScanError{Path: root, Err: err}
		}
		if err := s.fillHash(root, fp); err != nil {
			return nil, &ScanError{Path: root, Err: err}
		}
		tree := Tree{fp.RelPath: fp}
		s.rememberScan(tree)
		return tree, nil
	}

	// List the root sequentially, then fan out one task per top-level
	// subdirectory. Root-level files are fingerprinted inline.
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, &ScanError{Path: root, Err: err}
	}

	tree := make(Tree)
	var treeMu gosync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	rootID, err := pathIdentity(root)
	if err != nil {
		return nil, &ScanError{Path: root, Err: err}
	}

	for _, entry := range entries {
		absPath := filepath.Join(root, entry.Name())

		st, err := os.Stat(absPath) // follows symlinks
		if err != nil {
			slog.Warn("scan skip unreadable entry", "path", absPath, "error", err)
			continue
		}

		if !st.IsDir() {
			rel := utils.NormPath(entry.Name())
			if s.ignore.ShouldIgnore(rel) {
				continue
			}
			fp, err := s.fingerprint(absPath, rel, st.Size(), st.ModTime().UnixNano())
			if err != nil {
				slog.Warn("scan skip file", "path", absPath, "error", err)
				continue
			}
			// Subtree goroutines are already merging; the inline write
			// needs the same lock.
			treeMu.Lock()
			tree[rel] = fp
			treeMu.Unlock()
			continue
		}

		if s.ignore.ShouldIgnore(entry.Name() + "/") {
			continue
		}

		g.Go(func() error {
			// Each branch carries its own visited set; subtrees are
			// disjoint so cycles can only form along one ancestor chain.
			visited := map[string]struct{}{rootID: {}}
			sub := make(Tree)
			s.walk(gctx, root, absPath, sub, visited)

			treeMu.Lock()
			for k, v := range sub {
				tree[k] = v
			}
			treeMu.Unlock()
			return gctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.rememberScan(tree)
	return tree, nil
}

// walk recursively scans current, recording files into out. Symlinks are
// followed; the visited identity set breaks link cycles.
func (s *Scanner) walk(ctx context.Context, base, current string, out Tree, visited map[string]struct{}) {
	if ctx.Err() != nil {
		return
	}

	id, err := pathIdentity(current)
	if err != nil {
		slog.Warn("scan skip unresolvable dir", "path", current, "error", err)
		return
	}
	if _, seen := visited[id]; seen {
		slog.Warn("scan skip link cycle", "path", current)
		return
	}
	visited[id] = struct{}{}
	defer delete(visited, id)

	entries, err := os.ReadDir(current)
	if err != nil {
		slog.Warn("scan skip unreadable dir", "path", current, "error", err)
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		absPath := filepath.Join(current, entry.Name())
		st, err := os.Stat(absPath)
		if err != nil {
			slog.Warn("scan skip unreadable entry", "path", absPath, "error", err)
			continue
		}

		relOS, err := filepath.Rel(base, absPath)
		if err != nil {
			slog.Warn("scan skip entry", "path", absPath, "error", err)
			continue
		}
		rel := utils.NormPath(relOS)

		if st.IsDir() {
			if s.ignore.ShouldIgnore(rel + "/") {
				continue
			}
			s.walk(ctx, base, absPath, out, visited)
			continue
		}

		if s.ignore.ShouldIgnore(rel) {
			continue
		}

		fp, err := s.fingerprint(absPath, rel, st.Size(), st.ModTime().UnixNano())
		if err != nil {
			slog.Warn("scan skip file", "path", absPath, "error", err)
			continue
		}
		out[rel] = fp
	}
}

func (s *Scanner) fingerprint(absPath, rel string, size, modTime int64) (*Fingerprint, error) {
	fp, err := NewFingerprint(rel, size, modTime, "")
	if err != nil {
		return nil, err
	}
	if err := s.fillHash(absPath, fp); err != nil {
		return nil, err
	}
	return fp, nil
}

// fillHash computes the content hash, reusing the previous scan's value when
// size and mtime are unchanged.
func (s *Scanner) fillHash(absPath string, fp *Fingerprint) error {
	if !s.useHash {
		return nil
	}

	s.mu.Lock()
	prev, ok := s.lastScan[fp.RelPath]
	s.mu.Unlock()

	if ok && prev.Size == fp.Size && prev.ModTime == fp.ModTime && prev.Hash != "" {
		fp.Hash = prev.Hash
		return nil
	}

	hash, err := HashFile(absPath)
	if err != nil {
		return err
	}
	fp.Hash = hash
	return nil
}

func (s *Scanner) rememberScan(tree Tree) {
	if !s.useHash {
		return
	}
	s.mu.Lock()
	s.lastScan = tree
	s.mu.Unlock()
}

// pathIdentity resolves a directory to a stable identity for cycle
// detection. Resolving symlinks collapses every link in a cycle onto the
// same real path, which stands in for device+inode across platforms.
func pathIdentity(path string) (string, error) {
	return filepath.EvalSymlinks(path)
}
