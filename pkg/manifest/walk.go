package manifest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// Options configures a scan pass.
type Options struct {
	// Excludes are doublestar glob patterns matched against forward-slash
	// relative paths. Matching files are dropped; matching directories are
	// skipped entirely.
	Excludes []string

	// SkipQuickSig disables the head/tail sample fingerprint. Entries then
	// carry only size and mtime, which is enough for mtime-based planning.
	SkipQuickSig bool
}

func (o Options) excluded(relPath string) bool {
	for _, pat := range o.Excludes {
		if ok, err := doublestar.Match(pat, relPath); err == nil && ok {
			return true
		}
	}
	return false
}

// Walk streams manifest entries for the tree rooted at rootPath in
// deterministic depth-first order with sorted directory entries. The whole
// tree is never materialized; entries are produced incrementally so trees
// with millions of files stay in bounded memory. A scan restarts only from
// the beginning, never mid-stream.
//
// Unreadable entries surface as per-entry errors on the result channel and
// do not abort the walk. Walk returns an error only when the root itself is
// inaccessible.
func Walk(ctx context.Context, rootPath string, opts Options) (<-chan Result, error) {
	absRoot, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve root %s: %w", rootPath, err)
	}
	if _, err := os.Stat(absRoot); err != nil {
		return nil, fmt.Errorf("cannot access root %s: %w", rootPath, err)
	}

	out := make(chan Result, 64)
	go func() {
		defer close(out)
		_ = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			relPath, relErr := filepath.Rel(absRoot, path)
			if relErr != nil {
				relPath = path
			}
			relPath = filepath.ToSlash(relPath)

			if walkErr != nil {
				out <- Result{Err: fmt.Errorf("cannot read %s: %w", relPath, walkErr)}
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if relPath == "." {
				return nil
			}
			if opts.excluded(relPath) {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			entry, err := buildEntry(absRoot, relPath, d, opts)
			if err != nil {
				out <- Result{Err: err}
				return nil
			}

			select {
			case out <- Result{Entry: entry}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
	}()
	return out, nil
}

func buildEntry(absRoot, relPath string, d fs.DirEntry, opts Options) (Entry, error) {
	info, err := d.Info()
	if err != nil {
		return Entry{}, fmt.Errorf("cannot stat %s: %w", relPath, err)
	}

	entry := Entry{
		RelPath: relPath,
		ModTime: info.ModTime().Unix(),
	}

	switch {
	case d.IsDir():
		entry.Kind = KindDir
	case info.Mode()&fs.ModeSymlink != 0:
		entry.Kind = KindSymlink
		target, err := os.Readlink(filepath.Join(absRoot, filepath.FromSlash(relPath)))
		if err != nil {
			return Entry{}, fmt.Errorf("cannot read symlink %s: %w", relPath, err)
		}
		entry.LinkTarget = target
		entry.QuickSig = quickSigString(target)
	case info.Mode().IsRegular():
		entry.Kind = KindFile
		entry.Size = info.Size()
		if !opts.SkipQuickSig {
			sig, err := QuickSig(filepath.Join(absRoot, filepath.FromSlash(relPath)), info.Size(), info.ModTime().Unix())
			if err != nil {
				return Entry{}, fmt.Errorf("cannot fingerprint %s: %w", relPath, err)
			}
			entry.QuickSig = sig
		}
	default:
		return Entry{}, fmt.Errorf("unsupported file type at %s: %v", relPath, info.Mode())
	}

	return entry, nil
}
