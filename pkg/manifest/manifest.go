package manifest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strings"
)

// Kind classifies a manifest entry.
type Kind uint8

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IsFile reports whether the kind is a regular file.
func (k Kind) IsFile() bool { return k == KindFile }

// Entry describes a single file, directory, or symlink in a tree snapshot.
// Once produced by a scan pass an Entry is never mutated, except that
// ContentHash may be filled in lazily for paths the planner flags as
// ambiguous.
type Entry struct {
	RelPath     string `json:"rel_path"`               // relative path, forward slashes
	Kind        Kind   `json:"kind"`                   // file, dir, or symlink
	Size        int64  `json:"size"`                   // file size in bytes (0 for dirs and symlinks)
	ModTime     int64  `json:"mod_time"`               // modification time as Unix seconds
	LinkTarget  string `json:"link_target,omitempty"`  // symlink target when Kind == KindSymlink
	QuickSig    uint64 `json:"quick_sig,omitempty"`    // cheap fingerprint: size, mtime, head/tail sample
	ContentHash string `json:"content_hash,omitempty"` // full SHA-256 hex, computed lazily
}

// ID returns a deterministic 64-bit identifier for the entry, derived from
// its path and metadata. Chunk identifiers are built on top of it.
func (e Entry) ID() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d|%d", e.RelPath, e.Kind, e.Size, e.ModTime)
	return h.Sum64()
}

// Result is one element of a streaming scan: either an entry or a per-entry
// error. Errors do not terminate the stream; the consumer decides whether
// they are fatal.
type Result struct {
	Entry Entry
	Err   error
}

// Manifest is a materialized tree snapshot with entries in walk order.
type Manifest struct {
	Root        string  `json:"root"`
	Items       []Entry `json:"items"`
	TotalBytes  int64   `json:"total_bytes"`
	FileCount   int     `json:"file_count"`
	FolderCount int     `json:"folder_count"`
}

// ID returns a stable identifier for the manifest, or empty when the
// manifest has no items.
func (m Manifest) ID() string {
	if len(m.Items) == 0 {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d|%d|%016x|%016x",
		m.Root, m.TotalBytes, m.FileCount, m.FolderCount,
		m.Items[0].ID(), m.Items[len(m.Items)-1].ID())
	return fmt.Sprintf("%016x", h.Sum64())
}

// Lookup returns the entry for relPath, if present.
func (m Manifest) Lookup(relPath string) (Entry, bool) {
	i := sort.Search(len(m.Items), func(i int) bool {
		return !PathLess(m.Items[i].RelPath, relPath)
	})
	if i < len(m.Items) && m.Items[i].RelPath == relPath {
		return m.Items[i], true
	}
	return Entry{}, false
}

// Scan walks the tree rooted at rootPath and returns a materialized manifest.
// Unreadable entries are skipped; their errors are joined into the returned
// error while the manifest itself remains usable.
func Scan(ctx context.Context, rootPath string, opts Options) (Manifest, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return Manifest{}, fmt.Errorf("cannot access root %s: %w", rootPath, err)
	}
	if !info.IsDir() {
		return Manifest{}, fmt.Errorf("root %s is not a directory", rootPath)
	}

	results, err := Walk(ctx, rootPath, opts)
	if err != nil {
		return Manifest{}, err
	}

	m := Manifest{Root: rootPath, Items: make([]Entry, 0, 64)}
	var scanErrs []error
	for res := range results {
		if res.Err != nil {
			scanErrs = append(scanErrs, res.Err)
			continue
		}
		m.Items = append(m.Items, res.Entry)
		switch res.Entry.Kind {
		case KindDir:
			m.FolderCount++
		case KindFile:
			m.FileCount++
			m.TotalBytes += res.Entry.Size
		}
	}
	sort.Slice(m.Items, func(i, j int) bool {
		return PathLess(m.Items[i].RelPath, m.Items[j].RelPath)
	})

	if len(scanErrs) > 0 {
		return m, fmt.Errorf("scan completed with %d error(s): %w", len(scanErrs), errors.Join(scanErrs...))
	}
	return m, nil
}

// PathLess orders relative paths component-wise, matching the order a
// depth-first walk with sorted directory entries produces. Two manifest
// streams merged by the planner must share this ordering.
func PathLess(a, b string) bool {
	as := strings.Split(a, "/")
	bs := strings.Split(b, "/")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] != bs[i] {
			return as[i] < bs[i]
		}
	}
	return len(as) < len(bs)
}
