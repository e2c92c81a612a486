package manifest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestScanBasicTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")
	writeFile(t, root, "sub/b.txt", "world")
	if err := os.Mkdir(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	m, err := Scan(context.Background(), root, Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if m.FileCount != 2 {
		t.Fatalf("FileCount mismatch: got %d", m.FileCount)
	}
	if m.TotalBytes != 10 {
		t.Fatalf("TotalBytes mismatch: got %d", m.TotalBytes)
	}

	e, ok := m.Lookup("a.txt")
	if !ok {
		t.Fatalf("a.txt missing from manifest")
	}
	if e.Kind != KindFile || e.Size != 5 {
		t.Fatalf("a.txt entry mismatch: %+v", e)
	}
	if e.QuickSig == 0 {
		t.Fatalf("expected QuickSig to be computed")
	}

	if _, ok := m.Lookup("empty"); !ok {
		t.Fatalf("empty dir missing from manifest")
	}
}

func TestScanSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks not reliable on windows")
	}
	root := t.TempDir()
	writeFile(t, root, "target.txt", "data")
	if err := os.Symlink("target.txt", filepath.Join(root, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	m, err := Scan(context.Background(), root, Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	e, ok := m.Lookup("link")
	if !ok {
		t.Fatalf("link missing from manifest")
	}
	if e.Kind != KindSymlink || e.LinkTarget != "target.txt" {
		t.Fatalf("link entry mismatch: %+v", e)
	}
}

func TestScanExcludes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.txt", "x")
	writeFile(t, root, "skip.log", "y")
	writeFile(t, root, ".massmove/checkpoint.log", "z")

	m, err := Scan(context.Background(), root, Options{Excludes: []string{"*.log", ".massmove", ".massmove/**"}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if _, ok := m.Lookup("keep.txt"); !ok {
		t.Fatalf("keep.txt should be present")
	}
	if _, ok := m.Lookup("skip.log"); ok {
		t.Fatalf("skip.log should be excluded")
	}
	if _, ok := m.Lookup(".massmove/checkpoint.log"); ok {
		t.Fatalf("state dir should be excluded")
	}
}

func TestQuickSigTracksContent(t *testing.T) {
	root := t.TempDir()
	abs := filepath.Join(root, "f.bin")
	writeFile(t, root, "f.bin", "aaaaaaaa")
	st, err := os.Stat(abs)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	mtime := st.ModTime().Unix()
	sig1, err := QuickSig(abs, st.Size(), mtime)
	if err != nil {
		t.Fatalf("QuickSig: %v", err)
	}

	// Same size, same mtime, different head bytes.
	writeFile(t, root, "f.bin", "baaaaaaa")
	if err := os.Chtimes(abs, st.ModTime(), st.ModTime()); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	sig2, err := QuickSig(abs, st.Size(), mtime)
	if err != nil {
		t.Fatalf("QuickSig: %v", err)
	}
	if sig1 == sig2 {
		t.Fatalf("QuickSig did not change with content")
	}

	sig3, err := QuickSig(abs, st.Size(), mtime+1)
	if err != nil {
		t.Fatalf("QuickSig: %v", err)
	}
	if sig2 == sig3 {
		t.Fatalf("QuickSig did not change with mtime")
	}
}

func TestContentHashStable(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "f.txt", "some content")
	h1, err := ContentHash(root, "f.txt")
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	h2, err := ContentHash(root, "f.txt")
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	if h1 != h2 || len(h1) != 64 {
		t.Fatalf("hash mismatch: %q vs %q", h1, h2)
	}
}

func TestPathLessMatchesWalkOrder(t *testing.T) {
	root := t.TempDir()
	// Plain string sort would put "a.b/f" before "a/f"; the walk visits
	// "a" first. PathLess must agree with the walk.
	writeFile(t, root, "a/f", "1")
	writeFile(t, root, "a.b/f", "2")
	writeFile(t, root, "a!c", "3")

	results, err := Walk(context.Background(), root, Options{})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	var walked []string
	for res := range results {
		if res.Err != nil {
			t.Fatalf("walk error: %v", res.Err)
		}
		walked = append(walked, res.Entry.RelPath)
	}

	sorted := append([]string(nil), walked...)
	sort.Slice(sorted, func(i, j int) bool { return PathLess(sorted[i], sorted[j]) })
	for i := range walked {
		if walked[i] != sorted[i] {
			t.Fatalf("walk order and PathLess disagree:\nwalk: %v\nsort: %v", walked, sorted)
		}
	}
}

func TestManifestIDChangesWithEntries(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "one")
	m1, err := Scan(context.Background(), root, Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	writeFile(t, root, "b.txt", "two")
	m2, err := Scan(context.Background(), root, Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if m1.ID() == m2.ID() {
		t.Fatalf("manifest ID should change when entries change")
	}
}
