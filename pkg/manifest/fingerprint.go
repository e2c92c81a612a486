package manifest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
)

// sampleSize is the number of bytes hashed from each end of a file for the
// cheap fingerprint. Reading 8 KiB total regardless of file size keeps the
// initial scan pass fast on large trees.
const sampleSize = 4096

// QuickSig computes the cheap content fingerprint for a regular file:
// FNV-1a 64 over size, mtime, the first 4 KiB, and (for larger files) the
// last 4 KiB. It is sensitive to edits near either end and to any metadata
// change, and costs at most two small reads.
func QuickSig(path string, size, modTime int64) (uint64, error) {
	h := fnv.New64a()
	var meta [16]byte
	binary.BigEndian.PutUint64(meta[0:8], uint64(size))
	binary.BigEndian.PutUint64(meta[8:16], uint64(modTime))
	h.Write(meta[:])

	if size == 0 {
		return h.Sum64(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	head := make([]byte, min64(size, sampleSize))
	if _, err := io.ReadFull(f, head); err != nil {
		return 0, fmt.Errorf("read head sample: %w", err)
	}
	h.Write(head)

	if size > sampleSize {
		tail := make([]byte, sampleSize)
		if _, err := f.ReadAt(tail, size-sampleSize); err != nil {
			return 0, fmt.Errorf("read tail sample: %w", err)
		}
		h.Write(tail)
	}

	return h.Sum64(), nil
}

// ContentHash computes the full SHA-256 of a file under root and returns it
// as lowercase hex. This is the strong fingerprint, computed lazily only for
// entries the planner cannot settle with QuickSig alone, and used by the
// receiver's whole-file verification.
func ContentHash(root, relPath string) (string, error) {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(relPath)))
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", relPath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func quickSigString(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
