// Package chunker splits plan item byte ranges into bounded-size chunks.
// It prefers content-defined boundaries (gear rolling hash) so that local
// edits inside large files keep downstream chunk boundaries stable across
// re-runs, which maximizes resume and range-diff effectiveness.
package chunker

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"io"
	"os"
)

const (
	DefaultMinSize = 512 * 1024
	DefaultAvgSize = 4 * 1024 * 1024
	DefaultMaxSize = 16 * 1024 * 1024
)

// Span is one chunk boundary decision: a half-open byte range within a file
// plus a content hash of the bytes it covers. Hash is zero for fixed-size
// splits that never read the data.
type Span struct {
	Index  uint32
	Offset int64
	Length int64
	Hash   uint64
}

// End returns the exclusive end offset of the span.
func (s Span) End() int64 { return s.Offset + s.Length }

// Table is an ordered set of spans covering a byte range with no gaps and
// no overlaps.
type Table []Span

// Validate checks the covering invariant against the given total size. An
// empty input is represented as a single zero-length span.
func (t Table) Validate(size int64) error {
	if size == 0 && len(t) == 1 && t[0].Length == 0 {
		return nil
	}
	var next int64
	for i, s := range t {
		if s.Offset != next {
			return fmt.Errorf("span %d starts at %d, want %d", i, s.Offset, next)
		}
		if s.Length <= 0 {
			return fmt.Errorf("span %d has non-positive length %d", i, s.Length)
		}
		next = s.End()
	}
	if next != size {
		return fmt.Errorf("spans cover %d bytes, want %d", next, size)
	}
	return nil
}

// Config bounds chunk sizes. Avg must be a power of two for content-defined
// splitting; normalize rounds it up if it is not.
type Config struct {
	MinSize int64
	AvgSize int64
	MaxSize int64
	Fixed   bool // use fixed-size cuts at AvgSize instead of content-defined ones
}

func (c Config) normalize() Config {
	if c.AvgSize <= 0 {
		c.AvgSize = DefaultAvgSize
	}
	// Round average up to a power of two so the cut mask is exact.
	avg := int64(1)
	for avg < c.AvgSize {
		avg <<= 1
	}
	c.AvgSize = avg
	if c.MinSize <= 0 || c.MinSize > c.AvgSize {
		c.MinSize = c.AvgSize / 8
		if c.MinSize < 1 {
			c.MinSize = 1
		}
	}
	if c.MaxSize < c.AvgSize {
		c.MaxSize = c.AvgSize * 4
	}
	return c
}

// Split produces fixed-size spans of cfg.AvgSize covering [0, size). It does
// not read any data; span hashes are zero.
func Split(size int64, cfg Config) Table {
	cfg = cfg.normalize()
	if size == 0 {
		return Table{{Index: 0, Offset: 0, Length: 0}}
	}
	var t Table
	var off int64
	for off < size {
		length := cfg.AvgSize
		if off+length > size {
			length = size - off
		}
		t = append(t, Span{Index: uint32(len(t)), Offset: off, Length: length})
		off += length
	}
	return t
}

// SplitReader scans r and produces content-defined spans using a 64-bit gear
// rolling hash. A cut happens where the rolled hash has AvgSize-1 low bits
// zero, subject to MinSize and MaxSize bounds. Each span carries an FNV-1a
// hash of its bytes for range-diff comparison.
//
// With cfg.Fixed set, boundaries fall every AvgSize bytes instead but span
// hashes are still computed.
func SplitReader(r io.Reader, cfg Config) (Table, error) {
	cfg = cfg.normalize()
	mask := uint64(cfg.AvgSize - 1)

	br := bufio.NewReaderSize(r, 64*1024)
	var (
		t       Table
		offset  int64
		spanLen int64
		gear    uint64
		spanFNV = fnv.New64a()
	)

	cut := func() {
		t = append(t, Span{
			Index:  uint32(len(t)),
			Offset: offset,
			Length: spanLen,
			Hash:   spanFNV.Sum64(),
		})
		offset += spanLen
		spanLen = 0
		gear = 0
		spanFNV.Reset()
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := br.Read(buf)
		for _, b := range buf[:n] {
			spanFNV.Write([]byte{b})
			spanLen++
			if cfg.Fixed {
				if spanLen == cfg.AvgSize {
					cut()
				}
				continue
			}
			gear = (gear << 1) + gearTable[b]
			if (spanLen >= cfg.MinSize && gear&mask == 0) || spanLen == cfg.MaxSize {
				cut()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if spanLen > 0 || len(t) == 0 {
		cut()
	}
	return t, nil
}

// SplitFile is SplitReader over the file at path.
func SplitFile(path string, cfg Config) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return SplitReader(f, cfg)
}

// SplitRange produces spans for the sub-range [offset, offset+length) of a
// file using fixed-size cuts. Used for OverwriteRange plan items whose
// boundaries were already decided by the planner.
func SplitRange(offset, length int64, cfg Config) Table {
	cfg = cfg.normalize()
	if length == 0 {
		return Table{{Index: 0, Offset: offset, Length: 0}}
	}
	var t Table
	end := offset + length
	for off := offset; off < end; {
		l := cfg.AvgSize
		if off+l > end {
			l = end - off
		}
		t = append(t, Span{Index: uint32(len(t)), Offset: off, Length: l})
		off += l
	}
	return t
}
