// Package codec applies per-chunk compression with a closed, wire-stable
// set of algorithm tags. Store-raw is always available as a fallback, so
// compression can never block transfer correctness.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Tag identifies the algorithm a chunk payload was encoded with. Tags are
// part of the wire format and must never be renumbered.
type Tag uint8

const (
	TagRaw    Tag = 0x00
	TagZstd   Tag = 0x01
	TagGzip   Tag = 0x02
	TagSnappy Tag = 0x03
)

func (t Tag) String() string {
	switch t {
	case TagRaw:
		return "raw"
	case TagZstd:
		return "zstd"
	case TagGzip:
		return "gzip"
	case TagSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("tag(0x%02x)", uint8(t))
	}
}

// ErrUnknownTag is returned by Decode for a tag outside the closed set.
// The caller treats it as a protocol error for that chunk and retries.
var ErrUnknownTag = fmt.Errorf("unknown codec tag")

// Policy controls whether the encoder may compress.
type Policy string

const (
	PolicyAuto  Policy = "auto"  // heuristic decides per chunk
	PolicyOff   Policy = "off"   // always store raw
	PolicyForce Policy = "force" // always attempt compression
)

var zstdEncoder, _ = zstd.NewWriter(nil,
	zstd.WithEncoderLevel(zstd.SpeedDefault),
	zstd.WithEncoderConcurrency(1))

var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))

// Encode compresses raw under the given policy and hint, returning the tag
// actually used and the encoded bytes. When compression does not shrink the
// data the raw bytes are returned unchanged under TagRaw, so the encoded
// size never exceeds the raw size plus the frame overhead.
func Encode(pol Policy, hint Hint, raw []byte) (Tag, []byte) {
	if pol == PolicyOff || len(raw) == 0 {
		return TagRaw, raw
	}
	if pol == PolicyAuto && !hint.Compressible(raw) {
		return TagRaw, raw
	}

	encoded := zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)))
	if len(encoded) >= len(raw) {
		return TagRaw, raw
	}
	return TagZstd, encoded
}

// Decode reverses Encode. origLen is the expected raw length and bounds the
// decoder's allocation; a mismatch is reported as an error so the chunk is
// failed rather than committed short.
func Decode(tag Tag, data []byte, origLen int) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch tag {
	case TagRaw:
		raw = data
	case TagZstd:
		raw, err = zstdDecoder.DecodeAll(data, make([]byte, 0, origLen))
	case TagGzip:
		raw, err = gunzip(data, origLen)
	case TagSnappy:
		raw, err = snappy.Decode(make([]byte, 0, origLen), data)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, uint8(tag))
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s chunk: %w", tag, err)
	}
	if len(raw) != origLen {
		return nil, fmt.Errorf("decoded length %d, want %d", len(raw), origLen)
	}
	return raw, nil
}

func gunzip(data []byte, origLen int) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out := bytes.NewBuffer(make([]byte, 0, origLen))
	if _, err := io.Copy(out, zr); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
