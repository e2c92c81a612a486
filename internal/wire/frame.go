// Package wire implements the engine-to-engine framing protocol and the
// transport multiplexer that carries many logical chunk streams over one or
// more physical channels with flow control.
//
// Every frame is length-prefixed, self-describing, and checksummed:
//
//	magic "MMX1" | type u8 | session [16]byte | chunkID u64 | seq u64 |
//	payloadLen u32 | payload | crc32c u32
//
// All integers are big endian. The CRC-32C covers everything after the
// magic up to and including the payload. A checksum mismatch invalidates
// only the frame it covers; the length prefix keeps the stream aligned so
// unrelated in-flight chunks on the same channel survive.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// FrameType discriminates protocol frames.
type FrameType uint8

const (
	FrameManifestEntry FrameType = 0x01
	FramePlanItem      FrameType = 0x02
	FrameChunkData     FrameType = 0x03
	FrameChunkAck      FrameType = 0x04
	FrameSessionEnd    FrameType = 0x05
	FrameManifestEnd   FrameType = 0x06
)

const (
	frameMagic = "MMX1"

	// headerLen is the fixed portion after the magic: type + session +
	// chunkID + seq + payloadLen.
	headerLen = 1 + 16 + 8 + 8 + 4

	// MaxPayload bounds a single frame's payload. Chunks are sized well
	// below this; the bound exists to reject corrupt length prefixes
	// before allocating.
	MaxPayload = 64 * 1024 * 1024
)

var (
	// ErrInvalidMagic indicates the stream is not speaking this protocol.
	ErrInvalidMagic = errors.New("invalid frame magic")
	// ErrFrameChecksum indicates a frame body failed its CRC. The stream
	// itself remains aligned; only the covered frame is lost.
	ErrFrameChecksum = errors.New("frame checksum mismatch")
	// ErrPayloadTooLarge indicates a length prefix beyond MaxPayload.
	ErrPayloadTooLarge = errors.New("frame payload too large")
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Frame is one protocol frame.
type Frame struct {
	Type    FrameType
	Session [16]byte
	ChunkID uint64
	Seq     uint64
	Payload []byte
}

// WriteFrame serializes f to w in a single Write call so concurrent writers
// need only serialize at the io layer.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return ErrPayloadTooLarge
	}

	buf := make([]byte, 4+headerLen+len(f.Payload)+4)
	copy(buf[0:4], frameMagic)
	buf[4] = byte(f.Type)
	copy(buf[5:21], f.Session[:])
	binary.BigEndian.PutUint64(buf[21:29], f.ChunkID)
	binary.BigEndian.PutUint64(buf[29:37], f.Seq)
	binary.BigEndian.PutUint32(buf[37:41], uint32(len(f.Payload)))
	copy(buf[41:], f.Payload)

	crc := crc32.Checksum(buf[4:41+len(f.Payload)], crc32cTable)
	binary.BigEndian.PutUint32(buf[len(buf)-4:], crc)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads the next frame from r. On ErrFrameChecksum the returned
// frame still carries the header fields (type, chunk ID) so the caller can
// fail exactly the affected chunk and keep reading.
func ReadFrame(r io.Reader) (Frame, error) {
	var f Frame

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return f, err
	}
	if string(magic[:]) != frameMagic {
		return f, ErrInvalidMagic
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return f, fmt.Errorf("read frame header: %w", err)
	}

	f.Type = FrameType(header[0])
	copy(f.Session[:], header[1:17])
	f.ChunkID = binary.BigEndian.Uint64(header[17:25])
	f.Seq = binary.BigEndian.Uint64(header[25:33])
	payloadLen := binary.BigEndian.Uint32(header[33:37])
	if payloadLen > MaxPayload {
		return f, ErrPayloadTooLarge
	}

	f.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return f, fmt.Errorf("read frame payload: %w", err)
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return f, fmt.Errorf("read frame checksum: %w", err)
	}

	crc := crc32.New(crc32cTable)
	crc.Write(header)
	crc.Write(f.Payload)
	if crc.Sum32() != binary.BigEndian.Uint32(crcBuf[:]) {
		return f, ErrFrameChecksum
	}
	return f, nil
}
