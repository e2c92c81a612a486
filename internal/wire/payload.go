package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/massmove/massmove/internal/codec"
	"github.com/massmove/massmove/pkg/manifest"
	"github.com/massmove/massmove/pkg/plan"
)

// Chunk state codes carried in ChunkAck frames.
const (
	AckCommitted = uint8(0x01)
	AckFailed    = uint8(0x02)
	// AckReady acknowledges a PlanItem frame: the receiver has prepared the
	// destination path and replayed any resume state for it.
	AckReady = uint8(0x03)
)

var errShortPayload = errors.New("short payload")

// ChunkData is the payload of a FrameChunkData frame: one encoded chunk of
// one plan item's byte range. RawCRC is the CRC-32C of the raw (decoded)
// bytes and is the receiver-side integrity check; the frame CRC only covers
// transit corruption of the encoded form.
type ChunkData struct {
	RelPath string
	ItemID  uint64
	Offset  uint64
	RawLen  uint32
	Codec   codec.Tag
	RawCRC  uint32
	Data    []byte
}

// Marshal encodes the payload:
//
//	relPathLen u16 | relPath | itemID u64 | offset u64 | rawLen u32 |
//	codec u8 | rawCRC u32 | data
func (c ChunkData) Marshal() ([]byte, error) {
	pathBytes := []byte(c.RelPath)
	if len(pathBytes) > 1024 {
		return nil, fmt.Errorf("relative path too long: %d bytes", len(pathBytes))
	}
	buf := make([]byte, 2+len(pathBytes)+8+8+4+1+4+len(c.Data))
	off := 0
	binary.BigEndian.PutUint16(buf[off:], uint16(len(pathBytes)))
	off += 2
	copy(buf[off:], pathBytes)
	off += len(pathBytes)
	binary.BigEndian.PutUint64(buf[off:], c.ItemID)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], c.Offset)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], c.RawLen)
	off += 4
	buf[off] = byte(c.Codec)
	off++
	binary.BigEndian.PutUint32(buf[off:], c.RawCRC)
	off += 4
	copy(buf[off:], c.Data)
	return buf, nil
}

// UnmarshalChunkData decodes a FrameChunkData payload.
func UnmarshalChunkData(payload []byte) (ChunkData, error) {
	var c ChunkData
	if len(payload) < 2 {
		return c, errShortPayload
	}
	pathLen := int(binary.BigEndian.Uint16(payload))
	rest := payload[2:]
	if len(rest) < pathLen+8+8+4+1+4 {
		return c, errShortPayload
	}
	c.RelPath = string(rest[:pathLen])
	rest = rest[pathLen:]
	c.ItemID = binary.BigEndian.Uint64(rest[0:8])
	c.Offset = binary.BigEndian.Uint64(rest[8:16])
	c.RawLen = binary.BigEndian.Uint32(rest[16:20])
	c.Codec = codec.Tag(rest[20])
	c.RawCRC = binary.BigEndian.Uint32(rest[21:25])
	c.Data = rest[25:]
	return c, nil
}

// ChunkAck is the payload of a FrameChunkAck frame.
type ChunkAck struct {
	Status  uint8
	Message string
}

func (a ChunkAck) Marshal() []byte {
	msg := []byte(a.Message)
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	buf := make([]byte, 1+2+len(msg))
	buf[0] = a.Status
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(msg)))
	copy(buf[3:], msg)
	return buf
}

func UnmarshalChunkAck(payload []byte) (ChunkAck, error) {
	var a ChunkAck
	if len(payload) < 3 {
		return a, errShortPayload
	}
	a.Status = payload[0]
	msgLen := int(binary.BigEndian.Uint16(payload[1:3]))
	if len(payload) < 3+msgLen {
		return a, errShortPayload
	}
	a.Message = string(payload[3 : 3+msgLen])
	return a, nil
}

// Manifest entries and plan items ride as JSON payloads: they are low-volume
// control data exchanged during metadata pre-sync, and the flexible encoding
// keeps them forward-compatible. Chunk data stays binary.

func MarshalManifestEntry(e manifest.Entry) ([]byte, error) {
	return json.Marshal(e)
}

func UnmarshalManifestEntry(payload []byte) (manifest.Entry, error) {
	var e manifest.Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return e, fmt.Errorf("unmarshal manifest entry: %w", err)
	}
	return e, nil
}

func MarshalPlanItem(it plan.Item) ([]byte, error) {
	return json.Marshal(it)
}

func UnmarshalPlanItem(payload []byte) (plan.Item, error) {
	var it plan.Item
	if err := json.Unmarshal(payload, &it); err != nil {
		return it, fmt.Errorf("unmarshal plan item: %w", err)
	}
	return it, nil
}
