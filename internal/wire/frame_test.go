package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{
		Type:    FrameChunkData,
		Session: [16]byte{1, 2, 3, 4},
		ChunkID: 0xdeadbeef,
		Seq:     42,
		Payload: []byte("hello chunk"),
	}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != want.Type || got.Session != want.Session ||
		got.ChunkID != want.ChunkID || got.Seq != want.Seq ||
		!bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("roundtrip mismatch: got %+v", got)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: FrameSessionEnd, ChunkID: 7}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != FrameSessionEnd || got.ChunkID != 7 || len(got.Payload) != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestFrameChecksumMismatchKeepsStreamAligned(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: FrameChunkData, ChunkID: 11, Payload: []byte("first")}); err != nil {
		t.Fatal(err)
	}
	firstLen := buf.Len()
	if err := WriteFrame(&buf, Frame{Type: FrameChunkAck, ChunkID: 22, Payload: []byte("second")}); err != nil {
		t.Fatal(err)
	}

	// Flip one payload byte inside the first frame.
	raw := buf.Bytes()
	raw[4+headerLen] ^= 0xff

	r := bytes.NewReader(raw)
	f, err := ReadFrame(r)
	if !errors.Is(err, ErrFrameChecksum) {
		t.Fatalf("err = %v, want ErrFrameChecksum", err)
	}
	// Header fields survive so the caller can fail exactly this chunk.
	if f.Type != FrameChunkData || f.ChunkID != 11 {
		t.Fatalf("corrupt frame header lost: %+v", f)
	}
	if consumed := len(raw) - r.Len(); consumed != firstLen {
		t.Fatalf("consumed %d bytes, want %d: stream misaligned", consumed, firstLen)
	}

	// The following frame is intact.
	f, err = ReadFrame(r)
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if f.ChunkID != 22 || !bytes.Equal(f.Payload, []byte("second")) {
		t.Fatalf("second frame corrupted: %+v", f)
	}
}

func TestFrameInvalidMagic(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader([]byte("NOPE____________"))); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("err = %v, want ErrInvalidMagic", err)
	}
}

func TestFramePayloadTooLarge(t *testing.T) {
	if err := WriteFrame(io.Discard, Frame{Payload: make([]byte, MaxPayload+1)}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("write err = %v, want ErrPayloadTooLarge", err)
	}

	// A corrupt length prefix must be rejected before allocation.
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: FrameChunkData, Payload: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	binary.BigEndian.PutUint32(raw[37:41], MaxPayload+1)
	if _, err := ReadFrame(bytes.NewReader(raw)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("read err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestFrameTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: FrameChunkData, Payload: []byte("payload")}); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	for _, cut := range []int{0, 2, 10, len(raw) - 2} {
		if _, err := ReadFrame(bytes.NewReader(raw[:cut])); err == nil {
			t.Fatalf("truncation at %d not detected", cut)
		}
	}
}

func TestChunkDataPayloadRoundTrip(t *testing.T) {
	want := ChunkData{
		RelPath: "a/b/c.txt",
		ItemID:  99,
		Offset:  4096,
		RawLen:  1234,
		Codec:   1,
		RawCRC:  0xcafe,
		Data:    []byte{9, 8, 7},
	}
	payload, err := want.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := UnmarshalChunkData(payload)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.RelPath != want.RelPath || got.ItemID != want.ItemID ||
		got.Offset != want.Offset || got.RawLen != want.RawLen ||
		got.Codec != want.Codec || got.RawCRC != want.RawCRC ||
		!bytes.Equal(got.Data, want.Data) {
		t.Fatalf("roundtrip mismatch: got %+v", got)
	}

	if _, err := UnmarshalChunkData(payload[:5]); err == nil {
		t.Fatalf("short payload accepted")
	}
}

func TestChunkAckPayloadRoundTrip(t *testing.T) {
	payload := ChunkAck{Status: AckFailed, Message: "disk full"}.Marshal()
	got, err := UnmarshalChunkAck(payload)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Status != AckFailed || got.Message != "disk full" {
		t.Fatalf("got %+v", got)
	}
	if _, err := UnmarshalChunkAck([]byte{1}); err == nil {
		t.Fatalf("short payload accepted")
	}
}
