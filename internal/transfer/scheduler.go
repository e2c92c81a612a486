package transfer

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/massmove/massmove/internal/codec"
	"github.com/massmove/massmove/internal/wire"
)

// worker pulls chunks off the queue until the session context ends.
func (s *Sender) worker(ctx context.Context) {
	for {
		select {
		case ref := <-s.queue:
			s.processChunk(ctx, ref)
		case <-ctx.Done():
			return
		}
	}
}

// processChunk runs one attempt of the chunk pipeline: read the source
// range, checksum, encode, send, and wait for the receiver's commit. The
// byte budget is held only while the raw bytes are in memory; once the
// frame is on the wire the mux window takes over as the in-flight bound.
func (s *Sender) processChunk(ctx context.Context, ref *chunkRef) {
	if !s.sess.claim(ref) {
		return
	}
	rel := ref.path.item.RelPath

	cost := ref.span.Length
	if cost > s.params.ByteBudget {
		cost = s.params.ByteBudget
	}
	if err := s.budget.Acquire(ctx, cost); err != nil {
		return
	}

	raw, pooled, err := s.readSpan(ref)
	if err != nil {
		s.budget.Release(cost)
		s.chunkFailed(ctx, ref, fmt.Sprintf("read source: %v", err))
		return
	}

	rawCRC := crc32.Checksum(raw, crc32cTable)
	tag, encoded := codec.Encode(s.comp, codec.Hint{RelPath: rel}, raw)
	payload, err := wire.ChunkData{
		RelPath: rel,
		ItemID:  ref.path.item.ID(),
		Offset:  uint64(ref.span.Offset),
		RawLen:  uint32(len(raw)),
		Codec:   tag,
		RawCRC:  rawCRC,
		Data:    encoded,
	}.Marshal()
	if pooled != nil {
		s.pool.Put(pooled)
	}
	s.budget.Release(cost)
	if err != nil {
		s.chunkFailed(ctx, ref, fmt.Sprintf("encode chunk: %v", err))
		return
	}

	ackCh := s.register(ref.span.ID)
	defer s.unregister(ref.span.ID)

	if err := s.mux.Send(ctx, wire.Frame{Type: wire.FrameChunkData, ChunkID: ref.span.ID, Payload: payload}); err != nil {
		s.chunkFailed(ctx, ref, fmt.Sprintf("send: %v", err))
		return
	}

	timer := time.NewTimer(s.params.AckTimeout)
	defer timer.Stop()
	select {
	case ack := <-ackCh:
		if ack.Status == wire.AckCommitted {
			n, pathDone := s.sess.commit(ref.span.ID, true)
			s.meterAdd(int(n))
			if pathDone {
				s.logger.Debug("all chunks committed", "path", rel)
			}
			return
		}
		s.chunkFailed(ctx, ref, ack.Message)
	case <-timer.C:
		s.chunkFailed(ctx, ref, "timed out waiting for commit")
	case <-ctx.Done():
	}
}

// readSpan reads the chunk's byte range from the source file. The second
// return value is the pool buffer to give back, nil when the span was too
// large for the pool and got its own allocation.
func (s *Sender) readSpan(ref *chunkRef) ([]byte, []byte, error) {
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(ref.path.item.RelPath)))
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	length := int(ref.span.Length)
	var buf, pooled []byte
	if length <= s.pool.BufSize() {
		pooled = s.pool.Get()
		buf = pooled[:length]
	} else {
		buf = make([]byte, length)
	}
	if _, err := io.ReadFull(io.NewSectionReader(f, ref.span.Offset, ref.span.Length), buf); err != nil {
		if pooled != nil {
			s.pool.Put(pooled)
		}
		return nil, nil, err
	}
	return buf, pooled, nil
}

// chunkFailed records a failed attempt and either requeues the chunk or,
// once retries are exhausted, abandons its path. Failures stay scoped to
// the one path; every other path keeps moving.
func (s *Sender) chunkFailed(ctx context.Context, ref *chunkRef, cause string) {
	rel := ref.path.item.RelPath
	if s.sess.fail(ref, s.params.RetryLimit, cause) {
		s.logger.Warn("chunk attempt failed, retrying",
			"path", rel, "offset", ref.span.Offset, "attempt", ref.attempts, "cause", cause)
		go func() {
			select {
			case s.queue <- ref:
			case <-ctx.Done():
			}
		}()
		return
	}
	s.logger.Error("path abandoned",
		"path", rel, "offset", ref.span.Offset, "cause", cause)
	s.settle(ref.path.item.ID())
}
