package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/massmove/massmove/internal/channel"
)

// DefaultWindowBytes is the default per-channel in-flight payload budget.
// A sender that exceeds it suspends in Send until acks drain the window;
// this is the engine's primary backpressure point.
const DefaultWindowBytes = 32 * 1024 * 1024

// ErrNoChannels is returned by Send once every physical channel has failed.
var ErrNoChannels = errors.New("all channels failed")

// FailFn is invoked once per chunk that was in flight on a channel when the
// channel failed. The multiplexer never retries internally; the scheduler
// decides what to redispatch.
type FailFn func(chunkID uint64, err error)

type flight struct {
	chanIdx int
	cost    int64
}

// Mux multiplexes frames across one or more physical channels. ChunkData
// frames consume window budget on the channel that carries them until the
// matching ChunkAck arrives (on any channel); control frames bypass the
// window. Reads from all channels merge into a single incoming stream.
type Mux struct {
	session  [16]byte
	chans    []*muxChan
	incoming chan Frame
	onFailed FailFn
	logger   *slog.Logger

	next uint64 // round-robin channel cursor
	seq  uint64 // next frame sequence number

	mu      sync.Mutex
	flights map[uint64]flight

	closeOnce sync.Once
	done      chan struct{}
	readers   sync.WaitGroup
}

type muxChan struct {
	ch     channel.Channel
	wmu    sync.Mutex // serializes frame writes
	window *semaphore.Weighted
	limit  int64
	failed atomic.Bool
}

// NewMux wraps the given channels. windowBytes bounds in-flight ChunkData
// payload bytes per channel; zero selects DefaultWindowBytes. onFailed may
// be nil on the receiving side, which sends no ChunkData.
func NewMux(session [16]byte, chans []channel.Channel, windowBytes int64, onFailed FailFn, logger *slog.Logger) *Mux {
	if windowBytes <= 0 {
		windowBytes = DefaultWindowBytes
	}
	m := &Mux{
		session:  session,
		incoming: make(chan Frame, 64),
		onFailed: onFailed,
		logger:   logger,
		flights:  make(map[uint64]flight),
		done:     make(chan struct{}),
	}
	for _, ch := range chans {
		m.chans = append(m.chans, &muxChan{
			ch:     ch,
			window: semaphore.NewWeighted(windowBytes),
			limit:  windowBytes,
		})
	}
	for i := range m.chans {
		m.readers.Add(1)
		go m.readLoop(i)
	}
	go func() {
		m.readers.Wait()
		close(m.incoming)
	}()
	return m
}

// Incoming returns the merged stream of frames read from all channels. It
// is closed once every channel has failed or the mux is closed.
func (m *Mux) Incoming() <-chan Frame { return m.incoming }

// SetSession adopts a session identifier learned from the peer. The
// accepting side constructs its mux before the first frame arrives and so
// does not know the session yet; it must call this before its first Send.
func (m *Mux) SetSession(session [16]byte) { m.session = session }

// Session returns the session identifier frames are stamped with.
func (m *Mux) Session() [16]byte { return m.session }

// Send writes a frame on the next healthy channel. For ChunkData frames it
// first acquires window budget, suspending the caller while the channel's
// in-flight bytes are at the limit.
func (m *Mux) Send(ctx context.Context, f Frame) error {
	f.Session = m.session
	f.Seq = atomic.AddUint64(&m.seq, 1)

	// Manifest frames are order-sensitive: the planner merge-joins the
	// stream, so they all ride the first healthy channel instead of being
	// scattered round-robin.
	ordered := f.Type == FrameManifestEntry || f.Type == FrameManifestEnd

	for attempts := 0; attempts < len(m.chans); attempts++ {
		var idx int
		if ordered {
			idx = attempts
		} else {
			idx = int(atomic.AddUint64(&m.next, 1) % uint64(len(m.chans)))
		}
		mc := m.chans[idx]
		if mc.failed.Load() {
			continue
		}

		var cost int64
		if f.Type == FrameChunkData {
			cost = int64(len(f.Payload))
			if cost > mc.limit {
				cost = mc.limit
			}
			if err := mc.window.Acquire(ctx, cost); err != nil {
				return err
			}
			m.mu.Lock()
			m.flights[f.ChunkID] = flight{chanIdx: idx, cost: cost}
			m.mu.Unlock()
		}

		mc.wmu.Lock()
		err := WriteFrame(mc.ch, f)
		mc.wmu.Unlock()
		if err != nil {
			// This frame never reached the peer: drop its own flight so
			// the teardown reports only chunks already on the wire, and
			// retry on the next channel.
			if cost > 0 {
				m.release(f.ChunkID)
			}
			m.failChannel(idx, err)
			continue
		}
		return nil
	}
	return ErrNoChannels
}

// Ack sends a ChunkAck control frame for chunkID.
func (m *Mux) Ack(ctx context.Context, chunkID uint64, status uint8, message string) error {
	return m.Send(ctx, Frame{
		Type:    FrameChunkAck,
		ChunkID: chunkID,
		Payload: ChunkAck{Status: status, Message: message}.Marshal(),
	})
}

// release frees the window budget held by chunkID, if any.
func (m *Mux) release(chunkID uint64) {
	m.mu.Lock()
	fl, ok := m.flights[chunkID]
	if ok {
		delete(m.flights, chunkID)
	}
	m.mu.Unlock()
	if ok {
		m.chans[fl.chanIdx].window.Release(fl.cost)
	}
}

func (m *Mux) readLoop(idx int) {
	defer m.readers.Done()
	mc := m.chans[idx]
	for {
		f, err := ReadFrame(mc.ch)
		switch {
		case err == nil:
		case errors.Is(err, ErrFrameChecksum):
			// Corruption is scoped to this frame. A corrupted data frame
			// is reported back so the sender fails exactly that chunk;
			// anything else is dropped and recovered by timeout.
			m.logger.Warn("corrupt frame", "channel", idx, "type", uint8(f.Type), "chunk_id", f.ChunkID)
			if f.Type == FrameChunkData {
				_ = m.Ack(context.Background(), f.ChunkID, AckFailed, "frame checksum mismatch")
			}
			continue
		default:
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				m.logger.Warn("channel read failed", "channel", idx, "err", err)
			}
			m.failChannel(idx, err)
			return
		}

		if f.Type == FrameChunkAck {
			m.release(f.ChunkID)
		}
		select {
		case m.incoming <- f:
		case <-m.done:
			return
		}
	}
}

// failChannel marks a channel dead and reports every chunk that was in
// flight on it as failed, releasing their window budget so Send never
// deadlocks on a dead channel.
func (m *Mux) failChannel(idx int, cause error) {
	mc := m.chans[idx]
	if mc.failed.Swap(true) {
		return
	}
	_ = mc.ch.Close()

	type lostFlight struct {
		id   uint64
		cost int64
	}
	m.mu.Lock()
	var lost []lostFlight
	for id, fl := range m.flights {
		if fl.chanIdx == idx {
			lost = append(lost, lostFlight{id: id, cost: fl.cost})
			delete(m.flights, id)
		}
	}
	m.mu.Unlock()

	for _, fl := range lost {
		mc.window.Release(fl.cost)
		if m.onFailed != nil {
			m.onFailed(fl.id, fmt.Errorf("channel %d failed: %w", idx, cause))
		}
	}
}

// Close shuts down all channels. In-flight frames already written may still
// be delivered by the peer; pending Send calls fail.
func (m *Mux) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		for i := range m.chans {
			m.chans[i].failed.Store(true)
			_ = m.chans[i].ch.Close()
		}
	})
	return nil
}
