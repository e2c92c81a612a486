package transfer

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/massmove/massmove/internal/bufpool"
	"github.com/massmove/massmove/internal/channel"
	"github.com/massmove/massmove/internal/chunker"
	"github.com/massmove/massmove/internal/codec"
	"github.com/massmove/massmove/internal/progress"
	"github.com/massmove/massmove/internal/wire"
	"github.com/massmove/massmove/pkg/manifest"
	"github.com/massmove/massmove/pkg/plan"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Sender drives the sending half of a transfer: it walks the plan stream,
// announces each item to the receiver, cuts changed byte ranges into
// chunks, and pushes them through a bounded worker pool until every path
// is committed or abandoned.
type Sender struct {
	sess   *Session
	mux    *wire.Mux
	root   string
	params Params
	comp   codec.Policy
	logger *slog.Logger
	meter  *progress.Meter
	pool   *bufpool.Pool
	budget *semaphore.Weighted
	queue  chan *chunkRef

	ackMu   sync.Mutex
	waiters map[uint64]chan wire.ChunkAck

	itemsWG   sync.WaitGroup
	settleMu  sync.Mutex
	settledID map[uint64]bool

	endOnce sync.Once
	endCh   chan struct{}

	errOnce sync.Once
	fatal   error

	// manifestCh carries the destination manifest streamed by the peer
	// during pre-sync. The dispatcher appends entries to an unbounded
	// buffer and a forwarder goroutine drains it into the channel, so
	// frame routing never stalls behind a slow merge-join; the backlog is
	// bounded by the destination tree size. Feeding the planner straight
	// from the dispatcher closes a wait cycle through the peer once both
	// transports back up.
	manifestCh   chan manifest.Result
	manifestOnce sync.Once
	manifestMu   sync.Mutex
	manifestBuf  []manifest.Entry
	manifestDone bool
	manifestKick chan struct{}
}

// NewSender builds a sender over the given channels. meter may be nil.
func NewSender(chans []channel.Channel, srcRoot string, p Params, comp codec.Policy, meter *progress.Meter, logger *slog.Logger) *Sender {
	p = p.normalize()
	if p.ChunkSize <= 0 {
		p.ChunkSize = chunker.DefaultAvgSize
	}
	s := &Sender{
		sess:      newSession(),
		root:      srcRoot,
		params:    p,
		comp:      comp,
		logger:    logger,
		meter:     meter,
		pool:      bufpool.New(int(p.ChunkSize)),
		budget:    semaphore.NewWeighted(p.ByteBudget),
		queue:     make(chan *chunkRef, p.Workers*4),
		waiters:   make(map[uint64]chan wire.ChunkAck),
		settledID: make(map[uint64]bool),
		endCh:     make(chan struct{}),
	}
	s.mux = wire.NewMux(s.sess.WireID(), chans, p.WindowBytes, s.onChannelFailed, logger)
	return s
}

// Session exposes the run's session state, mainly for logging and status.
func (s *Sender) Session() *Session { return s.sess }

// Run performs a full transfer: it receives the destination manifest the
// peer streams during pre-sync, diffs it against the source scan under
// pol, and moves what changed. It returns once every item has committed
// or been abandoned and the receiver has confirmed session end. The
// summary is meaningful even when err is non-nil.
func (s *Sender) Run(ctx context.Context, src <-chan manifest.Result, pol plan.Policy) (Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.mux.Close()

	s.manifestCh = make(chan manifest.Result, 64)
	s.manifestKick = make(chan struct{}, 1)
	items := plan.Diff(ctx, src, s.manifestCh, pol)

	var dispatcherWG sync.WaitGroup
	dispatcherWG.Add(1)
	go func() {
		defer dispatcherWG.Done()
		s.dispatch(ctx)
	}()
	go s.forwardManifest(ctx)
	for i := 0; i < s.params.Workers; i++ {
		go s.worker(ctx)
	}

	if err := s.consume(ctx, items); err != nil {
		s.setFatal(err)
	}

	// All items announced; wait for chunk commits and path completions.
	waited := make(chan struct{})
	go func() {
		s.itemsWG.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		s.setFatal(ctx.Err())
	}

	if s.fatal == nil {
		if err := s.mux.Send(ctx, wire.Frame{Type: wire.FrameSessionEnd}); err != nil {
			s.setFatal(fmt.Errorf("send session end: %w", err))
		} else {
			select {
			case <-s.endCh:
			case <-time.After(s.params.AckTimeout):
				s.logger.Warn("no session end confirmation from receiver")
			case <-ctx.Done():
			}
		}
	}

	cancel()
	dispatcherWG.Wait()
	return s.sess.Summary(), s.fatal
}

func (s *Sender) setFatal(err error) {
	s.errOnce.Do(func() { s.fatal = err })
}

// closeManifest ends the destination manifest stream exactly once.
func (s *Sender) closeManifest() {
	s.manifestOnce.Do(func() {
		if s.manifestCh != nil {
			close(s.manifestCh)
		}
	})
}

// bufferManifest queues one destination manifest entry for the planner
// without ever blocking the caller.
func (s *Sender) bufferManifest(e manifest.Entry) {
	s.manifestMu.Lock()
	s.manifestBuf = append(s.manifestBuf, e)
	s.manifestMu.Unlock()
	s.kickManifest()
}

// endManifest marks the destination manifest stream as complete.
func (s *Sender) endManifest() {
	s.manifestMu.Lock()
	s.manifestDone = true
	s.manifestMu.Unlock()
	s.kickManifest()
}

func (s *Sender) kickManifest() {
	select {
	case s.manifestKick <- struct{}{}:
	default:
	}
}

// forwardManifest drains buffered destination manifest entries into the
// planner's stream, closing it once the end marker arrived and the buffer
// is empty.
func (s *Sender) forwardManifest(ctx context.Context) {
	defer s.closeManifest()
	for {
		s.manifestMu.Lock()
		batch := s.manifestBuf
		s.manifestBuf = nil
		done := s.manifestDone
		s.manifestMu.Unlock()

		for _, e := range batch {
			select {
			case s.manifestCh <- manifest.Result{Entry: e}:
			case <-ctx.Done():
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if done {
			return
		}
		select {
		case <-s.manifestKick:
		case <-ctx.Done():
			return
		}
	}
}

// consume walks the plan stream in order. A Delete immediately followed by
// a Create of the same path is collapsed: the receiver replaces conflicting
// entries in place, which sidesteps cross-channel reordering of the pair.
// The ranges of one file arrive as consecutive items; they are announced
// together, each stamped with the group size, so the receiver knows when
// the last range of the path has landed.
func (s *Sender) consume(ctx context.Context, items <-chan plan.Result) error {
	var pendingDelete *plan.Item
	var group []plan.Item

	flushDelete := func() error {
		if pendingDelete == nil {
			return nil
		}
		it := *pendingDelete
		pendingDelete = nil
		return s.announce(ctx, it, nil)
	}
	flushGroup := func() error {
		if len(group) == 0 {
			return nil
		}
		batch := group
		group = nil
		for _, it := range batch {
			it.PathItems = len(batch)
			it.ChunkSize = s.params.ChunkSize
			spans := itemSpans(it)
			if s.meter != nil {
				s.meter.AddTotal(it.Length)
			}
			if err := s.announce(ctx, it, spans); err != nil {
				return err
			}
		}
		return nil
	}

	for res := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if res.Err != nil {
			s.logger.Warn("plan error", "path", res.Item.RelPath, "err", res.Err)
			s.sess.noteError(res.Item.RelPath, res.Err.Error())
			continue
		}
		it := res.Item

		fileData := it.Kind.IsFile() &&
			(it.Action == plan.ActionCreate || it.Action == plan.ActionOverwriteRange)
		if len(group) > 0 && (!fileData || it.RelPath != group[0].RelPath) {
			if err := flushGroup(); err != nil {
				return err
			}
		}

		if pendingDelete != nil && it.Action == plan.ActionCreate && it.RelPath == pendingDelete.RelPath {
			pendingDelete = nil
		} else if err := flushDelete(); err != nil {
			return err
		}

		switch it.Action {
		case plan.ActionSkip:
			s.sess.noteSkip(it)
		case plan.ActionDelete:
			cp := it
			pendingDelete = &cp
		case plan.ActionCreate, plan.ActionOverwriteRange:
			if !it.Kind.IsFile() {
				if err := s.announce(ctx, it, nil); err != nil {
					return err
				}
				continue
			}
			group = append(group, it)
		}
	}
	if err := flushGroup(); err != nil {
		return err
	}
	return flushDelete()
}

// announce registers an item, sends its PlanItem frame, and for file items
// hands chunk dispatch to a goroutine gated on the receiver's ready ack.
func (s *Sender) announce(ctx context.Context, it plan.Item, spans []chunkSpan) error {
	id := it.ID()
	refs := s.sess.addPath(it, spans, nil)
	s.itemsWG.Add(1)

	var readyCh chan wire.ChunkAck
	if it.Kind.IsFile() && it.Action != plan.ActionDelete {
		readyCh = s.register(id)
	}

	payload, err := wire.MarshalPlanItem(it)
	if err != nil {
		s.abandonItem(id, fmt.Sprintf("encode plan item: %v", err))
		return nil
	}
	if err := s.mux.Send(ctx, wire.Frame{Type: wire.FramePlanItem, ChunkID: id, Payload: payload}); err != nil {
		s.unregister(id)
		s.abandonItem(id, fmt.Sprintf("announce: %v", err))
		if errors.Is(err, wire.ErrNoChannels) {
			return err
		}
		return nil
	}

	if readyCh != nil {
		go s.awaitReady(ctx, it, refs, readyCh)
	}
	return nil
}

// awaitReady blocks until the receiver has prepared the path, then feeds
// the still-pending chunks into the worker queue.
func (s *Sender) awaitReady(ctx context.Context, it plan.Item, refs []*chunkRef, readyCh chan wire.ChunkAck) {
	id := it.ID()
	defer s.unregister(id)

	timer := time.NewTimer(s.params.AckTimeout)
	defer timer.Stop()

	select {
	case ack := <-readyCh:
		if ack.Status == wire.AckFailed {
			s.abandonItem(id, ack.Message)
			return
		}
	case <-timer.C:
		s.abandonItem(id, "no ready acknowledgement from receiver")
		return
	case <-ctx.Done():
		s.abandonItem(id, ctx.Err().Error())
		return
	}

	for _, ref := range refs {
		if !s.sess.dispatchable(ref) {
			continue
		}
		select {
		case s.queue <- ref:
		case <-ctx.Done():
			return
		}
	}
}

// abandonItem gives up on a path and releases its completion slot.
func (s *Sender) abandonItem(id uint64, cause string) {
	s.sess.abandonPath(id, cause)
	s.settle(id)
}

// settle releases an item's completion slot exactly once.
func (s *Sender) settle(id uint64) {
	s.settleMu.Lock()
	done := s.settledID[id]
	s.settledID[id] = true
	s.settleMu.Unlock()
	if !done {
		s.itemsWG.Done()
	}
}

// register installs an ack waiter for id. The waiter must be installed
// before the frame that solicits the ack is sent.
func (s *Sender) register(id uint64) chan wire.ChunkAck {
	ch := make(chan wire.ChunkAck, 1)
	s.ackMu.Lock()
	s.waiters[id] = ch
	s.ackMu.Unlock()
	return ch
}

func (s *Sender) unregister(id uint64) {
	s.ackMu.Lock()
	delete(s.waiters, id)
	s.ackMu.Unlock()
}

func (s *Sender) deliver(id uint64, ack wire.ChunkAck) bool {
	s.ackMu.Lock()
	ch, ok := s.waiters[id]
	s.ackMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- ack:
	default:
	}
	return true
}

// onChannelFailed is the mux's callback for chunks lost to a dead channel.
// The affected worker sees a synthetic failed ack and retries on the
// surviving channels.
func (s *Sender) onChannelFailed(chunkID uint64, err error) {
	s.deliver(chunkID, wire.ChunkAck{Status: wire.AckFailed, Message: fmt.Sprintf("channel failed: %v", err)})
}

// dispatch routes incoming frames: chunk acks to their waiting workers,
// item-level acks to path completion, resume acks to the session ledger.
func (s *Sender) dispatch(ctx context.Context) {
	for {
		var fr wire.Frame
		var ok bool
		select {
		case fr, ok = <-s.mux.Incoming():
			if !ok {
				// Every channel is gone; nothing outstanding can
				// complete anymore.
				s.endManifest()
				s.setFatal(wire.ErrNoChannels)
				for _, id := range s.sess.pathIDs() {
					s.abandonItem(id, "connection lost")
				}
				s.endOnce.Do(func() { close(s.endCh) })
				return
			}
		case <-ctx.Done():
			return
		}

		switch fr.Type {
		case wire.FrameManifestEntry:
			e, err := wire.UnmarshalManifestEntry(fr.Payload)
			if err != nil {
				s.logger.Warn("bad manifest entry payload", "err", err)
				continue
			}
			s.bufferManifest(e)
		case wire.FrameManifestEnd:
			s.endManifest()
		case wire.FrameSessionEnd:
			s.endOnce.Do(func() { close(s.endCh) })
		case wire.FrameChunkAck:
			ack, err := wire.UnmarshalChunkAck(fr.Payload)
			if err != nil {
				s.logger.Warn("bad ack payload", "err", err)
				continue
			}
			s.routeAck(fr.ChunkID, ack)
		default:
			s.logger.Warn("unexpected frame from receiver", "type", fr.Type)
		}
	}
}

func (s *Sender) routeAck(id uint64, ack wire.ChunkAck) {
	// Item-level acks carry the item ID and must never be swallowed by a
	// stale ack waiter, or the item's completion slot leaks and the run
	// hangs. Route by ID class first.
	if _, ok := s.sess.itemOf(id); ok {
		s.routeItemAck(id, ack)
		return
	}

	switch ack.Status {
	case wire.AckCommitted:
		if s.deliver(id, ack) {
			return
		}
		// A chunk commit with no waiter: either a resume replay sent
		// before dispatch, or a late ack after a worker timed out.
		n, pathDone := s.sess.commit(id, ack.Message != "resume")
		s.meterAdvance(n)
		if pathDone {
			s.logger.Debug("path complete via late commit", "chunk", id)
		}
	case wire.AckFailed:
		if !s.deliver(id, ack) {
			s.logger.Warn("failed ack with no waiter", "id", id, "msg", ack.Message)
		}
	default:
		s.logger.Warn("unexpected chunk ack", "id", id, "status", ack.Status)
	}
}

func (s *Sender) routeItemAck(id uint64, ack wire.ChunkAck) {
	switch ack.Status {
	case wire.AckReady:
		if !s.deliver(id, ack) {
			s.logger.Warn("ready ack with no waiter", "id", id)
		}
	case wire.AckCommitted:
		s.sess.finalize(id)
		s.settle(id)
	case wire.AckFailed:
		// Wake a pending ready waiter if there is one, and abandon either
		// way; both paths are idempotent.
		s.deliver(id, ack)
		s.abandonItem(id, ack.Message)
	}
}

func (s *Sender) meterAdd(n int) {
	if s.meter != nil && n > 0 {
		s.meter.Add(n)
	}
}

func (s *Sender) meterAdvance(n int64) {
	if s.meter != nil && n > 0 {
		s.meter.Advance(int(n))
	}
}
