package transfer

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/massmove/massmove/internal/channel"
	"github.com/massmove/massmove/internal/checkpoint"
	"github.com/massmove/massmove/internal/codec"
	"github.com/massmove/massmove/internal/wire"
	"github.com/massmove/massmove/pkg/manifest"
	"github.com/massmove/massmove/pkg/plan"
)

// ErrInvalidRelPath indicates a plan item named a path outside the
// destination root.
var ErrInvalidRelPath = errors.New("invalid relative path")

// RecvStats counts the receiver's side of a run.
type RecvStats struct {
	BytesWritten  int64
	BytesResumed  int64
	FilesComplete int
	Deletes       int
}

// RecvConfig configures the receiving side of a transfer.
type RecvConfig struct {
	Root       string   // destination tree root
	Checkpoint string   // checkpoint log path
	Verify     bool     // whole-file hash comparison at path commit
	Excludes   []string // glob patterns left out of the pre-sync scan
	Params     Params
}

// Receiver applies a transfer to the destination tree: it streams the
// destination manifest to the sender during pre-sync, prepares paths the
// sender announces, writes and verifies chunks, records commits in the
// checkpoint log, and finalizes each file once its last chunk lands.
type Receiver struct {
	mux    *wire.Mux
	root   string
	ckpt   *checkpoint.Log
	verify bool
	params Params
	excl   []string
	logger *slog.Logger

	committed map[uint64]checkpoint.Record
	haveSess  bool

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	files map[uint64]*recvFile
	paths map[string]*pathProgress
	stats RecvStats

	fatalMu sync.Mutex
	fatal   error
}

// pathProgress counts how many of a path's announced items have landed. A
// range-diffed file arrives as several items sharing one path; the
// whole-file commit work runs only when the last of them finishes.
type pathProgress struct {
	expected int
	done     int
}

// recvFile is an open destination file mid-transfer.
type recvFile struct {
	item plan.Item
	abs  string
	f    *os.File

	mu      sync.Mutex
	pending map[uint64]chunkSpan
	done    bool
}

// NewReceiver opens the checkpoint log and builds a receiver over the
// given channels. The destination root is created if missing.
func NewReceiver(chans []channel.Channel, cfg RecvConfig, logger *slog.Logger) (*Receiver, error) {
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create destination root: %w", err)
	}
	ckpt, err := checkpoint.Open(cfg.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint log: %w", err)
	}
	committed, err := ckpt.Load()
	if err != nil {
		ckpt.Close()
		return nil, fmt.Errorf("replay checkpoint log: %w", err)
	}
	p := cfg.Params.normalize()
	r := &Receiver{
		root:      cfg.Root,
		ckpt:      ckpt,
		verify:    cfg.Verify,
		params:    p,
		excl:      cfg.Excludes,
		logger:    logger,
		committed: committed,
		files:     make(map[uint64]*recvFile),
		paths:     make(map[string]*pathProgress),
	}
	r.mux = wire.NewMux([16]byte{}, chans, p.WindowBytes, nil, logger)
	return r, nil
}

// Close releases the transport and the checkpoint log.
func (r *Receiver) Close() error {
	err := r.mux.Close()
	if cerr := r.ckpt.Close(); err == nil {
		err = cerr
	}
	return err
}

// Stats snapshots the receiver counters.
func (r *Receiver) Stats() RecvStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Receiver) setFatal(err error) {
	r.fatalMu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.fatalMu.Unlock()
	r.cancel()
}

// Run serves one transfer session: it streams the destination manifest to
// the sender, then applies plan items and chunks until the sender signals
// session end or the transport dies.
func (r *Receiver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.ctx = ctx
	r.cancel = cancel
	defer cancel()

	// The manifest streams concurrently with the frame loop: the sender
	// starts announcing plan items while the pre-sync is still running,
	// and blocking the loop on it would wedge both sides once the
	// transport buffers fill.
	go func() {
		if err := r.sendManifest(ctx); err != nil {
			r.setFatal(fmt.Errorf("manifest pre-sync: %w", err))
		}
	}()

	chunkCh := make(chan wire.Frame, r.params.Workers)
	var wg sync.WaitGroup
	for i := 0; i < r.params.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for fr := range chunkCh {
				r.handleChunk(fr)
			}
		}()
	}

	ended := false
loop:
	for {
		var fr wire.Frame
		var ok bool
		select {
		case fr, ok = <-r.mux.Incoming():
			if !ok {
				break loop
			}
		case <-ctx.Done():
			break loop
		}

		if !r.haveSess {
			r.haveSess = true
			r.mux.SetSession(fr.Session)
		}

		switch fr.Type {
		case wire.FramePlanItem:
			r.handlePlanItem(fr)
		case wire.FrameChunkData:
			select {
			case chunkCh <- fr:
			case <-ctx.Done():
				break loop
			}
		case wire.FrameSessionEnd:
			ended = true
			break loop
		default:
			r.logger.Warn("unexpected frame from sender", "type", fr.Type)
		}
	}

	close(chunkCh)
	wg.Wait()
	r.closeOpenFiles()

	if ended {
		if err := r.mux.Send(ctx, wire.Frame{Type: wire.FrameSessionEnd}); err != nil {
			r.logger.Warn("session end confirmation failed", "err", err)
		}
	}

	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatal
}

// sendManifest streams the destination tree's manifest to the sender, in
// scan order, terminated by an end marker. The sender's planner merge-joins
// this stream against its own scan.
func (r *Receiver) sendManifest(ctx context.Context) error {
	results, err := manifest.Walk(ctx, r.root, manifest.Options{Excludes: r.excl})
	if err != nil {
		return fmt.Errorf("scan destination: %w", err)
	}
	n := 0
	for res := range results {
		if res.Err != nil {
			r.logger.Warn("destination scan", "err", res.Err)
			continue
		}
		payload, err := wire.MarshalManifestEntry(res.Entry)
		if err != nil {
			return fmt.Errorf("encode manifest entry: %w", err)
		}
		if err := r.mux.Send(ctx, wire.Frame{Type: wire.FrameManifestEntry, Payload: payload}); err != nil {
			return err
		}
		n++
	}
	if err := r.mux.Send(ctx, wire.Frame{Type: wire.FrameManifestEnd}); err != nil {
		return err
	}
	r.logger.Info("destination manifest sent", "entries", n)
	return nil
}

// closeOpenFiles closes files whose sender side never completed, leaving
// their committed chunks checkpointed for the next run.
func (r *Receiver) closeOpenFiles() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rf := range r.files {
		rf.f.Close()
		delete(r.files, id)
		r.logger.Warn("file left incomplete", "path", rf.item.RelPath)
	}
}

func (r *Receiver) ack(id uint64, status uint8, msg string) {
	if err := r.mux.Ack(r.ctx, id, status, msg); err != nil {
		r.logger.Warn("ack failed", "id", id, "err", err)
	}
}

func (r *Receiver) handlePlanItem(fr wire.Frame) {
	it, err := wire.UnmarshalPlanItem(fr.Payload)
	if err != nil {
		r.logger.Warn("bad plan item payload", "err", err)
		r.ack(fr.ChunkID, wire.AckFailed, fmt.Sprintf("decode plan item: %v", err))
		return
	}
	if err := validateRelPath(it.RelPath); err != nil {
		r.ack(it.ID(), wire.AckFailed, err.Error())
		return
	}
	abs := filepath.Join(r.root, filepath.FromSlash(it.RelPath))

	switch {
	case it.Action == plan.ActionDelete:
		r.applyDelete(it, abs)
	case it.Kind == manifest.KindDir:
		r.applyDir(it, abs)
	case it.Kind == manifest.KindSymlink:
		r.applySymlink(it, abs)
	default:
		r.prepareFile(it, abs)
	}
}

func (r *Receiver) applyDelete(it plan.Item, abs string) {
	err := os.RemoveAll(abs)
	// A vanished path, or a parent already replaced by a file, both mean
	// there is nothing left to delete.
	if err != nil && !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
		r.ack(it.ID(), wire.AckFailed, fmt.Sprintf("delete: %v", err))
		return
	}
	if err := r.ckpt.Append(checkpoint.Record{
		Session: r.sessionID(), ChunkID: it.ID(), Status: checkpoint.StatusDeleted, Time: time.Now(),
	}); err != nil {
		r.checkpointFatal(it, err)
		return
	}
	r.mu.Lock()
	r.stats.Deletes++
	r.mu.Unlock()
	r.ack(it.ID(), wire.AckCommitted, "done")
}

func (r *Receiver) applyDir(it plan.Item, abs string) {
	if st, err := os.Lstat(abs); err == nil && !st.IsDir() {
		if err := os.Remove(abs); err != nil {
			r.ack(it.ID(), wire.AckFailed, fmt.Sprintf("replace with dir: %v", err))
			return
		}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		r.ack(it.ID(), wire.AckFailed, fmt.Sprintf("mkdir: %v", err))
		return
	}
	r.ack(it.ID(), wire.AckCommitted, "done")
}

func (r *Receiver) applySymlink(it plan.Item, abs string) {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		r.ack(it.ID(), wire.AckFailed, fmt.Sprintf("mkdir parent: %v", err))
		return
	}
	if err := os.RemoveAll(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.ack(it.ID(), wire.AckFailed, fmt.Sprintf("replace symlink: %v", err))
		return
	}
	if err := os.Symlink(it.LinkTarget, abs); err != nil {
		r.ack(it.ID(), wire.AckFailed, fmt.Sprintf("symlink: %v", err))
		return
	}
	r.ack(it.ID(), wire.AckCommitted, "done")
}

// prepareFile opens the destination file, replays any checkpointed chunks
// that still match the bytes on disk, and tells the sender what remains.
// Replayed chunks are acked before the ready ack so the sender's ledger is
// complete by the time it starts dispatching.
func (r *Receiver) prepareFile(it plan.Item, abs string) {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		r.ack(it.ID(), wire.AckFailed, fmt.Sprintf("mkdir parent: %v", err))
		return
	}
	if st, err := os.Lstat(abs); err == nil && (st.IsDir() || st.Mode()&os.ModeSymlink != 0) {
		if err := os.RemoveAll(abs); err != nil {
			r.ack(it.ID(), wire.AckFailed, fmt.Sprintf("replace with file: %v", err))
			return
		}
	}
	f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		r.ack(it.ID(), wire.AckFailed, fmt.Sprintf("open: %v", err))
		return
	}

	spans := itemSpans(it)
	resumed, invalid := r.replaySpans(f, spans)
	if len(invalid) > 0 {
		r.logger.Warn("destination drifted since checkpoint, re-fetching",
			"path", it.RelPath, "chunks", len(invalid))
		if err := r.ckpt.Invalidate(r.sessionID(), invalid); err != nil {
			f.Close()
			r.checkpointFatal(it, err)
			return
		}
		for _, id := range invalid {
			delete(r.committed, id)
		}
	}

	if err := f.Truncate(it.Size); err != nil {
		f.Close()
		r.ack(it.ID(), wire.AckFailed, fmt.Sprintf("truncate: %v", err))
		return
	}

	rf := &recvFile{item: it, abs: abs, f: f, pending: make(map[uint64]chunkSpan, len(spans))}
	for _, sp := range spans {
		rf.pending[sp.ID] = sp
	}
	var resumedBytes int64
	for _, sp := range resumed {
		delete(rf.pending, sp.ID)
		resumedBytes += sp.Length
	}
	r.mu.Lock()
	r.files[it.ID()] = rf
	if _, ok := r.paths[it.RelPath]; !ok {
		expected := it.PathItems
		if expected < 1 {
			expected = 1
		}
		r.paths[it.RelPath] = &pathProgress{expected: expected}
	}
	r.stats.BytesResumed += resumedBytes
	r.mu.Unlock()

	for _, sp := range resumed {
		r.ack(sp.ID, wire.AckCommitted, "resume")
	}
	r.ack(it.ID(), wire.AckReady, "ready")

	if len(rf.pending) == 0 {
		rf.mu.Lock()
		rf.done = true
		rf.mu.Unlock()
		r.finalizeFile(rf)
	}
}

// replaySpans checks each checkpointed span of the file against the bytes
// currently on disk. A span whose CRC no longer matches is destination
// drift and gets invalidated rather than trusted.
func (r *Receiver) replaySpans(f *os.File, spans []chunkSpan) (resumed []chunkSpan, invalid []uint64) {
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	var buf []byte
	for _, sp := range spans {
		rec, ok := r.committed[sp.ID]
		if !ok || rec.Status != checkpoint.StatusCommitted {
			continue
		}
		if sp.End() > size {
			invalid = append(invalid, sp.ID)
			continue
		}
		if int64(len(buf)) < sp.Length {
			buf = make([]byte, sp.Length)
		}
		b := buf[:sp.Length]
		if _, err := io.ReadFull(io.NewSectionReader(f, sp.Offset, sp.Length), b); err != nil {
			invalid = append(invalid, sp.ID)
			continue
		}
		if uint64(crc32.Checksum(b, crc32cTable)) != rec.Checksum {
			invalid = append(invalid, sp.ID)
			continue
		}
		resumed = append(resumed, sp)
	}
	return resumed, invalid
}

// handleChunk decodes, verifies, writes, and checkpoints one chunk. The
// checkpoint record goes to disk only after the raw bytes passed their CRC
// and the write completed; a checkpoint append failure kills the session,
// since resume guarantees are gone without the log.
func (r *Receiver) handleChunk(fr wire.Frame) {
	cd, err := wire.UnmarshalChunkData(fr.Payload)
	if err != nil {
		r.ack(fr.ChunkID, wire.AckFailed, fmt.Sprintf("decode chunk: %v", err))
		return
	}
	r.mu.Lock()
	rf, ok := r.files[cd.ItemID]
	r.mu.Unlock()
	if !ok {
		r.ack(fr.ChunkID, wire.AckFailed, "unknown item")
		return
	}

	raw, err := codec.Decode(cd.Codec, cd.Data, int(cd.RawLen))
	if err != nil {
		r.ack(fr.ChunkID, wire.AckFailed, fmt.Sprintf("decompress: %v", err))
		return
	}
	if crc32.Checksum(raw, crc32cTable) != cd.RawCRC {
		r.ack(fr.ChunkID, wire.AckFailed, "chunk checksum mismatch")
		return
	}
	if _, err := rf.f.WriteAt(raw, int64(cd.Offset)); err != nil {
		r.ack(fr.ChunkID, wire.AckFailed, fmt.Sprintf("write: %v", err))
		return
	}
	if err := r.ckpt.Append(checkpoint.Record{
		Session:  r.sessionID(),
		ChunkID:  fr.ChunkID,
		Status:   checkpoint.StatusCommitted,
		Checksum: uint64(cd.RawCRC),
		Time:     time.Now(),
	}); err != nil {
		r.ack(fr.ChunkID, wire.AckFailed, fmt.Sprintf("checkpoint: %v", err))
		r.checkpointFatal(rf.item, err)
		return
	}
	r.ack(fr.ChunkID, wire.AckCommitted, "")

	r.mu.Lock()
	r.stats.BytesWritten += int64(len(raw))
	r.mu.Unlock()

	rf.mu.Lock()
	delete(rf.pending, fr.ChunkID)
	finished := len(rf.pending) == 0 && !rf.done
	if finished {
		rf.done = true
	}
	rf.mu.Unlock()
	if finished {
		r.finalizeFile(rf)
	}
}

// finalizeFile commits one completed item: flush it to disk, and once the
// last item of the path has landed, run the optional whole-file hash
// verification and stamp the source mtime. A hash mismatch is reported as
// path failure, never retried chunk by chunk.
func (r *Receiver) finalizeFile(rf *recvFile) {
	it := rf.item
	syncErr := rf.f.Sync()
	rf.f.Close()
	r.mu.Lock()
	delete(r.files, it.ID())
	r.mu.Unlock()
	if syncErr != nil {
		r.ack(it.ID(), wire.AckFailed, fmt.Sprintf("sync: %v", syncErr))
		return
	}

	r.mu.Lock()
	last := true
	if pp := r.paths[it.RelPath]; pp != nil {
		pp.done++
		last = pp.done >= pp.expected
		if last {
			delete(r.paths, it.RelPath)
		}
	}
	r.mu.Unlock()
	if !last {
		// Sibling ranges of this file are still in flight; the file on
		// disk is not the source content yet.
		r.ack(it.ID(), wire.AckCommitted, "done")
		return
	}

	if r.verify && it.ContentHash != "" {
		got, err := manifest.ContentHash(r.root, it.RelPath)
		if err != nil {
			r.ack(it.ID(), wire.AckFailed, fmt.Sprintf("verify: %v", err))
			return
		}
		if got != it.ContentHash {
			r.logger.Error("content verification failed", "path", it.RelPath,
				"want", it.ContentHash, "got", got)
			r.ack(it.ID(), wire.AckFailed, "content verification failed")
			return
		}
	}

	mt := time.Unix(it.ModTime, 0)
	if err := os.Chtimes(rf.abs, mt, mt); err != nil {
		r.logger.Warn("set mtime", "path", it.RelPath, "err", err)
	}

	r.mu.Lock()
	r.stats.FilesComplete++
	r.mu.Unlock()
	r.ack(it.ID(), wire.AckCommitted, "done")
}

func (r *Receiver) checkpointFatal(it plan.Item, err error) {
	r.logger.Error("checkpoint append failed, aborting session",
		"path", it.RelPath, "err", err)
	r.setFatal(fmt.Errorf("checkpoint append: %w", err))
}

func (r *Receiver) sessionID() [16]byte {
	// The mux carries the sender's session once the first frame arrived.
	return r.mux.Session()
}

func validateRelPath(rel string) error {
	if rel == "" || rel == "." {
		return fmt.Errorf("%w: empty", ErrInvalidRelPath)
	}
	if strings.HasPrefix(rel, "/") || strings.Contains(rel, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidRelPath, rel)
	}
	for _, part := range strings.Split(rel, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidRelPath, rel)
		}
	}
	return nil
}
