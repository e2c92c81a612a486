package transfer

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/massmove/massmove/pkg/plan"
)

// ChunkState is the sender-side lifecycle of one chunk.
type ChunkState uint8

const (
	ChunkPending ChunkState = iota
	ChunkInFlight
	ChunkCommitted
	ChunkFailed
	ChunkAbandoned
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "pending"
	case ChunkInFlight:
		return "in-flight"
	case ChunkCommitted:
		return "committed"
	case ChunkFailed:
		return "failed"
	case ChunkAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// chunkRef is the sender's record of one dispatchable chunk.
type chunkRef struct {
	span     chunkSpan
	path     *pathState
	state    ChunkState
	attempts int
}

// pathState aggregates the chunks of one plan item. A path completes when
// every chunk commits; it is abandoned as a unit when any chunk exhausts
// its retries or the receiver reports a fatal condition for it.
type pathState struct {
	item      plan.Item
	remaining int
	abandoned bool
	finalized bool
	errMsg    string
}

// PathError names a path that did not complete and why.
type PathError struct {
	RelPath string
	Action  plan.Action
	Reason  string
}

// Summary is the final accounting of a transfer run.
type Summary struct {
	Session      uuid.UUID
	BytesSent    int64 // raw bytes committed over the wire this run
	BytesResumed int64 // bytes satisfied by checkpoint replay
	BytesSkipped int64 // bytes left untouched because the plan said skip
	FilesSent    int
	FilesSkipped int
	Deletes      int
	Abandoned    []PathError
	Duration     time.Duration
}

// Session tracks chunk and path state for one transfer run. All mutation
// goes through one mutex; the hot paths touch a map entry and a couple of
// counters, so contention stays low even with the full worker pool active.
type Session struct {
	ID uuid.UUID

	mu      sync.Mutex
	chunks  map[uint64]*chunkRef
	paths   map[uint64]*pathState
	started time.Time

	bytesSent    int64
	bytesResumed int64
	bytesSkipped int64
	filesSent    int
	filesSkipped int
	deletes      int
	abandoned    []PathError

	// A range-diffed file finalizes once per emitted range; the file
	// counters are per path, not per item.
	pathDone map[string]int
}

func newSession() *Session {
	return &Session{
		ID:       uuid.New(),
		chunks:   make(map[uint64]*chunkRef),
		paths:    make(map[uint64]*pathState),
		pathDone: make(map[string]int),
		started:  time.Now(),
	}
}

// WireID returns the session identifier in the 16-byte form frames carry.
func (s *Session) WireID() [16]byte { return [16]byte(s.ID) }

// addPath registers a plan item and its chunks. Chunks already present in
// committed (replayed from the checkpoint log) start out Committed and
// count toward BytesResumed instead of being dispatched.
//
// The returned slice holds only the chunks that still need sending.
func (s *Session) addPath(it plan.Item, spans []chunkSpan, committed map[uint64]bool) []*chunkRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps := &pathState{item: it, remaining: len(spans)}
	s.paths[it.ID()] = ps

	todo := make([]*chunkRef, 0, len(spans))
	for _, sp := range spans {
		ref := &chunkRef{span: sp, path: ps}
		s.chunks[sp.ID] = ref
		if committed[sp.ID] {
			ref.state = ChunkCommitted
			ps.remaining--
			s.bytesResumed += sp.Length
			continue
		}
		todo = append(todo, ref)
	}
	return todo
}

// claim transitions a chunk to in-flight, bumping its attempt counter.
// It reports false when the chunk's path has been abandoned meanwhile.
func (s *Session) claim(ref *chunkRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref.path.abandoned || ref.state == ChunkCommitted {
		return false
	}
	ref.state = ChunkInFlight
	ref.attempts++
	return true
}

// commit marks a chunk committed, returning its raw length and whether its
// path just became fully transferred.
func (s *Session) commit(id uint64, onWire bool) (length int64, pathDone bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.chunks[id]
	if !ok || ref.state == ChunkCommitted {
		return 0, false
	}
	ref.state = ChunkCommitted
	if onWire {
		s.bytesSent += ref.span.Length
	} else {
		s.bytesResumed += ref.span.Length
	}
	ref.path.remaining--
	return ref.span.Length, ref.path.remaining == 0 && !ref.path.abandoned
}

// fail records a failed attempt. When the chunk is out of retries the whole
// path is abandoned and every sibling chunk stops being eligible for
// dispatch. The return value says whether the worker should retry.
func (s *Session) fail(ref *chunkRef, retryLimit int, cause string) (retry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref.path.abandoned || ref.state == ChunkCommitted {
		return false
	}
	ref.state = ChunkFailed
	if ref.attempts <= retryLimit {
		return true
	}
	ref.state = ChunkAbandoned
	s.abandonLocked(ref.path, cause)
	return false
}

// abandonPath abandons a whole path outright, for conditions that no retry
// can fix (whole-file hash mismatch, receiver-side fatal errors).
func (s *Session) abandonPath(itemID uint64, cause string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.paths[itemID]
	if !ok {
		return
	}
	s.abandonLocked(ps, cause)
}

func (s *Session) abandonLocked(ps *pathState, cause string) {
	if ps.abandoned || ps.finalized {
		return
	}
	ps.abandoned = true
	ps.errMsg = cause
	s.abandoned = append(s.abandoned, PathError{
		RelPath: ps.item.RelPath,
		Action:  ps.item.Action,
		Reason:  cause,
	})
}

// finalize records the receiver's path-level completion.
func (s *Session) finalize(itemID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.paths[itemID]
	if !ok || ps.finalized || ps.abandoned {
		return
	}
	ps.finalized = true
	switch {
	case ps.item.Action == plan.ActionDelete:
		s.deletes++
	case ps.item.Kind.IsFile():
		s.pathDone[ps.item.RelPath]++
		want := ps.item.PathItems
		if want < 1 {
			want = 1
		}
		if s.pathDone[ps.item.RelPath] >= want {
			s.filesSent++
		}
	}
}

// dispatchable reports whether a chunk still needs to go on the wire.
func (s *Session) dispatchable(ref *chunkRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ref.state == ChunkPending && !ref.path.abandoned
}

// itemOf looks up the plan item registered under an item-level ID.
func (s *Session) itemOf(id uint64) (plan.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.paths[id]
	if !ok {
		return plan.Item{}, false
	}
	return ps.item, true
}

// pathIDs returns the IDs of every registered item.
func (s *Session) pathIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.paths))
	for id := range s.paths {
		ids = append(ids, id)
	}
	return ids
}

// noteError records a path that could not even be planned.
func (s *Session) noteError(rel, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = append(s.abandoned, PathError{RelPath: rel, Reason: msg})
}

// noteSkip accounts a plan item the diff left alone.
func (s *Session) noteSkip(it plan.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it.Kind.IsFile() {
		s.filesSkipped++
		s.bytesSkipped += it.Size
	}
}

// Summary snapshots the final accounting.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Summary{
		Session:      s.ID,
		BytesSent:    s.bytesSent,
		BytesResumed: s.bytesResumed,
		BytesSkipped: s.bytesSkipped,
		FilesSent:    s.filesSent,
		FilesSkipped: s.filesSkipped,
		Deletes:      s.deletes,
		Duration:     time.Since(s.started),
	}
	out.Abandoned = append(out.Abandoned, s.abandoned...)
	return out
}
