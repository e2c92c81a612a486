// Package plan turns a pair of manifest streams into a streaming transfer
// plan: the minimal set of create/overwrite/skip/delete work items needed to
// make the destination tree match the source tree.
package plan

import (
	"fmt"
	"hash/fnv"

	"github.com/massmove/massmove/internal/chunker"
	"github.com/massmove/massmove/pkg/manifest"
)

// Action is the work a plan item asks for.
type Action uint8

const (
	ActionCreate Action = iota
	ActionOverwriteRange
	ActionSkip
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionOverwriteRange:
		return "overwrite"
	case ActionSkip:
		return "skip"
	case ActionDelete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Item is one unit of planned work for a path. For ActionOverwriteRange the
// Offset/Length pair names the byte range to rewrite; for ActionCreate it
// always covers the whole file. Ranges for a single path never overlap, and
// applying them in any order reproduces the source bytes they claim.
type Item struct {
	Seq         uint64        // emission order, for logging and stable test assertions
	RelPath     string        // forward-slash relative path
	Action      Action        //
	Kind        manifest.Kind //
	Offset      int64         // start of the byte range
	Length      int64         // length of the byte range
	Size        int64         // full source file size
	ModTime     int64         // source mtime, applied at path commit
	QuickSig    uint64        // source cheap fingerprint at plan time
	ContentHash string        // source SHA-256, when the policy attached one
	LinkTarget  string        // symlink target for symlink items
	Reason      string        // short human-readable decision note
	ChunkSize   int64         // chunk size the transfer engine stamped before dispatch
	PathItems   int           // sibling data items announced for the same path, stamped before dispatch
}

// ID returns the stable identifier used for checkpointing this item's
// chunks. It depends only on the path, range, and source fingerprint, so an
// unchanged source yields identical IDs across resumed runs. Create and
// whole-file overwrite share an identity on purpose: a run interrupted
// mid-create leaves a partial file that the next run plans as an
// overwrite, and its checkpointed chunks must still match.
func (it Item) ID() uint64 {
	kind := "data"
	if it.Action == ActionDelete {
		kind = "delete"
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%d|%d", it.RelPath, kind, it.Offset, it.Length, it.QuickSig)
	return h.Sum64()
}

// Result is one element of the streaming plan.
type Result struct {
	Item Item
	Err  error
}

// Policy configures the planner's decision rules.
type Policy struct {
	// Delete enables Delete items for paths present only on the destination.
	// Default off: extra destination files survive the transfer.
	Delete bool

	// RangeDiff enables content-defined range comparison for files whose
	// fingerprints differ, narrowing OverwriteRange items to the mismatched
	// spans. Requires SrcRoot and DestChunks. Default off: whole-file
	// overwrite.
	RangeDiff bool

	// VerifyContent forces a strong-hash comparison when cheap fingerprints
	// match, via SrcHash and DestHash. Without it, matching fingerprints
	// mean Skip.
	VerifyContent bool

	// AttachContentHash computes the source SHA-256 for every Create and
	// OverwriteRange file item so the receiver can run whole-file
	// verification. Costs one full read of each transferred file.
	AttachContentHash bool

	Chunker chunker.Config

	// SrcRoot is the source tree root, needed for range diff and hashing.
	SrcRoot string

	// DestChunks returns the destination's content-defined chunk table for
	// a path. Supplied by the receiver during metadata pre-sync.
	DestChunks func(relPath string) (chunker.Table, error)

	// SrcHash and DestHash return full content hashes for ambiguous paths.
	SrcHash  func(relPath string) (string, error)
	DestHash func(relPath string) (string, error)
}
