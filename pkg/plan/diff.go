package plan

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/massmove/massmove/internal/chunker"
	"github.com/massmove/massmove/pkg/manifest"
)

// Diff merge-joins two path-ordered manifest streams into a streaming plan.
// Neither manifest is held in memory: the two streams are advanced in
// lockstep by path order, and items are emitted as soon as each path is
// decided, so the scheduler can start work before scanning finishes.
//
// Per-entry scan errors pass through on the result channel; they do not
// stop the planner.
func Diff(ctx context.Context, src, dst <-chan manifest.Result, pol Policy) <-chan Result {
	out := make(chan Result, 64)
	go func() {
		defer close(out)
		d := differ{ctx: ctx, out: out, pol: pol}
		d.run(src, dst)
	}()
	return out
}

type differ struct {
	ctx context.Context
	out chan<- Result
	pol Policy
	seq uint64
}

func (d *differ) emit(it Item) bool {
	it.Seq = d.seq
	d.seq++
	select {
	case d.out <- Result{Item: it}:
		return true
	case <-d.ctx.Done():
		return false
	}
}

func (d *differ) emitErr(err error) bool {
	select {
	case d.out <- Result{Err: err}:
		return true
	case <-d.ctx.Done():
		return false
	}
}

// next pulls the next entry from a manifest stream, forwarding per-entry
// errors. ok is false when the stream is exhausted or the context is done.
func (d *differ) next(ch <-chan manifest.Result) (manifest.Entry, bool) {
	for {
		select {
		case res, open := <-ch:
			if !open {
				return manifest.Entry{}, false
			}
			if res.Err != nil {
				if !d.emitErr(res.Err) {
					return manifest.Entry{}, false
				}
				continue
			}
			return res.Entry, true
		case <-d.ctx.Done():
			return manifest.Entry{}, false
		}
	}
}

func (d *differ) run(src, dst <-chan manifest.Result) {
	srcEntry, srcOK := d.next(src)
	dstEntry, dstOK := d.next(dst)

	for srcOK || dstOK {
		if d.ctx.Err() != nil {
			return
		}
		switch {
		case !dstOK || (srcOK && manifest.PathLess(srcEntry.RelPath, dstEntry.RelPath)):
			// Present only on source.
			if !d.create(srcEntry, "missing on destination") {
				return
			}
			srcEntry, srcOK = d.next(src)

		case !srcOK || manifest.PathLess(dstEntry.RelPath, srcEntry.RelPath):
			// Present only on destination.
			if d.pol.Delete {
				if !d.emit(Item{
					RelPath: dstEntry.RelPath,
					Action:  ActionDelete,
					Kind:    dstEntry.Kind,
					Reason:  "missing on source",
				}) {
					return
				}
			}
			dstEntry, dstOK = d.next(dst)

		default:
			if !d.both(srcEntry, dstEntry) {
				return
			}
			srcEntry, srcOK = d.next(src)
			dstEntry, dstOK = d.next(dst)
		}
	}
}

// create emits the Create item(s) for a source-only entry.
func (d *differ) create(e manifest.Entry, reason string) bool {
	it := Item{
		RelPath:    e.RelPath,
		Action:     ActionCreate,
		Kind:       e.Kind,
		Offset:     0,
		Length:     e.Size,
		Size:       e.Size,
		ModTime:    e.ModTime,
		QuickSig:   e.QuickSig,
		LinkTarget: e.LinkTarget,
		Reason:     reason,
	}
	if e.Kind == manifest.KindFile && d.pol.AttachContentHash {
		hash, err := d.srcHash(e.RelPath)
		if err != nil {
			return d.emitErr(fmt.Errorf("hash %s: %w", e.RelPath, err))
		}
		it.ContentHash = hash
	}
	return d.emit(it)
}

// both decides a path present in both manifests.
func (d *differ) both(src, dst manifest.Entry) bool {
	// Type conflict: never overwrite in place, replace entirely.
	if src.Kind != dst.Kind {
		if !d.emit(Item{
			RelPath: dst.RelPath,
			Action:  ActionDelete,
			Kind:    dst.Kind,
			Reason:  fmt.Sprintf("type changed: %s -> %s", dst.Kind, src.Kind),
		}) {
			return false
		}
		return d.create(src, "replacing after type change")
	}

	switch src.Kind {
	case manifest.KindDir:
		return d.emit(Item{RelPath: src.RelPath, Action: ActionSkip, Kind: src.Kind, Reason: "directory exists"})

	case manifest.KindSymlink:
		if src.LinkTarget == dst.LinkTarget {
			return d.emit(Item{RelPath: src.RelPath, Action: ActionSkip, Kind: src.Kind, Reason: "link target unchanged"})
		}
		return d.create(src, "link target changed")

	default:
		return d.file(src, dst)
	}
}

func (d *differ) file(src, dst manifest.Entry) bool {
	if src.QuickSig == dst.QuickSig && src.Size == dst.Size {
		if !d.pol.VerifyContent {
			return d.emit(Item{
				RelPath: src.RelPath, Action: ActionSkip, Kind: src.Kind,
				Size: src.Size, QuickSig: src.QuickSig,
				Reason: "fingerprint match",
			})
		}
		// Policy demands content verification for the ambiguous case.
		srcSum, err := d.srcHash(src.RelPath)
		if err != nil {
			return d.emitErr(fmt.Errorf("hash source %s: %w", src.RelPath, err))
		}
		dstSum, err := d.destHash(dst.RelPath)
		if err != nil {
			return d.emitErr(fmt.Errorf("hash destination %s: %w", dst.RelPath, err))
		}
		if srcSum == dstSum {
			return d.emit(Item{
				RelPath: src.RelPath, Action: ActionSkip, Kind: src.Kind,
				Size: src.Size, QuickSig: src.QuickSig, ContentHash: srcSum,
				Reason: "content hash match",
			})
		}
		return d.overwrite(src, "content hash mismatch")
	}

	if d.pol.RangeDiff && d.pol.DestChunks != nil && d.pol.SrcRoot != "" {
		return d.rangeDiff(src, dst)
	}
	return d.overwrite(src, "fingerprint mismatch")
}

// overwrite emits a single whole-file OverwriteRange item.
func (d *differ) overwrite(src manifest.Entry, reason string) bool {
	it := Item{
		RelPath:  src.RelPath,
		Action:   ActionOverwriteRange,
		Kind:     src.Kind,
		Offset:   0,
		Length:   src.Size,
		Size:     src.Size,
		ModTime:  src.ModTime,
		QuickSig: src.QuickSig,
		Reason:   reason,
	}
	if d.pol.AttachContentHash {
		hash, err := d.srcHash(src.RelPath)
		if err != nil {
			return d.emitErr(fmt.Errorf("hash %s: %w", src.RelPath, err))
		}
		it.ContentHash = hash
	}
	return d.emit(it)
}

// rangeDiff compares content-defined chunk tables from both sides and emits
// OverwriteRange items covering only the source spans whose hashes have no
// match on the destination. Emitted ranges never overlap, and their union is
// exactly the set of changed source spans.
func (d *differ) rangeDiff(src, dst manifest.Entry) bool {
	srcTable, err := chunker.SplitFile(
		filepath.Join(d.pol.SrcRoot, filepath.FromSlash(src.RelPath)), d.pol.Chunker)
	if err != nil {
		return d.emitErr(fmt.Errorf("chunk source %s: %w", src.RelPath, err))
	}
	dstTable, err := d.pol.DestChunks(dst.RelPath)
	if err != nil {
		return d.emitErr(fmt.Errorf("chunk destination %s: %w", dst.RelPath, err))
	}

	dstHashes := make(map[uint64]bool, len(dstTable))
	for _, s := range dstTable {
		dstHashes[s.Hash] = true
	}

	var hash string
	if d.pol.AttachContentHash {
		if hash, err = d.srcHash(src.RelPath); err != nil {
			return d.emitErr(fmt.Errorf("hash %s: %w", src.RelPath, err))
		}
	}

	emitted := false
	for _, span := range srcTable {
		if dstHashes[span.Hash] {
			continue
		}
		emitted = true
		if !d.emit(Item{
			RelPath:     src.RelPath,
			Action:      ActionOverwriteRange,
			Kind:        src.Kind,
			Offset:      span.Offset,
			Length:      span.Length,
			Size:        src.Size,
			ModTime:     src.ModTime,
			QuickSig:    src.QuickSig,
			ContentHash: hash,
			Reason:      "range diff",
		}) {
			return false
		}
	}
	if !emitted {
		// All spans matched but the fingerprints differ (for example a
		// truncated tail). A zero-length range still carries the new size
		// and mtime so the receiver truncates and re-stamps the file.
		return d.emit(Item{
			RelPath:     src.RelPath,
			Action:      ActionOverwriteRange,
			Kind:        src.Kind,
			Offset:      src.Size,
			Length:      0,
			Size:        src.Size,
			ModTime:     src.ModTime,
			QuickSig:    src.QuickSig,
			ContentHash: hash,
			Reason:      "metadata only",
		})
	}
	return true
}

func (d *differ) srcHash(relPath string) (string, error) {
	if d.pol.SrcHash != nil {
		return d.pol.SrcHash(relPath)
	}
	if d.pol.SrcRoot == "" {
		return "", fmt.Errorf("no source hash function configured")
	}
	return manifest.ContentHash(d.pol.SrcRoot, relPath)
}

func (d *differ) destHash(relPath string) (string, error) {
	if d.pol.DestHash == nil {
		return "", fmt.Errorf("no destination hash function configured")
	}
	return d.pol.DestHash(relPath)
}
