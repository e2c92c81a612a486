package transfer

import (
	"fmt"
	"hash/fnv"

	"github.com/massmove/massmove/internal/chunker"
	"github.com/massmove/massmove/pkg/plan"
)

// chunkSpan is one dispatchable unit of a plan item's byte range. Offset is
// absolute within the destination file.
type chunkSpan struct {
	ID     uint64
	Index  int
	Offset int64
	Length int64
}

// End returns the exclusive end offset of the span.
func (s chunkSpan) End() int64 { return s.Offset + s.Length }

// chunkID derives the stable identifier for one span of one item. It folds
// the item identity with the span geometry, so the same chunk of the same
// planned change maps to the same checkpoint record across runs.
func chunkID(itemID uint64, offset, length int64) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%d|%d", itemID, offset, length)
	return h.Sum64()
}

// itemSpans cuts a file item's byte range into spans. Sender and receiver
// derive spans from the item alone, so both sides agree on chunk identities
// without exchanging a table.
func itemSpans(it plan.Item) []chunkSpan {
	if it.Length == 0 {
		return nil
	}
	table := chunker.SplitRange(it.Offset, it.Length, chunker.Config{AvgSize: it.ChunkSize})
	spans := make([]chunkSpan, len(table))
	id := it.ID()
	for i, s := range table {
		spans[i] = chunkSpan{
			ID:     chunkID(id, s.Offset, s.Length),
			Index:  i,
			Offset: s.Offset,
			Length: s.Length,
		}
	}
	return spans
}
