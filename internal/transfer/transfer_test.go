package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/massmove/massmove/internal/channel"
	"github.com/massmove/massmove/internal/chunker"
	"github.com/massmove/massmove/internal/codec"
	"github.com/massmove/massmove/internal/wire"
	"github.com/massmove/massmove/pkg/manifest"
	"github.com/massmove/massmove/pkg/plan"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testParams() Params {
	return Params{
		Workers:    2,
		RetryLimit: 2,
		ChunkSize:  8 * 1024,
		AckTimeout: 10 * time.Second,
	}
}

func writeTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for rel, data := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(abs, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// readTree returns every regular file under root keyed by slash path.
func readTree(t *testing.T, root string) map[string][]byte {
	t.Helper()
	out := map[string][]byte{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// runTransfer wires a sender and receiver over one in-memory channel pair
// and runs a full session.
func runTransfer(t *testing.T, src, dst, ckpt string, pol plan.Policy, verify bool) (Summary, RecvStats, error) {
	t.Helper()
	a, b := channel.Pair()

	rcv, err := NewReceiver([]channel.Channel{b}, RecvConfig{
		Root:       dst,
		Checkpoint: ckpt,
		Verify:     verify,
		Params:     testParams(),
	}, testLogger())
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer rcv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	recvDone := make(chan error, 1)
	go func() { recvDone <- rcv.Run(ctx) }()

	scan, err := manifest.Walk(ctx, src, manifest.Options{})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	pol.SrcRoot = src

	snd := NewSender([]channel.Channel{a}, src, testParams(), codec.PolicyAuto, nil, testLogger())
	sum, runErr := snd.Run(ctx, scan, pol)

	select {
	case err := <-recvDone:
		if err != nil {
			t.Fatalf("receiver: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("receiver never finished")
	}
	return sum, rcv.Stats(), runErr
}

func TestTransferFullTree(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	ckpt := filepath.Join(t.TempDir(), "ckpt.log")

	big := make([]byte, 200_000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	files := map[string][]byte{
		"readme.md":        []byte("# hello\n"),
		"data/big.bin":     big,
		"data/empty.dat":   {},
		"deep/a/b/c/x.txt": []byte("nested"),
	}
	writeTree(t, src, files)
	if err := os.Symlink("readme.md", filepath.Join(src, "link")); err != nil {
		t.Fatal(err)
	}

	sum, stats, err := runTransfer(t, src, dst, ckpt, plan.Policy{AttachContentHash: true}, true)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(sum.Abandoned) != 0 {
		t.Fatalf("abandoned: %+v", sum.Abandoned)
	}
	if sum.FilesSent != len(files) {
		t.Fatalf("FilesSent = %d, want %d", sum.FilesSent, len(files))
	}
	if stats.FilesComplete != len(files) {
		t.Fatalf("FilesComplete = %d, want %d", stats.FilesComplete, len(files))
	}
	if sum.BytesSent == 0 {
		t.Fatalf("no bytes sent")
	}

	got := readTree(t, dst)
	for rel, want := range files {
		if !bytes.Equal(got[rel], want) {
			t.Fatalf("%s: content mismatch (%d vs %d bytes)", rel, len(got[rel]), len(want))
		}
	}
	if target, err := os.Readlink(filepath.Join(dst, "link")); err != nil || target != "readme.md" {
		t.Fatalf("symlink = %q, %v", target, err)
	}

	// Source mtimes carry over.
	srcInfo, _ := os.Stat(filepath.Join(src, "readme.md"))
	dstInfo, _ := os.Stat(filepath.Join(dst, "readme.md"))
	if srcInfo.ModTime().Unix() != dstInfo.ModTime().Unix() {
		t.Fatalf("mtime not applied: src %v dst %v", srcInfo.ModTime(), dstInfo.ModTime())
	}
}

func TestTransferSecondRunSkipsEverything(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	state := t.TempDir()

	writeTree(t, src, map[string][]byte{
		"a.txt":     []byte("alpha"),
		"sub/b.txt": []byte("beta"),
	})

	if _, _, err := runTransfer(t, src, dst, filepath.Join(state, "run1.log"), plan.Policy{}, false); err != nil {
		t.Fatalf("first run: %v", err)
	}
	sum, stats, err := runTransfer(t, src, dst, filepath.Join(state, "run2.log"), plan.Policy{}, false)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if sum.BytesSent != 0 || stats.BytesWritten != 0 {
		t.Fatalf("second run moved bytes: sent=%d written=%d", sum.BytesSent, stats.BytesWritten)
	}
	if sum.FilesSkipped != 2 {
		t.Fatalf("FilesSkipped = %d, want 2", sum.FilesSkipped)
	}
}

func TestTransferResumeFromCheckpoint(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	ckpt := filepath.Join(t.TempDir(), "ckpt.log")

	data := make([]byte, 150_000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	writeTree(t, src, map[string][]byte{"big.bin": data})

	if _, _, err := runTransfer(t, src, dst, ckpt, plan.Policy{}, false); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Disturb the destination mtime so the planner stops trusting the
	// cheap fingerprint and replans the file. The bytes on disk still
	// match the checkpoint, so every chunk replays instead of resending.
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(dst, "big.bin"), old, old); err != nil {
		t.Fatal(err)
	}

	sum, stats, err := runTransfer(t, src, dst, ckpt, plan.Policy{}, false)
	if err != nil {
		t.Fatalf("resume run: %v", err)
	}
	if sum.BytesSent != 0 {
		t.Fatalf("resume resent %d bytes", sum.BytesSent)
	}
	if sum.BytesResumed != int64(len(data)) || stats.BytesResumed != int64(len(data)) {
		t.Fatalf("BytesResumed = %d/%d, want %d", sum.BytesResumed, stats.BytesResumed, len(data))
	}
	if sum.FilesSent != 1 {
		t.Fatalf("FilesSent = %d, want 1", sum.FilesSent)
	}
	if !bytes.Equal(readTree(t, dst)["big.bin"], data) {
		t.Fatalf("content mismatch after resume")
	}
}

func TestTransferDetectsDestinationDrift(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	ckpt := filepath.Join(t.TempDir(), "ckpt.log")

	data := make([]byte, 100_000)
	for i := range data {
		data[i] = byte(i % 201)
	}
	writeTree(t, src, map[string][]byte{"f.bin": data})

	if _, _, err := runTransfer(t, src, dst, ckpt, plan.Policy{}, false); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// Corrupt the destination behind the checkpoint's back, keeping size
	// and forcing a replan via the mtime.
	abs := filepath.Join(dst, "f.bin")
	corrupted := append([]byte(nil), data...)
	for i := 40_000; i < 40_200; i++ {
		corrupted[i] ^= 0xff
	}
	if err := os.WriteFile(abs, corrupted, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(abs, old, old); err != nil {
		t.Fatal(err)
	}

	sum, _, err := runTransfer(t, src, dst, ckpt, plan.Policy{}, false)
	if err != nil {
		t.Fatalf("repair run: %v", err)
	}
	if sum.BytesSent == 0 {
		t.Fatalf("drifted chunks were trusted instead of re-fetched")
	}
	if sum.BytesSent >= int64(len(data)) && sum.BytesResumed == 0 {
		t.Fatalf("nothing replayed: sent=%d resumed=%d", sum.BytesSent, sum.BytesResumed)
	}
	if !bytes.Equal(readTree(t, dst)["f.bin"], data) {
		t.Fatalf("destination not repaired")
	}
}

func TestTransferDeletePolicy(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	ckpt := filepath.Join(t.TempDir(), "ckpt.log")

	writeTree(t, src, map[string][]byte{"keep.txt": []byte("keep")})
	writeTree(t, dst, map[string][]byte{"keep.txt": []byte("keep"), "stale.txt": []byte("stale")})
	// Stamp matching mtimes so keep.txt is skipped, not rewritten.
	info, err := os.Stat(filepath.Join(src, "keep.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(filepath.Join(dst, "keep.txt"), info.ModTime(), info.ModTime()); err != nil {
		t.Fatal(err)
	}

	sum, stats, err := runTransfer(t, src, dst, ckpt, plan.Policy{Delete: true}, false)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if sum.Deletes != 1 || stats.Deletes != 1 {
		t.Fatalf("deletes = %d/%d, want 1", sum.Deletes, stats.Deletes)
	}
	if _, err := os.Lstat(filepath.Join(dst, "stale.txt")); !os.IsNotExist(err) {
		t.Fatalf("stale.txt survived: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(dst, "keep.txt")); err != nil {
		t.Fatalf("keep.txt lost: %v", err)
	}
}

func TestTransferAbandonsUnreadableSource(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	ckpt := filepath.Join(t.TempDir(), "ckpt.log")

	writeTree(t, src, map[string][]byte{
		"good.txt": []byte("fine"),
		"gone.bin": bytes.Repeat([]byte("x"), 50_000),
	})

	// Scan first, then pull the file out from under the workers.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	scanCh, err := manifest.Walk(ctx, src, manifest.Options{})
	if err != nil {
		t.Fatal(err)
	}
	var scanned []manifest.Result
	for res := range scanCh {
		scanned = append(scanned, res)
	}
	if err := os.Remove(filepath.Join(src, "gone.bin")); err != nil {
		t.Fatal(err)
	}

	a, b := channel.Pair()
	rcv, err := NewReceiver([]channel.Channel{b}, RecvConfig{
		Root:       dst,
		Checkpoint: ckpt,
		Params:     testParams(),
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer rcv.Close()
	recvDone := make(chan error, 1)
	go func() { recvDone <- rcv.Run(ctx) }()

	replay := make(chan manifest.Result, len(scanned))
	for _, res := range scanned {
		replay <- res
	}
	close(replay)

	snd := NewSender([]channel.Channel{a}, src, testParams(), codec.PolicyAuto, nil, testLogger())
	sum, runErr := snd.Run(ctx, replay, plan.Policy{SrcRoot: src})
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	<-recvDone

	if len(sum.Abandoned) != 1 || sum.Abandoned[0].RelPath != "gone.bin" {
		t.Fatalf("abandoned = %+v, want gone.bin", sum.Abandoned)
	}
	if sum.FilesSent != 1 {
		t.Fatalf("FilesSent = %d, want the surviving file", sum.FilesSent)
	}
	if !bytes.Equal(readTree(t, dst)["good.txt"], []byte("fine")) {
		t.Fatalf("good.txt not transferred")
	}
}

func TestTransferVerificationFailureAbandonsPath(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	ckpt := filepath.Join(t.TempDir(), "ckpt.log")

	writeTree(t, src, map[string][]byte{"f.txt": []byte("payload")})

	pol := plan.Policy{
		AttachContentHash: true,
		// Lie about the source hash; the receiver's whole-file check
		// must reject the path.
		SrcHash: func(rel string) (string, error) { return "0000000000000000", nil },
	}
	sum, stats, err := runTransfer(t, src, dst, ckpt, pol, true)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(sum.Abandoned) != 1 {
		t.Fatalf("abandoned = %+v, want one path", sum.Abandoned)
	}
	if sum.Abandoned[0].Reason != "content verification failed" {
		t.Fatalf("reason = %q", sum.Abandoned[0].Reason)
	}
	if stats.FilesComplete != 0 {
		t.Fatalf("FilesComplete = %d", stats.FilesComplete)
	}
}

func TestTransferRangeDiffWithVerifyRepairsFile(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	ckpt := filepath.Join(t.TempDir(), "ckpt.log")

	base := make([]byte, 200_000)
	for i := range base {
		base[i] = byte(i % 247)
	}
	edited := append([]byte(nil), base...)
	// Two edits far enough apart that they can never share a chunk, so
	// the file always replans as several ranges.
	for i := 30_000; i < 34_096; i++ {
		edited[i] ^= 0x5a
	}
	for i := 150_000; i < 154_096; i++ {
		edited[i] ^= 0x5a
	}
	writeTree(t, src, map[string][]byte{"f.bin": edited})
	writeTree(t, dst, map[string][]byte{"f.bin": base})
	// Age the destination so the fingerprint mismatches and the file
	// replans instead of being skipped.
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(dst, "f.bin"), old, old); err != nil {
		t.Fatal(err)
	}

	cc := chunker.Config{MinSize: 2 * 1024, AvgSize: 8 * 1024, MaxSize: 32 * 1024}
	pol := plan.Policy{
		RangeDiff:         true,
		AttachContentHash: true,
		Chunker:           cc,
		SrcRoot:           src,
		DestChunks: func(rel string) (chunker.Table, error) {
			return chunker.SplitFile(filepath.Join(dst, filepath.FromSlash(rel)), cc)
		},
	}

	// One worker on each side: the first range finishes and is finalized
	// while its siblings still hold stale bytes on disk, which the
	// whole-file check must wait out.
	p := testParams()
	p.Workers = 1

	a, b := channel.Pair()
	rcv, err := NewReceiver([]channel.Channel{b}, RecvConfig{
		Root:       dst,
		Checkpoint: ckpt,
		Verify:     true,
		Params:     p,
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer rcv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	recvDone := make(chan error, 1)
	go func() { recvDone <- rcv.Run(ctx) }()

	scan, err := manifest.Walk(ctx, src, manifest.Options{})
	if err != nil {
		t.Fatal(err)
	}
	snd := NewSender([]channel.Channel{a}, src, p, codec.PolicyAuto, nil, testLogger())
	sum, runErr := snd.Run(ctx, scan, pol)
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	select {
	case err := <-recvDone:
		if err != nil {
			t.Fatalf("receiver: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("receiver never finished")
	}

	if len(sum.Abandoned) != 0 {
		t.Fatalf("abandoned: %+v", sum.Abandoned)
	}
	// One file, however many ranges it took.
	if sum.FilesSent != 1 {
		t.Fatalf("FilesSent = %d, want 1", sum.FilesSent)
	}
	if stats := rcv.Stats(); stats.FilesComplete != 1 {
		t.Fatalf("FilesComplete = %d, want 1", stats.FilesComplete)
	}
	if sum.BytesSent == 0 || sum.BytesSent >= int64(len(base)) {
		t.Fatalf("BytesSent = %d, want a strict subset of %d", sum.BytesSent, len(base))
	}
	if !bytes.Equal(readTree(t, dst)["f.bin"], edited) {
		t.Fatalf("destination not repaired")
	}
}

func TestTransferLargeDestinationManifestBacklog(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	state := t.TempDir()

	tail := map[string][]byte{}
	for i := 0; i < 1200; i++ {
		tail[fmt.Sprintf("tail/f%04d.txt", i)] = []byte(fmt.Sprintf("tail content %d\n", i))
	}
	writeTree(t, src, tail)
	if _, _, err := runTransfer(t, src, dst, filepath.Join(state, "seed.log"), plan.Policy{}, false); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	// New files sorting ahead of the unchanged tail: their plan items go
	// out while most of the destination manifest is still queued behind
	// the merge-join.
	fresh := map[string][]byte{}
	for i := 0; i < 100; i++ {
		fresh[fmt.Sprintf("aaa/n%03d.txt", i)] = []byte(fmt.Sprintf("new content %d\n", i))
	}
	writeTree(t, src, fresh)

	sum, stats, err := runTransfer(t, src, dst, filepath.Join(state, "run.log"), plan.Policy{}, false)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if sum.FilesSent != len(fresh) {
		t.Fatalf("FilesSent = %d, want %d", sum.FilesSent, len(fresh))
	}
	if sum.FilesSkipped != len(tail) {
		t.Fatalf("FilesSkipped = %d, want %d", sum.FilesSkipped, len(tail))
	}
	if stats.FilesComplete != len(fresh) {
		t.Fatalf("FilesComplete = %d, want %d", stats.FilesComplete, len(fresh))
	}
	got := readTree(t, dst)
	for rel, want := range fresh {
		if !bytes.Equal(got[rel], want) {
			t.Fatalf("%s: content mismatch", rel)
		}
	}
}

// flakeChannel flips one bit in the first data frame it carries; every
// other frame passes through untouched.
type flakeChannel struct {
	channel.Channel

	mu      sync.Mutex
	tripped bool
}

func (c *flakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	trip := !c.tripped && len(p) > 64 && p[4] == byte(wire.FrameChunkData)
	if trip {
		c.tripped = true
	}
	c.mu.Unlock()
	if !trip {
		return c.Channel.Write(p)
	}
	buf := append([]byte(nil), p...)
	buf[60] ^= 0x01
	return c.Channel.Write(buf)
}

func TestTransferRetriesCorruptedChunk(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	ckpt := filepath.Join(t.TempDir(), "ckpt.log")

	big := make([]byte, 60_000)
	for i := range big {
		big[i] = byte(i * 3)
	}
	files := map[string][]byte{
		"big.bin": big,
		"a.txt":   []byte("alpha"),
		"b.txt":   []byte("beta"),
	}
	writeTree(t, src, files)

	a, b := channel.Pair()
	flaky := &flakeChannel{Channel: a}
	rcv, err := NewReceiver([]channel.Channel{b}, RecvConfig{
		Root:       dst,
		Checkpoint: ckpt,
		Params:     testParams(),
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer rcv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	recvDone := make(chan error, 1)
	go func() { recvDone <- rcv.Run(ctx) }()

	scan, err := manifest.Walk(ctx, src, manifest.Options{})
	if err != nil {
		t.Fatal(err)
	}
	snd := NewSender([]channel.Channel{flaky}, src, testParams(), codec.PolicyAuto, nil, testLogger())
	sum, runErr := snd.Run(ctx, scan, plan.Policy{SrcRoot: src})
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	<-recvDone

	flaky.mu.Lock()
	tripped := flaky.tripped
	flaky.mu.Unlock()
	if !tripped {
		t.Fatalf("no data frame was corrupted in transit")
	}

	// The corrupted chunk fails its frame checksum, is resent, and commits
	// exactly once; no path is dragged down with it.
	if len(sum.Abandoned) != 0 {
		t.Fatalf("abandoned: %+v", sum.Abandoned)
	}
	var total int64
	for _, data := range files {
		total += int64(len(data))
	}
	if sum.BytesSent != total {
		t.Fatalf("BytesSent = %d, want %d", sum.BytesSent, total)
	}
	got := readTree(t, dst)
	for rel, want := range files {
		if !bytes.Equal(got[rel], want) {
			t.Fatalf("%s: content mismatch", rel)
		}
	}
}

func TestTransferMultiChannel(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	ckpt := filepath.Join(t.TempDir(), "ckpt.log")

	files := map[string][]byte{}
	for _, name := range []string{"a", "b", "c", "d"} {
		data := make([]byte, 60_000)
		for i := range data {
			data[i] = byte(i + len(name)*13)
		}
		files[name+".bin"] = data
	}
	writeTree(t, src, files)

	a1, b1 := channel.Pair()
	a2, b2 := channel.Pair()
	rcv, err := NewReceiver([]channel.Channel{b1, b2}, RecvConfig{
		Root:       dst,
		Checkpoint: ckpt,
		Params:     testParams(),
	}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer rcv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	recvDone := make(chan error, 1)
	go func() { recvDone <- rcv.Run(ctx) }()

	scan, err := manifest.Walk(ctx, src, manifest.Options{})
	if err != nil {
		t.Fatal(err)
	}
	snd := NewSender([]channel.Channel{a1, a2}, src, testParams(), codec.PolicyAuto, nil, testLogger())
	sum, runErr := snd.Run(ctx, scan, plan.Policy{SrcRoot: src})
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	<-recvDone

	if len(sum.Abandoned) != 0 {
		t.Fatalf("abandoned: %+v", sum.Abandoned)
	}
	got := readTree(t, dst)
	for rel, want := range files {
		if !bytes.Equal(got[rel], want) {
			t.Fatalf("%s: content mismatch", rel)
		}
	}
}
