package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/massmove/massmove/internal/chunker"
	"github.com/massmove/massmove/pkg/manifest"
	"github.com/massmove/massmove/pkg/plan"
)

var (
	planDelete    bool
	planRangeDiff bool
	planVerify    bool
	planExcludes  []string
)

var planCmd = &cobra.Command{
	Use:   "plan <source-root> <dest-root>",
	Short: "Show what a transfer between two local trees would do",
	Args:  cobra.ExactArgs(2),
	RunE:  runPlan,
}

func init() {
	f := planCmd.Flags()
	f.BoolVar(&planDelete, "delete", false, "plan deletions for destination-only paths")
	f.BoolVar(&planRangeDiff, "range-diff", false, "narrow overwrites to changed byte ranges")
	f.BoolVar(&planVerify, "verify-content", false, "hash-compare files whose fingerprints match")
	f.StringArrayVar(&planExcludes, "exclude", nil, "glob pattern to exclude (repeatable)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	srcRoot, destRoot := args[0], args[1]
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	excludes := stateExcludes(append(cfg.Scan.Excludes, planExcludes...))
	srcScan, err := manifest.Walk(ctx, srcRoot, manifest.Options{Excludes: excludes})
	if err != nil {
		return fmt.Errorf("scan source: %w", err)
	}
	dstScan, err := manifest.Walk(ctx, destRoot, manifest.Options{Excludes: excludes})
	if err != nil {
		return fmt.Errorf("scan destination: %w", err)
	}

	chunkCfg := chunker.Config{AvgSize: cfg.Transfer.ChunkSize}
	pol := plan.Policy{
		Delete:        planDelete,
		RangeDiff:     planRangeDiff,
		VerifyContent: planVerify,
		Chunker:       chunkCfg,
		SrcRoot:       srcRoot,
		DestChunks: func(relPath string) (chunker.Table, error) {
			return chunker.SplitFile(filepath.Join(destRoot, filepath.FromSlash(relPath)), chunkCfg)
		},
		SrcHash: func(relPath string) (string, error) {
			return manifest.ContentHash(srcRoot, relPath)
		},
		DestHash: func(relPath string) (string, error) {
			return manifest.ContentHash(destRoot, relPath)
		},
	}

	var toSend, toSkip uint64
	var creates, overwrites, skips, deletes, errs int
	for res := range plan.Diff(ctx, srcScan, dstScan, pol) {
		if res.Err != nil {
			fmt.Printf("error    %v\n", res.Err)
			errs++
			continue
		}
		it := res.Item
		switch it.Action {
		case plan.ActionCreate:
			creates++
			toSend += uint64(it.Length)
			fmt.Printf("create   %-50s %10s  %s\n", it.RelPath, humanize.IBytes(uint64(it.Length)), it.Reason)
		case plan.ActionOverwriteRange:
			overwrites++
			toSend += uint64(it.Length)
			fmt.Printf("rewrite  %-50s %10s  [%d..%d) %s\n",
				it.RelPath, humanize.IBytes(uint64(it.Length)), it.Offset, it.Offset+it.Length, it.Reason)
		case plan.ActionSkip:
			skips++
			toSkip += uint64(it.Size)
		case plan.ActionDelete:
			deletes++
			fmt.Printf("delete   %s\n", it.RelPath)
		}
	}

	fmt.Printf("\n%d creates, %d rewrites, %d deletes, %d unchanged, %d errors\n",
		creates, overwrites, deletes, skips, errs)
	fmt.Printf("%s to send, %s unchanged\n", humanize.IBytes(toSend), humanize.IBytes(toSkip))
	return nil
}
