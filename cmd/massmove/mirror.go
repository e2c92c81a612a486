package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/massmove/massmove/internal/channel"
	"github.com/massmove/massmove/internal/chunker"
	"github.com/massmove/massmove/internal/progress"
	"github.com/massmove/massmove/internal/store"
	"github.com/massmove/massmove/internal/transfer"
	"github.com/massmove/massmove/pkg/manifest"
	"github.com/massmove/massmove/pkg/plan"
)

var (
	mirrorDelete    bool
	mirrorRangeDiff bool
	mirrorVerify    bool
	mirrorWorkers   int
	mirrorExcludes  []string
)

var mirrorCmd = &cobra.Command{
	Use:   "mirror <source-root> <dest-root>",
	Short: "Mirror one local tree into another, in process",
	Long: `Mirror runs the sender and receiver in one process connected by
in-memory channels. It uses the same plan, chunk, and checkpoint machinery
as a network transfer, so interrupted mirrors resume the same way.`,
	Args: cobra.ExactArgs(2),
	RunE: runMirror,
}

func init() {
	f := mirrorCmd.Flags()
	f.BoolVar(&mirrorDelete, "delete", false, "delete destination paths missing from the source")
	f.BoolVar(&mirrorRangeDiff, "range-diff", false, "narrow overwrites to changed byte ranges")
	f.BoolVar(&mirrorVerify, "verify", false, "verify whole-file hashes after transfer")
	f.IntVar(&mirrorWorkers, "workers", 0, "parallel chunk workers")
	f.StringArrayVar(&mirrorExcludes, "exclude", nil, "glob pattern to exclude (repeatable)")
}

func runMirror(cmd *cobra.Command, args []string) error {
	srcRoot, destRoot := args[0], args[1]
	if cmd.Flags().Changed("workers") {
		cfg.Transfer.Workers = mirrorWorkers
	}
	if cmd.Flags().Changed("delete") {
		cfg.Plan.Delete = mirrorDelete
	}
	if cmd.Flags().Changed("range-diff") {
		cfg.Plan.RangeDiff = mirrorRangeDiff
	}
	if cmd.Flags().Changed("verify") {
		cfg.Plan.Verify = mirrorVerify
	}
	cfg.Scan.Excludes = append(cfg.Scan.Excludes, mirrorExcludes...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A mirror is a sender and a receiver joined by in-memory pipes, one
	// pair per configured channel.
	sendChans := make([]channel.Channel, cfg.Transport.Channels)
	recvChans := make([]channel.Channel, cfg.Transport.Channels)
	for i := range sendChans {
		sendChans[i], recvChans[i] = channel.Pair()
	}

	excludes := stateExcludes(cfg.Scan.Excludes)
	rcv, err := transfer.NewReceiver(recvChans, transfer.RecvConfig{
		Root:       destRoot,
		Checkpoint: cfg.State.CheckpointPath,
		Verify:     cfg.Plan.Verify,
		Excludes:   excludes,
		Params:     transferParams(),
	}, logger)
	if err != nil {
		return err
	}
	defer rcv.Close()

	meter := progress.NewMeter()
	meter.Start(0)
	snd := transfer.NewSender(sendChans, srcRoot, transferParams(), compressionPolicy(), meter, logger)

	srcScan, err := manifest.Walk(ctx, srcRoot, manifest.Options{Excludes: excludes})
	if err != nil {
		return fmt.Errorf("scan source: %w", err)
	}

	chunkCfg := chunker.Config{AvgSize: cfg.Transfer.ChunkSize}
	pol := plan.Policy{
		Delete:            cfg.Plan.Delete,
		RangeDiff:         cfg.Plan.RangeDiff,
		AttachContentHash: cfg.Plan.Verify,
		Chunker:           chunkCfg,
		SrcRoot:           srcRoot,
		DestChunks: func(relPath string) (chunker.Table, error) {
			return chunker.SplitFile(filepath.Join(destRoot, filepath.FromSlash(relPath)), chunkCfg)
		},
	}

	st := openHistory()
	if st != nil {
		defer st.Close()
	}
	run := &store.TransferRun{
		Session:   snd.Session().ID.String(),
		Role:      "mirror",
		Source:    srcRoot,
		Dest:      destRoot,
		StartTime: time.Now(),
	}
	if st != nil {
		if err := st.CreateRun(run); err != nil {
			logger.Warn("record run start", "err", err)
		}
	}

	var sum transfer.Summary
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rcv.Run(gctx)
	})
	g.Go(func() error {
		var runErr error
		sum, runErr = snd.Run(gctx, srcScan, pol)
		return runErr
	})

	stopProgress := reportProgress(ctx, meter)
	runErr := g.Wait()
	stopProgress()

	recordRun(st, run, sum, runErr)
	printSummary(sum, runErr)
	return nil
}
