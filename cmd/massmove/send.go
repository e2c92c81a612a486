package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/massmove/massmove/internal/channel"
	"github.com/massmove/massmove/internal/progress"
	"github.com/massmove/massmove/internal/store"
	"github.com/massmove/massmove/internal/transfer"
	"github.com/massmove/massmove/pkg/manifest"
	"github.com/massmove/massmove/pkg/plan"
)

var (
	sendWorkers   int
	sendChannels  int
	sendTransport string
	sendComp      string
	sendChunkSize string
	sendDelete    bool
	sendVerify    bool
	sendInsecure  bool
	sendExcludes  []string
)

var sendCmd = &cobra.Command{
	Use:   "send <source-root> <address>",
	Short: "Push a directory tree to a listening receiver",
	Args:  cobra.ExactArgs(2),
	RunE:  runSend,
}

func init() {
	f := sendCmd.Flags()
	f.IntVar(&sendWorkers, "workers", 0, "parallel chunk workers")
	f.IntVar(&sendChannels, "channels", 0, "parallel transport channels")
	f.StringVar(&sendTransport, "transport", "", "transport kind: tcp or quic")
	f.StringVar(&sendComp, "compression", "", "compression policy: auto, off, force")
	f.StringVar(&sendChunkSize, "chunk-size", "", "chunk size, e.g. 4MiB")
	f.BoolVar(&sendDelete, "delete", false, "delete destination paths missing from the source")
	f.BoolVar(&sendVerify, "verify", false, "verify whole-file hashes after transfer")
	f.BoolVar(&sendInsecure, "insecure", false, "skip TLS verification (quic)")
	f.StringArrayVar(&sendExcludes, "exclude", nil, "glob pattern to exclude (repeatable)")
}

// applySendFlags folds changed flags over the loaded config.
func applySendFlags(cmd *cobra.Command) error {
	if cmd.Flags().Changed("workers") {
		cfg.Transfer.Workers = sendWorkers
	}
	if cmd.Flags().Changed("channels") {
		cfg.Transport.Channels = sendChannels
	}
	if cmd.Flags().Changed("transport") {
		cfg.Transport.Kind = sendTransport
	}
	if cmd.Flags().Changed("compression") {
		cfg.Transfer.Compression = sendComp
	}
	if cmd.Flags().Changed("chunk-size") {
		n, err := humanize.ParseBytes(sendChunkSize)
		if err != nil {
			return fmt.Errorf("parse chunk size: %w", err)
		}
		cfg.Transfer.ChunkSize = int64(n)
	}
	if cmd.Flags().Changed("delete") {
		cfg.Plan.Delete = sendDelete
	}
	if cmd.Flags().Changed("verify") {
		cfg.Plan.Verify = sendVerify
	}
	if cmd.Flags().Changed("insecure") {
		cfg.Transport.Insecure = sendInsecure
	}
	cfg.Scan.Excludes = append(cfg.Scan.Excludes, sendExcludes...)
	return cfg.Validate()
}

func runSend(cmd *cobra.Command, args []string) error {
	srcRoot, addr := args[0], args[1]
	if err := applySendFlags(cmd); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chans, err := dialChannels(ctx, addr)
	if err != nil {
		return err
	}

	meter := progress.NewMeter()
	meter.Start(0)
	snd := transfer.NewSender(chans, srcRoot, transferParams(), compressionPolicy(), meter, logger)

	srcScan, err := manifest.Walk(ctx, srcRoot, manifest.Options{Excludes: stateExcludes(cfg.Scan.Excludes)})
	if err != nil {
		return fmt.Errorf("scan source: %w", err)
	}

	pol := plan.Policy{
		Delete:            cfg.Plan.Delete,
		AttachContentHash: cfg.Plan.Verify,
		SrcRoot:           srcRoot,
	}

	st := openHistory()
	if st != nil {
		defer st.Close()
	}
	run := &store.TransferRun{
		Session:   snd.Session().ID.String(),
		Role:      "send",
		Source:    srcRoot,
		Dest:      addr,
		StartTime: time.Now(),
	}
	if st != nil {
		if err := st.CreateRun(run); err != nil {
			logger.Warn("record run start", "err", err)
		}
	}

	stopProgress := reportProgress(ctx, meter)
	sum, runErr := snd.Run(ctx, srcScan, pol)
	stopProgress()

	recordRun(st, run, sum, runErr)
	printSummary(sum, runErr)
	return nil
}

// dialChannels opens the configured number of channels to addr.
func dialChannels(ctx context.Context, addr string) ([]channel.Channel, error) {
	switch cfg.Transport.Kind {
	case "quic":
		return channel.DialQUIC(ctx, addr, cfg.Transport.Channels,
			channel.ClientTLS(cfg.Transport.Insecure), logger)
	default:
		return channel.DialTCP(ctx, addr, cfg.Transport.Channels)
	}
}

// reportProgress logs throughput periodically until the returned stop
// function is called.
func reportProgress(ctx context.Context, meter *progress.Meter) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st := meter.Snapshot()
				logger.Info("progress",
					"done", humanize.IBytes(uint64(st.BytesDone)),
					"total", humanize.IBytes(uint64(st.Total)),
					"rate", humanize.IBytes(uint64(st.RateBps))+"/s",
					"eta", st.ETA.Round(time.Second))
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}
