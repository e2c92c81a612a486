package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/massmove/massmove/internal/channel"
	"github.com/massmove/massmove/internal/store"
	"github.com/massmove/massmove/internal/transfer"
)

var (
	recvListen    string
	recvTransport string
	recvChannels  int
	recvWorkers   int
	recvVerify    bool
	recvCkpt      string
	recvCert      string
	recvKey       string
	recvExcludes  []string
)

var recvCmd = &cobra.Command{
	Use:   "recv <dest-root>",
	Short: "Receive a tree from a sender into the destination root",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecv,
}

func init() {
	f := recvCmd.Flags()
	f.StringVar(&recvListen, "listen", ":9444", "listen address")
	f.StringVar(&recvTransport, "transport", "", "transport kind: tcp or quic")
	f.IntVar(&recvChannels, "channels", 0, "parallel transport channels")
	f.IntVar(&recvWorkers, "workers", 0, "parallel chunk writers")
	f.BoolVar(&recvVerify, "verify", false, "verify whole-file hashes at path commit")
	f.StringVar(&recvCkpt, "checkpoint", "", "checkpoint log path")
	f.StringVar(&recvCert, "cert", "", "TLS certificate file (quic)")
	f.StringVar(&recvKey, "key", "", "TLS key file (quic)")
	f.StringArrayVar(&recvExcludes, "exclude", nil, "glob pattern to exclude from the destination scan (repeatable)")
}

func runRecv(cmd *cobra.Command, args []string) error {
	destRoot := args[0]
	if cmd.Flags().Changed("transport") {
		cfg.Transport.Kind = recvTransport
	}
	if cmd.Flags().Changed("channels") {
		cfg.Transport.Channels = recvChannels
	}
	if cmd.Flags().Changed("workers") {
		cfg.Transfer.Workers = recvWorkers
	}
	if cmd.Flags().Changed("checkpoint") {
		cfg.State.CheckpointPath = recvCkpt
	}
	if cmd.Flags().Changed("cert") {
		cfg.Transport.CertFile = recvCert
	}
	if cmd.Flags().Changed("key") {
		cfg.Transport.KeyFile = recvKey
	}
	cfg.Scan.Excludes = append(cfg.Scan.Excludes, recvExcludes...)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chans, err := acceptChannels(ctx)
	if err != nil {
		return err
	}

	rcv, err := transfer.NewReceiver(chans, transfer.RecvConfig{
		Root:       destRoot,
		Checkpoint: cfg.State.CheckpointPath,
		Verify:     recvVerify || cfg.Plan.Verify,
		Excludes:   stateExcludes(cfg.Scan.Excludes),
		Params:     transferParams(),
	}, logger)
	if err != nil {
		return err
	}
	defer rcv.Close()

	st := openHistory()
	if st != nil {
		defer st.Close()
	}
	run := &store.TransferRun{
		Role:      "recv",
		Source:    recvListen,
		Dest:      destRoot,
		StartTime: time.Now(),
	}
	if st != nil {
		if err := st.CreateRun(run); err != nil {
			logger.Warn("record run start", "err", err)
		}
	}

	runErr := rcv.Run(ctx)
	stats := rcv.Stats()

	if st != nil {
		run.BytesSent = stats.BytesWritten
		run.BytesResumed = stats.BytesResumed
		run.FilesSent = int64(stats.FilesComplete)
		run.Deletes = int64(stats.Deletes)
		if runErr != nil {
			run.Status = store.StatusFailed
			run.ErrorMessage = runErr.Error()
		} else {
			run.Status = store.StatusCompleted
		}
		if err := st.FinishRun(run, nil); err != nil {
			logger.Warn("record run history", "err", err)
		}
	}

	fmt.Printf("received %d files, %d bytes written, %d deletes\n",
		stats.FilesComplete, stats.BytesWritten, stats.Deletes)
	if runErr != nil {
		return runErr
	}
	return nil
}

// acceptChannels waits for one sender and its channels.
func acceptChannels(ctx context.Context) ([]channel.Channel, error) {
	switch cfg.Transport.Kind {
	case "quic":
		tlsConf, err := channel.ServerTLS(cfg.Transport.CertFile, cfg.Transport.KeyFile)
		if err != nil {
			return nil, err
		}
		ln, err := channel.ListenQUIC(recvListen, tlsConf)
		if err != nil {
			return nil, err
		}
		logger.Info("listening", "transport", "quic", "addr", recvListen)
		return channel.AcceptQUIC(ctx, ln, cfg.Transport.Channels, logger)
	default:
		ln, err := net.Listen("tcp", recvListen)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", recvListen, err)
		}
		defer ln.Close()
		logger.Info("listening", "transport", "tcp", "addr", recvListen)
		return channel.AcceptTCP(ctx, ln, cfg.Transport.Channels)
	}
}
