package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/massmove/massmove/internal/codec"
	"github.com/massmove/massmove/internal/config"
	"github.com/massmove/massmove/internal/logging"
	"github.com/massmove/massmove/internal/store"
	"github.com/massmove/massmove/internal/transfer"
)

// Exit codes: 0 everything transferred, 1 could not run, 2 ran to the end
// but some paths were abandoned.
const (
	exitOK      = 0
	exitFatal   = 1
	exitPartial = 2
)

var (
	cfgFile  string
	logLevel string

	cfg    *config.Config
	logger *slog.Logger

	exitCode = exitOK
)

var rootCmd = &cobra.Command{
	Use:   "massmove",
	Short: "Resumable bulk file transfer",
	Long: `massmove moves large directory trees between machines: it diffs the
two sides first, transfers only changed byte ranges in checksummed chunks
over parallel channels, and checkpoints every committed chunk so an
interrupted run picks up where it stopped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger = logging.New("massmove", cfg.Log.Level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.AddCommand(sendCmd, recvCmd, mirrorCmd, planCmd, statusCmd)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitFatal
	}
	return exitCode
}

// transferParams maps config into engine tuning.
func transferParams() transfer.Params {
	return transfer.Params{
		Workers:     cfg.Transfer.Workers,
		RetryLimit:  cfg.Transfer.RetryLimit,
		ByteBudget:  cfg.Transfer.ByteBudget,
		AckTimeout:  cfg.Transfer.AckTimeout.Std(),
		ChunkSize:   cfg.Transfer.ChunkSize,
		WindowBytes: cfg.Transfer.WindowBytes,
	}
}

func compressionPolicy() codec.Policy {
	switch cfg.Transfer.Compression {
	case "off":
		return codec.PolicyOff
	case "force":
		return codec.PolicyForce
	default:
		return codec.PolicyAuto
	}
}

// stateExcludes keeps massmove's own state files out of scans when they
// live under the transferred root.
func stateExcludes(extra []string) []string {
	out := append([]string{".massmove/**", ".massmove"}, extra...)
	return out
}

// openHistory opens the run history database, creating its directory.
// History is best-effort bookkeeping: failure to open logs a warning and
// returns nil rather than blocking the transfer.
func openHistory() *store.Store {
	path := cfg.State.HistoryDB
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn("history database unavailable", "err", err)
		return nil
	}
	st, err := store.Open(path, logger)
	if err != nil {
		logger.Warn("history database unavailable", "err", err)
		return nil
	}
	return st
}

// recordRun writes a run's summary into history.
func recordRun(st *store.Store, run *store.TransferRun, sum transfer.Summary, runErr error) {
	if st == nil {
		return
	}
	run.BytesSent = sum.BytesSent
	run.BytesResumed = sum.BytesResumed
	run.BytesSkipped = sum.BytesSkipped
	run.FilesSent = int64(sum.FilesSent)
	run.FilesSkipped = int64(sum.FilesSkipped)
	run.Deletes = int64(sum.Deletes)
	run.Abandoned = int64(len(sum.Abandoned))
	switch {
	case runErr != nil:
		run.Status = store.StatusFailed
		run.ErrorMessage = runErr.Error()
	case len(sum.Abandoned) > 0:
		run.Status = store.StatusPartial
	default:
		run.Status = store.StatusCompleted
	}
	var abandoned []store.AbandonedPath
	for _, pe := range sum.Abandoned {
		abandoned = append(abandoned, store.AbandonedPath{RelPath: pe.RelPath, Reason: pe.Reason})
	}
	if err := st.FinishRun(run, abandoned); err != nil {
		logger.Warn("record run history", "err", err)
	}
}

// printSummary writes the human-readable outcome to stdout and sets the
// process exit code.
func printSummary(sum transfer.Summary, runErr error) {
	fmt.Printf("session %s finished in %s\n", sum.Session, sum.Duration.Round(time.Millisecond))
	fmt.Printf("  sent:     %s in %d files\n", humanize.IBytes(uint64(sum.BytesSent)), sum.FilesSent)
	fmt.Printf("  resumed:  %s\n", humanize.IBytes(uint64(sum.BytesResumed)))
	fmt.Printf("  skipped:  %s in %d files\n", humanize.IBytes(uint64(sum.BytesSkipped)), sum.FilesSkipped)
	if sum.Deletes > 0 {
		fmt.Printf("  deleted:  %d paths\n", sum.Deletes)
	}
	if len(sum.Abandoned) > 0 {
		fmt.Printf("  abandoned %d paths:\n", len(sum.Abandoned))
		for _, pe := range sum.Abandoned {
			fmt.Printf("    %s: %s\n", pe.RelPath, pe.Reason)
		}
		exitCode = exitPartial
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "error:", runErr)
		exitCode = exitFatal
	}
}
