package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	statusLimit   int
	statusVerbose bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent transfer runs",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "number of runs to show")
	statusCmd.Flags().BoolVar(&statusVerbose, "verbose", false, "list abandoned paths per run")
}

func runStatus(cmd *cobra.Command, args []string) error {
	st := openHistory()
	if st == nil {
		return fmt.Errorf("history database unavailable at %s", cfg.State.HistoryDB)
	}
	defer st.Close()

	runs, err := st.RecentRuns(statusLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no transfer runs recorded")
		return nil
	}

	for _, run := range runs {
		fmt.Printf("%-9s %-7s %s -> %s\n", run.Status, run.Role, run.Source, run.Dest)
		fmt.Printf("  started %s, sent %s in %d files, resumed %s, skipped %d files",
			humanize.Time(run.StartTime),
			humanize.IBytes(uint64(run.BytesSent)), run.FilesSent,
			humanize.IBytes(uint64(run.BytesResumed)), run.FilesSkipped)
		if run.Deletes > 0 {
			fmt.Printf(", %d deletes", run.Deletes)
		}
		if run.Abandoned > 0 {
			fmt.Printf(", %d abandoned", run.Abandoned)
		}
		fmt.Println()
		if run.ErrorMessage != "" {
			fmt.Printf("  error: %s\n", run.ErrorMessage)
		}
		if statusVerbose && run.Abandoned > 0 {
			paths, err := st.AbandonedFor(run.ID)
			if err != nil {
				return err
			}
			for _, ap := range paths {
				fmt.Printf("    abandoned %s: %s\n", ap.RelPath, ap.Reason)
			}
		}
	}
	return nil
}
