package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/sift/internal/pipeline"
	"github.com/steveyegge/sift/internal/storage"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent pipeline runs",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		if err := withStore(func(ctx context.Context, store storage.Storage) error {
			return listRuns(ctx, store, limit)
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	runsCmd.Flags().IntP("limit", "n", 20, "Number of runs to show")
	rootCmd.AddCommand(runsCmd)
}

func listRuns(ctx context.Context, store storage.Storage, limit int) error {
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack).SprintFunc()
	if len(runs) == 0 {
		fmt.Printf("%s\n", gray("No runs recorded"))
		return nil
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	for _, run := range runs {
		icon := green("✓")
		if run.State == string(pipeline.StateAborted) {
			icon = red("✗")
		}
		took := "-"
		if run.FinishedAt != nil {
			took = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Printf("%s %s  %s  %-9s %s\n", icon, run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			shortID(run.ID), run.State, gray(took))
		fmt.Printf("    drained=%d merged=%d new_errors=%d new_issues=%d rejected=%d failed=%d\n",
			run.Drained, run.Merged, run.CreatedErrors, run.CreatedIssues, run.Rejected, run.Failed)
		if run.Error != "" {
			fmt.Printf("    %s\n", red(run.Error))
		}
	}
	return nil
}

// shortID returns the first eight characters of id
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
