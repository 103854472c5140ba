package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/sift/internal/quota"
	"github.com/steveyegge/sift/internal/storage"
	"github.com/steveyegge/sift/internal/types"
)

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Inspect and set per-project error caps",
	Long: `Each project may create at most its cap of new error records under
existing issues in the trailing quota window. Projects without a cap use
the configured default.`,
}

var limitsGetCmd = &cobra.Command{
	Use:   "get <project-id>",
	Short: "Show a project's quota usage",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := withStore(func(ctx context.Context, store storage.Storage) error {
			return showUsage(ctx, store, args[0])
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var limitsSetCmd = &cobra.Command{
	Use:   "set <project-id> <cap>",
	Short: "Set a project's error cap",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cap, err := strconv.Atoi(args[1])
		if err != nil || cap < 0 {
			fmt.Fprintf(os.Stderr, "Error: cap must be a non-negative integer, got %q\n", args[1])
			os.Exit(1)
		}

		if err := withStore(func(ctx context.Context, store storage.Storage) error {
			limit := &types.UsageLimit{ProjectID: args[0], UniqueErrorCap: cap, UpdatedAt: time.Now()}
			if err := store.SetUsageLimit(ctx, limit); err != nil {
				return err
			}
			return showUsage(ctx, store, args[0])
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	limitsCmd.AddCommand(limitsGetCmd)
	limitsCmd.AddCommand(limitsSetCmd)
	rootCmd.AddCommand(limitsCmd)
}

func showUsage(ctx context.Context, store storage.Storage, projectID string) error {
	guard, err := newGuard(store, quartz.NewReal())
	if err != nil {
		return err
	}
	u, err := guard.Usage(ctx, projectID)
	if err != nil {
		return err
	}

	statusColor := color.New(color.FgGreen).SprintFunc()
	switch u.Status {
	case quota.StatusWarning:
		statusColor = color.New(color.FgYellow).SprintFunc()
	case quota.StatusExceeded:
		statusColor = color.New(color.FgRed).SprintFunc()
	}

	percent := 100.0
	if u.Cap > 0 {
		percent = float64(u.Count) / float64(u.Cap) * 100
	}
	fmt.Printf("Project %s: %s\n", u.ProjectID, statusColor(u.Status.String()))
	fmt.Printf("  Errors: %d / %d (%.0f%%)\n", u.Count, u.Cap, percent)
	fmt.Printf("  Since:  %s\n", u.Since.Format("2006-01-02 15:04 MST"))
	return nil
}
