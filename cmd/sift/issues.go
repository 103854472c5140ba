package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/sift/internal/storage"
	"github.com/steveyegge/sift/internal/types"
)

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "List issues",
	Long: `List issues with their error and occurrence counts, most recently
updated first. Resolved issues are hidden unless --all is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		project, _ := cmd.Flags().GetString("project")
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := types.IssueFilter{ProjectID: project, IncludeResolved: all, Limit: limit}
		if err := withStore(func(ctx context.Context, store storage.Storage) error {
			return listIssues(ctx, store, filter)
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var issuesShowCmd = &cobra.Command{
	Use:   "show <issue-id>",
	Short: "Show an issue and its error records",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := withStore(func(ctx context.Context, store storage.Storage) error {
			return showIssue(ctx, store, args[0])
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var issuesResolveCmd = &cobra.Command{
	Use:   "resolve <issue-id>",
	Short: "Mark an issue resolved",
	Long: `Mark an issue resolved. Resolved issues are no longer matched by the
pipeline, so a recurrence opens a new issue.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := withStore(func(ctx context.Context, store storage.Storage) error {
			return store.ResolveIssue(ctx, args[0], time.Now())
		})
		if errors.Is(err, storage.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Error: issue %s not found\n", args[0])
			os.Exit(1)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Resolved %s\n", green("✓"), args[0])
	},
}

func init() {
	issuesCmd.Flags().StringP("project", "p", "", "Only list issues of this project")
	issuesCmd.Flags().BoolP("all", "a", false, "Include resolved issues")
	issuesCmd.Flags().IntP("limit", "n", 50, "Maximum number of issues to list")
	issuesCmd.AddCommand(issuesShowCmd)
	issuesCmd.AddCommand(issuesResolveCmd)
	rootCmd.AddCommand(issuesCmd)
}

// withStore opens storage for the duration of fn
func withStore(fn func(ctx context.Context, store storage.Storage) error) error {
	ctx := context.Background()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(ctx, store)
}

func listIssues(ctx context.Context, store storage.Storage, filter types.IssueFilter) error {
	issues, err := store.ListIssues(ctx, filter)
	if err != nil {
		return err
	}

	gray := color.New(color.FgHiBlack).SprintFunc()
	if len(issues) == 0 {
		fmt.Printf("%s\n", gray("No issues"))
		return nil
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	for _, iss := range issues {
		icon := red("●")
		if iss.Resolved {
			icon = green("✓")
		}
		fmt.Printf("%s %s  %s\n", icon, iss.ID, truncate(iss.Title, 72))
		fmt.Printf("    %s\n", gray(fmt.Sprintf("project %s | %d error(s) | %d occurrence(s) | updated %s ago",
			iss.ProjectID, iss.ErrorCount, iss.Occurrences, formatDuration(time.Since(iss.UpdatedAt)))))
	}
	return nil
}

func showIssue(ctx context.Context, store storage.Storage, id string) error {
	issue, err := store.GetIssue(ctx, id)
	if err != nil {
		return err
	}
	records, err := store.ListErrors(ctx, id)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n", cyan(issue.Title))
	fmt.Printf("  ID:      %s\n", issue.ID)
	fmt.Printf("  Project: %s\n", issue.ProjectID)
	fmt.Printf("  Created: %s\n", issue.CreatedAt.Format("2006-01-02 15:04:05"))
	if issue.Resolved && issue.ResolvedAt != nil {
		fmt.Printf("  Resolved: %s\n", issue.ResolvedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Println()

	for _, rec := range records {
		fmt.Printf("%s %s %s\n", yellow("▸"), rec.ID, gray(fmt.Sprintf("(%s, %d occurrence(s))", rec.Environment, rec.Occurrences)))
		fmt.Printf("    %s\n", rec.Message)
		if rec.Script != "" {
			fmt.Printf("    script: %s\n", rec.Script)
		}
		fmt.Printf("    %s\n", gray(fmt.Sprintf("%d breadcrumb(s), %d server(s), %d place version(s)",
			len(rec.Breadcrumbs), len(rec.ServerIDs), len(rec.PlaceVersions))))
	}
	fmt.Println()
	return nil
}

// formatDuration renders d compactly, e.g. 45s, 12m, 3.5h, 2.0d
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	return fmt.Sprintf("%.1fd", d.Hours()/24)
}
