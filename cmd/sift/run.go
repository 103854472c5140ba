package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/coder/quartz"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/sift/internal/pipeline"
)

// errRunAborted is returned after the report of an aborted run was printed
var errRunAborted = errors.New("run aborted")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one pipeline cycle",
	Long: `Drain the event buffer once, resolve every event against open issues and
persist the result.

The command exits non-zero when the run aborts. Operations already written
before the abort are kept.

Example:
  $ sift run
  ✓ Run 5b0c... done in 412ms
    Drained:  37 (2 rejected, 4 duplicates)
    Merged:   31
    New errors: 4
    New issues: 2`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")

		if err := runCycle(cmd.Context(), verbose); err != nil {
			if !errors.Is(err, errRunAborted) {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}
	},
}

func init() {
	runCmd.Flags().BoolP("verbose", "v", false, "List every failed operation")
	rootCmd.AddCommand(runCmd)
}

// runCycle executes a single pipeline run and prints its report
func runCycle(ctx context.Context, verbose bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	lockPath, err := acquireLock()
	if err != nil {
		return err
	}
	defer releaseLock(lockPath)

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	buf, err := openBuffer(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = buf.Close() }()

	p, err := newPipeline(store, buf, nil, quartz.NewReal())
	if err != nil {
		return err
	}

	report, runErr := p.Run(ctx)
	printReport(report, verbose)
	if runErr != nil {
		return errRunAborted
	}
	return nil
}

// printReport renders a run report for the terminal
func printReport(r *pipeline.Report, verbose bool) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	icon := green("✓")
	if r.State == pipeline.StateAborted {
		icon = red("✗")
	}
	fmt.Printf("%s Run %s %s in %v\n", icon, r.RunID, r.State, r.Duration().Round(time.Millisecond))
	fmt.Printf("  Drained:    %d %s\n", r.Drained,
		gray(fmt.Sprintf("(%d rejected, %d duplicates)", r.Rejected, r.Duplicates)))
	fmt.Printf("  Merged:     %d\n", r.Merged)
	fmt.Printf("  New errors: %d\n", r.CreatedErrors)
	fmt.Printf("  New issues: %d\n", r.CreatedIssues)

	if r.Failed > 0 {
		fmt.Printf("  Failed:     %s", red(r.Failed))
		if r.QuotaExceeded > 0 {
			fmt.Printf(" %s", yellow(fmt.Sprintf("(%d over quota)", r.QuotaExceeded)))
		}
		fmt.Println()
	}
	if r.Err != nil {
		fmt.Printf("  Error:      %s\n", red(r.Err))
	}

	if !verbose {
		return
	}
	for _, o := range r.Outcomes {
		if !o.Failed() {
			continue
		}
		kind := "resolve"
		if o.Op != nil {
			kind = string(o.Op.Kind)
		}
		reason := "skipped"
		if o.Err != nil {
			reason = o.Err.Error()
		}
		fmt.Printf("    %s %s [%s] %s: %s\n", red("•"), o.Event.ProjectID, kind, truncate(o.Event.Message, 60), reason)
	}
}

// truncate shortens s to at most n runes
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
