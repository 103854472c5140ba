package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/sift/internal/types"
)

var pushCmd = &cobra.Command{
	Use:   "push <file>",
	Short: "Push error events onto the buffer",
	Long: `Push a JSON array of error events onto the Redis buffer as one element,
the same way the ingest endpoint does. Use "-" to read from stdin.

Events are not validated here; invalid ones are counted as rejected by the
next pipeline run.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := pushEvents(cmd.Context(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(pushCmd)
}

func pushEvents(ctx context.Context, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var events []*types.RawEvent
	if err := json.NewDecoder(r).Decode(&events); err != nil {
		return fmt.Errorf("failed to decode events: %w", err)
	}
	if len(events) == 0 {
		fmt.Println("No events to push")
		return nil
	}

	buf, err := openBuffer(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = buf.Close() }()

	if err := buf.Push(ctx, events); err != nil {
		return err
	}
	pending, err := buf.Len(ctx)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s Pushed %d event(s), %d element(s) pending\n", green("✓"), len(events), pending)
	return nil
}
