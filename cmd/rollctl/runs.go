// runs.go powers `rollctl runs`: listing past runs from the local history database.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/rollctl/internal/rollout"
)

func newRunsCommand() *cobra.Command {
	var limit int
	var last bool
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List past rollout runs recorded in this workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(cmd.Context(), limit, last)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	cmd.Flags().BoolVar(&last, "last", false, "Show the full report of the most recent run")
	return cmd
}

func runRuns(ctx context.Context, limit int, last bool) error {
	store, err := rollout.OpenStateStore(".", true)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(os.Stdout, "No runs recorded yet.")
			return nil
		}
		return err
	}
	defer store.Close()

	if last {
		runID, err := store.MostRecentRunID(ctx)
		if err != nil {
			return fmt.Errorf("find most recent run: %w", err)
		}
		report, err := store.GetReport(ctx, runID)
		if err != nil {
			return fmt.Errorf("load report for %s: %w", runID, err)
		}
		renderReport(os.Stdout, report)
		return nil
	}

	entries, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "No runs recorded yet.")
		return nil
	}
	renderRunIndex(os.Stdout, entries)
	return nil
}
