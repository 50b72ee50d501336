package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RefoundAI/ralph-sub000/internal/dag"
)

// newListCommand implements SPEC_FULL.md §12's maintenance query: after an
// abnormal exit (killed process, crashed host) a task can be left
// in_progress with no agent actually working it. This surfaces those rows
// so an operator can inspect them (ralph task show) and deal with them by
// hand, rather than the run loop silently reclaiming ownership.
func newListCommand() *cobra.Command {
	var featureID string
	var stuckOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, optionally filtered to ones stuck in_progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			tasks, err := store.AllTasks(cmd.Context(), featureID)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				if stuckOnly && t.Status != dag.StatusInProgress {
					continue
				}
				fmt.Printf("%s\t%s\t%s\tclaimed_by=%q\n", t.ID, t.Status, t.Title, t.ClaimedBy)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&featureID, "feature", "", "restrict the listing to one feature id")
	cmd.Flags().BoolVar(&stuckOnly, "stuck", false, "only show tasks left in_progress, e.g. after a crash")

	return cmd
}
