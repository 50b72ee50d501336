package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/RefoundAI/ralph-sub000/internal/config"
	"github.com/RefoundAI/ralph-sub000/internal/dag"
	"github.com/RefoundAI/ralph-sub000/internal/ids"
	"github.com/RefoundAI/ralph-sub000/internal/store/sqlite"
)

// newTaskCommand exposes raw DAG CRUD for seeding the graph. Decomposing a
// feature request into tasks is an external collaborator's job (spec.md
// §1); this only creates the rows and edges the run loop then drives.
func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create and wire tasks in the DAG",
	}
	cmd.AddCommand(newTaskCreateCommand())
	cmd.AddCommand(newTaskDependCommand())
	cmd.AddCommand(newTaskShowCommand())
	return cmd
}

func openStore(cmd *cobra.Command) (*sqlite.TaskStore, func() error, error) {
	lo, err := resolveLayout(cmd)
	if err != nil {
		return nil, nil, err
	}
	db, err := sqlite.Open(cmd.Context(), lo.dbPath)
	if err != nil {
		return nil, nil, err
	}
	return sqlite.NewTaskStore(db), db.Close, nil
}

func newTaskCreateCommand() *cobra.Command {
	var (
		title       string
		description string
		feature     string
		parent      string
		priority    int
		maxRetries  int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a standalone or feature-scoped task",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			if !cmd.Flags().Changed("max-retries") {
				lo, err := resolveLayout(cmd)
				if err != nil {
					return err
				}
				cfg, _, err := config.Load(config.WithFileReader(lo.configPath, os.ReadFile))
				if err != nil {
					return err
				}
				maxRetries = cfg.MaxRetries
			}

			taskType := dag.TaskTypeStandalone
			if feature != "" {
				taskType = dag.TaskTypeFeature
			}
			id, err := ids.Unique(ids.PrefixTask, 0, func(candidate string) (bool, error) {
				return store.TaskExists(cmd.Context(), candidate)
			})
			if err != nil {
				return err
			}
			now := time.Now()
			t := &dag.Task{
				ID:                 id,
				Title:              title,
				Description:        description,
				ParentID:           parent,
				FeatureID:          feature,
				Type:               taskType,
				Status:             dag.StatusPending,
				Priority:           priority,
				MaxRetries:         maxRetries,
				VerificationStatus: dag.VerificationPending,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			if err := store.CreateTask(cmd.Context(), t); err != nil {
				return err
			}
			fmt.Println(t.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "task description / prompt body")
	cmd.Flags().StringVar(&feature, "feature", "", "feature id this task belongs to")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task id, for decomposed subtasks")
	cmd.Flags().IntVar(&priority, "priority", 0, "ready-set ordering priority, ascending")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "verification retry budget for this task")
	cmd.MarkFlagRequired("title")

	return cmd
}

func newTaskDependCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "depend <blocked-id> <blocker-id>",
		Short: "Record that blocked-id must wait for blocker-id to reach done",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			blocked, blocker := args[0], args[1]
			if err := store.AddDependency(cmd.Context(), blocker, blocked); err != nil {
				return err
			}

			engine := dag.New(store)
			t, err := store.GetTask(cmd.Context(), blocked)
			if err != nil {
				return err
			}
			if t != nil && t.Status == dag.StatusPending {
				if err := engine.BlockExplicit(cmd.Context(), blocked); err != nil {
					return err
				}
			}
			return nil
		},
	}
	return cmd
}

func newTaskShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print a task's status, claim, and log tail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeDB, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer closeDB()

			t, err := store.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if t == nil {
				return &dag.NotFoundError{Kind: "task", ID: args[0]}
			}
			fmt.Printf("%s\t%s\t%s\tclaimed_by=%q\tretries=%d/%d\n",
				t.ID, t.Status, t.Title, t.ClaimedBy, t.RetryCount, t.MaxRetries)
			return nil
		},
	}
	return cmd
}
