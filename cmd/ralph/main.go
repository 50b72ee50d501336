// Command ralph is the operator-facing entry point: it wires the task DAG
// engine, the embedded store, the run loop, and the agent session together
// behind a small cobra command surface (spec.md §6, SPEC_FULL.md §10-11).
// Decomposing user intent into a task graph and rendering progress are
// explicitly out of this system's scope (spec.md §1) — this binary only
// drives the loop and exposes raw DAG CRUD for seeding it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/RefoundAI/ralph-sub000/internal/signals"
)

func main() {
	signals.Install(func() { os.Exit(130) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ralph: %v\n", err)
		os.Exit(exitCodeForError(err))
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ralph",
		Short:         "Autonomous coding-agent orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("project-root", ".", "project directory the agent works in")
	root.PersistentFlags().String("db", "", "path to the progress database (default <project-root>/.ralph/progress.db)")
	root.PersistentFlags().String("config", "", "path to the project config file (default <project-root>/ralph.toml)")
	root.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")

	root.AddCommand(newRunCommand())
	root.AddCommand(newTaskCommand())
	root.AddCommand(newListCommand())

	return root
}

func parseLevel(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug", "warn", "error":
		return strings.ToLower(value)
	default:
		return "info"
	}
}
