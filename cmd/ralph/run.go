package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/RefoundAI/ralph-sub000/internal/config"
	"github.com/RefoundAI/ralph-sub000/internal/dag"
	"github.com/RefoundAI/ralph-sub000/internal/knowledge"
	"github.com/RefoundAI/ralph-sub000/internal/runloop"
	"github.com/RefoundAI/ralph-sub000/internal/signals"
	"github.com/RefoundAI/ralph-sub000/internal/store/sqlite"
)

// exitCodeError carries the process exit code a runloop.Outcome mapped to,
// so main can report it without the command layer importing runloop's
// Outcome type into error handling directly.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

func exitCodeForError(err error) int {
	if ece, ok := err.(*exitCodeError); ok {
		return ece.code
	}
	return 1
}

func newRunCommand() *cobra.Command {
	var (
		feature    string
		task       string
		limit      int
		agent      string
		strategy   string
		model      string
		noVerify   bool
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive the run loop until a terminal outcome is reached",
		RunE: func(cmd *cobra.Command, args []string) error {
			lo, err := resolveLayout(cmd)
			if err != nil {
				return err
			}
			logLevelFlag, _ := cmd.Flags().GetString("log-level")
			log := newLogger(logLevelFlag)

			var flags config.Flags
			if cmd.Flags().Changed("limit") {
				flags.Limit = &limit
			}
			if cmd.Flags().Changed("agent") {
				flags.Agent = &agent
			}
			if cmd.Flags().Changed("model-strategy") {
				flags.ModelStrategy = &strategy
			}
			if cmd.Flags().Changed("model") {
				flags.Model = &model
			}
			if cmd.Flags().Changed("no-verify") {
				flags.NoVerify = &noVerify
			}
			if cmd.Flags().Changed("max-retries") {
				flags.MaxRetries = &maxRetries
			}

			cfg, meta, err := config.Load(
				config.WithEnv(os.LookupEnv),
				config.WithFileReader(lo.configPath, os.ReadFile),
				config.WithFlags(flags),
			)
			if err != nil {
				return err
			}
			log.Debug("ralph: resolved config",
				"agent_command_source", meta.Source("agent.command"),
				"verify_source", meta.Source("execution.verify"))

			db, err := sqlite.Open(cmd.Context(), lo.dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			store := sqlite.NewTaskStore(db)
			engine := dag.New(store)
			runs := sqlite.NewRunStore(db)

			knowledgeStore, err := knowledge.NewStore(lo.knowledge)
			if err != nil {
				return err
			}

			loopCfg := runloop.Config{
				Scope:         runloop.Scope{FeatureID: feature, TaskID: task},
				Limit:         cfg.Limit,
				VerifyEnabled: cfg.Verify,
				AgentCommand:  cfg.AgentCommand,
				ProjectRoot:   lo.projectRoot,
				StrategyKind:  cfg.ModelStrategy,
				FixedTier:     cfg.FixedTier,
				Feedback:      stdinLineReader{bufio.NewScanner(os.Stdin)},
				Output:        stdoutPrinter{},
			}

			loop := runloop.New(engine, store, runs, knowledgeStore, loopCfg, log)
			outcome, err := loop.Run(cmd.Context())
			if err != nil {
				return err
			}
			log.Info("ralph: run finished", "outcome", outcome)
			if outcome.ExitCode() != 0 {
				return &exitCodeError{code: outcome.ExitCode(), msg: fmt.Sprintf("run ended with outcome %q", outcome)}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&feature, "feature", "", "restrict the run to one feature id")
	cmd.Flags().StringVar(&task, "task", "", "restrict the run to one task id")
	cmd.Flags().IntVar(&limit, "limit", 0, "iteration cap (0 = unlimited)")
	cmd.Flags().StringVar(&agent, "agent", "", "agent command to spawn (overrides the config file; RALPH_AGENT overrides this flag)")
	cmd.Flags().StringVar(&strategy, "model-strategy", "", "model strategy: fixed|cost_optimized|escalate|plan_then_execute")
	cmd.Flags().StringVar(&model, "model", "", "fixed model name (haiku|sonnet|opus); implies --model-strategy=fixed")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "disable the verification sub-session")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "max verification retries (overrides the config file; not applied by run: each task keeps the max_retries it was created with)")

	return cmd
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch parseLevel(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

// stdinLineReader adapts bufio.Scanner to runloop.LineReader for the
// interrupt sub-flow's feedback prompt (spec.md §4.2 step 7).
type stdinLineReader struct {
	scanner *bufio.Scanner
}

func (r stdinLineReader) ReadLine() (string, bool) {
	if !r.scanner.Scan() {
		return "", false
	}
	return r.scanner.Text(), true
}

type stdoutPrinter struct{}

func (stdoutPrinter) Printf(format string, args ...any) { fmt.Printf(format, args...) }
