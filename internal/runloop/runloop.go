// Package runloop implements spec.md §4.2: the scheduler that drives work
// from pending to a terminal outcome, one agent invocation per iteration.
package runloop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RefoundAI/ralph-sub000/internal/agentsession"
	"github.com/RefoundAI/ralph-sub000/internal/dag"
	"github.com/RefoundAI/ralph-sub000/internal/knowledge"
	"github.com/RefoundAI/ralph-sub000/internal/modelstrategy"
	"github.com/RefoundAI/ralph-sub000/internal/sigil"
	"github.com/RefoundAI/ralph-sub000/internal/signals"
	"github.com/RefoundAI/ralph-sub000/internal/store/sqlite"
)

// Outcome is the run loop's terminal result (spec.md §4.2 "Outcome
// alphabet").
type Outcome string

const (
	OutcomeComplete     Outcome = "complete"
	OutcomeFailure      Outcome = "failure"
	OutcomeLimitReached Outcome = "limit_reached"
	OutcomeBlocked      Outcome = "blocked"
	OutcomeNoPlan       Outcome = "no_plan"
	OutcomeInterrupted  Outcome = "interrupted"
)

// ExitCode maps an outcome onto the process exit code spec.md §6 defines.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeComplete, OutcomeLimitReached, OutcomeInterrupted:
		return 0
	case OutcomeFailure:
		return 1
	case OutcomeBlocked:
		return 2
	case OutcomeNoPlan:
		return 3
	default:
		return 1
	}
}

// Scope narrows the run to a single feature or a single task; both empty
// means the whole DAG.
type Scope struct {
	FeatureID string
	TaskID    string
}

// Config configures one run of the loop.
type Config struct {
	Scope Scope
	// Limit is the iteration cap; 0 means unlimited.
	Limit int
	// VerifyEnabled toggles the verification sub-session (spec.md §4.4).
	VerifyEnabled bool

	AgentCommand      string
	ProjectRoot       string
	AllowedWritePaths []string

	StrategyKind modelstrategy.Kind
	FixedTier    modelstrategy.Tier

	UI agentsession.UIHandler

	// Feedback reads interrupt-subflow operator input, one line at a time.
	Feedback LineReader
	// Output receives the interrupt subflow's banners and prompts.
	Output Printer
}

// LineReader abstracts the interrupt subflow's stdin prompt so tests can
// supply canned input instead of a real terminal.
type LineReader interface {
	// ReadLine returns the next line (without its trailing newline) and
	// false once the input is exhausted.
	ReadLine() (string, bool)
}

// Printer abstracts the interrupt subflow's banner/prompt output.
type Printer interface {
	Printf(format string, args ...any)
}

// sessionRunner is the slice of *agentsession.Session the loop depends on.
// Exists so tests can substitute a fake agent without spawning a real
// subprocess; production code gets the real thing via defaultSessionFactory.
type sessionRunner interface {
	Run(ctx context.Context, prompt string, interrupt *signals.Flag) (*agentsession.Result, error)
}

// sessionFactory builds one sessionRunner for an iteration or a
// verification sub-session.
type sessionFactory func(cfg agentsession.Config, ui agentsession.UIHandler) sessionRunner

func defaultSessionFactory(cfg agentsession.Config, ui agentsession.UIHandler) sessionRunner {
	return agentsession.New(cfg, ui)
}

// Loop drives one run of the scheduler described in spec.md §4.2.
type Loop struct {
	cfg Config

	engine     *dag.Engine
	store      dag.Store
	runs       *sqlite.RunStore
	knowledge  *knowledge.Store
	strategy   modelstrategy.Strategy
	identity   signals.Identity
	interrupt  *signals.Flag
	log        *slog.Logger
	newSession sessionFactory
}

// New constructs a Loop. runs and knowledgeStore may be nil (journal
// entries and knowledge upserts are then skipped, used by tests exercising
// only the DAG-facing behavior).
func New(engine *dag.Engine, store dag.Store, runs *sqlite.RunStore, knowledgeStore *knowledge.Store, cfg Config, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		cfg:        cfg,
		engine:     engine,
		store:      store,
		runs:       runs,
		knowledge:  knowledgeStore,
		strategy:   modelstrategy.New(cfg.StrategyKind, cfg.FixedTier),
		identity:   signals.CurrentIdentity(),
		interrupt:  signals.Global(),
		log:        log,
		newSession: defaultSessionFactory,
	}
}

// Run executes the iteration sequence until a terminal outcome is reached.
func (l *Loop) Run(ctx context.Context) (Outcome, error) {
	iteration := 1
	modelState := modelstrategy.State{}
	signal := modelstrategy.SignalNone
	var hint *modelstrategy.Tier
	recoveredDeadlock := false

	for {
		allTasks, err := l.scopedTasks(ctx)
		if err != nil {
			return "", fmt.Errorf("runloop: list tasks: %w", err)
		}
		if len(allTasks) == 0 {
			return OutcomeNoPlan, nil
		}
		if allTerminal(allTasks) {
			return OutcomeComplete, nil
		}

		ready, err := l.store.ReadySet(ctx, l.cfg.Scope.FeatureID, l.cfg.Scope.TaskID)
		if err != nil {
			return "", fmt.Errorf("runloop: ready set: %w", err)
		}

		if len(ready) == 0 {
			if l.cfg.Scope.TaskID != "" && !recoveredDeadlock {
				recovered, err := l.tryRecoverSelfDeadlock(ctx, l.cfg.Scope.TaskID)
				if err != nil {
					return "", err
				}
				recoveredDeadlock = true
				if recovered {
					continue
				}
			}
			return OutcomeBlocked, nil
		}

		target := ready[0]
		claimed, err := l.engine.Claim(ctx, target.ID, l.identity.AgentID)
		if err != nil {
			return "", fmt.Errorf("runloop: claim %q: %w", target.ID, err)
		}

		tier, nextState := l.strategy.Choose(iteration, modelState, signal)
		effectiveTier, nextState, overrode := modelstrategy.ApplyHint(tier, hint, nextState)
		model := modelstrategy.WireName(effectiveTier)
		hint = nil
		if overrode {
			if err := l.recordOverride(ctx, iteration, claimed.ID, modelstrategy.WireName(tier), model); err != nil {
				l.log.Warn("runloop: record model override", "error", err)
			}
		}

		prompt, err := l.buildPrompt(ctx, claimed)
		if err != nil {
			return "", fmt.Errorf("runloop: build prompt for %q: %w", claimed.ID, err)
		}

		spanCtx, span := l.startIterationSpan(ctx, iteration, claimed.ID, model)

		sess := l.newSession(agentsession.Config{
			Command:           l.cfg.AgentCommand,
			ProjectRoot:       l.cfg.ProjectRoot,
			Model:             model,
			Iteration:         iteration,
			Total:             l.cfg.Limit,
			Mode:              agentsession.ModeNormal,
			AllowedWritePaths: l.cfg.AllowedWritePaths,
		}, l.cfg.UI)

		result, runErr := sess.Run(spanCtx, prompt, l.interrupt)
		if runErr != nil {
			l.log.Warn("runloop: agent session error, releasing claim", "task", claimed.ID, "error", runErr)
			endIterationSpan(span, "blocked", runErr)
			if err := l.engine.Release(ctx, claimed.ID); err != nil {
				return "", err
			}
			if err := l.journal(ctx, claimed, iteration, "blocked", model, 0, nil, ""); err != nil {
				return "", err
			}
			signal = modelstrategy.SignalDistressModerate
			modelState = nextState
			if l.cfg.Limit > 0 && iteration >= l.cfg.Limit {
				return OutcomeLimitReached, nil
			}
			iteration++
			continue
		}

		if result.StopReason == agentsession.StopCancelled {
			endIterationSpan(span, "interrupted", nil)
			cont, err := l.interruptSubflow(ctx, claimed, iteration, model)
			if err != nil {
				return "", err
			}
			if !cont {
				return OutcomeInterrupted, nil
			}
			signal = modelstrategy.SignalNone
			modelState = nextState
			if l.cfg.Limit > 0 && iteration >= l.cfg.Limit {
				return OutcomeLimitReached, nil
			}
			iteration++
			continue
		}

		outcome, fatal, err := l.dispatchStopReason(ctx, claimed, result, iteration, model, &hint)
		endIterationSpan(span, outcome, err)
		if err != nil {
			return "", err
		}
		if fatal == OutcomeFailure {
			return OutcomeFailure, nil
		}

		signal = signalForOutcome(outcome)
		modelState = nextState

		allTasks, err = l.scopedTasks(ctx)
		if err != nil {
			return "", fmt.Errorf("runloop: list tasks: %w", err)
		}
		if allTerminal(allTasks) {
			return OutcomeComplete, nil
		}
		if l.cfg.Limit > 0 && iteration >= l.cfg.Limit {
			return OutcomeLimitReached, nil
		}
		iteration++
	}
}

func (l *Loop) scopedTasks(ctx context.Context) ([]*dag.Task, error) {
	if l.cfg.Scope.TaskID != "" {
		t, err := l.store.GetTask(ctx, l.cfg.Scope.TaskID)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, nil
		}
		return []*dag.Task{t}, nil
	}
	return l.store.AllTasks(ctx, l.cfg.Scope.FeatureID)
}

func allTerminal(tasks []*dag.Task) bool {
	for _, t := range tasks {
		if t.Status != dag.StatusDone && t.Status != dag.StatusFailed {
			return false
		}
	}
	return true
}

// tryRecoverSelfDeadlock implements spec.md §4.2's "self-deadlock
// recovery": when scoped to a single task left stuck in_progress under
// this run's own agent identity (a crashed prior invocation), release it
// once so the next ready-set query picks it back up.
func (l *Loop) tryRecoverSelfDeadlock(ctx context.Context, taskID string) (bool, error) {
	t, err := l.store.GetTask(ctx, taskID)
	if err != nil || t == nil {
		return false, err
	}
	if t.Status == dag.StatusInProgress && t.ClaimedBy == l.identity.AgentID {
		return true, l.engine.Release(ctx, taskID)
	}
	return false, nil
}

func (l *Loop) recordOverride(ctx context.Context, iteration int, taskID, strategyModel, hintModel string) error {
	if l.runs == nil {
		return nil
	}
	return l.runs.RecordModelOverride(ctx, iteration, taskID, strategyModel, hintModel)
}

func (l *Loop) journal(ctx context.Context, t *dag.Task, iteration int, outcome, model string, duration time.Duration, files []string, notes string) error {
	if l.runs == nil {
		return nil
	}
	_, err := l.runs.AppendJournal(ctx, sqlite.JournalEntry{
		RunID:         l.identity.RunID,
		Iteration:     iteration,
		TaskID:        t.ID,
		FeatureID:     t.FeatureID,
		Outcome:       outcome,
		Model:         model,
		Duration:      duration,
		FilesModified: files,
		Notes:         notes,
	})
	return err
}

func (l *Loop) upsertKnowledge(entries []sigil.Knowledge) error {
	if l.knowledge == nil {
		return nil
	}
	for _, k := range entries {
		if len(k.Tags) == 0 {
			l.log.Warn("runloop: knowledge entry rejected, no tags", "title", k.Title)
			continue
		}
		if _, err := l.knowledge.Upsert(k.Title, k.Tags, k.Body); err != nil {
			return fmt.Errorf("runloop: upsert knowledge %q: %w", k.Title, err)
		}
	}
	return nil
}

// signalForOutcome maps a journal outcome bucket onto the model-strategy
// signal consulted by the next iteration's Choose call.
func signalForOutcome(outcome string) modelstrategy.Signal {
	switch outcome {
	case "done":
		return modelstrategy.SignalClean
	case "retried", "blocked":
		return modelstrategy.SignalDistressModerate
	case "failed":
		return modelstrategy.SignalDistressSevere
	default:
		return modelstrategy.SignalNone
	}
}
