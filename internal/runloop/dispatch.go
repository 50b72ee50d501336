package runloop

import (
	"context"
	"fmt"

	"github.com/RefoundAI/ralph-sub000/internal/agentsession"
	"github.com/RefoundAI/ralph-sub000/internal/dag"
	"github.com/RefoundAI/ralph-sub000/internal/modelstrategy"
	"github.com/RefoundAI/ralph-sub000/internal/sigil"
)

// dispatchStopReason implements spec.md §4.2 step 8: map the agent
// session's stop reason onto a DAG mutation (or none) and a journal
// outcome bucket. The returned Outcome is non-empty only for the
// whole-run-ending Failure short-circuit; every other path keeps the loop
// running.
func (l *Loop) dispatchStopReason(ctx context.Context, t *dag.Task, result *agentsession.Result, iteration int, model string, hint **modelstrategy.Tier) (string, Outcome, error) {
	switch result.StopReason {
	case agentsession.StopMaxTokens, agentsession.StopMaxTurnRequests:
		if err := l.engine.Release(ctx, t.ID); err != nil {
			return "", "", err
		}
		if err := l.journal(ctx, t, iteration, "blocked", model, result.Duration, result.FilesModified, ""); err != nil {
			return "", "", err
		}
		return "blocked", "", nil

	case agentsession.StopRefusal:
		if _, err := l.engine.Fail(ctx, t.ID, "agent refused the task"); err != nil {
			return "", "", err
		}
		if err := l.journal(ctx, t, iteration, "failed", model, result.Duration, result.FilesModified, ""); err != nil {
			return "", "", err
		}
		return "failed", "", nil

	case agentsession.StopEndTurn:
		return l.dispatchSigils(ctx, t, result, iteration, model, hint)

	default:
		if err := l.engine.Release(ctx, t.ID); err != nil {
			return "", "", err
		}
		if err := l.journal(ctx, t, iteration, "blocked", model, result.Duration, result.FilesModified, ""); err != nil {
			return "", "", err
		}
		return "blocked", "", nil
	}
}

// dispatchSigils implements spec.md §4.2 step 9: extract sigils from the
// accumulated text and apply the DAG mutation they describe.
func (l *Loop) dispatchSigils(ctx context.Context, t *dag.Task, result *agentsession.Result, iteration int, model string, hint **modelstrategy.Tier) (string, Outcome, error) {
	set := sigil.Extract(result.Text)

	if set.Failure {
		return "", OutcomeFailure, nil
	}

	var outcome string
	switch {
	case set.TaskDone == t.ID:
		// Open question 2: when both task-done and task-failed name this
		// task, done wins. Checking TaskDone first preserves that.
		kind, err := l.resolveTaskDone(ctx, t, model, iteration)
		if err != nil {
			return "", "", err
		}
		outcome = kind

	case set.TaskFailed == t.ID:
		if _, err := l.engine.Fail(ctx, t.ID, "agent emitted task-failed"); err != nil {
			return "", "", err
		}
		outcome = "failed"

	case set.TaskDone != "" || set.TaskFailed != "":
		// Open question 3: a mismatched id leaves the claim in place for an
		// operator to reset explicitly.
		l.log.Warn("runloop: sigil task id mismatch, claim left in place",
			"task", t.ID, "task_done", set.TaskDone, "task_failed", set.TaskFailed)
		outcome = "blocked"

	default:
		if err := l.engine.Release(ctx, t.ID); err != nil {
			return "", "", err
		}
		outcome = "blocked"
	}

	if err := l.journal(ctx, t, iteration, outcome, model, result.Duration, result.FilesModified, set.Journal); err != nil {
		return "", "", err
	}
	if err := l.upsertKnowledge(set.Knowledge); err != nil {
		l.log.Warn("runloop: knowledge upsert failed", "error", err)
	}
	if set.NextModel != "" {
		if tier, ok := modelstrategy.TierFromWire(set.NextModel); ok {
			*hint = &tier
		}
	}
	return outcome, "", nil
}

// resolveTaskDone completes the task directly, or runs the verification
// sub-session first when enabled (spec.md §4.4).
func (l *Loop) resolveTaskDone(ctx context.Context, t *dag.Task, model string, iteration int) (string, error) {
	if !l.cfg.VerifyEnabled {
		if _, err := l.engine.Complete(ctx, t.ID); err != nil {
			return "", err
		}
		return "done", nil
	}

	kind, reason, err := l.runVerification(ctx, t, model, iteration)
	if err != nil {
		return "", err
	}
	switch kind {
	case verifyPass:
		if _, err := l.engine.Complete(ctx, t.ID); err != nil {
			return "", err
		}
		return "done", nil
	case verifyRetry:
		if err := l.engine.RetryInProgress(ctx, t.ID, reason); err != nil {
			return "", err
		}
		return "retried", nil
	default: // verifyExhausted
		exhaustReason := fmt.Sprintf("%s (exhausted after %d/%d attempts)", reason, t.RetryCount+1, t.MaxRetries)
		if _, err := l.engine.Fail(ctx, t.ID, exhaustReason); err != nil {
			return "", err
		}
		return "failed", nil
	}
}
