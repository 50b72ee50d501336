package runloop

import (
	"context"
	"fmt"

	"github.com/RefoundAI/ralph-sub000/internal/agentsession"
	"github.com/RefoundAI/ralph-sub000/internal/dag"
	"github.com/RefoundAI/ralph-sub000/internal/sigil"
)

type verifyOutcome int

const (
	verifyPass verifyOutcome = iota
	verifyRetry
	verifyExhausted
)

// runVerification implements spec.md §4.4's verification sub-session: a
// read-only agent session that restates the task and asks for a
// verify-pass/verify-fail sigil. A user interrupt during verification is
// treated as fail (so the task retries), per spec.md §4.4.
func (l *Loop) runVerification(ctx context.Context, t *dag.Task, model string, iteration int) (verifyOutcome, string, error) {
	prompt, err := l.buildVerificationPrompt(ctx, t)
	if err != nil {
		return verifyOutcomeForRetryBudget(t), "", err
	}

	sess := l.newSession(agentsession.Config{
		Command:     l.cfg.AgentCommand,
		ProjectRoot: l.cfg.ProjectRoot,
		Model:       model,
		Iteration:   iteration,
		Total:       l.cfg.Limit,
		Mode:        agentsession.ModeReadOnly,
	}, l.cfg.UI)

	result, err := sess.Run(ctx, prompt, l.interrupt)
	if err != nil {
		return verifyOutcomeForRetryBudget(t), fmt.Sprintf("verification session error: %v", err), nil
	}
	if result.StopReason == agentsession.StopCancelled {
		return verifyOutcomeForRetryBudget(t), "verification interrupted by user", nil
	}

	set := sigil.Extract(result.Text)
	if set.VerifyPass {
		return verifyPass, "", nil
	}
	if set.HasVerifyFail() {
		return verifyOutcomeForRetryBudget(t), set.VerifyFail, nil
	}
	return verifyOutcomeForRetryBudget(t), "verifier emitted no verify-pass or verify-fail sigil", nil
}

func verifyOutcomeForRetryBudget(t *dag.Task) verifyOutcome {
	if t.RetryCount < t.MaxRetries {
		return verifyRetry
	}
	return verifyExhausted
}
