package runloop

import (
	"context"
	"testing"
	"time"

	"github.com/RefoundAI/ralph-sub000/internal/agentsession"
	"github.com/RefoundAI/ralph-sub000/internal/dag"
	"github.com/RefoundAI/ralph-sub000/internal/modelstrategy"
	"github.com/RefoundAI/ralph-sub000/internal/signals"
	"github.com/stretchr/testify/require"
)

// fakeSession is a canned sessionRunner: each call to Run returns the next
// entry in results/errs, in order.
type fakeSession struct {
	results []*agentsession.Result
	errs    []error
	calls   int
}

func (f *fakeSession) Run(ctx context.Context, prompt string, interrupt *signals.Flag) (*agentsession.Result, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return &agentsession.Result{StopReason: agentsession.StopEndTurn}, nil
}

func queueFactory(sess *fakeSession) sessionFactory {
	return func(agentsession.Config, agentsession.UIHandler) sessionRunner {
		return sess
	}
}

type fakeLines struct{ lines []string }

func (f *fakeLines) ReadLine() (string, bool) {
	if len(f.lines) == 0 {
		return "", false
	}
	line := f.lines[0]
	f.lines = f.lines[1:]
	return line, true
}

type fakePrinter struct{}

func (fakePrinter) Printf(string, ...any) {}

func newLoop(store dag.Store, sess *fakeSession, cfg Config) *Loop {
	l := New(dag.New(store), store, nil, nil, cfg, nil)
	l.newSession = queueFactory(sess)
	return l
}

// TestHappyPathCompletesTask is spec.md §8 scenario S1.
func TestHappyPathCompletesTask(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.CreateTask(context.Background(), newTask("t-aaaaaaaa", dag.StatusPending)))

	sess := &fakeSession{results: []*agentsession.Result{
		{StopReason: agentsession.StopEndTurn, Text: "<task-done>t-aaaaaaaa</task-done>"},
	}}
	l := newLoop(store, sess, Config{AgentCommand: "claude", ProjectRoot: "."})

	outcome, err := l.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeComplete, outcome)

	task, err := store.GetTask(context.Background(), "t-aaaaaaaa")
	require.NoError(t, err)
	require.Equal(t, dag.StatusDone, task.Status)
	require.Equal(t, 0, outcome.ExitCode())
}

// TestCriticalFailureShortCircuits is spec.md §8 scenario S4: a promise
// FAILURE sigil ends the run without touching DAG state, even when a
// task-done sigil for the same task is also present.
func TestCriticalFailureShortCircuits(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.CreateTask(context.Background(), newTask("t-bbbbbbbb", dag.StatusPending)))

	sess := &fakeSession{results: []*agentsession.Result{
		{StopReason: agentsession.StopEndTurn, Text: "<task-done>t-bbbbbbbb</task-done><promise>FAILURE</promise>"},
	}}
	l := newLoop(store, sess, Config{AgentCommand: "claude", ProjectRoot: "."})

	outcome, err := l.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeFailure, outcome)
	require.Equal(t, 1, outcome.ExitCode())

	task, err := store.GetTask(context.Background(), "t-bbbbbbbb")
	require.NoError(t, err)
	require.Equal(t, dag.StatusInProgress, task.Status)
}

// TestCascadeNeverExecutesParentDirectly is spec.md §8 scenario S3: a
// parent task's pending children run to completion and cascade the parent
// to done, while the parent itself — though pending and blocker-free — is
// never claimed or spawned (invariant 2: a parent task is never directly
// executed).
func TestCascadeNeverExecutesParentDirectly(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	root := newTask("t-root", dag.StatusPending)
	a := newTask("t-a", dag.StatusPending)
	a.ParentID = "t-root"
	b := newTask("t-b", dag.StatusPending)
	b.ParentID = "t-root"
	require.NoError(t, store.CreateTask(ctx, root))
	require.NoError(t, store.CreateTask(ctx, a))
	require.NoError(t, store.CreateTask(ctx, b))
	require.NoError(t, store.AddDependency(ctx, "t-a", "t-b"))

	sess := &fakeSession{results: []*agentsession.Result{
		{StopReason: agentsession.StopEndTurn, Text: "<task-done>t-a</task-done>"},
		{StopReason: agentsession.StopEndTurn, Text: "<task-done>t-b</task-done>"},
	}}
	l := newLoop(store, sess, Config{AgentCommand: "claude", ProjectRoot: "."})

	outcome, err := l.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeComplete, outcome)
	require.Equal(t, 2, sess.calls)

	rootTask, err := store.GetTask(ctx, "t-root")
	require.NoError(t, err)
	require.Equal(t, dag.StatusDone, rootTask.Status)
	require.Empty(t, rootTask.ClaimedBy)
}

// TestDeadlockBlocked is spec.md §8 scenario S6.
func TestDeadlockBlocked(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	a := newTask("t-a", dag.StatusFailed)
	b := newTask("t-b", dag.StatusPending)
	require.NoError(t, store.CreateTask(ctx, a))
	require.NoError(t, store.CreateTask(ctx, b))
	require.NoError(t, store.AddDependency(ctx, "t-a", "t-b"))

	l := newLoop(store, &fakeSession{}, Config{AgentCommand: "claude", ProjectRoot: "."})
	outcome, err := l.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeBlocked, outcome)
	require.Equal(t, 2, outcome.ExitCode())
}

func TestNoPlanOnEmptyDAG(t *testing.T) {
	store := newFakeStore()
	l := newLoop(store, &fakeSession{}, Config{AgentCommand: "claude", ProjectRoot: "."})
	outcome, err := l.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeNoPlan, outcome)
	require.Equal(t, 3, outcome.ExitCode())
}

// TestSelfDeadlockRecovery exercises spec.md §4.2's single-task scope
// recovery of a claim stuck in_progress under this run's own agent id.
func TestSelfDeadlockRecovery(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	stuck := newTask("t-stuck", dag.StatusInProgress)
	stuck.ClaimedBy = signals.CurrentIdentity().AgentID
	require.NoError(t, store.CreateTask(ctx, stuck))

	sess := &fakeSession{results: []*agentsession.Result{
		{StopReason: agentsession.StopEndTurn, Text: "<task-done>t-stuck</task-done>"},
	}}
	l := newLoop(store, sess, Config{AgentCommand: "claude", ProjectRoot: ".", Scope: Scope{TaskID: "t-stuck"}})

	outcome, err := l.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeComplete, outcome)

	task, err := store.GetTask(ctx, "t-stuck")
	require.NoError(t, err)
	require.Equal(t, dag.StatusDone, task.Status)
}

// TestInterruptThenContinue is spec.md §8 scenario S5.
func TestInterruptThenContinue(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.CreateTask(context.Background(), newTask("t-aaaaaaaa", dag.StatusPending)))

	sess := &fakeSession{results: []*agentsession.Result{
		{StopReason: agentsession.StopCancelled},
		{StopReason: agentsession.StopEndTurn, Text: "<task-done>t-aaaaaaaa</task-done>"},
	}}
	lines := &fakeLines{lines: []string{"focus on X", "", "y"}}
	l := newLoop(store, sess, Config{
		AgentCommand: "claude",
		ProjectRoot:  ".",
		Feedback:     lines,
		Output:       fakePrinter{},
	})

	outcome, err := l.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeComplete, outcome)

	task, err := store.GetTask(context.Background(), "t-aaaaaaaa")
	require.NoError(t, err)
	require.Equal(t, dag.StatusDone, task.Status)
	require.Contains(t, task.Description, "User Guidance (iteration 1)")
	require.Contains(t, task.Description, "focus on X")
}

// TestInterruptThenStop covers the decline-to-continue branch of S5.
func TestInterruptThenStop(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.CreateTask(context.Background(), newTask("t-aaaaaaaa", dag.StatusPending)))

	sess := &fakeSession{results: []*agentsession.Result{
		{StopReason: agentsession.StopCancelled},
	}}
	lines := &fakeLines{lines: []string{"", "n"}}
	l := newLoop(store, sess, Config{
		AgentCommand: "claude",
		ProjectRoot:  ".",
		Feedback:     lines,
		Output:       fakePrinter{},
	})

	outcome, err := l.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeInterrupted, outcome)
}

// TestMismatchedSigilLeavesClaimInPlace is open question 3: a task-done id
// that doesn't match the assigned task produces no transition and the
// claim is left for an operator to reset, so the run eventually blocks.
func TestMismatchedSigilLeavesClaimInPlace(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.CreateTask(context.Background(), newTask("t-aaaaaaaa", dag.StatusPending)))

	sess := &fakeSession{results: []*agentsession.Result{
		{StopReason: agentsession.StopEndTurn, Text: "<task-done>t-zzzzzzzz</task-done>"},
	}}
	l := newLoop(store, sess, Config{AgentCommand: "claude", ProjectRoot: ".", Limit: 1})

	outcome, err := l.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeLimitReached, outcome)

	task, err := store.GetTask(context.Background(), "t-aaaaaaaa")
	require.NoError(t, err)
	require.Equal(t, dag.StatusInProgress, task.Status)
}

// TestNextModelHintAppliesToNextIteration checks that a <next-model> sigil
// overrides the strategy's choice starting the following iteration.
func TestNextModelHintAppliesToNextIteration(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, newTask("t-a", dag.StatusPending)))
	require.NoError(t, store.CreateTask(ctx, newTask("t-b", dag.StatusPending)))

	var seenModels []string
	sess := &fakeSession{}
	l := newLoop(store, sess, Config{AgentCommand: "claude", ProjectRoot: ".", StrategyKind: modelstrategy.KindCostOptimized})
	l.newSession = func(cfg agentsession.Config, ui agentsession.UIHandler) sessionRunner {
		seenModels = append(seenModels, cfg.Model)
		switch len(seenModels) {
		case 1:
			return &singleResultSession{result: &agentsession.Result{StopReason: agentsession.StopEndTurn, Text: "<task-done>t-a</task-done><next-model>haiku</next-model>"}}
		default:
			return &singleResultSession{result: &agentsession.Result{StopReason: agentsession.StopEndTurn, Text: "<task-done>t-b</task-done>"}}
		}
	}

	outcome, err := l.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeComplete, outcome)
	require.Equal(t, []string{"sonnet", "haiku"}, seenModels)
}

type singleResultSession struct{ result *agentsession.Result }

func (s *singleResultSession) Run(ctx context.Context, prompt string, interrupt *signals.Flag) (*agentsession.Result, error) {
	return s.result, nil
}

func TestOutcomeExitCodes(t *testing.T) {
	cases := map[Outcome]int{
		OutcomeComplete:     0,
		OutcomeLimitReached: 0,
		OutcomeInterrupted:  0,
		OutcomeFailure:      1,
		OutcomeBlocked:      2,
		OutcomeNoPlan:       3,
	}
	for outcome, code := range cases {
		require.Equal(t, code, outcome.ExitCode(), outcome)
	}
}

func TestJournalSkippedWithoutRunStore(t *testing.T) {
	// A Loop built with a nil RunStore must not panic when asked to journal
	// (used by tests and by CLI modes that disable persistence).
	store := newFakeStore()
	require.NoError(t, store.CreateTask(context.Background(), newTask("t-aaaaaaaa", dag.StatusPending)))
	sess := &fakeSession{results: []*agentsession.Result{
		{StopReason: agentsession.StopEndTurn, Text: "<task-done>t-aaaaaaaa</task-done>", Duration: time.Millisecond},
	}}
	l := newLoop(store, sess, Config{AgentCommand: "claude", ProjectRoot: "."})
	outcome, err := l.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeComplete, outcome)
}
