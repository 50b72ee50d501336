package dag

import (
	"context"
	"fmt"
	"time"
)

// validTransitions enumerates every state-machine-legal move. Anything not
// listed here is rejected by transition() with an InvalidTransitionError.
// done is terminal under the machine; the only writes that leave it are the
// two direct exceptions (Reset, ForceFailFromDone) which bypass this table
// entirely.
var validTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusInProgress: true, StatusBlocked: true},
	StatusInProgress: {StatusDone: true, StatusFailed: true, StatusPending: true},
	StatusBlocked:    {StatusPending: true},
	StatusFailed:     {StatusPending: true},
	StatusDone:       {},
}

// Engine drives the status state machine and its cascades over a Store.
// It has no goroutines and no internal locking of its own: spec.md's
// concurrency model keeps one DAG mutation in flight at a time per
// process, driven synchronously from the run loop.
type Engine struct {
	store Store
}

// New constructs an Engine over the given store.
func New(store Store) *Engine {
	return &Engine{store: store}
}

// transition validates and performs a bare status write (no claimed_by
// bookkeeping, no cascades). Cascades and claim bookkeeping are layered on
// by the named operations below.
func (e *Engine) transition(ctx context.Context, t *Task, to Status) error {
	allowed := validTransitions[t.Status]
	if !allowed[to] {
		return &InvalidTransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	return e.store.SetTaskStatus(ctx, t.ID, to)
}

func (e *Engine) getTask(ctx context.Context, id string) (*Task, error) {
	t, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, &NotFoundError{Kind: "task", ID: id}
	}
	return t, nil
}

// Claim performs pending -> in_progress and stamps claimed_by. Invariant 4
// requires claimed_by be set iff status is in_progress, so the two writes
// happen together.
func (e *Engine) Claim(ctx context.Context, taskID, agentID string) (*Task, error) {
	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.transition(ctx, t, StatusInProgress); err != nil {
		return nil, err
	}
	t.Status = StatusInProgress
	t.ClaimedBy = agentID
	t.UpdatedAt = time.Now()
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Release performs in_progress -> pending and clears claimed_by. Used both
// for voluntary release (no sigil matched, tool/protocol error) and for the
// self-deadlock recovery path (spec.md §4.2).
func (e *Engine) Release(ctx context.Context, taskID string) error {
	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.transition(ctx, t, StatusPending); err != nil {
		return err
	}
	t.Status = StatusPending
	t.ClaimedBy = ""
	t.UpdatedAt = time.Now()
	return e.store.UpdateTask(ctx, t)
}

// RetryInProgress performs in_progress -> pending as part of the
// verification-retry flow: increments retry_count (invariant 7 caps it at
// max_retries), records verification_status = failed, clears claimed_by,
// and appends the failure reason to the task log. Returns an error if the
// task has no retries remaining; callers should check RetriesRemaining
// first and call Fail instead when exhausted.
func (e *Engine) RetryInProgress(ctx context.Context, taskID, reason string) error {
	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.RetryCount >= t.MaxRetries {
		return &ValidationError{Reason: fmt.Sprintf("task %q has no retries remaining (%d/%d)", taskID, t.RetryCount, t.MaxRetries)}
	}
	if err := e.transition(ctx, t, StatusPending); err != nil {
		return err
	}
	t.Status = StatusPending
	t.ClaimedBy = ""
	t.RetryCount++
	t.VerificationStatus = VerificationFailed
	t.UpdatedAt = time.Now()
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	_, err = e.store.AppendLog(ctx, taskID, reason)
	return err
}

// RetryFailed performs failed -> pending, the explicit operator-facing
// retry of a task already in the terminal failed state.
func (e *Engine) RetryFailed(ctx context.Context, taskID string) error {
	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.transition(ctx, t, StatusPending); err != nil {
		return err
	}
	t.Status = StatusPending
	t.ClaimedBy = ""
	t.UpdatedAt = time.Now()
	return e.store.UpdateTask(ctx, t)
}

// Complete performs in_progress -> done, clears claimed_by, and runs the
// done cascade (unblock dependents, roll up parent completion, roll up
// feature completion or failure), in that fixed order. It returns the ordered list of
// cascading events for observability.
func (e *Engine) Complete(ctx context.Context, taskID string) ([]Event, error) {
	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.transition(ctx, t, StatusDone); err != nil {
		return nil, err
	}
	t.Status = StatusDone
	t.ClaimedBy = ""
	t.VerificationStatus = VerificationPassed
	t.UpdatedAt = time.Now()
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	return e.cascadeDone(ctx, t)
}

// Fail performs in_progress -> failed, clears claimed_by, logs reason, and
// runs the failed cascade (parent failure roll-up, feature failure
// roll-up).
func (e *Engine) Fail(ctx context.Context, taskID, reason string) ([]Event, error) {
	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.transition(ctx, t, StatusFailed); err != nil {
		return nil, err
	}
	t.Status = StatusFailed
	t.ClaimedBy = ""
	t.UpdatedAt = time.Now()
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	if reason != "" {
		if _, err := e.store.AppendLog(ctx, taskID, reason); err != nil {
			return nil, err
		}
	}
	return e.cascadeFailed(ctx, t)
}

// BlockExplicit performs pending -> blocked, used when a new blocker edge
// is added to a task that is currently pending (spec.md §4.1 state
// machine).
func (e *Engine) BlockExplicit(ctx context.Context, taskID string) error {
	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := e.transition(ctx, t, StatusBlocked); err != nil {
		return err
	}
	return e.store.SetTaskStatus(ctx, taskID, StatusBlocked)
}

// Reset performs the done -> pending direct write. It is one of the two
// exceptions to the state machine table, intended for operator
// intervention; it bypasses transition() entirely.
func (e *Engine) Reset(ctx context.Context, taskID string) error {
	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return err
	}
	t.Status = StatusPending
	t.ClaimedBy = ""
	t.UpdatedAt = time.Now()
	return e.store.UpdateTask(ctx, t)
}

// ForceFailFromDone performs the done -> failed direct write, the second
// exception to the state machine table.
func (e *Engine) ForceFailFromDone(ctx context.Context, taskID, reason string) ([]Event, error) {
	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	t.Status = StatusFailed
	t.ClaimedBy = ""
	t.UpdatedAt = time.Now()
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	if reason != "" {
		if _, err := e.store.AppendLog(ctx, taskID, reason); err != nil {
			return nil, err
		}
	}
	return e.cascadeFailed(ctx, t)
}

// ForceComplete steps a task through whatever intermediate states are
// required to reach done from its current status (e.g. failed -> pending
// -> in_progress -> done), running the machine at each step so cascades
// fire normally. It is intended for operator intervention, not the run
// loop.
func (e *Engine) ForceComplete(ctx context.Context, taskID, agentID string) ([]Event, error) {
	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case StatusDone:
		return nil, nil
	case StatusFailed:
		if err := e.RetryFailed(ctx, taskID); err != nil {
			return nil, err
		}
	case StatusBlocked:
		if err := e.store.SetTaskStatus(ctx, taskID, StatusPending); err != nil {
			return nil, err
		}
	}
	t, err = e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusPending {
		if _, err := e.Claim(ctx, taskID, agentID); err != nil {
			return nil, err
		}
	}
	return e.Complete(ctx, taskID)
}

// ForceFail steps a task through whatever intermediate states are required
// to reach failed from its current status.
func (e *Engine) ForceFail(ctx context.Context, taskID, agentID, reason string) ([]Event, error) {
	t, err := e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusDone {
		return e.ForceFailFromDone(ctx, taskID, reason)
	}
	if t.Status == StatusFailed {
		return nil, nil
	}
	switch t.Status {
	case StatusBlocked:
		if err := e.store.SetTaskStatus(ctx, taskID, StatusPending); err != nil {
			return nil, err
		}
	}
	t, err = e.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == StatusPending {
		if _, err := e.Claim(ctx, taskID, agentID); err != nil {
			return nil, err
		}
	}
	return e.Fail(ctx, taskID, reason)
}

// --- cascades ---

func (e *Engine) cascadeDone(ctx context.Context, t *Task) ([]Event, error) {
	var events []Event

	unblockEvents, err := e.unblockDependents(ctx, t.ID)
	if err != nil {
		return events, err
	}
	events = append(events, unblockEvents...)

	parentEvents, err := e.cascadeParentCompletion(ctx, t.ParentID)
	if err != nil {
		return events, err
	}
	events = append(events, parentEvents...)

	featureEvents, err := e.cascadeFeatureCompletion(ctx, t.FeatureID)
	if err != nil {
		return events, err
	}
	events = append(events, featureEvents...)

	featureFailEvents, err := e.cascadeFeatureFailure(ctx, t.FeatureID)
	if err != nil {
		return events, err
	}
	events = append(events, featureFailEvents...)

	return events, nil
}

func (e *Engine) cascadeFailed(ctx context.Context, t *Task) ([]Event, error) {
	var events []Event

	parentEvents, err := e.cascadeParentFailure(ctx, t.ParentID)
	if err != nil {
		return events, err
	}
	events = append(events, parentEvents...)

	featureEvents, err := e.cascadeFeatureFailure(ctx, t.FeatureID)
	if err != nil {
		return events, err
	}
	events = append(events, featureEvents...)

	return events, nil
}

// unblockDependents transitions every blocked dependent of taskID to
// pending once all of its blockers are done.
func (e *Engine) unblockDependents(ctx context.Context, taskID string) ([]Event, error) {
	dependents, err := e.store.DependentsOf(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var events []Event
	for _, dep := range dependents {
		if dep.Status != StatusBlocked {
			continue
		}
		blockers, err := e.store.BlockersOf(ctx, dep.ID)
		if err != nil {
			return events, err
		}
		if !allDone(blockers) {
			continue
		}
		if err := e.store.SetTaskStatus(ctx, dep.ID, StatusPending); err != nil {
			return events, err
		}
		events = append(events, Event{Kind: EventUnblocked, TaskID: dep.ID})
	}
	return events, nil
}

// cascadeParentCompletion walks upward from parentID, marking each
// ancestor done (via a direct write, never re-entering the state machine)
// as long as every one of its children has reached done.
func (e *Engine) cascadeParentCompletion(ctx context.Context, parentID string) ([]Event, error) {
	var events []Event
	for parentID != "" {
		parent, err := e.store.GetTask(ctx, parentID)
		if err != nil {
			return events, err
		}
		if parent == nil || parent.Status == StatusDone {
			return events, nil
		}
		children, err := e.store.ChildrenOf(ctx, parentID)
		if err != nil {
			return events, err
		}
		if !allDone(children) {
			return events, nil
		}
		if err := e.store.SetTaskStatus(ctx, parentID, StatusDone); err != nil {
			return events, err
		}
		events = append(events, Event{Kind: EventParentCompleted, TaskID: parentID})
		parentID = parent.ParentID
	}
	return events, nil
}

// cascadeParentFailure walks upward from parentID, marking each ancestor
// failed via a direct write.
func (e *Engine) cascadeParentFailure(ctx context.Context, parentID string) ([]Event, error) {
	var events []Event
	for parentID != "" {
		parent, err := e.store.GetTask(ctx, parentID)
		if err != nil {
			return events, err
		}
		if parent == nil || parent.Status == StatusFailed {
			return events, nil
		}
		if err := e.store.SetTaskStatus(ctx, parentID, StatusFailed); err != nil {
			return events, err
		}
		events = append(events, Event{Kind: EventParentFailed, TaskID: parentID})
		parentID = parent.ParentID
	}
	return events, nil
}

func (e *Engine) cascadeFeatureCompletion(ctx context.Context, featureID string) ([]Event, error) {
	if featureID == "" {
		return nil, nil
	}
	tasks, err := e.store.TasksOf(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if anyFailed(tasks) || !allDone(tasks) {
		return nil, nil
	}
	if err := e.store.SetFeatureStatus(ctx, featureID, FeatureDone); err != nil {
		return nil, err
	}
	return []Event{{Kind: EventFeatureDone, FeatureID: featureID}}, nil
}

func (e *Engine) cascadeFeatureFailure(ctx context.Context, featureID string) ([]Event, error) {
	if featureID == "" {
		return nil, nil
	}
	tasks, err := e.store.TasksOf(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if !allResolved(tasks) || !anyFailed(tasks) {
		return nil, nil
	}
	if err := e.store.SetFeatureStatus(ctx, featureID, FeatureFailed); err != nil {
		return nil, err
	}
	return []Event{{Kind: EventFeatureFailed, FeatureID: featureID}}, nil
}

func allDone(tasks []*Task) bool {
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if t.Status != StatusDone {
			return false
		}
	}
	return true
}

func allResolved(tasks []*Task) bool {
	for _, t := range tasks {
		if t.Status != StatusDone && t.Status != StatusFailed {
			return false
		}
	}
	return true
}

func anyFailed(tasks []*Task) bool {
	for _, t := range tasks {
		if t.Status == StatusFailed {
			return true
		}
	}
	return false
}
