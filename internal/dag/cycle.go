package dag

import "context"

// WouldCreateCycle reports whether adding a dependency edge blockerID ->
// blockedID (blockedID cannot leave pending until blockerID reaches done)
// would create a cycle in the dependency graph. It walks backward from
// blockerID through its own blockers: if blockedID is reachable that way,
// blockerID already (transitively) waits on blockedID completing, and the
// new edge would close a loop.
func (e *Engine) WouldCreateCycle(ctx context.Context, blockerID, blockedID string) (bool, error) {
	if blockerID == blockedID {
		return true, nil
	}
	visited := map[string]bool{blockerID: true}
	queue := []string{blockerID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		blockers, err := e.store.BlockersOf(ctx, current)
		if err != nil {
			return false, err
		}
		for _, b := range blockers {
			if b.ID == blockedID {
				return true, nil
			}
			if !visited[b.ID] {
				visited[b.ID] = true
				queue = append(queue, b.ID)
			}
		}
	}
	return false, nil
}

// AddDependency validates the new edge against cycle formation before
// writing it, and, if blockedID is currently pending, moves it to blocked
// (spec.md §4.1's explicit pending -> blocked transition) since it now has
// an unresolved blocker.
func (e *Engine) AddDependency(ctx context.Context, blockerID, blockedID string) error {
	blocker, err := e.getTask(ctx, blockerID)
	if err != nil {
		return err
	}
	blocked, err := e.getTask(ctx, blockedID)
	if err != nil {
		return err
	}
	cyclic, err := e.WouldCreateCycle(ctx, blockerID, blockedID)
	if err != nil {
		return err
	}
	if cyclic {
		return &ConflictError{Reason: "adding dependency " + blockerID + " -> " + blockedID + " would create a cycle"}
	}
	if err := e.store.AddDependency(ctx, blockerID, blockedID); err != nil {
		return err
	}
	if blocker.Status != StatusDone && blocked.Status == StatusPending {
		return e.BlockExplicit(ctx, blockedID)
	}
	return nil
}

// RemoveDependency deletes the edge and, if blockedID is blocked solely
// because of unresolved blockers, unblocks it back to pending.
func (e *Engine) RemoveDependency(ctx context.Context, blockerID, blockedID string) error {
	if err := e.store.RemoveDependency(ctx, blockerID, blockedID); err != nil {
		return err
	}
	blocked, err := e.getTask(ctx, blockedID)
	if err != nil {
		return err
	}
	if blocked.Status != StatusBlocked {
		return nil
	}
	blockers, err := e.store.BlockersOf(ctx, blockedID)
	if err != nil {
		return err
	}
	if len(blockers) == 0 || allDone(blockers) {
		return e.store.SetTaskStatus(ctx, blockedID, StatusPending)
	}
	return nil
}
