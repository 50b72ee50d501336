package dag

import "context"

// Store is the persistence port for the DAG engine. Engine (engine.go)
// drives every mutation through this interface so the state machine can
// be tested against an in-memory fake; internal/store/sqlite provides the
// production implementation described in spec.md §4.5.
//
// Implementations must apply each method's write atomically: a failure
// partway through must leave no partial state (spec.md §7 propagation
// policy).
type Store interface {
	// --- tasks ---

	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// SetTaskStatus performs a direct (non-cascading) status write. Callers
	// that need state-machine validation and cascades use Engine, not this
	// method directly.
	SetTaskStatus(ctx context.Context, id string, status Status) error
	UpdateTask(ctx context.Context, t *Task) error
	DeleteTask(ctx context.Context, id string) error

	// ChildrenOf returns the direct children of a task (empty for leaves).
	ChildrenOf(ctx context.Context, parentID string) ([]*Task, error)
	// BlockersOf returns the tasks that must complete before id may run.
	BlockersOf(ctx context.Context, id string) ([]*Task, error)
	// DependentsOf returns the tasks that list id as a blocker.
	DependentsOf(ctx context.Context, id string) ([]*Task, error)

	// ReadySet returns tasks satisfying the ready predicate (spec.md
	// invariant 1), ordered by priority ascending then created_at
	// ascending. featureID and taskID scope the query when non-empty;
	// at most one of them should be set by callers.
	ReadySet(ctx context.Context, featureID, taskID string) ([]*Task, error)

	// AllTasks returns every task in the DAG, optionally scoped to a
	// feature (empty featureID means unscoped).
	AllTasks(ctx context.Context, featureID string) ([]*Task, error)

	// --- dependencies ---

	AddDependency(ctx context.Context, blockerID, blockedID string) error
	RemoveDependency(ctx context.Context, blockerID, blockedID string) error
	AllDependencies(ctx context.Context) ([]Dependency, error)

	// --- logs ---

	AppendLog(ctx context.Context, taskID, message string) (*LogEntry, error)
	LastLog(ctx context.Context, taskID string) (*LogEntry, error)
	Logs(ctx context.Context, taskID string) ([]LogEntry, error)

	// --- features ---

	CreateFeature(ctx context.Context, f *Feature) error
	GetFeature(ctx context.Context, id string) (*Feature, error)
	SetFeatureStatus(ctx context.Context, id string, status FeatureStatus) error
	DeleteFeature(ctx context.Context, id string) error
	TasksOf(ctx context.Context, featureID string) ([]*Task, error)

	// TaskExists is used by the id generator's collision-retry loop.
	TaskExists(ctx context.Context, id string) (bool, error)
	FeatureExists(ctx context.Context, id string) (bool, error)
}
