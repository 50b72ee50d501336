package runloop

import (
	"context"
	"sort"
	"time"

	"github.com/RefoundAI/ralph-sub000/internal/dag"
)

// fakeStore mirrors internal/dag's own test fake; runloop needs its own
// copy since dag's is unexported to its package.
type fakeStore struct {
	tasks    map[string]*dag.Task
	deps     []dag.Dependency
	logs     map[string][]dag.LogEntry
	features map[string]*dag.Feature
	nextLog  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:    make(map[string]*dag.Task),
		logs:     make(map[string][]dag.LogEntry),
		features: make(map[string]*dag.Feature),
	}
}

func (s *fakeStore) clone(t *dag.Task) *dag.Task {
	cp := *t
	cp.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

func (s *fakeStore) CreateTask(ctx context.Context, t *dag.Task) error {
	s.tasks[t.ID] = s.clone(t)
	return nil
}

func (s *fakeStore) GetTask(ctx context.Context, id string) (*dag.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return s.clone(t), nil
}

func (s *fakeStore) SetTaskStatus(ctx context.Context, id string, status dag.Status) error {
	t, ok := s.tasks[id]
	if !ok {
		return &dag.NotFoundError{Kind: "task", ID: id}
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) UpdateTask(ctx context.Context, t *dag.Task) error {
	if _, ok := s.tasks[t.ID]; !ok {
		return &dag.NotFoundError{Kind: "task", ID: t.ID}
	}
	s.tasks[t.ID] = s.clone(t)
	return nil
}

func (s *fakeStore) DeleteTask(ctx context.Context, id string) error {
	delete(s.tasks, id)
	return nil
}

func (s *fakeStore) ChildrenOf(ctx context.Context, parentID string) ([]*dag.Task, error) {
	var out []*dag.Task
	for _, t := range s.tasks {
		if t.ParentID == parentID {
			out = append(out, s.clone(t))
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *fakeStore) BlockersOf(ctx context.Context, id string) ([]*dag.Task, error) {
	var out []*dag.Task
	for _, d := range s.deps {
		if d.BlockedID == id {
			if t, ok := s.tasks[d.BlockerID]; ok {
				out = append(out, s.clone(t))
			}
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *fakeStore) DependentsOf(ctx context.Context, id string) ([]*dag.Task, error) {
	var out []*dag.Task
	for _, d := range s.deps {
		if d.BlockerID == id {
			if t, ok := s.tasks[d.BlockedID]; ok {
				out = append(out, s.clone(t))
			}
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *fakeStore) ReadySet(ctx context.Context, featureID, taskID string) ([]*dag.Task, error) {
	var out []*dag.Task
	for _, t := range s.tasks {
		if featureID != "" && t.FeatureID != featureID {
			continue
		}
		if taskID != "" && t.ID != taskID {
			continue
		}
		blockers, _ := s.BlockersOf(ctx, t.ID)
		hasChildren := s.hasChildren(t.ID)
		var parent *dag.Task
		if t.ParentID != "" {
			parent = s.tasks[t.ParentID]
		}
		if dag.IsReady(t, blockers, hasChildren, parent) {
			out = append(out, s.clone(t))
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *fakeStore) hasChildren(parentID string) bool {
	for _, t := range s.tasks {
		if t.ParentID == parentID {
			return true
		}
	}
	return false
}

func (s *fakeStore) AllTasks(ctx context.Context, featureID string) ([]*dag.Task, error) {
	var out []*dag.Task
	for _, t := range s.tasks {
		if featureID == "" || t.FeatureID == featureID {
			out = append(out, s.clone(t))
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *fakeStore) AddDependency(ctx context.Context, blockerID, blockedID string) error {
	s.deps = append(s.deps, dag.Dependency{BlockerID: blockerID, BlockedID: blockedID})
	return nil
}

func (s *fakeStore) RemoveDependency(ctx context.Context, blockerID, blockedID string) error {
	out := s.deps[:0]
	for _, d := range s.deps {
		if d.BlockerID == blockerID && d.BlockedID == blockedID {
			continue
		}
		out = append(out, d)
	}
	s.deps = out
	return nil
}

func (s *fakeStore) AllDependencies(ctx context.Context) ([]dag.Dependency, error) {
	return append([]dag.Dependency{}, s.deps...), nil
}

func (s *fakeStore) AppendLog(ctx context.Context, taskID, message string) (*dag.LogEntry, error) {
	s.nextLog++
	entry := dag.LogEntry{ID: s.nextLog, TaskID: taskID, Message: message, CreatedAt: time.Now()}
	s.logs[taskID] = append(s.logs[taskID], entry)
	return &entry, nil
}

func (s *fakeStore) LastLog(ctx context.Context, taskID string) (*dag.LogEntry, error) {
	entries := s.logs[taskID]
	if len(entries) == 0 {
		return nil, nil
	}
	e := entries[len(entries)-1]
	return &e, nil
}

func (s *fakeStore) Logs(ctx context.Context, taskID string) ([]dag.LogEntry, error) {
	return append([]dag.LogEntry{}, s.logs[taskID]...), nil
}

func (s *fakeStore) CreateFeature(ctx context.Context, f *dag.Feature) error {
	cp := *f
	s.features[f.ID] = &cp
	return nil
}

func (s *fakeStore) GetFeature(ctx context.Context, id string) (*dag.Feature, error) {
	f, ok := s.features[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (s *fakeStore) SetFeatureStatus(ctx context.Context, id string, status dag.FeatureStatus) error {
	f, ok := s.features[id]
	if !ok {
		return &dag.NotFoundError{Kind: "feature", ID: id}
	}
	f.Status = status
	f.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) DeleteFeature(ctx context.Context, id string) error {
	delete(s.features, id)
	return nil
}

func (s *fakeStore) TasksOf(ctx context.Context, featureID string) ([]*dag.Task, error) {
	return s.AllTasks(ctx, featureID)
}

func (s *fakeStore) TaskExists(ctx context.Context, id string) (bool, error) {
	_, ok := s.tasks[id]
	return ok, nil
}

func (s *fakeStore) FeatureExists(ctx context.Context, id string) (bool, error) {
	_, ok := s.features[id]
	return ok, nil
}

func sortTasks(tasks []*dag.Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}

func newTask(id string, status dag.Status) *dag.Task {
	return &dag.Task{
		ID:                 id,
		Title:              id,
		Status:             status,
		MaxRetries:         3,
		VerificationStatus: dag.VerificationPending,
		Metadata:           map[string]string{},
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
}
