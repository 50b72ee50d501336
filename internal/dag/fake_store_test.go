package dag

import (
	"context"
	"sort"
	"time"
)

// fakeStore is a minimal in-memory Store used to unit test Engine's state
// machine and cascade logic without a database.
type fakeStore struct {
	tasks    map[string]*Task
	deps     []Dependency
	logs     map[string][]LogEntry
	features map[string]*Feature
	nextLog  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:    make(map[string]*Task),
		logs:     make(map[string][]LogEntry),
		features: make(map[string]*Feature),
	}
}

func (s *fakeStore) clone(t *Task) *Task {
	cp := *t
	cp.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

func (s *fakeStore) CreateTask(ctx context.Context, t *Task) error {
	s.tasks[t.ID] = s.clone(t)
	return nil
}

func (s *fakeStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return s.clone(t), nil
}

func (s *fakeStore) SetTaskStatus(ctx context.Context, id string, status Status) error {
	t, ok := s.tasks[id]
	if !ok {
		return &NotFoundError{Kind: "task", ID: id}
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) UpdateTask(ctx context.Context, t *Task) error {
	if _, ok := s.tasks[t.ID]; !ok {
		return &NotFoundError{Kind: "task", ID: t.ID}
	}
	s.tasks[t.ID] = s.clone(t)
	return nil
}

func (s *fakeStore) DeleteTask(ctx context.Context, id string) error {
	delete(s.tasks, id)
	return nil
}

func (s *fakeStore) ChildrenOf(ctx context.Context, parentID string) ([]*Task, error) {
	var out []*Task
	for _, t := range s.tasks {
		if t.ParentID == parentID {
			out = append(out, s.clone(t))
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *fakeStore) BlockersOf(ctx context.Context, id string) ([]*Task, error) {
	var out []*Task
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

func (s *fakeStore) DependentsOf(ctx context.Context, id string) ([]*Task, error) {
	var out []*Task
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

func (s *fakeStore) ReadySet(ctx context.Context, featureID, taskID string) ([]*Task, error) {
	var out []*Task
	for _, t := range s.tasks {
		if featureID != "" && t.FeatureID != featureID {
			continue
		}
		if taskID != "" && t.ID != taskID {
			continue
		}
		blockers, _ := s.BlockersOf(ctx, t.ID)
		hasChildren := s.hasChildren(t.ID)
		var parent *Task
		if t.ParentID != "" {
			parent = s.tasks[t.ParentID]
		}
		if IsReady(t, blockers, hasChildren, parent) {
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

func (s *fakeStore) AllTasks(ctx context.Context, featureID string) ([]*Task, error) {
	var out []*Task
	for _, t := range s.tasks {
		if featureID == "" || t.FeatureID == featureID {
			out = append(out, s.clone(t))
		}
	}
	sortTasks(out)
	return out, nil
}

func (s *fakeStore) AddDependency(ctx context.Context, blockerID, blockedID string) error {
	s.deps = append(s.deps, Dependency{BlockerID: blockerID, BlockedID: blockedID})
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

func (s *fakeStore) AllDependencies(ctx context.Context) ([]Dependency, error) {
	return append([]Dependency{}, s.deps...), nil
}

func (s *fakeStore) AppendLog(ctx context.Context, taskID, message string) (*LogEntry, error) {
	s.nextLog++
	entry := LogEntry{ID: s.nextLog, TaskID: taskID, Message: message, CreatedAt: time.Now()}
	s.logs[taskID] = append(s.logs[taskID], entry)
	return &entry, nil
}

func (s *fakeStore) LastLog(ctx context.Context, taskID string) (*LogEntry, error) {
	entries := s.logs[taskID]
	if len(entries) == 0 {
		return nil, nil
	}
	e := entries[len(entries)-1]
	return &e, nil
}

func (s *fakeStore) Logs(ctx context.Context, taskID string) ([]LogEntry, error) {
	return append([]LogEntry{}, s.logs[taskID]...), nil
}

func (s *fakeStore) CreateFeature(ctx context.Context, f *Feature) error {
	cp := *f
	s.features[f.ID] = &cp
	return nil
}

func (s *fakeStore) GetFeature(ctx context.Context, id string) (*Feature, error) {
	f, ok := s.features[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (s *fakeStore) SetFeatureStatus(ctx context.Context, id string, status FeatureStatus) error {
	f, ok := s.features[id]
	if !ok {
		return &NotFoundError{Kind: "feature", ID: id}
	}
	f.Status = status
	f.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) DeleteFeature(ctx context.Context, id string) error {
	delete(s.features, id)
	return nil
}

func (s *fakeStore) TasksOf(ctx context.Context, featureID string) ([]*Task, error) {
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

func sortTasks(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}

func newTask(id string, status Status) *Task {
	return &Task{
		ID:                 id,
		Title:              id,
		Status:             status,
		MaxRetries:         3,
		VerificationStatus: VerificationPending,
		Metadata:           map[string]string{},
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
}
