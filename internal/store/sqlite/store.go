package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RefoundAI/ralph-sub000/internal/dag"
)

// TaskStore implements dag.Store over a DB. It is the production
// persistence port wired into dag.Engine by cmd/ralph.
type TaskStore struct {
	db *DB
}

// NewTaskStore adapts db to the dag.Store port.
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db}
}

var _ dag.Store = (*TaskStore)(nil)

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (map[string]string, error) {
	m := make(map[string]string)
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *TaskStore) CreateTask(ctx context.Context, t *dag.Task) error {
	meta, err := marshalMetadata(t.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata: %w", err)
	}
	_, err = s.db.sql.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, parent_id, feature_id, type, status, priority,
			retry_count, max_retries, verification_status, claimed_by, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.ParentID, t.FeatureID, string(t.Type), string(t.Status), t.Priority,
		t.RetryCount, t.MaxRetries, string(t.VerificationStatus), t.ClaimedBy, meta,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: create task %q: %w", t.ID, err)
	}
	return nil
}

func scanTask(row interface {
	Scan(dest ...any) error
}) (*dag.Task, error) {
	var t dag.Task
	var taskType, status, verification string
	var meta string
	var createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.ParentID, &t.FeatureID, &taskType, &status,
		&t.Priority, &t.RetryCount, &t.MaxRetries, &verification, &t.ClaimedBy, &meta, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = dag.TaskType(taskType)
	t.Status = dag.Status(status)
	t.VerificationStatus = dag.VerificationStatus(verification)
	t.CreatedAt = time.Unix(0, createdAt)
	t.UpdatedAt = time.Unix(0, updatedAt)
	t.Metadata, err = unmarshalMetadata(meta)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const taskColumns = `id, title, description, parent_id, feature_id, type, status, priority,
	retry_count, max_retries, verification_status, claimed_by, metadata, created_at, updated_at`

func (s *TaskStore) GetTask(ctx context.Context, id string) (*dag.Task, error) {
	row := s.db.sql.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get task %q: %w", id, err)
	}
	return t, nil
}

func (s *TaskStore) SetTaskStatus(ctx context.Context, id string, status dag.Status) error {
	res, err := s.db.sql.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("sqlite: set status of %q: %w", id, err)
	}
	return requireRowsAffected(res, "task", id)
}

func requireRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &dag.NotFoundError{Kind: kind, ID: id}
	}
	return nil
}

func (s *TaskStore) UpdateTask(ctx context.Context, t *dag.Task) error {
	meta, err := marshalMetadata(t.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata: %w", err)
	}
	res, err := s.db.sql.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, parent_id = ?, feature_id = ?, type = ?,
			status = ?, priority = ?, retry_count = ?, max_retries = ?, verification_status = ?,
			claimed_by = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		t.Title, t.Description, t.ParentID, t.FeatureID, string(t.Type), string(t.Status), t.Priority,
		t.RetryCount, t.MaxRetries, string(t.VerificationStatus), t.ClaimedBy, meta,
		t.UpdatedAt.UnixNano(), t.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update task %q: %w", t.ID, err)
	}
	return requireRowsAffected(res, "task", t.ID)
}

func (s *TaskStore) DeleteTask(ctx context.Context, id string) error {
	dependents, err := s.DependentsOf(ctx, id)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		ids := make([]string, len(dependents))
		for i, d := range dependents {
			ids[i] = d.ID
		}
		return &dag.ConflictError{Reason: fmt.Sprintf("task %q has dependents", id), Dependents: ids}
	}
	_, err = s.db.sql.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete task %q: %w", id, err)
	}
	return nil
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*dag.Task, error) {
	rows, err := s.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*dag.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TaskStore) ChildrenOf(ctx context.Context, parentID string) ([]*dag.Task, error) {
	tasks, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY created_at ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: children of %q: %w", parentID, err)
	}
	return tasks, nil
}

func (s *TaskStore) BlockersOf(ctx context.Context, id string) ([]*dag.Task, error) {
	tasks, err := s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		JOIN dependencies d ON d.blocker_id = t.id
		WHERE d.blocked_id = ? ORDER BY t.created_at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: blockers of %q: %w", id, err)
	}
	return tasks, nil
}

func (s *TaskStore) DependentsOf(ctx context.Context, id string) ([]*dag.Task, error) {
	tasks, err := s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		JOIN dependencies d ON d.blocked_id = t.id
		WHERE d.blocker_id = ? ORDER BY t.created_at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: dependents of %q: %w", id, err)
	}
	return tasks, nil
}

// ReadySet selects pending, unclaimed, leaf tasks (a parent task is never
// directly executed — invariant 2) whose parent has not failed and which
// have no unresolved blocker (spec.md invariant 1), scoped by featureID or
// taskID when given.
func (s *TaskStore) ReadySet(ctx context.Context, featureID, taskID string) ([]*dag.Task, error) {
	var b strings.Builder
	b.WriteString(`
		SELECT ` + taskColumns + ` FROM tasks t
		WHERE t.status = 'pending' AND t.claimed_by = ''
		AND NOT EXISTS (
			SELECT 1 FROM tasks c WHERE c.parent_id = t.id
		)
		AND NOT EXISTS (
			SELECT 1 FROM tasks p WHERE p.id = t.parent_id AND p.status = 'failed'
		)
		AND NOT EXISTS (
			SELECT 1 FROM dependencies d
			JOIN tasks blocker ON blocker.id = d.blocker_id
			WHERE d.blocked_id = t.id AND blocker.status != 'done'
		)`)
	var args []any
	if featureID != "" {
		b.WriteString(` AND t.feature_id = ?`)
		args = append(args, featureID)
	}
	if taskID != "" {
		b.WriteString(` AND t.id = ?`)
		args = append(args, taskID)
	}
	b.WriteString(` ORDER BY t.priority ASC, t.created_at ASC`)

	tasks, err := s.queryTasks(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: ready set: %w", err)
	}
	return tasks, nil
}

func (s *TaskStore) AllTasks(ctx context.Context, featureID string) ([]*dag.Task, error) {
	if featureID == "" {
		tasks, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC`)
		if err != nil {
			return nil, fmt.Errorf("sqlite: all tasks: %w", err)
		}
		return tasks, nil
	}
	return s.TasksOf(ctx, featureID)
}

func (s *TaskStore) AddDependency(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.db.sql.ExecContext(ctx,
		`INSERT OR IGNORE INTO dependencies (blocker_id, blocked_id) VALUES (?, ?)`, blockerID, blockedID)
	if err != nil {
		return fmt.Errorf("sqlite: add dependency %s -> %s: %w", blockerID, blockedID, err)
	}
	return nil
}

func (s *TaskStore) RemoveDependency(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.db.sql.ExecContext(ctx,
		`DELETE FROM dependencies WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID)
	if err != nil {
		return fmt.Errorf("sqlite: remove dependency %s -> %s: %w", blockerID, blockedID, err)
	}
	return nil
}

func (s *TaskStore) AllDependencies(ctx context.Context) ([]dag.Dependency, error) {
	rows, err := s.db.sql.QueryContext(ctx, `SELECT blocker_id, blocked_id FROM dependencies`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: all dependencies: %w", err)
	}
	defer rows.Close()
	var out []dag.Dependency
	for rows.Next() {
		var d dag.Dependency
		if err := rows.Scan(&d.BlockerID, &d.BlockedID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *TaskStore) AppendLog(ctx context.Context, taskID, message string) (*dag.LogEntry, error) {
	now := time.Now()
	res, err := s.db.sql.ExecContext(ctx,
		`INSERT INTO task_logs (task_id, message, created_at) VALUES (?, ?, ?)`, taskID, message, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sqlite: append log for %q: %w", taskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &dag.LogEntry{ID: id, TaskID: taskID, Message: message, CreatedAt: now}, nil
}

func (s *TaskStore) LastLog(ctx context.Context, taskID string) (*dag.LogEntry, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT id, task_id, message, created_at FROM task_logs WHERE task_id = ? ORDER BY id DESC LIMIT 1`, taskID)
	var e dag.LogEntry
	var createdAt int64
	err := row.Scan(&e.ID, &e.TaskID, &e.Message, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: last log for %q: %w", taskID, err)
	}
	e.CreatedAt = time.Unix(0, createdAt)
	return &e, nil
}

func (s *TaskStore) Logs(ctx context.Context, taskID string) ([]dag.LogEntry, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT id, task_id, message, created_at FROM task_logs WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: logs for %q: %w", taskID, err)
	}
	defer rows.Close()
	var out []dag.LogEntry
	for rows.Next() {
		var e dag.LogEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Message, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(0, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *TaskStore) CreateFeature(ctx context.Context, f *dag.Feature) error {
	_, err := s.db.sql.ExecContext(ctx, `
		INSERT INTO features (id, name, status, spec_path, plan_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, string(f.Status), f.SpecPath, f.PlanPath, f.CreatedAt.UnixNano(), f.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: create feature %q: %w", f.ID, err)
	}
	return nil
}

func (s *TaskStore) GetFeature(ctx context.Context, id string) (*dag.Feature, error) {
	row := s.db.sql.QueryRowContext(ctx,
		`SELECT id, name, status, spec_path, plan_path, created_at, updated_at FROM features WHERE id = ?`, id)
	var f dag.Feature
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&f.ID, &f.Name, &status, &f.SpecPath, &f.PlanPath, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get feature %q: %w", id, err)
	}
	f.Status = dag.FeatureStatus(status)
	f.CreatedAt = time.Unix(0, createdAt)
	f.UpdatedAt = time.Unix(0, updatedAt)
	return &f, nil
}

func (s *TaskStore) SetFeatureStatus(ctx context.Context, id string, status dag.FeatureStatus) error {
	res, err := s.db.sql.ExecContext(ctx, `UPDATE features SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("sqlite: set feature status %q: %w", id, err)
	}
	return requireRowsAffected(res, "feature", id)
}

func (s *TaskStore) DeleteFeature(ctx context.Context, id string) error {
	_, err := s.db.sql.ExecContext(ctx, `DELETE FROM features WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete feature %q: %w", id, err)
	}
	return nil
}

func (s *TaskStore) TasksOf(ctx context.Context, featureID string) ([]*dag.Task, error) {
	tasks, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE feature_id = ? ORDER BY created_at ASC`, featureID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: tasks of feature %q: %w", featureID, err)
	}
	return tasks, nil
}

func (s *TaskStore) TaskExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.sql.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: task exists %q: %w", id, err)
	}
	return exists, nil
}

func (s *TaskStore) FeatureExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.sql.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM features WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: feature exists %q: %w", id, err)
	}
	return exists, nil
}
