package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// JournalEntry is the persisted post-iteration record described in
// spec.md §3.
type JournalEntry struct {
	ID            int64
	RunID         string
	Iteration     int
	TaskID        string
	FeatureID     string
	Outcome       string
	Model         string
	Duration      time.Duration
	FilesModified []string
	Notes         string
	CreatedAt     time.Time
}

// RunStore is the persistence port for journal entries and model
// strategy overrides (spec.md §4.5), kept separate from dag.Store because
// neither concern participates in the DAG's status state machine.
type RunStore struct {
	db *DB
}

// NewRunStore adapts db to journal/override persistence.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// AppendJournal inserts one journal entry (spec.md §4.2 step 10: "always
// write a journal entry summarizing the outcome"). The FTS index is kept
// in sync by the schema's journal_ai trigger.
func (r *RunStore) AppendJournal(ctx context.Context, e JournalEntry) (int64, error) {
	files, err := json.Marshal(e.FilesModified)
	if err != nil {
		return 0, fmt.Errorf("sqlite: marshal files_modified: %w", err)
	}
	now := time.Now()
	res, err := r.db.sql.ExecContext(ctx, `
		INSERT INTO journal (run_id, task_id, feature_id, title, tags, note, outcome, model,
			iteration, duration_ms, files_modified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.TaskID, e.FeatureID, "", "", e.Notes, e.Outcome, e.Model,
		e.Iteration, e.Duration.Milliseconds(), string(files), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: append journal entry: %w", err)
	}
	return res.LastInsertId()
}

func scanJournalEntry(row interface{ Scan(dest ...any) error }) (*JournalEntry, error) {
	var e JournalEntry
	var files string
	var durationMs int64
	var createdAt int64
	err := row.Scan(&e.ID, &e.RunID, &e.Iteration, &e.TaskID, &e.FeatureID, &e.Outcome, &e.Model,
		&durationMs, &files, &e.Notes, &createdAt)
	if err != nil {
		return nil, err
	}
	e.Duration = time.Duration(durationMs) * time.Millisecond
	e.CreatedAt = time.Unix(0, createdAt)
	if files != "" {
		_ = json.Unmarshal([]byte(files), &e.FilesModified)
	}
	return &e, nil
}

const journalColumns = `id, run_id, iteration, task_id, feature_id, outcome, model,
	duration_ms, files_modified, note, created_at`

// ForTask returns every journal entry recorded for a task, oldest first.
func (r *RunStore) ForTask(ctx context.Context, taskID string) ([]*JournalEntry, error) {
	rows, err := r.db.sql.QueryContext(ctx,
		`SELECT `+journalColumns+` FROM journal WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: journal for task %q: %w", taskID, err)
	}
	defer rows.Close()
	var out []*JournalEntry
	for rows.Next() {
		e, err := scanJournalEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Search runs a full-text query against the journal's notes (spec.md
// §4.5 "full-text index is maintained over notes"), returning matching
// entries ordered by relevance (FTS5's own bm25 rank).
func (r *RunStore) Search(ctx context.Context, query string) ([]*JournalEntry, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT j.id, j.run_id, j.iteration, j.task_id, j.feature_id, j.outcome, j.model,
			j.duration_ms, j.files_modified, j.note, j.created_at
		FROM journal_fts f
		JOIN journal j ON j.id = f.rowid
		WHERE journal_fts MATCH ?
		ORDER BY rank`, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: journal search %q: %w", query, err)
	}
	defer rows.Close()
	var out []*JournalEntry
	for rows.Next() {
		e, err := scanJournalEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordModelOverride appends one row to the model_overrides audit table
// (spec.md §4.4's "each override is recorded in the persistent override
// history table for later analysis").
func (r *RunStore) RecordModelOverride(ctx context.Context, iteration int, taskID, strategyModel, hintModel string) error {
	now := time.Now()
	_, err := r.db.sql.ExecContext(ctx, `
		INSERT INTO model_overrides (task_id, model, reason, iteration, strategy_model, hint_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		taskID, hintModel, "next-model sigil override", iteration, strategyModel, hintModel, now.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: record model override: %w", err)
	}
	return nil
}
