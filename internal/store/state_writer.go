package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpdateTaskState is the sole authorized path for mutating a task's status
// column. tools/statecheck walks the source tree at build time and fails if
// any file assigns task status outside of this function; every other
// package that changes status (scheduler, lease, gavel) calls through here,
// or through Tx.UpdateTaskState, instead of touching the column directly.
//
// from is checked against the row's current status inside the same
// transaction; a mismatch returns ErrStaleState so callers can distinguish
// a lost race from an ordinary SQL error.
func (s *Store) UpdateTaskState(ctx context.Context, taskID int64, from, to TaskStatus, mutate func(*Task) error) error {
	tx, err := s.beginImmediateCtx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateTaskState(tx, taskID, from, to, mutate); err != nil {
		return err
	}

	return tx.Commit()
}

// updateTaskState is the single unexported core that ever assigns the
// tasks.status column. Store.UpdateTaskState and Tx.UpdateTaskState are
// its only two callers, each supplying its own already-open transaction.
func updateTaskState(tx *sql.Tx, taskID int64, from, to TaskStatus, mutate func(*Task) error) error {
	task, err := loadTaskForUpdate(tx, taskID)
	if err != nil {
		return err
	}

	if from != "" && task.Status != from {
		return fmt.Errorf("store: update_task_state task %d: %w (have %s, want %s)", taskID, ErrStaleState, task.Status, from)
	}

	if mutate != nil {
		if err := mutate(task); err != nil {
			return fmt.Errorf("store: update_task_state task %d: %w", taskID, err)
		}
	}
	task.Status = to
	task.UpdatedAt = now()

	return saveTask(tx, task)
}

// ErrStaleState is returned by UpdateTaskState when the row's current
// status no longer matches the caller's expected "from" status — a lost
// optimistic-concurrency race.
var ErrStaleState = fmt.Errorf("task state changed underneath caller")

func now() time.Time { return time.Now().UTC() }

func (s *Store) beginImmediateCtx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin immediate: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("store: begin immediate: %w", err)
	}
	return tx, nil
}

func loadTaskForUpdate(tx *sql.Tx, taskID int64) (*Task, error) {
	row := tx.QueryRow(taskSelectColumns+" FROM tasks WHERE id = ?", taskID)
	task, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: task %d: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: load task %d: %w", taskID, err)
	}
	return task, nil
}

// ErrNotFound is returned when a task, lease, or plan lookup misses.
var ErrNotFound = fmt.Errorf("not found")

const taskSelectColumns = `SELECT id, lane, lane_rank, type, description, dependencies, status, priority,
	exec_class, archetype, risk, dod, source_ids, source_plan_hash, task_signature, worker_id, lease_id,
	lease_expires_at, heartbeat_at, updated_at, created_at, retry_count, review_decision, review_notes,
	override_justification`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var deps, sourceIDs string
	var leaseExpires, heartbeat sql.NullTime

	err := row.Scan(&t.ID, &t.Lane, &t.LaneRank, &t.Type, &t.Description, &deps, &t.Status, &t.Priority,
		&t.ExecClass, &t.Archetype, &t.Risk, &t.DoD, &sourceIDs, &t.SourcePlanHash, &t.TaskSignature, &t.WorkerID,
		&t.LeaseID, &leaseExpires, &heartbeat, &t.UpdatedAt, &t.CreatedAt, &t.RetryCount, &t.ReviewDecision,
		&t.ReviewNotes, &t.OverrideJustification)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(sourceIDs), &t.SourceIDs); err != nil {
		return nil, fmt.Errorf("decode source_ids: %w", err)
	}
	if leaseExpires.Valid {
		t.LeaseExpiresAt = leaseExpires.Time
	}
	if heartbeat.Valid {
		t.HeartbeatAt = heartbeat.Time
	}
	return &t, nil
}

func saveTask(tx *sql.Tx, t *Task) error {
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	sourceIDs, err := json.Marshal(t.SourceIDs)
	if err != nil {
		return fmt.Errorf("encode source_ids: %w", err)
	}

	_, err = tx.Exec(`UPDATE tasks SET lane=?, lane_rank=?, type=?, description=?, dependencies=?, status=?,
		priority=?, exec_class=?, archetype=?, risk=?, dod=?, source_ids=?, source_plan_hash=?, task_signature=?,
		worker_id=?, lease_id=?, lease_expires_at=?, heartbeat_at=?, updated_at=?, retry_count=?,
		review_decision=?, review_notes=?, override_justification=? WHERE id=?`,
		t.Lane, t.LaneRank, t.Type, t.Description, string(deps), t.Status, t.Priority, t.ExecClass,
		t.Archetype, t.Risk, t.DoD, string(sourceIDs), t.SourcePlanHash, t.TaskSignature, t.WorkerID, t.LeaseID,
		nullableTime(t.LeaseExpiresAt), nullableTime(t.HeartbeatAt), t.UpdatedAt, t.RetryCount,
		t.ReviewDecision, t.ReviewNotes, t.OverrideJustification, t.ID)
	if err != nil {
		return fmt.Errorf("store: save task %d: %w", t.ID, err)
	}
	return nil
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// GetTask loads a task by id outside of any state transition.
func (s *Store) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectColumns+" FROM tasks WHERE id = ?", taskID)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: task %d: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get task %d: %w", taskID, err)
	}
	return t, nil
}

// ListTasksByStatus returns all tasks in the given status, ordered by lane
// rank, priority, then creation order.
func (s *Store) ListTasksByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE status = ?
		ORDER BY lane_rank, priority ASC, created_at, id`, status)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks by status %s: %w", status, err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

func scanTaskRows(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate task rows: %w", err)
	}
	return out, nil
}
