package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Tx is a single serializable transaction against the Store, used by
// components (Scheduler, Gavel) that must perform several reads
// and a status transition atomically — e.g. reap stale leases, scan for a
// claimable task, and claim it, all before anyone else observes the
// intermediate state.
//
// Tx.UpdateTaskState is the same authorized status-mutation path as
// Store.UpdateTaskState; the two share the unexported updateTaskState core
// so there remains exactly one function in the tree that ever assigns the
// tasks.status column.
type Tx struct {
	tx *sql.Tx
}

// RunSerializable opens a BEGIN IMMEDIATE transaction, passes it to fn, and
// commits if fn returns nil or rolls back otherwise.
func (s *Store) RunSerializable(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.beginImmediateCtx(ctx)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// UpdateTaskState is the transaction-scoped twin of Store.UpdateTaskState.
func (t *Tx) UpdateTaskState(taskID int64, from, to TaskStatus, mutate func(*Task) error) error {
	return updateTaskState(t.tx, taskID, from, to, mutate)
}

// GetTask loads a task by id within the transaction.
func (t *Tx) GetTask(taskID int64) (*Task, error) {
	return loadTaskForUpdate(t.tx, taskID)
}

// ListPendingInLane returns pending tasks in lane, ordered priority ASC,
// created_at ASC, id ASC — the scheduler's per-lane scan order.
func (t *Tx) ListPendingInLane(lane Lane) ([]*Task, error) {
	rows, err := t.tx.Query(taskSelectColumns+` FROM tasks WHERE status = ? AND lane = ?
		ORDER BY priority ASC, created_at ASC, id ASC`, StatusPending, lane)
	if err != nil {
		return nil, fmt.Errorf("store: list pending in lane %s: %w", lane, err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// ListPendingInLanes returns every pending task across the given lanes,
// ordered priority ASC then (lane_rank, created_at, id) ASC — the
// cross-lane preemption scan order.
func (t *Tx) ListPendingInLanes(lanes []Lane) ([]*Task, error) {
	if len(lanes) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(lanes))
	args := make([]any, 0, len(lanes)+1)
	args = append(args, StatusPending)
	for i, lane := range lanes {
		placeholders[i] = "?"
		args = append(args, lane)
	}
	query := taskSelectColumns + fmt.Sprintf(` FROM tasks WHERE status = ? AND lane IN (%s)
		ORDER BY priority ASC, lane_rank ASC, created_at ASC, id ASC`, join(placeholders, ","))

	rows, err := t.tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list pending in lanes: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// ListStaleLeases returns in_progress tasks whose lease has expired.
func (t *Tx) ListStaleLeases() ([]*Task, error) {
	rows, err := t.tx.Query(taskSelectColumns+` FROM tasks WHERE status = ? AND lease_expires_at < ?`,
		StatusInProgress, now())
	if err != nil {
		return nil, fmt.Errorf("store: list stale leases: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// GetConfigValue reads a config row within the transaction.
func (t *Tx) GetConfigValue(key string) (string, error) {
	row := t.tx.QueryRow(`SELECT value FROM config WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("store: config key %s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("store: get config %s: %w", key, err)
	}
	return value, nil
}

// SetConfigValue upserts a config row within the transaction.
func (t *Tx) SetConfigValue(key, value string) error {
	_, err := t.tx.Exec(`INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set config %s: %w", key, err)
	}
	return nil
}

// AppendMessage records a message within the transaction.
func (t *Tx) AppendMessage(taskID int64, role, kind, content string) error {
	_, err := t.tx.Exec(`INSERT INTO messages (task_id, role, kind, content, created_at)
		VALUES (?, ?, ?, ?, ?)`, taskID, role, kind, content, now())
	if err != nil {
		return fmt.Errorf("store: append message task %d: %w", taskID, err)
	}
	return nil
}

// AppendLedgerEntry records a terminal review decision within the
// transaction, so it commits atomically with the status transition that
// produced it.
func (t *Tx) AppendLedgerEntry(e LedgerEntry) (int64, error) {
	res, err := t.tx.Exec(`INSERT INTO ledger_entries (task_id, decision, actor, snapshot_hash, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, e.TaskID, e.Decision, e.Actor, e.SnapshotHash, e.Notes, now())
	if err != nil {
		return 0, fmt.Errorf("store: append ledger entry task %d: %w", e.TaskID, err)
	}
	return res.LastInsertId()
}

// HasProvenance reports whether a source id has any recorded code
// implementation location.
func (t *Tx) HasProvenance(sourceID string) (bool, error) {
	row := t.tx.QueryRow(`SELECT 1 FROM provenance WHERE source_id = ? LIMIT 1`, sourceID)
	var one int
	switch err := row.Scan(&one); err {
	case nil:
		return true, nil
	case sql.ErrNoRows:
		return false, nil
	default:
		return false, fmt.Errorf("store: has provenance %s: %w", sourceID, err)
	}
}

// ListTasksByArchetype returns every task of a given archetype, any status,
// within the transaction. Used by the test-pairing gate to find a sibling
// TEST task.
func (t *Tx) ListTasksByArchetype(archetype Archetype) ([]*Task, error) {
	rows, err := t.tx.Query(taskSelectColumns+` FROM tasks WHERE archetype = ?`, archetype)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks by archetype %s: %w", archetype, err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}
