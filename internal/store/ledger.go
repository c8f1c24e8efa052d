package store

import (
	"context"
	"fmt"
	"time"
)

// LedgerEntry is one append-only, terminal review decision. Ledger entries
// are never updated or deleted; the Gavel writes one per review decision it
// applies, so a task sent back by KICKBACK and reviewed again has several.
type LedgerEntry struct {
	ID           int64
	TaskID       int64
	Decision     string // APPROVE, REJECT, KICKBACK
	Actor        string
	SnapshotHash string
	Notes        string
	CreatedAt    time.Time
}

// AppendLedgerEntry records a terminal review decision.
func (s *Store) AppendLedgerEntry(ctx context.Context, e LedgerEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO ledger_entries (task_id, decision, actor, snapshot_hash, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, e.TaskID, e.Decision, e.Actor, e.SnapshotHash, e.Notes, now())
	if err != nil {
		return 0, fmt.Errorf("store: append ledger entry task %d: %w", e.TaskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: append ledger entry task %d: %w", e.TaskID, err)
	}
	return id, nil
}

// LedgerEntriesForTask returns every ledger entry for a task, oldest first.
func (s *Store) LedgerEntriesForTask(ctx context.Context, taskID int64) ([]LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, decision, actor, snapshot_hash, notes, created_at
		FROM ledger_entries WHERE task_id = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: ledger entries task %d: %w", taskID, err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Decision, &e.Actor, &e.SnapshotHash, &e.Notes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate ledger entries: %w", err)
	}
	return out, nil
}

// RecentLedgerEntries returns the most recent n ledger entries across all
// tasks, newest first.
func (s *Store) RecentLedgerEntries(ctx context.Context, n int) ([]LedgerEntry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, decision, actor, snapshot_hash, notes, created_at
		FROM ledger_entries ORDER BY created_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: recent ledger entries: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Decision, &e.Actor, &e.SnapshotHash, &e.Notes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate ledger entries: %w", err)
	}
	return out, nil
}
