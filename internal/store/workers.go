package store

import (
	"context"
	"fmt"
	"time"
)

// WorkerRegistration tracks a worker's heartbeat and lane eligibility.
type WorkerRegistration struct {
	WorkerID       string
	WorkerType     string
	AllowedLanes   []string
	LastSeen       time.Time
	CurrentTaskIDs []int64
}

// UpsertWorkerRegistration records (or refreshes) a worker's heartbeat.
func (s *Store) UpsertWorkerRegistration(ctx context.Context, w WorkerRegistration) error {
	lanes, err := marshalStrings(w.AllowedLanes)
	if err != nil {
		return fmt.Errorf("store: encode allowed_lanes: %w", err)
	}
	taskIDs, err := marshalInt64s(w.CurrentTaskIDs)
	if err != nil {
		return fmt.Errorf("store: encode current_task_ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO worker_registrations (worker_id, worker_type, allowed_lanes, last_seen, current_task_ids)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET worker_type=excluded.worker_type, allowed_lanes=excluded.allowed_lanes,
			last_seen=excluded.last_seen, current_task_ids=excluded.current_task_ids`,
		w.WorkerID, w.WorkerType, string(lanes), now(), string(taskIDs))
	if err != nil {
		return fmt.Errorf("store: upsert worker %s: %w", w.WorkerID, err)
	}
	return nil
}

// GetWorkerRegistration loads a worker's registration, if any.
func (s *Store) GetWorkerRegistration(ctx context.Context, workerID string) (*WorkerRegistration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT worker_id, worker_type, allowed_lanes, last_seen, current_task_ids
		FROM worker_registrations WHERE worker_id = ?`, workerID)

	var w WorkerRegistration
	var lanes, taskIDs string
	if err := row.Scan(&w.WorkerID, &w.WorkerType, &lanes, &w.LastSeen, &taskIDs); err != nil {
		return nil, fmt.Errorf("store: get worker %s: %w", workerID, err)
	}
	allowed, err := unmarshalStrings(lanes)
	if err != nil {
		return nil, fmt.Errorf("store: decode allowed_lanes: %w", err)
	}
	w.AllowedLanes = allowed
	ids, err := unmarshalInt64s(taskIDs)
	if err != nil {
		return nil, fmt.Errorf("store: decode current_task_ids: %w", err)
	}
	w.CurrentTaskIDs = ids
	return &w, nil
}

// ListWorkerRegistrations returns every known worker, used by the Snapshot
// Service.
func (s *Store) ListWorkerRegistrations(ctx context.Context) ([]*WorkerRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT worker_id, worker_type, allowed_lanes, last_seen, current_task_ids
		FROM worker_registrations ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list workers: %w", err)
	}
	defer rows.Close()

	var out []*WorkerRegistration
	for rows.Next() {
		var w WorkerRegistration
		var lanes, taskIDs string
		if err := rows.Scan(&w.WorkerID, &w.WorkerType, &lanes, &w.LastSeen, &taskIDs); err != nil {
			return nil, fmt.Errorf("store: scan worker row: %w", err)
		}
		if w.AllowedLanes, err = unmarshalStrings(lanes); err != nil {
			return nil, fmt.Errorf("store: decode allowed_lanes: %w", err)
		}
		if w.CurrentTaskIDs, err = unmarshalInt64s(taskIDs); err != nil {
			return nil, fmt.Errorf("store: decode current_task_ids: %w", err)
		}
		out = append(out, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate worker rows: %w", err)
	}
	return out, nil
}
