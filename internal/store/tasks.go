package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// NewTaskInput describes a task row to be inserted, typically by the Plan
// Acceptor.
type NewTaskInput struct {
	Lane           Lane
	LaneRank       int
	Description    string
	Dependencies   []string
	Priority       int
	ExecClass      ExecClass
	Archetype      Archetype
	Risk           Risk
	DoD            string
	SourceIDs      []string
	SourcePlanHash string
	TaskSignature  string
}

// InsertTasks inserts a batch of tasks in a single transaction, skipping any
// whose (source_plan_hash, task_signature) pair already exists. It returns
// the ids of tasks actually inserted (in the order given) and the input
// indexes that were skipped as duplicates.
func (s *Store) InsertTasks(ctx context.Context, inputs []NewTaskInput) (inserted []int64, duplicateIdx []int, err error) {
	tx, err := s.beginImmediateCtx(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	for i, in := range inputs {
		if in.TaskSignature != "" {
			var exists int
			row := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE source_plan_hash = ? AND task_signature = ?`,
				in.SourcePlanHash, in.TaskSignature)
			if scanErr := row.Scan(&exists); scanErr == nil {
				duplicateIdx = append(duplicateIdx, i)
				continue
			}
		}

		deps, mErr := json.Marshal(in.Dependencies)
		if mErr != nil {
			return nil, nil, fmt.Errorf("store: encode dependencies: %w", mErr)
		}
		sourceIDs, mErr := json.Marshal(in.SourceIDs)
		if mErr != nil {
			return nil, nil, fmt.Errorf("store: encode source_ids: %w", mErr)
		}

		execClass := in.ExecClass
		if execClass == "" {
			execClass = ExecParallel
		}
		archetype := in.Archetype
		if archetype == "" {
			archetype = ArchetypeGeneric
		}
		risk := in.Risk
		if risk == "" {
			risk = RiskLow
		}
		// Priority 0 is a legitimate value (URGENT), so unlike the other
		// columns above it is never defaulted here; callers that mean
		// "normal" must pass 10 explicitly (Parse does).
		priority := in.Priority

		ts := now()
		res, iErr := tx.ExecContext(ctx, `INSERT INTO tasks
			(lane, lane_rank, type, description, dependencies, status, priority, exec_class, archetype, risk, dod,
			 source_ids, source_plan_hash, task_signature, updated_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.Lane, in.LaneRank, in.Lane, in.Description, string(deps), StatusPending, priority, execClass,
			archetype, risk, in.DoD, string(sourceIDs), in.SourcePlanHash, in.TaskSignature, ts, ts)
		if iErr != nil {
			return nil, nil, fmt.Errorf("store: insert task: %w", iErr)
		}
		id, iErr := res.LastInsertId()
		if iErr != nil {
			return nil, nil, fmt.Errorf("store: insert task: %w", iErr)
		}
		inserted = append(inserted, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("store: insert tasks commit: %w", err)
	}
	return inserted, duplicateIdx, nil
}

// DependenciesSatisfied reports whether every dependency of task t refers to
// a completed task. Unresolved or unknown dependency tokens count as
// unsatisfied, which is the conservative (fail-closed) choice for the
// scheduler's dependency gate.
func (s *Store) DependenciesSatisfied(ctx context.Context, t *Task) (bool, error) {
	for _, dep := range t.Dependencies {
		row := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = (
			SELECT id FROM tasks WHERE CAST(id AS TEXT) = ? LIMIT 1)`, dep)
		var status TaskStatus
		if err := row.Scan(&status); err != nil {
			return false, nil // unresolved dependency token: not satisfied, not an error
		}
		if status != StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}
