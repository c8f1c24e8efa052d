package store

import (
	"context"
	"fmt"
)

// Message is a single entry in a task's conversation/evidence trail.
type Message struct {
	ID        int64
	TaskID    int64
	Role      string // "worker", "gavel", "system"
	Kind      string // "note", "claim", "evidence", "decision"
	Content   string
	CreatedAt string
}

// AppendMessage records a message against a task. Messages are append-only;
// there is no update or delete path.
func (s *Store) AppendMessage(ctx context.Context, taskID int64, role, kind, content string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages (task_id, role, kind, content, created_at)
		VALUES (?, ?, ?, ?, ?)`, taskID, role, kind, content, now())
	if err != nil {
		return fmt.Errorf("store: append message task %d: %w", taskID, err)
	}
	return nil
}

// ReviewPacket is the worker-submitted evidence bundle a task carries into
// review.
type ReviewPacket struct {
	TaskID            int64
	Claims            string
	Evidence          []string
	GatekeeperSummary string
}

// UpsertReviewPacket stores (or replaces) the review packet for a task.
func (s *Store) UpsertReviewPacket(ctx context.Context, p ReviewPacket) error {
	evidence, err := marshalStrings(p.Evidence)
	if err != nil {
		return fmt.Errorf("store: encode review packet evidence: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO review_packets (task_id, claims, evidence, gatekeeper_summary, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET claims=excluded.claims, evidence=excluded.evidence,
			gatekeeper_summary=excluded.gatekeeper_summary`,
		p.TaskID, p.Claims, string(evidence), p.GatekeeperSummary, now())
	if err != nil {
		return fmt.Errorf("store: upsert review packet task %d: %w", p.TaskID, err)
	}
	return nil
}

// GetReviewPacket loads the review packet for a task, if any.
func (s *Store) GetReviewPacket(ctx context.Context, taskID int64) (*ReviewPacket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT task_id, claims, evidence, gatekeeper_summary
		FROM review_packets WHERE task_id = ?`, taskID)

	var p ReviewPacket
	var evidence string
	if err := row.Scan(&p.TaskID, &p.Claims, &evidence, &p.GatekeeperSummary); err != nil {
		return nil, fmt.Errorf("store: get review packet task %d: %w", taskID, err)
	}
	list, err := unmarshalStrings(evidence)
	if err != nil {
		return nil, fmt.Errorf("store: decode review packet evidence: %w", err)
	}
	p.Evidence = list
	return &p, nil
}
