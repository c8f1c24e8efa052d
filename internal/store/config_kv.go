package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SchedulerPointerKey is the config row the Scheduler uses to remember its
// position in the braided round-robin across restarts. The value is the
// JSON encoding of {index, lane}, not a bare lane name.
const SchedulerPointerKey = "scheduler_lane_pointer"

// LastDecisionKey stores a short human-readable description of the most
// recent pick_next decision, surfaced by the Snapshot Service.
const LastDecisionKey = "scheduler.last_decision"

// PlanPathKey and PlanHashKey record the identity of the most recently
// accepted plan, surfaced by the Snapshot Service.
const (
	PlanPathKey = "plan.path"
	PlanHashKey = "plan.hash"
)

// GetConfigValue reads a singleton key/value row. It returns ErrNotFound if
// the key has never been set.
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("store: config key %s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("store: get config %s: %w", key, err)
	}
	return value, nil
}

// SetConfigValue upserts a singleton key/value row.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set config %s: %w", key, err)
	}
	return nil
}

// RecordProvenance links a source id (a PRD/SPEC requirement id, a decision
// row id) to the file location it was extracted from, for audit trails.
func (s *Store) RecordProvenance(ctx context.Context, sourceID, location string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO provenance (source_id, location) VALUES (?, ?)`,
		sourceID, location)
	if err != nil {
		return fmt.Errorf("store: record provenance %s: %w", sourceID, err)
	}
	return nil
}
