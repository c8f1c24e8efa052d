package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/kestrelsys/broker/internal/store"
)

// laneMemoryPointer is the JSON shape stored under
// store.SchedulerPointerKey: an integer index in [0, |lanes|) plus the
// lane name it resolves to, for readability without re-deriving it.
type laneMemoryPointer struct {
	Index int        `json:"index"`
	Lane  store.Lane `json:"lane"`
}

// scan runs the preemption scan followed, if empty, by the rotation scan.
// It returns the chosen task and reason, or nil with populated diagnostics.
func (s *Scheduler) scan(tx *store.Tx, allowed []store.Lane) (*store.Task, Reason, *Diagnostics, error) {
	candidates, err := tx.ListPendingInLanes(allowed)
	if err != nil {
		return nil, "", nil, err
	}

	schedulable := make([]*store.Task, 0, len(candidates))
	blocked := map[store.Lane]LaneBlockReason{}

	for _, t := range candidates {
		ok, reason, unknown := dependenciesResolved(tx, t)
		if ok {
			schedulable = append(schedulable, t)
			continue
		}
		if _, already := blocked[t.Lane]; !already {
			blocked[t.Lane] = LaneBlockReason{Reason: reason, UnknownTokens: unknown}
		}
	}

	if len(schedulable) == 0 {
		pendingTotal, countErr := countPending(tx, allowed)
		if countErr != nil {
			return nil, "", nil, countErr
		}
		return nil, "", &Diagnostics{PendingTotal: pendingTotal, BlockedLanes: blocked}, nil
	}

	// Preemption: minimum-priority schedulable task across all allowed
	// lanes (ListPendingInLanes is already ordered priority ASC, lane_rank
	// ASC, created_at ASC, id ASC), picked directly if it beats the
	// default lane weight.
	best := schedulable[0]
	if best.Priority < laneDefaultWeight {
		return best, ReasonPreempt, nil, nil
	}

	pointerLane, err := currentPointerLane(tx, s.lanes)
	if err != nil {
		return nil, "", nil, err
	}

	startIdx := laneIndex(s.lanes, pointerLane)
	for i := 0; i < len(s.lanes); i++ {
		lane := s.lanes[(startIdx+i)%len(s.lanes)]
		if !laneAllowed(allowed, lane) {
			continue
		}
		for _, t := range schedulable {
			if t.Lane == lane {
				return t, ReasonRotation, nil, nil
			}
		}
	}

	// Every allowed lane with schedulable work was somehow skipped; this
	// should not happen given schedulable is non-empty, but fail safe by
	// returning the globally-best candidate via rotation reason.
	return best, ReasonRotation, nil, nil
}

func dependenciesResolved(tx *store.Tx, t *store.Task) (ok bool, reason string, unknownTokens []string) {
	if len(t.Dependencies) == 0 {
		return true, "", nil
	}

	var unknown []string
	for _, dep := range t.Dependencies {
		status, known, err := depStatus(tx, dep)
		if err != nil {
			return false, "INCOMPLETE_DEPS", nil
		}
		if !known {
			unknown = append(unknown, dep)
			continue
		}
		if status != store.StatusCompleted {
			return false, "INCOMPLETE_DEPS", nil
		}
	}
	if len(unknown) > 0 {
		return false, "UNKNOWN_DEPS", unknown
	}
	return true, "", nil
}

// depStatus resolves a dependency token to a task status. Tokens that do
// not parse as an existing task id are treated as unknown (known=false),
// matching the UNKNOWN_DEPS surface spec.md requires rather than silently
// dropping them.
func depStatus(tx *store.Tx, token string) (status store.TaskStatus, known bool, err error) {
	if !looksLikeTaskID(token) {
		return "", false, nil
	}
	task, getErr := tx.GetTask(parseTaskID(token))
	if getErr != nil {
		return "", false, nil
	}
	return task.Status, true, nil
}

func looksLikeTaskID(token string) bool {
	if token == "" {
		return false
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseTaskID(token string) int64 {
	var n int64
	for _, r := range token {
		n = n*10 + int64(r-'0')
	}
	return n
}

func countPending(tx *store.Tx, lanes []store.Lane) (int, error) {
	tasks, err := tx.ListPendingInLanes(lanes)
	if err != nil {
		return 0, fmt.Errorf("scheduler: count pending: %w", err)
	}
	return len(tasks), nil
}

func laneAllowed(allowed []store.Lane, lane store.Lane) bool {
	for _, l := range allowed {
		if l == lane {
			return true
		}
	}
	return false
}

func laneIndex(lanes []store.Lane, lane store.Lane) int {
	for i, l := range lanes {
		if l == lane {
			return i
		}
	}
	return 0
}

// currentPointerLane reads the scheduler pointer from config, defaulting to
// the first lane if unset or invalid. The stored value is JSON
// {index, lane}; only index is used to resolve the lane, and lane is
// stored purely for readability, so a mismatching lane (e.g. from a
// hand-edited row) is ignored.
func currentPointerLane(tx *store.Tx, lanes []store.Lane) (store.Lane, error) {
	raw, err := tx.GetConfigValue(store.SchedulerPointerKey)
	if err != nil {
		return lanes[0], nil
	}

	var ptr laneMemoryPointer
	if jsonErr := json.Unmarshal([]byte(raw), &ptr); jsonErr != nil {
		return lanes[0], nil
	}
	if ptr.Index < 0 || ptr.Index >= len(lanes) {
		return lanes[0], nil
	}
	return lanes[ptr.Index], nil
}

func (s *Scheduler) advancePointer(tx *store.Tx, pickedLane store.Lane) error {
	idx := laneIndex(s.lanes, pickedLane)
	nextIdx := (idx + 1) % len(s.lanes)
	next := s.lanes[nextIdx]

	encoded, err := json.Marshal(laneMemoryPointer{Index: nextIdx, Lane: next})
	if err != nil {
		return fmt.Errorf("scheduler: encode lane pointer: %w", err)
	}
	return tx.SetConfigValue(store.SchedulerPointerKey, string(encoded))
}
