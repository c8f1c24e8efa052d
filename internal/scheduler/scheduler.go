// Package scheduler implements the braided round-robin task scheduler:
// pick_next walks a fixed lane order, preempting for urgent work and
// otherwise rotating fairly, all inside one serializable transaction that
// also reaps stale leases and advances the rotation pointer.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelsys/broker/internal/store"
)

// Reason is why pick_next returned the task it did.
type Reason string

const (
	ReasonPreempt  Reason = "preempt"
	ReasonRotation Reason = "rotation"
)

// Pick is a successful pick_next result.
type Pick struct {
	Task       *store.Task
	LeaseID    string
	Preempted  bool
	Reason     Reason
}

// Diagnostics accompanies a NO_WORK result.
type Diagnostics struct {
	PendingTotal int
	BlockedLanes map[store.Lane]LaneBlockReason
}

// LaneBlockReason explains why a lane yielded no schedulable task.
type LaneBlockReason struct {
	Reason        string // INCOMPLETE_DEPS, UNKNOWN_DEPS, or "" if simply empty
	UnknownTokens []string
}

// ErrNoWork names the no-work condition. PickNext does not return it: when
// no task could be picked after exhausting the rotation and preemption
// scans, it reports that through the Pick's Diagnostics with a nil error.
var ErrNoWork = fmt.Errorf("no work available")

// laneDefaultWeight is the weight every lane shares; HIGH (5) preempts any
// lane whose default weight exceeds 5, URGENT (0) always preempts.
const (
	priorityUrgent = 0
	priorityHigh   = 5
	laneDefaultWeight = 10
)

// Scheduler braids work across a fixed lane order.
type Scheduler struct {
	store           *store.Store
	lanes           []store.Lane
	workerTypeLanes map[string][]store.Lane
	leaseTTL        time.Duration
	maxRetries      int
	maxClaimRetries int
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithWorkerTypeLanes restricts which lanes a worker_type may claim from.
// An empty worker_type, or one absent from this map, is allowed all lanes.
func WithWorkerTypeLanes(m map[string][]store.Lane) Option {
	return func(s *Scheduler) { s.workerTypeLanes = m }
}

// WithMaxRetries sets the retry_count ceiling past which a reaped task goes
// to dead_letter instead of back to pending.
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) { s.maxRetries = n }
}

// WithMaxClaimRetries bounds how many times pick_next restarts its scan
// after losing a claim race before giving up with NO_WORK.
func WithMaxClaimRetries(n int) Option {
	return func(s *Scheduler) { s.maxClaimRetries = n }
}

// New builds a Scheduler over the canonical lane order.
func New(s *store.Store, lanes []store.Lane, leaseTTL time.Duration, opts ...Option) *Scheduler {
	if len(lanes) == 0 {
		lanes = store.CanonicalLaneOrder
	}
	sched := &Scheduler{
		store:           s,
		lanes:           lanes,
		leaseTTL:        leaseTTL,
		maxRetries:      5,
		maxClaimRetries: 5,
	}
	for _, opt := range opts {
		opt(sched)
	}
	return sched
}

func excludeLanes(lanes []store.Lane, blocked []store.Lane) []store.Lane {
	blockedSet := make(map[store.Lane]bool, len(blocked))
	for _, l := range blocked {
		blockedSet[l] = true
	}
	kept := make([]store.Lane, 0, len(lanes))
	for _, l := range lanes {
		if !blockedSet[l] {
			kept = append(kept, l)
		}
	}
	return kept
}

func (s *Scheduler) allowedLanes(workerType string) []store.Lane {
	if workerType == "" {
		return s.lanes
	}
	allowed, ok := s.workerTypeLanes[workerType]
	if !ok {
		return s.lanes
	}
	return allowed
}

// PickNext runs the full reap → preempt → rotate → claim algorithm inside
// one serializable transaction, retrying on a lost claim race up to
// maxClaimRetries times. blockedLanes, when given, further excludes lanes
// the caller already knows it cannot service this round (on top of any
// worker_type restriction).
func (s *Scheduler) PickNext(ctx context.Context, workerID, workerType string, blockedLanes ...store.Lane) (*Pick, *Diagnostics, error) {
	allowed := s.allowedLanes(workerType)
	if len(blockedLanes) > 0 {
		allowed = excludeLanes(allowed, blockedLanes)
	}

	for attempt := 0; attempt <= s.maxClaimRetries; attempt++ {
		pick, diag, retry, err := s.attemptPick(ctx, workerID, allowed)
		if err != nil {
			return nil, nil, err
		}
		if pick != nil {
			return pick, nil, nil
		}
		if !retry {
			return nil, diag, nil
		}
	}
	return nil, &Diagnostics{}, nil
}

func (s *Scheduler) attemptPick(ctx context.Context, workerID string, allowed []store.Lane) (pick *Pick, diag *Diagnostics, retryClaim bool, err error) {
	err = s.store.RunSerializable(ctx, func(tx *store.Tx) error {
		if reapErr := s.reapStale(tx); reapErr != nil {
			return reapErr
		}

		candidate, reason, scanDiag, scanErr := s.scan(tx, allowed)
		if scanErr != nil {
			return scanErr
		}
		if candidate == nil {
			diag = scanDiag
			return nil
		}

		leaseID := uuid.NewString()
		expiresAt := now().Add(s.leaseTTL)

		claimErr := tx.UpdateTaskState(candidate.ID, store.StatusPending, store.StatusInProgress, func(t *store.Task) error {
			t.WorkerID = workerID
			t.LeaseID = leaseID
			t.LeaseExpiresAt = expiresAt
			return nil
		})
		if claimErr != nil {
			if isStaleState(claimErr) {
				retryClaim = true
				return nil
			}
			return claimErr
		}

		if ptrErr := s.advancePointer(tx, candidate.Lane); ptrErr != nil {
			return ptrErr
		}
		if decErr := tx.SetConfigValue(store.LastDecisionKey, fmt.Sprintf("%s task=%d lane=%s worker=%s", reason, candidate.ID, candidate.Lane, workerID)); decErr != nil {
			return decErr
		}

		pick = &Pick{
			Task:      candidate,
			LeaseID:   leaseID,
			Preempted: reason == ReasonPreempt,
			Reason:    reason,
		}
		return nil
	})
	return pick, diag, retryClaim, err
}

func now() time.Time { return time.Now().UTC() }

func isStaleState(err error) bool {
	return errors.Is(err, store.ErrStaleState)
}

// ReapStale runs the stale-lease reap in its own transaction, independent
// of PickNext. It is what the Lease Manager's periodic sweeper calls.
func (s *Scheduler) ReapStale(ctx context.Context) error {
	return s.store.RunSerializable(ctx, func(tx *store.Tx) error {
		return s.reapStale(tx)
	})
}

// reapStale transitions every in_progress task whose lease has expired back
// to pending (or to dead_letter past the retry ceiling), clearing its lease
// fields and recording an audit message.
func (s *Scheduler) reapStale(tx *store.Tx) error {
	stale, err := tx.ListStaleLeases()
	if err != nil {
		return err
	}

	for _, task := range stale {
		target := store.StatusPending
		if task.RetryCount+1 > s.maxRetries {
			target = store.StatusDeadLetter
		}

		err := tx.UpdateTaskState(task.ID, store.StatusInProgress, target, func(t *store.Task) error {
			t.WorkerID = ""
			t.LeaseID = ""
			t.LeaseExpiresAt = time.Time{}
			t.RetryCount++
			return nil
		})
		if err != nil {
			return fmt.Errorf("scheduler: reap task %d: %w", task.ID, err)
		}

		note := fmt.Sprintf("lease expired at %s; reaped to %s (retry_count=%d)", task.LeaseExpiresAt, target, task.RetryCount+1)
		if err := tx.AppendMessage(task.ID, "system", "audit", note); err != nil {
			return fmt.Errorf("scheduler: audit reap task %d: %w", task.ID, err)
		}
	}
	return nil
}
