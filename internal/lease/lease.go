// Package lease implements the Lease Manager: heartbeats, completion, and
// the periodic stale-lease sweep that runs independently of pick_next's
// opportunistic reap.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron"

	"github.com/kestrelsys/broker/internal/store"
)

// ErrLeaseMismatch is returned by Complete when the caller's lease_id does
// not match the one currently stored on the task.
var ErrLeaseMismatch = fmt.Errorf("lease mismatch")

// Manager issues heartbeats and completions against leased tasks.
type Manager struct {
	store *store.Store
	ttl   time.Duration
	log   *slog.Logger

	cronSweeper *cron.Cron
}

// New builds a Lease Manager. ttl is the lease duration applied when a
// heartbeat extends a lease; the Scheduler takes its own ttl for the leases
// it mints.
func New(s *store.Store, ttl time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: s, ttl: ttl, log: log.With("component", "lease")}
}

// Heartbeat upserts a worker registration and extends the lease of every
// task id the worker claims to own, provided that task is currently
// in_progress and owned by that worker_id.
func (m *Manager) Heartbeat(ctx context.Context, workerID, workerType string, allowedLanes []string, taskIDs []int64) (time.Time, error) {
	seen := now()

	err := m.store.UpsertWorkerRegistration(ctx, store.WorkerRegistration{
		WorkerID:       workerID,
		WorkerType:     workerType,
		AllowedLanes:   allowedLanes,
		LastSeen:       seen,
		CurrentTaskIDs: taskIDs,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("lease: heartbeat upsert worker %s: %w", workerID, err)
	}

	for _, taskID := range taskIDs {
		task, err := m.store.GetTask(ctx, taskID)
		if err != nil {
			continue // a task id the worker no longer owns; nothing to extend
		}
		if task.Status != store.StatusInProgress || task.WorkerID != workerID {
			continue
		}

		extendErr := m.store.UpdateTaskState(ctx, taskID, store.StatusInProgress, store.StatusInProgress, func(t *store.Task) error {
			t.HeartbeatAt = seen
			t.LeaseExpiresAt = seen.Add(m.ttl)
			return nil
		})
		if extendErr != nil {
			m.log.Warn("failed to extend lease on heartbeat", "task_id", taskID, "worker_id", workerID, "error", extendErr)
		}
	}

	return seen, nil
}

// CompleteResult is the outcome of a worker reporting task completion.
type CompleteResult struct {
	Status string // REVIEWING or ERROR
	Reason string
}

// Complete validates lease ownership and, on match, transitions the task to
// reviewing and records the worker's review packet.
func (m *Manager) Complete(ctx context.Context, taskID int64, workerID, leaseID string, ok bool, output string, evidence []string) CompleteResult {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return CompleteResult{Status: "ERROR", Reason: err.Error()}
	}
	if task.Status != store.StatusInProgress {
		return CompleteResult{Status: "ERROR", Reason: "ILLEGAL_TRANSITION"}
	}
	if task.LeaseID != leaseID || task.WorkerID != workerID {
		return CompleteResult{Status: "ERROR", Reason: "LEASE_MISMATCH"}
	}

	summary := "worker reported failure"
	if ok {
		summary = "worker reported success"
	}

	err = m.store.UpsertReviewPacket(ctx, store.ReviewPacket{
		TaskID:            taskID,
		Claims:            output,
		Evidence:          evidence,
		GatekeeperSummary: summary,
	})
	if err != nil {
		return CompleteResult{Status: "ERROR", Reason: err.Error()}
	}

	err = m.store.UpdateTaskState(ctx, taskID, store.StatusInProgress, store.StatusReviewing, func(t *store.Task) error {
		t.WorkerID = ""
		t.LeaseID = ""
		t.LeaseExpiresAt = time.Time{}
		return nil
	})
	if err != nil {
		return CompleteResult{Status: "ERROR", Reason: err.Error()}
	}

	if appendErr := m.store.AppendMessage(ctx, taskID, "worker", "claim", output); appendErr != nil {
		m.log.Warn("failed to append completion message", "task_id", taskID, "error", appendErr)
	}

	return CompleteResult{Status: "REVIEWING"}
}

// Release lets a worker voluntarily give up a task (a "blocker" message),
// clearing its lease and moving it to blocked.
func (m *Manager) Release(ctx context.Context, taskID int64, workerID, reason string) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.WorkerID != workerID {
		return fmt.Errorf("lease: release task %d: %w", taskID, ErrLeaseMismatch)
	}

	err = m.store.UpdateTaskState(ctx, taskID, store.StatusInProgress, store.StatusBlocked, func(t *store.Task) error {
		t.WorkerID = ""
		t.LeaseID = ""
		t.LeaseExpiresAt = time.Time{}
		return nil
	})
	if err != nil {
		return fmt.Errorf("lease: release task %d: %w", taskID, err)
	}
	return m.store.AppendMessage(ctx, taskID, "worker", "blocker", reason)
}

// StartSweeper schedules a periodic stale-lease reap independent of
// pick_next's opportunistic one, so leases expire even while no worker is
// actively polling for work. reap is injected rather than reimplemented
// here since the Scheduler already owns the reap-under-serializable-tx
// logic; the sweeper just calls it on a cadence.
func (m *Manager) StartSweeper(spec string, reap func(context.Context) error) error {
	m.cronSweeper = cron.New()
	err := m.cronSweeper.AddFunc(spec, func() {
		if err := reap(context.Background()); err != nil {
			m.log.Error("periodic lease sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("lease: schedule sweeper: %w", err)
	}
	m.cronSweeper.Start()
	return nil
}

// StopSweeper stops the periodic sweeper, if running.
func (m *Manager) StopSweeper() {
	if m.cronSweeper != nil {
		m.cronSweeper.Stop()
	}
}

func now() time.Time { return time.Now().UTC() }
