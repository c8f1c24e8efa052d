// Package snapshot implements the read-only Snapshot Service: a single
// projection of plan identity, per-lane counts, active work, registered
// workers, scheduler observability, and security/state flags. Every field
// is optional-safe — a missing or erroring sub-query yields a zero value
// rather than failing the whole snapshot, since this is a dashboard feed,
// not a source of truth.
package snapshot

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/kestrelsys/broker/internal/store"
)

// PlanIdentity describes the most recently accepted plan, if any.
type PlanIdentity struct {
	Path string
	Hash string
}

// LaneCounts is the per-lane task tally.
type LaneCounts struct {
	Pending  int
	Active   int
	Done     int
	Total    int
}

// ActiveTaskView is one row in the active-task list.
type ActiveTaskView struct {
	ID            int64
	Lane          store.Lane
	Description   string
	DepsBlocked   bool
}

// WorkerView is one registered worker.
type WorkerView struct {
	WorkerID       string
	WorkerType     string
	AllowedLanes   []string
	TaskIDs        []int64
	LastSeenAgeSec int64
}

// SchedulerView surfaces the Scheduler's own observability keys.
type SchedulerView struct {
	LastDecision string
}

// SecurityView is the read-only-mode / repo-cleanliness state.
type SecurityView struct {
	ReadOnly bool
	GitClean bool
}

// Alert is a single dashboard alert: Level is "warn" or "error".
type Alert struct {
	Code  string
	Level string
}

// Snapshot is the full get_exec_snapshot response.
type Snapshot struct {
	Plan        PlanIdentity
	Lanes       map[store.Lane]LaneCounts
	ActiveTasks []ActiveTaskView
	Workers     []WorkerView
	Scheduler   SchedulerView
	Security    SecurityView
	Alerts      []Alert
}

// Service builds Snapshots against a Store.
type Service struct {
	store    *store.Store
	repoRoot string
	readOnly bool
}

// New builds a Snapshot Service. repoRoot is the working tree checked for a
// clean git status; readOnly mirrors the process's configured write-lockout.
func New(s *store.Store, repoRoot string, readOnly bool) *Service {
	return &Service{store: s, repoRoot: repoRoot, readOnly: readOnly}
}

// Build assembles a full snapshot. It never returns an error: any
// sub-projection that fails is simply omitted or left at its zero value,
// and a corresponding alert may be appended instead.
func (svc *Service) Build(ctx context.Context) Snapshot {
	snap := Snapshot{
		Lanes:    map[store.Lane]LaneCounts{},
		Security: SecurityView{ReadOnly: svc.readOnly, GitClean: checkGitClean(svc.repoRoot)},
	}

	if path, err := svc.store.GetConfigValue(ctx, store.PlanPathKey); err == nil {
		snap.Plan.Path = path
	}
	if hash, err := svc.store.GetConfigValue(ctx, store.PlanHashKey); err == nil {
		snap.Plan.Hash = hash
	}
	if decision, err := svc.store.GetConfigValue(ctx, store.LastDecisionKey); err == nil {
		snap.Scheduler.LastDecision = decision
	}

	svc.collectLaneCounts(ctx, &snap)
	svc.collectActiveTasks(ctx, &snap)
	svc.collectWorkers(ctx, &snap)
	svc.collectAlerts(ctx, &snap)

	return snap
}

func (svc *Service) collectLaneCounts(ctx context.Context, snap *Snapshot) {
	statusGroups := map[string][]store.TaskStatus{
		"pending": {store.StatusPending},
		"active":  {store.StatusInProgress, store.StatusReviewing},
		"done":    {store.StatusCompleted},
	}

	for bucket, statuses := range statusGroups {
		for _, status := range statuses {
			tasks, err := svc.store.ListTasksByStatus(ctx, status)
			if err != nil {
				continue
			}
			for _, t := range tasks {
				counts := snap.Lanes[t.Lane]
				switch bucket {
				case "pending":
					counts.Pending++
				case "active":
					counts.Active++
				case "done":
					counts.Done++
				}
				counts.Total++
				snap.Lanes[t.Lane] = counts
			}
		}
	}
}

func (svc *Service) collectActiveTasks(ctx context.Context, snap *Snapshot) {
	tasks, err := svc.store.ListTasksByStatus(ctx, store.StatusInProgress)
	if err != nil {
		return
	}
	for _, t := range tasks {
		blocked, err := svc.store.DependenciesSatisfied(ctx, t)
		snap.ActiveTasks = append(snap.ActiveTasks, ActiveTaskView{
			ID:          t.ID,
			Lane:        t.Lane,
			Description: t.Description,
			DepsBlocked: err == nil && !blocked,
		})
	}
}

func (svc *Service) collectWorkers(ctx context.Context, snap *Snapshot) {
	workers, err := svc.store.ListWorkerRegistrations(ctx)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	for _, w := range workers {
		snap.Workers = append(snap.Workers, WorkerView{
			WorkerID:       w.WorkerID,
			WorkerType:     w.WorkerType,
			AllowedLanes:   w.AllowedLanes,
			TaskIDs:        w.CurrentTaskIDs,
			LastSeenAgeSec: int64(now.Sub(w.LastSeen).Seconds()),
		})
	}
}

func (svc *Service) collectAlerts(ctx context.Context, snap *Snapshot) {
	for _, counts := range snap.Lanes {
		if counts.Pending > 0 && counts.Active == 0 {
			snap.Alerts = append(snap.Alerts, Alert{Code: "TASKS_BLOCKED", Level: "warn"})
			break
		}
	}

	deadLetter, err := svc.store.ListTasksByStatus(ctx, store.StatusDeadLetter)
	if err == nil && len(deadLetter) > 0 {
		snap.Alerts = append(snap.Alerts, Alert{Code: "RED_DECISION", Level: "error"})
	}

	if !snap.Security.GitClean {
		snap.Alerts = append(snap.Alerts, Alert{Code: "DIRTY_WORKTREE", Level: "warn"})
	}
}

// checkGitClean fails open: any error (no git, not a repo, timeout) is
// treated as clean rather than surfaced as a false alarm.
func checkGitClean(repoRoot string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = repoRoot
	out, err := cmd.Output()
	if err != nil {
		return true
	}
	return len(strings.TrimSpace(string(out))) == 0
}
