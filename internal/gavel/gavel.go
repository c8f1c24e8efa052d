// Package gavel implements the Review Engine: it takes a task sitting in
// reviewing, runs the authority × archetype × risk × entropy × confidence
// gate chain over the task's stored fields and the decision notes, and
// renders a terminal decision. No review packet is read, so whether one
// exists plays no part in the gates.
//
// The Source Registry is loaded once at construction and never re-read;
// policy changes require a restart, matching the read-mostly treatment of
// the lane order and readiness thresholds.
package gavel

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelsys/broker/internal/store"
)

// Decision is one of the three terminal review outcomes.
type Decision string

const (
	DecisionApprove  Decision = "APPROVE"
	DecisionReject   Decision = "REJECT"
	DecisionKickback Decision = "KICKBACK"
)

// Result is the outcome of submit_review_decision.
type Result struct {
	Status   string // SUCCESS, BLOCKED, ERROR
	Decision Decision
	Reason   string
}

// Manager renders review decisions against a cached Source Registry.
type Manager struct {
	store    *store.Store
	registry *Registry
}

// New builds a Manager over a loaded Source Registry.
func New(s *store.Store, registry *Registry) *Manager {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Manager{store: s, registry: registry}
}

// Decide validates the actor, runs the gate chain when the proposed
// decision is APPROVE, and atomically applies the resulting state
// transition and ledger entry — either both commit or neither does.
func (m *Manager) Decide(ctx context.Context, taskID int64, decision Decision, notes, actorRaw string) Result {
	actor, ok := ValidateActor(actorRaw)
	if !ok {
		return Result{Status: "ERROR", Reason: "INVALID_ACTOR"}
	}

	var result Result
	err := m.store.RunSerializable(ctx, func(tx *store.Tx) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			result = Result{Status: "ERROR", Reason: err.Error()}
			return nil
		}
		if task.Status != store.StatusReviewing {
			result = Result{Status: "ERROR", Reason: "ILLEGAL_TRANSITION"}
			return nil
		}

		if decision == DecisionApprove {
			if failure, gateErr := m.runApprovalGates(tx, task, actor, notes); gateErr != nil {
				return gateErr
			} else if failure != nil {
				result = Result{Status: "BLOCKED", Reason: failure.Reason}
				return nil
			}
		}

		ledgerDecision, err := m.applyDecision(tx, task, decision, notes)
		if err != nil {
			result = Result{Status: "ERROR", Reason: err.Error()}
			return nil
		}

		if _, err := tx.AppendLedgerEntry(store.LedgerEntry{
			TaskID:   taskID,
			Decision: string(ledgerDecision),
			Actor:    actor,
			Notes:    notes,
		}); err != nil {
			return fmt.Errorf("gavel: append ledger entry task %d: %w", taskID, err)
		}

		result = Result{Status: "SUCCESS", Decision: ledgerDecision}
		return nil
	})
	if err != nil {
		return Result{Status: "ERROR", Reason: err.Error()}
	}
	return result
}

// runApprovalGates evaluates the five ordered approval gates, returning the
// first failure (if any) as a soft BLOCKED result, or a hard error only on
// an unexpected store failure.
func (m *Manager) runApprovalGates(tx *store.Tx, task *store.Task, actor, notes string) (*GateFailure, error) {
	if failure, err := checkEvidence(m.registry, tx, task); err != nil {
		return nil, err
	} else if failure != nil {
		return failure, nil
	}

	if failure, err := checkTestPairing(tx, task); err != nil {
		return nil, err
	} else if failure != nil {
		return failure, nil
	}

	if failure := checkEntropy(notes); failure != nil {
		return failure, nil
	}

	if failure := checkConfidence(task.Risk, notes); failure != nil {
		return failure, nil
	}

	if actor == "AUTO" {
		if safe, reason := isSafeToAutoApprove(m.registry, task); !safe {
			return &GateFailure{Gate: "auto_approve_safety", Reason: "AUTO_APPROVE_UNSAFE: " + reason}, nil
		}
	}

	return nil, nil
}

// applyDecision performs the State Writer transition for a gate-cleared
// decision. KICKBACK preserves lane, priority, and source_ids (they are
// never touched here) and increments retry_count; REJECT is terminal.
func (m *Manager) applyDecision(tx *store.Tx, task *store.Task, decision Decision, notes string) (Decision, error) {
	switch decision {
	case DecisionApprove:
		err := tx.UpdateTaskState(task.ID, store.StatusReviewing, store.StatusCompleted, func(t *store.Task) error {
			t.ReviewDecision = string(DecisionApprove)
			t.ReviewNotes = notes
			return nil
		})
		return DecisionApprove, err

	case DecisionKickback:
		err := tx.UpdateTaskState(task.ID, store.StatusReviewing, store.StatusPending, func(t *store.Task) error {
			t.ReviewDecision = string(DecisionKickback)
			t.ReviewNotes = notes
			t.RetryCount++
			return nil
		})
		return DecisionKickback, err

	case DecisionReject:
		err := tx.UpdateTaskState(task.ID, store.StatusReviewing, store.StatusDeadLetter, func(t *store.Task) error {
			t.ReviewDecision = string(DecisionReject)
			t.ReviewNotes = notes
			return nil
		})
		return DecisionReject, err

	default:
		return "", fmt.Errorf("gavel: unknown decision %q", decision)
	}
}

// ParseDecision normalizes a caller-supplied decision string.
func ParseDecision(raw string) (Decision, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APPROVE":
		return DecisionApprove, true
	case "REJECT":
		return DecisionReject, true
	case "KICKBACK":
		return DecisionKickback, true
	default:
		return "", false
	}
}
