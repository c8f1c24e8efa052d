package gavel

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/kestrelsys/broker/internal/store"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(dbPath, time.Second)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRegistry() *Registry {
	return newRegistry(registryFile{
		Sources: map[string]sourceEntry{
			"hipaa": {Authority: "MANDATORY", IDPattern: "HIPAA-*"},
			"pro":   {Authority: "STRONG", IDPattern: "PRO-*"},
			"std":   {Authority: "DEFAULT", IDPattern: "STD-*"},
		},
		CuratedRules: map[string]curatedRule{
			"decision_record": {IDPattern: "DR-*"},
		},
	})
}

func reviewingTask(t *testing.T, s *store.Store, input store.NewTaskInput) int64 {
	t.Helper()
	ctx := context.Background()
	inserted, _, err := s.InsertTasks(ctx, []store.NewTaskInput{input})
	if err != nil {
		t.Fatalf("InsertTasks failed: %v", err)
	}
	id := inserted[0]

	if err := s.UpdateTaskState(ctx, id, store.StatusPending, store.StatusInProgress, nil); err != nil {
		t.Fatalf("advance to in_progress failed: %v", err)
	}
	if err := s.UpdateTaskState(ctx, id, store.StatusInProgress, store.StatusReviewing, nil); err != nil {
		t.Fatalf("advance to reviewing failed: %v", err)
	}
	return id
}

func TestAuthorityResolution(t *testing.T) {
	reg := testRegistry()

	cases := map[string]Authority{
		"HIPAA-SEC-01": AuthorityMandatory,
		"GDPR-01":      AuthorityDefault, // not registered, falls through to DEFAULT
		"PRO-ARCH-01":  AuthorityStrong,
		"STD-CODE-01":  AuthorityDefault,
		"DR-002":       AuthorityMandatory, // curated rule always resolves MANDATORY
		"UNKNOWN-99":   AuthorityDefault,
	}
	for sourceID, want := range cases {
		if got := reg.Resolve(sourceID); got != want {
			t.Errorf("Resolve(%s) = %s, want %s", sourceID, got, want)
		}
	}
}

func TestApproveBlocksOnMissingEvidence(t *testing.T) {
	s := tempStore(t)
	mgr := New(s, testRegistry())

	taskID := reviewingTask(t, s, store.NewTaskInput{
		Lane: store.LaneBackend, Description: "handle phi", SourcePlanHash: "p", TaskSignature: "sig1",
		SourceIDs: []string{"HIPAA-SEC-01"}, Risk: store.RiskLow,
	})

	result := mgr.Decide(context.Background(), taskID, DecisionApprove, "Entropy Check: Passed.", "HUMAN")
	if result.Status != "BLOCKED" {
		t.Fatalf("expected BLOCKED without provenance, got %+v", result)
	}
}

func TestApproveSucceedsAfterProvenanceRecorded(t *testing.T) {
	s := tempStore(t)
	mgr := New(s, testRegistry())
	ctx := context.Background()

	taskID := reviewingTask(t, s, store.NewTaskInput{
		Lane: store.LaneBackend, Description: "handle phi", SourcePlanHash: "p", TaskSignature: "sig1",
		SourceIDs: []string{"HIPAA-SEC-01"}, Risk: store.RiskLow,
	})
	if err := s.RecordProvenance(ctx, "HIPAA-SEC-01", "internal/phi/handler.go"); err != nil {
		t.Fatalf("RecordProvenance failed: %v", err)
	}

	result := mgr.Decide(ctx, taskID, DecisionApprove, "Entropy Check: Passed.", "HUMAN")
	if result.Status != "SUCCESS" || result.Decision != DecisionApprove {
		t.Fatalf("expected SUCCESS APPROVE, got %+v", result)
	}

	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
}

func TestTestPairingGateBlocksRiskyArchetypeWithoutSiblingTest(t *testing.T) {
	s := tempStore(t)
	mgr := New(s, testRegistry())

	taskID := reviewingTask(t, s, store.NewTaskInput{
		Lane: store.LaneBackend, Description: "implement calculation", SourcePlanHash: "p", TaskSignature: "sig1",
		Archetype: store.ArchetypeLogic, Risk: store.RiskLow,
	})

	result := mgr.Decide(context.Background(), taskID, DecisionApprove, "Entropy Check: Passed.", "HUMAN")
	if result.Status != "BLOCKED" || result.Reason != "MISSING_PAIRED_TEST" {
		t.Fatalf("expected MISSING_PAIRED_TEST, got %+v", result)
	}
}

func TestTestPairingGatePassesWithReferencingSibling(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	mgr := New(s, testRegistry())

	taskID := reviewingTask(t, s, store.NewTaskInput{
		Lane: store.LaneBackend, Description: "implement calculation", SourcePlanHash: "p", TaskSignature: "sig1",
		Archetype: store.ArchetypeLogic, Risk: store.RiskLow,
	})
	if _, _, err := s.InsertTasks(ctx, []store.NewTaskInput{
		{Lane: store.LaneQA, Archetype: store.ArchetypeTest, Description: "covers T-" + strconv.FormatInt(taskID, 10),
			SourcePlanHash: "p", TaskSignature: "sig2"},
	}); err != nil {
		t.Fatalf("InsertTasks failed: %v", err)
	}

	result := mgr.Decide(ctx, taskID, DecisionApprove, "Entropy Check: Passed.", "HUMAN")
	if result.Status != "SUCCESS" {
		t.Fatalf("expected SUCCESS with paired test, got %+v", result)
	}
}

func TestEntropyGateRequiresProofUnlessWaived(t *testing.T) {
	s := tempStore(t)
	mgr := New(s, testRegistry())

	taskID := reviewingTask(t, s, store.NewTaskInput{
		Lane: store.LaneBackend, Description: "plain work", SourcePlanHash: "p", TaskSignature: "sig1",
		Risk: store.RiskLow,
	})

	result := mgr.Decide(context.Background(), taskID, DecisionApprove, "looks fine to me", "HUMAN")
	if result.Status != "BLOCKED" || result.Reason != "MISSING_ENTROPY_PROOF" {
		t.Fatalf("expected MISSING_ENTROPY_PROOF, got %+v", result)
	}

	taskID2 := reviewingTask(t, s, store.NewTaskInput{
		Lane: store.LaneBackend, Description: "plain work 2", SourcePlanHash: "p", TaskSignature: "sig2",
		Risk: store.RiskLow,
	})
	result2 := mgr.Decide(context.Background(), taskID2, DecisionApprove, "OPTIMIZATION WAIVED: tight deadline", "HUMAN")
	if result2.Status != "SUCCESS" {
		t.Fatalf("expected waiver to pass entropy gate, got %+v", result2)
	}
}

func TestConfidenceGateScalesWithRisk(t *testing.T) {
	s := tempStore(t)
	mgr := New(s, testRegistry())

	taskID := reviewingTask(t, s, store.NewTaskInput{
		Lane: store.LaneBackend, Description: "risky change", SourcePlanHash: "p", TaskSignature: "sig1",
		Risk: store.RiskHigh,
	})

	blocked := mgr.Decide(context.Background(), taskID, DecisionApprove, "Entropy Check: Passed.", "AUTO")
	if blocked.Status != "BLOCKED" || blocked.Reason != "MISSING_CONFIDENCE_PROOF" {
		t.Fatalf("expected MISSING_CONFIDENCE_PROOF, got %+v", blocked)
	}

	taskID2 := reviewingTask(t, s, store.NewTaskInput{
		Lane: store.LaneBackend, Description: "risky change 2", SourcePlanHash: "p", TaskSignature: "sig2",
		Risk: store.RiskHigh,
	})
	ok := mgr.Decide(context.Background(), taskID2, DecisionApprove, "Entropy Check: Passed. Verify: 95/100", "HUMAN")
	if ok.Status != "SUCCESS" {
		t.Fatalf("expected SUCCESS at verify 95/100 for HIGH risk, got %+v", ok)
	}
}

func TestAutoApproveRefusesRiskyArchetype(t *testing.T) {
	s := tempStore(t)
	mgr := New(s, testRegistry())

	taskID := reviewingTask(t, s, store.NewTaskInput{
		Lane: store.LaneBackend, Description: "auth work", SourcePlanHash: "p", TaskSignature: "sig1",
		Archetype: store.ArchetypeSec, Risk: store.RiskLow, SourceIDs: []string{"STD-CODE-01"},
	})
	if _, _, err := s.InsertTasks(context.Background(), []store.NewTaskInput{
		{Lane: store.LaneQA, Archetype: store.ArchetypeTest, Description: "covers T-" + strconv.FormatInt(taskID, 10),
			SourcePlanHash: "p", TaskSignature: "sig2"},
	}); err != nil {
		t.Fatalf("InsertTasks failed: %v", err)
	}

	result := mgr.Decide(context.Background(), taskID, DecisionApprove, "Entropy Check: Passed.", "AUTO")
	if result.Status != "BLOCKED" {
		t.Fatalf("expected AUTO to be refused on SEC archetype, got %+v", result)
	}
}

func TestKickbackAndRejectSkipApprovalGates(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	mgr := New(s, testRegistry())

	kickbackID := reviewingTask(t, s, store.NewTaskInput{
		Lane: store.LaneBackend, Description: "needs rework", SourcePlanHash: "p", TaskSignature: "sig1",
		Risk: store.RiskHigh,
	})
	result := mgr.Decide(ctx, kickbackID, DecisionKickback, "not good enough, try again", "HUMAN")
	if result.Status != "SUCCESS" || result.Decision != DecisionKickback {
		t.Fatalf("expected SUCCESS KICKBACK without gates, got %+v", result)
	}
	task, err := s.GetTask(ctx, kickbackID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != store.StatusPending || task.RetryCount != 1 {
		t.Fatalf("expected pending with retry_count=1, got %+v", task)
	}

	rejectID := reviewingTask(t, s, store.NewTaskInput{
		Lane: store.LaneBackend, Description: "abandon", SourcePlanHash: "p", TaskSignature: "sig2",
		Risk: store.RiskHigh,
	})
	rejectResult := mgr.Decide(ctx, rejectID, DecisionReject, "scope cancelled", "HUMAN")
	if rejectResult.Status != "SUCCESS" || rejectResult.Decision != DecisionReject {
		t.Fatalf("expected SUCCESS REJECT, got %+v", rejectResult)
	}
}

func TestInvalidActorRejectedBeforeGates(t *testing.T) {
	s := tempStore(t)
	mgr := New(s, testRegistry())

	taskID := reviewingTask(t, s, store.NewTaskInput{
		Lane: store.LaneBackend, Description: "work", SourcePlanHash: "p", TaskSignature: "sig1",
	})

	result := mgr.Decide(context.Background(), taskID, DecisionApprove, "Entropy Check: Passed.", "ROBOT")
	if result.Status != "ERROR" || result.Reason != "INVALID_ACTOR" {
		t.Fatalf("expected INVALID_ACTOR, got %+v", result)
	}
}
