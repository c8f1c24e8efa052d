package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrelsys/broker/internal/config"
	"github.com/kestrelsys/broker/internal/gavel"
	"github.com/kestrelsys/broker/internal/lease"
	"github.com/kestrelsys/broker/internal/plan"
	"github.com/kestrelsys/broker/internal/readiness"
	"github.com/kestrelsys/broker/internal/scheduler"
	"github.com/kestrelsys/broker/internal/snapshot"
	"github.com/kestrelsys/broker/internal/store"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath, time.Second)
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		General: config.General{DocsDir: t.TempDir(), StateDir: t.TempDir(), RepoRoot: t.TempDir()},
		API:     config.API{Bind: "127.0.0.1:0"},
	}

	sched := scheduler.New(st, store.CanonicalLaneOrder, 10*time.Minute)
	leaseMgr := lease.New(st, 10*time.Minute, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	gavelMgr := gavel.New(st, gavel.DefaultRegistry())
	acceptor := plan.New(st, cfg.General.DocsDir, cfg.General.StateDir, readiness.Thresholds{PRD: 80, SPEC: 80, DecisionLog: 30})
	snap := snapshot.New(st, cfg.General.RepoRoot, false)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	srv, err := NewServer(cfg, st, sched, leaseMgr, gavelMgr, acceptor, snap, logger)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return srv
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestHandlePickNextNoWork(t *testing.T) {
	srv := setupTestServer(t)

	reqBody, _ := json.Marshal(map[string]any{"worker_id": "w1", "worker_type": ""})
	req := httptest.NewRequest(http.MethodPost, "/pick_next", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	srv.handlePickNext(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "NO_WORK" {
		t.Fatalf("expected NO_WORK on an empty store, got %+v", body)
	}
}

func TestHandlePickNextClaimsInsertedTask(t *testing.T) {
	srv := setupTestServer(t)
	ctx := context.Background()

	if _, _, err := srv.store.InsertTasks(ctx, []store.NewTaskInput{
		{Lane: store.LaneBackend, Priority: 10, Description: "do a thing", SourcePlanHash: "p", TaskSignature: "s1"},
	}); err != nil {
		t.Fatalf("InsertTasks failed: %v", err)
	}

	reqBody, _ := json.Marshal(map[string]any{"worker_id": "w1"})
	req := httptest.NewRequest(http.MethodPost, "/pick_next", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	srv.handlePickNext(w, req)

	body := decodeBody(t, w)
	if body["status"] != "OK" {
		t.Fatalf("expected OK, got %+v", body)
	}
	if body["lease_id"] == "" || body["lease_id"] == nil {
		t.Fatalf("expected a lease_id, got %+v", body)
	}
}

func TestHandlePickNextMissingWorkerID(t *testing.T) {
	srv := setupTestServer(t)

	reqBody, _ := json.Marshal(map[string]any{"worker_id": ""})
	req := httptest.NewRequest(http.MethodPost, "/pick_next", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	srv.handlePickNext(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleWorkerHeartbeat(t *testing.T) {
	srv := setupTestServer(t)

	reqBody, _ := json.Marshal(map[string]any{
		"worker_id": "w1", "worker_type": "backend-worker", "allowed_lanes": []string{"backend"},
	})
	req := httptest.NewRequest(http.MethodPost, "/worker_heartbeat", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	srv.handleWorkerHeartbeat(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "OK" || body["last_seen"] == "" {
		t.Fatalf("expected OK with last_seen, got %+v", body)
	}
}

func TestHandleCompleteTaskLeaseMismatch(t *testing.T) {
	srv := setupTestServer(t)
	ctx := context.Background()

	inserted, _, err := srv.store.InsertTasks(ctx, []store.NewTaskInput{
		{Lane: store.LaneBackend, Priority: 10, Description: "do a thing", SourcePlanHash: "p", TaskSignature: "s1"},
	})
	if err != nil {
		t.Fatalf("InsertTasks failed: %v", err)
	}

	reqBody, _ := json.Marshal(map[string]any{
		"id": inserted[0], "ok": true, "worker_id": "nope", "lease_id": "nope",
	})
	req := httptest.NewRequest(http.MethodPost, "/complete_task", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	srv.handleCompleteTask(w, req)

	body := decodeBody(t, w)
	if body["status"] != "ERROR" {
		t.Fatalf("expected ERROR for a task never claimed, got %+v", body)
	}
}

func TestHandleAcceptPlanBlockedWithoutGoldenDocs(t *testing.T) {
	srv := setupTestServer(t)

	reqBody, _ := json.Marshal(map[string]any{"path": "draft.md"})
	req := httptest.NewRequest(http.MethodPost, "/accept_plan", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	srv.handleAcceptPlan(w, req)

	body := decodeBody(t, w)
	if body["status"] != "BLOCKED_BOOTSTRAP" {
		t.Fatalf("expected BLOCKED_BOOTSTRAP with no Golden Docs present, got %+v", body)
	}
}

func TestHandleSubmitReviewDecisionRejectsBadActor(t *testing.T) {
	srv := setupTestServer(t)

	reqBody, _ := json.Marshal(map[string]any{
		"id": 1, "decision": "APPROVE", "notes": "", "actor": "NOBODY",
	})
	req := httptest.NewRequest(http.MethodPost, "/submit_review_decision", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	srv.handleSubmitReviewDecision(w, req)

	body := decodeBody(t, w)
	if body["status"] != "ERROR" || body["reason"] != "INVALID_ACTOR" {
		t.Fatalf("expected INVALID_ACTOR error, got %+v", body)
	}
}

func TestHandleSubmitReviewDecisionUnrecognized(t *testing.T) {
	srv := setupTestServer(t)

	reqBody, _ := json.Marshal(map[string]any{"id": 1, "decision": "MAYBE"})
	req := httptest.NewRequest(http.MethodPost, "/submit_review_decision", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	srv.handleSubmitReviewDecision(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleGetExecSnapshot(t *testing.T) {
	srv := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/get_exec_snapshot", nil)
	w := httptest.NewRecorder()
	srv.handleGetExecSnapshot(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %s", ct)
	}
}

func TestHandleGetContextReadinessBootstrap(t *testing.T) {
	srv := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/get_context_readiness", nil)
	w := httptest.NewRecorder()
	srv.handleGetContextReadiness(w, req)

	body := decodeBody(t, w)
	if body["status"] != string(readiness.StatusBootstrap) {
		t.Fatalf("expected BOOTSTRAP with no docs present, got %+v", body)
	}
}

func TestRequireWritableRefusesInReadOnlyMode(t *testing.T) {
	srv := setupTestServer(t)
	srv.cfg.General.ReadOnly = true

	reqBody, _ := json.Marshal(map[string]any{"worker_id": "w1"})
	req := httptest.NewRequest(http.MethodPost, "/pick_next", bytes.NewReader(reqBody))
	w := httptest.NewRecorder()
	srv.requireWritable(srv.handlePickNext)(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 in read_only mode, got %d", w.Code)
	}
}
