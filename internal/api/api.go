// Package api exposes the broker's tool-call surface over HTTP/JSON:
// pick_next, worker_heartbeat, complete_task, accept_plan,
// submit_review_decision, get_exec_snapshot, and get_context_readiness.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
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

// Server is the HTTP API server.
type Server struct {
	cfg            *config.Config
	store          *store.Store
	scheduler      *scheduler.Scheduler
	lease          *lease.Manager
	gavel          *gavel.Manager
	acceptor       *plan.Acceptor
	snapshot       *snapshot.Service
	logger         *slog.Logger
	startTime      time.Time
	httpServer     *http.Server
	authMiddleware *AuthMiddleware
}

// NewServer creates a new API server over the already-constructed broker
// components.
func NewServer(cfg *config.Config, s *store.Store, sched *scheduler.Scheduler, leaseMgr *lease.Manager, gavelMgr *gavel.Manager, acceptor *plan.Acceptor, snap *snapshot.Service, logger *slog.Logger) (*Server, error) {
	authMiddleware, err := NewAuthMiddleware(&cfg.API.Security, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize auth middleware: %w", err)
	}

	return &Server{
		cfg:            cfg,
		store:          s,
		scheduler:      sched,
		lease:          leaseMgr,
		gavel:          gavelMgr,
		acceptor:       acceptor,
		snapshot:       snap,
		logger:         logger,
		startTime:      time.Now(),
		authMiddleware: authMiddleware,
	}, nil
}

// Close releases server resources.
func (s *Server) Close() error {
	if s.authMiddleware != nil {
		return s.authMiddleware.Close()
	}
	return nil
}

// Start begins listening on the configured bind address. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Read-only endpoints, always available regardless of read_only mode.
	mux.HandleFunc("/get_exec_snapshot", s.handleGetExecSnapshot)
	mux.HandleFunc("/get_context_readiness", s.handleGetContextReadiness)

	// Tool calls that mutate state: auth-gated and refused in read_only mode.
	mux.HandleFunc("/pick_next", s.requireWritable(s.handlePickNext))
	mux.HandleFunc("/worker_heartbeat", s.requireWritable(s.handleWorkerHeartbeat))
	mux.HandleFunc("/complete_task", s.requireWritable(s.handleCompleteTask))
	mux.HandleFunc("/accept_plan", s.requireWritable(s.handleAcceptPlan))
	mux.HandleFunc("/submit_review_decision", s.requireWritable(s.handleSubmitReviewDecision))

	s.httpServer = &http.Server{
		Addr:        s.cfg.API.Bind,
		Handler:     mux,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.cfg.API.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// requireWritable runs token auth first, then refuses the call when the
// process is configured read_only.
func (s *Server) requireWritable(next http.HandlerFunc) http.HandlerFunc {
	return s.authMiddleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.General.ReadOnly {
			writeError(w, http.StatusForbidden, "broker is running in read_only mode")
			return
		}
		next(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// POST /pick_next
func (s *Server) handlePickNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		WorkerID     string   `json:"worker_id"`
		WorkerType   string   `json:"worker_type"`
		BlockedLanes []string `json:"blocked_lanes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id required")
		return
	}

	blocked := make([]store.Lane, 0, len(req.BlockedLanes))
	for _, l := range req.BlockedLanes {
		blocked = append(blocked, store.Lane(l))
	}

	pick, diag, err := s.scheduler.PickNext(r.Context(), req.WorkerID, req.WorkerType, blocked...)
	if err != nil {
		s.logger.Error("pick_next failed", "worker_id", req.WorkerID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if pick == nil {
		resp := map[string]any{"status": "NO_WORK"}
		if diag != nil {
			resp["pending_total"] = diag.PendingTotal
			blockedLanes := make(map[string]any, len(diag.BlockedLanes))
			for lane, reason := range diag.BlockedLanes {
				blockedLanes[string(lane)] = map[string]any{
					"reason":         reason.Reason,
					"unknown_tokens": reason.UnknownTokens,
				}
			}
			resp["blocked_lanes"] = blockedLanes
		}
		writeJSON(w, resp)
		return
	}

	writeJSON(w, map[string]any{
		"status":      "OK",
		"id":          pick.Task.ID,
		"lane":        pick.Task.Lane,
		"description": pick.Task.Description,
		"priority":    pick.Task.Priority,
		"exec_class":  pick.Task.ExecClass,
		"preempted":   pick.Preempted,
		"lease_id":    pick.LeaseID,
	})
}

// POST /worker_heartbeat
func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		WorkerID     string   `json:"worker_id"`
		WorkerType   string   `json:"worker_type"`
		AllowedLanes []string `json:"allowed_lanes"`
		TaskIDs      []int64  `json:"task_ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id required")
		return
	}

	lastSeen, err := s.lease.Heartbeat(r.Context(), req.WorkerID, req.WorkerType, req.AllowedLanes, req.TaskIDs)
	if err != nil {
		s.logger.Error("worker_heartbeat failed", "worker_id", req.WorkerID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, map[string]any{
		"status":    "OK",
		"last_seen": lastSeen.Format(time.RFC3339),
	})
}

// POST /complete_task
func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		ID       int64    `json:"id"`
		Output   string   `json:"output"`
		OK       bool     `json:"ok"`
		WorkerID string   `json:"worker_id"`
		LeaseID  string   `json:"lease_id"`
		Evidence []string `json:"evidence"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result := s.lease.Complete(r.Context(), req.ID, req.WorkerID, req.LeaseID, req.OK, req.Output, req.Evidence)

	resp := map[string]any{"status": result.Status}
	if result.Reason != "" {
		resp["reason"] = result.Reason
	}
	writeJSON(w, resp)
}

// POST /accept_plan
func (s *Server) handleAcceptPlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}

	result := s.acceptor.Accept(r.Context(), req.Path)

	resp := map[string]any{"status": result.Status}
	if result.CreatedCount > 0 {
		resp["created_count"] = result.CreatedCount
	}
	if result.PlanHash != "" {
		resp["plan_hash"] = result.PlanHash
	}
	if len(result.BlockingFiles) > 0 {
		resp["blocking_files"] = result.BlockingFiles
	}
	if result.Reason != "" {
		resp["reason"] = result.Reason
	}
	writeJSON(w, resp)
}

// POST /submit_review_decision
func (s *Server) handleSubmitReviewDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		ID       int64  `json:"id"`
		Decision string `json:"decision"`
		Notes    string `json:"notes"`
		Actor    string `json:"actor"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision, ok := gavel.ParseDecision(req.Decision)
	if !ok {
		writeError(w, http.StatusBadRequest, "unrecognized decision")
		return
	}

	result := s.gavel.Decide(r.Context(), req.ID, decision, req.Notes, req.Actor)

	resp := map[string]any{"status": result.Status}
	if result.Decision != "" {
		resp["decision"] = result.Decision
	}
	if result.Reason != "" {
		resp["reason"] = result.Reason
	}
	writeJSON(w, resp)
}

// GET /get_exec_snapshot
func (s *Server) handleGetExecSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, s.snapshot.Build(r.Context()))
}

// GET /get_context_readiness
func (s *Server) handleGetContextReadiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	th := readiness.Thresholds{
		PRD:         s.cfg.Readiness.PRDThreshold,
		SPEC:        s.cfg.Readiness.SPECThreshold,
		DecisionLog: s.cfg.Readiness.DecisionLogThreshold,
	}
	report := readiness.Score(s.cfg.General.DocsDir, th)

	writeJSON(w, map[string]any{
		"status":         report.Status,
		"files":          report.Files,
		"blocking_files": report.BlockingFiles,
		"thresholds":     report.Thresholds,
	})
}
