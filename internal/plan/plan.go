// Package plan implements the Plan Acceptor: it turns a markdown plan
// artifact into rows in the Store, idempotently by the plan's content hash
// and, within a plan, by a per-task signature.
package plan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/kestrelsys/broker/internal/readiness"
	"github.com/kestrelsys/broker/internal/store"
)

// Result is the outcome of accepting a plan.
type Result struct {
	Status       string // OK, ALREADY_ACCEPTED, BLOCKED_BOOTSTRAP, ERROR
	CreatedCount int
	PlanHash     string
	BlockingFiles []string
	Reason       string
}

// Acceptor parses and accepts plan artifacts.
type Acceptor struct {
	store      *store.Store
	docsDir    string
	stateDir   string
	thresholds readiness.Thresholds
}

// New builds an Acceptor. docsDir is where the Golden Docs (PRD.md,
// SPEC.md, DECISION_LOG.md) live, consulted via the Readiness Gate before
// any plan is accepted. stateDir is where the derived plan_preview
// artifact is written after a successful accept.
func New(s *store.Store, docsDir, stateDir string, thresholds readiness.Thresholds) *Acceptor {
	return &Acceptor{store: s, docsDir: docsDir, stateDir: stateDir, thresholds: thresholds}
}

// Accept reads the plan artifact at path, and if the project is EXECUTION
// ready and the plan hash is new, inserts its tasks.
func (a *Acceptor) Accept(ctx context.Context, path string) Result {
	report := readiness.Score(a.docsDir, a.thresholds)
	if !report.Ready {
		return Result{Status: "BLOCKED_BOOTSTRAP", BlockingFiles: report.BlockingFiles}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{Status: "ERROR", Reason: fmt.Sprintf("reading plan %s: %v", path, err)}
	}

	planHash := HashContent(raw)

	accepted, err := a.planHashExistsAnyStatus(ctx, planHash)
	if err != nil {
		return Result{Status: "ERROR", Reason: err.Error()}
	}
	if accepted {
		return Result{Status: "ALREADY_ACCEPTED", PlanHash: planHash}
	}

	parsed, err := Parse(string(raw))
	if err != nil {
		return Result{Status: "ERROR", Reason: err.Error()}
	}

	inputs := dedupBySignature(parsed, planHash)

	inserted, _, err := a.store.InsertTasks(ctx, inputs)
	if err != nil {
		return Result{Status: "ERROR", Reason: err.Error()}
	}

	if err := a.writePreview(ctx, planHash, inserted); err != nil {
		return Result{Status: "ERROR", Reason: err.Error()}
	}

	if err := a.store.SetConfigValue(ctx, store.PlanPathKey, path); err != nil {
		return Result{Status: "ERROR", Reason: err.Error()}
	}
	if err := a.store.SetConfigValue(ctx, store.PlanHashKey, planHash); err != nil {
		return Result{Status: "ERROR", Reason: err.Error()}
	}

	return Result{Status: "OK", CreatedCount: len(inserted), PlanHash: planHash}
}

// writePreview materializes the derived plan_preview artifact by reading
// the just-inserted tasks back from the Store — the source of truth —
// rather than re-rendering the input file, and writes it under stateDir.
// A plan with nothing newly inserted (it has no task lines) still gets an
// (empty) preview for the plan hash.
func (a *Acceptor) writePreview(ctx context.Context, planHash string, insertedIDs []int64) error {
	if a.stateDir == "" {
		return nil
	}
	if err := os.MkdirAll(a.stateDir, 0o755); err != nil {
		return fmt.Errorf("plan: create state dir %s: %w", a.stateDir, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Plan Preview\n\nplan_hash: %s\n\n", planHash)
	for _, id := range insertedIDs {
		task, err := a.store.GetTask(ctx, id)
		if err != nil {
			return fmt.Errorf("plan: read back task %d for preview: %w", id, err)
		}
		fmt.Fprintf(&b, "- [%s] (P%d) %s (id=%d)\n", task.Lane, task.Priority, task.Description, task.ID)
	}

	previewPath := filepath.Join(a.stateDir, "plan_preview.md")
	if err := os.WriteFile(previewPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("plan: write preview %s: %w", previewPath, err)
	}
	return nil
}

func (a *Acceptor) planHashExistsAnyStatus(ctx context.Context, planHash string) (bool, error) {
	for _, status := range []store.TaskStatus{
		store.StatusPending, store.StatusInProgress, store.StatusReviewing,
		store.StatusCompleted, store.StatusBlocked, store.StatusDeadLetter,
	} {
		tasks, err := a.store.ListTasksByStatus(ctx, status)
		if err != nil {
			return false, fmt.Errorf("plan: scan existing tasks: %w", err)
		}
		if planHashAlreadyAccepted(tasks, planHash) {
			return true, nil
		}
	}
	return false, nil
}

func planHashAlreadyAccepted(tasks []*store.Task, planHash string) bool {
	for _, t := range tasks {
		if t.SourcePlanHash == planHash {
			return true
		}
	}
	return false
}

// HashContent computes the canonical plan_hash over normalized content:
// trailing whitespace per line stripped, line endings normalized, trailing
// blank lines collapsed.
func HashContent(raw []byte) string {
	canon := canonicalize(string(raw))
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}

func canonicalize(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// ParsedTask is one task line parsed out of a plan artifact, before
// signature computation.
type ParsedTask struct {
	Lane        store.Lane
	Description string
	DoD         string
	Trace       string
	Priority    int
	Deps        []string
}

var taskLinePattern = regexp.MustCompile(`^\s*-\s*\[([a-zA-Z]+)\]\s*(?:\(P(\d+)\))?\s*(.+?)\s*$`)
var depsPattern = regexp.MustCompile(`deps:\s*\[([^\]]*)\]`)
var dodPattern = regexp.MustCompile(`dod:\s*"([^"]*)"`)
var tracePattern = regexp.MustCompile(`trace:\s*(\S+)`)

var laneAliases = map[string]store.Lane{
	"backend": store.LaneBackend, "be": store.LaneBackend,
	"frontend": store.LaneFrontend, "fe": store.LaneFrontend,
	"qa": store.LaneQA, "test": store.LaneQA,
	"ops": store.LaneOps, "devops": store.LaneOps,
	"docs": store.LaneDocs, "documentation": store.LaneDocs,
}

// Parse extracts a sequence of tasks from a plan's markdown content. Lines
// look like: "- [backend] (P5) Implement the lease reaper. deps:[12,docs:x] dod:\"reaper test passes\""
func Parse(content string) ([]ParsedTask, error) {
	var tasks []ParsedTask

	for _, line := range strings.Split(content, "\n") {
		m := taskLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		laneToken := strings.ToLower(strings.TrimSpace(m[1]))
		lane, ok := laneAliases[laneToken]
		if !ok {
			return nil, fmt.Errorf("plan: unrecognized lane %q in line %q", laneToken, line)
		}

		priority := 10
		if m[2] != "" {
			p, err := strconv.Atoi(m[2])
			if err != nil {
				return nil, fmt.Errorf("plan: invalid priority in line %q: %w", line, err)
			}
			priority = p
		}

		rest := m[3]
		description := rest
		var deps []string
		if dm := depsPattern.FindStringSubmatch(rest); dm != nil {
			description = depsPattern.ReplaceAllString(description, "")
			for _, d := range strings.Split(dm[1], ",") {
				d = strings.TrimSpace(d)
				if d != "" {
					deps = append(deps, d)
				}
			}
		}
		var dod string
		if dm := dodPattern.FindStringSubmatch(rest); dm != nil {
			dod = dm[1]
			description = dodPattern.ReplaceAllString(description, "")
		}
		var trace string
		if tm := tracePattern.FindStringSubmatch(rest); tm != nil {
			trace = tm[1]
			description = tracePattern.ReplaceAllString(description, "")
		}

		tasks = append(tasks, ParsedTask{
			Lane:        lane,
			Description: strings.TrimSpace(description),
			DoD:         dod,
			Trace:       trace,
			Priority:    priority,
			Deps:        deps,
		})
	}

	return tasks, nil
}

// TaskSignature is the deterministic per-plan dedup fingerprint:
// H(lane || normalize(description)).
func TaskSignature(lane store.Lane, description string) string {
	normalized := normalizeDescription(description)
	sum := sha256.Sum256([]byte(string(lane) + "||" + normalized))
	return hex.EncodeToString(sum[:])
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func normalizeDescription(description string) string {
	lower := strings.ToLower(strings.TrimSpace(description))
	return whitespaceRun.ReplaceAllString(lower, " ")
}

func laneRank(lane store.Lane) int {
	for i, l := range store.CanonicalLaneOrder {
		if l == lane {
			return i
		}
	}
	return len(store.CanonicalLaneOrder)
}

// traceSourceIDs splits a parsed trace token into the source_ids the
// evidence gate resolves against the Source Registry. Most plan lines
// carry a single id ("trace: SPEC-API-01"); a comma-separated list is
// split defensively in case a future plan line names more than one.
func traceSourceIDs(trace string) []string {
	if trace == "" {
		return nil
	}
	var ids []string
	for _, id := range strings.Split(trace, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// dedupBySignature converts parsed tasks into store inputs, dropping
// within-plan duplicates by task_signature (keeping the first occurrence).
func dedupBySignature(parsed []ParsedTask, planHash string) []store.NewTaskInput {
	seen := make(map[string]bool, len(parsed))
	inputs := make([]store.NewTaskInput, 0, len(parsed))

	for _, p := range parsed {
		sig := TaskSignature(p.Lane, p.Description)
		if seen[sig] {
			continue
		}
		seen[sig] = true

		risk := store.RiskLow
		archetype := store.ArchetypeGeneric

		inputs = append(inputs, store.NewTaskInput{
			Lane:           p.Lane,
			LaneRank:       laneRank(p.Lane),
			Description:    p.Description,
			Dependencies:   p.Deps,
			Priority:       p.Priority,
			ExecClass:      store.ExecParallel,
			Archetype:      archetype,
			Risk:           risk,
			DoD:            p.DoD,
			SourceIDs:      traceSourceIDs(p.Trace),
			SourcePlanHash: planHash,
			TaskSignature:  sig,
		})
	}

	return inputs
}
