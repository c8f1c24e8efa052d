// Package readiness scores the project's Golden Docs (PRD, SPEC,
// DECISION_LOG) and decides whether the broker is in BOOTSTRAP mode
// (docs still being written) or EXECUTION mode (ready to schedule work).
//
// Scoring deliberately fails open: a read error on a doc file degrades its
// score rather than aborting the gate, because a missing or unreadable doc
// should push the project toward BOOTSTRAP, not wedge the broker.
package readiness

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Status is the overall readiness verdict.
type Status string

const (
	StatusBootstrap Status = "BOOTSTRAP"
	StatusExecution Status = "EXECUTION"
)

// stubMarker flags a doc as a still-templated stub rather than real content.
const stubMarker = "ATOMIC_MESH_TEMPLATE_STUB"

// DocResult is the per-document scoring detail.
type DocResult struct {
	Score   int
	Exists  bool
	Length  int
	Headers int
	Bullets int
	Missing []string
}

// Report is the full readiness verdict across all Golden Docs.
type Report struct {
	Status        Status
	Files         map[string]DocResult
	Thresholds    map[string]int
	Ready         bool
	BlockingFiles []string
}

// docSpec describes one Golden Doc to score.
type docSpec struct {
	name             string
	path             string
	altPath          string
	threshold        int
	requiredHeaders  []string
}

// Thresholds mirrors internal/config.Readiness; passed in rather than
// imported to keep this package free of a config dependency.
type Thresholds struct {
	PRD          int
	SPEC         int
	DecisionLog  int
}

// Score analyzes the Golden Docs under docsDir and returns a Report.
// docsDir typically points at <repo>/docs.
func Score(docsDir string, th Thresholds) Report {
	specs := []docSpec{
		{
			name:            "PRD",
			path:            filepath.Join(docsDir, "PRD.md"),
			threshold:       th.PRD,
			requiredHeaders: []string{"Goals", "User Stories", "Success Metrics"},
		},
		{
			name:            "SPEC",
			path:            filepath.Join(docsDir, "SPEC.md"),
			altPath:         filepath.Join(docsDir, "ACTIVE_SPEC.md"),
			threshold:       th.SPEC,
			requiredHeaders: []string{"Data Model", "API", "Security"},
		},
		{
			name:            "DECISION_LOG",
			path:            filepath.Join(docsDir, "DECISION_LOG.md"),
			threshold:       th.DecisionLog,
			requiredHeaders: []string{"Records"},
		},
	}

	files := make(map[string]DocResult, len(specs))
	thresholds := make(map[string]int, len(specs))
	var blocking []string

	for _, spec := range specs {
		thresholds[spec.name] = spec.threshold
		result := scoreDoc(spec)
		files[spec.name] = result
		if result.Score < spec.threshold {
			blocking = append(blocking, spec.name)
		}
	}

	status := StatusExecution
	if len(blocking) > 0 {
		status = StatusBootstrap
	}

	return Report{
		Status:        status,
		Files:         files,
		Thresholds:    thresholds,
		Ready:         status == StatusExecution,
		BlockingFiles: blocking,
	}
}

func scoreDoc(spec docSpec) DocResult {
	path := spec.path
	if !fileExists(path) && spec.altPath != "" && fileExists(spec.altPath) {
		path = spec.altPath
	}

	if !fileExists(path) {
		return DocResult{Missing: append([]string(nil), spec.requiredHeaders...)}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		// Fail open: treat as existing but unscored content, matching the
		// "exists credit only" behavior on a read error.
		return DocResult{Score: 10, Exists: true}
	}
	content := string(raw)

	score := 10 // exists
	isStub := strings.Contains(content, stubMarker)

	words := len(strings.Fields(content))
	if words > 150 && !isStub {
		score += 20
	}

	headersFound := 0
	var missing []string
	for _, header := range spec.requiredHeaders {
		if matchesHeader(content, header) {
			headersFound++
			score += 10
		} else {
			missing = append(missing, header)
		}
	}

	bulletsFound := countBullets(content)
	if bulletsFound > 5 && !isStub {
		score += 20
	}

	if isStub {
		score = applyStubCap(spec.name, content, words, bulletsFound, score)
	} else if spec.name == "DECISION_LOG" && !hasRealDecisions(content) {
		score = min(score, 40)
	}

	if score > 100 {
		score = 100
	}

	return DocResult{
		Score:   score,
		Exists:  true,
		Length:  words,
		Headers: headersFound,
		Bullets: bulletsFound,
		Missing: missing,
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// headerPatternCache memoizes the compiled regexp per required header name.
// Score runs from both the get_context_readiness handler and plan
// acceptance, which can serve concurrent requests, so reads and first-use
// compiles can race; guard every access.
var (
	headerPatternMu    sync.RWMutex
	headerPatternCache = map[string]*regexp.Regexp{}
)

func matchesHeader(content, header string) bool {
	headerPatternMu.RLock()
	pattern, ok := headerPatternCache[header]
	headerPatternMu.RUnlock()
	if !ok {
		pattern = regexp.MustCompile(`(?im)^(?:#{1,6}\s+)?` + regexp.QuoteMeta(header) + `(?:[\s:]*$|\s*\()`)
		headerPatternMu.Lock()
		headerPatternCache[header] = pattern
		headerPatternMu.Unlock()
	}
	return pattern.MatchString(content)
}

var bulletPattern = regexp.MustCompile(`(?m)^[ \t]*(?:(?:[-*]|\d+\.)\s+(?:\[[ xX]\]\s+)?|\[[ xX]\]\s+)`)

func countBullets(content string) int {
	return len(bulletPattern.FindAllString(content, -1))
}

func applyStubCap(docName, content string, words, bulletsFound, score int) int {
	if docName == "DECISION_LOG" {
		if hasRealDecisions(content) {
			score += 10
			if words > 150 {
				score += 20
			}
			if bulletsFound > 5 {
				score += 20
			}
			return score
		}
		return min(score, 40)
	}

	meaningful := countMeaningfulLines(content)
	if meaningful >= 6 {
		if words > 150 {
			score += 20
		}
		if bulletsFound > 5 {
			score += 20
		}
		if meaningful >= 10 {
			score += 20
		}
		return score
	}
	return min(score, 40)
}
