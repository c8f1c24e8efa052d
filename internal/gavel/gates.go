package gavel

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kestrelsys/broker/internal/store"
)

// GateFailure is a single named gate rejection; the gate chain stops at the
// first failure and reports only that one.
type GateFailure struct {
	Gate   string
	Reason string
}

var verifyScorePattern = regexp.MustCompile(`verify:\s*(\d{1,3})/100`)

// confidenceThreshold returns the minimum verify score required for a risk
// level, and whether the gate applies at all (LOW and unrecognized risk are
// exempt).
func confidenceThreshold(risk store.Risk) (threshold int, applies bool) {
	switch strings.ToUpper(string(risk)) {
	case "HIGH":
		return 95, true
	case "MEDIUM", "MED":
		return 90, true
	default:
		return 0, false
	}
}

// hasOverride reports whether notes carry a captain override for the given
// topic ("confidence" or "entropy"); both the override marker and the topic
// word must be present.
func hasOverride(notesLower, topic string) bool {
	return strings.Contains(notesLower, "captain_override:") && strings.Contains(notesLower, topic)
}

// checkConfidence is the risk-scaled Verify:N/100 gate. It only runs for
// MEDIUM/HIGH risk tasks; LOW risk (and unset/unknown risk, which is
// treated as LOW) bypasses it entirely.
func checkConfidence(risk store.Risk, notes string) *GateFailure {
	threshold, applies := confidenceThreshold(risk)
	if !applies {
		return nil
	}

	notesLower := strings.ToLower(notes)
	if hasOverride(notesLower, "confidence") {
		return nil
	}

	match := verifyScorePattern.FindStringSubmatch(notesLower)
	if match == nil {
		return &GateFailure{Gate: "confidence", Reason: "MISSING_CONFIDENCE_PROOF"}
	}

	score, err := strconv.Atoi(match[1])
	if err != nil || score < threshold {
		return &GateFailure{Gate: "confidence", Reason: "INSUFFICIENT_CONFIDENCE"}
	}
	return nil
}

// checkEntropy always runs, regardless of risk: every completed task must
// show an entropy check, a waiver, or an override.
func checkEntropy(notes string) *GateFailure {
	notesLower := strings.ToLower(notes)

	if strings.Contains(notesLower, "entropy check:") && strings.Contains(notesLower, "passed") {
		return nil
	}
	if strings.Contains(notesLower, "optimization waived:") {
		return nil
	}
	if hasOverride(notesLower, "entropy") {
		return nil
	}
	return &GateFailure{Gate: "entropy", Reason: "MISSING_ENTROPY_PROOF"}
}

// checkEvidence enforces the Source Registry's authority rules: MANDATORY
// sources need a recorded provenance location, STRONG sources need either
// provenance or a non-empty override justification, DEFAULT sources need
// nothing.
func checkEvidence(reg *Registry, tx *store.Tx, task *store.Task) (*GateFailure, error) {
	hasJustification := strings.TrimSpace(task.OverrideJustification) != ""

	for _, sourceID := range task.SourceIDs {
		authority := reg.Resolve(sourceID)

		has, err := tx.HasProvenance(sourceID)
		if err != nil {
			return nil, err
		}

		switch authority {
		case AuthorityMandatory:
			if !has {
				return &GateFailure{Gate: "evidence", Reason: "MISSING EVIDENCE: " + sourceID + " has no code implementation"}, nil
			}
		case AuthorityStrong:
			if !has && !hasJustification {
				return &GateFailure{Gate: "evidence", Reason: "STRONG source " + sourceID + " requires evidence or override justification"}, nil
			}
		}
	}
	return nil, nil
}

// checkTestPairing requires a risky archetype to have a sibling TEST task
// whose description references it, either as "T-<id>" or "[TESTS: <id>]".
func checkTestPairing(tx *store.Tx, task *store.Task) (*GateFailure, error) {
	if !store.RiskyArchetypes[task.Archetype] {
		return nil, nil
	}

	tests, err := tx.ListTasksByArchetype(store.ArchetypeTest)
	if err != nil {
		return nil, err
	}

	idStr := strconv.FormatInt(task.ID, 10)
	refA := "T-" + idStr
	refB := "[TESTS: " + idStr + "]"
	for _, test := range tests {
		if strings.Contains(test.Description, refA) || strings.Contains(test.Description, refB) {
			return nil, nil
		}
	}
	return &GateFailure{Gate: "test_pairing", Reason: "MISSING_PAIRED_TEST"}, nil
}

// isSafeToAutoApprove is the fifth gate: an AUTO actor may only approve a
// task whose archetype is not risky and whose every source resolves to
// DEFAULT authority.
func isSafeToAutoApprove(reg *Registry, task *store.Task) (bool, string) {
	archetype := strings.ToUpper(string(task.Archetype))
	if store.RiskyArchetypes[store.Archetype(archetype)] {
		return false, "risky archetype: " + archetype
	}
	for _, sourceID := range task.SourceIDs {
		if authority := reg.Resolve(sourceID); authority != AuthorityDefault {
			return false, "non-default authority: " + string(authority)
		}
	}
	return true, "safe"
}

// ValidActors are the only accepted actor channels, case-insensitive.
var validActors = map[string]bool{"HUMAN": true, "AUTO": true, "BATCH": true}

// ValidateActor normalizes and validates an actor string.
func ValidateActor(actor string) (string, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(actor))
	if normalized == "" || !validActors[normalized] {
		return "", false
	}
	return normalized, true
}
