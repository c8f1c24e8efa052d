package readiness

import (
	"regexp"
	"strings"
)

var (
	headerOnlyPattern     = regexp.MustCompile(`^#{1,6}\s+`)
	horizontalRulePattern = regexp.MustCompile(`^-{3,}$`)
	boldLabelPattern      = regexp.MustCompile(`^\*\*[^*]+\*\*:?$`)
	italicOnlyPattern     = regexp.MustCompile(`^\*[^*]+\*$`)
	placeholderBraces     = regexp.MustCompile(`\{\{.*?\}\}`)
	placeholderBrackets   = regexp.MustCompile(`\[.*?\]`)
	uncheckedBoxPattern   = regexp.MustCompile(`^[\s]*[-*]\s+\[\s*\]`)
)

// isMeaningfulLine reports whether line contains real user content rather
// than template scaffolding: headers, rules, blockquotes, placeholders,
// unchecked checkboxes, and short fragments are all excluded.
func isMeaningfulLine(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if headerOnlyPattern.MatchString(line) {
		return false
	}
	if horizontalRulePattern.MatchString(line) {
		return false
	}
	if strings.HasPrefix(line, ">") {
		return false
	}
	if boldLabelPattern.MatchString(line) {
		return false
	}
	if italicOnlyPattern.MatchString(line) {
		return false
	}
	if placeholderBraces.MatchString(line) || placeholderBrackets.MatchString(line) {
		return false
	}
	if uncheckedBoxPattern.MatchString(line) {
		return false
	}
	if len(strings.Fields(line)) < 4 {
		return false
	}
	return true
}

func countMeaningfulLines(content string) int {
	count := 0
	for _, line := range strings.Split(content, "\n") {
		if isMeaningfulLine(line) {
			count++
		}
	}
	return count
}

var (
	recordsHeaderPattern = regexp.MustCompile(`(?i)^##\s*Records`)
	anyH2Pattern         = regexp.MustCompile(`^##\s+`)
	tableRowPattern      = regexp.MustCompile(`^\|\s*(\d+|\w+)\s*\|`)
	separatorRowPattern  = regexp.MustCompile(`^\|[-\s|]+\|$`)
)

var decisionRowTypes = map[string]bool{
	"INIT": true, "SCOPE": true, "ARCH": true, "API": true, "DATA": true,
	"SECURITY": true, "UX": true, "PERF": true, "OPS": true, "TEST": true, "RELEASE": true,
}

// hasRealDecisions reports whether a DECISION_LOG's "## Records" table
// carries a decision row beyond the bootstrap/init entry.
func hasRealDecisions(content string) bool {
	lines := strings.Split(content, "\n")
	inRecords := false

	for _, raw := range lines {
		line := strings.TrimSpace(raw)

		if recordsHeaderPattern.MatchString(line) {
			inRecords = true
			continue
		}
		if inRecords && anyH2Pattern.MatchString(line) {
			break
		}
		if !inRecords {
			continue
		}
		if strings.Contains(line, "| ID |") || separatorRowPattern.MatchString(line) {
			continue
		}
		if !tableRowPattern.MatchString(line) {
			continue
		}

		parts := splitTableCells(line)
		if len(parts) < 3 {
			continue
		}

		col3 := strings.ToUpper(parts[2])
		var rowType, decision string
		if decisionRowTypes[col3] {
			rowType = col3
			if len(parts) > 3 {
				decision = parts[3]
			}
		} else {
			decision = parts[2]
		}

		decisionLower := strings.ToLower(decision)
		if rowType == "INIT" {
			if strings.Contains(decisionLower, "project initialized") || strings.Contains(decisionLower, "bootstrap") {
				continue
			}
		} else if rowType == "" {
			if strings.Contains(decisionLower, "project initialized") {
				continue
			}
			if strings.HasPrefix(decisionLower, "bootstrap") {
				continue
			}
		}

		return true
	}

	return false
}

func splitTableCells(line string) []string {
	raw := strings.Split(line, "|")
	var out []string
	for _, cell := range raw {
		cell = strings.TrimSpace(cell)
		if cell != "" {
			out = append(out, cell)
		}
	}
	return out
}
