// Package safety holds the deterministic text defenses that run before and
// around the model calls: input normalization and prompt-injection
// heuristics over retrieved content.
//
// The heuristics are a first line of defense only; the gateway also wraps
// retrieved text in an explicitly untrusted context block and judges both
// the input and the output with a validation model.
package safety

import (
	"regexp"
	"strings"
)

// injectionPatterns match instruction-override phrasing, system-prompt
// probing, credential exfiltration and jailbreak keywords inside retrieved
// chunks. A chunk matching any pattern is dropped from retrieval.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all|any|previous)\s+instructions`),
	regexp.MustCompile(`(?i)system\s+prompt`),
	regexp.MustCompile(`(?i)developer\s+instructions`),
	regexp.MustCompile(`(?i)reveal\s+(secret|token|key|credentials)`),
	regexp.MustCompile(`(?i)do\s+not\s+follow\s+the\s+rules`),
	regexp.MustCompile(`(?i)jailbreak`),
}

// LooksLikeInjection reports whether content matches any injection pattern.
func LooksLikeInjection(content string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// FilterInjection removes items whose text matches an injection pattern and
// returns the survivors plus the number filtered out.
func FilterInjection[T any](items []T, text func(T) string) (kept []T, dropped int) {
	kept = items[:0:0]
	for _, item := range items {
		if LooksLikeInjection(text(item)) {
			dropped++
			continue
		}
		kept = append(kept, item)
	}
	return kept, dropped
}

var (
	nullBytes      = strings.NewReplacer("\x00", " ", "\r\n", "\n", "\r", "\n")
	blankLineRuns  = regexp.MustCompile(`\n{3,}`)
	trailingSpaces = regexp.MustCompile(`[ \t]+\n`)
	whitespaceRuns = regexp.MustCompile(`\s+`)
)

// NormalizeMessage prepares an untrusted chat message: null bytes become
// spaces, line endings become \n, runs of 3+ newlines collapse to a blank
// line, and surrounding whitespace is trimmed.
func NormalizeMessage(value string) string {
	normalized := nullBytes.Replace(value)
	normalized = blankLineRuns.ReplaceAllString(normalized, "\n\n")
	return strings.TrimSpace(normalized)
}

// CleanText normalizes extracted document text: everything NormalizeMessage
// does plus stripping trailing whitespace before newlines.
func CleanText(value string) string {
	normalized := nullBytes.Replace(value)
	normalized = trailingSpaces.ReplaceAllString(normalized, "\n")
	normalized = blankLineRuns.ReplaceAllString(normalized, "\n\n")
	return strings.TrimSpace(normalized)
}

// CollapseWhitespace reduces any whitespace run to a single space.
func CollapseWhitespace(value string) string {
	return strings.TrimSpace(whitespaceRuns.ReplaceAllString(value, " "))
}

// Truncate limits value to max characters (bytes are fine here: budgets are
// coarse and the inputs are already normalized).
func Truncate(value string, max int) string {
	if max > 0 && len(value) > max {
		return value[:max]
	}
	return value
}
