package codegen

import (
	"regexp"
	"strings"

	"github.com/datachat-dev/datachat/pkg/observability"
)

// Strategy is one way of isolating code from a model reply. Strategies are
// pure functions: control flow over the fallback chain is the ordered slice
// below, not exception handling.
type Strategy struct {
	Name    string
	Extract func(text string) string
}

var (
	taggedFenceRe   = regexp.MustCompile("(?s)```python\n(.*?)\n```")
	untaggedFenceRe = regexp.MustCompile("(?s)```\n(.*?)\n```")
	looseFenceRe    = regexp.MustCompile("(?s)```(?:python)?\n?(.*?)```")
)

// Strategies returns the extraction fallback chain in priority order.
// The first strategy yielding non-empty text wins.
func Strategies() []Strategy {
	return []Strategy{
		{
			Name: "tagged_fence",
			Extract: func(text string) string {
				if m := taggedFenceRe.FindStringSubmatch(text); m != nil {
					return strings.TrimSpace(m[1])
				}
				return ""
			},
		},
		{
			Name: "untagged_fence",
			Extract: func(text string) string {
				if m := untaggedFenceRe.FindStringSubmatch(text); m != nil {
					return strings.TrimSpace(m[1])
				}
				return ""
			},
		},
		{
			// Catches fences whose closing marker directly follows the last
			// statement without a newline.
			Name: "loose_fence",
			Extract: func(text string) string {
				if m := looseFenceRe.FindStringSubmatch(text); m != nil {
					return strings.TrimSpace(m[1])
				}
				return ""
			},
		},
		{
			Name: "raw_response",
			Extract: func(text string) string {
				if strings.Contains(text, "import") &&
					(strings.Contains(text, "pandas") || strings.Contains(text, "matplotlib")) {
					return strings.TrimSpace(text)
				}
				return ""
			},
		},
		{
			Name:    "dataframe_substring",
			Extract: extractDataframeSubstring,
		},
	}
}

// ExtractCode runs the fallback chain and returns the winning code plus the
// strategy name for diagnostics.
func ExtractCode(text string) (code, method string, ok bool) {
	for _, s := range Strategies() {
		if out := s.Extract(text); out != "" {
			observability.CodeExtractionsTotal.WithLabelValues(s.Name, "hit").Inc()
			return out, s.Name, true
		}
	}
	observability.CodeExtractionsTotal.WithLabelValues("none", "miss").Inc()
	return "", "", false
}

// extractDataframeSubstring pulls the span of lines between the first and
// last line that looks like a dataframe operation. Last resort for replies
// that bury code in prose without fences.
func extractDataframeSubstring(text string) string {
	lines := strings.Split(text, "\n")
	first, last := -1, -1
	for i, line := range lines {
		if looksLikeDataframeOp(line) {
			if first == -1 {
				first = i
			}
			last = i
		}
	}
	if first == -1 {
		return ""
	}
	return strings.TrimSpace(strings.Join(lines[first:last+1], "\n"))
}

func looksLikeDataframeOp(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, cue := range []string{"pd.", "df.", "df[", "plt.", "import pandas", "import matplotlib", "import numpy"} {
		if strings.Contains(trimmed, cue) {
			return true
		}
	}
	return false
}
