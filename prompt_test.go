package relay_test

import (
	"strings"
	"testing"

	relay "github.com/fixci/relay"
	"github.com/stretchr/testify/assert"
)

func TestParseConfidence(t *testing.T) {
	tests := []struct {
		field string
		want  float64
	}{
		{"high", 0.9},
		{"HIGH - the log is explicit", 0.9},
		{"Medium", 0.6},
		{"low", 0.3},
		{"medium-high", 0.9},
		{"", 0.5},
		{"uncertain", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			assert.Equal(t, tt.want, relay.ParseConfidence(tt.field))
		})
	}
}

func TestParseAnalysis(t *testing.T) {
	text := `## Summary
The build failed because a dependency is missing.

## Root Cause
package "left-pad" is not in package.json.
It was removed in the last commit.

## Suggested Fix
1. Add the dependency back.
2. Re-run npm install.

## Code Example
` + "```json" + `
"left-pad": "^1.3.0"
` + "```" + `

## Confidence
Medium
Low chance of other causes.`

	a := relay.ParseAnalysis(text)
	assert.Equal(t, "The build failed because a dependency is missing.", a.Summary)
	assert.Equal(t, "package \"left-pad\" is not in package.json.\nIt was removed in the last commit.", a.RootCause)
	assert.Equal(t, "1. Add the dependency back.\n2. Re-run npm install.", a.Fix)
	assert.Equal(t, `"left-pad": "^1.3.0"`, a.CodeExample)
	// Only the first line after the heading counts.
	assert.Equal(t, 0.6, a.Confidence)
}

func TestParseAnalysis_SectionHeadingsAreCaseSensitive(t *testing.T) {
	a := relay.ParseAnalysis("## summary\nflaky test\n\n## ROOT CAUSE\nrace\n\n## suggested fix\nadd a lock\n\n## confidence\nlow")
	assert.Equal(t, relay.DefaultSummary, a.Summary)
	assert.Equal(t, relay.DefaultRootCause, a.RootCause)
	assert.Equal(t, relay.DefaultFix, a.Fix)
	// Confidence and code example headings still match in any case.
	assert.Equal(t, 0.3, a.Confidence)

	a = relay.ParseAnalysis("## Summary\nok\n\n## code example\n```go\nx := 1\n```")
	assert.Equal(t, "x := 1", a.CodeExample)
}

func TestParseAnalysis_MissingSections(t *testing.T) {
	a := relay.ParseAnalysis("## Summary\nonly a summary")
	assert.Equal(t, "only a summary", a.Summary)
	assert.Equal(t, relay.DefaultRootCause, a.RootCause)
	assert.Equal(t, relay.DefaultFix, a.Fix)
	assert.Empty(t, a.CodeExample)
	assert.Equal(t, 0.5, a.Confidence)
}

func TestBuildPrompt(t *testing.T) {
	p := relay.BuildPrompt("error: boom", relay.FailureContext{
		WorkflowName: "CI",
		JobName:      "test",
		ErrorMessage: "exit 1",
	})
	assert.Contains(t, p, "**Workflow**: CI")
	assert.Contains(t, p, "**Job**: test")
	assert.Contains(t, p, "**Error Message**: exit 1")
	assert.Contains(t, p, "error: boom")
	assert.Contains(t, p, "## Confidence")
}

func TestBuildPrompt_TruncatesToTail(t *testing.T) {
	logs := strings.Repeat("a", 5000) + strings.Repeat("b", 8000)
	p := relay.BuildPrompt(logs, relay.FailureContext{})
	assert.NotContains(t, p, strings.Repeat("a", 10))
	assert.Contains(t, p, strings.Repeat("b", 8000))
	assert.Contains(t, p, "**Workflow**: Unknown")
}

func TestFormatComment(t *testing.T) {
	body := relay.FormatComment(relay.Result{
		Provider:         "gemini",
		Model:            "gemini-2.0-flash",
		Summary:          "tests failed",
		RootCause:        "nil map",
		Fix:              "initialize the map",
		CodeExample:      "m := map[string]int{}",
		ConfidenceScore:  0.9,
		ProcessingTimeMs: 1200,
	})
	assert.Contains(t, body, "**Summary:** tests failed")
	assert.Contains(t, body, "### Root Cause\nnil map")
	assert.Contains(t, body, "```\nm := map[string]int{}\n```")
	assert.Contains(t, body, "Confidence: 90%")
	assert.Contains(t, body, "gemini/gemini-2.0-flash")

	noCode := relay.FormatComment(relay.Result{Summary: "s"})
	assert.NotContains(t, noCode, "Code Example")
}
