package relay

import (
	"fmt"
	"regexp"
	"strings"
)

const maxPromptLogBytes = 8000

// SystemPrompt is sent as the system message by backends that support one.
const SystemPrompt = "You are an expert CI/CD debugging assistant. Analyze build failures and provide actionable guidance in a structured format."

// BuildPrompt renders the analysis prompt for a failed job. Only the tail
// of the logs is included.
func BuildPrompt(logs string, fc FailureContext) string {
	if len(logs) > maxPromptLogBytes {
		logs = strings.ToValidUTF8(logs[len(logs)-maxPromptLogBytes:], "")
	}

	var b strings.Builder
	b.WriteString("Analyze this CI/CD build failure and provide actionable guidance.\n\n")
	fmt.Fprintf(&b, "**Workflow**: %s\n", orUnknown(fc.WorkflowName))
	fmt.Fprintf(&b, "**Job**: %s\n", orUnknown(fc.JobName))
	if fc.ErrorMessage != "" {
		fmt.Fprintf(&b, "**Error Message**: %s\n", fc.ErrorMessage)
	}
	b.WriteString("\n**Build Logs**:\n```\n")
	b.WriteString(logs)
	b.WriteString("\n```\n\n")
	b.WriteString(`Provide your analysis in the following format:

## Summary
[One-sentence description of what went wrong]

## Root Cause
[Detailed explanation of why the failure occurred]

## Suggested Fix
[Step-by-step instructions to fix the issue]

## Code Example
` + "```" + `
[If applicable, show code changes needed]
` + "```" + `

## Confidence
[Rate your confidence: high/medium/low]

Be concise, practical, and developer-friendly. Focus on actionable fixes.`)
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// Fallback texts used when a section is missing from the backend output.
const (
	DefaultSummary   = "Build failure detected"
	DefaultRootCause = "Unable to determine root cause"
	DefaultFix       = "Unable to suggest fix"
)

var (
	summaryHeading    = regexp.MustCompile(`##\s*Summary\s*\n`)
	rootCauseHeading  = regexp.MustCompile(`##\s*Root Cause\s*\n`)
	fixHeading        = regexp.MustCompile(`##\s*Suggested Fix\s*\n`)
	confidenceHeading = regexp.MustCompile(`(?i)##\s*Confidence\s*\n`)
	codeExample       = regexp.MustCompile("(?is)##\\s*Code Example\\s*\\n```.*?\\n(.*?)```")
)

// ParseAnalysis extracts the structured sections from a backend's raw text.
func ParseAnalysis(text string) Analysis {
	a := Analysis{
		Summary:    section(text, summaryHeading),
		RootCause:  section(text, rootCauseHeading),
		Fix:        section(text, fixHeading),
		Confidence: ParseConfidence(confidenceField(text)),
	}
	if a.Summary == "" {
		a.Summary = DefaultSummary
	}
	if a.RootCause == "" {
		a.RootCause = DefaultRootCause
	}
	if a.Fix == "" {
		a.Fix = DefaultFix
	}
	if m := codeExample.FindStringSubmatch(text); m != nil {
		a.CodeExample = strings.TrimSpace(m[1])
	}
	return a
}

// ParseConfidence maps a free-text confidence field to a score:
// "high" → 0.9, "medium" → 0.6, "low" → 0.3, anything else → 0.5.
// Matching is case-insensitive and checks "high" first.
func ParseConfidence(field string) float64 {
	f := strings.ToLower(field)
	switch {
	case strings.Contains(f, "high"):
		return 0.9
	case strings.Contains(f, "medium"):
		return 0.6
	case strings.Contains(f, "low"):
		return 0.3
	default:
		return 0.5
	}
}

// section returns the trimmed body after heading, up to the next "##" line.
func section(text string, heading *regexp.Regexp) string {
	loc := heading.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	body := text[loc[1]:]
	if i := strings.Index(body, "\n##"); i >= 0 {
		body = body[:i]
	}
	return strings.TrimSpace(body)
}

// confidenceField returns the first line after the Confidence heading.
func confidenceField(text string) string {
	loc := confidenceHeading.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	line, _, _ := strings.Cut(text[loc[1]:], "\n")
	return line
}
