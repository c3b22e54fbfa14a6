package relay

import (
	"fmt"
	"strings"
)

// FormatComment renders a result as a markdown comment body.
func FormatComment(r Result) string {
	var b strings.Builder
	b.WriteString("## CI Failure Analysis\n\n")
	fmt.Fprintf(&b, "**Summary:** %s\n\n", r.Summary)
	fmt.Fprintf(&b, "### Root Cause\n%s\n\n", r.RootCause)
	fmt.Fprintf(&b, "### Suggested Fix\n%s\n\n", r.Fix)
	if r.CodeExample != "" {
		fmt.Fprintf(&b, "### Code Example\n```\n%s\n```\n\n", r.CodeExample)
	}
	fmt.Fprintf(&b, "<sub>Confidence: %d%% · %s/%s · %dms</sub>\n",
		int(r.ConfidenceScore*100+0.5), r.Provider, r.Model, r.ProcessingTimeMs)
	return b.String()
}
