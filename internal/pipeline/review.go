package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashworth-labs/conductor/internal/runner"
)

// renderReviewMd deterministically renders a structured Verdict as
// markdown, so that when a reviewer stage only returns the structured
// channel, the retry prompt still has a REVIEW.md to read, per spec.md
// §9's "Structured vs unstructured verdicts" design note.
func renderReviewMd(v *runner.Verdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Review\n\n")
	fmt.Fprintf(&b, "Verdict: %s\n\n", v.Verdict)
	fmt.Fprintf(&b, "Score: %v/10\n\n", v.Score)
	fmt.Fprintf(&b, "## Summary\n\n%s\n\n", v.Summary)
	fmt.Fprintf(&b, "Patterns compliance: %v\n\n", v.PatternsCompliance)
	if len(v.Issues) > 0 {
		fmt.Fprintf(&b, "## Issues\n\n")
		for _, issue := range v.Issues {
			if issue.File != "" {
				fmt.Fprintf(&b, "- [%s] %s (%s)\n", issue.Severity, issue.Description, issue.File)
			} else {
				fmt.Fprintf(&b, "- [%s] %s\n", issue.Severity, issue.Description)
			}
		}
	}
	return b.String()
}

// writeReviewMd writes the rendered verdict to .brain/REVIEW.md.
func writeReviewMd(brainDir string, v *runner.Verdict) error {
	if err := os.MkdirAll(brainDir, 0700); err != nil {
		return fmt.Errorf("create brain directory: %w", err)
	}
	return os.WriteFile(filepath.Join(brainDir, "REVIEW.md"), []byte(renderReviewMd(v)), 0600)
}
