package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// projectMdMinLength is the "small threshold" below which an existing
// PROJECT.md is considered a placeholder rather than substantive content,
// per spec.md §4.5's project-context bootstrap rule.
const projectMdMinLength = 80

// bootstrapProjectMd writes a stub .brain/PROJECT.md derived from task if
// one is absent or shorter than projectMdMinLength. An existing
// substantive PROJECT.md is never overwritten.
func bootstrapProjectMd(brainDir, task string) error {
	path := filepath.Join(brainDir, "PROJECT.md")
	if data, err := os.ReadFile(path); err == nil {
		if len(strings.TrimSpace(string(data))) >= projectMdMinLength {
			return nil
		}
	}
	if err := os.MkdirAll(brainDir, 0700); err != nil {
		return fmt.Errorf("create brain directory: %w", err)
	}
	stub := fmt.Sprintf("# Project\n\n%s\n", task)
	return os.WriteFile(path, []byte(stub), 0600)
}

// buildStageTask constructs the task prompt for stages[i]. Stage 0 gets
// task verbatim; later stages get a role-specific wrapper referencing the
// prior artifact. A non-empty batchScope (assigned by plan-expansion) is
// named explicitly so the prompt text identifies which numbered tasks
// this invocation covers. isRetry additionally instructs the agent to
// read REVIEW.md and address its issues.
func buildStageTask(i int, role, task, batchScope string, isRetry bool) string {
	var base string
	if i == 0 {
		base = task
	} else {
		switch role {
		case RoleScout:
			base = fmt.Sprintf("%s\n\nWrite findings to .brain/RESEARCH/.", task)
		case RoleArchitect:
			base = fmt.Sprintf("%s\n\nRead .brain/RESEARCH/ then write PLAN.md.", task)
		case RoleBuilder:
			base = fmt.Sprintf("%s\n\nRead .brain/PLAN.md and DECISIONS.md then implement.", task)
		case RoleReviewer:
			base = fmt.Sprintf("%s\n\nReview prior work; write REVIEW.md with score and verdict.", task)
		default:
			base = task
		}
	}
	if batchScope != "" {
		base += fmt.Sprintf("\n\nScope: %s.", batchScope)
	}
	if isRetry {
		base += "\n\nRead REVIEW.md and address all listed issues before proceeding."
	}
	return base
}
