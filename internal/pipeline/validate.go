package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Known agent roles, checked by prefix-match against a stage's Agent
// field per spec.md §4.5's role table. Order matters only in that longer,
// more specific prefixes should be checked before shorter ones that could
// also match; none of these four collide.
const (
	RoleScout     = "scout"
	RoleArchitect = "architect"
	RoleBuilder   = "builder"
	RoleReviewer  = "reviewer"
)

// DetectRole returns the known role whose name prefixes agent, or "" if
// none match — an unknown agent role skips validation entirely but still
// produces a pipeline-state stage entry (spec.md §7's fail-closed default).
func DetectRole(agent string) string {
	for _, role := range []string{RoleScout, RoleArchitect, RoleBuilder, RoleReviewer} {
		if strings.HasPrefix(agent, role) {
			return role
		}
	}
	return ""
}

// readPlanMd returns the contents of .brain/PLAN.md, or "" if missing.
func readPlanMd(brainDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(brainDir, "PLAN.md"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

var planPartGlob = "PLAN-PART-*.md"

// sweepPlanParts removes any stray PLAN-PART-*.md files left in
// .brain before architect validation, returning the names swept, per
// spec.md §4.5's "must not leave PLAN-PART-*.md" rule. The engine does not
// record the returned names anywhere.
func sweepPlanParts(brainDir string) ([]string, error) {
	if info, err := os.Stat(brainDir); err != nil || !info.IsDir() {
		return nil, nil
	}
	matches, err := doublestar.Glob(os.DirFS(brainDir), planPartGlob)
	if err != nil {
		return nil, fmt.Errorf("glob plan parts: %w", err)
	}
	swept := make([]string, 0, len(matches))
	for _, m := range matches {
		if err := os.Remove(filepath.Join(brainDir, m)); err != nil && !os.IsNotExist(err) {
			return swept, fmt.Errorf("remove plan part %s: %w", m, err)
		}
		swept = append(swept, m)
	}
	return swept, nil
}

// validateScout checks that .brain/RESEARCH exists and contains at least
// one markdown file.
func validateScout(brainDir string) error {
	researchDir := filepath.Join(brainDir, "RESEARCH")
	info, err := os.Stat(researchDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("RESEARCH/ directory missing")
	}
	matches, err := doublestar.Glob(os.DirFS(researchDir), "*.md")
	if err != nil {
		return fmt.Errorf("glob RESEARCH: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("RESEARCH/ contains no .md files")
	}
	return nil
}

var taskHeadingRe = regexp.MustCompile(`(?m)^### Task (\d+):`)

// validateArchitect checks PLAN.md is non-empty and its task numbering is
// monotonic starting at 1 with no gaps.
func validateArchitect(brainDir string) error {
	planPath := filepath.Join(brainDir, "PLAN.md")
	data, err := os.ReadFile(planPath)
	if err != nil {
		return fmt.Errorf("PLAN.md missing or unreadable: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return fmt.Errorf("PLAN.md is empty")
	}

	matches := taskHeadingRe.FindAllStringSubmatch(string(data), -1)
	if len(matches) == 0 {
		return nil // plan with no numbered tasks is valid (no expansion will occur)
	}
	for idx, m := range matches {
		want := idx + 1
		var got int
		if _, err := fmt.Sscanf(m[1], "%d", &got); err != nil || got != want {
			return fmt.Errorf("PLAN.md task numbering must be contiguous starting at 1, found Task %s at position %d", m[1], want)
		}
	}
	return nil
}

// validateBuilder checks for a non-empty VCS diff, and if package.json
// declares a "test" script, that it exits 0.
func validateBuilder(ctx context.Context, cmds CommandRunner, projectPath string) error {
	status, err := cmds.Run(ctx, projectPath, "git", "status", "-s")
	if err != nil {
		return fmt.Errorf("git status failed: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		return fmt.Errorf("no changes detected (empty git status -s)")
	}

	pkgPath := filepath.Join(projectPath, "package.json")
	data, err := os.ReadFile(pkgPath)
	if err != nil {
		return nil // no package.json, nothing further to check
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil // malformed package.json is not this gate's concern
	}
	if _, hasTest := pkg.Scripts["test"]; !hasTest {
		return nil
	}
	if _, err := cmds.Run(ctx, projectPath, "npm", "test"); err != nil {
		return fmt.Errorf("npm test failed: %w", err)
	}
	return nil
}

var verdictLineRe = regexp.MustCompile(`(?i)Verdict:?\s*(APPROVE|REVISE|REDESIGN)`)

// validateReviewer checks for a Verdict line in REVIEW.md or a structured
// verdict already attached to the stage result.
func validateReviewer(brainDir string, hasStructuredVerdict bool) error {
	if hasStructuredVerdict {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(brainDir, "REVIEW.md"))
	if err != nil {
		return fmt.Errorf("REVIEW.md missing and no structured verdict: %w", err)
	}
	if !verdictLineRe.MatchString(string(data)) {
		return fmt.Errorf("REVIEW.md has no recognizable Verdict line")
	}
	return nil
}

// parseVerdictFromReviewMd extracts APPROVE/REVISE/REDESIGN from REVIEW.md,
// falling back to REVISE (fail-closed) if no line is found, per spec.md
// §4.5/§9.
func parseVerdictFromReviewMd(brainDir string) string {
	data, err := os.ReadFile(filepath.Join(brainDir, "REVIEW.md"))
	if err != nil {
		return "REVISE"
	}
	m := verdictLineRe.FindStringSubmatch(string(data))
	if m == nil {
		return "REVISE"
	}
	return strings.ToUpper(m[1])
}
