package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// ExecRunner is conductord's default Runner: it shells out to a single
// configured external command once per stage, passing the stage's agent,
// project path and mode as arguments and the task as stdin. This is a concrete but
// swappable default — the actual agent runner stays an external
// collaborator (spec.md §1); ExecRunner only gives the daemon something to
// invoke out of the box rather than requiring every deployment to write
// its own Runner from scratch.
//
// stdout is first tried as JSON matching Result's shape
// ({"sessionId":"...","verdict":{...}}); if that fails, the trimmed stdout
// is used verbatim as the SessionID and no structured verdict is reported
// (the reviewer stage then falls back to parsing REVIEW.md, per spec.md
// §9's structured-vs-unstructured verdict rule).
type ExecRunner struct {
	Command string
	Args    []string
}

// NewExecRunner builds an ExecRunner invoking command with args ahead of
// the per-stage agent/project/mode arguments.
func NewExecRunner(command string, args ...string) *ExecRunner {
	return &ExecRunner{Command: command, Args: args}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, req Request) (Result, error) {
	if r.Command == "" {
		return Result{}, fmt.Errorf("no agent runner command configured")
	}

	args := append(append([]string{}, r.Args...), req.Agent, req.ProjectPath, req.Mode)
	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = req.ProjectPath
	cmd.Stdin = strings.NewReader(req.Task)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("agent runner command failed: %w (stderr: %s)", err, stderr.String())
	}

	out := strings.TrimSpace(stdout.String())
	var structured Result
	if err := json.Unmarshal([]byte(out), &structured); err == nil && structured.SessionID != "" {
		return structured, nil
	}
	return Result{SessionID: out}, nil
}
