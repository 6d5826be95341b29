// Package runner defines the abstract boundary to the external AI agent
// runner. spec.md §1 places the runner itself out of scope — "invoked via
// an abstract runAgent port" — so this package is the port only: the
// pipeline engine depends on the Runner interface and never on a concrete
// agent implementation. Modeled as a plain interface rather than the
// teacher's record-of-closures idiom (spec.md §9's "class-with-closures"
// design note says either maps directly; an interface is the more
// idiomatic Go shape for a single-method external boundary).
package runner

import "context"

// Mode mirrors spec.md §3's QueueItem.mode.
const (
	ModeStandalone = "standalone"
	ModeTeam       = "team"
)

// Request is one staged agent invocation.
type Request struct {
	Agent       string
	ProjectPath string
	Task        string
	Mode        string
}

// Issue is one reviewer-reported defect, part of the structured review
// schema in spec.md §6.
type Issue struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
	File        string `json:"file,omitempty"`
}

// Verdict is the structured review result a reviewer stage may return in
// place of (or in addition to) writing REVIEW.md, per spec.md §6's Review
// JSON schema.
type Verdict struct {
	Verdict            string  `json:"verdict"`
	Score              float64 `json:"score"`
	Summary            string  `json:"summary"`
	Issues             []Issue `json:"issues"`
	PatternsCompliance bool    `json:"patternsCompliance"`
}

// Result is what a stage invocation produces.
type Result struct {
	SessionID string   `json:"sessionId"`
	Verdict   *Verdict `json:"verdict,omitempty"`
}

// Runner is the abstract `runAgent` port the pipeline engine calls once
// per stage. Its implementation — whatever actually drives an AI coding
// session — lives entirely outside this repository.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Func adapts a plain function to Runner, mirroring the stdlib's
// http.HandlerFunc idiom — convenient for tests and for simple in-process
// adapters that don't need any state.
type Func func(ctx context.Context, req Request) (Result, error)

// Run implements Runner.
func (f Func) Run(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
