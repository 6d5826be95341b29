// Package pipelinestate implements the per-project pipeline-state document
// from spec.md §3/§6: written at every stage transition by the pipeline
// engine (the sole writer, with one exception — the heartbeat flips
// running→stalled during its stall sweep, per spec.md §5).
package pipelinestate

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ashworth-labs/conductor/internal/projects"
	"github.com/ashworth-labs/conductor/internal/statefile"
)

// Status values for both the document and its stages.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStalled   = "stalled"
)

// FileName is the per-project state document, stored under the project's
// .brain directory.
const FileName = "pipeline-state.json"

// Stage mirrors one element of spec.md §3's `stages[]`.
type Stage struct {
	Agent       string     `json:"agent"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	SessionID   string     `json:"sessionId,omitempty"`
	Validation  string     `json:"validation,omitempty"`
	BatchScope  string     `json:"batchScope,omitempty"`

	// Attempt mirrors the per-batch retry count at the time this stage last
	// ran. Purely observational (surfaced via IPC sessions-active); the
	// engine's control flow never reads it back.
	Attempt int `json:"attempt,omitempty"`
}

// State is the full per-project pipeline-state document.
type State struct {
	Project      string  `json:"project"`
	Task         string  `json:"task"`
	Pipeline     []string `json:"pipeline"`
	Status       string  `json:"status"`
	CurrentStage int     `json:"currentStage"`
	StartedAt    time.Time `json:"startedAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Retries      int     `json:"retries"`
	FinalVerdict string  `json:"finalVerdict,omitempty"`
	Error        string  `json:"error,omitempty"`
	Stages       []Stage `json:"stages"`
}

// Store reads and writes pipeline-state documents, one per project root.
type Store struct {
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's notion of "now" for testing.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a pipeline-state store.
func New(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PathFor returns the pipeline-state.json path for a project root.
func PathFor(projectPath string) string {
	return filepath.Join(projectPath, projects.BrainDirName, FileName)
}

// Init builds a fresh, all-pending State for a new pipeline run.
func (s *Store) Init(project, task string, pipeline []string) *State {
	now := s.now()
	stages := make([]Stage, len(pipeline))
	for i, agent := range pipeline {
		stages[i] = Stage{Agent: agent, Status: StatusPending}
	}
	return &State{
		Project:      project,
		Task:         task,
		Pipeline:     pipeline,
		Status:       StatusRunning,
		CurrentStage: 0,
		StartedAt:    now,
		UpdatedAt:    now,
		Stages:       stages,
	}
}

// Load reads the pipeline-state document for projectPath. ok is false if
// no document exists yet (a project that has never run a pipeline).
func (s *Store) Load(projectPath string) (state *State, ok bool, err error) {
	path := PathFor(projectPath)
	var doc State
	readErr := statefile.ReadJSON(path, &doc)
	if os.IsNotExist(readErr) {
		return nil, false, nil
	}
	if readErr != nil {
		return nil, false, readErr
	}
	return &doc, true, nil
}

// Save atomically rewrites the pipeline-state document, advancing
// UpdatedAt. Terminal states (completed, failed) are still writable —
// callers are responsible for not issuing further transitions after one,
// per the "terminal states freeze the document" invariant.
func (s *Store) Save(projectPath string, state *State) error {
	state.UpdatedAt = s.now()
	path := PathFor(projectPath)
	return statefile.WithLocked(path, func() error {
		return statefile.WriteJSONAtomic(path, state)
	})
}
