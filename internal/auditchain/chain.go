// Package auditchain is a supplemented feature (SPEC_FULL.md §4.5): a
// per-project append-only JSONL log of pipeline stage transitions, recorded
// alongside pipeline-state.json for post-hoc debugging; the IPC server does
// not read it. It is pure observability — nothing in the pipeline
// engine's control flow reads it back, so it carries no invariant from
// spec.md §3/§8. Adapted from the teacher's internal/ratchet/chain.go,
// whose Chain is a hash-free, append-only JSONL log of gate/stage
// transitions in the knowledge-pool domain.
package auditchain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashworth-labs/conductor/internal/lockfile"
)

// FileName is the per-project chain log, stored under .brain alongside
// pipeline-state.json.
const FileName = "pipeline-chain.jsonl"

// Event names recorded by the pipeline engine.
const (
	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventStageFailed    = "stage_failed"
	EventVerdictReceived = "verdict_received"
	EventPlanExpanded   = "plan_expanded"
)

// Entry is one line of the chain log.
type Entry struct {
	Timestamp  time.Time         `json:"timestamp"`
	Event      string            `json:"event"`
	Agent      string            `json:"agent,omitempty"`
	BatchScope string            `json:"batchScope,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Chain appends Entries to a per-project JSONL file under an advisory
// lock, so concurrent appenders never interleave a partial line.
type Chain struct {
	path string
	now  func() time.Time
}

// Option configures a Chain.
type Option func(*Chain)

// WithClock overrides the chain's notion of "now" for testing.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// New creates a chain appending to .brain/pipeline-chain.jsonl under
// projectPath.
func New(projectPath string, opts ...Option) *Chain {
	c := &Chain{
		path: filepath.Join(projectPath, ".brain", FileName),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append writes one entry, stamping Timestamp if unset.
func (c *Chain) Append(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = c.now()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal chain entry: %w", err)
	}
	line = append(line, '\n')

	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create chain directory: %w", err)
		}
	}

	return lockfile.WithLock(c.path+".lock", func(_ *os.File) error {
		f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("open chain log: %w", err)
		}
		defer f.Close()
		if _, err := f.Write(line); err != nil {
			return fmt.Errorf("append chain entry: %w", err)
		}
		return f.Sync()
	})
}

// Read returns all entries in the chain log in append order. A missing
// file yields an empty slice, not an error.
func (c *Chain) Read() ([]Entry, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chain log: %w", err)
	}

	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}
