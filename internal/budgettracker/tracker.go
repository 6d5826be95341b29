// Package budgettracker implements the rolling-window prompt budget
// described in spec.md §4.1: an advisory, observational gate on whether the
// heartbeat should execute another agent run right now.
package budgettracker

import (
	"fmt"
	"os"
	"time"

	"github.com/ashworth-labs/conductor/internal/statefile"
)

// Entry records one successful pipeline run's prompt consumption.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
}

type stateDoc struct {
	Entries []Entry `json:"entries"`
}

// Tracker gates pipeline execution against a rolling-window prompt budget.
// Writes go through an advisory file lock (internal/lockfile) so concurrent
// producers/consumers never corrupt the state file; reads (UsedInWindow,
// Remaining, CanRun) do not take the lock.
type Tracker struct {
	stateFile             string
	maxPromptsPerWindow   int
	reserveForInteractive float64
	windowHours           int

	// now is overridable for deterministic tests; defaults to time.Now.
	now func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the tracker's notion of "now" for testing.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a budget tracker persisting to stateFile.
func New(stateFile string, maxPromptsPerWindow int, reserveForInteractive float64, windowHours int, opts ...Option) *Tracker {
	t := &Tracker{
		stateFile:             stateFile,
		maxPromptsPerWindow:   maxPromptsPerWindow,
		reserveForInteractive: reserveForInteractive,
		windowHours:           windowHours,
		now:                   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordUsage appends a usage entry for count prompts, pruning entries older
// than the window on both read and write. Acquires the advisory lock.
func (t *Tracker) RecordUsage(count int) error {
	return t.withState(func(doc *stateDoc) (bool, error) {
		now := t.now()
		doc.Entries = prune(doc.Entries, now, t.windowHours)
		doc.Entries = append(doc.Entries, Entry{Timestamp: now, Count: count})
		return true, nil
	})
}

// UsedInWindow returns the sum of entry counts within the rolling window.
func (t *Tracker) UsedInWindow() (int, error) {
	doc, err := t.read()
	if err != nil {
		return 0, err
	}
	pruned := prune(doc.Entries, t.now(), t.windowHours)
	used := 0
	for _, e := range pruned {
		used += e.Count
	}
	return used, nil
}

// Remaining returns max(0, max - usedInWindow).
func (t *Tracker) Remaining() (int, error) {
	used, err := t.UsedInWindow()
	if err != nil {
		return 0, err
	}
	remaining := t.maxPromptsPerWindow - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// WindowHours returns the tracker's rolling-window size, for read-only
// introspection (the IPC budget-status command).
func (t *Tracker) WindowHours() int { return t.windowHours }

// CanRun returns true iff remaining > max × reserveForInteractive (strict).
func (t *Tracker) CanRun() (bool, error) {
	remaining, err := t.Remaining()
	if err != nil {
		return false, err
	}
	threshold := float64(t.maxPromptsPerWindow) * t.reserveForInteractive
	return float64(remaining) > threshold, nil
}

// prune drops entries older than now - windowHours. Entries exactly at the
// boundary are kept; only strictly older entries are dropped.
func prune(entries []Entry, now time.Time, windowHours int) []Entry {
	cutoff := now.Add(-time.Duration(windowHours) * time.Hour)
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Timestamp.After(cutoff) || e.Timestamp.Equal(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}

// read loads state, treating a missing file as empty entries. It does not
// take the lock — callers needing a consistent read+write pair use withState.
func (t *Tracker) read() (*stateDoc, error) {
	var doc stateDoc
	err := statefile.ReadJSON(t.stateFile, &doc)
	if os.IsNotExist(err) {
		return &stateDoc{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read budget state: %w", err)
	}
	return &doc, nil
}

// withState locks the state file, loads it (missing ⇒ empty), lets fn mutate
// it, and — if fn reports a change — atomically rewrites it pretty-printed.
func (t *Tracker) withState(fn func(*stateDoc) (changed bool, err error)) error {
	return statefile.WithLocked(t.stateFile, func() error {
		doc, err := t.read()
		if err != nil {
			return err
		}
		changed, err := fn(doc)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		return statefile.WriteJSONAtomic(t.stateFile, doc)
	})
}
