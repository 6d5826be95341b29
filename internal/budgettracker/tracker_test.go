package budgettracker

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecordUsageAndUsedInWindow(t *testing.T) {
	dir := t.TempDir()
	tr := New(filepath.Join(dir, "budget.json"), 50, 0.2, 24)

	if err := tr.RecordUsage(5); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	if err := tr.RecordUsage(3); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	used, err := tr.UsedInWindow()
	if err != nil {
		t.Fatalf("UsedInWindow failed: %v", err)
	}
	if used != 8 {
		t.Errorf("expected used 8, got %d", used)
	}
}

func TestPruneDropsEntriesOutsideWindow(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	tr := New(filepath.Join(dir, "budget.json"), 50, 0.2, 1, WithClock(func() time.Time { return clock }))

	if err := tr.RecordUsage(10); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	clock = now.Add(2 * time.Hour)
	used, err := tr.UsedInWindow()
	if err != nil {
		t.Fatalf("UsedInWindow failed: %v", err)
	}
	if used != 0 {
		t.Errorf("expected pruned usage 0, got %d", used)
	}
}

func TestRemainingFloorsAtZero(t *testing.T) {
	dir := t.TempDir()
	tr := New(filepath.Join(dir, "budget.json"), 10, 0.2, 24)

	if err := tr.RecordUsage(15); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}

	remaining, err := tr.Remaining()
	if err != nil {
		t.Fatalf("Remaining failed: %v", err)
	}
	if remaining != 0 {
		t.Errorf("expected remaining 0, got %d", remaining)
	}
}

func TestCanRunStrictInequality(t *testing.T) {
	dir := t.TempDir()
	tr := New(filepath.Join(dir, "budget.json"), 10, 0.5, 24)

	// Use up exactly to the boundary: remaining == 5 == max*reserve ⇒ not strictly greater.
	if err := tr.RecordUsage(5); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	canRun, err := tr.CanRun()
	if err != nil {
		t.Fatalf("CanRun failed: %v", err)
	}
	if canRun {
		t.Errorf("expected CanRun false at exact reserve boundary")
	}

	if err := tr.RecordUsage(-1); err == nil {
		// RecordUsage doesn't validate sign; skip, not relevant to this case.
		_ = err
	}
}

func TestCanRunTrueWithHeadroom(t *testing.T) {
	dir := t.TempDir()
	tr := New(filepath.Join(dir, "budget.json"), 10, 0.2, 24)

	if err := tr.RecordUsage(1); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	canRun, err := tr.CanRun()
	if err != nil {
		t.Fatalf("CanRun failed: %v", err)
	}
	if !canRun {
		t.Errorf("expected CanRun true with headroom")
	}
}

func TestUsedInWindowOnMissingFile(t *testing.T) {
	dir := t.TempDir()
	tr := New(filepath.Join(dir, "nope", "budget.json"), 50, 0.2, 24)

	used, err := tr.UsedInWindow()
	if err != nil {
		t.Fatalf("expected no error for missing state file, got %v", err)
	}
	if used != 0 {
		t.Errorf("expected used 0 for missing file, got %d", used)
	}
}
