package crontrigger

import (
	"path/filepath"
	"testing"
	"time"
)

func TestIsDueFiresOnceAtStartupWithinLastMinute(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 2, 27, 10, 1, 30, 0, time.UTC)
	tr, err := New("nightly", "*/1 * * * *", filepath.Join(dir, "cron-nightly.json"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	due, err := tr.IsDue()
	if err != nil {
		t.Fatalf("IsDue failed: %v", err)
	}
	if !due {
		t.Errorf("expected due on fresh trigger within schedule window")
	}
}

func TestMarkFiredMakesIsDueIdempotentWithinASecond(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 2, 27, 10, 1, 0, 0, time.UTC)
	tr, err := New("nightly", "*/1 * * * *", filepath.Join(dir, "cron-nightly.json"), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := tr.MarkFired(); err != nil {
		t.Fatalf("MarkFired failed: %v", err)
	}

	due, err := tr.IsDue()
	if err != nil {
		t.Fatalf("IsDue failed: %v", err)
	}
	if due {
		t.Errorf("expected not due immediately after MarkFired")
	}
}

func TestIsDueResumesNormalCadenceAfterFiring(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 2, 27, 10, 1, 0, 0, time.UTC)
	clock := now
	tr, err := New("nightly", "*/1 * * * *", filepath.Join(dir, "cron-nightly.json"), WithClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := tr.MarkFired(); err != nil {
		t.Fatalf("MarkFired failed: %v", err)
	}

	clock = clock.Add(90 * time.Second)
	due, err := tr.IsDue()
	if err != nil {
		t.Fatalf("IsDue failed: %v", err)
	}
	if !due {
		t.Errorf("expected due a minute after last fire on a minutely schedule")
	}
}

func TestNewRejectsUnparseableSchedule(t *testing.T) {
	dir := t.TempDir()
	_, err := New("bad", "not a schedule", filepath.Join(dir, "cron-bad.json"))
	if err == nil {
		t.Fatal("expected error for unparseable schedule")
	}
}

func TestSanitizeName(t *testing.T) {
	if got := SanitizeName("Nightly Scan!"); got != "nightly-scan" {
		t.Errorf("expected nightly-scan, got %q", got)
	}
}
