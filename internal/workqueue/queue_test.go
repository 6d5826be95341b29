package workqueue

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	counter := 0
	return New(filepath.Join(dir, "queue.json"),
		WithClock(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }),
		WithIDFunc(func() string {
			counter++
			return "id-" + string(rune('a'+counter-1))
		}),
	)
}

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	q := newTestQueue(t)

	for _, agent := range []string{"scout", "architect", "builder"} {
		if _, err := q.Enqueue(Item{Agent: agent}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	for _, want := range []string{"scout", "architect", "builder"} {
		item, ok, err := q.Dequeue()
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if !ok {
			t.Fatalf("expected item, queue empty")
		}
		if item.Agent != want {
			t.Errorf("expected agent %s, got %s", want, item.Agent)
		}
	}

	_, ok, err := q.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue on empty failed: %v", err)
	}
	if ok {
		t.Errorf("expected empty queue dequeue to report not-found")
	}
}

func TestDequeueOnMissingFileIsEmpty(t *testing.T) {
	q := newTestQueue(t)
	_, ok, err := q.Dequeue()
	if err != nil {
		t.Fatalf("Dequeue on missing file failed: %v", err)
	}
	if ok {
		t.Errorf("expected not-found on missing queue file")
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.Enqueue(Item{Agent: "scout"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	peeked, ok, err := q.Peek()
	if err != nil || !ok {
		t.Fatalf("Peek failed: ok=%v err=%v", ok, err)
	}
	if peeked.Agent != "scout" {
		t.Errorf("expected scout, got %s", peeked.Agent)
	}

	size, err := q.Size()
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 1 {
		t.Errorf("expected size 1 after peek, got %d", size)
	}
}

func TestEnqueueAssignsIDAndTimestamp(t *testing.T) {
	q := newTestQueue(t)
	item, err := q.Enqueue(Item{Agent: "scout"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if item.ID == "" {
		t.Errorf("expected assigned ID")
	}
	if item.EnqueuedAt.IsZero() {
		t.Errorf("expected assigned EnqueuedAt")
	}
}

func TestMoveToTailReordersItem(t *testing.T) {
	q := newTestQueue(t)
	var ids []string
	for _, agent := range []string{"scout", "architect", "builder"} {
		item, err := q.Enqueue(Item{Agent: agent})
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, item.ID)
	}

	moved, ok, err := q.MoveToTail(ids[0])
	if err != nil || !ok {
		t.Fatalf("MoveToTail failed: ok=%v err=%v", ok, err)
	}
	if moved.Agent != "scout" {
		t.Errorf("expected moved item to be scout, got %s", moved.Agent)
	}

	items, err := q.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"architect", "builder", "scout"}
	if len(items) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(items))
	}
	for i, agent := range want {
		if items[i].Agent != agent {
			t.Errorf("position %d: expected %s, got %s", i, agent, items[i].Agent)
		}
	}
}

func TestMoveToTailMissingIDReportsNotFound(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.Enqueue(Item{Agent: "scout"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	_, ok, err := q.MoveToTail("no-such-id")
	if err != nil {
		t.Fatalf("MoveToTail failed: %v", err)
	}
	if ok {
		t.Errorf("expected not-found for unknown ID")
	}
}

func TestIsEmpty(t *testing.T) {
	q := newTestQueue(t)
	empty, err := q.IsEmpty()
	if err != nil {
		t.Fatalf("IsEmpty failed: %v", err)
	}
	if !empty {
		t.Errorf("expected empty queue")
	}

	if _, err := q.Enqueue(Item{Agent: "scout"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	empty, err = q.IsEmpty()
	if err != nil {
		t.Fatalf("IsEmpty failed: %v", err)
	}
	if empty {
		t.Errorf("expected non-empty queue")
	}
}
