// Package workqueue implements the crash-safe FIFO queue described in
// spec.md §4.2: deferred QueueItems persisted as a single JSON document
// under an advisory file lock, so enqueue/dequeue survive daemon restarts.
package workqueue

import (
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ashworth-labs/conductor/internal/statefile"
)

// Item is a unit of deferred work. ID is an internal handle (not part of
// the spec's logical identity) letting IPC commands like queue-requeue
// reference a specific item without relying on index position, which
// shifts as items dequeue.
type Item struct {
	ID          string    `json:"id"`
	TriggerName string    `json:"triggerName"`
	ProjectPath string    `json:"projectPath"`
	Agent       string    `json:"agent"`
	Task        string    `json:"task"`
	Mode        string    `json:"mode"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

type stateDoc struct {
	Items []Item `json:"items"`
}

// Queue is a persisted, advisory-locked FIFO of Items.
type Queue struct {
	stateFile string
	now       func() time.Time
	newID     func() string
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the queue's notion of "now" for testing.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDFunc overrides ID generation for deterministic testing.
func WithIDFunc(f func() string) Option {
	return func(q *Queue) { q.newID = f }
}

// New creates a work queue persisting to stateFile.
func New(stateFile string, opts ...Option) *Queue {
	q := &Queue{
		stateFile: stateFile,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends item to the tail, assigning it an ID and EnqueuedAt if
// unset, and returns the stored item.
func (q *Queue) Enqueue(item Item) (Item, error) {
	if item.ID == "" {
		item.ID = q.newID()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}
	err := statefile.WithLocked(q.stateFile, func() error {
		doc, err := q.read()
		if err != nil {
			return err
		}
		doc.Items = append(doc.Items, item)
		return statefile.WriteJSONAtomic(q.stateFile, doc)
	})
	return item, err
}

// Dequeue atomically loads, removes and returns the head item, or
// (Item{}, false, nil) if the queue is empty.
func (q *Queue) Dequeue() (Item, bool, error) {
	var head Item
	found := false
	err := statefile.WithLocked(q.stateFile, func() error {
		doc, err := q.read()
		if err != nil {
			return err
		}
		if len(doc.Items) == 0 {
			return nil
		}
		head = doc.Items[0]
		found = true
		doc.Items = doc.Items[1:]
		return statefile.WriteJSONAtomic(q.stateFile, doc)
	})
	return head, found, err
}

// Requeue re-enqueues an item at the tail, excluding it first if present
// under its ID, so a previously dequeued item doesn't duplicate if it never
// left the file. An item without an ID is enqueued as new.
func (q *Queue) Requeue(item Item) (Item, error) {
	if item.ID == "" {
		return q.Enqueue(item)
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}
	err := statefile.WithLocked(q.stateFile, func() error {
		doc, err := q.read()
		if err != nil {
			return err
		}
		kept := make([]Item, 0, len(doc.Items)+1)
		for _, it := range doc.Items {
			if it.ID != item.ID {
				kept = append(kept, it)
			}
		}
		doc.Items = append(kept, item)
		return statefile.WriteJSONAtomic(q.stateFile, doc)
	})
	return item, err
}

// MoveToTail removes the item matching id from wherever it sits in the
// queue and re-appends it at the tail, returning the moved item. Used by
// the IPC queue-requeue command to unstick a head-of-line item that keeps
// failing without losing it. ok is false if no item with that ID is
// queued.
func (q *Queue) MoveToTail(id string) (item Item, ok bool, err error) {
	err = statefile.WithLocked(q.stateFile, func() error {
		doc, err := q.read()
		if err != nil {
			return err
		}
		idx := -1
		for i, it := range doc.Items {
			if it.ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil
		}
		item = doc.Items[idx]
		ok = true
		doc.Items = append(doc.Items[:idx], doc.Items[idx+1:]...)
		doc.Items = append(doc.Items, item)
		return statefile.WriteJSONAtomic(q.stateFile, doc)
	})
	return item, ok, err
}

// Peek returns the head item without removing it, best-effort consistent
// (no lock — a concurrent dequeue may race a reader, per spec.md §4.2).
func (q *Queue) Peek() (Item, bool, error) {
	doc, err := q.read()
	if err != nil {
		return Item{}, false, err
	}
	if len(doc.Items) == 0 {
		return Item{}, false, nil
	}
	return doc.Items[0], true, nil
}

// List returns a copy of all queued items in FIFO order, best-effort
// consistent like Peek.
func (q *Queue) List() ([]Item, error) {
	doc, err := q.read()
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(doc.Items))
	copy(items, doc.Items)
	return items, nil
}

// Size returns the current queue length.
func (q *Queue) Size() (int, error) {
	doc, err := q.read()
	if err != nil {
		return 0, err
	}
	return len(doc.Items), nil
}

// IsEmpty reports whether the queue has no items.
func (q *Queue) IsEmpty() (bool, error) {
	size, err := q.Size()
	if err != nil {
		return false, err
	}
	return size == 0, nil
}

func (q *Queue) read() (*stateDoc, error) {
	var doc stateDoc
	err := statefile.ReadJSON(q.stateFile, &doc)
	if os.IsNotExist(err) {
		return &stateDoc{Items: []Item{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}
