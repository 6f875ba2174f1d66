package outbox

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue keeps entries in memory. Entries are lost when the process exits.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Enqueue records a change.
func (q *MemoryQueue) Enqueue(_ context.Context, e Entry) error {
	e, err := prepare(e, q.now())
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.entries[e.DocumentID]; ok {
		e = Coalesce(&existing, e)
	}
	q.entries[e.DocumentID] = e
	return nil
}

// List returns all entries, oldest first.
func (q *MemoryQueue) List(_ context.Context) ([]Entry, error) {
	q.mu.Lock()
	entries := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	q.mu.Unlock()

	sortEntries(entries)
	return entries, nil
}

// Get returns the entry of a document.
func (q *MemoryQueue) Get(_ context.Context, documentID string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[documentID]
	if !ok {
		return Entry{}, notQueued(documentID)
	}
	return e, nil
}

// Remove drops the entry of a document. Removing a missing entry is not an error.
func (q *MemoryQueue) Remove(_ context.Context, documentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.entries, documentID)
	return nil
}

// RecordFailure increments the attempt counter of an entry.
func (q *MemoryQueue) RecordFailure(_ context.Context, documentID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[documentID]
	if !ok {
		return notQueued(documentID)
	}
	e.Attempts++
	if cause != nil {
		e.LastError = cause.Error()
	}
	q.entries[documentID] = e
	return nil
}

// Len returns the number of queued entries.
func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}

// Close is a no-op.
func (q *MemoryQueue) Close() error {
	return nil
}
