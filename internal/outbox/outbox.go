// Package outbox records local mutations that still have to reach the cloud.
package outbox

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/mdreader/mdsync/internal/apperrors"
)

// Operation is the kind of change waiting to be pushed.
type Operation string

// Operations.
const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Entry is the pending change of one document. A queue holds at most one entry per document.
type Entry struct {
	DocumentID  string    `json:"documentId"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	// CloudID is the id the cloud knows the document by, needed to push deletions.
	CloudID    string    `json:"cloudId,omitempty"`
	Operation  Operation `json:"operation"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Attempts   int       `json:"attempts,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

// Queue stores outbox entries keyed by document id.
type Queue interface {
	// Enqueue records a change, folding it into the entry already queued for the document.
	Enqueue(ctx context.Context, e Entry) error
	// List returns all entries, oldest first.
	List(ctx context.Context) ([]Entry, error)
	Get(ctx context.Context, documentID string) (Entry, error)
	Remove(ctx context.Context, documentID string) error
	// RecordFailure increments the attempt counter and keeps the error message.
	RecordFailure(ctx context.Context, documentID string, cause error) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// Coalesce folds next into the entry already queued for the same document.
//
// The first enqueue time is kept so a document that keeps changing is not starved. A delete
// supersedes anything queued before it; an update never downgrades a create the cloud has
// not seen yet; a create or update after a delete replaces it.
func Coalesce(existing *Entry, next Entry) Entry {
	if existing == nil {
		return next
	}

	out := *existing
	if next.WorkspaceID != "" {
		out.WorkspaceID = next.WorkspaceID
	}
	if next.CloudID != "" {
		out.CloudID = next.CloudID
	}

	switch {
	case next.Operation == OpDelete:
		out.Operation = OpDelete
	case existing.Operation == OpCreate && next.Operation == OpUpdate:
		out.Operation = OpCreate
	case existing.Operation == OpUpdate && next.Operation == OpCreate:
		out.Operation = OpUpdate
	default:
		out.Operation = next.Operation
	}
	return out
}

func prepare(e Entry, now time.Time) (Entry, error) {
	if e.DocumentID == "" {
		return Entry{}, apperrors.ErrDocumentIDRequired
	}
	if !e.Operation.Valid() {
		return Entry{}, fmt.Errorf("%w: outbox operation %q", apperrors.ErrInvalidInput, e.Operation)
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = now
	}
	return e, nil
}

func sortEntries(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		if c := a.EnqueuedAt.Compare(b.EnqueuedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.DocumentID, b.DocumentID)
	})
}

func notQueued(documentID string) error {
	return fmt.Errorf("outbox entry %s: %w", documentID, apperrors.ErrNotFound)
}
