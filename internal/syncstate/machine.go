// Package syncstate owns the per-document sync status state machine and the event bus
// that reports its changes.
package syncstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/model"
)

// transitions lists the legal edges. pending->conflict and error->conflict exist because
// conflicts are detected on copies holding unpushed edits.
var transitions = map[model.SyncStatus][]model.SyncStatus{
	model.StatusLocal:    {model.StatusPending},
	model.StatusPending:  {model.StatusSyncing, model.StatusConflict},
	model.StatusSyncing:  {model.StatusSynced, model.StatusError},
	model.StatusSynced:   {model.StatusPending, model.StatusConflict},
	model.StatusError:    {model.StatusPending, model.StatusConflict},
	model.StatusConflict: {model.StatusSynced},
}

// CanTransition reports whether from -> to is a legal edge. Re-entering local or
// pending is accepted as a no-op.
func CanTransition(from, to model.SyncStatus) bool {
	if from == to {
		return from == model.StatusLocal || from == model.StatusPending
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine tracks the status of every document it has seen, keyed by document id.
// Statuses are not tied to the current workspace, so a push that finishes after a
// workspace switch still lands on the right document.
type Machine struct {
	mu       sync.Mutex
	statuses map[string]model.SyncStatus
	bus      *Bus
	logger   *slog.Logger
}

// MachineOption configures the Machine.
type MachineOption func(*Machine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) {
		m.logger = l
	}
}

// NewMachine creates a state machine with its own event bus.
func NewMachine(opts ...MachineOption) *Machine {
	m := &Machine{
		statuses: make(map[string]model.SyncStatus),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.bus = NewBus(m.logger)
	return m
}

// Bus returns the event bus owned by the machine.
func (m *Machine) Bus() *Bus {
	return m.bus
}

// Status returns the tracked status of a document.
func (m *Machine) Status(docID string) (model.SyncStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[docID]
	return s, ok
}

// Seed records the persisted status of a document without validating an edge. It does
// not overwrite a status the machine already tracks.
func (m *Machine) Seed(docID string, status model.SyncStatus) {
	if status == "" {
		status = model.StatusLocal
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.statuses[docID]; !ok {
		m.statuses[docID] = status
	}
}

// Forget drops a document, typically after it was deleted.
func (m *Machine) Forget(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, docID)
}

// Transition moves a document from one status to another. It is a compare-and-set:
// when the machine already tracks the document in a status other than from, or the
// edge is not legal, it returns ErrIllegalTransition and changes nothing. Successful
// changes are published as document-sync-status-changed events.
func (m *Machine) Transition(ctx context.Context, docID string, from, to model.SyncStatus) error {
	if from == "" {
		from = model.StatusLocal
	}

	m.mu.Lock()
	if current, ok := m.statuses[docID]; ok && current != from {
		m.mu.Unlock()
		return fmt.Errorf("%w: document %s is %s, not %s", apperrors.ErrIllegalTransition, docID, current, from)
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s for document %s", apperrors.ErrIllegalTransition, from, to, docID)
	}
	m.statuses[docID] = to
	m.mu.Unlock()

	if from == to {
		return nil
	}

	m.logger.DebugContext(ctx, "sync status changed", "document_id", docID, "from", from, "to", to)
	m.bus.Publish(ctx, Event{
		Kind:       EventDocumentStatusChanged,
		DocumentID: docID,
		From:       from,
		To:         to,
	})
	return nil
}

// Apply transitions doc to the given status and updates doc.Sync.Status on success.
func (m *Machine) Apply(ctx context.Context, doc *model.Document, to model.SyncStatus) error {
	if err := m.Transition(ctx, doc.ID, doc.Sync.Status, to); err != nil {
		return err
	}
	doc.Sync.Status = to
	return nil
}

// StatusForNewDocument returns the status of a freshly created document. Documents
// created by a signed-out user, or in a workspace the cloud does not know, stay local.
func StatusForNewDocument(sc model.SyncContext, workspaceLinked bool) model.SyncStatus {
	if sc.Authenticated && workspaceLinked {
		return model.StatusPending
	}
	return model.StatusLocal
}

// StatusForLocalEdit returns the status a document should move to after a local edit.
// A document the cloud does not know stays local; a cloud-linked copy becomes pending,
// even while offline, so the next batch run pushes it. Copies already holding unpushed
// edits keep their status.
func StatusForLocalEdit(doc model.Document) model.SyncStatus {
	switch doc.Sync.Status {
	case model.StatusPending, model.StatusSyncing, model.StatusConflict, model.StatusError:
		return doc.Sync.Status
	}
	if !doc.Linked() && doc.Sync.Status != model.StatusSynced {
		return model.StatusLocal
	}
	return model.StatusPending
}
