package syncstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mdreader/mdsync/internal/model"
)

// EventKind identifies an engine event.
type EventKind string

// Event kinds.
const (
	EventAuthLogin               EventKind = "auth:login"
	EventWorkspaceSwitched       EventKind = "workspace:switched"
	EventWorkspaceCreated        EventKind = "workspace:created"
	EventDocumentSynced          EventKind = "document-synced"
	EventDocumentStatusChanged   EventKind = "document-sync-status-changed"
	EventBatchSyncComplete       EventKind = "batch-sync-complete"
	EventFirstGuestDocumentSaved EventKind = "first-guest-document-created"
)

// Event is delivered to every subscriber of a Bus.
type Event struct {
	Kind        EventKind
	At          time.Time
	UserID      string
	WorkspaceID string
	DocumentID  string
	From        model.SyncStatus
	To          model.SyncStatus
	// Payload carries kind specific data, such as the batch report for batch-sync-complete.
	Payload any
}

// Handler receives events. Handlers run synchronously on the publishing goroutine.
type Handler func(ctx context.Context, e Event)

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers []subscription
	logger   *slog.Logger
}

type subscription struct {
	id      int
	handler Handler
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers h and returns a function that removes it. Calling the returned
// function more than once is harmless.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := range b.handlers {
			if b.handlers[i].id == id {
				b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers e to the current subscribers. A panicking handler is logged and
// does not prevent delivery to the others.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	handlers := make([]subscription, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	b.logger.DebugContext(ctx, "publishing event",
		"kind", e.Kind,
		"document_id", e.DocumentID,
		"workspace_id", e.WorkspaceID,
		"subscribers", len(handlers))

	for _, sub := range handlers {
		b.deliver(ctx, sub.handler, e)
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "event handler panicked", "kind", e.Kind, "panic", r)
		}
	}()
	h(ctx, e)
}
