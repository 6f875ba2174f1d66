package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/store"
)

const fileQueueDir = ".mdsync/outbox"

// FileQueue keeps one JSON file per document under .mdsync/outbox in a store.
type FileQueue struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

var _ Queue = (*FileQueue)(nil)

// FileQueueOption configures the FileQueue.
type FileQueueOption func(*FileQueue)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) FileQueueOption {
	return func(q *FileQueue) {
		q.logger = l
	}
}

// NewFileQueue creates a queue persisted in st.
func NewFileQueue(st store.Store, opts ...FileQueueOption) *FileQueue {
	q := &FileQueue{
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue records a change.
func (q *FileQueue) Enqueue(ctx context.Context, e Entry) error {
	e, err := prepare(e, q.now())
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.read(ctx, e.DocumentID)
	switch {
	case err == nil:
		e = Coalesce(&existing, e)
	case !errors.Is(err, apperrors.ErrNotFound):
		return err
	}

	q.logger.DebugContext(ctx, "enqueue outbox entry",
		"document_id", e.DocumentID,
		"operation", e.Operation)
	return q.write(ctx, e)
}

// List returns all entries, oldest first. Unreadable entries are skipped with a warning.
func (q *FileQueue) List(ctx context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := q.store.List(ctx, fileQueueDir)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}

	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		if f.IsDir || !strings.HasSuffix(f.Path, ".json") {
			continue
		}
		id := strings.TrimSuffix(path.Base(strings.ReplaceAll(f.Path, "\\", "/")), ".json")
		e, err := q.read(ctx, id)
		if err != nil {
			q.logger.WarnContext(ctx, "failed to read outbox entry", "file", f.Path, "error", err)
			continue
		}
		entries = append(entries, e)
	}

	sortEntries(entries)
	return entries, nil
}

// Get returns the entry of a document.
func (q *FileQueue) Get(ctx context.Context, documentID string) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.read(ctx, documentID)
}

// Remove drops the entry of a document.
func (q *FileQueue) Remove(ctx context.Context, documentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Delete(ctx, entryPath(documentID)); err != nil {
		return fmt.Errorf("remove outbox entry: %w", err)
	}
	return nil
}

// RecordFailure increments the attempt counter of an entry.
func (q *FileQueue) RecordFailure(ctx context.Context, documentID string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.read(ctx, documentID)
	if err != nil {
		return err
	}
	e.Attempts++
	if cause != nil {
		e.LastError = cause.Error()
	}
	return q.write(ctx, e)
}

// Len returns the number of queued entries.
func (q *FileQueue) Len(ctx context.Context) (int, error) {
	entries, err := q.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Close is a no-op; the store is owned by the caller.
func (q *FileQueue) Close() error {
	return nil
}

func (q *FileQueue) read(ctx context.Context, documentID string) (Entry, error) {
	data, err := q.store.Read(ctx, entryPath(documentID))
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return Entry{}, notQueued(documentID)
		}
		return Entry{}, fmt.Errorf("read outbox entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("unmarshal outbox entry %s: %w", documentID, err)
	}
	return e, nil
}

func (q *FileQueue) write(ctx context.Context, e Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}
	if err := q.store.Write(ctx, entryPath(e.DocumentID), data); err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

func entryPath(documentID string) string {
	return path.Join(fileQueueDir, documentID+".json")
}
