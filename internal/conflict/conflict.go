// Package conflict detects diverging local and remote edits and resolves them on request.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/store"
)

const registryDir = ".mdsync/conflicts"

// Detect reports a conflict when the remote copy changed after the last successful sync
// while the local copy holds edits that were not pushed.
func Detect(local, remote model.Document, now time.Time) (model.Conflict, bool) {
	if local.Sync.Status != model.StatusPending && local.Sync.Status != model.StatusError {
		return model.Conflict{}, false
	}
	if !remote.UpdatedAt.After(local.Sync.LastSyncedAt) {
		return model.Conflict{}, false
	}

	return model.Conflict{
		DocumentID: local.ID,
		Local:      model.ConflictSide{Content: local.Content, UpdatedAt: local.UpdatedAt},
		Remote:     model.ConflictSide{Content: remote.Content, UpdatedAt: remote.UpdatedAt},
		DetectedAt: now,
		RemoteDoc:  remote.Clone(),
	}, true
}

// Registry holds the outstanding conflicts, keyed by document id. With a backing store the
// conflicts survive restarts.
type Registry struct {
	mu      sync.RWMutex
	items   map[string]model.Conflict
	persist store.Store
	logger  *slog.Logger
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithStore persists conflicts in st.
func WithStore(st store.Store) RegistryOption {
	return func(r *Registry) {
		r.persist = st
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates a registry and loads the persisted conflicts, if any.
func NewRegistry(ctx context.Context, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		items:  make(map[string]model.Conflict),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.persist == nil {
		return r, nil
	}

	files, err := r.persist.List(ctx, registryDir)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	for _, f := range files {
		if f.IsDir || !strings.HasSuffix(f.Path, ".json") {
			continue
		}
		data, err := r.persist.Read(ctx, f.Path)
		if err != nil {
			return nil, fmt.Errorf("read conflict: %w", err)
		}
		var c model.Conflict
		if err := json.Unmarshal(data, &c); err != nil {
			r.logger.WarnContext(ctx, "skipping unreadable conflict", "file", f.Path, "error", err)
			continue
		}
		r.items[c.DocumentID] = c
	}
	return r, nil
}

// Put records a conflict, replacing the previous one of the same document.
func (r *Registry) Put(ctx context.Context, c model.Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.persist != nil {
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal conflict: %w", err)
		}
		if err := r.persist.Write(ctx, conflictPath(c.DocumentID), data); err != nil {
			return fmt.Errorf("write conflict: %w", err)
		}
	}
	r.items[c.DocumentID] = c
	return nil
}

// Get returns the conflict of a document.
func (r *Registry) Get(docID string) (model.Conflict, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[docID]
	return c, ok
}

// List returns the outstanding conflicts, oldest first.
func (r *Registry) List() []model.Conflict {
	r.mu.RLock()
	out := make([]model.Conflict, 0, len(r.items))
	for _, c := range r.items {
		out = append(out, c)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Conflict) int {
		if c := a.DetectedAt.Compare(b.DetectedAt); c != 0 {
			return c
		}
		return strings.Compare(a.DocumentID, b.DocumentID)
	})
	return out
}

// Remove discards the conflict of a document.
func (r *Registry) Remove(ctx context.Context, docID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.persist != nil {
		if err := r.persist.Delete(ctx, conflictPath(docID)); err != nil {
			return fmt.Errorf("delete conflict: %w", err)
		}
	}
	delete(r.items, docID)
	return nil
}

// Len returns the number of outstanding conflicts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func conflictPath(docID string) string {
	return path.Join(registryDir, docID+".json")
}

// Choice selects the side that wins a conflict.
type Choice string

// Resolution choices.
const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
)

// ParseChoice parses a resolution choice.
func ParseChoice(s string) (Choice, error) {
	switch Choice(strings.ToLower(strings.TrimSpace(s))) {
	case ChoiceLocal:
		return ChoiceLocal, nil
	case ChoiceRemote:
		return ChoiceRemote, nil
	}
	return "", fmt.Errorf("%w: %q", apperrors.ErrUnknownChoice, s)
}
