package conflict

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/store"
	"github.com/mdreader/mdsync/internal/syncstate"
)

// Resolver settles conflicts by keeping one side. There is no automatic merge.
type Resolver struct {
	local    store.LocalAdapter
	cloud    store.Adapter
	machine  *syncstate.Machine
	registry *Registry
	logger   *slog.Logger
}

// ResolverOption configures the Resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets a custom logger.
func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = l
	}
}

// NewResolver creates a resolver.
func NewResolver(
	local store.LocalAdapter, cloud store.Adapter, machine *syncstate.Machine, registry *Registry,
	opts ...ResolverOption,
) *Resolver {
	r := &Resolver{
		local:    local,
		cloud:    cloud,
		machine:  machine,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve keeps the chosen side of the conflict of docID and marks the document synced.
//
// ChoiceLocal pushes the local copy over the remote one. ChoiceRemote overwrites the local
// content and CRDT state with the remote copy. When the push fails the conflict stays
// outstanding and the error is returned.
func (r *Resolver) Resolve(ctx context.Context, docID string, choice Choice) (model.Document, error) {
	c, ok := r.registry.Get(docID)
	if !ok {
		return model.Document{}, fmt.Errorf("%w: %s", apperrors.ErrNoConflict, docID)
	}

	doc, err := r.local.GetDocument(ctx, docID)
	if err != nil {
		return model.Document{}, fmt.Errorf("load document: %w", err)
	}
	r.machine.Seed(doc.ID, doc.Sync.Status)

	remoteID := c.RemoteDoc.RemoteID()
	if remoteID == "" {
		remoteID = doc.RemoteID()
	}

	var resolved model.Document
	switch choice {
	case ChoiceLocal:
		pushed, err := r.cloud.UpdateDocument(ctx, remoteID, model.PatchFromDocument(doc))
		if err != nil {
			r.logger.WarnContext(ctx, "pushing local side failed, conflict kept", "document_id", docID, "error", err)
			return model.Document{}, fmt.Errorf("push local side: %w", err)
		}
		resolved = adoptBookkeeping(doc, pushed)
	case ChoiceRemote:
		remote := c.RemoteDoc
		if fresh, err := r.cloud.GetDocument(ctx, remoteID); err == nil {
			remote = fresh
		} else {
			r.logger.DebugContext(ctx, "using recorded remote copy", "document_id", docID, "error", err)
		}
		resolved = adoptRemote(doc, remote)
	default:
		return model.Document{}, fmt.Errorf("%w: %q", apperrors.ErrUnknownChoice, choice)
	}

	// The status flips inside the write: an edit saved before it is refused here, one saved
	// after it finds the document synced and marks it pending again.
	resolved.Sync.Status = model.StatusSynced
	flipped := false
	saved, err := r.local.MutateDocument(ctx, doc.ID, func(d *model.Document) error {
		if d.Version != doc.Version || d.Content != doc.Content || d.Sync.YjsStateB64 != doc.Sync.YjsStateB64 {
			return fmt.Errorf("%w: document %s edited while resolving", apperrors.ErrConflict, doc.ID)
		}
		if err := r.machine.Transition(ctx, doc.ID, model.StatusConflict, model.StatusSynced); err != nil {
			return err
		}
		flipped = true
		*d = resolved
		return nil
	})
	if err != nil {
		if flipped {
			if terr := r.machine.Transition(ctx, doc.ID, model.StatusSynced, model.StatusConflict); terr != nil {
				r.logger.ErrorContext(ctx, "restoring conflict status failed", "document_id", docID, "error", terr)
			}
		}
		r.logger.WarnContext(ctx, "resolution not saved, conflict kept", "document_id", docID, "error", err)
		return model.Document{}, fmt.Errorf("save resolved document: %w", err)
	}
	resolved = saved
	if err := r.registry.Remove(ctx, docID); err != nil {
		return model.Document{}, err
	}

	r.logger.InfoContext(ctx, "conflict resolved", "document_id", docID, "choice", choice)
	return resolved, nil
}

// adoptBookkeeping takes the cloud bookkeeping of a push into the local copy.
func adoptBookkeeping(local, pushed model.Document) model.Document {
	out := local.Clone()
	if id := pushed.RemoteID(); id != "" {
		out.LinkCloud(id)
	}
	out.Sync.LastSyncedAt = pushed.Sync.LastSyncedAt
	out.Sync.YjsVersion = pushed.Sync.YjsVersion
	if !pushed.UpdatedAt.IsZero() {
		out.UpdatedAt = pushed.UpdatedAt
	}
	return out
}

// adoptRemote overwrites the user content of the local copy with the remote copy.
func adoptRemote(local, remote model.Document) model.Document {
	out := adoptBookkeeping(local, remote)
	out.Title = remote.Title
	out.Content = remote.Content
	out.FolderID = remote.FolderID
	out.Starred = remote.Starred
	out.Tags = remote.Clone().Tags
	out.Sync.YjsStateB64 = remote.Sync.YjsStateB64
	return out
}
