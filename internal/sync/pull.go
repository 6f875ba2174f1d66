package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/conflict"
	"github.com/mdreader/mdsync/internal/identity"
	"github.com/mdreader/mdsync/internal/model"
)

const untitled = "Untitled"

// PullReport counts what a pull did to one workspace.
type PullReport struct {
	WorkspaceID string
	Imported    int
	Updated     int
	Conflicts   int
	Unchanged   int
}

// Pull brings the cloud copies of a linked workspace into the local store. Cloud only
// documents are imported, clean local copies take newer remote versions, and dirty local
// copies whose remote changed since the last sync become conflicts.
func (e *Engine) Pull(ctx context.Context, sc model.SyncContext, workspaceID string) (PullReport, error) {
	if !e.online(sc) {
		return PullReport{}, fmt.Errorf("pull: %w", apperrors.ErrAdapterUnavailable)
	}
	ws, err := e.workspace(ctx, workspaceID)
	if err != nil {
		return PullReport{}, err
	}
	report := PullReport{WorkspaceID: ws.ID}
	if !ws.Linked() {
		return report, nil
	}

	remote, err := e.cloud.ListDocuments(ctx, ws.CloudID)
	if err != nil {
		return PullReport{}, fmt.Errorf("list cloud documents: %w", err)
	}
	local, err := e.local.ListDocuments(ctx, ws.ID)
	if err != nil {
		return PullReport{}, fmt.Errorf("list local documents: %w", err)
	}
	byKey := make(map[string]model.Document, len(local))
	for _, d := range local {
		byKey[identity.KeyOf(d)] = d
	}

	for _, r := range remote {
		existing, ok := byKey[identity.KeyOf(r)]
		if !ok {
			if err := e.importDocument(ctx, ws, r); err != nil {
				return report, err
			}
			report.Imported++
			continue
		}

		e.machine.Seed(existing.ID, existing.Sync.Status)
		status, _ := e.machine.Status(existing.ID)
		changed := r.UpdatedAt.After(existing.Sync.LastSyncedAt)

		switch {
		case !changed:
			report.Unchanged++
		case status == model.StatusSynced:
			full, err := e.fullDocument(ctx, r)
			if err != nil {
				return report, err
			}
			adopted, err := e.adoptClean(ctx, existing, full)
			if err != nil {
				return report, err
			}
			if adopted {
				report.Updated++
				break
			}
			// Edited while the remote copy was fetched.
			fresh, err := e.local.GetDocument(ctx, existing.ID)
			if err != nil {
				return report, err
			}
			fresh.Sync.Status, _ = e.machine.Status(fresh.ID)
			if fresh.Sync.Status != model.StatusPending && fresh.Sync.Status != model.StatusError {
				report.Unchanged++
				break
			}
			found, err := e.recordConflict(ctx, fresh, full)
			if err != nil {
				return report, err
			}
			if found {
				report.Conflicts++
			} else {
				report.Unchanged++
			}
		case status == model.StatusPending || status == model.StatusError:
			full, err := e.fullDocument(ctx, r)
			if err != nil {
				return report, err
			}
			existing.Sync.Status = status
			found, err := e.recordConflict(ctx, existing, full)
			if err != nil {
				return report, err
			}
			if found {
				report.Conflicts++
			} else {
				report.Unchanged++
			}
		default:
			// Being pushed or already in conflict.
			report.Unchanged++
		}
	}

	e.logger.InfoContext(ctx, "workspace pulled",
		"workspace_id", ws.ID,
		"imported", report.Imported,
		"updated", report.Updated,
		"conflicts", report.Conflicts)
	return report, nil
}

// recordConflict registers a conflict between a dirty local copy and a newer remote one.
func (e *Engine) recordConflict(ctx context.Context, local, remote model.Document) (bool, error) {
	c, ok := conflict.Detect(local, remote, e.now())
	if !ok {
		return false, nil
	}
	if err := e.registry.Put(ctx, c); err != nil {
		return false, err
	}
	if err := e.machine.Apply(ctx, &local, model.StatusConflict); err != nil {
		return false, err
	}
	_, err := e.local.MutateDocument(ctx, local.ID, func(d *model.Document) error {
		d.Sync.Status = model.StatusConflict
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("save conflicted document: %w", err)
	}

	e.metrics.conflict()
	e.logger.WarnContext(ctx, "conflicting edits detected",
		"document_id", local.ID,
		"local_updated_at", local.UpdatedAt,
		"remote_updated_at", remote.UpdatedAt)
	return true, nil
}

// errStale aborts the adoption of a remote copy when the local one changed after it was read.
var errStale = errors.New("local copy changed")

// adoptClean replaces a clean local copy with the remote one, unless the local copy was
// edited since it was listed. It reports whether the remote copy was adopted.
func (e *Engine) adoptClean(ctx context.Context, listed, remote model.Document) (bool, error) {
	_, err := e.local.MutateDocument(ctx, listed.ID, func(d *model.Document) error {
		if editedSince(*d, listed) || d.Sync.Status != listed.Sync.Status {
			return errStale
		}
		*d = adoptRemote(*d, remote)
		return nil
	})
	switch {
	case errors.Is(err, errStale):
		e.logger.DebugContext(ctx, "local copy edited during pull", "document_id", listed.ID)
		return false, nil
	case err != nil:
		return false, fmt.Errorf("save pulled document: %w", err)
	}
	return true, nil
}

// importDocument stores a cloud only document locally as synced.
func (e *Engine) importDocument(ctx context.Context, ws model.Workspace, remote model.Document) error {
	full, err := e.fullDocument(ctx, remote)
	if err != nil {
		return err
	}
	doc := adoptRemote(model.Document{ID: full.ID, WorkspaceID: ws.ID, CreatedAt: full.CreatedAt}, full)
	if err := e.local.PutDocument(ctx, doc); err != nil {
		return fmt.Errorf("import document: %w", err)
	}
	e.machine.Seed(doc.ID, model.StatusSynced)
	return nil
}

// fullDocument returns the remote document with its content. Listings may leave it out.
func (e *Engine) fullDocument(ctx context.Context, listed model.Document) (model.Document, error) {
	if listed.Content != "" || listed.HasSnapshot() {
		return listed, nil
	}
	full, err := e.cloud.GetDocument(ctx, listed.RemoteID())
	if err != nil {
		return model.Document{}, fmt.Errorf("fetch cloud document: %w", err)
	}
	return full, nil
}

// adoptRemote overwrites a clean local copy with the remote one. The local id, workspace
// and, when set, document type are kept.
func adoptRemote(local, remote model.Document) model.Document {
	out := remote.Clone()
	out.ID = local.ID
	out.WorkspaceID = local.WorkspaceID
	if local.Type != "" {
		out.Type = local.Type
	}
	if out.Type == "" {
		out.Type = model.TypeMarkdown
	}
	if out.Title == "" {
		out.Title = untitled
	}
	if !local.CreatedAt.IsZero() {
		out.CreatedAt = local.CreatedAt
	}
	out.LinkCloud(remote.RemoteID())
	out.Sync.Status = model.StatusSynced
	out.Sync.LastSyncedAt = remote.UpdatedAt
	return out
}
