package reconcile

import (
	"slices"

	"github.com/mdreader/mdsync/internal/model"
)

// Workspaces merges the local and cloud workspace listings.
func Workspaces(local, cloud []model.Workspace) Result[model.Workspace] {
	return Merge(local, cloud, MergeWorkspace)
}

// Documents merges the local and cloud document listings.
func Documents(local, cloud []model.Document) Result[model.Document] {
	return Merge(local, cloud, MergeDocument)
}

// MergeWorkspace combines two copies of one workspace. The cloud copy wins for every
// field it carries; fields it leaves empty keep the local value. The local id is kept
// so that local references stay valid.
func MergeWorkspace(local, cloud model.Workspace) model.Workspace {
	out := local
	out.CloudID = pick(cloud.CloudID, local.CloudID)
	if out.CloudID == "" {
		out.CloudID = cloud.ID
	}
	out.Name = pick(cloud.Name, local.Name)
	out.Description = pick(cloud.Description, local.Description)
	out.Icon = pick(cloud.Icon, local.Icon)
	out.SyncStatus = pick(cloud.SyncStatus, local.SyncStatus)
	if cloud.Version != 0 {
		out.Version = cloud.Version
	}
	if !cloud.UpdatedAt.IsZero() {
		out.UpdatedAt = cloud.UpdatedAt
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = cloud.CreatedAt
	}
	return out
}

// MergeDocument combines two copies of one document.
//
// Bookkeeping fields (cloud id, version, timestamps, CRDT version) come from the cloud
// whenever it carries them. User editable fields and the sync status come from the
// cloud too, unless the local copy is dirty: a pending, syncing, errored or conflicted
// copy keeps its own edits and status until the state machine settles it. Fields the
// cloud record leaves empty, such as content in a listing, keep the local value.
func MergeDocument(local, cloud model.Document) model.Document {
	out := local.Clone()

	if id := cloud.RemoteID(); id != "" {
		out.LinkCloud(id)
	} else if !out.Linked() {
		out.LinkCloud(cloud.ID)
	}
	if cloud.Version != 0 {
		out.Version = cloud.Version
	}
	if !cloud.UpdatedAt.IsZero() {
		out.UpdatedAt = cloud.UpdatedAt
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = cloud.CreatedAt
	}
	if !cloud.Sync.LastSyncedAt.IsZero() {
		out.Sync.LastSyncedAt = cloud.Sync.LastSyncedAt
	}
	if cloud.Sync.YjsVersion != 0 {
		out.Sync.YjsVersion = cloud.Sync.YjsVersion
	}
	if out.WorkspaceID == "" {
		out.WorkspaceID = cloud.WorkspaceID
	}
	if out.Type == "" {
		out.Type = cloud.Type
	}

	if local.Sync.Status.Dirty() {
		return out
	}

	out.Sync.Status = pick(cloud.Sync.Status, local.Sync.Status)
	out.Title = pick(cloud.Title, local.Title)
	out.Content = pick(cloud.Content, local.Content)
	out.FolderID = pick(cloud.FolderID, local.FolderID)
	out.Sync.YjsStateB64 = pick(cloud.Sync.YjsStateB64, local.Sync.YjsStateB64)
	out.Starred = cloud.Starred
	if cloud.Tags != nil {
		out.Tags = slices.Clone(cloud.Tags)
	}
	return out
}

func pick[T comparable](preferred, fallback T) T {
	var zero T
	if preferred != zero {
		return preferred
	}
	return fallback
}
