// Package model holds the workspace and document records shared by the local store,
// the cloud store and the sync engine.
package model

import (
	"slices"
	"strings"
	"time"
)

// SyncStatus is the per-document synchronization status.
type SyncStatus string

// Sync statuses. Only the sync state machine moves a document between them.
const (
	StatusLocal    SyncStatus = "local"
	StatusPending  SyncStatus = "pending"
	StatusSyncing  SyncStatus = "syncing"
	StatusSynced   SyncStatus = "synced"
	StatusConflict SyncStatus = "conflict"
	StatusError    SyncStatus = "error"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusLocal, StatusPending, StatusSyncing, StatusSynced, StatusConflict, StatusError:
		return true
	}
	return false
}

// Dirty reports whether a copy in this status holds edits the cloud has not accepted yet.
func (s SyncStatus) Dirty() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusError, StatusConflict:
		return true
	}
	return false
}

// DocumentType is the kind of editor a document opens in.
type DocumentType string

// Document types.
const (
	TypeMarkdown     DocumentType = "markdown"
	TypeMindmap      DocumentType = "mindmap"
	TypePresentation DocumentType = "presentation"
)

// Valid reports whether t is a known document type.
func (t DocumentType) Valid() bool {
	switch t {
	case TypeMarkdown, TypeMindmap, TypePresentation:
		return true
	}
	return false
}

// Workspace groups documents. SyncStatus is either local or synced.
type Workspace struct {
	ID          string     `json:"id"`
	CloudID     string     `json:"cloudId,omitempty"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Icon        string     `json:"icon,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	SyncStatus  SyncStatus `json:"syncStatus"`
	Version     int64      `json:"version"`
}

// Identity returns the local id and cloud id of the workspace.
func (w Workspace) Identity() (string, string) {
	return w.ID, w.CloudID
}

// Linked reports whether the workspace exists in the cloud.
func (w Workspace) Linked() bool {
	return w.CloudID != ""
}

// SyncRecord is the per-document sync metadata.
type SyncRecord struct {
	Status       SyncStatus `json:"status"`
	CloudID      string     `json:"cloudId,omitempty"`
	LastSyncedAt time.Time  `json:"lastSyncedAt,omitzero"`
	YjsVersion   int64      `json:"yjsVersion,omitempty"`
	// YjsStateB64 is the encoded CRDT state. When set it is the source of truth for content.
	YjsStateB64 string `json:"yjsStateB64,omitempty"`
}

// Document is a markdown, mindmap or presentation document.
type Document struct {
	ID          string       `json:"id"`
	CloudID     string       `json:"cloudId,omitempty"`
	WorkspaceID string       `json:"workspaceId"`
	Type        DocumentType `json:"type"`
	Title       string       `json:"title"`
	Content     string       `json:"content,omitempty"`
	FolderID    string       `json:"folderId,omitempty"`
	Starred     bool         `json:"starred,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	Version     int64        `json:"version"`
	Sync        SyncRecord   `json:"sync"`
}

// Identity returns the local id and cloud id of the document.
func (d Document) Identity() (string, string) {
	if d.CloudID != "" {
		return d.ID, d.CloudID
	}
	return d.ID, d.Sync.CloudID
}

// RemoteID returns the id the cloud knows the document by, or "" when never pushed.
func (d Document) RemoteID() string {
	_, cloudID := d.Identity()
	return cloudID
}

// Linked reports whether the document exists in the cloud.
func (d Document) Linked() bool {
	return d.RemoteID() != ""
}

// LinkCloud records the cloud id on both the document and its sync record.
func (d *Document) LinkCloud(cloudID string) {
	d.CloudID = cloudID
	d.Sync.CloudID = cloudID
}

// HasSnapshot reports whether a CRDT snapshot is stored for the document.
func (d Document) HasSnapshot() bool {
	return d.Sync.YjsStateB64 != ""
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	d.Tags = slices.Clone(d.Tags)
	return d
}

// WordCount returns the number of whitespace separated words of the text projection.
func (d Document) WordCount() int {
	return len(strings.Fields(d.Content))
}

// ConflictSide is one side of a conflicting edit.
type ConflictSide struct {
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Conflict describes divergent local and remote edits of one document.
type Conflict struct {
	DocumentID string       `json:"documentId"`
	Local      ConflictSide `json:"local"`
	Remote     ConflictSide `json:"remote"`
	DetectedAt time.Time    `json:"detectedAt"`
	// RemoteDoc is the remote copy adopted when the remote side wins.
	RemoteDoc Document `json:"remoteDoc"`
}

// SyncContext is the authentication and backend state a sync decision is made against.
type SyncContext struct {
	Authenticated bool
	BackendReady  bool
	UserID        string
}

// CanSync reports whether cloud operations may be attempted.
func (sc SyncContext) CanSync() bool {
	return sc.Authenticated && sc.BackendReady
}

// Guest is the context of a signed-out user.
var Guest = SyncContext{}
