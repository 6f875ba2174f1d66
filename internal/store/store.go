// Package store provides the workspace/document adapters and the git-backed file store
// the local adapter persists into.
package store

import (
	"context"
	"time"

	"github.com/mdreader/mdsync/internal/model"
)

// Adapter is the contract shared by the local and cloud stores.
//
//nolint:interfacebloat // one method per workspace/document operation
type Adapter interface {
	ListWorkspaces(ctx context.Context) ([]model.Workspace, error)
	CurrentWorkspace(ctx context.Context) (model.Workspace, error)
	SwitchWorkspace(ctx context.Context, id string) (model.Workspace, error)
	CreateWorkspace(ctx context.Context, ws model.Workspace) (model.Workspace, error)
	UpdateWorkspace(ctx context.Context, id string, patch model.WorkspacePatch) (model.Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error

	ListDocuments(ctx context.Context, workspaceID string) ([]model.Document, error)
	GetDocument(ctx context.Context, id string) (model.Document, error)
	CreateDocument(ctx context.Context, doc model.Document) (model.Document, error)
	UpdateDocument(ctx context.Context, id string, patch model.DocumentPatch) (model.Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

// LocalAdapter is the local store. Besides the shared contract it can overwrite whole
// records, which the sync engine uses to persist cloud ids and sync metadata.
type LocalAdapter interface {
	Adapter
	PutWorkspace(ctx context.Context, ws model.Workspace) error
	PutDocument(ctx context.Context, doc model.Document) error
	// MutateDocument is an atomic read-modify-write of one document record.
	MutateDocument(ctx context.Context, id string, fn func(doc *model.Document) error) (model.Document, error)
}

// CloudAdapter is the cloud store. It must be initialized before use; until then every
// call fails with apperrors.ErrAdapterUnavailable.
type CloudAdapter interface {
	Adapter
	Init(ctx context.Context) error
	Ready() bool
}

// BatchOperation is the kind of write of a batch entry.
type BatchOperation string

const (
	BatchCreate BatchOperation = "create"
	BatchUpdate BatchOperation = "update"
)

// BatchOp is one document write of a batch. Document.WorkspaceID is ignored: every
// entry of a batch belongs to the workspace the batch is sent for.
type BatchOp struct {
	Operation BatchOperation
	Document  model.Document
}

// BatchResult is the outcome of one BatchOp. DocumentID is the local id of the document.
// Err is nil on success and wraps apperrors.ErrConflict for a rejected version.
type BatchResult struct {
	DocumentID string
	CloudID    string
	Version    int64
	Err        error
}

// BatchPusher is implemented by cloud adapters that accept many document writes in one
// request. PushBatch returns one result per op, in op order, and fails with
// apperrors.ErrBatchUnsupported when the backend has no batch endpoint.
type BatchPusher interface {
	PushBatch(ctx context.Context, workspaceID string, ops []BatchOp) ([]BatchResult, error)
}

type noRetryKey struct{}

// WithoutRetry marks ctx as coming from a caller that retries on its own. Adapters make
// a single attempt per call made with it.
func WithoutRetry(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRetryKey{}, true)
}

// RetryDisabled reports whether ctx was marked with WithoutRetry.
func RetryDisabled(ctx context.Context) bool {
	v, _ := ctx.Value(noRetryKey{}).(bool)
	return v
}

// FileInfo represents file metadata.
type FileInfo struct {
	Path    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Store abstracts read/write file operations.
type Store interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	List(ctx context.Context, dir string) ([]FileInfo, error)

	// Write and Delete change the working tree without committing; the next
	// transaction commit records them.
	Write(ctx context.Context, path string, content []byte) error
	Delete(ctx context.Context, path string) error

	// Atomic batch operations (maps to git commits)
	BeginTx(ctx context.Context) (Transaction, error)
}

// Transaction groups multiple operations into one commit.
type Transaction interface {
	Write(path string, content []byte) error
	Delete(path string) error
	DeleteDir(path string) error
	Commit(message string) error
	Rollback() error
}
