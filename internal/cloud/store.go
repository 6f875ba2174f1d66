package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/identity"
	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/store"
)

const (
	contentTypeMarkdown = "markdown"
	storageModeHybrid   = "HybridSync"
)

// Store is the cloud adapter. It must be initialized with Init before use.
type Store struct {
	client *Client
	logger *slog.Logger

	ready atomic.Bool
	// noBatch is set once the backend answered that it has no batch endpoint.
	noBatch atomic.Bool

	mu         sync.RWMutex
	user       *User
	workspaces []model.Workspace
	current    string
}

var (
	_ store.CloudAdapter = (*Store)(nil)
	_ store.BatchPusher  = (*Store)(nil)
)

// StoreOption configures the Store.
type StoreOption func(*Store)

// WithStoreLogger sets a custom logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates a cloud adapter on top of client.
func NewStore(client *Client, opts ...StoreOption) *Store {
	s := &Store{
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init checks the credentials and loads the workspace list. Calling it again refreshes
// the cached state.
func (s *Store) Init(ctx context.Context) error {
	if !s.client.HasToken() {
		return apperrors.ErrNotAuthenticated
	}

	user, err := s.client.Me(ctx)
	if err != nil {
		return fmt.Errorf("init cloud store: %w", err)
	}
	remote, err := s.client.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("init cloud store: %w", err)
	}

	s.mu.Lock()
	s.user = user
	s.workspaces = toWorkspaces(remote)
	s.mu.Unlock()

	s.ready.Store(true)
	s.logger.InfoContext(ctx, "cloud store ready", "user_id", user.ID, "workspaces", len(remote))
	return nil
}

// Ready reports whether Init succeeded.
func (s *Store) Ready() bool {
	return s.ready.Load()
}

// User returns the authenticated user, or nil before Init.
func (s *Store) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Store) guard() error {
	if !s.ready.Load() {
		return fmt.Errorf("cloud store: %w", apperrors.ErrAdapterUnavailable)
	}
	return nil
}

// ListWorkspaces returns the workspaces of the user and refreshes the cache.
func (s *Store) ListWorkspaces(ctx context.Context) ([]model.Workspace, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	remote, err := s.client.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}

	workspaces := toWorkspaces(remote)
	s.mu.Lock()
	s.workspaces = workspaces
	s.mu.Unlock()
	return slices.Clone(workspaces), nil
}

// CurrentWorkspace returns the selected workspace, or the first one when none was selected.
func (s *Store) CurrentWorkspace(_ context.Context) (model.Workspace, error) {
	if err := s.guard(); err != nil {
		return model.Workspace{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ws := range s.workspaces {
		if s.current != "" && identity.Matches(ws, s.current) {
			return ws, nil
		}
	}
	if len(s.workspaces) == 0 {
		return model.Workspace{}, fmt.Errorf("current cloud workspace: %w", apperrors.ErrNotFound)
	}
	return s.workspaces[0], nil
}

// SwitchWorkspace selects a workspace.
func (s *Store) SwitchWorkspace(ctx context.Context, id string) (model.Workspace, error) {
	if err := s.guard(); err != nil {
		return model.Workspace{}, err
	}

	ws, ok := s.cached(id)
	if !ok {
		remote, err := s.client.GetWorkspace(ctx, id)
		if err != nil {
			return model.Workspace{}, err
		}
		ws = toWorkspace(*remote)
		s.remember(ws)
	}

	s.mu.Lock()
	s.current = ws.ID
	s.mu.Unlock()
	return ws, nil
}

// CreateWorkspace creates the workspace in the cloud under its local id.
func (s *Store) CreateWorkspace(ctx context.Context, ws model.Workspace) (model.Workspace, error) {
	if err := s.guard(); err != nil {
		return model.Workspace{}, err
	}

	id := ws.CloudID
	if id == "" {
		id = ws.ID
	}
	remote, err := s.client.CreateWorkspace(ctx, CreateWorkspaceRequest{
		ID:          id,
		Name:        ws.Name,
		Description: ws.Description,
		Icon:        ws.Icon,
	})
	if err != nil {
		return model.Workspace{}, err
	}

	created := toWorkspace(*remote)
	s.remember(created)
	return created, nil
}

// UpdateWorkspace changes a workspace.
func (s *Store) UpdateWorkspace(ctx context.Context, id string, patch model.WorkspacePatch) (model.Workspace, error) {
	if err := s.guard(); err != nil {
		return model.Workspace{}, err
	}

	remote, err := s.client.UpdateWorkspace(ctx, id, UpdateWorkspaceRequest{
		Name:        patch.Name,
		Description: patch.Description,
		Icon:        patch.Icon,
	})
	if err != nil {
		return model.Workspace{}, err
	}

	updated := toWorkspace(*remote)
	s.remember(updated)
	return updated, nil
}

// DeleteWorkspace deletes a workspace with its documents.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.client.DeleteWorkspace(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	s.workspaces = slices.DeleteFunc(s.workspaces, func(ws model.Workspace) bool {
		return identity.Matches(ws, id)
	})
	if s.current == id {
		s.current = ""
	}
	s.mu.Unlock()
	return nil
}

// ListDocuments returns the documents of a workspace, without content.
func (s *Store) ListDocuments(ctx context.Context, workspaceID string) ([]model.Document, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	remote, err := s.client.ListDocuments(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	docs := make([]model.Document, 0, len(remote))
	for _, d := range remote {
		docs = append(docs, toDocument(d))
	}
	return docs, nil
}

// GetDocument returns a document with its content.
func (s *Store) GetDocument(ctx context.Context, id string) (model.Document, error) {
	if err := s.guard(); err != nil {
		return model.Document{}, err
	}
	remote, err := s.client.GetDocument(ctx, id)
	if err != nil {
		return model.Document{}, err
	}
	return toDocument(*remote), nil
}

// CreateDocument pushes a document. The cloud record takes the document's cloud id, or its
// local id for a document never pushed, so retries of a create are idempotent.
// doc.WorkspaceID must be the cloud id of the workspace.
func (s *Store) CreateDocument(ctx context.Context, doc model.Document) (model.Document, error) {
	if err := s.guard(); err != nil {
		return model.Document{}, err
	}

	id := doc.RemoteID()
	if id == "" {
		id = doc.ID
	}
	remote, err := s.client.CreateDocument(ctx, doc.WorkspaceID, CreateDocumentRequest{
		ID:          id,
		Title:       doc.Title,
		Content:     doc.Content,
		ContentType: contentTypeMarkdown,
		FolderID:    doc.FolderID,
		Tags:        nonNil(doc.Tags),
		StorageMode: storageModeHybrid,
		YjsStateB64: doc.Sync.YjsStateB64,
	})
	if err != nil {
		return model.Document{}, err
	}

	if doc.Starred && !remote.IsStarred {
		if err := s.client.SetStarred(ctx, remote.ID, true); err != nil {
			return model.Document{}, err
		}
		remote.IsStarred = true
	}
	return toDocument(*remote), nil
}

// UpdateDocument changes a document.
func (s *Store) UpdateDocument(ctx context.Context, id string, patch model.DocumentPatch) (model.Document, error) {
	if err := s.guard(); err != nil {
		return model.Document{}, err
	}

	req := UpdateDocumentRequest{
		Title:              patch.Title,
		Content:            patch.Content,
		FolderID:           patch.FolderID,
		Tags:               patch.Tags,
		YjsStateB64:        patch.YjsStateB64,
		ExpectedYjsVersion: patch.ExpectedYjsVersion,
	}

	var remote *Document
	var err error
	if req.Title != nil || req.Content != nil || req.FolderID != nil || req.Tags != nil || req.YjsStateB64 != nil {
		remote, err = s.client.UpdateDocument(ctx, id, req)
	} else {
		remote, err = s.client.GetDocument(ctx, id)
	}
	if err != nil {
		return model.Document{}, err
	}

	if patch.Starred != nil && *patch.Starred != remote.IsStarred {
		if err := s.client.SetStarred(ctx, remote.ID, *patch.Starred); err != nil {
			return model.Document{}, err
		}
		remote.IsStarred = *patch.Starred
	}
	return toDocument(*remote), nil
}

// DeleteDocument deletes a document.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.client.DeleteDocument(ctx, id)
}

// PushBatch writes documents of one workspace through the batch endpoint, in requests of
// at most maxBatchSize operations. workspaceID is the cloud id of the workspace.
func (s *Store) PushBatch(ctx context.Context, workspaceID string, ops []store.BatchOp) ([]store.BatchResult, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if s.noBatch.Load() {
		return nil, apperrors.ErrBatchUnsupported
	}

	results := make([]store.BatchResult, 0, len(ops))
	for chunk := range slices.Chunk(ops, maxBatchSize) {
		out, err := s.pushChunk(ctx, workspaceID, chunk)
		if err != nil {
			var httpErr *apperrors.HTTPError
			if errors.As(err, &httpErr) &&
				(httpErr.StatusCode == http.StatusNotFound || httpErr.StatusCode == http.StatusMethodNotAllowed) {
				s.noBatch.Store(true)
				s.logger.InfoContext(ctx, "backend has no batch endpoint", "status", httpErr.StatusCode)
				err = fmt.Errorf("%w: %w", apperrors.ErrBatchUnsupported, err)
			}
			if len(results) == 0 {
				return nil, err
			}
			for _, op := range chunk {
				results = append(results, store.BatchResult{DocumentID: op.Document.ID, Err: err})
			}
			continue
		}
		results = append(results, out...)
	}
	return results, nil
}

func (s *Store) pushChunk(ctx context.Context, workspaceID string, ops []store.BatchOp) ([]store.BatchResult, error) {
	req := BatchRequest{WorkspaceID: workspaceID, Operations: make([]BatchOperation, 0, len(ops))}
	for _, op := range ops {
		req.Operations = append(req.Operations, toBatchOperation(op))
	}

	resp, err := s.client.BatchDocuments(ctx, req)
	if err != nil {
		return nil, err
	}
	byClient := make(map[string]BatchOperationResult, len(resp.Results))
	for _, r := range resp.Results {
		byClient[r.ClientID] = r
	}

	results := make([]store.BatchResult, 0, len(ops))
	var updated bool
	for i, op := range ops {
		res := store.BatchResult{DocumentID: op.Document.ID}
		r, ok := byClient[op.Document.ID]
		switch {
		case !ok:
			res.Err = fmt.Errorf("%w: %s missing from response", apperrors.ErrBatchOperation, op.Document.ID)
		case r.Status == "success":
			res.CloudID, res.Version = r.DocumentID, r.Version
			if res.CloudID == "" {
				res.CloudID = req.Operations[i].DocumentID
			}
			updated = updated || op.Operation == store.BatchUpdate
		case r.Status == "conflict":
			res.Err = fmt.Errorf("%w: %s: %s", apperrors.ErrConflict, op.Document.ID, r.Error)
		default:
			res.Err = fmt.Errorf("%w: %s %s: %s", apperrors.ErrBatchOperation, op.Document.ID, r.Status, r.Error)
		}
		results = append(results, res)
	}

	s.syncStars(ctx, workspaceID, ops, results, updated)
	return results, nil
}

// syncStars applies the starred flag, which the batch endpoint does not carry. A failure
// becomes the error of that operation.
func (s *Store) syncStars(ctx context.Context, workspaceID string, ops []store.BatchOp, results []store.BatchResult, updated bool) {
	starred := make(map[string]bool)
	if updated {
		remote, err := s.client.ListDocuments(ctx, workspaceID)
		if err != nil {
			for i, op := range ops {
				if results[i].Err == nil && op.Operation == store.BatchUpdate {
					results[i].Err = fmt.Errorf("list starred documents: %w", err)
				}
			}
		}
		for _, d := range remote {
			starred[d.ID] = d.IsStarred
		}
	}

	for i, op := range ops {
		res := &results[i]
		if res.Err != nil || op.Document.Starred == starred[res.CloudID] {
			continue
		}
		if err := s.client.SetStarred(ctx, res.CloudID, op.Document.Starred); err != nil {
			res.Err = err
		}
	}
}

func toBatchOperation(op store.BatchOp) BatchOperation {
	doc := op.Document
	if op.Operation == store.BatchCreate {
		id := doc.RemoteID()
		if id == "" {
			id = doc.ID
		}
		return BatchOperation{
			Operation:  string(store.BatchCreate),
			ClientID:   doc.ID,
			DocumentID: id,
			Data: CreateDocumentRequest{
				ID:          id,
				Title:       doc.Title,
				Content:     doc.Content,
				ContentType: contentTypeMarkdown,
				FolderID:    doc.FolderID,
				Tags:        nonNil(doc.Tags),
				StorageMode: storageModeHybrid,
				YjsStateB64: doc.Sync.YjsStateB64,
			},
		}
	}

	tags := nonNil(doc.Tags)
	return BatchOperation{
		Operation:  string(store.BatchUpdate),
		ClientID:   doc.ID,
		DocumentID: doc.RemoteID(),
		Data: UpdateDocumentRequest{
			Title:    &doc.Title,
			Content:  &doc.Content,
			FolderID: &doc.FolderID,
			Tags:     &tags,
		},
	}
}

func (s *Store) cached(id string) (model.Workspace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ws := range s.workspaces {
		if identity.Matches(ws, id) {
			return ws, true
		}
	}
	return model.Workspace{}, false
}

func (s *Store) remember(ws model.Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.workspaces {
		if identity.Same(s.workspaces[i], ws) {
			s.workspaces[i] = ws
			return
		}
	}
	s.workspaces = append(s.workspaces, ws)
}

func toWorkspaces(remote []Workspace) []model.Workspace {
	out := make([]model.Workspace, 0, len(remote))
	for _, ws := range remote {
		out = append(out, toWorkspace(ws))
	}
	return out
}

func toWorkspace(ws Workspace) model.Workspace {
	return model.Workspace{
		ID:          ws.ID,
		CloudID:     ws.ID,
		Name:        ws.Name,
		Description: ws.Description,
		Icon:        ws.Icon,
		CreatedAt:   ws.CreatedAt,
		UpdatedAt:   ws.UpdatedAt,
		SyncStatus:  model.StatusSynced,
	}
}

func toDocument(d Document) model.Document {
	return model.Document{
		ID:          d.ID,
		CloudID:     d.ID,
		WorkspaceID: d.WorkspaceID,
		Type:        model.TypeMarkdown,
		Title:       d.Title,
		Content:     d.Content,
		FolderID:    d.FolderID,
		Starred:     d.IsStarred,
		Tags:        d.Tags,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
		Version:     d.Version,
		Sync: model.SyncRecord{
			Status:       model.StatusSynced,
			CloudID:      d.ID,
			LastSyncedAt: syncedAt(d.UpdatedAt),
			YjsVersion:   d.YjsVersion,
			YjsStateB64:  d.YjsStateB64,
		},
	}
}

func syncedAt(updatedAt time.Time) time.Time {
	if updatedAt.IsZero() {
		return time.Now().UTC()
	}
	return updatedAt
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
