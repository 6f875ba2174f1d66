// Package storetest provides an in-memory cloud adapter for tests.
package storetest

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/identity"
	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/store"
)

// FailFunc decides whether an operation on an id fails. Returning nil lets it proceed.
type FailFunc func(op, id string) error

// Cloud is an in-memory store.CloudAdapter. Document creates are upserts keyed by the
// document id, like the real backend.
type Cloud struct {
	mu         sync.Mutex
	ready      bool
	workspaces []model.Workspace
	documents  map[string]model.Document
	current    string
	calls      map[string]int
	fail       FailFunc
	now        func() time.Time
	batch      bool
}

var (
	_ store.CloudAdapter = (*Cloud)(nil)
	_ store.BatchPusher  = (*Cloud)(nil)
)

// NewCloud creates an empty, uninitialized cloud.
func NewCloud() *Cloud {
	return &Cloud{
		documents: make(map[string]model.Document),
		calls:     make(map[string]int),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetFail installs a failure hook. It is called before every operation once the cloud is ready.
func (c *Cloud) SetFail(fn FailFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fn
}

// SetClock replaces the time source.
func (c *Cloud) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// EnableBatch makes PushBatch accept requests. Until then it fails with ErrBatchUnsupported,
// like a backend without the batch endpoint.
func (c *Cloud) EnableBatch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batch = true
}

// Calls returns how many times op was called.
func (c *Cloud) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// SeedWorkspace stores a workspace as if another client created it.
func (c *Cloud) SeedWorkspace(ws model.Workspace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws.CloudID = ws.ID
	ws.SyncStatus = model.StatusSynced
	c.workspaces = append(c.workspaces, ws)
}

// SeedDocument stores a document as if another client wrote it.
func (c *Cloud) SeedDocument(doc model.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc = doc.Clone()
	doc.LinkCloud(doc.ID)
	doc.Sync.Status = model.StatusSynced
	if doc.Type == "" {
		doc.Type = model.TypeMarkdown
	}
	c.documents[doc.ID] = doc
}

// Document returns the stored copy of a document.
func (c *Cloud) Document(id string) (model.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.documents[id]
	return d.Clone(), ok
}

// enter counts the call and runs the failure hook. The hook runs without the lock held,
// so it may block or call back into the cloud.
func (c *Cloud) enter(op, id string) error {
	c.mu.Lock()
	c.calls[op]++
	ready, fail := c.ready, c.fail
	c.mu.Unlock()

	if !ready {
		return fmt.Errorf("memory cloud: %w", apperrors.ErrAdapterUnavailable)
	}
	if fail != nil {
		return fail(op, id)
	}
	return nil
}

// Init marks the cloud ready.
func (c *Cloud) Init(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["Init"]++
	c.ready = true
	return nil
}

// Ready reports whether Init was called.
func (c *Cloud) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// ListWorkspaces returns the stored workspaces.
func (c *Cloud) ListWorkspaces(_ context.Context) ([]model.Workspace, error) {
	if err := c.enter("ListWorkspaces", ""); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.workspaces), nil
}

// CurrentWorkspace returns the selected or the first workspace.
func (c *Cloud) CurrentWorkspace(_ context.Context) (model.Workspace, error) {
	if err := c.enter("CurrentWorkspace", ""); err != nil {
		return model.Workspace{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ws := range c.workspaces {
		if ws.ID == c.current {
			return ws, nil
		}
	}
	if len(c.workspaces) == 0 {
		return model.Workspace{}, apperrors.ErrNotFound
	}
	return c.workspaces[0], nil
}

// SwitchWorkspace selects a workspace.
func (c *Cloud) SwitchWorkspace(_ context.Context, id string) (model.Workspace, error) {
	if err := c.enter("SwitchWorkspace", id); err != nil {
		return model.Workspace{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ws := range c.workspaces {
		if identity.Matches(ws, id) {
			c.current = ws.ID
			return ws, nil
		}
	}
	return model.Workspace{}, fmt.Errorf("workspace %s: %w", id, apperrors.ErrNotFound)
}

// CreateWorkspace stores a workspace under its cloud or local id.
func (c *Cloud) CreateWorkspace(_ context.Context, ws model.Workspace) (model.Workspace, error) {
	id := ws.CloudID
	if id == "" {
		id = ws.ID
	}
	if err := c.enter("CreateWorkspace", id); err != nil {
		return model.Workspace{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	created := model.Workspace{
		ID: id, CloudID: id, Name: ws.Name, Description: ws.Description, Icon: ws.Icon,
		CreatedAt: now, UpdatedAt: now, SyncStatus: model.StatusSynced, Version: 1,
	}
	for i := range c.workspaces {
		if c.workspaces[i].ID == id {
			c.workspaces[i] = created
			return created, nil
		}
	}
	c.workspaces = append(c.workspaces, created)
	return created, nil
}

// UpdateWorkspace applies a patch.
func (c *Cloud) UpdateWorkspace(_ context.Context, id string, patch model.WorkspacePatch) (model.Workspace, error) {
	if err := c.enter("UpdateWorkspace", id); err != nil {
		return model.Workspace{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.workspaces {
		if identity.Matches(c.workspaces[i], id) {
			c.workspaces[i] = patch.Apply(c.workspaces[i])
			c.workspaces[i].Version++
			c.workspaces[i].UpdatedAt = c.now()
			return c.workspaces[i], nil
		}
	}
	return model.Workspace{}, fmt.Errorf("workspace %s: %w", id, apperrors.ErrNotFound)
}

// DeleteWorkspace removes a workspace and its documents.
func (c *Cloud) DeleteWorkspace(_ context.Context, id string) error {
	if err := c.enter("DeleteWorkspace", id); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.workspaces)
	c.workspaces = slices.DeleteFunc(c.workspaces, func(ws model.Workspace) bool { return identity.Matches(ws, id) })
	if len(c.workspaces) == n {
		return fmt.Errorf("workspace %s: %w", id, apperrors.ErrNotFound)
	}
	for docID, d := range c.documents {
		if d.WorkspaceID == id {
			delete(c.documents, docID)
		}
	}
	return nil
}

// ListDocuments returns the documents of a workspace, oldest first.
func (c *Cloud) ListDocuments(_ context.Context, workspaceID string) ([]model.Document, error) {
	if err := c.enter("ListDocuments", workspaceID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Document
	for _, d := range c.documents {
		if d.WorkspaceID == workspaceID {
			out = append(out, d.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.Document) int {
		if x := a.CreatedAt.Compare(b.CreatedAt); x != 0 {
			return x
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	return out, nil
}

// GetDocument returns a document.
func (c *Cloud) GetDocument(_ context.Context, id string) (model.Document, error) {
	if err := c.enter("GetDocument", id); err != nil {
		return model.Document{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.documents[id]
	if !ok {
		return model.Document{}, fmt.Errorf("document %s: %w", id, apperrors.ErrNotFound)
	}
	return d.Clone(), nil
}

// CreateDocument upserts a document keyed by its cloud or local id.
func (c *Cloud) CreateDocument(_ context.Context, doc model.Document) (model.Document, error) {
	id := doc.RemoteID()
	if id == "" {
		id = doc.ID
	}
	if err := c.enter("CreateDocument", id); err != nil {
		return model.Document{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.create(id, doc), nil
}

func (c *Cloud) create(id string, doc model.Document) model.Document {
	now := c.now()
	stored, exists := c.documents[id]
	out := doc.Clone()
	out.ID = id
	out.LinkCloud(id)
	out.Version = stored.Version + 1
	out.UpdatedAt = now
	if exists {
		out.CreatedAt = stored.CreatedAt
	} else {
		out.CreatedAt = now
	}
	out.Sync.Status = model.StatusSynced
	out.Sync.LastSyncedAt = now
	out.Sync.YjsVersion = stored.Sync.YjsVersion
	if doc.Sync.YjsStateB64 != "" {
		out.Sync.YjsVersion++
	}
	c.documents[id] = out
	return out.Clone()
}

// UpdateDocument applies a patch. A stale ExpectedYjsVersion fails with ErrConflict.
func (c *Cloud) UpdateDocument(_ context.Context, id string, patch model.DocumentPatch) (model.Document, error) {
	if err := c.enter("UpdateDocument", id); err != nil {
		return model.Document{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.update(id, patch)
}

func (c *Cloud) update(id string, patch model.DocumentPatch) (model.Document, error) {
	d, ok := c.documents[id]
	if !ok {
		return model.Document{}, fmt.Errorf("document %s: %w", id, apperrors.ErrNotFound)
	}
	if patch.ExpectedYjsVersion != nil && *patch.ExpectedYjsVersion != d.Sync.YjsVersion {
		return model.Document{}, fmt.Errorf("document %s: %w", id, apperrors.ErrConflict)
	}
	d = patch.Apply(d)
	now := c.now()
	d.Version++
	d.UpdatedAt = now
	d.Sync.LastSyncedAt = now
	if patch.YjsStateB64 != nil {
		d.Sync.YjsVersion++
	}
	c.documents[id] = d
	return d.Clone(), nil
}

// PushBatch applies creates and updates in one call. The failure hook runs per operation
// as "BatchCreate" or "BatchUpdate" and its error becomes the result of that operation.
func (c *Cloud) PushBatch(_ context.Context, workspaceID string, ops []store.BatchOp) ([]store.BatchResult, error) {
	if err := c.enter("PushBatch", workspaceID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	enabled := c.batch
	c.mu.Unlock()
	if !enabled {
		return nil, fmt.Errorf("memory cloud: %w", apperrors.ErrBatchUnsupported)
	}

	results := make([]store.BatchResult, 0, len(ops))
	for _, op := range ops {
		doc := op.Document
		res := store.BatchResult{DocumentID: doc.ID}

		id := doc.RemoteID()
		hookOp := "BatchUpdate"
		if op.Operation == store.BatchCreate {
			id, hookOp = doc.ID, "BatchCreate"
		}
		if err := c.enter(hookOp, id); err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}

		c.mu.Lock()
		var (
			out model.Document
			err error
		)
		if op.Operation == store.BatchCreate {
			doc.WorkspaceID = workspaceID
			out = c.create(id, doc)
		} else {
			out, err = c.update(id, model.PatchFromDocument(doc))
		}
		c.mu.Unlock()

		if err != nil {
			res.Err = fmt.Errorf("%w: %w", apperrors.ErrBatchOperation, err)
		} else {
			res.CloudID, res.Version = out.ID, out.Version
		}
		results = append(results, res)
	}
	return results, nil
}

// DeleteDocument removes a document.
func (c *Cloud) DeleteDocument(_ context.Context, id string) error {
	if err := c.enter("DeleteDocument", id); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.documents[id]; !ok {
		return fmt.Errorf("document %s: %w", id, apperrors.ErrNotFound)
	}
	delete(c.documents, id)
	return nil
}
