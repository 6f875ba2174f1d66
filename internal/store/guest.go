package store

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/identity"
	"github.com/mdreader/mdsync/internal/model"
)

const (
	workspacesDir   = "workspaces"
	documentsDir    = "documents"
	activeWorkspace = stateDir + "/active-workspace"
	recordExt       = ".json"
)

// GuestStore is the local adapter. It keeps one JSON file per record in a Store:
//
//	workspaces/<workspaceID>.json
//	documents/<workspaceID>/<documentID>.json
//	.mdsync/active-workspace
//
// Every mutation is committed as its own transaction.
type GuestStore struct {
	st     Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	// mu serializes read-modify-write sequences; the Store only guards single files.
	mu sync.Mutex
	// written holds the checksum of the last content this store wrote per file.
	written map[string][sha256.Size]byte
}

var _ LocalAdapter = (*GuestStore)(nil)

// GuestOption configures the GuestStore.
type GuestOption func(*GuestStore)

// WithGuestLogger sets a custom logger.
func WithGuestLogger(l *slog.Logger) GuestOption {
	return func(g *GuestStore) {
		g.logger = l
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) GuestOption {
	return func(g *GuestStore) {
		g.now = now
	}
}

// NewGuestStore creates the local adapter on top of st.
func NewGuestStore(st Store, opts ...GuestOption) *GuestStore {
	g := &GuestStore{
		st:      st,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		written: make(map[string][sha256.Size]byte),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ListWorkspaces returns all workspaces, oldest first.
func (g *GuestStore) ListWorkspaces(ctx context.Context) ([]model.Workspace, error) {
	files, err := g.st.List(ctx, workspacesDir)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}

	workspaces := make([]model.Workspace, 0, len(files))
	for _, f := range files {
		if f.IsDir || !strings.HasSuffix(f.Path, recordExt) {
			continue
		}
		var ws model.Workspace
		if err := g.readJSON(ctx, f.Path, &ws); err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}

	slices.SortStableFunc(workspaces, func(a, b model.Workspace) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return workspaces, nil
}

// CurrentWorkspace returns the active workspace. When none was chosen, or the chosen one
// no longer exists, the oldest workspace is returned.
func (g *GuestStore) CurrentWorkspace(ctx context.Context) (model.Workspace, error) {
	workspaces, err := g.ListWorkspaces(ctx)
	if err != nil {
		return model.Workspace{}, err
	}
	if len(workspaces) == 0 {
		return model.Workspace{}, fmt.Errorf("current workspace: %w", apperrors.ErrNotFound)
	}

	if active, ok := g.activeID(ctx); ok {
		if ws, found := findWorkspace(workspaces, active); found {
			return ws, nil
		}
		g.logger.DebugContext(ctx, "active workspace no longer exists", "workspace_id", active)
	}
	return workspaces[0], nil
}

// SwitchWorkspace makes the workspace active and persists the choice.
func (g *GuestStore) SwitchWorkspace(ctx context.Context, id string) (model.Workspace, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ws, err := g.getWorkspace(ctx, id)
	if err != nil {
		return model.Workspace{}, err
	}
	if err := g.st.Write(ctx, activeWorkspace, []byte(ws.ID+"\n")); err != nil {
		return model.Workspace{}, fmt.Errorf("persist active workspace: %w", err)
	}
	return ws, nil
}

// CreateWorkspace stores a new workspace. A missing id is generated.
func (g *GuestStore) CreateWorkspace(ctx context.Context, ws model.Workspace) (model.Workspace, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if ws.ID == "" {
		ws.ID = g.newID()
	}
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = now
	}
	ws.UpdatedAt = now
	if ws.SyncStatus == "" {
		ws.SyncStatus = model.StatusLocal
	}
	if ws.Version == 0 {
		ws.Version = 1
	}
	if err := ws.Validate(); err != nil {
		return model.Workspace{}, err
	}
	exists, err := g.st.Exists(ctx, workspacePath(ws.ID))
	if err != nil {
		return model.Workspace{}, fmt.Errorf("check workspace %s: %w", ws.ID, err)
	}
	if exists {
		return model.Workspace{}, fmt.Errorf("%w: workspace %s already exists", apperrors.ErrInvalidInput, ws.ID)
	}

	if err := g.commitJSON(ctx, workspacePath(ws.ID), ws, "create workspace "+ws.ID); err != nil {
		return model.Workspace{}, err
	}
	g.logger.DebugContext(ctx, "workspace created", "workspace_id", ws.ID)
	return ws, nil
}

// UpdateWorkspace applies a patch and bumps the version.
func (g *GuestStore) UpdateWorkspace(ctx context.Context, id string, patch model.WorkspacePatch) (model.Workspace, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ws, err := g.getWorkspace(ctx, id)
	if err != nil {
		return model.Workspace{}, err
	}
	ws = patch.Apply(ws)
	ws.UpdatedAt = g.now()
	ws.Version++
	if err := ws.Validate(); err != nil {
		return model.Workspace{}, err
	}
	if err := g.commitJSON(ctx, workspacePath(ws.ID), ws, "update workspace "+ws.ID); err != nil {
		return model.Workspace{}, err
	}
	return ws, nil
}

// PutWorkspace overwrites a workspace record as is.
func (g *GuestStore) PutWorkspace(ctx context.Context, ws model.Workspace) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := ws.Validate(); err != nil {
		return err
	}
	return g.commitJSON(ctx, workspacePath(ws.ID), ws, "save workspace "+ws.ID)
}

// DeleteWorkspace removes a workspace together with its documents.
func (g *GuestStore) DeleteWorkspace(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ws, err := g.getWorkspace(ctx, id)
	if err != nil {
		return err
	}

	tx, err := g.st.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := tx.Delete(workspacePath(ws.ID)); err != nil {
		return err
	}
	if err := tx.DeleteDir(path.Join(documentsDir, ws.ID)); err != nil {
		return err
	}
	if active, ok := g.activeID(ctx); ok && identity.Matches(ws, active) {
		if err := tx.Delete(activeWorkspace); err != nil {
			return err
		}
	}
	if err := tx.Commit("delete workspace " + ws.ID); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	g.logger.DebugContext(ctx, "workspace deleted", "workspace_id", ws.ID)
	return nil
}

// ListDocuments returns the documents of a workspace, most recently updated first.
// workspaceID may be the local or the cloud id of the workspace.
func (g *GuestStore) ListDocuments(ctx context.Context, workspaceID string) ([]model.Document, error) {
	ws, err := g.getWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return g.listDocuments(ctx, ws.ID)
}

// AllDocuments returns every document of every workspace.
func (g *GuestStore) AllDocuments(ctx context.Context) ([]model.Document, error) {
	dirs, err := g.st.List(ctx, documentsDir)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	var all []model.Document
	for _, d := range dirs {
		if !d.IsDir {
			continue
		}
		docs, err := g.listDocuments(ctx, path.Base(d.Path))
		if err != nil {
			return nil, err
		}
		all = append(all, docs...)
	}
	return all, nil
}

// GetDocument returns a document by local or cloud id.
func (g *GuestStore) GetDocument(ctx context.Context, id string) (model.Document, error) {
	doc, _, err := g.findDocument(ctx, id)
	return doc, err
}

// CreateDocument stores a new document in its workspace. A missing id is generated.
func (g *GuestStore) CreateDocument(ctx context.Context, doc model.Document) (model.Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ws, err := g.getWorkspace(ctx, doc.WorkspaceID)
	if err != nil {
		return model.Document{}, fmt.Errorf("create document: %w", err)
	}

	now := g.now()
	doc = doc.Clone()
	doc.WorkspaceID = ws.ID
	if doc.ID == "" {
		doc.ID = g.newID()
	}
	if doc.Type == "" {
		doc.Type = model.TypeMarkdown
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.Sync.Status == "" {
		doc.Sync.Status = model.StatusLocal
	}
	if err := doc.Validate(); err != nil {
		return model.Document{}, err
	}
	if _, _, err := g.findDocument(ctx, doc.ID); err == nil {
		return model.Document{}, fmt.Errorf("%w: document %s already exists", apperrors.ErrInvalidInput, doc.ID)
	}

	if err := g.commitJSON(ctx, documentPath(ws.ID, doc.ID), doc, "create document "+doc.ID); err != nil {
		return model.Document{}, err
	}
	g.logger.DebugContext(ctx, "document created", "document_id", doc.ID, "workspace_id", ws.ID)
	return doc, nil
}

// UpdateDocument applies a patch and bumps the version. The sync status is left to the caller.
func (g *GuestStore) UpdateDocument(ctx context.Context, id string, patch model.DocumentPatch) (model.Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	doc, file, err := g.findDocument(ctx, id)
	if err != nil {
		return model.Document{}, err
	}
	doc = patch.Apply(doc)
	doc.UpdatedAt = g.now()
	doc.Version++
	if err := doc.Validate(); err != nil {
		return model.Document{}, err
	}
	if err := g.commitJSON(ctx, file, doc, "update document "+doc.ID); err != nil {
		return model.Document{}, err
	}
	return doc, nil
}

// PutDocument overwrites a document record as is. A document not stored yet is created
// in the directory of its workspace.
func (g *GuestStore) PutDocument(ctx context.Context, doc model.Document) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := doc.Validate(); err != nil {
		return err
	}

	file := ""
	if _, existing, err := g.findDocument(ctx, doc.ID); err == nil {
		file = existing
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return err
	} else {
		ws, wsErr := g.getWorkspace(ctx, doc.WorkspaceID)
		if wsErr != nil {
			return fmt.Errorf("save document %s: %w", doc.ID, wsErr)
		}
		file = documentPath(ws.ID, doc.ID)
	}
	return g.commitJSON(ctx, file, doc, "save document "+doc.ID)
}

// MutateDocument reads a document, lets fn change it and writes it back, with no other
// write of the store in between. Returning an error from fn leaves the record untouched.
// The version is not bumped: fn changes bookkeeping, not user content.
func (g *GuestStore) MutateDocument(
	ctx context.Context, id string, fn func(doc *model.Document) error,
) (model.Document, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	doc, file, err := g.findDocument(ctx, id)
	if err != nil {
		return model.Document{}, err
	}
	doc = doc.Clone()
	if err := fn(&doc); err != nil {
		return model.Document{}, err
	}
	if err := doc.Validate(); err != nil {
		return model.Document{}, err
	}
	if err := g.commitJSON(ctx, file, doc, "save document "+doc.ID); err != nil {
		return model.Document{}, err
	}
	return doc, nil
}

// DeleteDocument removes a document.
func (g *GuestStore) DeleteDocument(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	doc, file, err := g.findDocument(ctx, id)
	if err != nil {
		return err
	}
	tx, err := g.st.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := tx.Delete(file); err != nil {
		return err
	}
	if err := tx.Commit("delete document " + doc.ID); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DocumentIDFromPath returns the document id a store path refers to.
func DocumentIDFromPath(p string) (string, bool) {
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	dir, file := path.Split(p)
	if !strings.HasSuffix(file, recordExt) || path.Base(path.Dir(strings.TrimSuffix(dir, "/"))) != documentsDir {
		return "", false
	}
	id := strings.TrimSuffix(file, recordExt)
	return id, model.ValidID(id)
}

func (g *GuestStore) listDocuments(ctx context.Context, dirID string) ([]model.Document, error) {
	files, err := g.st.List(ctx, path.Join(documentsDir, dirID))
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	docs := make([]model.Document, 0, len(files))
	for _, f := range files {
		if f.IsDir || !strings.HasSuffix(f.Path, recordExt) {
			continue
		}
		var doc model.Document
		if err := g.readJSON(ctx, f.Path, &doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	slices.SortStableFunc(docs, func(a, b model.Document) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return docs, nil
}

// getWorkspace resolves a workspace by local or cloud id.
func (g *GuestStore) getWorkspace(ctx context.Context, id string) (model.Workspace, error) {
	if id == "" {
		return model.Workspace{}, fmt.Errorf("workspace: %w", apperrors.ErrNotFound)
	}
	if model.ValidID(id) {
		var ws model.Workspace
		err := g.readJSON(ctx, workspacePath(id), &ws)
		if err == nil {
			return ws, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return model.Workspace{}, err
		}
	}

	workspaces, err := g.ListWorkspaces(ctx)
	if err != nil {
		return model.Workspace{}, err
	}
	if ws, ok := findWorkspace(workspaces, id); ok {
		return ws, nil
	}
	return model.Workspace{}, fmt.Errorf("workspace %s: %w", id, apperrors.ErrNotFound)
}

// findDocument locates a document by local or cloud id and returns its file path.
func (g *GuestStore) findDocument(ctx context.Context, id string) (model.Document, string, error) {
	dirs, err := g.st.List(ctx, documentsDir)
	if err != nil {
		return model.Document{}, "", fmt.Errorf("list documents: %w", err)
	}

	if model.ValidID(id) {
		for _, d := range dirs {
			if !d.IsDir {
				continue
			}
			file := documentPath(path.Base(d.Path), id)
			var doc model.Document
			err := g.readJSON(ctx, file, &doc)
			if err == nil {
				return doc, file, nil
			}
			if !errors.Is(err, apperrors.ErrNotFound) {
				return model.Document{}, "", err
			}
		}
	}

	// Fall back to a scan for documents referenced by their cloud id.
	for _, d := range dirs {
		if !d.IsDir {
			continue
		}
		docs, err := g.listDocuments(ctx, path.Base(d.Path))
		if err != nil {
			return model.Document{}, "", err
		}
		for _, doc := range docs {
			if identity.Matches(doc, id) {
				return doc, documentPath(path.Base(d.Path), doc.ID), nil
			}
		}
	}
	return model.Document{}, "", fmt.Errorf("document %s: %w", id, apperrors.ErrNotFound)
}

// ChangedOnDisk reports whether the file of a document holds something else than what
// this store last wrote to it. Files written before the store was opened count as changed.
func (g *GuestStore) ChangedOnDisk(ctx context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, file, err := g.findDocument(ctx, id)
	if err != nil {
		return false, err
	}
	data, err := g.st.Read(ctx, file)
	if err != nil {
		return false, err
	}
	sum, ok := g.written[file]
	return !ok || sum != sha256.Sum256(data), nil
}

func (g *GuestStore) activeID(ctx context.Context) (string, bool) {
	data, err := g.st.Read(ctx, activeWorkspace)
	if err != nil {
		return "", false
	}
	id := strings.TrimSpace(string(data))
	return id, id != ""
}

func (g *GuestStore) readJSON(ctx context.Context, file string, v any) error {
	data, err := g.st.Read(ctx, file)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", file, err)
	}
	return nil
}

func (g *GuestStore) commitJSON(ctx context.Context, file string, v any, message string) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", file, err)
	}

	data = append(data, '\n')

	tx, err := g.st.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := tx.Write(file, data); err != nil {
		return err
	}
	if err := tx.Commit(message); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	g.written[file] = sha256.Sum256(data)
	return nil
}

func findWorkspace(workspaces []model.Workspace, ref string) (model.Workspace, bool) {
	for _, ws := range workspaces {
		if identity.Matches(ws, ref) {
			return ws, true
		}
	}
	return model.Workspace{}, false
}

func workspacePath(id string) string {
	return path.Join(workspacesDir, id+recordExt)
}

func documentPath(workspaceID, docID string) string {
	return path.Join(documentsDir, workspaceID, docID+recordExt)
}
