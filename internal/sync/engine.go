package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/conflict"
	"github.com/mdreader/mdsync/internal/crdt"
	"github.com/mdreader/mdsync/internal/identity"
	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/outbox"
	"github.com/mdreader/mdsync/internal/reconcile"
	"github.com/mdreader/mdsync/internal/store"
	"github.com/mdreader/mdsync/internal/syncstate"
)

const defaultFlushTimeout = 3 * time.Second

// DefaultWorkspaceName names the workspace created for the first document of a new store.
const DefaultWorkspaceName = "Personal"

// Engine is the entry point of the data layer. Writes land in the local store first and
// are mirrored to the cloud by the coordinator; reads merge both stores.
type Engine struct {
	local    store.LocalAdapter
	cloud    store.CloudAdapter
	outbox   outbox.Queue
	registry *conflict.Registry
	machine  *syncstate.Machine
	coord    *Coordinator
	resolver *conflict.Resolver
	gate     *crdt.Gate
	metrics  *Metrics
	logger   *slog.Logger

	strict       bool
	flushTimeout time.Duration
	now          func() time.Time
	coordOpts    []CoordinatorOption

	loginMu gosync.Mutex
	epoch   string
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets a custom logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithStrict turns invariant violations into errors instead of warnings.
func WithStrict(strict bool) EngineOption {
	return func(e *Engine) {
		e.strict = strict
	}
}

// WithFlushTimeout bounds the flush that precedes a workspace switch.
func WithFlushTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.flushTimeout = d
	}
}

// WithEngineMetrics records the engine and coordinator counters in m.
func WithEngineMetrics(m *Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithEngineClock replaces the time source.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMachine shares a state machine, and its event bus, with other components.
func WithMachine(m *syncstate.Machine) EngineOption {
	return func(e *Engine) {
		e.machine = m
	}
}

// WithCoordinatorOptions configures the coordinator the engine runs.
func WithCoordinatorOptions(opts ...CoordinatorOption) EngineOption {
	return func(e *Engine) {
		e.coordOpts = append(e.coordOpts, opts...)
	}
}

// NewEngine wires the engine. registry holds the outstanding conflicts.
func NewEngine(
	local store.LocalAdapter, cloud store.CloudAdapter, queue outbox.Queue, registry *conflict.Registry,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		local:        local,
		cloud:        cloud,
		outbox:       queue,
		registry:     registry,
		logger:       slog.Default(),
		flushTimeout: defaultFlushTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.machine == nil {
		e.machine = syncstate.NewMachine(syncstate.WithLogger(e.logger))
	}

	coordOpts := append([]CoordinatorOption{
		WithLogger(e.logger), WithMetrics(e.metrics), WithClock(e.now),
	}, e.coordOpts...)
	e.coord = NewCoordinator(local, cloud, queue, e.machine, coordOpts...)
	e.resolver = conflict.NewResolver(local, cloud, e.machine, registry, conflict.WithResolverLogger(e.logger))
	e.gate = crdt.NewGate(crdt.WithGateLogger(e.logger))
	return e
}

// Machine returns the state machine. Subscribe to its bus to observe events.
func (e *Engine) Machine() *syncstate.Machine {
	return e.machine
}

// Coordinator returns the batch coordinator.
func (e *Engine) Coordinator() *Coordinator {
	return e.coord
}

// Conflicts returns the outstanding conflicts registry.
func (e *Engine) Conflicts() *conflict.Registry {
	return e.registry
}

// online reports whether cloud calls may be attempted.
func (e *Engine) online(sc model.SyncContext) bool {
	return sc.Authenticated && e.cloud.Ready()
}

// withBackend returns sc with the backend readiness of the cloud adapter.
func (e *Engine) withBackend(sc model.SyncContext) model.SyncContext {
	sc.BackendReady = e.cloud.Ready()
	return sc
}

// Workspaces returns the local and cloud workspaces merged into one listing. When the
// cloud cannot be reached the local listing is returned.
func (e *Engine) Workspaces(ctx context.Context, sc model.SyncContext) ([]model.Workspace, error) {
	local, err := e.local.ListWorkspaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list local workspaces: %w", err)
	}

	var remote []model.Workspace
	if e.online(sc) {
		remote, err = e.cloud.ListWorkspaces(ctx)
		if err != nil {
			e.logger.WarnContext(ctx, "cloud workspaces unavailable, using local listing", "error", err)
			remote = nil
		}
	}

	res := reconcile.Workspaces(local, remote)
	if err := e.checkViolations(ctx, "workspace", res.Violations, res.Err()); err != nil {
		return nil, err
	}
	return res.Items, nil
}

// Documents returns the documents of a workspace, local and cloud copies merged.
func (e *Engine) Documents(ctx context.Context, sc model.SyncContext, workspaceID string) ([]model.Document, error) {
	ws, err := e.workspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	local, err := e.local.ListDocuments(ctx, ws.ID)
	if err != nil {
		return nil, fmt.Errorf("list local documents: %w", err)
	}
	for _, d := range local {
		e.machine.Seed(d.ID, d.Sync.Status)
	}

	var remote []model.Document
	if ws.Linked() && e.online(sc) {
		remote, err = e.cloud.ListDocuments(ctx, ws.CloudID)
		if err != nil {
			e.logger.WarnContext(ctx, "cloud documents unavailable, using local listing",
				"workspace_id", ws.ID, "error", err)
			remote = nil
		}
		for i := range remote {
			remote[i].WorkspaceID = ws.ID
		}
	}

	res := reconcile.Documents(local, remote)
	if err := e.checkViolations(ctx, "document", res.Violations, res.Err()); err != nil {
		return nil, err
	}
	return res.Items, nil
}

func (e *Engine) checkViolations(ctx context.Context, kind string, violations []reconcile.Violation, err error) error {
	if len(violations) == 0 {
		return nil
	}
	e.metrics.violations("duplicate_"+kind, len(violations))
	for _, v := range violations {
		e.logger.WarnContext(ctx, "duplicate canonical key in listing",
			"kind", kind, "key", v.Key, "source", v.Source, "index", v.Index)
	}
	if e.strict {
		return fmt.Errorf("reconcile %ss: %w", kind, err)
	}
	return nil
}

// workspace resolves a local workspace by local or cloud id. An empty id is the current one.
func (e *Engine) workspace(ctx context.Context, id string) (model.Workspace, error) {
	if id == "" {
		ws, err := e.local.CurrentWorkspace(ctx)
		if err != nil {
			return model.Workspace{}, fmt.Errorf("current workspace: %w", err)
		}
		return ws, nil
	}

	workspaces, err := e.local.ListWorkspaces(ctx)
	if err != nil {
		return model.Workspace{}, fmt.Errorf("list local workspaces: %w", err)
	}
	for _, ws := range workspaces {
		if identity.Matches(ws, id) {
			return ws, nil
		}
	}
	return model.Workspace{}, fmt.Errorf("workspace %s: %w", id, apperrors.ErrNotFound)
}

// CreateWorkspace creates a workspace locally and, when online, links it right away.
func (e *Engine) CreateWorkspace(ctx context.Context, sc model.SyncContext, ws model.Workspace) (model.Workspace, error) {
	created, err := e.local.CreateWorkspace(ctx, ws)
	if err != nil {
		return model.Workspace{}, err
	}

	if e.online(sc) {
		remote, err := e.cloud.CreateWorkspace(ctx, created)
		if err != nil {
			e.logger.WarnContext(ctx, "linking new workspace failed, next sync retries",
				"workspace_id", created.ID, "error", err)
		} else {
			created.CloudID = remote.ID
			created.SyncStatus = model.StatusSynced
			if err := e.local.PutWorkspace(ctx, created); err != nil {
				return model.Workspace{}, fmt.Errorf("save linked workspace: %w", err)
			}
		}
	}

	e.machine.Bus().Publish(ctx, syncstate.Event{
		Kind:        syncstate.EventWorkspaceCreated,
		UserID:      sc.UserID,
		WorkspaceID: created.ID,
	})
	return created, nil
}

// DeleteWorkspace deletes a workspace with its documents. A linked workspace is deleted in
// the cloud first, so it cannot be deleted offline.
func (e *Engine) DeleteWorkspace(ctx context.Context, sc model.SyncContext, id string) error {
	ws, err := e.workspace(ctx, id)
	if err != nil {
		return err
	}

	if ws.Linked() {
		if !e.online(sc) {
			return fmt.Errorf("delete linked workspace %s: %w", ws.ID, apperrors.ErrAdapterUnavailable)
		}
		if err := e.cloud.DeleteWorkspace(ctx, ws.CloudID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("delete cloud workspace: %w", err)
		}
	}

	docs, err := e.local.ListDocuments(ctx, ws.ID)
	if err != nil {
		return fmt.Errorf("list local documents: %w", err)
	}
	if err := e.local.DeleteWorkspace(ctx, ws.ID); err != nil {
		return err
	}
	for _, d := range docs {
		e.forget(ctx, d.ID)
	}
	e.logger.InfoContext(ctx, "workspace deleted", "workspace_id", ws.ID, "documents", len(docs))
	return nil
}

// CreateDocument creates a document in a workspace, the current one when
// doc.WorkspaceID is empty. A document of a linked workspace is queued for a push.
func (e *Engine) CreateDocument(ctx context.Context, sc model.SyncContext, doc model.Document) (model.Document, error) {
	ws, err := e.workspace(ctx, doc.WorkspaceID)
	if doc.WorkspaceID == "" && errors.Is(err, apperrors.ErrNotFound) {
		ws, err = e.CreateWorkspace(ctx, sc, model.Workspace{Name: DefaultWorkspaceName})
	}
	if err != nil {
		return model.Document{}, err
	}

	firstGuest := false
	if !sc.Authenticated {
		n, err := e.countDocuments(ctx)
		if err != nil {
			return model.Document{}, err
		}
		firstGuest = n == 0
	}

	doc.WorkspaceID = ws.ID
	doc.Sync.Status = syncstate.StatusForNewDocument(sc, ws.Linked())
	created, err := e.local.CreateDocument(ctx, doc)
	if err != nil {
		return model.Document{}, err
	}
	e.machine.Seed(created.ID, created.Sync.Status)

	if created.Sync.Status == model.StatusPending {
		e.enqueue(ctx, created)
	}
	if firstGuest {
		e.machine.Bus().Publish(ctx, syncstate.Event{
			Kind:        syncstate.EventFirstGuestDocumentSaved,
			WorkspaceID: ws.ID,
			DocumentID:  created.ID,
		})
	}
	return created, nil
}

// UpdateDocument applies a patch locally and moves the document to the status of a local edit.
func (e *Engine) UpdateDocument(
	ctx context.Context, _ model.SyncContext, id string, patch model.DocumentPatch,
) (model.Document, error) {
	if patch.Empty() {
		return model.Document{}, fmt.Errorf("%w: empty patch", apperrors.ErrInvalidInput)
	}
	current, err := e.local.GetDocument(ctx, id)
	if err != nil {
		return model.Document{}, err
	}

	updated, err := e.local.UpdateDocument(ctx, current.ID, patch)
	if err != nil {
		return model.Document{}, err
	}
	return e.markEdited(ctx, updated)
}

// MarkEdited records that a document changed outside the engine, for example on disk.
func (e *Engine) MarkEdited(ctx context.Context, docID string) (model.Document, error) {
	doc, err := e.local.GetDocument(ctx, docID)
	if err != nil {
		return model.Document{}, err
	}
	return e.markEdited(ctx, doc)
}

func (e *Engine) markEdited(ctx context.Context, doc model.Document) (model.Document, error) {
	e.machine.Seed(doc.ID, doc.Sync.Status)
	current, _ := e.machine.Status(doc.ID)
	doc.Sync.Status = current

	next := syncstate.StatusForLocalEdit(doc)
	if next != current {
		if err := e.machine.Apply(ctx, &doc, next); err != nil {
			return model.Document{}, err
		}
		saved, err := e.local.MutateDocument(ctx, doc.ID, func(d *model.Document) error {
			d.Sync.Status = next
			return nil
		})
		if err != nil {
			return model.Document{}, fmt.Errorf("save document status: %w", err)
		}
		doc = saved
	}
	if next == model.StatusPending {
		e.enqueue(ctx, doc)
	}
	return doc, nil
}

// ToggleStar flips the starred flag of a document.
func (e *Engine) ToggleStar(ctx context.Context, sc model.SyncContext, id string) (model.Document, error) {
	doc, err := e.local.GetDocument(ctx, id)
	if err != nil {
		return model.Document{}, err
	}
	return e.UpdateDocument(ctx, sc, doc.ID, model.DocumentPatch{Starred: model.Ptr(!doc.Starred)})
}

// DeleteDocument deletes a document locally. The cloud copy is deleted right away when
// online, otherwise by the next sync.
func (e *Engine) DeleteDocument(ctx context.Context, sc model.SyncContext, id string) error {
	doc, err := e.local.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if err := e.local.DeleteDocument(ctx, doc.ID); err != nil {
		return err
	}
	e.forget(ctx, doc.ID)

	if !doc.Linked() {
		return nil
	}
	if e.online(sc) {
		err := e.cloud.DeleteDocument(ctx, doc.RemoteID())
		if err == nil || errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		e.logger.WarnContext(ctx, "cloud deletion failed, queued for next sync", "document_id", doc.ID, "error", err)
	}

	entry := outbox.Entry{
		DocumentID:  doc.ID,
		WorkspaceID: doc.WorkspaceID,
		CloudID:     doc.RemoteID(),
		Operation:   outbox.OpDelete,
	}
	if err := e.outbox.Enqueue(ctx, entry); err != nil {
		return fmt.Errorf("queue deletion: %w", err)
	}
	return nil
}

// forget drops everything tracked about a deleted document.
func (e *Engine) forget(ctx context.Context, docID string) {
	e.machine.Forget(docID)
	if err := e.outbox.Remove(ctx, docID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		e.logger.WarnContext(ctx, "dropping outbox entry failed", "document_id", docID, "error", err)
	}
	if _, ok := e.registry.Get(docID); ok {
		if err := e.registry.Remove(ctx, docID); err != nil {
			e.logger.WarnContext(ctx, "dropping conflict failed", "document_id", docID, "error", err)
		}
	}
}

// GetDocument returns a document from the local store, or from the cloud when the local
// store does not have it.
func (e *Engine) GetDocument(ctx context.Context, sc model.SyncContext, id string) (model.Document, error) {
	doc, err := e.local.GetDocument(ctx, id)
	if err == nil || !errors.Is(err, apperrors.ErrNotFound) || !e.online(sc) {
		return doc, err
	}

	e.logger.DebugContext(ctx, "document not stored locally, asking the cloud", "document_id", id)
	return e.cloud.GetDocument(ctx, id)
}

// OpenDocument loads a document and hydrates doc from it. It returns once hydration is
// done or skipped, so edits can start right after.
func (e *Engine) OpenDocument(ctx context.Context, sc model.SyncContext, id string, doc crdt.Doc) (crdt.Report, error) {
	stored, err := e.GetDocument(ctx, sc, id)
	if err != nil {
		return crdt.Report{}, err
	}

	report, err := e.gate.Hydrate(ctx, stored.ID, doc, crdt.Source{
		SnapshotB64:   stored.Sync.YjsStateB64,
		LegacyContent: stored.Content,
	})
	if err != nil {
		return report, err
	}
	e.metrics.violations("hydration", len(report.Violations))
	if e.strict {
		if err := report.Strict(); err != nil {
			return report, err
		}
	}
	return report, nil
}

// SaveSnapshot stores the state of an open CRDT document as the snapshot of document id
// and refreshes its markdown content from the document blocks. The document is then
// handled like any other edit.
func (e *Engine) SaveSnapshot(ctx context.Context, sc model.SyncContext, id string, doc crdt.Doc) (model.Document, error) {
	snapshot, content, projected, err := crdt.Snapshot(doc)
	if err != nil {
		return model.Document{}, fmt.Errorf("save snapshot: %w", err)
	}
	patch := model.DocumentPatch{YjsStateB64: &snapshot}
	if projected {
		patch.Content = &content
	}

	saved, err := e.UpdateDocument(ctx, sc, id, patch)
	if err != nil {
		return model.Document{}, err
	}
	e.logger.DebugContext(ctx, "snapshot saved", "document_id", saved.ID, "bytes", len(snapshot))
	return saved, nil
}

// Resolve settles the conflict of a document.
func (e *Engine) Resolve(ctx context.Context, _ model.SyncContext, docID string, choice conflict.Choice) (model.Document, error) {
	doc, err := e.resolver.Resolve(ctx, docID, choice)
	if err != nil {
		return model.Document{}, err
	}
	if err := e.outbox.Remove(ctx, doc.ID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		e.logger.WarnContext(ctx, "dropping outbox entry failed", "document_id", doc.ID, "error", err)
	}
	return doc, nil
}

// enqueue records a pending document in the outbox. The document itself stays pending, so
// a failure here only loses the ordering hint.
func (e *Engine) enqueue(ctx context.Context, doc model.Document) {
	op := outbox.OpUpdate
	if !doc.Linked() {
		op = outbox.OpCreate
	}
	entry := outbox.Entry{
		DocumentID:  doc.ID,
		WorkspaceID: doc.WorkspaceID,
		CloudID:     doc.RemoteID(),
		Operation:   op,
	}
	if err := e.outbox.Enqueue(ctx, entry); err != nil {
		e.logger.WarnContext(ctx, "queueing document failed", "document_id", doc.ID, "error", err)
	}
}

func (e *Engine) countDocuments(ctx context.Context) (int, error) {
	workspaces, err := e.local.ListWorkspaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("list local workspaces: %w", err)
	}
	n := 0
	for _, ws := range workspaces {
		docs, err := e.local.ListDocuments(ctx, ws.ID)
		if err != nil {
			return 0, fmt.Errorf("list local documents: %w", err)
		}
		n += len(docs)
	}
	return n, nil
}
