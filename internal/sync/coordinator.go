// Package sync mirrors local edits to the cloud and merges the cloud state back.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/outbox"
	"github.com/mdreader/mdsync/internal/store"
	"github.com/mdreader/mdsync/internal/syncstate"
)

const (
	defaultMaxAttempts  = 3
	defaultConcurrency  = 4
	defaultPushInterval = 100 * time.Millisecond
	defaultBackoff      = 500 * time.Millisecond
	backoffFactor       = 2
)

// WorkspaceReport counts the pushes of one workspace.
type WorkspaceReport struct {
	WorkspaceID string
	Total       int
	Successful  int
	Failed      int
}

// BatchReport is the outcome of a coordinator run.
type BatchReport struct {
	// Skipped is set when the run did nothing because the cloud was not reachable.
	Skipped    bool
	Workspaces []WorkspaceReport
	Total      int
	Successful int
	Failed     int
	Duration   time.Duration
}

// Coordinator pushes dirty documents and queued deletions to the cloud.
type Coordinator struct {
	local   store.LocalAdapter
	cloud   store.CloudAdapter
	batcher store.BatchPusher
	outbox  outbox.Queue
	machine *syncstate.Machine
	metrics *Metrics
	logger  *slog.Logger

	maxAttempts int
	concurrency int
	backoff     time.Duration
	limiter     *rate.Limiter
	now         func() time.Time
}

// CoordinatorOption configures the Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithMetrics records pushes and runs in m.
func WithMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithMaxAttempts sets how many times a document push is tried per run.
func WithMaxAttempts(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithConcurrency bounds the number of pushes in flight.
func WithConcurrency(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithPushInterval sets the minimum interval between two pushes. Zero disables pacing.
func WithPushInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithBackoff sets the delay before the second attempt of a push. It doubles after each attempt.
func WithBackoff(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.backoff = d
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(
	local store.LocalAdapter, cloud store.CloudAdapter, queue outbox.Queue, machine *syncstate.Machine,
	opts ...CoordinatorOption,
) *Coordinator {
	c := &Coordinator{
		local:       local,
		cloud:       cloud,
		outbox:      queue,
		machine:     machine,
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		concurrency: defaultConcurrency,
		backoff:     defaultBackoff,
		limiter:     rate.NewLimiter(rate.Every(defaultPushInterval), 1),
		now:         func() time.Time { return time.Now().UTC() },
	}
	if b, ok := cloud.(store.BatchPusher); ok {
		c.batcher = b
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run pushes every dirty document once. Partial failures are reported, not returned: the
// failed documents are left in error with their outbox entry kept for the next run.
//
// When the cloud adapter accepts batches, the documents of a workspace go out in one
// request and only the entries the backend did not accept are pushed one by one.
func (c *Coordinator) Run(ctx context.Context, sc model.SyncContext) (BatchReport, error) {
	if !sc.CanSync() || !c.cloud.Ready() {
		c.logger.DebugContext(ctx, "batch sync skipped, cloud unavailable",
			"authenticated", sc.Authenticated, "backend_ready", sc.BackendReady)
		c.metrics.batch("skipped")
		return BatchReport{Skipped: true}, nil
	}

	start := c.now()
	col := newCollector()

	workspaces, err := c.linkWorkspaces(ctx)
	if err != nil {
		c.metrics.batch("failed")
		return BatchReport{}, err
	}

	jobs, err := c.collectJobs(ctx, workspaces, col)
	if err != nil {
		c.metrics.batch("failed")
		return BatchReport{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, j := range jobs {
		g.Go(func() error {
			j(gctx, col)
			return nil
		})
	}
	_ = g.Wait()

	report := col.report()
	report.Duration = c.now().Sub(start)
	c.metrics.batch("completed")

	c.logger.InfoContext(ctx, "batch sync complete",
		"total", report.Total,
		"successful", report.Successful,
		"failed", report.Failed,
		"duration", report.Duration)
	c.machine.Bus().Publish(ctx, syncstate.Event{
		Kind:    syncstate.EventBatchSyncComplete,
		UserID:  sc.UserID,
		Payload: report,
	})
	return report, ctx.Err()
}

// linkedWorkspace is a local workspace with the id the cloud knows it by. cloudID is empty
// when linking failed, and linkErr says why.
type linkedWorkspace struct {
	model.Workspace
	cloudID string
	linkErr error
}

// linkWorkspaces creates the local only workspaces in the cloud and adopts their cloud id.
func (c *Coordinator) linkWorkspaces(ctx context.Context) ([]linkedWorkspace, error) {
	workspaces, err := c.local.ListWorkspaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list local workspaces: %w", err)
	}

	out := make([]linkedWorkspace, 0, len(workspaces))
	for _, ws := range workspaces {
		if ws.Linked() {
			out = append(out, linkedWorkspace{Workspace: ws, cloudID: ws.CloudID})
			continue
		}

		created, err := c.cloud.CreateWorkspace(ctx, ws)
		if err != nil {
			c.logger.WarnContext(ctx, "linking workspace failed", "workspace_id", ws.ID, "error", err)
			out = append(out, linkedWorkspace{Workspace: ws, linkErr: err})
			continue
		}

		ws.CloudID = created.ID
		ws.SyncStatus = model.StatusSynced
		if err := c.local.PutWorkspace(ctx, ws); err != nil {
			return nil, fmt.Errorf("save linked workspace: %w", err)
		}
		c.logger.InfoContext(ctx, "workspace linked", "workspace_id", ws.ID, "cloud_id", ws.CloudID)
		out = append(out, linkedWorkspace{Workspace: ws, cloudID: ws.CloudID})
	}
	return out, nil
}

// job is one unit of work of a run. It records its outcomes in the collector.
type job func(ctx context.Context, col *collector)

// collectJobs lists the documents to push and the queued deletions.
func (c *Coordinator) collectJobs(ctx context.Context, workspaces []linkedWorkspace, col *collector) ([]job, error) {
	var jobs []job
	queued := make(map[string]struct{})

	for _, ws := range workspaces {
		docs, err := c.local.ListDocuments(ctx, ws.ID)
		if err != nil {
			return nil, fmt.Errorf("list documents of %s: %w", ws.ID, err)
		}
		col.add(ws.ID)

		var batch []model.Document
		for _, doc := range docs {
			if !c.requeue(ctx, doc) {
				continue
			}
			queued[doc.ID] = struct{}{}

			switch {
			case ws.cloudID == "":
				cause := fmt.Errorf("%w: %s: %w", apperrors.ErrWorkspaceNotLinked, ws.ID, ws.linkErr)
				jobs = append(jobs, func(ctx context.Context, col *collector) {
					if c.claim(ctx, doc) {
						col.record(ws.ID, c.settle(ctx, doc, model.Document{}, cause))
					}
				})
			case c.batchable(doc):
				batch = append(batch, doc)
			default:
				jobs = append(jobs, func(ctx context.Context, col *collector) {
					if c.claim(ctx, doc) {
						col.record(ws.ID, c.pushClaimed(ctx, doc, ws.cloudID))
					}
				})
			}
		}
		if len(batch) > 0 {
			jobs = append(jobs, func(ctx context.Context, col *collector) {
				c.pushBatch(ctx, ws, batch, col)
			})
		}
	}

	entries, err := c.outbox.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	for _, e := range entries {
		if e.Operation == outbox.OpDelete {
			jobs = append(jobs, func(ctx context.Context, col *collector) {
				if ok, counted := c.pushDelete(ctx, e); counted {
					col.record(e.WorkspaceID, ok)
				}
			})
			continue
		}
		if _, ok := queued[e.DocumentID]; ok {
			continue
		}
		// The document was pushed or deleted since the entry was queued.
		if err := c.outbox.Remove(ctx, e.DocumentID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			c.logger.WarnContext(ctx, "dropping stale outbox entry failed", "document_id", e.DocumentID, "error", err)
		}
	}
	return jobs, nil
}

// batchable reports whether a document can go out in a batch request. Documents with a
// CRDT snapshot carry an expected Yjs version the batch endpoint does not check.
func (c *Coordinator) batchable(doc model.Document) bool {
	return c.batcher != nil && !doc.HasSnapshot()
}

// requeue moves a document that needs a push to pending. It reports whether the document
// is pending afterwards.
func (c *Coordinator) requeue(ctx context.Context, doc model.Document) bool {
	status := doc.Sync.Status
	if _, tracked := c.machine.Status(doc.ID); !tracked && status == model.StatusSyncing {
		// Interrupted by a previous process.
		status = model.StatusPending
	}
	c.machine.Seed(doc.ID, status)

	current, _ := c.machine.Status(doc.ID)
	switch current {
	case model.StatusPending:
		return true
	case model.StatusLocal, model.StatusError:
		if err := c.machine.Transition(ctx, doc.ID, current, model.StatusPending); err != nil {
			c.logger.DebugContext(ctx, "document not requeued", "document_id", doc.ID, "error", err)
			return false
		}
		return true
	default:
		return false
	}
}

// claim moves a pending document to syncing. It fails when another run owns the document.
func (c *Coordinator) claim(ctx context.Context, doc model.Document) bool {
	if err := c.machine.Transition(ctx, doc.ID, model.StatusPending, model.StatusSyncing); err != nil {
		c.logger.DebugContext(ctx, "document already being pushed", "document_id", doc.ID, "error", err)
		return false
	}
	return true
}

// pushClaimed pushes one claimed document with retries and records the outcome.
func (c *Coordinator) pushClaimed(ctx context.Context, doc model.Document, workspaceCloudID string) bool {
	var pushed model.Document
	err := c.retry(ctx, doc.ID, func(ctx context.Context) error {
		var err error
		pushed, err = c.pushOnce(ctx, doc, workspaceCloudID)
		return err
	})
	return c.settle(ctx, doc, pushed, err)
}

// pushBatch sends the claimed documents of one workspace in a single request. Entries
// the backend rejected for a version conflict fail; the other rejected entries, and all
// of them when the request itself failed, are pushed one by one.
func (c *Coordinator) pushBatch(ctx context.Context, ws linkedWorkspace, docs []model.Document, col *collector) {
	claimed := make([]model.Document, 0, len(docs))
	ops := make([]store.BatchOp, 0, len(docs))
	for _, doc := range docs {
		if !c.claim(ctx, doc) {
			continue
		}
		claimed = append(claimed, doc)
		op := store.BatchUpdate
		if !doc.Linked() {
			op = store.BatchCreate
		}
		ops = append(ops, store.BatchOp{Operation: op, Document: doc})
	}
	if len(claimed) == 0 {
		return
	}

	var results []store.BatchResult
	err := c.limiter.Wait(ctx)
	if err == nil {
		results, err = c.batcher.PushBatch(ctx, ws.cloudID, ops)
	}
	if err != nil {
		if errors.Is(err, apperrors.ErrBatchUnsupported) {
			c.logger.DebugContext(ctx, "batch endpoint unavailable, pushing one by one", "workspace_id", ws.ID)
		} else {
			c.logger.WarnContext(ctx, "batch push failed, pushing one by one", "workspace_id", ws.ID, "error", err)
		}
		for _, doc := range claimed {
			col.record(ws.ID, c.pushClaimed(ctx, doc, ws.cloudID))
		}
		return
	}

	byID := make(map[string]store.BatchResult, len(results))
	for _, r := range results {
		byID[r.DocumentID] = r
	}
	c.logger.DebugContext(ctx, "batch pushed", "workspace_id", ws.ID, "operations", len(ops))

	for _, doc := range claimed {
		r, ok := byID[doc.ID]
		switch {
		case ok && r.Err == nil:
			col.record(ws.ID, c.settle(ctx, doc, batchRemote(doc, r, c.now()), nil))
		case ok && permanent(r.Err):
			col.record(ws.ID, c.settle(ctx, doc, model.Document{}, r.Err))
		default:
			col.record(ws.ID, c.pushClaimed(ctx, doc, ws.cloudID))
		}
	}
}

// batchRemote builds the cloud bookkeeping of a document accepted in a batch. The batch
// answer carries ids and versions only.
func batchRemote(doc model.Document, r store.BatchResult, now time.Time) model.Document {
	remote := model.Document{
		ID:        r.CloudID,
		Version:   r.Version,
		UpdatedAt: doc.UpdatedAt,
		Sync: model.SyncRecord{
			LastSyncedAt: now,
			YjsVersion:   doc.Sync.YjsVersion,
		},
	}
	remote.LinkCloud(r.CloudID)
	return remote
}

func (c *Coordinator) pushOnce(ctx context.Context, doc model.Document, workspaceCloudID string) (model.Document, error) {
	if !doc.Linked() {
		create := doc.Clone()
		create.WorkspaceID = workspaceCloudID
		return c.cloud.CreateDocument(ctx, create)
	}

	patch := model.PatchFromDocument(doc)
	if doc.HasSnapshot() {
		expected := doc.Sync.YjsVersion
		patch.ExpectedYjsVersion = &expected
	}
	pushed, err := c.cloud.UpdateDocument(ctx, doc.RemoteID(), patch)
	if errors.Is(err, apperrors.ErrNotFound) {
		c.logger.InfoContext(ctx, "document missing in cloud, recreating", "document_id", doc.ID)
		create := doc.Clone()
		create.WorkspaceID = workspaceCloudID
		return c.cloud.CreateDocument(ctx, create)
	}
	return pushed, err
}

// settle records the outcome of the push of a claimed document and reports its success.
func (c *Coordinator) settle(ctx context.Context, doc, pushed model.Document, err error) bool {
	op := outbox.OpUpdate
	if !doc.Linked() {
		op = outbox.OpCreate
	}

	if err != nil {
		c.fail(ctx, doc, op, err)
		c.metrics.push(string(op), resultFailure)
		return false
	}
	if err := c.succeed(ctx, doc, pushed); err != nil {
		c.logger.ErrorContext(ctx, "recording push failed", "document_id", doc.ID, "error", err)
		c.metrics.push(string(op), resultFailure)
		return false
	}
	c.metrics.push(string(op), resultSuccess)
	return true
}

// editedSince reports whether the stored copy changed after pushed was read.
func editedSince(stored, pushed model.Document) bool {
	return stored.Version != pushed.Version ||
		stored.Content != pushed.Content ||
		stored.Sync.YjsStateB64 != pushed.Sync.YjsStateB64
}

// succeed records a successful push. Edits saved while the push was in flight put the
// document back to pending. The record is updated in one atomic step, so an edit is
// either seen here or lands on top of the synced record.
func (c *Coordinator) succeed(ctx context.Context, doc, remote model.Document) error {
	if err := c.machine.Transition(ctx, doc.ID, model.StatusSyncing, model.StatusSynced); err != nil {
		return err
	}

	editedMeanwhile := false
	current, err := c.local.MutateDocument(ctx, doc.ID, func(d *model.Document) error {
		editedMeanwhile = editedSince(*d, doc)
		d.LinkCloud(remote.RemoteID())
		d.Sync.LastSyncedAt = remote.Sync.LastSyncedAt
		if d.Sync.LastSyncedAt.IsZero() {
			d.Sync.LastSyncedAt = c.now()
		}
		d.Sync.YjsVersion = remote.Sync.YjsVersion
		if editedMeanwhile {
			d.Sync.Status = model.StatusPending
			return nil
		}
		d.Sync.Status = model.StatusSynced
		d.Version = remote.Version
		if !remote.UpdatedAt.IsZero() {
			d.UpdatedAt = remote.UpdatedAt
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save pushed document: %w", err)
	}

	if editedMeanwhile {
		if err := c.machine.Transition(ctx, doc.ID, model.StatusSynced, model.StatusPending); err != nil {
			// A concurrent edit may have moved it already.
			if status, _ := c.machine.Status(doc.ID); status != model.StatusPending {
				return err
			}
		}
	} else if err := c.outbox.Remove(ctx, current.ID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("remove outbox entry: %w", err)
	}

	c.logger.DebugContext(ctx, "document pushed", "document_id", current.ID, "cloud_id", current.RemoteID())
	c.machine.Bus().Publish(ctx, syncstate.Event{
		Kind:        syncstate.EventDocumentSynced,
		WorkspaceID: current.WorkspaceID,
		DocumentID:  current.ID,
		Payload:     current.RemoteID(),
	})
	return nil
}

func (c *Coordinator) fail(ctx context.Context, doc model.Document, op outbox.Operation, cause error) {
	c.logger.WarnContext(ctx, "document push failed", "document_id", doc.ID, "error", cause)

	if err := c.machine.Transition(ctx, doc.ID, model.StatusSyncing, model.StatusError); err != nil {
		c.logger.ErrorContext(ctx, "marking push failure failed", "document_id", doc.ID, "error", err)
	}
	_, err := c.local.MutateDocument(ctx, doc.ID, func(d *model.Document) error {
		d.Sync.Status = model.StatusError
		return nil
	})
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		c.logger.ErrorContext(ctx, "saving push failure failed", "document_id", doc.ID, "error", err)
	}

	entry := outbox.Entry{
		DocumentID:  doc.ID,
		WorkspaceID: doc.WorkspaceID,
		CloudID:     doc.RemoteID(),
		Operation:   op,
	}
	if err := c.outbox.Enqueue(ctx, entry); err != nil {
		c.logger.ErrorContext(ctx, "queueing failed push failed", "document_id", doc.ID, "error", err)
		return
	}
	if err := c.outbox.RecordFailure(ctx, doc.ID, cause); err != nil {
		c.logger.ErrorContext(ctx, "recording push failure failed", "document_id", doc.ID, "error", err)
	}
}

// pushDelete deletes a document in the cloud. A document already gone counts as deleted.
func (c *Coordinator) pushDelete(ctx context.Context, e outbox.Entry) (ok, counted bool) {
	if e.CloudID == "" {
		_ = c.outbox.Remove(ctx, e.DocumentID)
		return false, false
	}

	err := c.retry(ctx, e.DocumentID, func(ctx context.Context) error {
		err := c.cloud.DeleteDocument(ctx, e.CloudID)
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		c.logger.WarnContext(ctx, "document deletion failed", "document_id", e.DocumentID, "error", err)
		if rerr := c.outbox.RecordFailure(ctx, e.DocumentID, err); rerr != nil {
			c.logger.ErrorContext(ctx, "recording deletion failure failed", "document_id", e.DocumentID, "error", rerr)
		}
		c.metrics.push(string(outbox.OpDelete), resultFailure)
		return false, true
	}

	if err := c.outbox.Remove(ctx, e.DocumentID); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		c.logger.ErrorContext(ctx, "removing outbox entry failed", "document_id", e.DocumentID, "error", err)
	}
	c.machine.Forget(e.DocumentID)
	c.metrics.push(string(outbox.OpDelete), resultSuccess)
	c.logger.DebugContext(ctx, "document deletion pushed", "document_id", e.DocumentID, "cloud_id", e.CloudID)
	return true, true
}

// retry runs fn up to maxAttempts times, paced by the limiter, with exponential backoff.
// fn gets a context asking the adapter for a single attempt per call, so maxAttempts is
// the request budget of one document.
func (c *Coordinator) retry(ctx context.Context, docID string, fn func(ctx context.Context) error) error {
	delay := c.backoff
	var lastErr error
	once := store.WithoutRetry(ctx)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			c.logger.DebugContext(ctx, "retrying push after delay",
				"document_id", docID,
				"attempt", attempt,
				"delay", delay,
				"previous_error", lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= backoffFactor
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = fn(once)
		if lastErr == nil {
			return nil
		}
		if permanent(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("push failed after %d attempts: %w", c.maxAttempts, lastErr)
}

// permanent reports whether retrying cannot help.
func permanent(err error) bool {
	return errors.Is(err, apperrors.ErrConflict) ||
		errors.Is(err, apperrors.ErrInvalidInput) ||
		errors.Is(err, apperrors.ErrNotAuthenticated) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// collector aggregates per workspace counts from concurrent pushes.
type collector struct {
	mu    gosync.Mutex
	byWS  map[string]*WorkspaceReport
	order []string
}

func newCollector() *collector {
	return &collector{byWS: make(map[string]*WorkspaceReport)}
}

// add makes a workspace appear in the report even when nothing was pushed.
func (c *collector) add(workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch(workspaceID)
}

func (c *collector) touch(workspaceID string) *WorkspaceReport {
	r, ok := c.byWS[workspaceID]
	if !ok {
		r = &WorkspaceReport{WorkspaceID: workspaceID}
		c.byWS[workspaceID] = r
		c.order = append(c.order, workspaceID)
	}
	return r
}

func (c *collector) record(workspaceID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.touch(workspaceID)
	r.Total++
	if ok {
		r.Successful++
	} else {
		r.Failed++
	}
}

func (c *collector) report() BatchReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out BatchReport
	for _, id := range c.order {
		r := *c.byWS[id]
		out.Workspaces = append(out.Workspaces, r)
		out.Total += r.Total
		out.Successful += r.Successful
		out.Failed += r.Failed
	}
	slices.SortStableFunc(out.Workspaces, func(a, b WorkspaceReport) int {
		return strings.Compare(a.WorkspaceID, b.WorkspaceID)
	})
	return out
}

// Workspace returns the report of one workspace.
func (r BatchReport) Workspace(id string) (WorkspaceReport, bool) {
	for _, w := range r.Workspaces {
		if w.WorkspaceID == id {
			return w, true
		}
	}
	return WorkspaceReport{}, false
}
