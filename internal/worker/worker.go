// Package worker runs batch syncs in the background.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/sync"
)

// Pusher runs one batch push. *sync.Coordinator implements it.
type Pusher interface {
	Run(ctx context.Context, sc model.SyncContext) (sync.BatchReport, error)
}

// Puller brings the cloud copies of a workspace in. *sync.Engine implements it.
type Puller interface {
	Pull(ctx context.Context, sc model.SyncContext, workspaceID string) (sync.PullReport, error)
}

// SessionFunc returns the session the worker syncs for. It is called once per run.
type SessionFunc func() model.SyncContext

// SyncWorker pushes pending documents in the background whenever it is notified.
type SyncWorker struct {
	pusher     Pusher
	puller     Puller
	session    SessionFunc
	logger     *slog.Logger
	syncDelay  time.Duration
	pullPeriod time.Duration
	notify     chan struct{}
	reports    chan<- sync.BatchReport
	forcePull  atomic.Bool
}

// SyncWorkerOption configures the SyncWorker.
type SyncWorkerOption func(*SyncWorker)

// WithSyncDelay sets the debounce delay before a run.
// Notifications arriving during the delay coalesce into a single run.
func WithSyncDelay(d time.Duration) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.syncDelay = d
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.logger = l
	}
}

// WithPuller pulls the current workspace after each run at most once per period.
func WithPuller(p Puller, period time.Duration) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.puller = p
		w.pullPeriod = period
	}
}

// WithReports sends the report of every completed run on ch. Sends never block.
func WithReports(ch chan<- sync.BatchReport) SyncWorkerOption {
	return func(w *SyncWorker) {
		w.reports = ch
	}
}

// NewSyncWorker creates a new sync worker.
func NewSyncWorker(pusher Pusher, session SessionFunc, opts ...SyncWorkerOption) *SyncWorker {
	worker := &SyncWorker{
		pusher:  pusher,
		session: session,
		logger:  slog.Default(),
		notify:  make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(worker)
	}

	return worker
}

// Notify signals that there is new work to push.
// This is non-blocking - if a notification is already pending, it's a no-op.
func (w *SyncWorker) Notify() {
	select {
	case w.notify <- struct{}{}:
		w.logger.Debug("sync worker notified")
	default:
		w.logger.Debug("sync worker notification skipped (already pending)")
	}
}

// NotifyRemoteChange signals that the cloud copy changed. The next run pulls regardless of
// the pull period.
func (w *SyncWorker) NotifyRemoteChange() {
	w.forcePull.Store(true)
	w.Notify()
}

// Start runs the sync worker until the context is canceled. Failed runs are logged and
// retried on the next notification.
// This method blocks and should be called in a goroutine.
func (w *SyncWorker) Start(ctx context.Context) {
	w.logger.InfoContext(ctx, "sync worker started", "sync_delay", w.syncDelay, "pull_period", w.pullPeriod)

	tracker := newPullTracker(w.pullPeriod)
	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "sync worker stopping")
			return
		case <-w.notify:
			w.processWithDelay(ctx, tracker)
		}
	}
}

// processWithDelay waits for the sync delay (if configured) then runs a batch.
func (w *SyncWorker) processWithDelay(ctx context.Context, tracker *pullTracker) {
	if w.syncDelay > 0 {
		w.logger.DebugContext(ctx, "waiting for sync delay", "delay", w.syncDelay)

		timer := time.NewTimer(w.syncDelay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	w.process(ctx, tracker)
}

func (w *SyncWorker) process(ctx context.Context, tracker *pullTracker) {
	sc := w.session()

	report, err := w.pusher.Run(ctx, sc)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		w.logger.ErrorContext(ctx, "background sync failed", "error", err)
	case report.Skipped:
		w.logger.DebugContext(ctx, "background sync skipped, not connected")
	default:
		w.logger.InfoContext(ctx, "background sync completed",
			"total", report.Total,
			"successful", report.Successful,
			"failed", report.Failed,
			"duration", report.Duration)
	}
	if err == nil && w.reports != nil {
		select {
		case w.reports <- report:
		default:
		}
	}

	if w.puller == nil || report.Skipped {
		return
	}
	if !w.forcePull.Swap(false) && !tracker.shouldPull() {
		return
	}
	pr, err := w.puller.Pull(ctx, sc, "")
	if err != nil {
		w.logger.WarnContext(ctx, "background pull failed", "error", err)
		return
	}
	tracker.markPulled()
	w.logger.InfoContext(ctx, "background pull completed",
		"workspace_id", pr.WorkspaceID,
		"imported", pr.Imported,
		"updated", pr.Updated,
		"conflicts", pr.Conflicts)
}

// pullTracker tracks the time since the last pull.
type pullTracker struct {
	lastPull time.Time
	period   time.Duration
}

func newPullTracker(period time.Duration) *pullTracker {
	return &pullTracker{period: period}
}

// shouldPull returns true if no pull happened yet or the period elapsed since the last one.
func (t *pullTracker) shouldPull() bool {
	if t.lastPull.IsZero() {
		return true
	}
	return time.Since(t.lastPull) >= t.period
}

// markPulled records that a pull was just made.
func (t *pullTracker) markPulled() {
	t.lastPull = time.Now()
}
