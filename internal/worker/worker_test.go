package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/sync"
)

// mockPusher counts runs and returns a fixed result.
type mockPusher struct {
	runs    atomic.Int32
	delay   time.Duration
	err     error
	skipped bool
}

func (m *mockPusher) Run(ctx context.Context, _ model.SyncContext) (sync.BatchReport, error) {
	m.runs.Add(1)
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return sync.BatchReport{}, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	if m.err != nil {
		return sync.BatchReport{}, m.err
	}
	return sync.BatchReport{Skipped: m.skipped, Total: 1, Successful: 1}, nil
}

type mockPuller struct {
	pulls atomic.Int32
}

func (m *mockPuller) Pull(_ context.Context, _ model.SyncContext, _ string) (sync.PullReport, error) {
	m.pulls.Add(1)
	return sync.PullReport{WorkspaceID: "ws"}, nil
}

func signedIn() model.SyncContext {
	return model.SyncContext{Authenticated: true, BackendReady: true, UserID: "u"}
}

func createTestWorker(t *testing.T, pusher Pusher, opts ...SyncWorkerOption) *SyncWorker {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewSyncWorker(pusher, signedIn, append([]SyncWorkerOption{WithLogger(logger)}, opts...)...)
}

// startWorker runs the worker until the test ends.
func startWorker(t *testing.T, w *SyncWorker) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSyncWorker_NotifyNonBlocking(t *testing.T) {
	t.Parallel()
	worker := createTestWorker(t, &mockPusher{})

	done := make(chan struct{})
	go func() {
		for range 100 {
			worker.Notify()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Notify blocked when it should be non-blocking")
	}
}

func TestSyncWorker_RunsOnNotify(t *testing.T) {
	t.Parallel()
	pusher := &mockPusher{}
	reports := make(chan sync.BatchReport, 1)
	worker := createTestWorker(t, pusher, WithReports(reports))
	startWorker(t, worker)

	worker.Notify()

	select {
	case r := <-reports:
		assert.Equal(t, 1, r.Successful)
	case <-time.After(time.Second):
		t.Fatal("no run after notification")
	}
	assert.Equal(t, int32(1), pusher.runs.Load())
}

func TestSyncWorker_DebounceCoalesces(t *testing.T) {
	t.Parallel()
	pusher := &mockPusher{}
	worker := createTestWorker(t, pusher, WithSyncDelay(100*time.Millisecond))
	startWorker(t, worker)

	for range 5 {
		worker.Notify()
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return pusher.runs.Load() >= 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.LessOrEqual(t, pusher.runs.Load(), int32(2), "rapid notifications coalesce")
}

func TestSyncWorker_FailedRunKeepsWorking(t *testing.T) {
	t.Parallel()
	pusher := &mockPusher{err: errors.New("backend down")}
	worker := createTestWorker(t, pusher)
	startWorker(t, worker)

	worker.Notify()
	require.Eventually(t, func() bool { return pusher.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	worker.Notify()
	require.Eventually(t, func() bool { return pusher.runs.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestSyncWorker_PullsAtMostOncePerPeriod(t *testing.T) {
	t.Parallel()
	pusher := &mockPusher{}
	puller := &mockPuller{}
	reports := make(chan sync.BatchReport, 1)
	worker := createTestWorker(t, pusher, WithPuller(puller, time.Hour), WithReports(reports))
	startWorker(t, worker)

	for range 3 {
		worker.Notify()
		<-reports
	}
	require.Eventually(t, func() bool { return pusher.runs.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), puller.pulls.Load())
}

func TestSyncWorker_NoPullWhenSkipped(t *testing.T) {
	t.Parallel()
	pusher := &mockPusher{skipped: true}
	puller := &mockPuller{}
	reports := make(chan sync.BatchReport, 1)
	worker := createTestWorker(t, pusher, WithPuller(puller, 0), WithReports(reports))
	startWorker(t, worker)

	worker.Notify()
	<-reports
	assert.Zero(t, puller.pulls.Load())
}

func TestSyncWorker_GracefulCancellation(t *testing.T) {
	t.Parallel()
	pusher := &mockPusher{delay: time.Minute}
	worker := createTestWorker(t, pusher)

	ctx, cancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		worker.Start(ctx)
		close(workerDone)
	}()

	worker.Notify()
	require.Eventually(t, func() bool { return pusher.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-workerDone:
	case <-time.After(1 * time.Second):
		t.Fatal("worker did not stop gracefully")
	}
}

func TestPullTracker(t *testing.T) {
	t.Parallel()

	tracker := newPullTracker(time.Hour)
	assert.True(t, tracker.shouldPull())
	tracker.markPulled()
	assert.False(t, tracker.shouldPull())

	tracker = newPullTracker(0)
	tracker.markPulled()
	assert.True(t, tracker.shouldPull())
}

func TestSyncWorker_RemoteChangeForcesPull(t *testing.T) {
	t.Parallel()
	pusher := &mockPusher{}
	puller := &mockPuller{}
	reports := make(chan sync.BatchReport, 1)
	worker := createTestWorker(t, pusher, WithPuller(puller, time.Hour), WithReports(reports))
	startWorker(t, worker)

	worker.Notify()
	<-reports
	require.Eventually(t, func() bool { return puller.pulls.Load() == 1 }, time.Second, 5*time.Millisecond)

	worker.NotifyRemoteChange()
	<-reports
	require.Eventually(t, func() bool { return puller.pulls.Load() == 2 }, time.Second, 5*time.Millisecond)
}
