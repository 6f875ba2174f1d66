package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/outbox"
	"github.com/mdreader/mdsync/internal/store"
	"github.com/mdreader/mdsync/internal/syncstate"
)

// guestDocuments creates documents while signed out, in the default workspace.
func guestDocuments(t *testing.T, f *fixture, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.engine.CreateDocument(context.Background(), model.Guest, model.Document{
			ID: id, Title: "Doc " + id, Content: "body of " + id,
		})
		require.NoError(t, err)
	}
}

func TestCoordinator_SkippedWhenCloudUnavailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	guestDocuments(t, f, "a")

	report, err := f.engine.Coordinator().Run(ctx, model.Guest)
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	report, err = f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err)
	assert.True(t, report.Skipped, "cloud adapter not initialized")
	assert.Equal(t, model.StatusLocal, f.document(t, "a").Sync.Status)
	assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.BatchRuns.WithLabelValues("skipped")), 0)
}

func TestCoordinator_LinksWorkspaceAndPushesGuestDocuments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	guestDocuments(t, f, "a", "b")
	f.online(t)

	report, err := f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Successful)
	assert.Zero(t, report.Failed)
	require.Len(t, report.Workspaces, 1)

	workspaces, err := f.local.ListWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, workspaces, 1)
	ws := workspaces[0]
	assert.Equal(t, ws.ID, ws.CloudID, "cloud record created under the local id")
	assert.Equal(t, model.StatusSynced, ws.SyncStatus)

	for _, id := range []string{"a", "b"} {
		doc := f.document(t, id)
		assert.Equal(t, model.StatusSynced, doc.Sync.Status)
		assert.Equal(t, id, doc.RemoteID())
		assert.False(t, doc.Sync.LastSyncedAt.IsZero())

		remote, ok := f.cloud.Document(id)
		require.True(t, ok)
		assert.Equal(t, ws.ID, remote.WorkspaceID)
		assert.Equal(t, "body of "+id, remote.Content)
	}

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, f.events.count(syncstate.EventDocumentSynced))
	assert.Equal(t, 1, f.events.count(syncstate.EventBatchSyncComplete))
	assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.Pushes.WithLabelValues("update", "success"))+
		testutil.ToFloat64(f.metrics.Pushes.WithLabelValues("create", "success")), 0)

	assert.Equal(t, 1, f.cloud.Calls("PushBatch"), "batch tried once, then one by one")

	again, err := f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err)
	assert.Zero(t, again.Total, "synced documents are not pushed again")
	assert.Equal(t, 2, f.cloud.Calls("CreateDocument"))
}

func TestCoordinator_PartialFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	guestDocuments(t, f, "a", "b", "c")
	f.online(t)

	f.cloud.SetFail(func(op, id string) error {
		if op == "CreateDocument" && id == "b" {
			return apperrors.ErrAdapterUnavailable
		}
		return nil
	})

	report, err := f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err, "partial failure is reported, not returned")
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Successful)
	assert.Equal(t, 1, report.Failed)
	ws := report.Workspaces[0]
	assert.Equal(t, 3, ws.Total)
	assert.Equal(t, 1, ws.Failed)

	assert.Equal(t, model.StatusSynced, f.document(t, "a").Sync.Status)
	assert.Equal(t, model.StatusError, f.document(t, "b").Sync.Status)
	assert.Equal(t, model.StatusSynced, f.document(t, "c").Sync.Status)

	entry, err := f.queue.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, outbox.OpCreate, entry.Operation)
	assert.Equal(t, 1, entry.Attempts)
	assert.NotEmpty(t, entry.LastError)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Pushes.WithLabelValues("create", "failure")), 0)

	f.cloud.SetFail(nil)
	report, err = f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total, "only the failed document is retried")
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, model.StatusSynced, f.document(t, "b").Sync.Status)

	_, err = f.queue.Get(ctx, "b")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCoordinator_StaleWriteIsNotRetried(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.online(t)
	ws := f.linkedWorkspace(t, "ws")

	f.cloud.SeedDocument(model.Document{ID: "doc", WorkspaceID: "ws", Title: "Doc", Sync: model.SyncRecord{YjsVersion: 5}})
	doc := model.Document{
		ID: "doc", WorkspaceID: ws.ID, Title: "Doc", Content: "edit",
		Sync: model.SyncRecord{Status: model.StatusPending, YjsVersion: 4, YjsStateB64: "AAEC"},
	}
	doc.LinkCloud("doc")
	_, err := f.local.CreateDocument(ctx, doc)
	require.NoError(t, err)

	report, err := f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, f.cloud.Calls("UpdateDocument"), "conflicts are permanent")
	assert.Equal(t, model.StatusError, f.document(t, "doc").Sync.Status)
}

func TestCoordinator_PushesQueuedDeletions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.online(t)
	f.linkedWorkspace(t, "ws")
	f.cloud.SeedDocument(model.Document{ID: "gone", WorkspaceID: "ws", Title: "Gone"})

	require.NoError(t, f.queue.Enqueue(ctx, outbox.Entry{DocumentID: "gone", WorkspaceID: "ws", CloudID: "gone", Operation: outbox.OpDelete}))
	require.NoError(t, f.queue.Enqueue(ctx, outbox.Entry{DocumentID: "missing", WorkspaceID: "ws", CloudID: "missing", Operation: outbox.OpDelete}))
	require.NoError(t, f.queue.Enqueue(ctx, outbox.Entry{DocumentID: "never-pushed", WorkspaceID: "ws", Operation: outbox.OpDelete}))

	report, err := f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Successful, "a document already gone counts as deleted")
	assert.Zero(t, report.Failed)

	_, ok := f.cloud.Document("gone")
	assert.False(t, ok)
	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCoordinator_ConcurrentRunsPushOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	guestDocuments(t, f, "a", "b", "c", "d")
	f.online(t)
	// Link first so both runs see the same workspace.
	_, err := f.engine.Coordinator().linkWorkspaces(ctx)
	require.NoError(t, err)

	var wg gosync.WaitGroup
	reports := make([]BatchReport, 2)
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.engine.Coordinator().Run(ctx, signedIn)
			assert.NoError(t, err)
			reports[i] = r
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, f.cloud.Calls("CreateDocument"), "every document pushed exactly once")
	assert.Equal(t, 4, reports[0].Successful+reports[1].Successful)
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, model.StatusSynced, f.document(t, id).Sync.Status)
	}
}

func TestCoordinator_EditDuringPushStaysPending(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	guestDocuments(t, f, "a")
	f.online(t)

	edited := false
	f.cloud.SetFail(func(op, _ string) error {
		if op == "CreateDocument" && !edited {
			edited = true
			_, err := f.local.UpdateDocument(ctx, "a", model.DocumentPatch{Content: model.Ptr("newer")})
			return err
		}
		return nil
	})

	report, err := f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Successful)

	doc := f.document(t, "a")
	assert.Equal(t, model.StatusPending, doc.Sync.Status, "the newer edit still needs a push")
	assert.Equal(t, "a", doc.RemoteID())

	report, err = f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Successful)
	remote, _ := f.cloud.Document("a")
	assert.Equal(t, "newer", remote.Content)
}

func TestCoordinator_UnlinkedWorkspaceMarksDocumentsFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	guestDocuments(t, f, "a", "b")
	f.online(t)

	f.cloud.SetFail(func(op, _ string) error {
		if op == "CreateWorkspace" {
			return apperrors.ErrAdapterUnavailable
		}
		return nil
	})

	report, err := f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Failed)
	assert.Zero(t, f.cloud.Calls("CreateDocument"))

	for _, id := range []string{"a", "b"} {
		tracked, ok := f.engine.Machine().Status(id)
		require.True(t, ok)
		assert.Equal(t, model.StatusError, tracked)
		assert.Equal(t, tracked, f.document(t, id).Sync.Status, "stored status follows the machine")

		entry, err := f.queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, outbox.OpCreate, entry.Operation)
		assert.Contains(t, entry.LastError, apperrors.ErrWorkspaceNotLinked.Error())
	}

	st, err := f.engine.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Documents[model.StatusPending], "nothing left stuck in pending")
	assert.Equal(t, 2, st.Documents[model.StatusError])

	f.cloud.SetFail(nil)
	report, err = f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Successful)
	assert.Equal(t, model.StatusSynced, f.document(t, "a").Sync.Status)
	assert.Equal(t, model.StatusSynced, f.document(t, "b").Sync.Status)
}

func TestCoordinator_EditBeforeRecordingPushSurvives(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f, local := newInterleavedFixture(t)
	guestDocuments(t, f, "a")
	f.online(t)

	local.arm("a", func(ctx context.Context) {
		_, err := f.local.UpdateDocument(ctx, "a", model.DocumentPatch{Content: model.Ptr("user edit")})
		assert.NoError(t, err)
	})

	report, err := f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Successful)

	doc := f.document(t, "a")
	assert.Equal(t, "user edit", doc.Content, "the edit is not overwritten")
	assert.Equal(t, model.StatusPending, doc.Sync.Status)
	assert.Equal(t, "a", doc.RemoteID())
	tracked, _ := f.engine.Machine().Status("a")
	assert.Equal(t, model.StatusPending, tracked)

	_, err = f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err)
	remote, _ := f.cloud.Document("a")
	assert.Equal(t, "user edit", remote.Content)
	assert.Equal(t, model.StatusSynced, f.document(t, "a").Sync.Status)
}

func TestCoordinator_BatchPush(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.cloud.EnableBatch()
	guestDocuments(t, f, "a", "b", "c")
	f.online(t)

	report, err := f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Successful)
	assert.Equal(t, 1, f.cloud.Calls("PushBatch"))
	assert.Zero(t, f.cloud.Calls("CreateDocument"), "no document pushed on its own")

	for _, id := range []string{"a", "b", "c"} {
		doc := f.document(t, id)
		assert.Equal(t, model.StatusSynced, doc.Sync.Status)
		assert.Equal(t, id, doc.RemoteID())
		remote, ok := f.cloud.Document(id)
		require.True(t, ok)
		assert.Equal(t, "body of "+id, remote.Content)
		assert.Equal(t, remote.Version, doc.Version)
	}

	_, err = f.engine.UpdateDocument(ctx, signedIn, "b", model.DocumentPatch{Content: model.Ptr("second")})
	require.NoError(t, err)
	report, err = f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 2, f.cloud.Calls("PushBatch"))
	assert.Equal(t, 1, f.cloud.Calls("BatchUpdate"), "only the edited document is sent again")
	assert.Zero(t, f.cloud.Calls("UpdateDocument"))
	remote, _ := f.cloud.Document("b")
	assert.Equal(t, "second", remote.Content)
}

func TestCoordinator_BatchRejectionsRetriedOneByOne(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.cloud.EnableBatch()
	guestDocuments(t, f, "a", "b", "c")
	f.online(t)

	f.cloud.SetFail(func(op, id string) error {
		switch {
		case op == "BatchCreate" && id == "b":
			return apperrors.ErrAdapterUnavailable
		case op == "BatchCreate" && id == "c":
			return apperrors.ErrInvalidInput
		}
		return nil
	})

	report, err := f.engine.Coordinator().Run(ctx, signedIn)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Successful)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, f.cloud.Calls("CreateDocument"), "only the transient rejection is pushed again")

	assert.Equal(t, model.StatusSynced, f.document(t, "a").Sync.Status)
	assert.Equal(t, model.StatusSynced, f.document(t, "b").Sync.Status)
	assert.Equal(t, model.StatusError, f.document(t, "c").Sync.Status)
	entry, err := f.queue.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Attempts)
}

func TestCoordinator_RetryMakesSingleAttemptCalls(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	calls := 0
	err := f.engine.Coordinator().retry(context.Background(), "x", func(ctx context.Context) error {
		calls++
		assert.True(t, store.RetryDisabled(ctx))
		return apperrors.ErrAdapterUnavailable
	})
	require.ErrorIs(t, err, apperrors.ErrAdapterUnavailable)
	assert.Equal(t, 2, calls, "the coordinator owns the retry budget")
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	assert.True(t, permanent(apperrors.ErrConflict))
	assert.True(t, permanent(context.Canceled))
	assert.False(t, permanent(apperrors.ErrAdapterUnavailable))
	assert.False(t, permanent(errors.New("boom")))
}
