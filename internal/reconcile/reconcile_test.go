package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/identity"
	"github.com/mdreader/mdsync/internal/model"
)

var (
	t0 = time.Date(2025, 12, 10, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func localDoc(id, title string, status model.SyncStatus) model.Document {
	return model.Document{
		ID:          id,
		WorkspaceID: "ws",
		Type:        model.TypeMarkdown,
		Title:       title,
		Content:     "local " + title,
		FolderID:    "folder-local",
		UpdatedAt:   t0,
		Version:     1,
		Sync:        model.SyncRecord{Status: status},
	}
}

func cloudDoc(id, title string) model.Document {
	doc := model.Document{
		ID:          id,
		WorkspaceID: "ws",
		Type:        model.TypeMarkdown,
		Title:       title,
		UpdatedAt:   t1,
		Version:     4,
		Sync:        model.SyncRecord{Status: model.StatusSynced, LastSyncedAt: t1, YjsVersion: 2},
	}
	doc.LinkCloud(id)
	return doc
}

func keys(docs []model.Document) []string {
	out := make([]string, len(docs))
	for i := range docs {
		out[i] = identity.KeyOf(docs[i])
	}
	return out
}

func TestDocuments_CanonicalDedup(t *testing.T) {
	t.Parallel()

	linked := localDoc("A", "Draft", model.StatusSynced)
	linked.LinkCloud("B")

	res := Documents([]model.Document{linked}, []model.Document{cloudDoc("B", "Renamed")})

	require.Empty(t, res.Violations)
	require.Len(t, res.Items, 1)
	got := res.Items[0]
	assert.Equal(t, "A", got.ID, "local id is kept")
	assert.Equal(t, "B", got.RemoteID())
	assert.Equal(t, "Renamed", got.Title, "cloud wins for title")
	assert.Equal(t, model.StatusSynced, got.Sync.Status)
	assert.Equal(t, "folder-local", got.FolderID, "local kept for fields the cloud leaves empty")
	assert.Equal(t, "local Draft", got.Content, "listing without content keeps local content")
	assert.Equal(t, int64(4), got.Version)
}

func TestDocuments_DirtyLocalKeepsEdits(t *testing.T) {
	t.Parallel()

	for _, status := range []model.SyncStatus{
		model.StatusPending, model.StatusSyncing, model.StatusError, model.StatusConflict,
	} {
		t.Run(string(status), func(t *testing.T) {
			t.Parallel()

			local := localDoc("A", "Offline edit", status)
			local.LinkCloud("A")
			cloud := cloudDoc("A", "Old title")
			cloud.Content = "remote body"

			res := Documents([]model.Document{local}, []model.Document{cloud})
			require.Len(t, res.Items, 1)
			got := res.Items[0]
			assert.Equal(t, "Offline edit", got.Title)
			assert.Equal(t, "local Offline edit", got.Content)
			assert.Equal(t, status, got.Sync.Status)
			assert.Equal(t, t1, got.Sync.LastSyncedAt)
		})
	}
}

func TestDocuments_OrderAndUnmatched(t *testing.T) {
	t.Parallel()

	local := []model.Document{localDoc("L1", "one", model.StatusLocal), localDoc("L2", "two", model.StatusLocal)}
	cloud := []model.Document{cloudDoc("C1", "c-one"), cloudDoc("L2", "two-cloud"), cloudDoc("C2", "c-two")}

	res := Documents(local, cloud)
	require.Empty(t, res.Violations)
	assert.Equal(t, []string{"L1", "L2", "C1", "C2"}, keys(res.Items))
	assert.Equal(t, model.StatusLocal, res.Items[0].Sync.Status, "unmatched local keeps its classification")
	assert.Equal(t, model.StatusSynced, res.Items[2].Sync.Status, "unmatched cloud keeps its classification")
}

func TestDocuments_DuplicateKeysFailOpen(t *testing.T) {
	t.Parallel()

	first := localDoc("A", "first", model.StatusLocal)
	first.LinkCloud("B")
	second := localDoc("B", "second", model.StatusLocal)

	cloud := []model.Document{cloudDoc("C", "c"), cloudDoc("C", "c-again")}

	res := Documents([]model.Document{first, second}, cloud)

	assert.Equal(t, []string{"B", "C"}, keys(res.Items))
	assert.Equal(t, "first", res.Items[0].Title, "first occurrence wins")
	assert.Equal(t, "c", res.Items[1].Title)
	require.Len(t, res.Violations, 2)
	assert.Equal(t, SourceLocal, res.Violations[0].Source)
	assert.Equal(t, 1, res.Violations[0].Index)
	assert.Equal(t, SourceCloud, res.Violations[1].Source)

	err := res.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDuplicateKey))
}

func TestDocuments_NoDuplicateKeysAfterMerge(t *testing.T) {
	t.Parallel()

	a := localDoc("a", "a", model.StatusSynced)
	a.LinkCloud("x")
	b := localDoc("b", "b", model.StatusLocal)
	c := localDoc("x", "dup of a", model.StatusLocal)

	res := Documents([]model.Document{a, b, c}, []model.Document{cloudDoc("x", "X"), cloudDoc("b", "B"), cloudDoc("y", "Y")})

	seen := map[string]bool{}
	for _, k := range keys(res.Items) {
		assert.False(t, seen[k], "key %s appears twice", k)
		seen[k] = true
	}
}

func TestDocuments_Idempotent(t *testing.T) {
	t.Parallel()

	dirty := localDoc("d", "dirty", model.StatusPending)
	dirty.LinkCloud("d")
	local := []model.Document{
		localDoc("a", "a", model.StatusLocal),
		dirty,
		localDoc("s", "s", model.StatusSynced),
	}
	cloud := []model.Document{cloudDoc("d", "D"), cloudDoc("s", "S"), cloudDoc("n", "N")}

	once := Documents(local, cloud)
	twice := Documents(once.Items, cloud)

	assert.Equal(t, once.Items, twice.Items)
	assert.Empty(t, twice.Violations)
}

func TestDocuments_DoesNotMutateInputs(t *testing.T) {
	t.Parallel()

	local := []model.Document{localDoc("a", "a", model.StatusSynced)}
	local[0].Tags = []string{"keep"}
	cloud := []model.Document{cloudDoc("a", "A")}
	cloud[0].Tags = []string{"remote"}

	res := Documents(local, cloud)
	res.Items[0].Tags[0] = "changed"

	assert.Equal(t, "a", local[0].Title)
	assert.Equal(t, []string{"keep"}, local[0].Tags)
	assert.Equal(t, []string{"remote"}, cloud[0].Tags)
}

func TestWorkspaces_Merge(t *testing.T) {
	t.Parallel()

	local := []model.Workspace{
		{ID: "A", CloudID: "B", Name: "Local name", Icon: "📁", SyncStatus: model.StatusSynced, Version: 1},
		{ID: "guest", Name: "Guest", SyncStatus: model.StatusLocal},
	}
	cloud := []model.Workspace{
		{ID: "B", CloudID: "B", Name: "Cloud name", SyncStatus: model.StatusSynced, Version: 3, UpdatedAt: t1},
		{ID: "remote-only", CloudID: "remote-only", Name: "Remote", SyncStatus: model.StatusSynced},
	}

	res := Workspaces(local, cloud)
	require.Empty(t, res.Violations)
	require.Len(t, res.Items, 3)

	assert.Equal(t, "A", res.Items[0].ID)
	assert.Equal(t, "Cloud name", res.Items[0].Name)
	assert.Equal(t, "📁", res.Items[0].Icon)
	assert.Equal(t, int64(3), res.Items[0].Version)
	assert.Equal(t, model.StatusLocal, res.Items[1].SyncStatus)
	assert.Equal(t, "remote-only", res.Items[2].ID)

	again := Workspaces(res.Items, cloud)
	assert.Equal(t, res.Items, again.Items)
}
