package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/store"
)

const testToken = "secret-token"

// fakeBackend is an in-memory document backend. Listings are served two items per page.
type fakeBackend struct {
	mu         sync.Mutex
	workspaces []Workspace
	documents  map[string]*Document
	requests   atomic.Int32
	// batch enables the batch endpoint. Without it the backend answers 404 like older versions.
	batch bool
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()

	b := &fakeBackend{documents: make(map[string]*Document)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/auth/me", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, User{ID: "user-1", Email: "u@example.com", Username: "u"})
	})
	mux.HandleFunc("GET /api/v1/workspaces", b.listWorkspaces)
	mux.HandleFunc("POST /api/v1/workspaces", b.createWorkspace)
	mux.HandleFunc("GET /api/v1/documents/workspace/{wsid}", b.listDocuments)
	mux.HandleFunc("POST /api/v1/documents", b.createDocument)
	mux.HandleFunc("POST /api/v1/documents/batch", b.batchDocuments)
	mux.HandleFunc("GET /api/v1/documents/{id}", b.getDocument)
	mux.HandleFunc("PATCH /api/v1/documents/{id}", b.updateDocument)
	mux.HandleFunc("DELETE /api/v1/documents/{id}", b.deleteDocument)
	mux.HandleFunc("POST /api/v1/documents/{id}/star", b.star(true))
	mux.HandleFunc("DELETE /api/v1/documents/{id}/star", b.star(false))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "missing token"})
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return b, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func paged[T any](r *http.Request, items []T) page[T] {
	const size = 2
	p, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if p < 1 {
		p = 1
	}
	start := min((p-1)*size, len(items))
	end := min(start+size, len(items))
	return page[T]{Items: items[start:end], Total: len(items), Page: p, PageSize: size, HasMore: end < len(items)}
}

func (b *fakeBackend) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	writeJSON(w, http.StatusOK, paged(r, b.workspaces))
}

func (b *fakeBackend) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	ws := Workspace{ID: req.ID, Name: req.Name, Description: req.Description, CreatedAt: now, UpdatedAt: now}
	b.workspaces = append(b.workspaces, ws)
	writeJSON(w, http.StatusCreated, ws)
}

func (b *fakeBackend) listDocuments(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var items []Document
	for _, d := range b.documents {
		if d.WorkspaceID == r.PathValue("wsid") {
			item := *d
			item.Content = ""
			item.YjsStateB64 = ""
			items = append(items, item)
		}
	}
	slices.SortFunc(items, func(x, y Document) int { return x.CreatedAt.Compare(y.CreatedAt) })
	writeJSON(w, http.StatusOK, paged(r, items))
}

func (b *fakeBackend) createDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	d, ok := b.documents[req.ID]
	if !ok {
		d = &Document{ID: req.ID, CreatedAt: now, WorkspaceID: r.URL.Query().Get("workspace_id")}
		b.documents[req.ID] = d
	}
	d.Title, d.Content, d.Tags, d.FolderID = req.Title, req.Content, req.Tags, req.FolderID
	d.Version++
	if req.YjsStateB64 != "" {
		d.YjsStateB64 = req.YjsStateB64
		d.YjsVersion++
	}
	d.UpdatedAt = now
	writeJSON(w, http.StatusCreated, d)
}

// batchDocuments answers in reverse request order, so clients must map results by client id.
func (b *fakeBackend) batchDocuments(w http.ResponseWriter, r *http.Request) {
	if !b.batch {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
		return
	}
	var req struct {
		WorkspaceID string `json:"workspace_id"`
		Operations  []struct {
			Operation  string          `json:"operation"`
			ClientID   string          `json:"client_id"`
			DocumentID string          `json:"document_id"`
			Data       json.RawMessage `json:"data"`
		} `json:"operations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	resp := BatchResponse{Total: len(req.Operations)}
	now := time.Now().UTC()
	for _, op := range slices.Backward(req.Operations) {
		res := BatchOperationResult{ClientID: op.ClientID, DocumentID: op.DocumentID, Status: "success"}
		switch op.Operation {
		case "create":
			var data CreateDocumentRequest
			_ = json.Unmarshal(op.Data, &data)
			d, ok := b.documents[data.ID]
			if !ok {
				d = &Document{ID: data.ID, CreatedAt: now, WorkspaceID: req.WorkspaceID}
				b.documents[data.ID] = d
			}
			d.Title, d.Content, d.Tags = data.Title, data.Content, data.Tags
			d.Version++
			d.UpdatedAt = now
			res.Version = d.Version
		case "update":
			var data UpdateDocumentRequest
			_ = json.Unmarshal(op.Data, &data)
			d, ok := b.documents[op.DocumentID]
			if !ok {
				res.Status, res.Error = "error", "Document not found"
				break
			}
			if data.Content != nil {
				d.Content = *data.Content
			}
			if data.Title != nil {
				d.Title = *data.Title
			}
			d.Version++
			d.UpdatedAt = now
			res.Version = d.Version
		}
		if res.Status == "success" {
			resp.Successful++
		} else {
			resp.Failed++
		}
		resp.Results = append(resp.Results, res)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (b *fakeBackend) getDocument(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.documents[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Document not found"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (b *fakeBackend) updateDocument(w http.ResponseWriter, r *http.Request) {
	var req UpdateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.documents[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Document not found"})
		return
	}
	if req.ExpectedYjsVersion != nil && *req.ExpectedYjsVersion != d.YjsVersion {
		writeJSON(w, http.StatusConflict, map[string]string{"detail": "version mismatch"})
		return
	}
	if req.Title != nil {
		d.Title = *req.Title
	}
	if req.Content != nil {
		d.Content = *req.Content
	}
	if req.Tags != nil {
		d.Tags = *req.Tags
	}
	if req.YjsStateB64 != nil {
		d.YjsStateB64 = *req.YjsStateB64
		d.YjsVersion++
	}
	d.Version++
	d.UpdatedAt = time.Now().UTC()
	writeJSON(w, http.StatusOK, d)
}

func (b *fakeBackend) deleteDocument(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.documents[r.PathValue("id")]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Document not found"})
		return
	}
	delete(b.documents, r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (b *fakeBackend) star(starred bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		d, ok := b.documents[r.PathValue("id")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Document not found"})
			return
		}
		d.IsStarred = starred
		writeJSON(w, http.StatusOK, map[string]bool{"is_starred": starred})
	}
}

func newTestStore(t *testing.T, baseURL string) *Store {
	t.Helper()
	client := NewClient(baseURL, testToken, WithRateLimit(0), WithRetry(3, time.Millisecond))
	return NewStore(client)
}

func TestStore_UnavailableBeforeInit(t *testing.T) {
	t.Parallel()

	_, srv := newFakeBackend(t)
	s := newTestStore(t, srv.URL)

	assert.False(t, s.Ready())
	_, err := s.ListWorkspaces(context.Background())
	require.ErrorIs(t, err, apperrors.ErrAdapterUnavailable)
	_, err = s.GetDocument(context.Background(), "x")
	require.ErrorIs(t, err, apperrors.ErrAdapterUnavailable)

	anonymous := NewStore(NewClient(srv.URL, "", WithRateLimit(0)))
	assert.ErrorIs(t, anonymous.Init(context.Background()), apperrors.ErrNotAuthenticated)
}

func TestStore_WorkspacesArePaginated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend, srv := newFakeBackend(t)
	for i := range 5 {
		backend.workspaces = append(backend.workspaces, Workspace{ID: fmt.Sprintf("ws-%d", i), Name: fmt.Sprintf("W%d", i)})
	}

	s := newTestStore(t, srv.URL)
	require.NoError(t, s.Init(ctx))
	assert.True(t, s.Ready())
	assert.Equal(t, "user-1", s.User().ID)

	list, err := s.ListWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, "ws-4", list[4].ID)
	assert.Equal(t, "ws-4", list[4].CloudID)
	assert.Equal(t, model.StatusSynced, list[4].SyncStatus)

	current, err := s.CurrentWorkspace(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ws-0", current.ID)

	_, err = s.SwitchWorkspace(ctx, "ws-3")
	require.NoError(t, err)
	current, err = s.CurrentWorkspace(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ws-3", current.ID)
}

func TestStore_DocumentRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, srv := newFakeBackend(t)
	s := newTestStore(t, srv.URL)
	require.NoError(t, s.Init(ctx))

	ws, err := s.CreateWorkspace(ctx, model.Workspace{ID: "local-ws", Name: "Notes"})
	require.NoError(t, err)
	assert.Equal(t, "local-ws", ws.CloudID, "the client generated id is reused")

	doc := model.Document{ID: "doc-1", WorkspaceID: ws.CloudID, Title: "Hello", Content: "body", Starred: true}
	created, err := s.CreateDocument(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", created.RemoteID())
	assert.True(t, created.Starred)
	assert.Equal(t, model.StatusSynced, created.Sync.Status)
	assert.False(t, created.Sync.LastSyncedAt.IsZero())

	// Creating again with the same id is an upsert.
	_, err = s.CreateDocument(ctx, doc)
	require.NoError(t, err)
	docs, err := s.ListDocuments(ctx, ws.CloudID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Empty(t, docs[0].Content, "listings carry no content")

	updated, err := s.UpdateDocument(ctx, "doc-1", model.DocumentPatch{
		Content: model.Ptr("new body"),
		Starred: model.Ptr(false),
	})
	require.NoError(t, err)
	assert.Equal(t, "new body", updated.Content)
	assert.False(t, updated.Starred)

	got, err := s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "new body", got.Content)

	require.NoError(t, s.DeleteDocument(ctx, "doc-1"))
	_, err = s.GetDocument(ctx, "doc-1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, s.DeleteDocument(ctx, "doc-1"), apperrors.ErrNotFound)
}

func TestStore_StaleWriteConflicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend, srv := newFakeBackend(t)
	backend.documents["d"] = &Document{ID: "d", WorkspaceID: "w", Title: "T", YjsVersion: 4}

	s := newTestStore(t, srv.URL)
	require.NoError(t, s.Init(ctx))

	_, err := s.UpdateDocument(ctx, "d", model.DocumentPatch{
		YjsStateB64:        model.Ptr("AAAA"),
		ExpectedYjsVersion: model.Ptr(int64(3)),
	})
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestClient_RetriesBusyBackend(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "busy"})
			return
		}
		writeJSON(w, http.StatusOK, User{ID: "u"})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, testToken, WithRateLimit(0), WithRetry(3, time.Millisecond))
	user, err := client.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u", user.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_RetriesExhausted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "down"})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, testToken, WithRateLimit(0), WithRetry(2, time.Millisecond))
	_, err := client.Me(context.Background())
	require.ErrorIs(t, err, apperrors.ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, apperrors.ErrAdapterUnavailable)
}

func TestClient_CircuitOpensOnServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, testToken, WithRateLimit(0), WithRetry(1, time.Millisecond))
	ctx := context.Background()
	for range breakerMinRequests {
		_, err := client.Me(ctx)
		require.Error(t, err)
		assert.NotErrorIs(t, err, apperrors.ErrAdapterUnavailable)
	}

	_, err := client.Me(ctx)
	require.ErrorIs(t, err, apperrors.ErrAdapterUnavailable)
	assert.Equal(t, int32(breakerMinRequests), calls.Load(), "an open circuit sends nothing")
}

func TestClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	_, srv := newFakeBackend(t)
	client := NewClient(srv.URL, testToken, WithRateLimit(0))
	ctx := context.Background()

	for range breakerMinRequests * 2 {
		_, err := client.GetDocument(ctx, "missing")
		require.ErrorIs(t, err, apperrors.ErrNotFound)
	}
}

func TestStore_PushBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend, srv := newFakeBackend(t)
	backend.batch = true
	backend.documents["d-upd"] = &Document{ID: "d-upd", WorkspaceID: "w", Title: "Old", Content: "old", Version: 3}

	s := newTestStore(t, srv.URL)
	require.NoError(t, s.Init(ctx))

	results, err := s.PushBatch(ctx, "w", []store.BatchOp{
		{Operation: store.BatchCreate, Document: model.Document{ID: "d-new", Title: "New", Content: "fresh", Starred: true}},
		{Operation: store.BatchUpdate, Document: model.Document{ID: "local-upd", CloudID: "d-upd", Title: "Old", Content: "changed", Starred: true}},
		{Operation: store.BatchUpdate, Document: model.Document{ID: "local-gone", CloudID: "gone", Title: "Gone"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "d-new", results[0].DocumentID)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "d-new", results[0].CloudID)
	assert.Equal(t, int64(1), results[0].Version)

	assert.Equal(t, "local-upd", results[1].DocumentID)
	require.NoError(t, results[1].Err)
	assert.Equal(t, "d-upd", results[1].CloudID)
	assert.Equal(t, int64(4), results[1].Version)

	assert.Equal(t, "local-gone", results[2].DocumentID)
	require.ErrorIs(t, results[2].Err, apperrors.ErrBatchOperation)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, "w", backend.documents["d-new"].WorkspaceID)
	assert.True(t, backend.documents["d-new"].IsStarred, "stars are set outside the batch")
	assert.Equal(t, "changed", backend.documents["d-upd"].Content)
	assert.True(t, backend.documents["d-upd"].IsStarred)
}

func TestStore_PushBatchUnsupported(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend, srv := newFakeBackend(t)
	s := newTestStore(t, srv.URL)
	require.NoError(t, s.Init(ctx))

	ops := []store.BatchOp{{Operation: store.BatchCreate, Document: model.Document{ID: "d", Title: "T"}}}
	_, err := s.PushBatch(ctx, "w", ops)
	require.ErrorIs(t, err, apperrors.ErrBatchUnsupported)

	before := backend.requests.Load()
	_, err = s.PushBatch(ctx, "w", ops)
	require.ErrorIs(t, err, apperrors.ErrBatchUnsupported)
	assert.Equal(t, before, backend.requests.Load(), "the missing endpoint is remembered")
}

func TestClient_WithoutRetryMakesOneAttempt(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"detail": "busy"})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, testToken, WithRateLimit(0), WithRetry(4, time.Millisecond))
	_, err := client.Me(store.WithoutRetry(context.Background()))
	require.ErrorIs(t, err, apperrors.ErrAdapterUnavailable)
	assert.Equal(t, int32(1), calls.Load())

	_, err = client.Me(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(5), calls.Load(), "without the marker the client retries on its own")
}
