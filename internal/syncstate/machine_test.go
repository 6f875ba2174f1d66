package syncstate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/model"
)

var allStatuses = []model.SyncStatus{
	model.StatusLocal, model.StatusPending, model.StatusSyncing,
	model.StatusSynced, model.StatusConflict, model.StatusError,
}

func TestCanTransition_Table(t *testing.T) {
	t.Parallel()

	legal := map[[2]model.SyncStatus]bool{
		{model.StatusLocal, model.StatusPending}:     true,
		{model.StatusPending, model.StatusSyncing}:   true,
		{model.StatusSyncing, model.StatusSynced}:    true,
		{model.StatusSyncing, model.StatusError}:     true,
		{model.StatusSynced, model.StatusPending}:    true,
		{model.StatusSynced, model.StatusConflict}:   true,
		{model.StatusError, model.StatusPending}:     true,
		{model.StatusConflict, model.StatusSynced}:   true,
		{model.StatusPending, model.StatusConflict}:  true,
		{model.StatusError, model.StatusConflict}:    true,
		{model.StatusLocal, model.StatusLocal}:       true,
		{model.StatusPending, model.StatusPending}:   true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := legal[[2]model.SyncStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestMachine_IllegalTransitionLeavesStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMachine()

	require.NoError(t, m.Transition(ctx, "doc", model.StatusLocal, model.StatusPending))

	err := m.Transition(ctx, "doc", model.StatusPending, model.StatusSynced)
	require.ErrorIs(t, err, apperrors.ErrIllegalTransition)

	status, ok := m.Status("doc")
	require.True(t, ok)
	assert.Equal(t, model.StatusPending, status)
}

func TestMachine_CompareAndSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMachine()
	m.Seed("doc", model.StatusPending)

	var wg sync.WaitGroup
	var won atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Transition(ctx, "doc", model.StatusPending, model.StatusSyncing) == nil {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), won.Load(), "exactly one caller claims the document")
}

func TestMachine_PublishesChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMachine()

	var events []Event
	unsubscribe := m.Bus().Subscribe(func(_ context.Context, e Event) {
		events = append(events, e)
	})

	doc := model.Document{ID: "doc", Sync: model.SyncRecord{Status: model.StatusLocal}}
	require.NoError(t, m.Apply(ctx, &doc, model.StatusPending))
	require.NoError(t, m.Apply(ctx, &doc, model.StatusPending))
	require.NoError(t, m.Apply(ctx, &doc, model.StatusSyncing))
	assert.Equal(t, model.StatusSyncing, doc.Sync.Status)

	require.Len(t, events, 2, "self-loops are silent")
	assert.Equal(t, EventDocumentStatusChanged, events[0].Kind)
	assert.Equal(t, model.StatusLocal, events[0].From)
	assert.Equal(t, model.StatusPending, events[0].To)

	unsubscribe()
	unsubscribe()
	require.NoError(t, m.Apply(ctx, &doc, model.StatusSynced))
	assert.Len(t, events, 2)
}

func TestMachine_SeedDoesNotOverwrite(t *testing.T) {
	t.Parallel()
	m := NewMachine()

	m.Seed("doc", model.StatusSyncing)
	m.Seed("doc", model.StatusPending)
	status, _ := m.Status("doc")
	assert.Equal(t, model.StatusSyncing, status)

	m.Forget("doc")
	_, ok := m.Status("doc")
	assert.False(t, ok)

	m.Seed("fresh", "")
	status, _ = m.Status("fresh")
	assert.Equal(t, model.StatusLocal, status)
}

func TestStatusForLocalEdit(t *testing.T) {
	t.Parallel()

	linked := model.Document{ID: "a", Sync: model.SyncRecord{Status: model.StatusSynced}}
	linked.LinkCloud("a")

	assert.Equal(t, model.StatusPending, StatusForLocalEdit(linked))
	assert.Equal(t, model.StatusLocal, StatusForLocalEdit(model.Document{ID: "b", Sync: model.SyncRecord{Status: model.StatusLocal}}))

	for _, s := range []model.SyncStatus{model.StatusPending, model.StatusSyncing, model.StatusError, model.StatusConflict} {
		doc := linked
		doc.Sync.Status = s
		assert.Equal(t, s, StatusForLocalEdit(doc))
	}
}

func TestStatusForNewDocument(t *testing.T) {
	t.Parallel()

	authed := model.SyncContext{Authenticated: true, BackendReady: true, UserID: "u"}
	assert.Equal(t, model.StatusPending, StatusForNewDocument(authed, true))
	assert.Equal(t, model.StatusLocal, StatusForNewDocument(authed, false))
	assert.Equal(t, model.StatusLocal, StatusForNewDocument(model.Guest, true))
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	bus := NewBus(nil)
	var order []string
	bus.Subscribe(func(context.Context, Event) { order = append(order, "first") })
	bus.Subscribe(func(context.Context, Event) { panic("boom") })
	bus.Subscribe(func(context.Context, Event) { order = append(order, "third") })

	bus.Publish(context.Background(), Event{Kind: EventAuthLogin})

	assert.Equal(t, []string{"first", "third"}, order)
}
