package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/mdreader/mdsync/internal/conflict"
	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/outbox"
	"github.com/mdreader/mdsync/internal/store"
	"github.com/mdreader/mdsync/internal/store/storetest"
	"github.com/mdreader/mdsync/internal/syncstate"
)

var (
	signedIn = model.SyncContext{Authenticated: true, BackendReady: true, UserID: "user-1"}
	t0       = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
)

// eventLog records the events published on a bus.
type eventLog struct {
	mu     gosync.Mutex
	events []syncstate.Event
}

func (l *eventLog) record(_ context.Context, e syncstate.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(kind syncstate.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	st       *store.LocalStore
	local    *store.GuestStore
	cloud    *storetest.Cloud
	queue    *outbox.MemoryQueue
	registry *conflict.Registry
	metrics  *Metrics
	engine   *Engine
	events   *eventLog
}

func newFixture(t *testing.T, opts ...EngineOption) *fixture {
	t.Helper()
	return newFixtureOn(t, nil, opts...)
}

// newFixtureOn builds a fixture whose engine sees the guest store through wrap.
func newFixtureOn(t *testing.T, wrap func(*store.GuestStore) store.LocalAdapter, opts ...EngineOption) *fixture {
	t.Helper()

	ctx := context.Background()
	st, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	registry, err := conflict.NewRegistry(ctx, conflict.WithStore(st))
	require.NoError(t, err)

	f := &fixture{
		st:       st,
		local:    store.NewGuestStore(st),
		cloud:    storetest.NewCloud(),
		queue:    outbox.NewMemoryQueue(),
		registry: registry,
		metrics:  NewMetrics(prometheus.NewRegistry()),
		events:   &eventLog{},
	}

	defaults := []EngineOption{
		WithEngineMetrics(f.metrics),
		WithCoordinatorOptions(WithPushInterval(0), WithBackoff(time.Millisecond), WithMaxAttempts(2)),
	}
	var local store.LocalAdapter = f.local
	if wrap != nil {
		local = wrap(f.local)
	}
	f.engine = NewEngine(local, f.cloud, f.queue, f.registry, append(defaults, opts...)...)
	f.engine.Machine().Bus().Subscribe(f.events.record)
	return f
}

// online initializes the fake cloud.
func (f *fixture) online(t *testing.T) {
	t.Helper()
	require.NoError(t, f.cloud.Init(context.Background()))
}

// linkedWorkspace stores a workspace present both locally and in the cloud.
func (f *fixture) linkedWorkspace(t *testing.T, id string) model.Workspace {
	t.Helper()

	ws, err := f.local.CreateWorkspace(context.Background(), model.Workspace{ID: id, CloudID: id, Name: "Team " + id})
	require.NoError(t, err)
	ws.SyncStatus = model.StatusSynced
	require.NoError(t, f.local.PutWorkspace(context.Background(), ws))
	f.cloud.SeedWorkspace(model.Workspace{ID: id, Name: ws.Name, CreatedAt: t0})
	return ws
}

func (f *fixture) document(t *testing.T, id string) model.Document {
	t.Helper()
	doc, err := f.local.GetDocument(context.Background(), id)
	require.NoError(t, err)
	return doc
}

// interleavedStore runs an edit once, right before the next atomic write of a document, as
// if the user saved while a sync step was between its read and its write.
type interleavedStore struct {
	*store.GuestStore

	mu   gosync.Mutex
	id   string
	edit func(ctx context.Context)
}

// arm schedules edit before the next MutateDocument of id.
func (s *interleavedStore) arm(id string, edit func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id, s.edit = id, edit
}

func (s *interleavedStore) MutateDocument(
	ctx context.Context, id string, fn func(doc *model.Document) error,
) (model.Document, error) {
	s.mu.Lock()
	edit := s.edit
	if id != s.id {
		edit = nil
	}
	if edit != nil {
		s.edit = nil
	}
	s.mu.Unlock()

	if edit != nil {
		edit(ctx)
	}
	return s.GuestStore.MutateDocument(ctx, id, fn)
}

// newInterleavedFixture returns a fixture whose engine writes through an interleavedStore.
func newInterleavedFixture(t *testing.T) (*fixture, *interleavedStore) {
	t.Helper()
	var wrapped *interleavedStore
	f := newFixtureOn(t, func(g *store.GuestStore) store.LocalAdapter {
		wrapped = &interleavedStore{GuestStore: g}
		return wrapped
	})
	return f, wrapped
}
