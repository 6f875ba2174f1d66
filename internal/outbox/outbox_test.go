package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]func(t *testing.T) Queue {
	t.Helper()

	return map[string]func(t *testing.T) Queue{
		"memory": func(t *testing.T) Queue {
			t.Helper()
			return NewMemoryQueue()
		},
		"file": func(t *testing.T) Queue {
			t.Helper()
			st, err := store.NewLocalStore(t.TempDir())
			require.NoError(t, err)
			return NewFileQueue(st)
		},
		"redis": func(t *testing.T) Queue {
			t.Helper()
			s := miniredis.RunT(t)
			q, err := NewRedisQueue(context.Background(), "redis://"+s.Addr())
			require.NoError(t, err)
			t.Cleanup(func() { _ = q.Close() })
			return q
		},
	}
}

func TestQueue_Backends(t *testing.T) {
	t.Parallel()

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			t.Run("coalesces per document", func(t *testing.T) {
				t.Parallel()
				testCoalescesPerDocument(t, open(t))
			})
			t.Run("lists oldest first", func(t *testing.T) {
				t.Parallel()
				testListsOldestFirst(t, open(t))
			})
			t.Run("records failures", func(t *testing.T) {
				t.Parallel()
				testRecordsFailures(t, open(t))
			})
			t.Run("rejects invalid entries", func(t *testing.T) {
				t.Parallel()
				testRejectsInvalid(t, open(t))
			})
		})
	}
}

func testCoalescesPerDocument(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Entry{DocumentID: "d1", Operation: OpCreate, EnqueuedAt: t0}))
	require.NoError(t, q.Enqueue(ctx, Entry{DocumentID: "d1", Operation: OpUpdate, EnqueuedAt: t0.Add(time.Minute)}))

	e, err := q.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, OpCreate, e.Operation, "an update does not downgrade a pending create")
	assert.True(t, e.EnqueuedAt.Equal(t0), "first enqueue time is kept")

	require.NoError(t, q.Enqueue(ctx, Entry{DocumentID: "d1", CloudID: "c1", Operation: OpDelete, EnqueuedAt: t0.Add(2 * time.Minute)}))
	e, err = q.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, OpDelete, e.Operation)
	assert.Equal(t, "c1", e.CloudID)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, q.Remove(ctx, "d1"))
	_, err = q.Get(ctx, "d1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	require.NoError(t, q.Remove(ctx, "d1"))
}

func testListsOldestFirst(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Entry{DocumentID: "late", Operation: OpUpdate, EnqueuedAt: t0.Add(time.Hour)}))
	require.NoError(t, q.Enqueue(ctx, Entry{DocumentID: "early", Operation: OpUpdate, EnqueuedAt: t0}))
	require.NoError(t, q.Enqueue(ctx, Entry{DocumentID: "middle", Operation: OpCreate, EnqueuedAt: t0.Add(time.Minute)}))

	entries, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "early", entries[0].DocumentID)
	assert.Equal(t, "middle", entries[1].DocumentID)
	assert.Equal(t, "late", entries[2].DocumentID)
}

func testRecordsFailures(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Entry{DocumentID: "d", WorkspaceID: "w", Operation: OpUpdate}))
	require.NoError(t, q.RecordFailure(ctx, "d", errors.New("backend down")))
	require.NoError(t, q.RecordFailure(ctx, "d", errors.New("still down")))

	e, err := q.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, "still down", e.LastError)
	assert.Equal(t, "w", e.WorkspaceID)
	assert.False(t, e.EnqueuedAt.IsZero())

	// Re-enqueueing keeps the attempt history.
	require.NoError(t, q.Enqueue(ctx, Entry{DocumentID: "d", Operation: OpUpdate}))
	e, err = q.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Attempts)

	assert.ErrorIs(t, q.RecordFailure(ctx, "missing", errors.New("x")), apperrors.ErrNotFound)
}

func testRejectsInvalid(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	assert.ErrorIs(t, q.Enqueue(ctx, Entry{Operation: OpUpdate}), apperrors.ErrDocumentIDRequired)
	assert.ErrorIs(t, q.Enqueue(ctx, Entry{DocumentID: "d", Operation: "move"}), apperrors.ErrInvalidInput)

	entries, err := q.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCoalesce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		existing Operation
		next     Operation
		want     Operation
	}{
		{"create then update stays create", OpCreate, OpUpdate, OpCreate},
		{"create then delete", OpCreate, OpDelete, OpDelete},
		{"update then delete", OpUpdate, OpDelete, OpDelete},
		{"delete then create", OpDelete, OpCreate, OpCreate},
		{"delete then update", OpDelete, OpUpdate, OpUpdate},
		{"update then create stays update", OpUpdate, OpCreate, OpUpdate},
		{"update then update", OpUpdate, OpUpdate, OpUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			existing := Entry{DocumentID: "d", Operation: tt.existing, EnqueuedAt: t0, Attempts: 1}
			got := Coalesce(&existing, Entry{DocumentID: "d", Operation: tt.next, EnqueuedAt: t0.Add(time.Hour)})
			assert.Equal(t, tt.want, got.Operation)
			assert.True(t, got.EnqueuedAt.Equal(t0))
			assert.Equal(t, 1, got.Attempts)
		})
	}

	first := Entry{DocumentID: "d", Operation: OpCreate}
	assert.Equal(t, first, Coalesce(nil, first))
}

func TestOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	q, err := Open(ctx, "", st, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileQueue{}, q)

	q, err = Open(ctx, "memory://", nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)

	q, err = Open(ctx, "file://"+t.TempDir(), nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileQueue{}, q)
	require.NoError(t, q.Enqueue(ctx, Entry{DocumentID: "d", Operation: OpCreate}))

	s := miniredis.RunT(t)
	q, err = Open(ctx, "redis://"+s.Addr()+"/0", nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisQueue{}, q)
	require.NoError(t, q.Close())

	_, err = Open(ctx, "kafka://broker:9092", nil, nil)
	require.ErrorIs(t, err, apperrors.ErrUnsupportedScheme)

	_, err = Open(ctx, "", nil, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
