package crdt

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/converter"
)

func snapshotOf(t *testing.T, blocks ...converter.Block) string {
	t.Helper()
	update, err := EncodeBlocks(blocks)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(update)
}

func TestHydrate_SnapshotWinsOverLegacy(t *testing.T) {
	t.Parallel()

	gate := NewGate()
	gate.parse = func(string) ([]converter.Block, error) {
		t.Error("legacy content must not be converted when the snapshot applies")
		return nil, nil
	}

	doc := NewMemoryDoc()
	src := Source{
		SnapshotB64:   snapshotOf(t, converter.Block{Type: converter.TypeParagraph, Text: "from snapshot"}),
		LegacyContent: "# from legacy",
	}

	report, err := gate.Hydrate(context.Background(), "doc", doc, src)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSnapshot, report.Outcome)
	assert.NoError(t, report.Err)
	assert.Equal(t, []converter.Block{{Type: converter.TypeParagraph, Text: "from snapshot"}}, doc.Blocks())
}

func TestHydrate_LegacyWhenNoSnapshot(t *testing.T) {
	t.Parallel()

	doc := NewMemoryDoc()
	report, err := NewGate().Hydrate(context.Background(), "doc", doc, Source{LegacyContent: "# Title\n\nbody"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLegacy, report.Outcome)
	assert.Equal(t, 2, doc.FragmentLen())
	assert.Equal(t, "# Title\n\nbody\n", doc.Text())
}

func TestHydrate_WriteOnce(t *testing.T) {
	t.Parallel()

	gate := NewGate()
	doc := NewMemoryDoc()
	src := Source{SnapshotB64: snapshotOf(t, converter.Block{Type: converter.TypeParagraph, Text: "once"})}

	for i := range 3 {
		report, err := gate.Hydrate(context.Background(), "doc", doc, src)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, OutcomeSnapshot, report.Outcome)
		} else {
			assert.Equal(t, OutcomeAlreadyHydrated, report.Outcome)
		}
	}
	assert.Equal(t, 1, doc.FragmentLen(), "content is not duplicated by repeated opens")
}

func TestHydrate_ConcurrentOpensHydrateOnce(t *testing.T) {
	t.Parallel()

	gate := NewGate()
	doc := NewMemoryDoc()
	src := Source{LegacyContent: "one\n\ntwo"}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.Hydrate(context.Background(), "doc", doc, src)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, doc.FragmentLen())
}

func TestHydrate_LiveSessionSkipped(t *testing.T) {
	t.Parallel()

	doc := NewMemoryDoc()
	doc.SetLiveSession(true)

	report, err := NewGate().Hydrate(context.Background(), "doc", doc, Source{LegacyContent: "text"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedLive, report.Outcome)
	assert.Zero(t, doc.FragmentLen())
}

func TestHydrate_ViolationWhenPopulatedWithBothSources(t *testing.T) {
	t.Parallel()

	doc := NewMemoryDoc()
	require.NoError(t, doc.ApplyBlocks([]converter.Block{{Type: converter.TypeParagraph, Text: "existing"}}))

	report, err := NewGate().Hydrate(context.Background(), "doc", doc, Source{
		SnapshotB64:   snapshotOf(t),
		LegacyContent: "legacy",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyHydrated, report.Outcome)
	require.Len(t, report.Violations, 1)
	assert.ErrorIs(t, report.Strict(), apperrors.ErrHydrationViolation)
	assert.Equal(t, 1, doc.FragmentLen())
}

func TestHydrate_BadSnapshotFallsBackToLegacy(t *testing.T) {
	t.Parallel()

	doc := NewMemoryDoc()
	report, err := NewGate().Hydrate(context.Background(), "doc", doc, Source{
		SnapshotB64:   "not base64!!",
		LegacyContent: "fallback",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLegacy, report.Outcome)
	assert.ErrorIs(t, report.Err, apperrors.ErrInvalidInput)
	assert.Equal(t, "fallback\n", doc.Text())
}

func TestHydrate_ConversionFailureLeavesEmpty(t *testing.T) {
	t.Parallel()

	doc := NewMemoryDoc()
	report, err := NewGate().Hydrate(context.Background(), "doc", doc, Source{LegacyContent: "\xff\xfe"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmpty, report.Outcome)
	require.Error(t, report.Err)
	assert.True(t, errors.Is(report.Err, apperrors.ErrInvalidInput))
	assert.Zero(t, doc.FragmentLen())
}

func TestHydrate_NoSources(t *testing.T) {
	t.Parallel()

	report, err := NewGate().Hydrate(context.Background(), "doc", NewMemoryDoc(), Source{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmpty, report.Outcome)
	assert.NoError(t, report.Err)
}

func TestHydrate_ContextCanceledWhileWaiting(t *testing.T) {
	t.Parallel()

	gate := NewGate()
	unlock, err := gate.lock(context.Background(), "doc")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = gate.Hydrate(ctx, "doc", NewMemoryDoc(), Source{LegacyContent: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryDoc_EncodeRoundTrip(t *testing.T) {
	t.Parallel()

	doc := NewMemoryDoc()
	require.NoError(t, doc.ApplyBlocks([]converter.Block{{Type: converter.TypeHeading1, Text: "H"}}))

	update, err := doc.EncodeStateAsUpdate()
	require.NoError(t, err)

	other := NewMemoryDoc()
	require.NoError(t, other.ApplyUpdate(update))
	assert.Equal(t, doc.Blocks(), other.Blocks())

	sv, err := other.StateVector()
	require.NoError(t, err)
	assert.JSONEq(t, `{"blocks":1,"updates":1}`, string(sv))

	assert.ErrorIs(t, other.ApplyUpdate([]byte(`{"format":9}`)), apperrors.ErrInvalidInput)
}

// opaqueDoc hides the blocks of a MemoryDoc, like a runtime without a projection.
type opaqueDoc struct {
	Doc
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	mem := NewMemoryDoc()
	require.NoError(t, mem.ApplyBlocks([]converter.Block{
		{Type: converter.TypeParagraph, Text: "first"},
		{Type: converter.TypeParagraph, Text: "second"},
	}))

	snapshot, content, projected, err := Snapshot(mem)
	require.NoError(t, err)
	assert.True(t, projected)
	assert.Equal(t, mem.Text(), content)

	reopened := NewMemoryDoc()
	require.NoError(t, applySnapshot(reopened, snapshot))
	assert.Equal(t, 2, reopened.FragmentLen())
	assert.Equal(t, content, reopened.Text())

	opaque, content, projected, err := Snapshot(opaqueDoc{Doc: mem})
	require.NoError(t, err)
	assert.False(t, projected)
	assert.Empty(t, content)
	assert.Equal(t, snapshot, opaque)
}
