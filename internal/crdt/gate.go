package crdt

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/converter"
)

// Outcome is how a hydration attempt ended.
type Outcome string

// Hydration outcomes.
const (
	OutcomeSkippedLive     Outcome = "skipped-live"
	OutcomeAlreadyHydrated Outcome = "already-hydrated"
	OutcomeSnapshot        Outcome = "snapshot"
	OutcomeLegacy          Outcome = "legacy"
	OutcomeEmpty           Outcome = "empty"
)

// Source is the stored content of a document.
type Source struct {
	// SnapshotB64 is the base64 encoded CRDT state. It wins over LegacyContent.
	SnapshotB64 string
	// LegacyContent is markdown saved before the document had CRDT state.
	LegacyContent string
}

// Report describes one hydration attempt.
type Report struct {
	DocumentID string
	Outcome    Outcome
	// Violations lists invariant breaches noticed while hydrating.
	Violations []string
	// Err is a non fatal failure, such as content that could not be converted.
	Err error
}

// Gate hydrates documents, at most one attempt at a time per document id.
type Gate struct {
	logger *slog.Logger
	parse  func(string) ([]converter.Block, error)

	mu    sync.Mutex
	locks map[string]*docLock
}

type docLock struct {
	ch   chan struct{}
	refs int
}

// GateOption configures the Gate.
type GateOption func(*Gate)

// WithGateLogger sets a custom logger.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) {
		g.logger = l
	}
}

// NewGate creates a hydration gate.
func NewGate(opts ...GateOption) *Gate {
	g := &Gate{
		logger: slog.Default(),
		parse:  converter.Parse,
		locks:  make(map[string]*docLock),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Hydrate fills doc from src unless it must not be touched.
//
// A document with a live collaboration session is left alone: the session owns its
// content. A document that already holds content is never written again. Otherwise the
// snapshot is applied when it decodes; only when it is absent or unusable is the legacy
// markdown converted and written. The returned error is only set when ctx ends while
// waiting for another hydration of the same document.
func (g *Gate) Hydrate(ctx context.Context, docID string, doc Doc, src Source) (Report, error) {
	unlock, err := g.lock(ctx, docID)
	if err != nil {
		return Report{DocumentID: docID}, err
	}
	defer unlock()

	report := Report{DocumentID: docID}
	logger := g.logger.With("document_id", docID)

	if doc.LiveSession() {
		logger.DebugContext(ctx, "live session attached, skipping hydration")
		report.Outcome = OutcomeSkippedLive
		return report, nil
	}

	if n := doc.FragmentLen(); n > 0 {
		if src.SnapshotB64 != "" && src.LegacyContent != "" {
			msg := fmt.Sprintf("document already holds %d elements while both snapshot and legacy content are stored", n)
			report.Violations = append(report.Violations, msg)
			logger.WarnContext(ctx, "hydration invariant violated", "elements", n)
		}
		report.Outcome = OutcomeAlreadyHydrated
		return report, nil
	}

	if src.SnapshotB64 != "" {
		applyErr := applySnapshot(doc, src.SnapshotB64)
		if applyErr == nil {
			logger.DebugContext(ctx, "hydrated from snapshot")
			report.Outcome = OutcomeSnapshot
			return report, nil
		}
		report.Err = applyErr
		if doc.FragmentLen() > 0 {
			// A partial apply left content behind; converting legacy text on top would duplicate it.
			logger.WarnContext(ctx, "snapshot partially applied", "error", applyErr)
			report.Outcome = OutcomeSnapshot
			return report, nil
		}
		logger.WarnContext(ctx, "snapshot unusable, falling back to legacy content", "error", applyErr)
	}

	if src.LegacyContent == "" {
		report.Outcome = OutcomeEmpty
		return report, nil
	}

	blocks, err := g.parse(src.LegacyContent)
	if err != nil {
		logger.WarnContext(ctx, "legacy content conversion failed, leaving document empty", "error", err)
		report.Outcome = OutcomeEmpty
		report.Err = fmt.Errorf("convert legacy content: %w", err)
		return report, nil
	}
	if err := doc.ApplyBlocks(blocks); err != nil {
		logger.WarnContext(ctx, "writing legacy content failed", "error", err)
		report.Outcome = OutcomeEmpty
		report.Err = fmt.Errorf("apply legacy blocks: %w", err)
		return report, nil
	}

	logger.DebugContext(ctx, "hydrated from legacy content", "blocks", len(blocks))
	report.Outcome = OutcomeLegacy
	return report, nil
}

// Strict converts report violations into an error.
func (r Report) Strict() error {
	if len(r.Violations) == 0 {
		return nil
	}
	return fmt.Errorf("%w: document %s: %s", apperrors.ErrHydrationViolation, r.DocumentID, r.Violations[0])
}

func applySnapshot(doc Doc, snapshotB64 string) error {
	update, err := base64.StdEncoding.DecodeString(snapshotB64)
	if err != nil {
		return fmt.Errorf("%w: decode snapshot: %w", apperrors.ErrInvalidInput, err)
	}
	if err := doc.ApplyUpdate(update); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	return nil
}

// lock serializes hydration per document id.
func (g *Gate) lock(ctx context.Context, docID string) (func(), error) {
	g.mu.Lock()
	l, ok := g.locks[docID]
	if !ok {
		l = &docLock{ch: make(chan struct{}, 1)}
		g.locks[docID] = l
	}
	l.refs++
	g.mu.Unlock()

	release := func() {
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.locks, docID)
		}
		g.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}
