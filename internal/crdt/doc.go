// Package crdt hydrates collaborative documents from their stored state exactly once.
//
// The concrete CRDT runtime lives outside this module and is reached through the Doc
// interface. MemoryDoc is a small in-process implementation used by the CLI and tests.
package crdt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/converter"
)

// Doc is the surface of a CRDT document the gate needs.
type Doc interface {
	// FragmentLen is the number of top level elements in the shared content fragment.
	FragmentLen() int
	// ApplyUpdate merges an encoded update into the document.
	ApplyUpdate(update []byte) error
	// EncodeStateAsUpdate encodes the full document state as one update.
	EncodeStateAsUpdate() ([]byte, error)
	// StateVector encodes what the document has seen, for incremental exchange.
	StateVector() ([]byte, error)
	// ApplyBlocks writes structured content into an empty fragment.
	ApplyBlocks(blocks []converter.Block) error
	// LiveSession reports whether a collaboration provider is attached.
	LiveSession() bool
}

// Projection is implemented by documents that expose their content as blocks.
type Projection interface {
	Blocks() []converter.Block
}

// Snapshot encodes the full state of doc for storage. When doc is a Projection, content
// is the markdown rendering of its blocks and projected is set.
func Snapshot(doc Doc) (snapshotB64, content string, projected bool, err error) {
	update, err := doc.EncodeStateAsUpdate()
	if err != nil {
		return "", "", false, fmt.Errorf("encode state: %w", err)
	}
	snapshotB64 = base64.StdEncoding.EncodeToString(update)
	if p, ok := doc.(Projection); ok {
		return snapshotB64, converter.Render(p.Blocks()), true, nil
	}
	return snapshotB64, "", false, nil
}

const updateFormat = 1

// memoryUpdate is the wire form of MemoryDoc updates.
type memoryUpdate struct {
	Format int               `json:"format"`
	Blocks []converter.Block `json:"blocks"`
}

// MemoryDoc is an in-memory Doc whose content fragment is a list of blocks. Applying an
// update appends its blocks, so applying the same update twice duplicates content, as
// inserting the same text twice would in a real runtime.
type MemoryDoc struct {
	mu      sync.Mutex
	blocks  []converter.Block
	applied int
	live    bool
}

// NewMemoryDoc creates an empty document.
func NewMemoryDoc() *MemoryDoc {
	return &MemoryDoc{}
}

// FragmentLen implements Doc.
func (d *MemoryDoc) FragmentLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.blocks)
}

// ApplyUpdate implements Doc.
func (d *MemoryDoc) ApplyUpdate(update []byte) error {
	var u memoryUpdate
	if err := json.Unmarshal(update, &u); err != nil {
		return fmt.Errorf("%w: decode update: %w", apperrors.ErrInvalidInput, err)
	}
	if u.Format != updateFormat {
		return fmt.Errorf("%w: update format %d", apperrors.ErrInvalidInput, u.Format)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocks = append(d.blocks, u.Blocks...)
	d.applied++
	return nil
}

// EncodeStateAsUpdate implements Doc.
func (d *MemoryDoc) EncodeStateAsUpdate() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return EncodeBlocks(d.blocks)
}

// StateVector implements Doc.
func (d *MemoryDoc) StateVector() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv, err := json.Marshal(map[string]int{"blocks": len(d.blocks), "updates": d.applied})
	if err != nil {
		return nil, fmt.Errorf("encode state vector: %w", err)
	}
	return sv, nil
}

// ApplyBlocks implements Doc.
func (d *MemoryDoc) ApplyBlocks(blocks []converter.Block) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocks = append(d.blocks, blocks...)
	return nil
}

// LiveSession implements Doc.
func (d *MemoryDoc) LiveSession() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// SetLiveSession marks a collaboration provider as attached or detached.
func (d *MemoryDoc) SetLiveSession(live bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live = live
}

// Blocks returns a copy of the document content.
func (d *MemoryDoc) Blocks() []converter.Block {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.blocks)
}

// Text returns the markdown projection of the document content.
func (d *MemoryDoc) Text() string {
	return converter.Render(d.Blocks())
}

// EncodeBlocks encodes blocks as a MemoryDoc update.
func EncodeBlocks(blocks []converter.Block) ([]byte, error) {
	if blocks == nil {
		blocks = []converter.Block{}
	}
	data, err := json.Marshal(memoryUpdate{Format: updateFormat, Blocks: blocks})
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}
