package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch calls fn with the id of every document file written under root until ctx ends.
// Changes made by another process, an editor or a git checkout, are picked up this way.
func Watch(ctx context.Context, root string, logger *slog.Logger, fn func(ctx context.Context, docID string)) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	docsRoot := filepath.Join(root, documentsDir)
	if err := os.MkdirAll(docsRoot, dirPerm); err != nil {
		return fmt.Errorf("create documents dir: %w", err)
	}
	if err := watcher.Add(docsRoot); err != nil {
		return fmt.Errorf("watch %s: %w", docsRoot, err)
	}
	entries, err := os.ReadDir(docsRoot)
	if err != nil {
		return fmt.Errorf("read dir %s: %w", docsRoot, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := watcher.Add(filepath.Join(docsRoot, e.Name())); err != nil {
				return fmt.Errorf("watch workspace dir: %w", err)
			}
		}
	}

	logger.InfoContext(ctx, "watching documents", "dir", docsRoot)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			handleWatchEvent(ctx, watcher, docsRoot, ev, logger, fn)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WarnContext(ctx, "watcher error", "error", werr)
		}
	}
}

func handleWatchEvent(
	ctx context.Context, watcher *fsnotify.Watcher, docsRoot string, ev fsnotify.Event,
	logger *slog.Logger, fn func(ctx context.Context, docID string),
) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return
	}

	// A new workspace directory must be watched too.
	if ev.Has(fsnotify.Create) && filepath.Dir(ev.Name) == docsRoot {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := watcher.Add(ev.Name); err != nil {
				logger.WarnContext(ctx, "cannot watch workspace dir", "dir", ev.Name, "error", err)
			}
			return
		}
	}

	base := filepath.Base(ev.Name)
	if strings.Contains(base, ".tmp-") {
		return
	}
	rel, err := filepath.Rel(filepath.Dir(docsRoot), ev.Name)
	if err != nil {
		return
	}
	docID, ok := DocumentIDFromPath(filepath.ToSlash(rel))
	if !ok {
		return
	}
	if _, err := os.Stat(ev.Name); err != nil {
		// Renamed away or deleted right after the write.
		return
	}

	logger.DebugContext(ctx, "document file changed", "document_id", docID, "op", ev.Op.String())
	fn(ctx, docID)
}
