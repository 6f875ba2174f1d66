package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/store"
)

// Open builds a queue from a DSN:
//
//	""                       file queue inside fallback
//	memory://                in-memory queue
//	file:///path/to/dir      file queue in its own directory
//	redis://host:port/db     redis queue
func Open(ctx context.Context, dsn string, fallback store.Store, logger *slog.Logger) (Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if fallback == nil {
			return nil, fmt.Errorf("%w: no store for the default outbox", apperrors.ErrInvalidInput)
		}
		return NewFileQueue(fallback, WithLogger(logger)), nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse outbox dsn: %w", err)
	}

	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryQueue(), nil
	case "file":
		dir := dsnPath(parsed)
		if dir == "" {
			return nil, fmt.Errorf("%w: outbox dsn %q has no path", apperrors.ErrInvalidInput, dsn)
		}
		st, err := store.NewLocalStore(dir, store.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open outbox store: %w", err)
		}
		return NewFileQueue(st, WithLogger(logger)), nil
	case "redis", "rediss":
		return NewRedisQueue(ctx, dsn)
	default:
		return nil, fmt.Errorf("%w: outbox backend %q", apperrors.ErrUnsupportedScheme, scheme)
	}
}

func dsnPath(parsed *url.URL) string {
	p := strings.TrimSpace(parsed.Path)
	if parsed.Host != "" {
		p = filepath.Join(parsed.Host, p)
	}
	if p == "" {
		p = strings.TrimSpace(parsed.Opaque)
	}
	return p
}
