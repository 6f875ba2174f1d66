package cmd

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/cloud"
	"github.com/mdreader/mdsync/internal/config"
	"github.com/mdreader/mdsync/internal/conflict"
	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/outbox"
	"github.com/mdreader/mdsync/internal/store"
	"github.com/mdreader/mdsync/internal/sync"
)

// retryBackoff is the first delay between two attempts of a cloud request.
const retryBackoff = 500 * time.Millisecond

// runtime holds everything a command needs, wired from the configuration.
type runtime struct {
	cfg     *config.Config
	local   *store.LocalStore
	guest   *store.GuestStore
	queue   outbox.Queue
	cloud   *cloud.Store
	engine  *sync.Engine
	metrics *prometheus.Registry

	mu     gosync.Mutex
	userID string
}

// setupRuntime loads the configuration and opens the stores. The caller must close it.
func setupRuntime(ctx context.Context, cmd *cli.Command) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dir := cmd.String("dir"); dir != "" {
		cfg.Dir = dir
	}
	return newRuntime(ctx, cfg)
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	logger := slog.Default()

	local, err := store.NewLocalStore(cfg.Dir,
		store.WithLogger(logger),
		store.WithAuthor(cfg.GitAuthor, cfg.GitEmail))
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	registry, err := conflict.NewRegistry(ctx, conflict.WithStore(local), conflict.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("load conflicts: %w", err)
	}

	queue, err := outbox.Open(ctx, cfg.OutboxDSN, local, logger)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	client := cloud.NewClient(cfg.APIURL, cfg.APIToken,
		cloud.WithLogger(logger),
		cloud.WithRetry(cfg.PushAttempts, retryBackoff))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt := &runtime{
		cfg:     cfg,
		local:   local,
		guest:   store.NewGuestStore(local, store.WithGuestLogger(logger)),
		queue:   queue,
		cloud:   cloud.NewStore(client, cloud.WithStoreLogger(logger)),
		metrics: reg,
		userID:  cfg.UserID,
	}

	rt.engine = sync.NewEngine(rt.guest, rt.cloud, queue, registry,
		sync.WithEngineLogger(logger),
		sync.WithStrict(cfg.Strict),
		sync.WithFlushTimeout(cfg.FlushTimeout),
		sync.WithEngineMetrics(sync.NewMetrics(reg)),
		sync.WithCoordinatorOptions(
			sync.WithMaxAttempts(cfg.PushAttempts),
			sync.WithConcurrency(cfg.PushConcurrency),
			sync.WithPushInterval(cfg.PushInterval),
		))

	slog.Debug("runtime ready",
		"dir", cfg.Dir,
		"cloud", cfg.APIURL,
		"outbox", cfg.OutboxDSN,
		"strict", cfg.Strict)

	return rt, nil
}

// signedIn reports whether a user token is configured.
func (rt *runtime) signedIn() bool {
	return rt.cfg.CloudEnabled() && rt.cfg.APIToken != ""
}

// session returns the sync context of the configured user.
func (rt *runtime) session() model.SyncContext {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return model.SyncContext{
		Authenticated: rt.signedIn(),
		BackendReady:  rt.cloud.Ready(),
		UserID:        rt.userID,
	}
}

// connect initializes the cloud adapter. An unreachable backend is not an error: the
// commands keep working on the local copies.
func (rt *runtime) connect(ctx context.Context) {
	if !rt.signedIn() || rt.cloud.Ready() {
		return
	}
	if err := rt.cloud.Init(ctx); err != nil {
		slog.WarnContext(ctx, "cloud unreachable, working offline", "url", rt.cfg.APIURL, "error", err)
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if user := rt.cloud.User(); user != nil && rt.userID == "" {
		rt.userID = user.ID
	}
}

// requireCloud connects and fails when the backend cannot be used.
func (rt *runtime) requireCloud(ctx context.Context) error {
	if !rt.cfg.CloudEnabled() {
		return apperrors.ErrCloudNotConfigured
	}
	rt.connect(ctx)
	if !rt.session().CanSync() {
		return fmt.Errorf("cloud %s: %w", rt.cfg.APIURL, apperrors.ErrAdapterUnavailable)
	}
	return nil
}

// Close releases the outbox.
func (rt *runtime) Close() error {
	return rt.queue.Close()
}
