package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/server"
	"github.com/mdreader/mdsync/internal/store"
	"github.com/mdreader/mdsync/internal/syncstate"
	"github.com/mdreader/mdsync/internal/worker"
)

// watchCommand creates the watch subcommand: file watcher, background sync worker and
// optional control server.
//
//nolint:funlen // wires the long running components
func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Keep the local store in sync in the background",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Control server address, e.g. " + server.DefaultAddr + " (overrides MDS_LISTEN)",
			},
			&cli.StringFlag{
				Name:  "webhook-path",
				Usage: "Change notification endpoint path",
				Value: server.DefaultWebhookPath,
			},
			&cli.DurationFlag{
				Name:  "sync-delay",
				Usage: "Delay before pushing after a change (debounce, overrides MDS_SYNC_DELAY)",
			},
			verboseFlag,
		},
		Before: before,
		Action: runtimeAction(true, func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
			logger := slog.Default()

			if cmd.IsSet("listen") {
				rt.cfg.Listen = cmd.String("listen")
			}
			if cmd.IsSet("sync-delay") {
				rt.cfg.SyncDelay = cmd.Duration("sync-delay")
			}

			unsubscribe := rt.engine.Machine().Bus().Subscribe(func(ctx context.Context, e syncstate.Event) {
				logger.DebugContext(ctx, "sync event",
					"kind", e.Kind,
					"workspace_id", e.WorkspaceID,
					"document_id", e.DocumentID,
					"from", e.From,
					"to", e.To)
			})
			defer unsubscribe()

			if sc := rt.session(); sc.CanSync() {
				if _, err := rt.engine.Login(ctx, sc); err != nil {
					logger.WarnContext(ctx, "initial sync failed", "error", err)
				}
			}

			// Reconnects when the backend was down at startup.
			session := func() model.SyncContext {
				rt.connect(ctx)
				return rt.session()
			}

			syncWorker := worker.NewSyncWorker(rt.engine.Coordinator(), session,
				worker.WithLogger(logger),
				worker.WithSyncDelay(rt.cfg.SyncDelay),
				worker.WithPuller(rt.engine, rt.cfg.PullPeriod))

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				return store.Watch(gctx, rt.local.Root(), logger, func(ctx context.Context, docID string) {
					changed, err := rt.guest.ChangedOnDisk(ctx, docID)
					if err != nil {
						logger.WarnContext(ctx, "cannot read changed document", "document_id", docID, "error", err)
						return
					}
					if !changed {
						return
					}
					if _, err := rt.engine.MarkEdited(ctx, docID); err != nil {
						logger.WarnContext(ctx, "cannot mark document edited", "document_id", docID, "error", err)
						return
					}
					syncWorker.Notify()
				})
			})

			if rt.cfg.Listen != "" {
				if rt.cfg.WebhookSecret == "" {
					logger.WarnContext(ctx, "webhook secret not configured - signature verification disabled (set MDS_WEBHOOK_SECRET)")
				}
				handler := server.NewHandler(syncWorker, rt.engine, rt.session, rt.cfg.WebhookSecret, logger)
				srv := server.NewServer(server.Config{
					Addr:        rt.cfg.Listen,
					WebhookPath: cmd.String("webhook-path"),
					Secret:      rt.cfg.WebhookSecret,
				}, handler, rt.metrics, syncWorker, logger)
				g.Go(func() error {
					if err := srv.Start(gctx); err != nil {
						return fmt.Errorf("control server: %w", err)
					}
					return nil
				})
			} else {
				g.Go(func() error {
					syncWorker.Start(gctx)
					return nil
				})
			}

			// Push whatever was left pending by a previous run.
			syncWorker.Notify()

			return g.Wait()
		}),
	}
}
