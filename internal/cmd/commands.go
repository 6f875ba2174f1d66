package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/conflict"
	"github.com/mdreader/mdsync/internal/converter"
	"github.com/mdreader/mdsync/internal/crdt"
	"github.com/mdreader/mdsync/internal/model"
	"github.com/mdreader/mdsync/internal/store"
)

const defaultHistoryLimit = 20

// runtimeAction wraps an action that needs the wired runtime.
func runtimeAction(connect bool, fn func(ctx context.Context, cmd *cli.Command, rt *runtime) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		rt, err := setupRuntime(ctx, cmd)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := rt.Close(); cerr != nil {
				slog.WarnContext(ctx, "failed to close outbox", "error", cerr)
			}
		}()

		if connect {
			rt.connect(ctx)
		}
		return fn(ctx, cmd, rt)
	}
}

// workspacesCommand creates the workspaces subcommand.
func workspacesCommand() *cli.Command {
	return &cli.Command{
		Name:    "workspaces",
		Aliases: []string{"ws"},
		Usage:   "List and manage workspaces",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List local and cloud workspaces",
				Flags:  []cli.Flag{verboseFlag},
				Before: before,
				Action: runtimeAction(true, func(ctx context.Context, _ *cli.Command, rt *runtime) error {
					workspaces, err := rt.engine.Workspaces(ctx, rt.session())
					if err != nil {
						return fmt.Errorf("list workspaces: %w", err)
					}
					current := ""
					if ws, cerr := rt.guest.CurrentWorkspace(ctx); cerr == nil {
						current = ws.ID
					}
					displayWorkspaces(workspaces, current)
					return nil
				}),
			},
			{
				Name:      "create",
				Usage:     "Create a workspace",
				ArgsUsage: "<name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "description", Usage: "Workspace description"},
					&cli.StringFlag{Name: "icon", Usage: "Workspace icon"},
					verboseFlag,
				},
				Before: before,
				Action: runtimeAction(true, func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					if cmd.Args().Len() < 1 {
						return fmt.Errorf("%w: workspace name required", apperrors.ErrInvalidInput)
					}
					ws, err := rt.engine.CreateWorkspace(ctx, rt.session(), model.Workspace{
						Name:        cmd.Args().Get(0),
						Description: cmd.String("description"),
						Icon:        cmd.String("icon"),
					})
					if err != nil {
						return fmt.Errorf("create workspace: %w", err)
					}
					displayWorkspaceCreated(ws)
					return nil
				}),
			},
			{
				Name:      "switch",
				Usage:     "Make a workspace the current one, pushing pending edits first",
				ArgsUsage: "<workspace_id>",
				Flags:     []cli.Flag{verboseFlag},
				Before:    before,
				Action: runtimeAction(true, func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					if cmd.Args().Len() < 1 {
						return apperrors.ErrWorkspaceRequired
					}
					res, err := rt.engine.SwitchWorkspace(ctx, rt.session(), cmd.Args().Get(0))
					if err != nil {
						return fmt.Errorf("switch workspace: %w", err)
					}
					displaySwitchResult(res)
					return nil
				}),
			},
			{
				Name:      "delete",
				Usage:     "Delete a workspace and its documents",
				ArgsUsage: "<workspace_id>",
				Flags:     []cli.Flag{verboseFlag},
				Before:    before,
				Action: runtimeAction(true, func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					if cmd.Args().Len() < 1 {
						return apperrors.ErrWorkspaceRequired
					}
					id := cmd.Args().Get(0)
					if err := rt.engine.DeleteWorkspace(ctx, rt.session(), id); err != nil {
						return fmt.Errorf("delete workspace: %w", err)
					}
					slog.InfoContext(ctx, "workspace deleted", "workspace_id", id)
					return nil
				}),
			},
		},
	}
}

// docsCommand creates the docs subcommand.
//
//nolint:funlen // CLI command with many subcommands
func docsCommand() *cli.Command {
	return &cli.Command{
		Name:    "docs",
		Aliases: []string{"doc"},
		Usage:   "List and edit documents",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List the documents of a workspace",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "workspace",
						Aliases: []string{"w"},
						Usage:   "Workspace ID (default: current workspace)",
					},
					&cli.BoolFlag{Name: "starred", Usage: "Only list starred documents"},
					verboseFlag,
				},
				Before: before,
				Action: runtimeAction(true, func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					docs, err := rt.engine.Documents(ctx, rt.session(), cmd.String("workspace"))
					if err != nil {
						return fmt.Errorf("list documents: %w", err)
					}
					if cmd.Bool("starred") {
						starred := docs[:0]
						for _, d := range docs {
							if d.Starred {
								starred = append(starred, d)
							}
						}
						docs = starred
					}
					displayDocuments(docs)
					return nil
				}),
			},
			{
				Name:  "create",
				Usage: "Create a document",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "Document title"},
					&cli.StringFlag{
						Name:  "type",
						Usage: "Document type: markdown, mindmap or presentation",
						Value: string(model.TypeMarkdown),
					},
					&cli.StringFlag{
						Name:    "workspace",
						Aliases: []string{"w"},
						Usage:   "Workspace ID (default: current workspace)",
					},
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Read the content from a markdown file"},
					&cli.StringSliceFlag{Name: "tag", Usage: "Tag (repeatable)"},
					verboseFlag,
				},
				Before: before,
				Action: runtimeAction(true, func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					content, err := readContent(cmd)
					if err != nil {
						return err
					}
					doc, err := rt.engine.CreateDocument(ctx, rt.session(), model.Document{
						WorkspaceID: cmd.String("workspace"),
						Title:       cmd.String("title"),
						Type:        model.DocumentType(cmd.String("type")),
						Content:     content,
						Tags:        cmd.StringSlice("tag"),
					})
					if err != nil {
						return fmt.Errorf("create document: %w", err)
					}
					displayDocumentCreated(doc)
					return nil
				}),
			},
			{
				Name:      "edit",
				Usage:     "Change the title, content or star of a document",
				ArgsUsage: "<document_id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "New title"},
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Replace the content with a markdown file"},
					&cli.BoolFlag{Name: "star", Usage: "Toggle the star"},
					verboseFlag,
				},
				Before: before,
				Action: runtimeAction(true, func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					if cmd.Args().Len() < 1 {
						return apperrors.ErrDocumentIDRequired
					}
					id := cmd.Args().Get(0)

					var patch model.DocumentPatch
					if cmd.IsSet("title") {
						patch.Title = model.Ptr(cmd.String("title"))
					}
					if cmd.IsSet("file") {
						content, err := readContent(cmd)
						if err != nil {
							return err
						}
						patch.Content = &content
					}
					if patch.Empty() && !cmd.Bool("star") {
						return fmt.Errorf("%w: nothing to change", apperrors.ErrInvalidInput)
					}

					var doc model.Document
					var err error
					if !patch.Empty() {
						if doc, err = rt.engine.UpdateDocument(ctx, rt.session(), id, patch); err != nil {
							return fmt.Errorf("update document: %w", err)
						}
					}
					if cmd.Bool("star") {
						if doc, err = rt.engine.ToggleStar(ctx, rt.session(), id); err != nil {
							return fmt.Errorf("toggle star: %w", err)
						}
					}
					displayDocument(doc, false)
					return nil
				}),
			},
			{
				Name:      "show",
				Usage:     "Show a document",
				ArgsUsage: "<document_id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "content", Aliases: []string{"c"}, Usage: "Print the content too"},
					verboseFlag,
				},
				Before: before,
				Action: runtimeAction(true, func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					if cmd.Args().Len() < 1 {
						return apperrors.ErrDocumentIDRequired
					}
					doc, err := rt.engine.GetDocument(ctx, rt.session(), cmd.Args().Get(0))
					if err != nil {
						return fmt.Errorf("get document: %w", err)
					}
					displayDocument(doc, cmd.Bool("content"))
					return nil
				}),
			},
			{
				Name:      "delete",
				Usage:     "Delete a document",
				ArgsUsage: "<document_id>",
				Flags:     []cli.Flag{verboseFlag},
				Before:    before,
				Action: runtimeAction(true, func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					if cmd.Args().Len() < 1 {
						return apperrors.ErrDocumentIDRequired
					}
					id := cmd.Args().Get(0)
					if err := rt.engine.DeleteDocument(ctx, rt.session(), id); err != nil {
						return fmt.Errorf("delete document: %w", err)
					}
					slog.InfoContext(ctx, "document deleted", "document_id", id)
					return nil
				}),
			},
			{
				Name:      "export",
				Usage:     "Write a document to a markdown file with front matter",
				ArgsUsage: "<document_id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output directory", Value: "."},
					verboseFlag,
				},
				Before: before,
				Action: runtimeAction(true, func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					if cmd.Args().Len() < 1 {
						return apperrors.ErrDocumentIDRequired
					}
					path, err := exportDocument(ctx, rt, cmd.Args().Get(0), cmd.String("out"))
					if err != nil {
						return err
					}
					slog.InfoContext(ctx, "document exported", "path", path)
					return nil
				}),
			},
		},
	}
}

// exportDocument writes the document to dir. Content comes from the CRDT state when the
// document has one.
func exportDocument(ctx context.Context, rt *runtime, id, dir string) (string, error) {
	sc := rt.session()
	doc, err := rt.engine.GetDocument(ctx, sc, id)
	if err != nil {
		return "", fmt.Errorf("get document: %w", err)
	}

	mem := crdt.NewMemoryDoc()
	if _, err := rt.engine.OpenDocument(ctx, sc, doc.ID, mem); err != nil {
		return "", fmt.Errorf("open document: %w", err)
	}
	content := doc.Content
	if mem.FragmentLen() > 0 {
		content = converter.Render(mem.Blocks())
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, converter.ExportFilename(doc))
	if err := os.WriteFile(path, converter.Export(doc, content), 0o600); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}

// hydrateCommand creates the hydrate subcommand.
func hydrateCommand() *cli.Command {
	return &cli.Command{
		Name:      "hydrate",
		Usage:     "Open a document in a collaborative editing buffer and report how it was hydrated",
		ArgsUsage: "<document_id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "live", Usage: "Simulate an attached collaboration session"},
			&cli.BoolFlag{Name: "save", Usage: "Store the hydrated buffer as the document snapshot"},
			verboseFlag,
		},
		Before: before,
		Action: runtimeAction(true, func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
			if cmd.Args().Len() < 1 {
				return apperrors.ErrDocumentIDRequired
			}
			mem := crdt.NewMemoryDoc()
			mem.SetLiveSession(cmd.Bool("live"))

			report, err := rt.engine.OpenDocument(ctx, rt.session(), cmd.Args().Get(0), mem)
			if err != nil {
				return fmt.Errorf("hydrate: %w", err)
			}
			displayHydration(report, mem)

			if cmd.Bool("save") && mem.FragmentLen() > 0 {
				doc, err := rt.engine.SaveSnapshot(ctx, rt.session(), report.DocumentID, mem)
				if err != nil {
					return fmt.Errorf("save snapshot: %w", err)
				}
				slog.InfoContext(ctx, "snapshot saved", "document_id", doc.ID, "status", doc.Sync.Status)
			}
			return nil
		}),
	}
}

// conflictsCommand creates the conflicts subcommand.
func conflictsCommand() *cli.Command {
	return &cli.Command{
		Name:  "conflicts",
		Usage: "List and resolve conflicting edits",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List outstanding conflicts",
				Flags:  []cli.Flag{verboseFlag},
				Before: before,
				Action: runtimeAction(false, func(_ context.Context, _ *cli.Command, rt *runtime) error {
					displayConflicts(rt.engine.Conflicts().List())
					return nil
				}),
			},
			{
				Name:      "resolve",
				Usage:     "Keep the local or the remote side of a conflict",
				ArgsUsage: "<document_id> <local|remote>",
				Flags:     []cli.Flag{verboseFlag},
				Before:    before,
				Action: runtimeAction(true, func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
					if cmd.Args().Len() < 2 { //nolint:mnd // document and choice
						return fmt.Errorf("%w: expected <document_id> <local|remote>", apperrors.ErrInvalidInput)
					}
					choice, err := conflict.ParseChoice(cmd.Args().Get(1))
					if err != nil {
						return err
					}
					doc, err := rt.engine.Resolve(ctx, rt.session(), cmd.Args().Get(0), choice)
					if err != nil {
						return fmt.Errorf("resolve: %w", err)
					}
					displayDocument(doc, false)
					return nil
				}),
			},
		},
	}
}

// syncCommand creates the sync subcommand.
func syncCommand() *cli.Command {
	return &cli.Command{
		Name:   "sync",
		Usage:  "Push pending local work and pull every linked workspace",
		Flags:  []cli.Flag{verboseFlag},
		Before: before,
		Action: runtimeAction(false, func(ctx context.Context, _ *cli.Command, rt *runtime) error {
			if err := rt.requireCloud(ctx); err != nil {
				return err
			}
			res, err := rt.engine.Login(ctx, rt.session())
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			displayBatchReport(res.Batch)
			for _, pr := range res.Pulls {
				displayPullReport(pr)
			}
			return nil
		}),
	}
}

// pullCommand creates the pull subcommand.
func pullCommand() *cli.Command {
	return &cli.Command{
		Name:  "pull",
		Usage: "Bring the cloud copies of a workspace in",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "workspace",
				Aliases: []string{"w"},
				Usage:   "Workspace ID (default: current workspace)",
			},
			verboseFlag,
		},
		Before: before,
		Action: runtimeAction(false, func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
			if err := rt.requireCloud(ctx); err != nil {
				return err
			}
			report, err := rt.engine.Pull(ctx, rt.session(), cmd.String("workspace"))
			if err != nil {
				return fmt.Errorf("pull: %w", err)
			}
			displayPullReport(report)
			return nil
		}),
	}
}

// statusCommand creates the status subcommand.
func statusCommand() *cli.Command {
	return &cli.Command{
		Name:   "status",
		Usage:  "Show document counts per sync status",
		Flags:  []cli.Flag{verboseFlag},
		Before: before,
		Action: runtimeAction(true, func(ctx context.Context, _ *cli.Command, rt *runtime) error {
			report, err := rt.engine.Status(ctx)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			displayStatus(report, rt.session())
			return nil
		}),
	}
}

// historyCommand creates the history subcommand.
func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show the latest local changes",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Number of changes to show",
				Value:   defaultHistoryLimit,
			},
			verboseFlag,
		},
		Before: before,
		Action: runtimeAction(false, func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
			commits, err := rt.local.History(ctx, cmd.Int("limit"))
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			displayHistory(commits)
			return nil
		}),
	}
}

// backupCommand creates the backup subcommand.
func backupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Push the local history to the git remote set in MDS_BACKUP_URL",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "check", Usage: "Only test the connection to the remote"},
			verboseFlag,
		},
		Before: before,
		Action: runtimeAction(false, func(ctx context.Context, cmd *cli.Command, rt *runtime) error {
			backup := store.Backup{
				URL:      rt.cfg.BackupURL,
				Password: rt.cfg.BackupPassword,
				Branch:   rt.cfg.BackupBranch,
			}
			if cmd.Bool("check") {
				if err := backup.TestConnection(ctx); err != nil {
					return fmt.Errorf("backup remote: %w", err)
				}
				slog.InfoContext(ctx, "backup remote reachable", "url", backup.URL)
				return nil
			}
			return rt.local.PushBackup(ctx, backup)
		}),
	}
}

// readContent returns the content of the --file flag, or "" when unset.
func readContent(cmd *cli.Command) (string, error) {
	file := cmd.String("file")
	if file == "" {
		return "", nil
	}
	data, err := os.ReadFile(file) //nolint:gosec // user supplied path
	if err != nil {
		return "", fmt.Errorf("read %s: %w", file, err)
	}
	return string(data), nil
}
