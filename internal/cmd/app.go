// Package cmd provides the CLI commands for mdsync.
package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/mdreader/mdsync/internal/config"
	"github.com/mdreader/mdsync/internal/version"
)

// verboseFlag is the shared verbose flag for all commands.
var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "Enable verbose logging",
}

// LogFormat represents the log output format.
type LogFormat string

const (
	// LogFormatText is the human-readable text format (default).
	LogFormatText LogFormat = "text"
	// LogFormatJSON is the JSON-formatted structured logs.
	LogFormatJSON LogFormat = "json"
)

// setupLogging configures the global logger based on the verbose flag and MDS_LOG_FORMAT.
// An invalid format falls back to text; config.Load reports it afterwards.
func setupLogging(cmd *cli.Command) {
	level := slog.LevelInfo
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch LogFormat(os.Getenv(config.EnvPrefix + "LOG_FORMAT")) {
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))

	if level == slog.LevelDebug {
		slog.Debug("Verbose logging enabled")
	}
}

// before is the Before hook shared by all leaf commands.
func before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	setupLogging(cmd)
	return ctx, nil
}

// NewApp creates the CLI application.
func NewApp() *cli.Command {
	return &cli.Command{
		Name:    "mdsync",
		Usage:   "Offline-first sync of markdown, mind map and slide documents with the cloud workspace",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "Local store directory (overrides MDS_DIR)",
			},
			verboseFlag,
		},
		Commands: []*cli.Command{
			workspacesCommand(),
			docsCommand(),
			hydrateCommand(),
			conflictsCommand(),
			syncCommand(),
			pullCommand(),
			statusCommand(),
			historyCommand(),
			backupCommand(),
			watchCommand(),
		},
	}
}
