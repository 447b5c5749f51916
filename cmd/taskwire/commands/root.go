// Package commands implements the taskwire CLI using cobra.
package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/taskwire/pkg/taskwire/config"
	"github.com/jholhewres/taskwire/pkg/taskwire/database"
	"github.com/jholhewres/taskwire/pkg/taskwire/store"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskwire",
		Short: "WhatsApp task notifications and completion replies",
		Long: `taskwire keeps a WhatsApp session alive, sends task notifications to
members and closes tasks when members reply "completed".

Examples:
  taskwire serve
  taskwire status
  taskwire user add --name "Aisha" --phone "+91 98765 43210"
  taskwire task add --title "Prepare syllabus" --to 2 --by 1`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newSessionCmd(),
		newUserCmd(),
		newTaskCmd(),
		newTokenCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig loads --config, or the first config file found, or the
// defaults. It returns the path that was loaded ("" for defaults).
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		if path != "" {
			return nil, "", fmt.Errorf("loading config from %s: %w", path, err)
		}
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// newLogger builds the root logger from the logging section and --verbose.
func newLogger(cmd *cobra.Command, cfg *config.Config, out io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	var level slog.Level
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Logging.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler).With("instance", cfg.Name)
}

// openStore opens the task database and brings its schema up to date.
// The caller closes the returned backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, *database.Backend, error) {
	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}
	st := store.New(db, logger)
	if err := st.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrating task database: %w", err)
	}
	return st, db, nil
}

// cliLogger is the quiet logger used by the one-shot commands.
func cliLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	if verbose {
		return newLogger(cmd, cfg, os.Stderr)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
