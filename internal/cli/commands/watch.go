package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/conduit-lang/cascade/internal/cli/ui"
	"github.com/conduit-lang/cascade/internal/orm/reload"
)

// NewWatchCommand creates the watch command
func NewWatchCommand(configPath *string) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reload the metadata graph when registry files change",
		Long: `Keep the metadata graph loaded and rebuild it whenever the catalog or the
entity list changes on disk. A rebuild that fails keeps the previous graph.

Examples:
  # Watch the configured schema and registry
  cascade watch

  # Also print a summary of the current graph every minute
  cascade watch --interval 1m
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			env, err := loadEnvironment(ctx, *configPath)
			if err != nil {
				return err
			}
			defer env.close()

			watcher, err := reload.NewWatcher(env.coord, []string{env.cfg.Schema, env.cfg.Registry}, env.logger)
			if err != nil {
				return err
			}
			if err := watcher.Start(); err != nil {
				return fmt.Errorf("failed to start watcher: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out)
			color.New(color.FgCyan, color.Bold).Fprintln(out, "Cascade metadata watcher")
			info := ui.NewKeyValueTable(out, color.NoColor)
			info.AddRow("Schema", env.cfg.Schema)
			if env.cfg.Registry != "" {
				info.AddRow("Registry", env.cfg.Registry)
			}
			info.AddRow("Entities", fmt.Sprint(len(env.coord.Graph().Entities())))
			info.Render()
			fmt.Fprintln(out)
			color.New(color.FgYellow).Fprintln(out, "Press Ctrl+C to stop")

			watchLoop(ctx, env.coord, interval, env.logger)

			fmt.Fprintln(out, "\nShutting down...")
			if err := watcher.Stop(); err != nil {
				return fmt.Errorf("error stopping watcher: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "Log a graph summary at this interval (0 disables)")

	return cmd
}

// watchLoop blocks until ctx is done
func watchLoop(ctx context.Context, coord *reload.Coordinator, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g := coord.Graph()
			logger.Info("metadata graph",
				zap.Int("entities", len(g.Entities())),
				zap.Int("types", len(g.Types())),
				zap.Uint64("reloads", coord.Reloads()))
		}
	}
}
