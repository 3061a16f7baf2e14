// Package cmd provides the CLI commands for codesearch.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codesearch/internal/config"
	"github.com/Aman-CERP/codesearch/internal/logging"
	"github.com/Aman-CERP/codesearch/internal/profiling"
	"github.com/Aman-CERP/codesearch/pkg/codesearch"
	"github.com/Aman-CERP/codesearch/pkg/version"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	debug   bool
	profile profiling.Options

	loggingCleanup func()
	session        *profiling.Session
}

// NewRootCmd creates the root command for the codesearch CLI.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "codesearch",
		Short: "Local hybrid code search",
		Long: `codesearch indexes a codebase and answers free-text and exact queries
by fusing exact matches, BM25 term scores and embedding similarity.

Run 'codesearch index' in a project, then 'codesearch search <query>'.`,
		Version:           version.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: g.start,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return g.stop()
		},
	}
	cmd.SetVersionTemplate("codesearch version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging to stderr and the log file")
	cmd.PersistentFlags().StringVar(&g.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&g.profile.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&g.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newEmbedCmd())
	cmd.AddCommand(newInspectModelCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// start configures logging and profiling before any command runs.
func (g *globalFlags) start(*cobra.Command, []string) error {
	logCfg := logging.DefaultConfig()
	if g.debug {
		logCfg = logging.DebugConfig()
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	g.loggingCleanup = cleanup
	slog.SetDefault(logger)
	if g.debug {
		slog.Debug("debug_logging_enabled",
			slog.String("log_file", logCfg.FilePath),
			slog.String("version", version.Version))
	}

	if g.session, err = profiling.Start(g.profile); err != nil {
		return err
	}
	return nil
}

// stop flushes profiles and logs.
func (g *globalFlags) stop() error {
	err := g.session.Stop()
	g.session = nil
	if g.loggingCleanup != nil {
		g.loggingCleanup()
		g.loggingCleanup = nil
	}
	return err
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// projectRoot resolves the project containing path: the nearest ancestor
// with .git or a project config, else path itself.
func projectRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	return config.FindProjectRoot(abs)
}

// openCore loads the configuration of the project containing path and
// opens its Core.
func openCore(ctx context.Context, path string) (*codesearch.Core, error) {
	root, err := projectRoot(path)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	slog.Debug("config_loaded", slog.String("root", root))
	return codesearch.New(ctx, root, cfg, codesearch.WithLogger(slog.Default()))
}
