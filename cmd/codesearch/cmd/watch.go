package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codesearch/internal/output"
)

func newWatchCmd() *cobra.Command {
	var noInitial bool

	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Keep the index current as files change",
		Long: `Index the project, then watch it and reindex changed files in debounced
batches until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runWatch(cmd.Context(), cmd, path, noInitial)
		},
	}

	cmd.Flags().BoolVar(&noInitial, "no-initial", false, "Skip the initial full index")

	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, path string, noInitial bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := output.New(cmd.OutOrStdout(), output.FormatText)

	core, err := openCore(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = core.Close() }()

	if !noInitial {
		res, err := core.Index(ctx)
		if err != nil {
			return err
		}
		out.Successf("Indexed %d files into %d chunks", res.Files, res.Chunks)
	}

	out.Statusf("👀", "Watching %s (Ctrl+C to stop)", core.Root())
	if err := core.Watch(ctx); err != nil {
		return err
	}
	out.Status("👋", "Stopped")
	return nil
}
