package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codesearch/internal/index"
	"github.com/Aman-CERP/codesearch/internal/output"
)

func newIndexCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Index a codebase",
		Long: `Scan the project, chunk every source file and bring the statistical
index, the exact-match index and the vector store up to date.

Unchanged files keep their chunks and embeddings.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runIndex(cmd.Context(), cmd, path, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "auto", "Output format: auto, text, json")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, path, format string) error {
	f, err := output.Resolve(format, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	out := output.New(cmd.OutOrStdout(), f)

	core, err := openCore(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = core.Close() }()

	out.Statusf("🔍", "Indexing %s", core.Root())
	res, err := core.Index(ctx)
	if err != nil {
		return err
	}

	if out.JSON() {
		return out.Encode(indexSummary(core.Root(), res))
	}
	out.Successf("Indexed %d files into %d chunks (%s)", res.Files, res.Chunks, res.Duration.Round(time.Millisecond))
	if res.Removed > 0 {
		out.Statusf("🗑", "Removed %d files", res.Removed)
	}
	out.Statusf("🧠", "Embedded %d chunks", res.Embedded)
	if res.Failed > 0 {
		out.Warningf("%d chunks failed to embed", res.Failed)
	}
	return nil
}

type indexJSON struct {
	Root       string `json:"root"`
	Files      int    `json:"files"`
	Removed    int    `json:"removed"`
	Chunks     int    `json:"chunks"`
	Embedded   int    `json:"embedded"`
	Failed     int    `json:"failed"`
	DurationMS int64  `json:"duration_ms"`
}

func indexSummary(root string, res *index.Result) indexJSON {
	return indexJSON{
		Root:       root,
		Files:      res.Files,
		Removed:    res.Removed,
		Chunks:     res.Chunks,
		Embedded:   res.Embedded,
		Failed:     res.Failed,
		DurationMS: res.Duration.Milliseconds(),
	}
}
