package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codesearch/internal/chunk"
	"github.com/Aman-CERP/codesearch/internal/output"
	"github.com/Aman-CERP/codesearch/internal/search"
)

type searchFlags struct {
	limit   int
	tests   bool
	format  string
	path    string
	context bool
}

func newSearchCmd() *cobra.Command {
	f := &searchFlags{}

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed codebase",
		Long: `Rank indexed chunks for a query by fusing exact matches, BM25 scores
and embedding similarity. Each result carries the chunks on either side of it.

Examples:
  codesearch search "authentication middleware"
  codesearch search -n 5 --tests parseConfig
  codesearch search --format json "retry with backoff"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), cmd, strings.Join(args, " "), f)
		},
	}

	cmd.Flags().IntVarP(&f.limit, "limit", "n", 0, "Maximum number of results (default from config)")
	cmd.Flags().BoolVar(&f.tests, "tests", false, "Include test files")
	cmd.Flags().StringVar(&f.format, "format", "auto", "Output format: auto, text, json")
	cmd.Flags().StringVar(&f.path, "path", ".", "Project directory")
	cmd.Flags().BoolVar(&f.context, "context", false, "Print the neighboring chunks of each result")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, f *searchFlags) error {
	format, err := output.Resolve(f.format, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	out := output.New(cmd.OutOrStdout(), format)

	core, err := openCore(ctx, f.path)
	if err != nil {
		return err
	}
	defer func() { _ = core.Close() }()

	results, err := core.Search(ctx, query, search.Options{MaxResults: f.limit, IncludeTestFiles: f.tests})
	if err != nil {
		return err
	}

	if out.JSON() {
		if results == nil {
			results = []search.SearchResult{}
		}
		return out.Encode(results)
	}
	if len(results) == 0 {
		out.Status("🔍", fmt.Sprintf("No results for %q", query))
		return nil
	}
	for i, r := range results {
		printResult(out, i+1, r, f.context)
	}
	return nil
}

func printResult(out *output.Writer, rank int, r search.SearchResult, withContext bool) {
	t := r.Context.Target
	out.Printf("%d. %s:%d-%d  score=%.3f  [%s]\n", rank, t.FilePath, t.StartLine, t.EndLine, r.Score, kinds(r.MatchKinds))
	if withContext {
		printNeighbor(out, r.Context.Above)
	}
	out.Code(t.Text, t.StartLine)
	if withContext {
		printNeighbor(out, r.Context.Below)
	}
	out.Newline()
}

func printNeighbor(out *output.Writer, c *chunk.Chunk) {
	if c == nil {
		return
	}
	out.Printf("  ┊ %s:%d-%d\n", c.FilePath, c.StartLine, c.EndLine)
	out.Code(c.Text, c.StartLine)
}

func kinds(ks []search.MatchKind) string {
	names := make([]string, len(ks))
	for i, k := range ks {
		names[i] = string(k)
	}
	return strings.Join(names, ",")
}
