package cmd

import (
	"context"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codesearch/internal/output"
	"github.com/Aman-CERP/codesearch/internal/telemetry"
)

func newStatsCmd() *cobra.Command {
	var (
		days   int
		format string
		path   string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show local search statistics",
		Long: `Summarize the searches run against this project: volume, latency,
which sources matched, frequent terms and queries that found nothing.
Statistics are stored in the project's index directory only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd.Context(), cmd, path, format, days)
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Number of days to summarize")
	cmd.Flags().StringVar(&format, "format", "auto", "Output format: auto, text, json")
	cmd.Flags().StringVar(&path, "path", ".", "Project directory")

	return cmd
}

func runStats(ctx context.Context, cmd *cobra.Command, path, format string, days int) error {
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

	rep, err := core.Stats(ctx, days)
	if err != nil {
		return err
	}
	if out.JSON() {
		return out.Encode(rep)
	}

	if rep.Queries() == 0 {
		out.Statusf("📊", "No searches in the last %d days", days)
		return nil
	}
	out.Statusf("📊", "%s searches in the last %d days (%.1f%% found nothing, %s failed)",
		humanize.Comma(rep.Queries()), days, rep.ZeroResultRate()*100,
		humanize.Comma(rep.Outcomes[telemetry.OutcomeFailed]))
	out.Newline()

	out.Printf("Latency:\n")
	for _, b := range telemetry.Buckets {
		out.Printf("  %-9s %s %d\n", b, bar(rep.Latency[b], rep.Queries()), rep.Latency[b])
	}
	out.Printf("Sources:\n")
	for _, s := range []string{"exact", "statistical", "semantic"} {
		out.Printf("  %-12s %d\n", s, rep.Sources[s])
	}
	if len(rep.TopTerms) > 0 {
		out.Printf("Top terms:\n")
		for i, tc := range rep.TopTerms {
			if i == 10 {
				break
			}
			out.Printf("  %-20s %d\n", tc.Term, tc.Count)
		}
	}
	if len(rep.ZeroResults) > 0 {
		out.Printf("Recent queries with no results:\n")
		for i, q := range rep.ZeroResults {
			if i == 5 {
				break
			}
			out.Printf("  %q\n", q)
		}
	}
	return nil
}

// bar renders n out of total as a 20-cell bar.
func bar(n, total int64) string {
	const width = 20
	filled := 0
	if total > 0 {
		filled = int(n * width / total)
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
