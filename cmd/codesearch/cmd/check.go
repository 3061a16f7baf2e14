package cmd

import (
	"context"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codesearch/internal/output"
)

func newCheckCmd() *cobra.Command {
	var (
		repair bool
		format string
	)

	cmd := &cobra.Command{
		Use:   "check [path]",
		Short: "Verify the index stores agree",
		Long: `Verify that every stored chunk is in the statistical index and the vector
store, and that no vector outlives its chunk. With --repair the issues found
are fixed in place.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runCheck(cmd.Context(), cmd, path, format, repair)
		},
	}

	cmd.Flags().BoolVar(&repair, "repair", false, "Fix the inconsistencies found")
	cmd.Flags().StringVar(&format, "format", "auto", "Output format: auto, text, json")

	return cmd
}

type checkJSON struct {
	Checked         int            `json:"checked"`
	Consistent      bool           `json:"consistent"`
	Inconsistencies map[string]int `json:"inconsistencies"`
	Repaired        bool           `json:"repaired"`
}

func runCheck(ctx context.Context, cmd *cobra.Command, path, format string, repair bool) error {
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

	res, err := core.Check(ctx)
	if err != nil {
		return err
	}
	counts := make(map[string]int)
	for _, inc := range res.Inconsistencies {
		counts[inc.Type.String()]++
	}

	repaired := false
	if repair && !res.Consistent() {
		if res, err = core.Repair(ctx, res.Inconsistencies); err != nil {
			return err
		}
		repaired = true
	}

	if out.JSON() {
		return out.Encode(checkJSON{
			Checked:         res.Checked,
			Consistent:      res.Consistent(),
			Inconsistencies: counts,
			Repaired:        repaired,
		})
	}
	if len(counts) == 0 {
		out.Successf("Index consistent (%d chunks checked)", res.Checked)
		return nil
	}
	for _, kind := range slices.Sorted(maps.Keys(counts)) {
		out.Warningf("%s: %d", kind, counts[kind])
	}
	switch {
	case repaired && res.Consistent():
		out.Successf("Repaired; index consistent (%d chunks checked)", res.Checked)
	case repaired:
		out.Warningf("%d issues remain after repair", len(res.Inconsistencies))
	default:
		out.Status("💡", "Run with --repair to fix")
	}
	return nil
}
