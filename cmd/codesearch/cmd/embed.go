package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codesearch/internal/output"
)

func newEmbedCmd() *cobra.Command {
	var (
		format string
		path   string
	)

	cmd := &cobra.Command{
		Use:   "embed [text...]",
		Short: "Embed texts with the configured model",
		Long: `Embed each argument as a document. With no arguments every non-empty
line of stdin is one text. Failed entries are reported individually.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			texts := args
			if len(texts) == 0 {
				var err error
				if texts, err = readLines(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			if len(texts) == 0 {
				return fmt.Errorf("no input texts")
			}
			return runEmbed(cmd.Context(), cmd, path, format, texts)
		},
	}

	cmd.Flags().StringVar(&format, "format", "auto", "Output format: auto, text, json")
	cmd.Flags().StringVar(&path, "path", ".", "Project directory")

	return cmd
}

type embedJSON struct {
	Text   string    `json:"text"`
	Vector []float32 `json:"vector,omitempty"`
	Error  string    `json:"error,omitempty"`
}

func runEmbed(ctx context.Context, cmd *cobra.Command, path, format string, texts []string) error {
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

	results, err := core.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}

	if out.JSON() {
		entries := make([]embedJSON, len(results))
		for i, r := range results {
			entries[i] = embedJSON{Text: texts[i], Vector: r.Vector}
			if r.Err != nil {
				entries[i].Error = r.Err.Error()
			}
		}
		return out.Encode(entries)
	}

	out.Statusf("🧠", "%s (%d dimensions)", core.Embedder().ModelName(), core.Embedder().Dimensions())
	for i, r := range results {
		if r.Err != nil {
			out.Warningf("%s: %v", preview(texts[i]), r.Err)
			continue
		}
		out.Printf("%s  %s\n", preview(texts[i]), head(r.Vector, 4))
	}
	return nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return lines, nil
}

func preview(s string) string {
	const limit = 40
	if r := []rune(s); len(r) > limit {
		return string(r[:limit-1]) + "…"
	}
	return s
}

func head(v []float32, n int) string {
	if len(v) < n {
		n = len(v)
	}
	parts := make([]string, n)
	for i := range n {
		parts[i] = fmt.Sprintf("%.4f", v[i])
	}
	suffix := ""
	if len(v) > n {
		suffix = ", …"
	}
	return "[" + strings.Join(parts, ", ") + suffix + "]"
}
