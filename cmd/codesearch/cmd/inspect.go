package cmd

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codesearch/internal/embed"
	"github.com/Aman-CERP/codesearch/internal/output"
)

func newInspectModelCmd() *cobra.Command {
	var (
		format  string
		tensors bool
	)

	cmd := &cobra.Command{
		Use:   "inspect-model <file.gguf>",
		Short: "Describe a GGUF model file",
		Long: `Read the header, metadata and tensor descriptors of a GGUF file without
loading any tensor data.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspectModel(cmd, args[0], format, tensors)
		},
	}

	cmd.Flags().StringVar(&format, "format", "auto", "Output format: auto, text, json")
	cmd.Flags().BoolVar(&tensors, "tensors", false, "List every tensor")

	return cmd
}

type tensorJSON struct {
	Name   string   `json:"name"`
	Kind   string   `json:"kind"`
	Shape  []uint64 `json:"shape"`
	Offset int64    `json:"offset"`
	Bytes  int64    `json:"bytes"`
}

type modelJSON struct {
	Path         string       `json:"path"`
	Version      uint32       `json:"version"`
	Size         int64        `json:"size"`
	Alignment    int64        `json:"alignment"`
	Name         string       `json:"name,omitempty"`
	Architecture string       `json:"architecture,omitempty"`
	Vocab        int          `json:"vocab"`
	Tensors      []tensorJSON `json:"tensors"`
}

func runInspectModel(cmd *cobra.Command, path, format string, listTensors bool) error {
	f, err := output.Resolve(format, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	out := output.New(cmd.OutOrStdout(), f)

	file, err := embed.ReadFile(path)
	if err != nil {
		return err
	}
	name, _ := file.String(embed.KeyName)
	arch, _ := file.String(embed.KeyArchitecture)

	if out.JSON() {
		m := modelJSON{
			Path:         file.Path,
			Version:      file.Version,
			Size:         file.Size,
			Alignment:    file.Alignment,
			Name:         name,
			Architecture: arch,
			Vocab:        file.VocabSize(),
			Tensors:      make([]tensorJSON, len(file.Tensors)),
		}
		for i, t := range file.Tensors {
			m.Tensors[i] = tensorJSON{Name: t.Name, Kind: t.Kind.String(), Shape: t.Shape, Offset: t.Offset, Bytes: t.ByteLength}
		}
		return out.Encode(m)
	}

	out.Printf("File:         %s (%s)\n", file.Path, humanize.IBytes(uint64(file.Size)))
	out.Printf("GGUF version: %d\n", file.Version)
	out.Printf("Alignment:    %d\n", file.Alignment)
	if name != "" {
		out.Printf("Name:         %s\n", name)
	}
	if arch != "" {
		out.Printf("Architecture: %s\n", arch)
	}
	out.Printf("Vocabulary:   %s tokens\n", humanize.Comma(int64(file.VocabSize())))
	out.Printf("Metadata:     %d keys\n", len(file.Metadata))

	var total int64
	for _, t := range file.Tensors {
		total += t.ByteLength
	}
	out.Printf("Tensors:      %d (%s)\n", len(file.Tensors), humanize.IBytes(uint64(total)))
	if !listTensors {
		return nil
	}
	out.Newline()
	for _, t := range file.Tensors {
		out.Printf("  %-40s %-5s %-16s %10s\n", t.Name, t.Kind, shape(t.Shape), humanize.IBytes(uint64(t.ByteLength)))
	}
	return nil
}

func shape(dims []uint64) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = fmt.Sprint(d)
	}
	return strings.Join(parts, "×")
}
