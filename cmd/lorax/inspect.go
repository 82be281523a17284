package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"github.com/qrv0/lorax/internal/lora"
	"github.com/qrv0/lorax/internal/safetensors"
)

func NewInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect ADAPTER",
		Short: "Show the rank and module pairs of an adapter",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectHandler,
	}
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	path := args[0]

	f, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	a, err := lora.ReadAdapter(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "adapter   %s\n", path)
	fmt.Fprintf(out, "tensors   %d\n", f.Len())
	fmt.Fprintf(out, "rank      %d\n", a.Rank)
	fmt.Fprintf(out, "pairs     %d\n", len(a.Pairs))

	keys := maps.Keys(f.Metadata)
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "metadata  %s=%s\n", k, f.Metadata[k])
	}
	fmt.Fprintln(out)

	var data [][]string
	for _, p := range a.Pairs {
		dr, dc := p.Down.Dims()
		ur, uc := p.Up.Dims()
		data = append(data, []string{p.Module, fmt.Sprintf("%dx%d", dr, dc), fmt.Sprintf("%dx%d", ur, uc), fmt.Sprintf("%dx%d", ur, dc)})
	}
	table := newTable(cmd, "MODULE", "DOWN", "UP", "WEIGHT")
	table.AppendBulk(data)
	table.Render()

	if len(a.Unpaired) > 0 {
		fmt.Fprintf(out, "\n%d incomplete pairs ignored:\n", len(a.Unpaired))
		for _, module := range a.Unpaired {
			fmt.Fprintf(out, "  %s\n", module)
		}
	}
	return nil
}
