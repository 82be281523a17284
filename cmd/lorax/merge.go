package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/qrv0/lorax/internal/envconfig"
	"github.com/qrv0/lorax/internal/lora"
)

func NewMergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge an adapter into base weights and save the result",
		Args:  cobra.NoArgs,
		RunE:  mergeHandler,
	}
	cmd.Flags().String("base", "", "Base checkpoint file or shard directory")
	cmd.Flags().String("adapter", "", "Adapter safetensors file")
	cmd.Flags().String("out", "", "Output safetensors file (.zst or .lz4 to compress)")
	cmd.Flags().Float64("scale", envconfig.Scale, "Adapter scale")
	cmd.Flags().Float64("alpha", envconfig.Alpha, "LoRA alpha, 0 uses the adapter rank")
	cmd.Flags().String("dtype", envconfig.Dtype, "Data type of written weights")
	cmd.Flags().Bool("skip-weightless", envconfig.SkipWeightless, "Skip pairs whose module has no weight")
	cmd.Flags().Int("checksum-chunk", 1<<20, "Chunk size of the stored checksum index, 0 to disable")
	for _, name := range []string{"base", "adapter", "out"} {
		cobra.CheckErr(cmd.MarkFlagRequired(name))
	}
	return cmd
}

// mergeOptions reads the flags shared by merge and sweep.
func mergeOptions(cmd *cobra.Command) ([]lora.Option, error) {
	alpha, err := cmd.Flags().GetFloat64("alpha")
	if err != nil {
		return nil, err
	}
	if alpha < 0 {
		return nil, fmt.Errorf("alpha must not be negative, got %v", alpha)
	}
	skip, err := cmd.Flags().GetBool("skip-weightless")
	if err != nil {
		return nil, err
	}

	opts := []lora.Option{lora.WithAlpha(alpha)}
	if skip {
		opts = append(opts, lora.WithSkipWeightless())
	}
	return opts, nil
}

func mergeHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	base, _ := flags.GetString("base")
	adapter, _ := flags.GetString("adapter")
	out, _ := flags.GetString("out")
	dtype, _ := flags.GetString("dtype")
	chunk, _ := flags.GetInt("checksum-chunk")
	scale, err := flags.GetFloat64("scale")
	if err != nil {
		return err
	}
	opts, err := mergeOptions(cmd)
	if err != nil {
		return err
	}

	m, files, err := loadModel(base)
	if err != nil {
		return err
	}
	h, err := m.LoadAdapter(adapter, scale, opts...)
	if err != nil {
		return err
	}

	metadata := map[string]string{
		"lora_adapter": adapter,
		"lora_rank":    strconv.Itoa(h.Adapter.Rank),
		"lora_scale":   strconv.FormatFloat(h.Scale, 'g', -1, 64),
	}
	if err := saveModel(out, m, files, dtype, chunk, metadata); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "merged %d modules (rank %d, scale %g) into %s\n", len(h.Modules()), h.Adapter.Rank, h.Scale, out)
	if n := len(h.Skipped()); n > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "skipped %d modules without weights\n", n)
	}
	if n := len(h.Adapter.Unpaired); n > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "ignored %d incomplete pairs\n", n)
	}
	return nil
}
