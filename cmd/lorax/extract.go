package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"github.com/qrv0/lorax/internal/envconfig"
	"github.com/qrv0/lorax/internal/extract"
	"github.com/qrv0/lorax/internal/lora"
	"github.com/qrv0/lorax/internal/safetensors"
)

func NewExtractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract an adapter from the difference of two checkpoints",
		Args:  cobra.NoArgs,
		RunE:  extractHandler,
	}
	cmd.Flags().String("base", "", "Base checkpoint file or shard directory")
	cmd.Flags().String("tuned", "", "Fine-tuned checkpoint file or shard directory")
	cmd.Flags().String("out", "", "Output adapter file")
	cmd.Flags().Int("rank", 16, "Adapter rank")
	cmd.Flags().Float64("tolerance", 0, "Largest difference treated as unchanged")
	cmd.Flags().String("naming", "storage", "Key naming of the adapter: storage or runtime")
	cmd.Flags().String("dtype", envconfig.Dtype, "Data type of written factors")
	for _, name := range []string{"base", "tuned", "out"} {
		cobra.CheckErr(cmd.MarkFlagRequired(name))
	}
	return cmd
}

func loadMatrices(path string) (map[string]*mat.Dense, error) {
	files, err := safetensors.Load(path)
	if err != nil {
		return nil, err
	}
	tensors, _, err := safetensors.Matrices(files)
	return tensors, err
}

func extractHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	basePath, _ := flags.GetString("base")
	tunedPath, _ := flags.GetString("tuned")
	out, _ := flags.GetString("out")
	rank, _ := flags.GetInt("rank")
	tol, _ := flags.GetFloat64("tolerance")
	naming, _ := flags.GetString("naming")
	dtype, _ := flags.GetString("dtype")

	cfg := extract.Config{Rank: rank, Tolerance: tol}
	switch naming {
	case "storage":
		cfg.Prefix = lora.StoragePrefix
	case "runtime":
		cfg.Prefix = lora.RuntimePrefix
	default:
		return fmt.Errorf("unknown naming %q, want storage or runtime", naming)
	}

	base, err := loadMatrices(basePath)
	if err != nil {
		return err
	}
	tuned, err := loadMatrices(tunedPath)
	if err != nil {
		return err
	}

	pairs, results, err := extract.ExtractAll(base, tuned, cfg)
	if err != nil {
		return err
	}
	metadata := map[string]string{
		"lora_rank":  strconv.Itoa(rank),
		"lora_alpha": strconv.Itoa(rank),
	}
	if err := safetensors.WriteMatrices(out, pairs, dtype, metadata); err != nil {
		return err
	}

	var data [][]string
	for _, r := range results {
		data = append(data, []string{r.Module, strconv.Itoa(r.Rank), strconv.FormatFloat(r.Residual, 'e', 3, 64)})
	}
	table := newTable(cmd, "MODULE", "RANK", "RESIDUAL")
	table.AppendBulk(data)
	table.Render()
	fmt.Fprintf(cmd.OutOrStdout(), "\nwrote %d pairs to %s\n", len(results), out)
	return nil
}
