package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qrv0/lorax/internal/envconfig"
	"github.com/qrv0/lorax/internal/lora"
	"github.com/qrv0/lorax/internal/safetensors"
)

func NewRenameCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rename",
		Short: "Translate adapter keys between storage and runtime naming",
		Long: `Storage naming prefixes weights with "diffusion_model.", runtime naming with
"transformer.". Keys without either prefix are kept as they are.

With --trained the input is treated as trained PEFT parameters: only lora_
tensors are kept, "base_model.model." is removed and keys are written in
storage naming.`,
		Args: cobra.NoArgs,
		RunE: renameHandler,
	}
	cmd.Flags().String("in", "", "Input safetensors file")
	cmd.Flags().String("out", "", "Output safetensors file")
	cmd.Flags().String("to", "storage", "Target naming: storage or runtime")
	cmd.Flags().Bool("trained", false, "Export trained PEFT parameters")
	cmd.Flags().String("dtype", envconfig.Dtype, "Data type of written weights with --trained")
	for _, name := range []string{"in", "out"} {
		cobra.CheckErr(cmd.MarkFlagRequired(name))
	}
	return cmd
}

func renameHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	in, _ := flags.GetString("in")
	out, _ := flags.GetString("out")
	to, _ := flags.GetString("to")
	trained, _ := flags.GetBool("trained")
	dtype, _ := flags.GetString("dtype")

	f, err := safetensors.Open(in)
	if err != nil {
		return err
	}

	if trained {
		params, _, err := safetensors.Matrices([]*safetensors.File{f})
		if err != nil {
			return err
		}
		exported, err := lora.ExportTrained(params)
		if err != nil {
			return err
		}
		if err := safetensors.WriteMatrices(out, exported, dtype, f.Metadata); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d of %d tensors to %s\n", len(exported), f.Len(), out)
		return nil
	}

	tensors := make(map[string]*safetensors.Tensor, f.Len())
	for _, t := range f.Tensors() {
		tensors[t.Name] = t
	}

	var renamed map[string]*safetensors.Tensor
	switch to {
	case "storage":
		renamed, err = lora.ToStorageNaming(tensors)
	case "runtime":
		renamed, err = lora.ToRuntimeNaming(tensors)
	default:
		return fmt.Errorf("unknown naming %q, want storage or runtime", to)
	}
	if err != nil {
		return err
	}

	list := make([]*safetensors.Tensor, 0, len(renamed))
	changed := 0
	for name, t := range renamed {
		if name != t.Name {
			changed++
		}
		nt := *t
		nt.Name = name
		list = append(list, &nt)
	}
	if err := safetensors.Write(out, list, f.Metadata); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "renamed %d of %d tensors to %s naming in %s\n", changed, len(list), to, out)
	return nil
}
