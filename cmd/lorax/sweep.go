package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/qrv0/lorax/internal/envconfig"
	"github.com/qrv0/lorax/internal/lora"
	"github.com/qrv0/lorax/internal/sweep"
)

func NewSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Merge and unload adapters in turn, checking the base is restored",
		Long: `Each adapter is merged at every scale and unloaded again. The weights are
fingerprinted before each merge and after each unload.`,
		Args: cobra.NoArgs,
		RunE: sweepHandler,
	}
	cmd.Flags().String("base", "", "Base checkpoint file or shard directory")
	cmd.Flags().StringSlice("adapter", nil, "Adapter safetensors files")
	cmd.Flags().Float64Slice("scale", []float64{envconfig.Scale}, "Scales to merge each adapter at")
	cmd.Flags().Float64("alpha", envconfig.Alpha, "LoRA alpha, 0 uses the adapter rank")
	cmd.Flags().Bool("skip-weightless", envconfig.SkipWeightless, "Skip pairs whose module has no weight")
	cmd.Flags().String("on-error", sweep.Skip.String(), "What to do when a job fails: skip or abort")
	for _, name := range []string{"base", "adapter"} {
		cobra.CheckErr(cmd.MarkFlagRequired(name))
	}
	return cmd
}

func sweepHandler(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	base, _ := flags.GetString("base")
	adapters, _ := flags.GetStringSlice("adapter")
	scales, err := flags.GetFloat64Slice("scale")
	if err != nil {
		return err
	}
	if len(scales) == 0 {
		return fmt.Errorf("at least one scale is required")
	}
	onError, _ := flags.GetString("on-error")
	policy, err := sweep.ParsePolicy(onError)
	if err != nil {
		return err
	}
	opts, err := mergeOptions(cmd)
	if err != nil {
		return err
	}

	m, _, err := loadModel(base)
	if err != nil {
		return err
	}

	// Each adapter file is read once and reused for every scale.
	var jobs []sweep.Job
	for _, path := range adapters {
		a, err := lora.ReadAdapter(path)
		if err != nil {
			if policy == sweep.Abort {
				return err
			}
			jobs = append(jobs, sweep.Job{Path: path, Scale: scales[0], Options: opts})
			continue
		}
		for _, s := range scales {
			jobs = append(jobs, sweep.Job{Adapter: a, Scale: s, Options: opts})
		}
	}

	results, runErr := sweep.Run(cmd.Context(), m, jobs, nil, policy)

	var data [][]string
	failed := 0
	for _, res := range results {
		status := "ok"
		if res.Err != nil {
			status = res.Err.Error()
			failed++
		}
		data = append(data, []string{
			res.Job.String(),
			strconv.Itoa(res.Modules),
			strconv.FormatFloat(res.MaxDelta, 'g', 6, 64),
			strconv.FormatBool(res.Restored),
			status,
		})
	}
	table := newTable(cmd, "JOB", "MODULES", "MAX DELTA", "RESTORED", "STATUS")
	table.AppendBulk(data)
	table.Render()

	if runErr != nil {
		return runErr
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(results))
	}
	return nil
}
