package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/qrv0/lorax/internal/envconfig"
	"github.com/qrv0/lorax/internal/logutil"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cobra.CheckErr(NewCLI().ExecuteContext(ctx))
}

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "lorax",
		Short:         "Merge, unmerge and inspect LoRA adapters",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
		},
	}

	rootCmd.AddCommand(
		NewInspectCmd(),
		NewMergeCmd(),
		NewSweepCmd(),
		NewRenameCmd(),
		NewExtractCmd(),
		NewChecksumCmd(),
		NewEnvCmd(),
	)

	return rootCmd
}

func NewEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var data [][]string
			for _, k := range envNames {
				v := envconfig.AsMap()[k]
				data = append(data, []string{v.Name, fmt.Sprint(v.Value), v.Description})
			}

			table := newTable(cmd, "NAME", "VALUE", "DESCRIPTION")
			table.AppendBulk(data)
			table.Render()
			return nil
		},
	}
}

var envNames = []string{"LORAX_DEBUG", "LORAX_SCALE", "LORAX_ALPHA", "LORAX_DTYPE", "LORAX_SKIP_WEIGHTLESS"}

func newTable(cmd *cobra.Command, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}
