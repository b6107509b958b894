package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"embryo/internal/pressure"
)

func newPressureCmd(a *app) *cobra.Command {
	var (
		cpu      float64
		ram      float64
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pressure",
		Short: "Generate background CPU and RAM load until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("cpu") {
				cpu = a.cfg.Pressure.CPU
			}
			if !cmd.Flags().Changed("ram") {
				ram = a.cfg.Pressure.RAM
			}
			if cpu <= 0 && ram <= 0 {
				return fmt.Errorf("nothing to do: set --cpu or --ram")
			}

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			generators, err := pressure.Spawn(cpu, ram, a.logger.Named("pressure"))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pressure cpu=%.0f%% ram=%.0f%% running\n", cpu, ram)
			<-ctx.Done()
			pressure.StopAll(generators)
			fmt.Fprintln(cmd.OutOrStdout(), "pressure stopped")
			return nil
		},
	}
	cmd.Flags().Float64Var(&cpu, "cpu", 0, "target process CPU percent")
	cmd.Flags().Float64Var(&ram, "ram", 0, "target system memory percent")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 = until interrupted)")
	return cmd
}
