package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"embryo/internal/config"
	"embryo/internal/server"
	"embryo/pkg/embryo"
)

type runFlags struct {
	runID        string
	maxCycles    int
	interval     time.Duration
	seed         int64
	ledgerKind   string
	ledgerPath   string
	addr         string
	cpu          float64
	ram          float64
	artifactsDir string
	noPressure   bool
	stopOnError  bool
}

func newRunCmd(a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run mutation cycles until interrupted or the cycle limit is reached",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := overrideFromFlags(&a.cfg, cmd, f); err != nil {
				return err
			}
			return a.withClient(func(client *embryo.Client) error {
				return runLoop(cmd, a, client, f)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.runID, "run-id", "", "run id (random UUID when empty)")
	flags.IntVar(&f.maxCycles, "max-cycles", 0, "stop after this many cycle attempts (0 = until interrupted)")
	flags.DurationVar(&f.interval, "interval", 0, "minimum spacing between cycle starts")
	flags.Int64Var(&f.seed, "seed", 0, "strategy selection seed")
	flags.StringVar(&f.ledgerKind, "ledger", "", "ledger backend: memory|sqlite|badger")
	flags.StringVar(&f.ledgerPath, "ledger-path", "", "sqlite file or badger directory")
	flags.StringVar(&f.addr, "addr", "", "status API listen address, e.g. :8080")
	flags.Float64Var(&f.cpu, "cpu", 0, "background CPU pressure percent")
	flags.Float64Var(&f.ram, "ram", 0, "background RAM pressure percent")
	flags.StringVar(&f.artifactsDir, "artifacts-dir", "", "directory for run artifacts")
	flags.BoolVar(&f.noPressure, "no-pressure", false, "skip configured pressure generators")
	flags.BoolVar(&f.stopOnError, "stop-on-error", false, "halt on the first failed cycle")
	return cmd
}

// overrideFromFlags applies only the flags the user set explicitly, then
// revalidates.
func overrideFromFlags(cfg *config.Config, cmd *cobra.Command, f *runFlags) error {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if set("max-cycles") {
		cfg.Controller.MaxCycles = f.maxCycles
	}
	if set("interval") {
		cfg.Controller.Interval = f.interval
	}
	if set("seed") {
		cfg.Strategies.Seed = f.seed
	}
	if set("ledger") {
		cfg.Ledger.Kind = f.ledgerKind
	}
	if set("ledger-path") {
		cfg.Ledger.Path = f.ledgerPath
	}
	if set("addr") {
		cfg.Server.Addr = f.addr
	}
	if set("cpu") {
		cfg.Pressure.CPU = f.cpu
	}
	if set("ram") {
		cfg.Pressure.RAM = f.ram
	}
	if set("artifacts-dir") {
		cfg.ArtifactsDir = f.artifactsDir
	}
	if set("stop-on-error") {
		cfg.Controller.StopOnError = f.stopOnError
	}
	return cfg.Validate()
}

func runLoop(cmd *cobra.Command, a *app, client *embryo.Client, f *runFlags) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var summary embryo.RunSummary
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// the loop ending stops the status server too
		defer cancel()
		var err error
		summary, err = client.Run(gctx, embryo.RunRequest{RunID: f.runID, NoPressure: f.noPressure})
		return err
	})
	if addr := a.cfg.Server.Addr; addr != "" {
		g.Go(func() error {
			return server.Serve(gctx, addr, client.Router(), a.logger.Named("http"))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, styleTitle.Render("run "+summary.RunID))
	fmt.Fprintf(out, "cycles=%d failures=%d best=%s last=%s stagnant=%d\n",
		summary.Cycles, summary.Failures, formatFloat(summary.BestScore), formatFloat(summary.LastScore), summary.StagnantCycles)
	fmt.Fprintf(out, "weights %s\n", formatWeights(summary.Weights))
	fmt.Fprintf(out, "params  %s\n", formatWeights(summary.Params))
	fmt.Fprintf(out, "artifacts %s\n", summary.ArtifactsDir)
	a.logger.Debug("run finished", zap.String("run_id", summary.RunID))
	return nil
}
