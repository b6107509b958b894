package main

import (
	"github.com/spf13/cobra"

	"embryo/internal/ledger"
	"embryo/pkg/embryo"
)

func newLedgerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the mutation ledger",
	}
	cmd.AddCommand(newLedgerTailCmd(a), newLedgerCyclesCmd(a))
	return cmd
}

func newLedgerTailCmd(a *app) *cobra.Command {
	var q ledger.Query
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest parameter changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(func(client *embryo.Client) error {
				records, err := client.Mutations(cmd.Context(), q)
				if err != nil {
					return err
				}
				printMutations(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&q.Limit, "limit", "n", 20, "maximum records")
	flags.StringVar(&q.RunID, "run-id", "", "only this run")
	flags.StringVar(&q.Strategy, "strategy", "", "only this strategy")
	flags.StringVar(&q.Param, "param", "", "only this parameter")
	return cmd
}

func newLedgerCyclesCmd(a *app) *cobra.Command {
	var (
		runID string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "cycles",
		Short: "Show the newest cycle summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(func(client *embryo.Client) error {
				records, err := client.Cycles(cmd.Context(), runID, limit)
				if err != nil {
					return err
				}
				printCycles(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records")
	cmd.Flags().StringVar(&runID, "run-id", "", "only this run")
	return cmd
}
