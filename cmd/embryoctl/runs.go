package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"embryo/pkg/embryo"
)

func newRunsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(func(client *embryo.Client) error {
				entries, err := client.Runs(limit)
				if err != nil {
					return err
				}
				printRuns(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var req embryo.ExportRequest
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy a run's artifacts to another directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(func(client *embryo.Client) error {
				summary, err := client.Export(req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported run=%s dir=%s\n", summary.RunID, summary.Directory)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run to export")
	cmd.Flags().BoolVar(&req.Latest, "latest", false, "export the newest run")
	cmd.Flags().StringVar(&req.OutDir, "out", "", "destination directory (default exports)")
	return cmd
}
