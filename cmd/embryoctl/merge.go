package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"embryo/internal/merge"
	"embryo/pkg/embryo"
)

func newMergeCmd(a *app) *cobra.Command {
	var opts merge.Options
	cmd := &cobra.Command{
		Use:   "merge --target <db> <source.db>...",
		Short: "Union telemetry databases that share a schema into one",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Sources = args
			return a.withClient(func(client *embryo.Client) error {
				report, err := client.Merge(cmd.Context(), opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "merged %d sources into %s (%s)\n", report.Sources, report.Target, humanize.IBytes(uint64(report.Bytes)))
				for _, table := range report.Tables {
					fmt.Fprintf(out, "  %-24s %s rows\n", table.Name, humanize.Comma(table.Rows))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Target, "target", "o", "merged.db", "output database (replaced if present)")
	cmd.Flags().BoolVar(&opts.Vacuum, "vacuum", false, "VACUUM the output")
	return cmd
}
