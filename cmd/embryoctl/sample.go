package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"embryo/pkg/embryo"
)

func newSampleCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Read one health snapshot and its fitness score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(func(client *embryo.Client) error {
				result, err := client.Sample(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(result)
				}
				s := result.Snapshot
				fmt.Fprintf(out, "cpu=%.2f%% memory=%.2f%% disk=%.2f%% network=%.2f%%\n", s.CPU, s.Memory, s.Disk, s.Network)
				fmt.Fprintf(out, "score=%s\n", formatFloat(result.Score))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
