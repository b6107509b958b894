package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"embryo/pkg/embryo"
)

func newCrashesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crashes",
		Short: "Inspect and manage the crash log",
	}
	cmd.AddCommand(
		newCrashesListCmd(a),
		newCrashesClearCmd(a),
		newCrashesExportCmd(a),
		newCrashesImportCmd(a),
	)
	return cmd
}

func newCrashesListCmd(a *app) *cobra.Command {
	var req embryo.CrashesRequest
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent crashes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(func(client *embryo.Client) error {
				printCrashes(cmd.OutOrStdout(), client.Crashes(req), client.CrashCount())
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&req.Limit, "limit", "n", 20, "maximum events (-1 for all)")
	cmd.Flags().StringVar(&req.Goal, "goal", "", "only this goal")
	cmd.Flags().StringVar(&req.Phase, "phase", "", "only this phase (requires --goal)")
	return cmd
}

func newCrashesClearCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every recorded crash",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(func(client *embryo.Client) error {
				n := client.CrashCount()
				client.ClearCrashes()
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d crashes\n", n)
				return nil
			})
		},
	}
}

func newCrashesExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write the crash log as a JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(func(client *embryo.Client) error {
				n, err := client.ExportCrashes(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %d crashes to %s\n", n, args[0])
				return nil
			})
		},
	}
}

func newCrashesImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Append crashes from an exported JSON array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(func(client *embryo.Client) error {
				n, err := client.ImportCrashes(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d crashes from %s\n", n, args[0])
				return nil
			})
		},
	}
}
