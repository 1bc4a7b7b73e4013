package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/QingMing-Bot/fleet-orchestrator/pkg/importexport"
)

func newTargetsCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Manage the target inventory",
	}
	cmd.AddCommand(newTargetsListCmd(a), newTargetsImportCmd(a), newTargetsExportCmd(a), newTargetsDeleteCmd(a))
	return cmd
}

func newTargetsListCmd(a *App) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := a.open()
			if err != nil {
				return err
			}
			list, err := b.ListTargets(group)
			if err != nil {
				return err
			}
			printer{w: cmd.OutOrStdout()}.targets(list)
			return nil
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "only targets of this group")
	return cmd
}

func newTargetsImportCmd(a *App) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import targets from a json, csv or yaml file (upsert by alias)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			f := importexport.Format(format)
			if f == "" {
				f = importexport.DetectFormat(args[0])
			}
			b, err := a.open()
			if err != nil {
				return err
			}
			n, err := b.ImportTargets(data, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d targets\n", green("imported"), n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "json|csv|yaml (default: from file extension)")
	return cmd
}

func newTargetsExportCmd(a *App) *cobra.Command {
	var (
		format      string
		out         string
		withSecrets bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export targets (secrets redacted unless --with-secrets)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := importexport.Format(format)
			if f == "" {
				f = importexport.DetectFormat(out)
			}
			if f == "" {
				f = importexport.FormatJSON
			}
			b, err := a.open()
			if err != nil {
				return err
			}
			data, err := b.ExportTargets(f, withSecrets)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o600)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "json|csv|yaml (default: from --out extension, else json)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to file instead of stdout")
	cmd.Flags().BoolVar(&withSecrets, "with-secrets", false, "include plaintext credentials")
	return cmd
}

func newTargetsDeleteCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <alias>",
		Short: "Delete a target by alias",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.open()
			if err != nil {
				return err
			}
			if err := b.DeleteTarget(args[0]); err != nil {
				return fmt.Errorf("delete %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("deleted"), args[0])
			return nil
		},
	}
}
