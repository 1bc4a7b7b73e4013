package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
	"github.com/QingMing-Bot/fleet-orchestrator/internal/repository"
)

// ErrAuditChainBroken verify 发现哈希链断裂
var ErrAuditChainBroken = errors.New("audit chain broken")

func newAuditCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the tamper-evident audit log",
	}
	cmd.AddCommand(newAuditListCmd(a), newAuditVerifyCmd(a), newAuditPruneCmd(a))
	return cmd
}

func newAuditListCmd(a *App) *cobra.Command {
	var (
		f     repository.AuditFilter
		level string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show recent audit events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := a.open()
			if err != nil {
				return err
			}
			f.Level = domain.AuditLevel(level)
			evs, err := b.RecentAudit(f)
			if err != nil {
				return err
			}
			printer{w: cmd.OutOrStdout()}.audit(evs)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.JobID, "job", "", "only events of this job id")
	cmd.Flags().StringVar(&f.Target, "target", "", "target alias substring")
	cmd.Flags().StringVar(&level, "level", "", "INFO|OK|WARN|ERROR|SEC")
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "max events")
	return cmd
}

func newAuditVerifyCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute the audit hash chain and report the first broken row",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := a.open()
			if err != nil {
				return err
			}
			rep, err := b.VerifyAudit()
			if err != nil {
				return err
			}
			if !rep.OK() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s at row %d: %s (%d rows checked)\n", red("BROKEN"), rep.BrokenAt, rep.Reason, rep.Checked)
				return ErrAuditChainBroken
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d rows checked\n", green("OK"), rep.Checked)
			return nil
		},
	}
}

func newAuditPruneCmd(a *App) *cobra.Command {
	var days, maxRows int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete audit events beyond the retention window or row cap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := a.open()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("days") {
				days = a.Config.AuditRetentionDays
			}
			if !cmd.Flags().Changed("max-rows") {
				maxRows = a.Config.AuditMaxRows
			}
			n, err := b.PruneAudit(days, maxRows)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d audit events\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default FLEET_AUDIT_RETENTION_DAYS)")
	cmd.Flags().IntVar(&maxRows, "max-rows", 0, "row cap (default FLEET_AUDIT_MAX_ROWS)")
	return cmd
}
