package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/backend"
	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
)

// jobFlags run/check/restart 共用的参数
type jobFlags struct {
	targets       []string
	group         string
	concurrency   int
	timeoutMs     int64
	audit         string
	ackFullAudit  bool
	abortInFlight bool
	yes           bool
	verbose       bool
	output        bool
}

func (f *jobFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringSliceVarP(&f.targets, "targets", "t", nil, "target aliases, comma separated")
	fs.StringVarP(&f.group, "group", "g", "", "select all targets of a group")
	fs.IntVarP(&f.concurrency, "concurrency", "c", 0, "max targets running at once (default FLEET_DEFAULT_CONCURRENCY)")
	fs.Int64Var(&f.timeoutMs, "timeout", 0, "per-target timeout in ms (default FLEET_DEFAULT_TIMEOUT_MS)")
	fs.StringVar(&f.audit, "audit", "safe", "audit policy: none|safe|full")
	fs.BoolVar(&f.ackFullAudit, "ack-full-audit", false, "acknowledge that --audit full stores the command text verbatim")
	fs.BoolVar(&f.abortInFlight, "abort-in-flight", false, "on cancel, also stop waiting for already dispatched targets")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "print start and progress events")
	fs.BoolVar(&f.output, "output", true, "print stdout/stderr previews after the job")
}

func (f *jobFlags) spec(action domain.ActionKind, payload string) backend.JobSpec {
	return backend.JobSpec{
		Action:            action,
		Payload:           payload,
		Targets:           f.targets,
		Group:             f.group,
		Concurrency:       f.concurrency,
		TimeoutMs:         f.timeoutMs,
		AuditPolicy:       f.audit,
		ConfirmDisruptive: f.yes,
		AckFullAudit:      f.ackFullAudit,
		AbortInFlight:     f.abortInFlight,
	}
}

func newRunCmd(a *App) *cobra.Command {
	var f jobFlags
	cmd := &cobra.Command{
		Use:   "run <command>",
		Short: "Run a shell command on every selected target",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runJob(cmd, f, f.spec(domain.ActionRunCommand, strings.Join(args, " ")))
		},
	}
	f.bind(cmd)
	return cmd
}

func newCheckCmd(a *App) *cobra.Command {
	var f jobFlags
	cmd := &cobra.Command{
		Use:   "check <service>",
		Short: "Query the status of a service on every selected target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runJob(cmd, f, f.spec(domain.ActionCheckService, args[0]))
		},
	}
	f.bind(cmd)
	return cmd
}

func newRestartCmd(a *App) *cobra.Command {
	var f jobFlags
	cmd := &cobra.Command{
		Use:   "restart <service>",
		Short: "Restart a service on every selected target (requires --yes)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runJob(cmd, f, f.spec(domain.ActionRestartService, args[0]))
		},
	}
	f.bind(cmd)
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "confirm the disruptive restart")
	return cmd
}

// runJob 提交作业，流式打印事件；第一次 Ctrl-C 取消作业，已下发的目标继续跑完
func (a *App) runJob(cmd *cobra.Command, f jobFlags, spec backend.JobSpec) error {
	b, err := a.open()
	if err != nil {
		return err
	}
	h, err := b.PrepareJob(spec)
	if err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			for _, p := range ve.Problems {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %s\n", red("invalid"), p.Field, p.Reason)
			}
		}
		return err
	}
	events, unsubscribe := h.Subscribe()
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-ctx.Done():
			if h.Cancel() {
				fmt.Fprintln(cmd.ErrOrStderr(), yellow("canceling: queued targets will not start"))
			}
		case <-h.Done():
		}
	}()

	p := printer{w: cmd.OutOrStdout(), verbose: f.verbose}
	fmt.Fprintf(p.w, "job %s: %s on %d targets\n", bold(h.ID), spec.Action, h.Summary().Total)
	h.Start()
	for ev := range events {
		p.event(ev)
	}

	sum, err := h.Wait(context.Background())
	if err != nil {
		return err
	}
	p.results(h.Results(), f.output)
	p.summary(sum)
	if sum.Fail > 0 || sum.Canceled > 0 {
		return ErrJobUnsuccessful
	}
	return nil
}
