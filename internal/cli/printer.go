package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
	"github.com/QingMing-Bot/fleet-orchestrator/internal/service"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func statusText(s domain.TargetStatus) string {
	switch s {
	case domain.StatusOK:
		return green("OK")
	case domain.StatusFail:
		return red("FAIL")
	case domain.StatusCanceled:
		return yellow("CANCELED")
	case domain.StatusRunning:
		return cyan("RUNNING")
	}
	return string(s)
}

func levelText(l domain.AuditLevel) string {
	switch l {
	case domain.LevelOK:
		return green(string(l))
	case domain.LevelError:
		return red(string(l))
	case domain.LevelWarn, domain.LevelSec:
		return yellow(string(l))
	}
	return string(l)
}

// printer 渲染作业进度与结果
type printer struct {
	w       io.Writer
	verbose bool
}

func (p printer) event(ev service.Event) {
	switch ev.Type {
	case service.EventTargetStarted:
		if p.verbose {
			fmt.Fprintf(p.w, "%s %s\n", cyan("→"), ev.TargetID)
		}
	case service.EventTargetFinished:
		r := ev.Result
		line := fmt.Sprintf("%-8s %s (%d ms)", statusText(r.Status), r.TargetID, r.DurationMs)
		if r.Error != "" {
			line += ": " + r.Error
		}
		fmt.Fprintln(p.w, line)
	case service.EventProgress:
		if p.verbose {
			fmt.Fprintf(p.w, "   %d/%d done\n", ev.Completed, ev.Total)
		}
	}
}

func (p printer) results(rs []domain.TargetResult, showOutput bool) {
	if !showOutput {
		return
	}
	for _, r := range rs {
		if r.Stdout == "" && r.Stderr == "" {
			continue
		}
		fmt.Fprintf(p.w, "%s %s\n", bold("=="), bold(r.TargetID))
		if r.Stdout != "" {
			fmt.Fprint(p.w, r.Stdout)
			if r.Stdout[len(r.Stdout)-1] != '\n' {
				fmt.Fprintln(p.w)
			}
		}
		if r.Stderr != "" {
			fmt.Fprint(p.w, red(r.Stderr))
			fmt.Fprintln(p.w)
		}
	}
}

func (p printer) summary(s domain.JobSummary) {
	overall := green(string(s.Overall))
	if s.Overall == domain.JobCanceled {
		overall = yellow(string(s.Overall))
	} else if s.Fail > 0 {
		overall = red(string(s.Overall))
	}
	fmt.Fprintf(p.w, "\njob %s %s: ok=%d fail=%d canceled=%d total=%d (%d ms)\n",
		s.JobID, overall, s.OK, s.Fail, s.Canceled, s.Total, s.FinishedAt.Sub(s.StartedAt).Milliseconds())
	if s.AuditFailures > 0 {
		fmt.Fprintf(p.w, "%s %d audit events could not be delivered\n", yellow("warning:"), s.AuditFailures)
	}
}

func (p printer) targets(ps []domain.TargetProfile) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ALIAS\tGROUP\tADDRESS\tUSER\tAUTH")
	for _, t := range ps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.Alias, t.Group, t.Addr(), t.User, t.Mode())
	}
	_ = tw.Flush()
}

func (p printer) audit(evs []domain.AuditEvent) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tLEVEL\tEVENT\tTARGET\tSUMMARY")
	for _, ev := range evs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", ev.ID, ev.Timestamp.Local().Format("2006-01-02 15:04:05"), levelText(ev.Level), ev.Event, ev.Target, ev.Summary)
	}
	_ = tw.Flush()
}
