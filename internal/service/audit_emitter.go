package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
)

// SafeHeadLimit Safe 策略下 cmd_head 的字符数上限
const SafeHeadLimit = 32

// AuditSink 审计下游。Emit 必须立即返回：投递失败以 error 报告，
// 编排器只记 WARN，不会中止作业。
type AuditSink interface {
	Emit(ev domain.AuditEvent) error
}

// CommandMeta 按策略生成命令元数据；None 返回 nil
func CommandMeta(policy domain.AuditPolicy, text string) *domain.CommandMeta {
	switch policy {
	case domain.AuditSafe:
		sum := sha256.Sum256([]byte(text))
		head := []rune(text)
		if len(head) > SafeHeadLimit {
			head = head[:SafeHeadLimit]
		}
		return &domain.CommandMeta{Head: string(head), Hash: hex.EncodeToString(sum[:])}
	case domain.AuditFull:
		return &domain.CommandMeta{Text: text}
	}
	return nil
}

// auditEmitter 把生命周期转换为审计事件。只在作业启动与聚合器 goroutine 中调用。
type auditEmitter struct {
	sink     AuditSink
	jobID    string
	req      domain.JobRequest
	log      *slog.Logger
	failures int
	now      func() time.Time
}

func (e *auditEmitter) base(level domain.AuditLevel, name, summary string) domain.AuditEvent {
	return domain.AuditEvent{
		Timestamp: e.now(),
		Level:     level,
		Event:     name,
		JobID:     e.jobID,
		Action:    e.req.Action,
		Summary:   summary,
	}
}

func (e *auditEmitter) emit(ev domain.AuditEvent) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Emit(ev); err != nil {
		e.failures++
		e.log.Warn("audit emit failed", "event", ev.Event, "target", ev.Target, "err", &domain.AuditError{Event: ev.Event, Err: err})
	}
}

func (e *auditEmitter) jobStarted() {
	ev := e.base(domain.LevelInfo, domain.EventFleetStarted,
		fmt.Sprintf("%s on %d targets, concurrency %d, timeout %d ms", e.req.Action, len(e.req.Targets), e.req.Concurrency, e.req.TimeoutMs))
	ev.Command = CommandMeta(e.req.AuditPolicy, e.req.Payload)
	e.emit(ev)
	if e.req.AuditPolicy == domain.AuditFull {
		e.emit(e.base(domain.LevelSec, domain.EventFullAuditOn, "command text is persisted verbatim for this job"))
	}
}

func (e *auditEmitter) targetFinished(res domain.TargetResult) {
	var ev domain.AuditEvent
	switch res.Status {
	case domain.StatusOK:
		ev = e.base(domain.LevelOK, domain.EventTargetOK,
			fmt.Sprintf("target %s ok in %d ms", res.TargetID, res.DurationMs))
	case domain.StatusCanceled:
		ev = e.base(domain.LevelWarn, domain.EventTargetCanceled,
			fmt.Sprintf("target %s canceled before start", res.TargetID))
	default:
		ev = e.base(domain.LevelError, domain.EventTargetFailed,
			fmt.Sprintf("target %s failed in %d ms: %s", res.TargetID, res.DurationMs, res.Error))
	}
	ev.Target = res.TargetID
	ev.Session = res.SessionID
	ev.DurationMs = res.DurationMs
	ev.Command = CommandMeta(e.req.AuditPolicy, e.req.Payload)
	e.emit(ev)
}

func (e *auditEmitter) jobFinished(sum domain.JobSummary) {
	ev := e.base(domain.LevelInfo, domain.EventFleetFinished,
		fmt.Sprintf("%s: ok=%d fail=%d canceled=%d total=%d", sum.Overall, sum.OK, sum.Fail, sum.Canceled, sum.Total))
	ev.DurationMs = sum.FinishedAt.Sub(sum.StartedAt).Milliseconds()
	e.emit(ev)
}
