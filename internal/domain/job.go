package domain

import (
	"regexp"
	"strings"

	"github.com/samber/lo"
)

// ActionKind 作业动作类型
type ActionKind string

const (
	ActionRunCommand     ActionKind = "run_command"
	ActionCheckService   ActionKind = "check_service"
	ActionRestartService ActionKind = "restart_service"
)

// AuditPolicy 审计中命令内容的披露级别
type AuditPolicy string

const (
	AuditNone AuditPolicy = "none"
	AuditSafe AuditPolicy = "safe"
	AuditFull AuditPolicy = "full"
)

// ParseAuditPolicy 解析命令行/接口传入的策略名，空串视为 safe
func ParseAuditPolicy(s string) (AuditPolicy, bool) {
	switch AuditPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return AuditSafe, true
	case AuditNone:
		return AuditNone, true
	case AuditSafe:
		return AuditSafe, true
	case AuditFull:
		return AuditFull, true
	}
	return "", false
}

var serviceNameRe = regexp.MustCompile(`^[A-Za-z0-9@._:-]+$`)

// JobRequest 描述一次批量动作。提交时校验一次，之后只读；
// 参数变化需要构造新的 JobRequest。
type JobRequest struct {
	Action      ActionKind      `json:"action"`
	Payload     string          `json:"payload"` // 命令文本或服务名
	Targets     []TargetProfile `json:"targets"`
	Concurrency int             `json:"concurrency"`
	TimeoutMs   int64           `json:"timeout_ms"`
	AuditPolicy AuditPolicy     `json:"audit_policy"`

	// RestartService 必须显式确认
	ConfirmDisruptive bool `json:"confirm_disruptive"`
	// Full 策略下 RunCommand/RestartService 需确认已知晓命令原文会落盘
	AckFullAudit bool `json:"ack_full_audit"`
	// 取消时是否放弃等待已下发的远程命令（默认 false：已下发的任务跑完或超时）
	AbortInFlight bool `json:"abort_in_flight"`
}

// Validate 校验请求；返回 *ValidationError 或 nil
func (r JobRequest) Validate() error {
	v := &ValidationError{}
	if len(r.Targets) == 0 {
		v.add("targets", "target list is empty")
	}
	if dups := lo.FindDuplicatesBy(r.Targets, func(t TargetProfile) string { return t.TargetID() }); len(dups) > 0 {
		v.add("targets", "duplicate target id "+dups[0].TargetID())
	}
	if r.Concurrency < 1 {
		v.add("concurrency", "must be >= 1")
	}
	if r.TimeoutMs <= 0 {
		v.add("timeout_ms", "must be > 0")
	}
	switch r.AuditPolicy {
	case AuditNone, AuditSafe, AuditFull:
	default:
		v.add("audit_policy", "unknown policy "+string(r.AuditPolicy))
	}
	switch r.Action {
	case ActionRunCommand:
		if strings.TrimSpace(r.Payload) == "" {
			v.add("payload", "command text is empty")
		}
	case ActionCheckService, ActionRestartService:
		if strings.TrimSpace(r.Payload) == "" {
			v.add("payload", "service name is empty")
		} else if !serviceNameRe.MatchString(r.Payload) {
			v.add("payload", "invalid service name "+r.Payload)
		}
		if r.Action == ActionRestartService && !r.ConfirmDisruptive {
			v.add("confirm_disruptive", "restart requires explicit confirmation")
		}
	default:
		v.add("action", "unknown action "+string(r.Action))
	}
	if r.AuditPolicy == AuditFull && r.Action != ActionCheckService && !r.AckFullAudit {
		v.add("ack_full_audit", "full audit persists command text verbatim and must be acknowledged")
	}
	if len(v.Problems) > 0 {
		return v
	}
	return nil
}

// Disruptive 是否为破坏性动作
func (r JobRequest) Disruptive() bool { return r.Action == ActionRestartService }
