package domain

import "time"

// AuditLevel 审计级别
type AuditLevel string

const (
	LevelInfo  AuditLevel = "INFO"
	LevelOK    AuditLevel = "OK"
	LevelWarn  AuditLevel = "WARN"
	LevelError AuditLevel = "ERROR"
	LevelSec   AuditLevel = "SEC"
)

// 事件名
const (
	EventFleetStarted   = "fleet started"
	EventFleetFinished  = "fleet finished"
	EventFullAuditOn    = "full command audit enabled"
	EventTargetOK       = "target ok"
	EventTargetFailed   = "target failed"
	EventTargetCanceled = "target canceled"
)

// CommandMeta 按审计策略附带的命令信息：
// Safe 只有 Head/Hash，Full 只有 Text，None 时整个字段为 nil
type CommandMeta struct {
	Head string `json:"cmd_head,omitempty"`
	Hash string `json:"cmd_hash,omitempty"`
	Text string `json:"cmd,omitempty"`
}

// AuditEvent 一条结构化审计事件
type AuditEvent struct {
	ID         int64        `json:"id,omitempty"`
	Timestamp  time.Time    `json:"ts"`
	Level      AuditLevel   `json:"level"`
	Event      string       `json:"event"`
	JobID      string       `json:"job_id,omitempty"`
	Action     ActionKind   `json:"action,omitempty"`
	Target     string       `json:"target,omitempty"`
	Session    string       `json:"session,omitempty"`
	DurationMs int64        `json:"duration_ms,omitempty"`
	Summary    string       `json:"summary"`
	Command    *CommandMeta `json:"command,omitempty"`

	// 持久化后由审计仓库填写的哈希链
	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash,omitempty"`
}
