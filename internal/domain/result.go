package domain

import (
	"fmt"
	"time"
)

// TargetStatus 单目标生命周期状态
type TargetStatus string

const (
	StatusQueued   TargetStatus = "queued"
	StatusRunning  TargetStatus = "running"
	StatusOK       TargetStatus = "ok"
	StatusFail     TargetStatus = "fail"
	StatusCanceled TargetStatus = "canceled"
)

// Terminal 是否终态
func (s TargetStatus) Terminal() bool {
	return s == StatusOK || s == StatusFail || s == StatusCanceled
}

// CheckTransition 校验状态迁移。Running -> Canceled 不合法：
// 远程调用一旦发出，结局只能是 Ok 或 Fail。
func CheckTransition(from, to TargetStatus) error {
	ok := false
	switch from {
	case StatusQueued:
		ok = to == StatusRunning || to == StatusCanceled
	case StatusRunning:
		ok = to == StatusOK || to == StatusFail
	}
	if !ok {
		return fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	return nil
}

// ErrorKind 失败分类，便于前端与审计区分
type ErrorKind string

const (
	ErrKindNone       ErrorKind = ""
	ErrKindConnection ErrorKind = "connection"
	ErrKindExecution  ErrorKind = "execution"
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindCanceled   ErrorKind = "canceled"
	ErrKindAborted    ErrorKind = "aborted"
)

// TargetResult 单目标执行结果
type TargetResult struct {
	TargetID   string       `json:"target_id"`
	Host       string       `json:"host,omitempty"`
	Status     TargetStatus `json:"status"`
	SessionID  string       `json:"session_id,omitempty"`
	StartedAt  time.Time    `json:"started_at,omitempty"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
	DurationMs int64        `json:"duration_ms"`
	ExitCode   int          `json:"exit_code"`
	Stdout     string       `json:"stdout,omitempty"` // 截断预览
	Stderr     string       `json:"stderr,omitempty"` // 截断预览
	Error      string       `json:"error,omitempty"`
	ErrorKind  ErrorKind    `json:"error_kind,omitempty"`
}

// JobStatus 作业整体状态
type JobStatus string

const (
	JobPending  JobStatus = "pending" // 已登记尚未 Start
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"
	JobCanceled JobStatus = "canceled"
)

// JobSummary 作业汇总，仅由聚合器写入
type JobSummary struct {
	JobID      string    `json:"job_id"`
	Total      int       `json:"total"`
	Queued     int       `json:"queued"`
	Running    int       `json:"running"`
	OK         int       `json:"ok"`
	Fail       int       `json:"fail"`
	Canceled   int       `json:"canceled"`
	Overall    JobStatus `json:"overall"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	// 审计投递失败次数（非致命）
	AuditFailures int `json:"audit_failures,omitempty"`
}

// Completed 已到达终态的目标数
func (s JobSummary) Completed() int { return s.OK + s.Fail + s.Canceled }

// Count 按状态取计数
func (s JobSummary) Count(st TargetStatus) int {
	switch st {
	case StatusQueued:
		return s.Queued
	case StatusRunning:
		return s.Running
	case StatusOK:
		return s.OK
	case StatusFail:
		return s.Fail
	case StatusCanceled:
		return s.Canceled
	}
	return 0
}

// Move 把一个目标从 from 计数移到 to 计数
func (s *JobSummary) Move(from, to TargetStatus) {
	s.bump(from, -1)
	s.bump(to, 1)
}

func (s *JobSummary) bump(st TargetStatus, d int) {
	switch st {
	case StatusQueued:
		s.Queued += d
	case StatusRunning:
		s.Running += d
	case StatusOK:
		s.OK += d
	case StatusFail:
		s.Fail += d
	case StatusCanceled:
		s.Canceled += d
	}
}
