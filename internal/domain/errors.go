package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCanceled 目标在排队阶段被取消，从未执行
var ErrCanceled = errors.New("canceled before start")

// ValidationError 作业请求不合法，在任何目标执行前拒绝
type ValidationError struct {
	Problems []FieldProblem
}

type FieldProblem struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) add(field, reason string) {
	e.Problems = append(e.Problems, FieldProblem{Field: field, Reason: reason})
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Reason)
	}
	return "invalid job request: " + strings.Join(parts, "; ")
}

// ConnectionError 会话建立或认证失败
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExecutionError 远程命令无法完成（传输层错误）或以非零码退出
type ExecutionError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return "exec: " + e.Err.Error()
	}
	msg := fmt.Sprintf("exit code %d", e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError 超过单目标截止时间
type TimeoutError struct {
	TimeoutMs int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %d ms", e.TimeoutMs)
}

// CancellationError 目标排队时作业被取消
type CancellationError struct {
	TargetID string
}

func (e *CancellationError) Error() string {
	return "target " + e.TargetID + " " + ErrCanceled.Error()
}

func (e *CancellationError) Unwrap() error { return ErrCanceled }

// AuditError 审计投递失败，只记 WARN 不影响作业
type AuditError struct {
	Event string
	Err   error
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("audit %s: %v", e.Event, e.Err)
}

func (e *AuditError) Unwrap() error { return e.Err }
