package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
	"github.com/QingMing-Bot/fleet-orchestrator/internal/ssh"
)

const (
	// DefaultPreviewLimit stdout/stderr 预览默认上限（字节）
	DefaultPreviewLimit = 4096
	// 失败信息中 stderr 摘录上限
	stderrExcerptLimit = 256
)

var errAborted = errors.New("aborted after dispatch; remote outcome unknown")

// SessionProvider 远程会话能力（真实 SSH 或 Mock）
type SessionProvider interface {
	Connect(ctx context.Context, prof domain.TargetProfile) (ssh.Session, error)
}

// BuildCommand 把作业动作转换为具体的远程命令。服务名已在校验时限制字符集。
func BuildCommand(kind domain.ActionKind, payload string) string {
	switch kind {
	case domain.ActionCheckService:
		return "systemctl status " + payload + " --no-pager"
	case domain.ActionRestartService:
		return "systemctl restart " + payload
	}
	return payload
}

// targetTask 对单个目标执行一次动作：一次尝试，绝不重试
type targetTask struct {
	prof          domain.TargetProfile
	command       string
	timeoutMs     int64
	abortInFlight bool
	canceler      *Canceler
	provider      SessionProvider
	previewLimit  int
	log           *slog.Logger
}

func (t *targetTask) run(parent context.Context) domain.TargetResult {
	start := time.Now()
	res := domain.TargetResult{TargetID: t.prof.TargetID(), Host: t.prof.Host, StartedAt: start}
	defer func() {
		res.FinishedAt = time.Now()
		res.DurationMs = res.FinishedAt.Sub(start).Milliseconds()
	}()

	actx, abort := context.WithCancelCause(parent)
	defer abort(nil)
	if t.abortInFlight {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-t.canceler.Done():
				abort(errAborted)
			case <-stop:
			}
		}()
	}
	ctx, cancel := context.WithTimeout(actx, time.Duration(t.timeoutMs)*time.Millisecond)
	defer cancel()

	sess, err := t.provider.Connect(ctx, t.prof)
	if err != nil {
		t.classifyErr(ctx, &res, err)
		return res
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			t.log.Debug("session close", "target", res.TargetID, "err", cerr)
		}
	}()
	res.SessionID = sess.ID()

	out, err := sess.Exec(ctx, t.command)
	res.Stdout = preview(out.Stdout, t.previewLimit)
	res.Stderr = preview(out.Stderr, t.previewLimit)
	res.ExitCode = out.ExitCode
	if err != nil {
		t.classifyErr(ctx, &res, err)
		return res
	}
	if out.ExitCode == 0 {
		res.Status = domain.StatusOK
		return res
	}
	res.Status = domain.StatusFail
	res.ErrorKind = domain.ErrKindExecution
	res.Error = (&domain.ExecutionError{ExitCode: out.ExitCode, Stderr: preview(out.Stderr, stderrExcerptLimit)}).Error()
	return res
}

func (t *targetTask) classifyErr(ctx context.Context, res *domain.TargetResult, err error) {
	res.Status = domain.StatusFail
	if res.ExitCode == 0 {
		res.ExitCode = -1
	}
	var (
		te *domain.TimeoutError
		ce *domain.ConnectionError
	)
	switch {
	case errors.Is(context.Cause(ctx), errAborted):
		res.ErrorKind = domain.ErrKindAborted
		res.Error = errAborted.Error()
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.As(err, &te):
		// 只有目标自身的截止时间 T 触发才算超时
		res.ErrorKind = domain.ErrKindTimeout
		res.Error = (&domain.TimeoutError{TimeoutMs: t.timeoutMs}).Error()
	case errors.Is(ctx.Err(), context.Canceled):
		// 编排器关闭
		res.ErrorKind = domain.ErrKindAborted
		res.Error = errAborted.Error()
	case errors.As(err, &ce):
		// 拨号超时等 provider 内部超时仍是连接失败
		res.ErrorKind = domain.ErrKindConnection
		res.Error = ce.Error()
	default:
		res.ErrorKind = domain.ErrKindExecution
		res.Error = err.Error()
	}
}

// preview 截断到 limit 字节并保证 UTF-8 合法
func preview(b []byte, limit int) string {
	if limit > 0 && len(b) > limit {
		b = b[:limit]
		// 去掉被截断的半个字符
		for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
			r, size := utf8.DecodeLastRune(b)
			if r != utf8.RuneError || size > 1 {
				break
			}
			b = b[:len(b)-1]
		}
	}
	return strings.ToValidUTF8(string(b), "")
}
