package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	gssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
)

// 单路输出最多保留的字节数，超出部分丢弃
const maxCapture = 1 << 20

// ExecResult 一次远程命令的结果；非零退出码不是 error
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Session 远程会话：一次连接，作业内一个目标一个会话
type Session interface {
	ID() string
	// Exec 执行命令直到完成或 ctx 结束；ctx 结束时返回 ctx.Err()，
	// 远程命令本身可能仍在运行（无法保证中断）。
	Exec(ctx context.Context, cmd string) (ExecResult, error)
	Close() error
}

// Options 真实 SSH 提供者配置
type Options struct {
	DialTimeout    time.Duration
	KnownHostsPath string // 为空时不校验主机密钥
	Logger         *slog.Logger
}

// Provider 基于 x/crypto/ssh 的会话提供者。每次 Connect 新建连接，
// 会话关闭即断开，不做连接复用。
type Provider struct {
	dialTimeout time.Duration
	hostKeyCB   gssh.HostKeyCallback
	log         *slog.Logger
}

func NewProvider(opts Options) (*Provider, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cb := gssh.InsecureIgnoreHostKey()
	if opts.KnownHostsPath != "" {
		khCB, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		cb = khCB
	} else {
		opts.Logger.Warn("host key verification disabled: no known_hosts configured")
	}
	return &Provider{dialTimeout: opts.DialTimeout, hostKeyCB: cb, log: opts.Logger}, nil
}

func authMethods(p domain.TargetProfile) ([]gssh.AuthMethod, error) {
	switch p.Mode() {
	case domain.AuthKey:
		if p.Secret == "" {
			return nil, errors.New("no private key for target")
		}
		signer, err := gssh.ParsePrivateKey([]byte(p.Secret))
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		return []gssh.AuthMethod{gssh.PublicKeys(signer)}, nil
	case domain.AuthPassword:
		return []gssh.AuthMethod{gssh.Password(p.Secret)}, nil
	}
	return nil, fmt.Errorf("unknown auth mode %q", p.AuthMode)
}

// Connect 建立到目标的连接；失败统一包装为 *domain.ConnectionError
func (p *Provider) Connect(ctx context.Context, prof domain.TargetProfile) (Session, error) {
	addr := prof.Addr()
	if prof.User == "" || prof.Host == "" {
		return nil, &domain.ConnectionError{Addr: addr, Err: errors.New("user/host empty")}
	}
	auth, err := authMethods(prof)
	if err != nil {
		return nil, &domain.ConnectionError{Addr: addr, Err: err}
	}
	conf := &gssh.ClientConfig{User: prof.User, Auth: auth, HostKeyCallback: p.hostKeyCB, Timeout: p.dialTimeout}

	d := net.Dialer{Timeout: p.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &domain.ConnectionError{Addr: addr, Err: err}
	}
	// 握手同样受 ctx 截止时间约束
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, chans, reqs, err := gssh.NewClientConn(conn, addr, conf)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.ConnectionError{Addr: addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})
	s := &clientSession{id: uuid.NewString(), client: gssh.NewClient(c, chans, reqs)}
	p.log.Debug("ssh session opened", "target", prof.TargetID(), "addr", addr, "session", s.id)
	return s, nil
}

type clientSession struct {
	id        string
	client    *gssh.Client
	closeOnce sync.Once
	closeErr  error
}

func (s *clientSession) ID() string { return s.id }

func (s *clientSession) Exec(ctx context.Context, cmd string) (ExecResult, error) {
	if cmd == "" {
		return ExecResult{ExitCode: -1}, &domain.ExecutionError{ExitCode: -1, Err: errors.New("cmd empty")}
	}
	sess, err := s.client.NewSession()
	if err != nil {
		return ExecResult{ExitCode: -1}, &domain.ExecutionError{ExitCode: -1, Err: err}
	}
	defer sess.Close()

	stdout := &cappedBuffer{limit: maxCapture}
	stderr := &cappedBuffer{limit: maxCapture}
	sess.Stdout = stdout
	sess.Stderr = stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		// 只能断开整条连接；远端命令的副作用不可知
		_ = s.Close()
		<-done
		return ExecResult{ExitCode: -1, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, ctx.Err()
	case err = <-done:
	}

	res := ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var ee *gssh.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = ee.ExitStatus()
			return res, nil
		}
		res.ExitCode = -1
		return res, &domain.ExecutionError{ExitCode: -1, Err: err}
	}
	return res, nil
}

func (s *clientSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
		if errors.Is(s.closeErr, net.ErrClosed) {
			s.closeErr = nil
		}
	})
	return s.closeErr
}

// cappedBuffer 只保留前 limit 字节，写入永不失败
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}
