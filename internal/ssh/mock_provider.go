package ssh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
)

// MockProvider 用于测试：按目标 ID 预设结果
type MockProvider struct {
	mu       sync.Mutex
	scripts  map[string]MockResult // key: target id
	fallback MockResult
	commands map[string][]string

	active    atomic.Int64
	maxActive atomic.Int64
	opened    atomic.Int64
	closed    atomic.Int64
}

type MockResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	Err        error         // Exec 返回的错误
	ConnectErr error         // Connect 返回的错误
	Delay      time.Duration // 模拟执行耗时，受 ctx 约束
	Gate       chan struct{} // 非 nil 时阻塞到关闭或 ctx 结束
	// Started 非 nil 时在 Exec 开始时关闭，测试借此得知目标已在运行
	Started chan struct{}
}

func NewMockProvider() *MockProvider {
	return &MockProvider{scripts: map[string]MockResult{}, commands: map[string][]string{}}
}

func (m *MockProvider) Set(target string, res MockResult) {
	m.mu.Lock()
	m.scripts[target] = res
	m.mu.Unlock()
}

// SetDefault 设置未单独预设目标的结果
func (m *MockProvider) SetDefault(res MockResult) {
	m.mu.Lock()
	m.fallback = res
	m.mu.Unlock()
}

func (m *MockProvider) script(target string) MockResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.scripts[target]; ok {
		return r
	}
	return m.fallback
}

// Commands 返回某目标上执行过的命令
func (m *MockProvider) Commands(target string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands[target]...)
}

// MaxActive 同时打开的会话数峰值
func (m *MockProvider) MaxActive() int { return int(m.maxActive.Load()) }

// Opened / Closed 会话打开与关闭次数
func (m *MockProvider) Opened() int { return int(m.opened.Load()) }
func (m *MockProvider) Closed() int { return int(m.closed.Load()) }

func (m *MockProvider) Connect(ctx context.Context, prof domain.TargetProfile) (Session, error) {
	r := m.script(prof.TargetID())
	if r.ConnectErr != nil {
		return nil, &domain.ConnectionError{Addr: prof.Addr(), Err: r.ConnectErr}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.opened.Add(1)
	n := m.active.Add(1)
	for {
		cur := m.maxActive.Load()
		if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	return &mockSession{id: uuid.NewString(), target: prof.TargetID(), p: m, res: r}, nil
}

type mockSession struct {
	id     string
	target string
	p      *MockProvider
	res    MockResult
	once   sync.Once
}

func (s *mockSession) ID() string { return s.id }

func (s *mockSession) Exec(ctx context.Context, cmd string) (ExecResult, error) {
	s.p.mu.Lock()
	s.p.commands[s.target] = append(s.p.commands[s.target], cmd)
	s.p.mu.Unlock()
	if s.res.Started != nil {
		close(s.res.Started)
	}
	if s.res.Gate != nil {
		select {
		case <-ctx.Done():
			return ExecResult{ExitCode: -1}, ctx.Err()
		case <-s.res.Gate:
		}
	}
	if s.res.Delay > 0 {
		select {
		case <-ctx.Done():
			return ExecResult{ExitCode: -1}, ctx.Err()
		case <-time.After(s.res.Delay):
		}
	}
	if s.res.Err != nil {
		return ExecResult{ExitCode: -1}, s.res.Err
	}
	return ExecResult{ExitCode: s.res.ExitCode, Stdout: []byte(s.res.Stdout), Stderr: []byte(s.res.Stderr)}, nil
}

func (s *mockSession) Close() error {
	s.once.Do(func() {
		s.p.active.Add(-1)
		s.p.closed.Add(1)
	})
	return nil
}
