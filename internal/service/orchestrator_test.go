package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
	sshmock "github.com/QingMing-Bot/fleet-orchestrator/internal/ssh"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memSink 记录所有审计事件
type memSink struct {
	mu  sync.Mutex
	evs []domain.AuditEvent
}

func (s *memSink) Emit(ev domain.AuditEvent) error {
	s.mu.Lock()
	s.evs = append(s.evs, ev)
	s.mu.Unlock()
	return nil
}

func (s *memSink) events() []domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEvent(nil), s.evs...)
}

func targets(ids ...string) []domain.TargetProfile {
	out := make([]domain.TargetProfile, 0, len(ids))
	for i, id := range ids {
		out = append(out, domain.TargetProfile{ID: int64(i + 1), Alias: id, Host: "10.0.0." + id, User: "root"})
	}
	return out
}

func runReq(cmd string, c int, timeoutMs int64, ids ...string) domain.JobRequest {
	return domain.JobRequest{
		Action:      domain.ActionRunCommand,
		Payload:     cmd,
		Targets:     targets(ids...),
		Concurrency: c,
		TimeoutMs:   timeoutMs,
		AuditPolicy: domain.AuditSafe,
	}
}

func newTestOrchestrator(t *testing.T, mock *sshmock.MockProvider, sink AuditSink) *Orchestrator {
	t.Helper()
	o := NewOrchestrator(mock, Options{Sink: sink})
	t.Cleanup(o.Close)
	return o
}

func wait(t *testing.T, h *JobHandle) domain.JobSummary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sum, err := h.Wait(ctx)
	require.NoError(t, err)
	return sum
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event stream not closed, got %d events", len(out))
		}
	}
}

func resultsByID(rs []domain.TargetResult) map[string]domain.TargetResult {
	m := make(map[string]domain.TargetResult, len(rs))
	for _, r := range rs {
		m[r.TargetID] = r
	}
	return m
}

// 根据事件流回放 Running 计数，返回峰值
func maxRunning(evs []Event) int {
	cur, peak := 0, 0
	for _, ev := range evs {
		switch ev.Type {
		case EventTargetStarted:
			cur++
		case EventTargetFinished:
			if ev.Result != nil && ev.Result.Status != domain.StatusCanceled {
				cur--
			}
		}
		if cur > peak {
			peak = cur
		}
	}
	return peak
}

func TestScenarioA_AllSucceed(t *testing.T) {
	mock := sshmock.NewMockProvider()
	mock.SetDefault(sshmock.MockResult{Stdout: "Linux\n", Delay: 20 * time.Millisecond})
	o := newTestOrchestrator(t, mock, &memSink{})

	h, err := o.Prepare(runReq("uname -a", 2, 5000, "A", "B", "C"))
	require.NoError(t, err)
	events, unsub := h.Subscribe()
	defer unsub()
	h.Start()

	sum := wait(t, h)
	evs := collect(t, events)

	require.Equal(t, 3, sum.OK)
	require.Zero(t, sum.Fail)
	require.Zero(t, sum.Canceled)
	require.Equal(t, domain.JobFinished, sum.Overall)
	require.LessOrEqual(t, maxRunning(evs), 2)
	require.LessOrEqual(t, mock.MaxActive(), 2)
	require.Equal(t, []string{"uname -a"}, mock.Commands("A"))

	for _, r := range h.Results() {
		require.Equal(t, domain.StatusOK, r.Status)
		require.Equal(t, "Linux\n", r.Stdout)
		require.NotEmpty(t, r.SessionID)
	}
}

func TestScenarioB_TimeoutIsolatedToOneTarget(t *testing.T) {
	mock := sshmock.NewMockProvider()
	mock.SetDefault(sshmock.MockResult{Stdout: "ok"})
	mock.Set("B", sshmock.MockResult{Delay: 5 * time.Second})
	o := newTestOrchestrator(t, mock, &memSink{})

	h, err := o.Submit(runReq("uname -a", 2, 200, "A", "B", "C"))
	require.NoError(t, err)
	sum := wait(t, h)

	require.Equal(t, 3, sum.Completed())
	require.Equal(t, 2, sum.OK)
	require.Equal(t, 1, sum.Fail)

	rs := resultsByID(h.Results())
	require.Equal(t, domain.StatusFail, rs["B"].Status)
	require.Equal(t, domain.ErrKindTimeout, rs["B"].ErrorKind)
	require.Contains(t, rs["B"].Error, "timed out after 200 ms")
	require.Equal(t, domain.StatusOK, rs["A"].Status)
	require.Equal(t, domain.StatusOK, rs["C"].Status)
	require.Equal(t, mock.Opened(), mock.Closed())
}

func TestScenarioC_CancelAfterFirstDispatch(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	mock := sshmock.NewMockProvider()
	mock.Set("A", sshmock.MockResult{Gate: gate, Started: started, Stdout: "done"})
	o := newTestOrchestrator(t, mock, &memSink{})

	h, err := o.Prepare(runReq("uname -a", 1, 5000, "A", "B", "C"))
	require.NoError(t, err)
	events, unsub := h.Subscribe()
	defer unsub()
	h.Start()

	<-started
	require.True(t, o.Cancel(h))
	require.False(t, o.Cancel(h), "second cancel is a no-op")
	close(gate)

	sum := wait(t, h)
	evs := collect(t, events)

	require.Equal(t, 3, sum.Completed())
	require.Equal(t, 1, sum.OK)
	require.Equal(t, 2, sum.Canceled)
	require.Equal(t, domain.JobCanceled, sum.Overall)

	rs := resultsByID(h.Results())
	require.Equal(t, domain.StatusOK, rs["A"].Status)
	for _, id := range []string{"B", "C"} {
		require.Equal(t, domain.StatusCanceled, rs[id].Status)
		require.Equal(t, domain.ErrKindCanceled, rs[id].ErrorKind)
		require.Empty(t, mock.Commands(id))
	}
	for _, ev := range evs {
		if ev.Type == EventTargetStarted {
			require.Equal(t, "A", ev.TargetID, "canceled targets never enter Running")
		}
	}
}

func TestConcurrencyBoundAndCounts(t *testing.T) {
	mock := sshmock.NewMockProvider()
	mock.SetDefault(sshmock.MockResult{Delay: 15 * time.Millisecond})
	mock.Set("t03", sshmock.MockResult{ExitCode: 1, Stderr: "nope"})
	o := newTestOrchestrator(t, mock, nil)

	ids := make([]string, 12)
	for i := range ids {
		ids[i] = fmt.Sprintf("t%02d", i)
	}
	h, err := o.Prepare(runReq("true", 3, 2000, ids...))
	require.NoError(t, err)
	events, unsub := h.Subscribe()
	defer unsub()

	// 采样 R，任何时刻都不超过 C
	stop := make(chan struct{})
	var sampled sync.WaitGroup
	sampled.Add(1)
	peak, broken := 0, false
	go func() {
		defer sampled.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if r := h.Running(); r > peak {
				peak = r
			}
			if s := h.Summary(); s.Total != s.Queued+s.Running+s.OK+s.Fail+s.Canceled {
				broken = true
			}
			time.Sleep(time.Millisecond)
		}
	}()
	h.Start()
	sum := wait(t, h)
	close(stop)
	sampled.Wait()

	evs := collect(t, events)
	require.False(t, broken, "status counts must always sum to N")
	require.LessOrEqual(t, peak, 3)
	require.LessOrEqual(t, maxRunning(evs), 3)
	require.LessOrEqual(t, mock.MaxActive(), 3)
	require.Equal(t, 12, sum.OK+sum.Fail+sum.Canceled)
	require.Equal(t, 1, sum.Fail)
	require.Zero(t, sum.Queued)
	require.Zero(t, sum.Running)
	require.Len(t, evs, 3*12+1)
	require.Equal(t, EventJobFinished, evs[len(evs)-1].Type)
}

func TestCancelBeforeStart(t *testing.T) {
	mock := sshmock.NewMockProvider()
	sink := &memSink{}
	o := newTestOrchestrator(t, mock, sink)

	h, err := o.Prepare(runReq("reboot", 2, 1000, "A", "B", "C"))
	require.NoError(t, err)
	require.True(t, o.CancelByID(h.ID))
	h.Start()
	sum := wait(t, h)

	require.Equal(t, 3, sum.Canceled)
	require.Equal(t, domain.JobCanceled, sum.Overall)
	require.Zero(t, mock.Opened())
	require.False(t, o.HasJob(h.ID))
	require.False(t, o.CancelByID(h.ID), "cancel after finish is a no-op")

	var canceled int
	for _, ev := range sink.events() {
		if ev.Event == domain.EventTargetCanceled {
			canceled++
			require.Equal(t, domain.LevelWarn, ev.Level)
		}
	}
	require.Equal(t, 3, canceled)
}

func TestDiscardPreparedJob(t *testing.T) {
	mock := sshmock.NewMockProvider()
	sink := &memSink{}
	o := NewOrchestrator(mock, Options{Sink: sink, RetainFinished: 1})
	t.Cleanup(o.Close)

	h, err := o.Prepare(runReq("uptime", 2, 1000, "A", "B"))
	require.NoError(t, err)
	require.True(t, o.HasJob(h.ID))
	require.Equal(t, domain.JobPending, h.Summary().Overall)

	require.True(t, h.Discard())
	require.False(t, h.Discard())
	h.Start()
	sum := wait(t, h)
	require.Equal(t, domain.JobCanceled, sum.Overall)
	require.Equal(t, 2, sum.Canceled)
	require.Zero(t, mock.Opened())
	require.False(t, o.HasJob(h.ID))

	// 作为已结束作业参与保留淘汰
	next, err := o.Submit(runReq("uptime", 1, 1000, "A"))
	require.NoError(t, err)
	wait(t, next)
	require.Eventually(t, func() bool {
		_, ok := o.Get(h.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)

	started, err := o.Submit(runReq("uptime", 1, 1000, "A"))
	require.NoError(t, err)
	require.False(t, started.Discard())
	wait(t, started)
}

func TestCloseFinishesPreparedJobs(t *testing.T) {
	mock := sshmock.NewMockProvider()
	o := NewOrchestrator(mock, Options{})
	h, err := o.Prepare(runReq("uptime", 1, 1000, "A"))
	require.NoError(t, err)
	o.Close()
	sum := wait(t, h)
	require.Equal(t, domain.JobCanceled, sum.Overall)
	require.Zero(t, mock.Opened())
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	mock := sshmock.NewMockProvider()
	sink := &memSink{}
	o := newTestOrchestrator(t, mock, sink)

	_, err := o.Submit(runReq("", 0, 0))
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	require.NotEmpty(t, ve.Problems)
	require.Empty(t, o.Jobs())
	require.Empty(t, sink.events())
	require.Zero(t, mock.Opened())
}

func TestExitCodeAndConnectionClassification(t *testing.T) {
	mock := sshmock.NewMockProvider()
	mock.Set("A", sshmock.MockResult{ExitCode: 3, Stderr: "boom", Stdout: "partial"})
	mock.Set("B", sshmock.MockResult{ConnectErr: errors.New("auth failed")})
	mock.Set("C", sshmock.MockResult{Err: errors.New("channel broke")})
	o := newTestOrchestrator(t, mock, nil)

	h, err := o.Submit(runReq("false", 3, 1000, "A", "B", "C"))
	require.NoError(t, err)
	sum := wait(t, h)
	require.Equal(t, 3, sum.Fail)

	rs := resultsByID(h.Results())
	require.Equal(t, 3, rs["A"].ExitCode)
	require.Equal(t, domain.ErrKindExecution, rs["A"].ErrorKind)
	require.Equal(t, "exit code 3: boom", rs["A"].Error)
	require.Equal(t, "partial", rs["A"].Stdout)

	require.Equal(t, domain.ErrKindConnection, rs["B"].ErrorKind)
	require.Contains(t, rs["B"].Error, "auth failed")
	require.Empty(t, rs["B"].SessionID)

	require.Equal(t, domain.ErrKindExecution, rs["C"].ErrorKind)
	require.Contains(t, rs["C"].Error, "channel broke")
	require.Equal(t, mock.Opened(), mock.Closed())
}

func TestDialTimeoutIsConnectionError(t *testing.T) {
	mock := sshmock.NewMockProvider()
	mock.Set("A", sshmock.MockResult{ConnectErr: fmt.Errorf("dial tcp: %w", context.DeadlineExceeded)})
	o := newTestOrchestrator(t, mock, nil)

	h, err := o.Submit(runReq("uptime", 1, 5000, "A"))
	require.NoError(t, err)
	wait(t, h)
	r := h.Results()[0]
	require.Equal(t, domain.ErrKindConnection, r.ErrorKind)
	require.NotContains(t, r.Error, "timed out after 5000 ms")
}

func TestProviderDialTimeoutKeepsTargetDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr := netip.MustParseAddrPort(ln.Addr().String())

	p, err := sshmock.NewProvider(sshmock.Options{DialTimeout: time.Nanosecond})
	require.NoError(t, err)
	o := NewOrchestrator(p, Options{})
	t.Cleanup(o.Close)

	prof := domain.TargetProfile{Alias: "local", User: "root", Host: "127.0.0.1", Port: int(addr.Port()), AuthMode: domain.AuthPassword, Secret: "x"}
	req := runReq("uptime", 1, 5000)
	req.Targets = []domain.TargetProfile{prof}
	h, err := o.Submit(req)
	require.NoError(t, err)
	wait(t, h)

	r := h.Results()[0]
	require.Equal(t, domain.StatusFail, r.Status)
	require.Equal(t, domain.ErrKindConnection, r.ErrorKind)
	require.NotContains(t, r.Error, "timed out after")
	require.Less(t, r.DurationMs, int64(5000))
}

func TestCancelDoesNotInterruptInFlightByDefault(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	mock := sshmock.NewMockProvider()
	mock.Set("A", sshmock.MockResult{Gate: gate, Started: started})
	o := newTestOrchestrator(t, mock, nil)

	h, err := o.Submit(runReq("sleep 1", 1, 5000, "A", "B"))
	require.NoError(t, err)
	<-started
	h.Cancel()

	select {
	case <-h.Done():
		t.Fatal("job finished while a dispatched target was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	sum := wait(t, h)
	require.Equal(t, 1, sum.OK)
	require.Equal(t, 1, sum.Canceled)
}

func TestAbortInFlight(t *testing.T) {
	started := make(chan struct{})
	mock := sshmock.NewMockProvider()
	mock.Set("A", sshmock.MockResult{Gate: make(chan struct{}), Started: started})
	o := newTestOrchestrator(t, mock, nil)

	req := runReq("sleep 100", 1, 10000, "A", "B")
	req.AbortInFlight = true
	h, err := o.Submit(req)
	require.NoError(t, err)
	<-started
	h.Cancel()

	sum := wait(t, h)
	require.Equal(t, 1, sum.Fail)
	require.Equal(t, 1, sum.Canceled)
	rs := resultsByID(h.Results())
	require.Equal(t, domain.StatusFail, rs["A"].Status)
	require.Equal(t, domain.ErrKindAborted, rs["A"].ErrorKind)
	require.Contains(t, rs["A"].Error, "remote outcome unknown")
	require.Equal(t, 1, mock.Opened())
	require.Equal(t, 1, mock.Closed())
}

func TestCloseAbortsRunningJobs(t *testing.T) {
	started := make(chan struct{})
	mock := sshmock.NewMockProvider()
	mock.Set("A", sshmock.MockResult{Gate: make(chan struct{}), Started: started})
	o := NewOrchestrator(mock, Options{})

	h, err := o.Submit(runReq("sleep 100", 1, 10000, "A", "B"))
	require.NoError(t, err)
	<-started
	o.Close()

	sum := h.Summary()
	require.Equal(t, 2, sum.Completed())
	require.Equal(t, domain.ErrKindAborted, resultsByID(h.Results())["A"].ErrorKind)
}

func TestAuditPolicies(t *testing.T) {
	long := "echo " + strings.Repeat("é", 60) + " && rm -rf /tmp/x"
	sum := sha256.Sum256([]byte(long))
	wantHash := hex.EncodeToString(sum[:])

	cases := []struct {
		name   string
		policy domain.AuditPolicy
		check  func(t *testing.T, ev domain.AuditEvent)
	}{
		{"none", domain.AuditNone, func(t *testing.T, ev domain.AuditEvent) {
			require.Nil(t, ev.Command)
		}},
		{"safe", domain.AuditSafe, func(t *testing.T, ev domain.AuditEvent) {
			require.NotNil(t, ev.Command)
			require.Empty(t, ev.Command.Text)
			require.Equal(t, wantHash, ev.Command.Hash)
			require.LessOrEqual(t, utf8.RuneCountInString(ev.Command.Head), SafeHeadLimit)
			require.True(t, strings.HasPrefix(long, ev.Command.Head))
		}},
		{"full", domain.AuditFull, func(t *testing.T, ev domain.AuditEvent) {
			require.NotNil(t, ev.Command)
			require.Equal(t, long, ev.Command.Text)
			require.Empty(t, ev.Command.Hash)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := sshmock.NewMockProvider()
			sink := &memSink{}
			o := newTestOrchestrator(t, mock, sink)
			req := runReq(long, 2, 1000, "A", "B")
			req.AuditPolicy = tc.policy
			req.AckFullAudit = true
			h, err := o.Submit(req)
			require.NoError(t, err)
			wait(t, h)

			evs := sink.events()
			require.Equal(t, domain.EventFleetStarted, evs[0].Event)
			require.Equal(t, domain.EventFleetFinished, evs[len(evs)-1].Event)
			var sec int
			for _, ev := range evs {
				require.Equal(t, h.ID, ev.JobID)
				if ev.Level == domain.LevelSec {
					sec++
					continue
				}
				if ev.Event != domain.EventFleetFinished {
					tc.check(t, ev)
				}
				if tc.policy != domain.AuditFull {
					require.NotContains(t, ev.Summary, "rm -rf")
				}
			}
			if tc.policy == domain.AuditFull {
				require.Equal(t, 1, sec)
				require.Equal(t, domain.EventFullAuditOn, evs[1].Event)
			} else {
				require.Zero(t, sec)
			}
		})
	}
}

func TestAuditSinkFailureIsNonFatal(t *testing.T) {
	mock := sshmock.NewMockProvider()
	failing := SinkFunc(func(domain.AuditEvent) error { return errors.New("disk full") })
	o := newTestOrchestrator(t, mock, failing)

	h, err := o.Submit(runReq("uptime", 2, 1000, "A", "B"))
	require.NoError(t, err)
	sum := wait(t, h)
	require.Equal(t, 2, sum.OK)
	// started + 2 targets + finished
	require.Equal(t, 4, sum.AuditFailures)
}

func TestLateSubscriberGetsReplay(t *testing.T) {
	mock := sshmock.NewMockProvider()
	o := newTestOrchestrator(t, mock, nil)

	h, err := o.Submit(runReq("uptime", 1, 1000, "A", "B"))
	require.NoError(t, err)
	wait(t, h)

	for i := 0; i < 2; i++ {
		ch, unsub := h.Subscribe()
		evs := collect(t, ch)
		unsub()
		require.Len(t, evs, 7)
		require.Equal(t, EventTargetStarted, evs[0].Type)
		last := evs[len(evs)-1]
		require.Equal(t, EventJobFinished, last.Type)
		require.NotNil(t, last.Summary)
		require.Equal(t, 2, last.Summary.OK)
	}
}

func TestCheckServiceBuildsCommand(t *testing.T) {
	mock := sshmock.NewMockProvider()
	o := newTestOrchestrator(t, mock, nil)
	req := runReq("", 1, 1000, "A")
	req.Action = domain.ActionCheckService
	req.Payload = "nginx"
	h, err := o.Submit(req)
	require.NoError(t, err)
	wait(t, h)
	require.Equal(t, []string{"systemctl status nginx --no-pager"}, mock.Commands("A"))
	require.Equal(t, "systemctl restart nginx", BuildCommand(domain.ActionRestartService, "nginx"))
}

func TestRequestIsCopied(t *testing.T) {
	mock := sshmock.NewMockProvider()
	o := newTestOrchestrator(t, mock, nil)
	req := runReq("uptime", 1, 1000, "A", "B")
	h, err := o.Prepare(req)
	require.NoError(t, err)
	req.Targets[0].Alias = "mutated"
	require.Equal(t, "A", h.Request().Targets[0].Alias)
	h.Start()
	wait(t, h)
	require.Len(t, mock.Commands("A"), 1)
}

func TestPreviewTruncatesOnRuneBoundary(t *testing.T) {
	s := strings.Repeat("汉", 10) // 30 bytes
	got := preview([]byte(s), 8)
	require.True(t, utf8.ValidString(got))
	require.Equal(t, strings.Repeat("汉", 2), got)
	require.Equal(t, "abc", preview([]byte("abc"), 0))
	require.Equal(t, "a", preview([]byte{'a', 0xff}, 0))
}

func TestRetireBoundsFinishedJobs(t *testing.T) {
	mock := sshmock.NewMockProvider()
	o := NewOrchestrator(mock, Options{RetainFinished: 2})
	defer o.Close()
	var ids []string
	for i := 0; i < 4; i++ {
		h, err := o.Submit(runReq("uptime", 1, 1000, "A"))
		require.NoError(t, err)
		wait(t, h)
		ids = append(ids, h.ID)
	}
	// retire 在聚合器 goroutine 中、Done 之后执行
	require.Eventually(t, func() bool {
		_, ok := o.Get(ids[1])
		return !ok
	}, time.Second, 5*time.Millisecond)
	_, ok := o.Get(ids[3])
	require.True(t, ok)
}
