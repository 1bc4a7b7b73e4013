package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
	"github.com/QingMing-Bot/fleet-orchestrator/pkg/logger"
)

// ErrJobNotFound 未知的 jobID
var ErrJobNotFound = errors.New("job not found")

// 已结束作业在内存中保留的数量
const defaultRetainFinished = 100

// Options 编排器可选项
type Options struct {
	Sink         AuditSink
	Logger       *slog.Logger
	PreviewLimit int
	// RetainFinished 结束后仍可查询的作业数
	RetainFinished int
}

// Orchestrator 负责批量作业编排：校验、调度、聚合、审计
type Orchestrator struct {
	provider     SessionProvider
	sink         AuditSink
	log          *slog.Logger
	previewLimit int
	retain       int

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	jobs     map[string]*JobHandle
	finished []string
}

func NewOrchestrator(provider SessionProvider, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PreviewLimit <= 0 {
		opts.PreviewLimit = DefaultPreviewLimit
	}
	if opts.RetainFinished <= 0 {
		opts.RetainFinished = defaultRetainFinished
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		provider:     provider,
		sink:         opts.Sink,
		log:          opts.Logger,
		previewLimit: opts.PreviewLimit,
		retain:       opts.RetainFinished,
		ctx:          ctx,
		stop:         stop,
		jobs:         make(map[string]*JobHandle),
	}
}

// Submit 校验并立即启动作业
func (o *Orchestrator) Submit(req domain.JobRequest) (*JobHandle, error) {
	h, err := o.Prepare(req)
	if err != nil {
		return nil, err
	}
	h.Start()
	return h, nil
}

// Prepare 校验并登记作业但不启动；校验失败时没有任何副作用。
// 调用方可以先订阅事件或取消，再调用 Start。
func (o *Orchestrator) Prepare(req domain.JobRequest) (*JobHandle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	// 拷贝目标列表，保证请求在作业期间不可变
	req.Targets = append([]domain.TargetProfile(nil), req.Targets...)

	id := uuid.NewString()
	log := o.log.With("job_id", id)
	c := NewCanceler()
	st := newEventStream(len(req.Targets))
	em := &auditEmitter{sink: o.sink, jobID: id, req: req, log: log, now: time.Now}
	h := &JobHandle{
		ID:       id,
		req:      req,
		o:        o,
		canceler: c,
		stream:   st,
		emitter:  em,
		agg:      newAggregator(id, req.Targets, c, em, st, log),
		disp: &dispatcher{
			req:          req,
			command:      BuildCommand(req.Action, req.Payload),
			canceler:     c,
			provider:     o.provider,
			previewLimit: o.previewLimit,
			log:          log,
		},
		log: log,
	}
	o.mu.Lock()
	o.jobs[id] = h
	o.mu.Unlock()
	return h, nil
}

// Cancel 取消作业：停止新的下发，排队中的目标直接置为 Canceled
func (o *Orchestrator) Cancel(h *JobHandle) bool {
	if h == nil {
		return false
	}
	return h.Cancel()
}

// CancelByID 按 jobID 取消
func (o *Orchestrator) CancelByID(jobID string) bool {
	h, ok := o.Get(jobID)
	if !ok {
		return false
	}
	return h.Cancel()
}

// Get 查询作业（运行中或最近结束的）
func (o *Orchestrator) Get(jobID string) (*JobHandle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.jobs[jobID]
	return h, ok
}

// HasJob 判断 job 是否已登记且尚未结束（含未 Start 的作业）
func (o *Orchestrator) HasJob(jobID string) bool {
	h, ok := o.Get(jobID)
	if !ok {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

// Jobs 当前登记的作业汇总
func (o *Orchestrator) Jobs() []domain.JobSummary {
	o.mu.Lock()
	hs := make([]*JobHandle, 0, len(o.jobs))
	for _, h := range o.jobs {
		hs = append(hs, h)
	}
	o.mu.Unlock()
	out := make([]domain.JobSummary, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Summary())
	}
	return out
}

func (o *Orchestrator) retire(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, id)
	for len(o.finished) > o.retain {
		delete(o.jobs, o.finished[0])
		o.finished = o.finished[1:]
	}
}

// Close 取消所有作业并中断已下发的任务，等待全部 goroutine 退出
func (o *Orchestrator) Close() {
	o.mu.Lock()
	hs := make([]*JobHandle, 0, len(o.jobs))
	for _, h := range o.jobs {
		hs = append(hs, h)
	}
	o.mu.Unlock()
	for _, h := range hs {
		// 未 Start 的作业就地结束，Wait 不会永久阻塞
		if !h.Discard() {
			h.canceler.Signal()
		}
	}
	o.stop()
	o.wg.Wait()
}

// JobHandle 作业句柄：控制与只读观察
type JobHandle struct {
	ID string

	req      domain.JobRequest
	o        *Orchestrator
	canceler *Canceler
	stream   *eventStream
	emitter  *auditEmitter
	agg      *aggregator
	disp     *dispatcher
	log      *slog.Logger
	started  atomic.Bool
}

// Request 作业请求副本
func (h *JobHandle) Request() domain.JobRequest {
	r := h.req
	r.Targets = append([]domain.TargetProfile(nil), h.req.Targets...)
	return r
}

// Start 启动调度；重复调用无效
func (h *JobHandle) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	h.launch()
}

func (h *JobHandle) launch() {
	ctx := logger.ContextAttrs(h.o.ctx, slog.String("job_id", h.ID))
	h.agg.markStarted(time.Now())
	h.o.log.InfoContext(ctx, "fleet job started", "action", h.req.Action, "targets", len(h.req.Targets), "concurrency", h.req.Concurrency)
	h.emitter.jobStarted()

	msgs := make(chan message, 2*len(h.req.Targets))
	h.o.wg.Add(2)
	go func() {
		defer h.o.wg.Done()
		h.agg.run(msgs)
		sum := h.agg.Summary()
		h.o.log.InfoContext(ctx, "fleet job finished", "overall", sum.Overall, "ok", sum.OK, "fail", sum.Fail, "canceled", sum.Canceled)
		h.o.retire(h.ID)
	}()
	go func() {
		defer h.o.wg.Done()
		h.disp.run(ctx, msgs)
	}()
}

// Discard 放弃一个尚未 Start 的作业：全部目标记为 Canceled 并立即结束，
// 随后按已结束作业的保留策略退役。已启动的作业返回 false。
func (h *JobHandle) Discard() bool {
	if !h.started.CompareAndSwap(false, true) {
		return false
	}
	h.canceler.Signal()
	h.launch()
	return true
}

// Cancel 置位取消信号；返回 false 表示此前已取消或作业已结束
func (h *JobHandle) Cancel() bool {
	select {
	case <-h.Done():
		return false
	default:
	}
	fired := h.canceler.Signal()
	if fired {
		h.log.Info("fleet job cancel requested")
	}
	return fired
}

// Canceled 是否收到过取消
func (h *JobHandle) Canceled() bool { return h.canceler.Signaled() }

// Subscribe 订阅生命周期事件；先回放已发生的事件，作业结束后通道关闭
func (h *JobHandle) Subscribe() (<-chan Event, func()) { return h.stream.subscribe() }

// Done 作业结束（汇总已定稿）后关闭
func (h *JobHandle) Done() <-chan struct{} { return h.agg.done }

// Wait 等待作业结束或 ctx 结束
func (h *JobHandle) Wait(ctx context.Context) (domain.JobSummary, error) {
	select {
	case <-h.Done():
		return h.agg.Summary(), nil
	case <-ctx.Done():
		return h.agg.Summary(), ctx.Err()
	}
}

// Running 当前处于 Running 的目标数（调度器视角）
func (h *JobHandle) Running() int { return h.disp.Running() }

// Summary 汇总快照
func (h *JobHandle) Summary() domain.JobSummary { return h.agg.Summary() }

// Results 结果快照
func (h *JobHandle) Results() []domain.TargetResult { return h.agg.Results() }
