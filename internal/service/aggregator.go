package service

import (
	"log/slog"
	"sync"
	"time"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
)

// aggregator 作业状态的唯一写者。只通过消息通道接收更新；
// mu 仅用于向读者发布快照，持锁期间不做任何 I/O。
type aggregator struct {
	jobID    string
	canceler *Canceler
	emitter  *auditEmitter
	stream   *eventStream
	log      *slog.Logger

	mu      sync.RWMutex
	results []domain.TargetResult
	index   map[string]int
	summary domain.JobSummary

	finalized bool
	done      chan struct{}
}

func newAggregator(jobID string, targets []domain.TargetProfile, c *Canceler, em *auditEmitter, st *eventStream, log *slog.Logger) *aggregator {
	a := &aggregator{
		jobID:    jobID,
		canceler: c,
		emitter:  em,
		stream:   st,
		log:      log,
		results:  make([]domain.TargetResult, len(targets)),
		index:    make(map[string]int, len(targets)),
		done:     make(chan struct{}),
	}
	for i, t := range targets {
		a.results[i] = domain.TargetResult{TargetID: t.TargetID(), Host: t.Host, Status: domain.StatusQueued}
		a.index[t.TargetID()] = i
	}
	a.summary = domain.JobSummary{JobID: jobID, Total: len(targets), Queued: len(targets), Overall: domain.JobPending}
	return a
}

func (a *aggregator) markStarted(at time.Time) {
	a.mu.Lock()
	a.summary.StartedAt = at
	a.summary.Overall = domain.JobRunning
	a.mu.Unlock()
}

func (a *aggregator) run(in <-chan message) {
	for msg := range in {
		a.apply(msg)
	}
	if !a.finalized {
		// 不应发生：调度器退出但仍有目标未到终态
		a.log.Error("dispatcher exited before all targets were terminal", "job_id", a.jobID)
		a.finalize()
	}
}

func (a *aggregator) apply(msg message) {
	i, ok := a.index[msg.targetID]
	if !ok {
		a.log.Error("message for unknown target", "job_id", a.jobID, "target", msg.targetID)
		return
	}
	a.mu.RLock()
	cur := a.results[i].Status
	a.mu.RUnlock()

	switch msg.kind {
	case msgStarted:
		if err := domain.CheckTransition(cur, domain.StatusRunning); err != nil {
			a.log.Error("rejected transition", "target", msg.targetID, "err", err)
			return
		}
		a.mu.Lock()
		a.results[i].Status = domain.StatusRunning
		a.results[i].StartedAt = msg.at
		a.summary.Move(cur, domain.StatusRunning)
		a.mu.Unlock()
		a.stream.publish(Event{Type: EventTargetStarted, JobID: a.jobID, At: msg.at, TargetID: msg.targetID})

	case msgFinished:
		res := msg.result
		if err := domain.CheckTransition(cur, res.Status); err != nil {
			a.log.Error("rejected transition", "target", msg.targetID, "err", err)
			return
		}
		a.mu.Lock()
		a.results[i] = res
		a.summary.Move(cur, res.Status)
		completed, total := a.summary.Completed(), a.summary.Total
		a.mu.Unlock()

		a.emitter.targetFinished(res)
		a.stream.publish(Event{Type: EventTargetFinished, JobID: a.jobID, At: msg.at, TargetID: res.TargetID, Result: &res})
		a.stream.publish(Event{Type: EventProgress, JobID: a.jobID, At: msg.at, Completed: completed, Total: total})
		if completed == total {
			a.finalize()
		}
	}
}

func (a *aggregator) finalize() {
	if a.finalized {
		return
	}
	a.finalized = true
	a.mu.Lock()
	a.summary.FinishedAt = time.Now()
	a.summary.Overall = domain.JobFinished
	if a.canceler.Signaled() && a.summary.Canceled > 0 {
		a.summary.Overall = domain.JobCanceled
	}
	a.mu.Unlock()

	// 先发审计，再把审计失败次数计入最终汇总
	a.emitter.jobFinished(a.Summary())
	a.mu.Lock()
	a.summary.AuditFailures = a.emitter.failures
	sum := a.summary
	a.mu.Unlock()

	a.stream.publish(Event{Type: EventJobFinished, JobID: a.jobID, At: sum.FinishedAt, Completed: sum.Completed(), Total: sum.Total, Summary: &sum})
	a.stream.close()
	close(a.done)
}

// Summary 汇总快照
func (a *aggregator) Summary() domain.JobSummary {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.summary
}

// Results 结果表快照，按请求顺序
func (a *aggregator) Results() []domain.TargetResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]domain.TargetResult(nil), a.results...)
}
