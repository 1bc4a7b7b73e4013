package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
)

type msgKind int

const (
	msgStarted msgKind = iota
	msgFinished
)

// message 调度器/目标任务发往聚合器的消息，是作业状态唯一的同步手段
type message struct {
	kind     msgKind
	targetID string
	at       time.Time
	result   domain.TargetResult
}

// dispatcher 按请求顺序出队，并发预算 C 内下发目标任务
type dispatcher struct {
	req          domain.JobRequest
	command      string
	canceler     *Canceler
	provider     SessionProvider
	previewLimit int
	log          *slog.Logger

	running atomic.Int64 // 当前运行数 R，供观察
}

func (d *dispatcher) Running() int { return int(d.running.Load()) }

// run 阻塞直到所有目标到达终态，然后关闭 out
func (d *dispatcher) run(ctx context.Context, out chan<- message) {
	defer close(out)

	limit := d.req.Concurrency
	queue := append([]domain.TargetProfile(nil), d.req.Targets...)
	freed := make(chan struct{}, limit)
	cancelCh := d.canceler.Done()
	running := 0
	var g errgroup.Group

	for {
		for running < limit && len(queue) > 0 && !d.canceler.Signaled() {
			prof := queue[0]
			queue = queue[1:]
			running++
			d.running.Store(int64(running))
			out <- message{kind: msgStarted, targetID: prof.TargetID(), at: time.Now()}

			task := &targetTask{
				prof:          prof,
				command:       d.command,
				timeoutMs:     d.req.TimeoutMs,
				abortInFlight: d.req.AbortInFlight,
				canceler:      d.canceler,
				provider:      d.provider,
				previewLimit:  d.previewLimit,
				log:           d.log,
			}
			g.Go(func() error {
				res := task.run(ctx)
				out <- message{kind: msgFinished, targetID: res.TargetID, at: res.FinishedAt, result: res}
				freed <- struct{}{}
				return nil
			})
		}

		if d.canceler.Signaled() && len(queue) > 0 {
			now := time.Now()
			for _, prof := range queue {
				id := prof.TargetID()
				out <- message{kind: msgFinished, targetID: id, at: now, result: domain.TargetResult{
					TargetID:   id,
					Host:       prof.Host,
					Status:     domain.StatusCanceled,
					FinishedAt: now,
					Error:      (&domain.CancellationError{TargetID: id}).Error(),
					ErrorKind:  domain.ErrKindCanceled,
				}}
			}
			d.log.Info("queued targets canceled", "count", len(queue))
			queue = nil
		}

		if running == 0 && len(queue) == 0 {
			break
		}

		select {
		case <-freed:
			running--
			d.running.Store(int64(running))
		case <-cancelCh:
			cancelCh = nil
		}
	}
	_ = g.Wait()
}
