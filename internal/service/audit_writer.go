package service

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
)

var (
	// ErrAuditQueueFull 写入队列已满，事件被丢弃
	ErrAuditQueueFull = errors.New("audit queue full")
	// ErrAuditClosed 写入器已关闭
	ErrAuditClosed = errors.New("audit writer closed")
)

// AuditStore 审计事件的持久化端（sqlite 仓库、文件等）
type AuditStore interface {
	Insert(ev *domain.AuditEvent) error
}

// BatchAuditStore 可在一个事务内写入整批事件
type BatchAuditStore interface {
	AuditStore
	InsertBatch(evs []domain.AuditEvent) error
}

const (
	defaultAuditQueueSize = 4096
	defaultAuditEmitWait  = 250 * time.Millisecond
)

// AuditWriterOptions 零值字段取默认值
type AuditWriterOptions struct {
	FlushInterval time.Duration
	BatchSize     int
	// QueueSize 至少应容纳一个作业的突发事件量（3N+2）
	QueueSize int
	// EmitWait 队列满时 Emit 最多等待的时长，之后丢弃
	EmitWait time.Duration
	Logger   *slog.Logger
}

// AuditWriter 异步批量写审计：Emit 只入队，后台按批次或定时刷盘
type AuditWriter struct {
	store         AuditStore
	ch            chan domain.AuditEvent
	stop          chan struct{}
	flushInterval time.Duration
	batchSize     int
	emitWait      time.Duration
	log           *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAuditWriter(store AuditStore, opts AuditWriterOptions) *AuditWriter {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultAuditQueueSize
	}
	if opts.EmitWait <= 0 {
		opts.EmitWait = defaultAuditEmitWait
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	w := &AuditWriter{
		store:         store,
		ch:            make(chan domain.AuditEvent, opts.QueueSize),
		stop:          make(chan struct{}),
		flushInterval: opts.FlushInterval,
		batchSize:     opts.BatchSize,
		emitWait:      opts.EmitWait,
		log:           opts.Logger,
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// write 优先整批单事务写入；失败时逐条重试，避免一行坏数据拖垮整批
func (w *AuditWriter) write(batch []domain.AuditEvent) {
	if bs, ok := w.store.(BatchAuditStore); ok {
		err := bs.InsertBatch(batch)
		if err == nil {
			return
		}
		w.log.Warn("audit batch insert failed, retrying row by row", "rows", len(batch), "err", err)
	}
	for i := range batch {
		if err := w.store.Insert(&batch[i]); err != nil {
			w.log.Warn("audit insert failed", "event", batch[i].Event, "job_id", batch[i].JobID, "err", err)
		}
	}
}

func (w *AuditWriter) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	batch := make([]domain.AuditEvent, 0, w.batchSize)
	flush := func() {
		w.write(batch)
		batch = make([]domain.AuditEvent, 0, w.batchSize)
	}
	for {
		select {
		case ev := <-w.ch:
			batch = append(batch, ev)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			if len(batch) > 0 {
				flush()
			}
		case <-w.stop:
			// 关闭前排空队列
		drain:
			for {
				select {
				case ev := <-w.ch:
					batch = append(batch, ev)
					if len(batch) >= w.batchSize {
						flush()
					}
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				flush()
			}
			return
		}
	}
}

// Emit 入队；队列满时最多等待 EmitWait，仍满则丢弃并返回 AuditError
func (w *AuditWriter) Emit(ev domain.AuditEvent) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return &domain.AuditError{Event: ev.Event, Err: ErrAuditClosed}
	}
	select {
	case w.ch <- ev:
		return nil
	default:
	}
	timer := time.NewTimer(w.emitWait)
	defer timer.Stop()
	select {
	case w.ch <- ev:
		return nil
	case <-timer.C:
		return &domain.AuditError{Event: ev.Event, Err: ErrAuditQueueFull}
	}
}

// Close 停止接收并把剩余事件刷盘
func (w *AuditWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	close(w.stop)
	w.wg.Wait()
}
