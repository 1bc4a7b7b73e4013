package service

import (
	"encoding/json"
	"errors"
	"io"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
)

// FileSink 以 JSON Lines 追加写审计文件，按大小滚动
type FileSink struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// NewFileSink 打开滚动文件；maxSizeMB<=0 使用 lumberjack 默认值
func NewFileSink(path string, maxSizeMB, maxBackups int) *FileSink {
	return &FileSink{w: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}}
}

// NewWriterSink 包装任意 writer，便于测试或输出到 stdout
func NewWriterSink(w io.WriteCloser) *FileSink { return &FileSink{w: w} }

func (s *FileSink) Emit(ev domain.AuditEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(b)
	return err
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}

// MultiSink 扇出到多个下游；任一失败都会返回，但不影响其它下游
type MultiSink []AuditSink

func (m MultiSink) Emit(ev domain.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SinkFunc 函数适配
type SinkFunc func(ev domain.AuditEvent) error

func (f SinkFunc) Emit(ev domain.AuditEvent) error { return f(ev) }
