package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
)

type memStore struct {
	mu    sync.Mutex
	rows  []domain.AuditEvent
	block chan struct{}
}

func (s *memStore) Insert(ev *domain.AuditEvent) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.ID = int64(len(s.rows) + 1)
	s.rows = append(s.rows, *ev)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func TestAuditWriter_FlushOnBatchAndClose(t *testing.T) {
	store := &memStore{}
	w := NewAuditWriter(store, AuditWriterOptions{FlushInterval: time.Minute, BatchSize: 2})

	require.NoError(t, w.Emit(domain.AuditEvent{Event: "a"}))
	require.NoError(t, w.Emit(domain.AuditEvent{Event: "b"}))
	require.Eventually(t, func() bool { return store.count() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Emit(domain.AuditEvent{Event: "c"}))
	w.Close()
	require.Equal(t, 3, store.count())

	err := w.Emit(domain.AuditEvent{Event: "d"})
	var ae *domain.AuditError
	require.ErrorAs(t, err, &ae)
	require.ErrorIs(t, err, ErrAuditClosed)
	w.Close()
}

func TestAuditWriter_FullQueueDoesNotBlock(t *testing.T) {
	store := &memStore{block: make(chan struct{})}
	w := NewAuditWriter(store, AuditWriterOptions{FlushInterval: time.Minute, BatchSize: 1, QueueSize: 1, EmitWait: 10 * time.Millisecond})

	var err error
	start := time.Now()
	for i := 0; i < 10 && err == nil; i++ {
		err = w.Emit(domain.AuditEvent{Event: "x"})
	}
	require.ErrorIs(t, err, ErrAuditQueueFull)
	require.Less(t, time.Since(start), 2*time.Second)

	close(store.block)
	w.Close()
}

type batchStore struct {
	memStore
	batches []int
}

func (s *batchStore) InsertBatch(evs []domain.AuditEvent) error {
	s.mu.Lock()
	s.batches = append(s.batches, len(evs))
	s.mu.Unlock()
	for i := range evs {
		if err := s.Insert(&evs[i]); err != nil {
			return err
		}
	}
	return nil
}

func TestAuditWriter_UsesBatchInsert(t *testing.T) {
	store := &batchStore{}
	w := NewAuditWriter(store, AuditWriterOptions{FlushInterval: time.Minute, BatchSize: 10})
	for i := 0; i < 25; i++ {
		require.NoError(t, w.Emit(domain.AuditEvent{Event: "e"}))
	}
	w.Close()
	require.Equal(t, 25, store.count())
	require.Equal(t, []int{10, 10, 5}, store.batches)
}

func TestAuditWriter_EmitWaitsForRoom(t *testing.T) {
	store := &memStore{block: make(chan struct{})}
	w := NewAuditWriter(store, AuditWriterOptions{FlushInterval: time.Minute, BatchSize: 1, QueueSize: 1, EmitWait: 5 * time.Second})

	// 第一条被写入协程取走并阻塞在存储上，第二条占满队列
	require.NoError(t, w.Emit(domain.AuditEvent{Event: "a"}))
	require.Eventually(t, func() bool { return len(w.ch) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, w.Emit(domain.AuditEvent{Event: "b"}))

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(store.block)
	}()
	require.NoError(t, w.Emit(domain.AuditEvent{Event: "c"}))
	w.Close()
	require.Equal(t, 3, store.count())
}

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func TestFileSinkWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(nopCloser{&buf})
	require.NoError(t, s.Emit(domain.AuditEvent{Level: domain.LevelOK, Event: domain.EventTargetOK, Target: "A"}))
	require.NoError(t, s.Emit(domain.AuditEvent{Level: domain.LevelInfo, Event: domain.EventFleetFinished}))
	require.NoError(t, s.Close())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var ev domain.AuditEvent
	require.NoError(t, json.Unmarshal(lines[0], &ev))
	require.Equal(t, "A", ev.Target)
	require.NotContains(t, string(lines[1]), `"command"`)
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	ok := &memSink{}
	boom := errors.New("boom")
	m := MultiSink{ok, nil, SinkFunc(func(domain.AuditEvent) error { return boom })}

	err := m.Emit(domain.AuditEvent{Event: "e"})
	require.ErrorIs(t, err, boom)
	require.Len(t, ok.events(), 1)
	require.NoError(t, MultiSink{ok}.Emit(domain.AuditEvent{}))
}

func TestCommandMeta(t *testing.T) {
	require.Nil(t, CommandMeta(domain.AuditNone, "ls"))
	safe := CommandMeta(domain.AuditSafe, "ls -la")
	require.Equal(t, "ls -la", safe.Head)
	require.Len(t, safe.Hash, 64)
	require.Empty(t, safe.Text)
	require.Equal(t, "ls -la", CommandMeta(domain.AuditFull, "ls -la").Text)
}

func TestCancelerSignalOnce(t *testing.T) {
	c := NewCanceler()
	require.False(t, c.Signaled())
	var wg sync.WaitGroup
	var fired sync.Map
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if c.Signal() {
				fired.Store(i, true)
			}
		}(i)
	}
	wg.Wait()
	n := 0
	fired.Range(func(_, _ any) bool { n++; return true })
	require.Equal(t, 1, n)
	require.True(t, c.Signaled())
	<-c.Done()
}
