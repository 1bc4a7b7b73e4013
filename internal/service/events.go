package service

import (
	"sync"
	"time"

	"github.com/QingMing-Bot/fleet-orchestrator/internal/domain"
)

// EventType 生命周期事件类型
type EventType string

const (
	EventTargetStarted  EventType = "target_started"
	EventTargetFinished EventType = "target_finished"
	EventProgress       EventType = "progress"
	EventJobFinished    EventType = "job_finished"
)

// Event 推送给订阅者的生命周期事件
type Event struct {
	Type      EventType            `json:"type"`
	JobID     string               `json:"job_id"`
	At        time.Time            `json:"at"`
	TargetID  string               `json:"target_id,omitempty"`
	Result    *domain.TargetResult `json:"result,omitempty"`
	Completed int                  `json:"completed,omitempty"`
	Total     int                  `json:"total,omitempty"`
	Summary   *domain.JobSummary   `json:"summary,omitempty"`
}

// eventStream 单个作业的事件流。事件全部保留，迟到的订阅者先收到回放；
// 每个订阅通道容量等于作业事件上限，发送永不阻塞。
type eventStream struct {
	mu       sync.Mutex
	capacity int
	history  []Event
	subs     map[int]chan Event
	nextID   int
	closed   bool
}

// 每个目标至多 started/finished/progress 三条，外加 job_finished
func newEventStream(targets int) *eventStream {
	c := 3*targets + 1
	return &eventStream{capacity: c, history: make([]Event, 0, c), subs: map[int]chan Event{}}
}

func (s *eventStream) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.history = append(s.history, ev)
	for _, ch := range s.subs {
		ch <- ev
	}
}

// subscribe 返回事件通道和退订函数；作业结束后通道被关闭
func (s *eventStream) subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Event, s.capacity)
	for _, ev := range s.history {
		ch <- ev
	}
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *eventStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}
