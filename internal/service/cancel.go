package service

import (
	"sync"
	"sync/atomic"
)

// Canceler 作业级取消信号：只能置位一次，之后幂等
type Canceler struct {
	flag atomic.Bool
	once sync.Once
	done chan struct{}
}

func NewCanceler() *Canceler { return &Canceler{done: make(chan struct{})} }

// Signal 置位取消；返回 true 表示本次调用真正触发了取消
func (c *Canceler) Signal() bool {
	fired := false
	c.once.Do(func() {
		c.flag.Store(true)
		close(c.done)
		fired = true
	})
	return fired
}

// Signaled 调度器在每次下发前检查
func (c *Canceler) Signaled() bool { return c.flag.Load() }

// Done 取消后关闭
func (c *Canceler) Done() <-chan struct{} { return c.done }
