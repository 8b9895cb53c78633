package collab

import (
	"context"
	"errors"
	"fmt"
)

const DefaultSemaphore = 100

var (
	ErrAcquireTimeout = errors.New("acquire reach time limit")
	ErrNotAcquired    = errors.New("release failed, semaphore is not acquired")
)

// SemaphoreControl 限制对下游（kafka / 文档存储）的并发调用数
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

// Acquire 阻塞到拿到名额或 ctx 结束，失败时错误里带上 ctx 的原因
func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	default:
	}
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrAcquireTimeout, ctx.Err())
	}
}

// TryAcquire 不等待
func (s *SemaphoreControl) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

// InUse 当前占用的名额，满了说明下游已经成为瓶颈
func (s *SemaphoreControl) InUse() int { return len(s.ch) }

func (s *SemaphoreControl) Cap() int { return cap(s.ch) }
