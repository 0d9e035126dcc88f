package task

import (
	"context"
	"log/slog"
	"sync"

	"github.com/precious195/airbrain-sub000/pkg/logger"
)

// MemoryQueue 是单进程部署使用的缓冲 channel 队列。
type MemoryQueue struct {
	ch   chan string
	done chan struct{}
	once sync.Once
}

// NewMemoryQueue 创建容量为 size 的队列，size 非正时取 64。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), done: make(chan struct{})}
}

// Publish 投递任务；队列满时阻塞直到有空位、ctx 取消或队列关闭。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- taskID:
		return nil
	}
}

// Consume 启动 workerCount 个协程，直到 ctx 取消或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for range workerCount {
		go func() {
			defer wg.Done()
			q.work(ctx, handler)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) work(ctx context.Context, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case taskID := <-q.ch:
			if err := handler(ctx, taskID); err != nil {
				logger.L().Warn("任务处理返回错误", slog.String("task_id", taskID), slog.Any("error", err))
			}
		}
	}
}

// Len 返回尚未被消费的任务数。
func (q *MemoryQueue) Len() int { return len(q.ch) }

// Close 停止投递与消费，可重复调用。
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

var (
	_ Queue = (*MemoryQueue)(nil)
	_ Depth = (*MemoryQueue)(nil)
)
