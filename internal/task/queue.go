package task

import (
	"context"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
)

// 支持的队列驱动。
const (
	QueueMemory   = "memory"
	QueueRedis    = "redis"
	QueueRabbitMQ = "rabbitmq"
)

// KnownQueueDriver 判断驱动名是否受支持。
func KnownQueueDriver(name string) bool {
	switch name {
	case QueueMemory, QueueRedis, QueueRabbitMQ:
		return true
	}
	return false
}

// ErrQueueClosed 表示向已关闭的队列投递任务。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "队列已关闭", xerrors.WithRetryable(false))

// Handler 处理一次出队的任务 ID。返回的错误只记录日志，重试由 Processor 重新投递。
type Handler func(ctx context.Context, taskID string) error

// Producer 投递任务 ID。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以固定数量的协程消费任务，直到 ctx 取消。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时是生产者与消费者。三种驱动都只传递任务 ID，任务内容始终从 Store 读取。
type Queue interface {
	Producer
	Consumer
}

// Depth 由能报告积压数量的队列实现。
type Depth interface {
	Len() int
}
