package task

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/pkg/logger"
)

const defaultRabbitMQQueue = "airbrain.tasks"

// RabbitMQConfig 描述任务队列的 RabbitMQ 连接参数。Prefetch 为 0 时取工作协程数。
type RabbitMQConfig struct {
	URL         string `json:"url" yaml:"url"`
	Queue       string `json:"queue" yaml:"queue"`
	ConsumerTag string `json:"consumer_tag" yaml:"consumer_tag"`
	Prefetch    int    `json:"prefetch" yaml:"prefetch"`
	Durable     bool   `json:"durable" yaml:"durable"`
	AutoDelete  bool   `json:"auto_delete" yaml:"auto_delete"`
}

// RabbitMQQueue 把任务 ID 作为持久消息投递到一个命名队列，适合多实例共享任务。
type RabbitMQQueue struct {
	cfg  RabbitMQConfig
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewRabbitMQQueue 连接 broker 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	if cfg.Queue == "" {
		cfg.Queue = defaultRabbitMQQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	q := &RabbitMQQueue{cfg: cfg, conn: conn}
	if q.ch, err = conn.Channel(); err != nil {
		_ = q.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if _, err := q.ch.QueueDeclare(cfg.Queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		_ = q.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	return q, nil
}

// Publish 以持久消息投递任务 ID，MessageId 与正文相同便于排查。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	if q.ch.IsClosed() {
		return ErrQueueClosed
	}
	err := q.ch.PublishWithContext(ctx, "", q.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		MessageId:    taskID,
		AppId:        "airbrain",
		Timestamp:    time.Now().UTC(),
		Body:         []byte(taskID),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布任务失败")
	}
	return nil
}

// Consume 以手动确认模式消费。处理失败时由 Processor 重新投递，因此每条消息都会被确认。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	workerCount = max(workerCount, 1)
	prefetch := q.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = workerCount
	}
	if err := q.ch.Qos(prefetch, 0, false); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
	}
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.cfg.Queue, q.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var g errgroup.Group
	for range workerCount {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					q.deliver(ctx, d, handler)
				}
			}
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) deliver(ctx context.Context, d amqp.Delivery, handler Handler) {
	taskID := string(d.Body)
	if err := handler(ctx, taskID); err != nil {
		logger.L().Warn("任务处理返回错误",
			slog.String("task_id", taskID),
			slog.Bool("redelivered", d.Redelivered),
			slog.Any("error", err),
		)
	}
	if err := d.Ack(false); err != nil {
		logger.L().Warn("确认 RabbitMQ 消息失败", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn.Close()
	}
	return nil
}

var _ Queue = (*RabbitMQQueue)(nil)
