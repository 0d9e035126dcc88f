package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/pkg/logger"
)

// RedisQueueConfig 描述 Redis list 队列。
type RedisQueueConfig struct {
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 是基于 list 的可靠队列：LPUSH 入队，BLMOVE 把任务原子地移入处理中列表，
// 处理结束后 LREM。进程崩溃时留在处理中列表的任务在下次 Consume 启动时放回队列。
type RedisQueue struct {
	client     *goredis.Client
	queue      string
	processing string
	wait       time.Duration
}

// NewRedisQueue 基于共享客户端创建队列，Close 不会关闭客户端。
func NewRedisQueue(client *goredis.Client, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 客户端未初始化")
	}
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		queue = "airbrain:tasks"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, processing: queue + ":processing", wait: wait}, nil
}

// Publish 将任务 ID 推入队列头部。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.queue, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 先恢复处理中列表的残留任务，再启动 workerCount 个阻塞消费者。
// 任一消费者遇到 Redis 错误时全部退出并返回该错误。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if err := q.requeueInFlight(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for range max(workerCount, 1) {
		g.Go(func() error { return q.work(gctx, handler) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		taskID, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
		switch {
		case stdErrors.Is(err, goredis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
		}
		if handlerErr := handler(ctx, taskID); handlerErr != nil {
			logger.L().Warn("任务处理返回错误", slog.String("task_id", taskID), slog.Any("error", handlerErr))
		}
		// 用独立上下文确认，避免关闭时把已处理的任务留在处理中列表。
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		if err := q.client.LRem(ackCtx, q.processing, 1, taskID).Err(); err != nil {
			logger.L().Warn("确认 Redis 任务失败", slog.String("task_id", taskID), slog.Any("error", err))
		}
		cancel()
	}
	return nil
}

func (q *RedisQueue) requeueInFlight(ctx context.Context) error {
	for {
		taskID, err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Result()
		if stdErrors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "恢复处理中任务失败")
		}
		logger.L().Info("恢复未确认的任务", slog.String("task_id", taskID))
	}
}

// Close 不持有连接，客户端由调用方关闭。
func (q *RedisQueue) Close() error { return nil }

var _ Queue = (*RedisQueue)(nil)
