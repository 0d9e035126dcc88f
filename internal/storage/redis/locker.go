package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/session"
	"github.com/precious195/airbrain-sub000/pkg/logger"
)

// 只有持有者令牌匹配时才删除锁。
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const defaultRetryInterval = 100 * time.Millisecond

// Locker 基于 SET NX PX 的分布式互斥锁。
type Locker struct {
	client goredis.Scripter
	setter goredis.Cmdable
	prefix string
	retry  time.Duration
}

var _ session.Locker = (*Locker)(nil)

// NewLocker 创建分布式锁。
func NewLocker(client *goredis.Client, prefix string) *Locker {
	return &Locker{client: client, setter: client, prefix: keyPrefix(prefix), retry: defaultRetryInterval}
}

// Acquire 轮询获取锁直到成功或 ctx 结束。
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	full := l.prefix + ":lock:" + key
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.setter.SetNX(ctx, full, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "等待分布式锁被取消")
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取分布式锁失败",
				xerrors.WithMetadata("key", key))
		}
		if ok {
			return func() { l.release(full, token) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "等待分布式锁被取消",
				xerrors.WithMetadata("key", key))
		case <-ticker.C:
		}
	}
}

func (l *Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && err != goredis.Nil {
		logger.Named("redis").Warn("释放分布式锁失败", slog.String("key", key), slog.Any("error", err))
	}
}
