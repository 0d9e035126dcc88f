package notify

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// RedisNotifier 通过 Redis PUBLISH 推送事件，前端或聊天机器人订阅该频道。
type RedisNotifier struct {
	client  goredis.Cmdable
	channel string
}

// NewRedisNotifier 创建 Redis 推送渠道。
func NewRedisNotifier(client goredis.Cmdable, channel string) *RedisNotifier {
	if channel == "" {
		channel = "airbrain:events"
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Name 返回渠道名。
func (n *RedisNotifier) Name() string { return "redis" }

// Notify 发布 JSON 事件。
func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}
