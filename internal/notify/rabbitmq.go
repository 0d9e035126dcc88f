package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述事件交换机。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
}

// RabbitMQNotifier 将事件发布到 topic 交换机，路由键为事件类型。
type RabbitMQNotifier struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQNotifier 连接 RabbitMQ 并声明交换机。
func NewRabbitMQNotifier(cfg RabbitMQConfig) (*RabbitMQNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "airbrain.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQNotifier{conn: conn, ch: ch, exchange: exchange}, nil
}

// Name 返回渠道名。
func (n *RabbitMQNotifier) Name() string { return "rabbitmq" }

// Notify 发布事件。
func (n *RabbitMQNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch == nil {
		return errors.New("RabbitMQ 通知渠道已关闭")
	}
	return n.ch.PublishWithContext(ctx, n.exchange, string(event.Type), false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   event.RequestID,
		Timestamp:   event.OccurredAt,
		Body:        payload,
	})
}

// Close 关闭连接。
func (n *RabbitMQNotifier) Close() error {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ch != nil {
		_ = n.ch.Close()
		n.ch = nil
	}
	if n.conn != nil {
		err := n.conn.Close()
		n.conn = nil
		return err
	}
	return nil
}
