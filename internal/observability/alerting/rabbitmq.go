package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述告警队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// RabbitMQNotifier 把告警事件以 JSON 形式投递到 RabbitMQ 队列，
// 由外部的值班系统消费。
type RabbitMQNotifier struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitMQNotifier 创建 RabbitMQ 告警通知器。
func NewRabbitMQNotifier(cfg RabbitMQConfig) (*RabbitMQNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "cryptopilot.alerts"
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
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQNotifier{conn: conn, ch: ch, queue: queue}, nil
}

// Channel 返回 RabbitMQ 渠道。
func (n *RabbitMQNotifier) Channel() Channel { return ChannelRabbitMQ }

// Notify 发布告警事件。
func (n *RabbitMQNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.ch == nil {
		return errors.New("RabbitMQ 通知器未初始化")
	}
	payload, err := json.Marshal(map[string]any{
		"code":        string(event.Code),
		"message":     event.Message,
		"severity":    string(event.Severity),
		"run_id":      event.RunID,
		"user_id":     event.UserID,
		"thread_id":   event.ThreadID,
		"metadata":    event.Metadata,
		"occurred_at": event.OccurredAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("序列化告警事件失败: %w", err)
	}
	return n.ch.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
}

// Close 关闭 RabbitMQ 连接。
func (n *RabbitMQNotifier) Close() error {
	if n == nil {
		return nil
	}
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}

var _ Notifier = (*RabbitMQNotifier)(nil)
