package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	xerrors "CryptoPilot/internal/errors"
	"CryptoPilot/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelRabbitMQ Channel = "rabbitmq"
	ChannelLog      Channel = "log"
)

// Event 描述一次需要告警的运行失败事件。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	RunID      string
	UserID     string
	ThreadID   string
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把告警写入应用日志，是没有配置外部渠道时的兜底。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警日志。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	logger.L().Error("运行告警",
		"code", string(event.Code),
		"severity", string(event.Severity),
		"run_id", event.RunID,
		"user_id", event.UserID,
		"thread_id", event.ThreadID,
		"message", event.Message,
	)
	return nil
}

// FromRunError 由运行错误构建告警事件。
func FromRunError(err error, runID, userID, threadID string) Event {
	return Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		RunID:      runID,
		UserID:     userID,
		ThreadID:   threadID,
		OccurredAt: time.Now(),
	}
}
