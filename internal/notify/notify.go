// Package notify 将 OTP、审批与任务事件投递到展示渠道。
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/pkg/logger"
)

// EventType 标识事件种类。
type EventType string

// 协调器与任务流水线产生的事件。
const (
	EventOTPRequired      EventType = "otp_required"
	EventOTPSubmitted     EventType = "otp_submitted"
	EventOTPCancelled     EventType = "otp_cancelled"
	EventOTPExpired       EventType = "otp_expired"
	EventApprovalRequired EventType = "approval_required"
	EventApprovalGranted  EventType = "approval_granted"
	EventApprovalRejected EventType = "approval_rejected"
	EventApprovalExpired  EventType = "approval_expired"
	EventTaskFailed       EventType = "task_failed"
	EventTaskCompleted    EventType = "task_completed"
)

// Event 描述一次需要告知操作者的事件。
type Event struct {
	Type       EventType         `json:"type"`
	RequestID  string            `json:"request_id,omitempty"`
	SessionID  string            `json:"session_id,omitempty"`
	WorkflowID string            `json:"workflow_id,omitempty"`
	StepID     string            `json:"step_id,omitempty"`
	TaskID     string            `json:"task_id,omitempty"`
	Tenant     string            `json:"tenant,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Message    string            `json:"message,omitempty"`
	Code       xerrors.Code      `json:"code,omitempty"`
	Severity   xerrors.Severity  `json:"severity,omitempty"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到一个渠道。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 是事件的发送入口。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// Fanout 将事件广播给所有通知器，单个渠道失败不影响其他渠道。
type Fanout struct {
	notifiers []Notifier
}

var _ Dispatcher = (*Fanout)(nil)

// NewFanout 创建广播器，忽略 nil 通知器。
func NewFanout(notifiers ...Notifier) *Fanout {
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &Fanout{notifiers: set}
}

// Notify 将事件广播至所有渠道。
func (f *Fanout) Notify(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", n.Name(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将事件写入审计日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Name 返回渠道名。
func (n *LogNotifier) Name() string { return "log" }

// Notify 记录事件。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	l := logger.Audit()
	if n != nil && n.Logger != nil {
		l = n.Logger
	}
	attrs := []any{
		slog.String("event", string(event.Type)),
		slog.Time("occurred_at", event.OccurredAt),
	}
	for key, value := range map[string]string{
		"request_id":  event.RequestID,
		"session_id":  event.SessionID,
		"workflow_id": event.WorkflowID,
		"step_id":     event.StepID,
		"task_id":     event.TaskID,
		"tenant":      event.Tenant,
		"kind":        event.Kind,
		"code":        string(event.Code),
	} {
		if value != "" {
			attrs = append(attrs, slog.String(key, value))
		}
	}
	if event.ExpiresAt != nil {
		attrs = append(attrs, slog.Time("expires_at", *event.ExpiresAt))
	}
	l.Info(event.Message, attrs...)
	return nil
}

// FuncNotifier 将普通函数适配为 Notifier。
type FuncNotifier struct {
	Channel string
	Fn      func(ctx context.Context, event Event) error
}

// Name 返回渠道名。
func (n FuncNotifier) Name() string { return n.Channel }

// Notify 调用函数。
func (n FuncNotifier) Notify(ctx context.Context, event Event) error {
	if n.Fn == nil {
		return nil
	}
	return n.Fn(ctx, event)
}
