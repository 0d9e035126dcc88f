package task

import "context"

// Failure 描述一次失败的执行。Terminal 为 true 时任务不会再被重试。
type Failure struct {
	Code     string
	Message  string
	Terminal bool
	Result   *Result
}

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	Attach(ctx context.Context, id, sessionID, workflowID string) error
	MarkSucceeded(ctx context.Context, id string, result Result) error
	MarkFailed(ctx context.Context, id string, failure Failure) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
