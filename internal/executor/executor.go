package executor

import (
	"context"
	stdErrors "errors"
	"time"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
)

// Executor 是工作流引擎对目标系统的唯一依赖：页面原语与接口调用。
// 所有方法都必须尊重 ctx 的取消与超时。
type Executor interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, locator string) error
	Type(ctx context.Context, locator, value string) error
	Extract(ctx context.Context, locator string) (string, error)
	Wait(ctx context.Context, cond WaitCondition) error
	Call(ctx context.Context, req CallRequest) (*CallResult, error)
}

// WaitCondition 描述一次等待：等待元素出现，或固定等待一段时间。
type WaitCondition struct {
	Locator  string        `json:"locator,omitempty" yaml:"locator,omitempty"`
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// CallRequest 描述一次 API 调用。GET/DELETE 的 Params 作为查询参数，其余方法作为 JSON 请求体。
type CallRequest struct {
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Params   map[string]any    `json:"params,omitempty"`
}

// CallResult 保存 API 调用的结构化结果。
type CallResult struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       any               `json:"body,omitempty"`
}

// PageSnapshot 是浏览器页面在某一时刻的可见内容，用于验证码检测。
type PageSnapshot struct {
	URL     string       `json:"url"`
	Title   string       `json:"title,omitempty"`
	Text    string       `json:"text"`
	Inputs  []InputField `json:"inputs,omitempty"`
	Buttons []Button     `json:"buttons,omitempty"`
}

// InputField 描述页面上的一个输入框。
type InputField struct {
	Locator      string `json:"locator"`
	Name         string `json:"name,omitempty"`
	ID           string `json:"id,omitempty"`
	Type         string `json:"type,omitempty"`
	Autocomplete string `json:"autocomplete,omitempty"`
	Placeholder  string `json:"placeholder,omitempty"`
	Label        string `json:"label,omitempty"`
	MaxLength    int    `json:"max_length,omitempty"`
}

// Button 描述页面上的一个可点击按钮。
type Button struct {
	Locator string `json:"locator"`
	Text    string `json:"text"`
}

// Driver 是具体浏览器自动化实现需要提供的页面级原语。
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, locator string) error
	Fill(ctx context.Context, locator, value string) error
	Text(ctx context.Context, locator string) (string, error)
	WaitFor(ctx context.Context, locator string, timeout time.Duration) error
	Snapshot(ctx context.Context) (PageSnapshot, error)
	Close() error
}

// CheckpointHandler 在页面跳转后检查是否出现验证码等中断页面，并负责处理。
type CheckpointHandler interface {
	HandleCheckpoint(ctx context.Context, page Driver) error
}

var (
	// ErrActionFailed 表示原子动作执行失败。
	ErrActionFailed = xerrors.New(xerrors.CodeActionExecution, "action execution failed")
	// ErrAuthentication 表示目标系统拒绝了当前凭据。
	ErrAuthentication = xerrors.New(xerrors.CodeAuthentication, "target rejected credentials")
)

// actionError 将底层错误包装为 ACTION_FAILED，已带错误码的错误原样返回。
func actionError(op, target string, cause error) error {
	if cause == nil {
		return nil
	}
	if _, ok := xerrors.From(cause); ok {
		return cause
	}
	if ctxErr := contextError(cause); ctxErr != nil {
		return ctxErr
	}
	return xerrors.Wrap(xerrors.CodeActionExecution, cause, op+" 失败",
		xerrors.WithMetadata("action", op),
		xerrors.WithMetadata("target", target),
	)
}

func unsupported(op string) error {
	return xerrors.New(xerrors.CodeActionExecution, op+" 不被当前执行器支持",
		xerrors.WithRetryable(false),
		xerrors.WithMetadata("action", op),
	)
}

func contextError(err error) error {
	switch {
	case stdErrors.Is(err, context.Canceled):
		return xerrors.Wrap(xerrors.CodeCancelled, err, "动作被取消")
	case stdErrors.Is(err, context.DeadlineExceeded):
		return xerrors.Wrap(xerrors.CodeTimeout, err, "动作执行超时")
	}
	return nil
}

// Sleep 在 ctx 取消前等待 d。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type stepKey struct{}

// StepInfo 标识当前正在执行的工作流步骤，供检查点处理器关联请求。
type StepInfo struct {
	WorkflowID string
	StepID     string
	SessionID  string
}

// WithStep 将步骤信息写入 ctx。
func WithStep(ctx context.Context, info StepInfo) context.Context {
	return context.WithValue(ctx, stepKey{}, info)
}

// StepFromContext 读取步骤信息。
func StepFromContext(ctx context.Context) (StepInfo, bool) {
	info, ok := ctx.Value(stepKey{}).(StepInfo)
	return info, ok
}
