package task

import (
	stdErrors "errors"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/session"
	"github.com/precious195/airbrain-sub000/internal/workflow"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result 保存一次任务执行对应工作流的最终结果。
type Result struct {
	WorkflowID string          `json:"workflow_id"`
	Success    bool            `json:"success"`
	Status     workflow.Status `json:"status"`
	FailedStep string          `json:"failed_step,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Steps      int             `json:"steps_executed"`
	Variables  map[string]any  `json:"variables,omitempty"`
}

// Task 描述一次排队执行的自动化目标。
type Task struct {
	ID         string             `json:"id"`
	Tenant     string             `json:"tenant"`
	Goal       string             `json:"goal"`
	TargetURL  string             `json:"target_url"`
	SystemType session.SystemType `json:"system_type,omitempty"`
	// Plan 非空时跳过规划器直接执行。
	Plan       *workflow.Plan `json:"plan,omitempty"`
	Variables  map[string]any `json:"variables,omitempty"`
	Status     Status         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Result     *Result        `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Request 是提交任务的输入。凭据只写入会话，不随任务持久化。
type Request struct {
	ID          string             `json:"id,omitempty"`
	Tenant      string             `json:"tenant"`
	Goal        string             `json:"goal"`
	TargetURL   string             `json:"target_url"`
	SystemType  session.SystemType `json:"system_type,omitempty"`
	Plan        *workflow.Plan     `json:"plan,omitempty"`
	Variables   map[string]any     `json:"variables,omitempty"`
	Credentials *session.AuthState `json:"credentials,omitempty"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经成功完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:  "task already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsTaskError 判断错误是否为指定的任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeTaskNotFound:
		return stdErrors.Is(err, ErrTaskNotFound)
	case CodeTaskConflict:
		return stdErrors.Is(err, ErrTaskConflict)
	case CodeTaskCompleted:
		return stdErrors.Is(err, ErrTaskCompleted)
	case CodeTaskExhausted:
		return stdErrors.Is(err, ErrTaskExhausted)
	default:
		return xerrors.HasCode(err, target)
	}
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneVariables(vars map[string]any) map[string]any {
	if vars == nil {
		return nil
	}
	cloned := make(map[string]any, len(vars))
	for key, value := range vars {
		cloned[key] = value
	}
	return cloned
}

func clonePlan(plan *workflow.Plan) *workflow.Plan {
	if plan == nil {
		return nil
	}
	c := *plan
	c.Steps = append([]workflow.Step(nil), plan.Steps...)
	return &c
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		result := *task.Result
		result.Variables = cloneVariables(task.Result.Variables)
		clone.Result = &result
	}
	clone.Variables = cloneVariables(task.Variables)
	clone.Plan = clonePlan(task.Plan)
	return &clone
}
