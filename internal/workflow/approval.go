package workflow

import (
	"context"
	"time"
)

// ApprovalRequest 描述 human_approval 步骤发起的审批。
type ApprovalRequest struct {
	WorkflowID string
	StepID     string
	SessionID  string
	Message    string
	Timeout    time.Duration
}

// Approver 接收审批请求并阻塞等待外部决定。
// AwaitApproval 在批准时返回 nil，拒绝返回 APPROVAL_REJECTED，超时返回 APPROVAL_TIMEOUT。
type Approver interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (string, error)
	AwaitApproval(ctx context.Context, id string) error
}
