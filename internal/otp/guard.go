package otp

import (
	"context"
	"log/slog"
	"time"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/executor"
)

// Guard 在浏览器跳转后检测验证码页面，暂停自动化直到操作者提交验证码。
type Guard struct {
	coord     *Coordinator
	sessionID string
	target    string
	timeout   time.Duration
}

var _ executor.CheckpointHandler = (*Guard)(nil)

// NewGuard 为某个会话创建检查点处理器。timeout 为 0 时使用协调器默认值。
func NewGuard(coord *Coordinator, sessionID, target string, timeout time.Duration) *Guard {
	return &Guard{coord: coord, sessionID: sessionID, target: target, timeout: timeout}
}

// HandleCheckpoint 实现 executor.CheckpointHandler。
func (g *Guard) HandleCheckpoint(ctx context.Context, page executor.Driver) error {
	snap, err := page.Snapshot(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeActionExecution, err, "获取页面快照失败")
	}
	det := Detect(snap)
	if !det.Detected {
		return nil
	}
	if det.InputLocator == "" {
		return xerrors.New(xerrors.CodeActionExecution, "检测到验证码页面但未找到输入框",
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("url", snap.URL),
		)
	}

	in := RequestInput{
		SessionID: g.sessionID,
		Target:    g.target,
		Detection: det,
		Timeout:   g.timeout,
	}
	if info, ok := executor.StepFromContext(ctx); ok {
		in.WorkflowID = info.WorkflowID
		in.StepID = info.StepID
		if in.SessionID == "" {
			in.SessionID = info.SessionID
		}
	}
	req := g.coord.Request(ctx, in)
	g.coord.logger.Info("自动化暂停，等待验证码",
		slog.String("request_id", req.ID),
		slog.String("kind", string(det.Kind)),
		slog.Float64("confidence", det.Confidence),
	)

	code, err := g.coord.Await(ctx, req.ID)
	if err != nil {
		return err
	}
	if err := fill(ctx, page, det, code); err != nil {
		return xerrors.Wrap(xerrors.CodeActionExecution, err, "填写验证码失败",
			xerrors.WithMetadata("request_id", req.ID))
	}
	if det.SubmitLocator != "" {
		if err := page.Click(ctx, det.SubmitLocator); err != nil {
			return xerrors.Wrap(xerrors.CodeActionExecution, err, "提交验证码失败",
				xerrors.WithMetadata("request_id", req.ID))
		}
	}
	g.coord.MarkSubmitted(req.ID)
	return nil
}

// fill 对分格输入框逐位填写，否则整体写入单个输入框。
func fill(ctx context.Context, page executor.Driver, det Detection, code string) error {
	runes := []rune(code)
	if len(det.GroupLocators) > 1 && len(runes) == len(det.GroupLocators) {
		for i, locator := range det.GroupLocators {
			if err := page.Fill(ctx, locator, string(runes[i])); err != nil {
				return err
			}
		}
		return nil
	}
	return page.Fill(ctx, det.InputLocator, code)
}
