package task

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/llm"
	"github.com/precious195/airbrain-sub000/internal/planner"
	"github.com/precious195/airbrain-sub000/internal/session"
	"github.com/precious195/airbrain-sub000/internal/workflow"
	"github.com/precious195/airbrain-sub000/pkg/logger"
)

const defaultAuthTTL = 30 * time.Minute

// Runner 执行单个任务：规划、获取会话运行锁、运行工作流，并把结果写回会话。
type Runner struct {
	planner   planner.Planner
	engine    *workflow.Engine
	sessions  *session.Manager
	executors ExecutorFactory
	authTTL   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// RunnerOption 定义可选配置。
type RunnerOption func(*Runner)

// WithPlanner 配置规划器。未配置时只能执行自带计划的任务。
func WithPlanner(p planner.Planner) RunnerOption {
	return func(r *Runner) {
		r.planner = p
	}
}

// WithAuthTTL 设置工作流登录成功后会话认证的有效期。
func WithAuthTTL(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.authTTL = d
		}
	}
}

// WithRunnerClock 替换时间源。
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner 构造 Runner。
func NewRunner(engine *workflow.Engine, sessions *session.Manager, executors ExecutorFactory, opts ...RunnerOption) *Runner {
	r := &Runner{
		engine:    engine,
		sessions:  sessions,
		executors: executors,
		authTTL:   defaultAuthTTL,
		now:       time.Now,
		logger:    logger.Named("task.runner"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Run 执行任务。attach 在工作流创建后、开始执行前被调用。
// 返回的 Result 在工作流已创建时非 nil。
func (r *Runner) Run(ctx context.Context, task *Task, attach func(sessionID, workflowID string)) (*Result, error) {
	if r.engine == nil || r.sessions == nil || r.executors == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务执行器未初始化")
	}
	sess, err := r.sessions.GetOrCreate(ctx, task.Tenant, task.TargetURL, task.SystemType)
	if err != nil {
		return nil, err
	}

	plan, err := r.plan(ctx, task, sess)
	if err != nil {
		return nil, err
	}

	release, err := r.sessions.Acquire(ctx, sess)
	if err != nil {
		return nil, err
	}
	defer release()

	actions, err := r.executors.ExecutorFor(ctx, sess, session.SystemType(plan.SystemType))
	if err != nil {
		return nil, err
	}

	vars := sess.Variables()
	for k, v := range task.Variables {
		vars[k] = v
	}
	wf := workflow.New(*plan,
		workflow.WithSession(sess.ID, task.Tenant),
		workflow.WithVariables(vars),
	)
	if attach != nil {
		attach(sess.ID, wf.ID)
	}

	res, runErr := r.engine.Execute(ctx, wf, actions, workflow.WithRecorder(func(entry workflow.LogEntry) {
		r.sessions.LogExecution(sess.ID, session.HistoryEntry{
			WorkflowID: wf.ID,
			StepID:     entry.StepID,
			Outcome:    entry.Outcome,
			Error:      entry.Error,
			Timestamp:  entry.Timestamp,
		})
	}))

	switch {
	case runErr == nil:
		for name, value := range res.Variables {
			r.sessions.SetVariable(sess.ID, name, value)
		}
		if plan.RequiresAuth && !r.sessions.IsAuthenticated(sess.ID) {
			r.markAuthenticated(sess)
		}
	case xerrors.HasCode(runErr, xerrors.CodeAuthentication):
		r.sessions.UpdateAuthState(sess.ID, session.AuthState{Kind: session.AuthNone})
		r.logger.Warn("目标拒绝凭据，已重置会话认证状态",
			slog.String("session_id", sess.ID),
			slog.String("task_id", task.ID),
		)
	}
	return toResult(res), runErr
}

func (r *Runner) plan(ctx context.Context, task *Task, sess *session.Session) (*workflow.Plan, error) {
	req := planner.Request{
		Goal:           task.Goal,
		TargetURL:      task.TargetURL,
		SystemType:     string(task.SystemType),
		HasCredentials: hasCredentials(sess.Auth()),
		History:        plannerHistory(sess.History()),
	}
	if task.Plan != nil {
		return planner.Finalize(clonePlan(task.Plan), req)
	}
	if r.planner == nil {
		return nil, xerrors.New(xerrors.CodePlanning, "未配置规划器且任务未附带计划", xerrors.WithRetryable(false))
	}
	started := r.now()
	plan, err := r.planner.Plan(ctx, req)
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodePlanning, err, "规划失败")
		}
		return nil, err
	}
	r.logger.Info("规划完成",
		slog.String("task_id", task.ID),
		slog.String("session_id", sess.ID),
		slog.Int("steps", len(plan.Steps)),
		slog.Duration("elapsed", r.now().Sub(started)),
	)
	return plan, nil
}

func (r *Runner) markAuthenticated(sess *session.Session) {
	state := sess.Auth()
	if state.Kind == "" || state.Kind == session.AuthNone {
		state.Kind = session.AuthSession
	}
	state.Authenticated = true
	expires := r.now().Add(r.authTTL)
	state.ExpiresAt = &expires
	r.sessions.UpdateAuthState(sess.ID, state)
}

func hasCredentials(state session.AuthState) bool {
	if state.Authenticated {
		return true
	}
	return strings.TrimSpace(state.Token) != "" || strings.TrimSpace(state.APIKey) != "" || len(state.Cookies) > 0
}

func plannerHistory(entries []session.HistoryEntry) []llm.HistoryEntry {
	out := make([]llm.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, llm.HistoryEntry{
			WorkflowID: e.WorkflowID,
			StepID:     e.StepID,
			Outcome:    e.Outcome,
			Error:      e.Error,
			CreatedAt:  e.Timestamp.Unix(),
		})
	}
	return out
}

func toResult(res *workflow.Result) *Result {
	if res == nil {
		return nil
	}
	return &Result{
		WorkflowID: res.WorkflowID,
		Success:    res.Success,
		Status:     res.Status,
		FailedStep: res.FailedStep,
		Error:      res.Error,
		ErrorCode:  res.ErrorCode,
		Steps:      res.StepsExecuted,
		Variables:  cloneVariables(res.Variables),
	}
}
