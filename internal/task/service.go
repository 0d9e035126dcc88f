package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/session"
	"github.com/precious195/airbrain-sub000/internal/workflow"
	"github.com/precious195/airbrain-sub000/pkg/logger"
)

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	sessions   *session.Manager
	maxRetries int
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithSessions 允许提交任务时写入会话凭据。
func WithSessions(m *session.Manager) ServiceOption {
	return func(s *Service) {
		s.sessions = m
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的任务并推送到队列。携带相同 ID 的重复提交返回已有任务。
func (s *Service) Submit(ctx context.Context, req Request) (*Task, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	if req.Credentials != nil {
		if err := s.applyCredentials(ctx, req); err != nil {
			return nil, err
		}
	}

	task := &Task{
		ID:         taskID,
		Tenant:     strings.TrimSpace(req.Tenant),
		Goal:       strings.TrimSpace(req.Goal),
		TargetURL:  strings.TrimSpace(req.TargetURL),
		SystemType: req.SystemType,
		Plan:       clonePlan(req.Plan),
		Variables:  cloneVariables(req.Variables),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if task.Goal == "" && task.Plan != nil {
		task.Goal = task.Plan.Goal
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, taskID, Failure{Code: string(CodeTaskPublish), Message: wrapped.Error(), Terminal: true})
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("tenant", task.Tenant),
		slog.String("goal", task.Goal),
		slog.String("target", session.NormalizeTarget(task.TargetURL)),
		slog.Bool("preplanned", task.Plan != nil),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.Tenant) == "" {
		return xerrors.New(CodeTaskValidation, "租户不能为空")
	}
	if strings.TrimSpace(req.Goal) == "" && req.Plan == nil {
		return xerrors.New(CodeTaskValidation, "任务目标不能为空")
	}
	target := strings.TrimSpace(req.TargetURL)
	parsed, err := url.Parse(target)
	if target == "" || err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return xerrors.New(CodeTaskValidation, "目标地址必须是完整的 URL")
	}
	switch req.SystemType {
	case "", session.SystemAPI, session.SystemBrowser, session.SystemHybrid:
	default:
		return xerrors.New(CodeTaskValidation, "未知的系统类型 "+string(req.SystemType))
	}
	if req.Plan != nil {
		if err := workflow.Validate(req.Plan.Steps); err != nil {
			return err
		}
	}
	return nil
}

// applyCredentials 将凭据写入会话，凭据不会随任务持久化。
func (s *Service) applyCredentials(ctx context.Context, req Request) error {
	if s.sessions == nil {
		return xerrors.New(CodeTaskValidation, "当前部署不接受凭据")
	}
	sess, err := s.sessions.GetOrCreate(ctx, req.Tenant, req.TargetURL, req.SystemType)
	if err != nil {
		return err
	}
	state := *req.Credentials
	if state.Kind == "" {
		switch {
		case state.Token != "":
			state.Kind = session.AuthToken
		case state.APIKey != "":
			state.Kind = session.AuthAPIKey
		case len(state.Cookies) > 0:
			state.Kind = session.AuthSession
		default:
			state.Kind = session.AuthNone
		}
	}
	s.sessions.UpdateAuthState(sess.ID, state)
	return nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询任务状态，直到成功或终止性失败。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status == StatusSucceeded || (task.Status == StatusFailed && task.Attempts >= task.MaxRetries) {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
