package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/notify"
	"github.com/precious195/airbrain-sub000/pkg/logger"
)

// Processor 负责从队列消费任务并交给 Runner 执行。
type Processor struct {
	runner      *Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	notifier    notify.Dispatcher
	observe     func(outcome string)
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithNotifier 配置任务失败与完成事件的派发器。
func WithNotifier(dispatcher notify.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.notifier = dispatcher
	}
}

// WithOutcomeObserver 在每个任务结束一次尝试后回调 succeeded、retried 或 failed。
func WithOutcomeObserver(fn func(outcome string)) ProcessorOption {
	return func(p *Processor) {
		p.observe = fn
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner *Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}

	result, runErr := p.runner.Run(ctx, task, func(sessionID, workflowID string) {
		task.SessionID = sessionID
		task.WorkflowID = workflowID
		if err := p.store.Attach(ctx, task.ID, sessionID, workflowID); err != nil {
			logger.L().Warn("记录任务工作流失败", slog.Any("error", err), slog.String("task_id", task.ID))
		}
	})
	if runErr != nil {
		return p.handleExecutionFailure(ctx, task, result, runErr)
	}

	var record Result
	if result != nil {
		record = *result
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, record); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("tenant", task.Tenant),
		slog.String("goal", task.Goal),
		slog.String("workflow_id", record.WorkflowID),
		slog.Int("steps_executed", record.Steps),
	)
	p.emit(ctx, task, notify.EventTaskCompleted, "", nil, "completed")
	p.record("succeeded")
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, result *Result, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	failure := Failure{
		Code:     string(code),
		Message:  execErr.Error(),
		Terminal: terminal,
		Result:   result,
	}
	if storeErr := p.store.MarkFailed(ctx, task.ID, failure); storeErr != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("goal", task.Goal),
		slog.String("workflow_id", task.WorkflowID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage, outcome := "retry", "retried"
	if terminal {
		stage, outcome = "terminal", "failed"
	}
	p.emit(ctx, task, notify.EventTaskFailed, code, execErr, stage)
	p.record(outcome)

	if retryable && !terminal {
		if p.producer == nil {
			return nil
		}
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
		}
		p.logDebug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

func (p *Processor) record(outcome string) {
	if p.observe != nil {
		p.observe(outcome)
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emit(ctx context.Context, task *Task, typ notify.EventType, code xerrors.Code, cause error, stage string) {
	if p == nil || p.notifier == nil || task == nil {
		return
	}
	event := notify.Event{
		Type:       typ,
		TaskID:     task.ID,
		SessionID:  task.SessionID,
		WorkflowID: task.WorkflowID,
		Tenant:     task.Tenant,
		Message:    task.Goal,
		Code:       code,
		Severity:   xerrors.SeverityInfo,
		Metadata: map[string]string{
			"stage":       stage,
			"attempts":    strconv.Itoa(task.Attempts),
			"max_retries": strconv.Itoa(task.MaxRetries),
		},
		OccurredAt: time.Now().UTC(),
	}
	if cause != nil {
		event.Message = cause.Error()
		event.Severity = xerrors.SeverityOf(cause)
	}
	if err := p.notifier.Notify(ctx, event); err != nil {
		logger.L().Error("任务事件通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
