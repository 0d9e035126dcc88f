package workflow

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/executor"
	"github.com/precious195/airbrain-sub000/pkg/logger"
)

const (
	defaultItemVariable  = "loop_item"
	defaultIndexVariable = "loop_index"
	persistTimeout       = 5 * time.Second
)

// Config 控制引擎的执行上限与重试节奏。
type Config struct {
	MaxLoopIterations int           `json:"max_loop_iterations" yaml:"max_loop_iterations"`
	RetryBaseDelay    time.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`
	RetryMaxDelay     time.Duration `json:"retry_max_delay" yaml:"retry_max_delay"`
	RetryMaxElapsed   time.Duration `json:"retry_max_elapsed" yaml:"retry_max_elapsed"`
	ParallelLimit     int           `json:"parallel_limit" yaml:"parallel_limit"`
	StepTimeout       time.Duration `json:"step_timeout" yaml:"step_timeout"`
	MaxStepExecutions int           `json:"max_step_executions" yaml:"max_step_executions"`
	Retained          int           `json:"retained" yaml:"retained"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		MaxLoopIterations: 1000,
		RetryBaseDelay:    500 * time.Millisecond,
		RetryMaxDelay:     30 * time.Second,
		RetryMaxElapsed:   5 * time.Minute,
		ParallelLimit:     8,
		MaxStepExecutions: 10000,
		Retained:          1000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxLoopIterations <= 0 {
		c.MaxLoopIterations = def.MaxLoopIterations
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = def.RetryMaxElapsed
	}
	if c.ParallelLimit <= 0 {
		c.ParallelLimit = def.ParallelLimit
	}
	if c.MaxStepExecutions <= 0 {
		c.MaxStepExecutions = def.MaxStepExecutions
	}
	if c.Retained <= 0 {
		c.Retained = def.Retained
	}
	return c
}

// Observer 接收步骤与工作流的完成事件，用于指标统计。
type Observer interface {
	StepFinished(stepType StepType, outcome string, elapsed time.Duration)
	WorkflowFinished(status Status, elapsed time.Duration)
}

// Result 是一次执行的结论。失败时同样携带变量快照，便于查看部分进度。
type Result struct {
	WorkflowID    string         `json:"workflow_id"`
	Success       bool           `json:"success"`
	Status        Status         `json:"status"`
	Error         string         `json:"error,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	FailedStep    string         `json:"failed_step,omitempty"`
	CurrentStep   int            `json:"current_step"`
	StepsExecuted int            `json:"steps_executed"`
	Variables     map[string]any `json:"variables,omitempty"`
	Log           []LogEntry     `json:"log,omitempty"`
}

// EngineOption 定义引擎的可选配置。
type EngineOption func(*Engine)

// WithConfig 设置执行上限。
func WithConfig(cfg Config) EngineOption {
	return func(e *Engine) {
		e.cfg = cfg.withDefaults()
	}
}

// WithStore 配置快照持久化。
func WithStore(store Store) EngineOption {
	return func(e *Engine) {
		e.store = store
	}
}

// WithApprover 配置 human_approval 步骤的审批方。
func WithApprover(approver Approver) EngineOption {
	return func(e *Engine) {
		e.approver = approver
	}
}

// WithObserver 配置指标回调。
func WithObserver(observer Observer) EngineOption {
	return func(e *Engine) {
		e.observer = observer
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// RunOption 定义单次执行的可选配置。
type RunOption func(*run)

// WithRecorder 在每条执行日志写入后回调，例如同步到会话历史。
func WithRecorder(fn func(LogEntry)) RunOption {
	return func(r *run) {
		r.recorder = fn
	}
}

// Engine 按游标顺序执行工作流步骤，并按步骤的错误策略处理失败。
type Engine struct {
	cfg      Config
	store    Store
	approver Approver
	observer Observer
	logger   *slog.Logger

	mu        sync.Mutex
	workflows map[string]*Workflow
	order     []string
	active    map[string]context.CancelFunc
}

// NewEngine 创建执行引擎。
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:       DefaultConfig(),
		logger:    logger.Named("workflow"),
		workflows: make(map[string]*Workflow),
		active:    make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

type run struct {
	wf         *Workflow
	actions    executor.Executor
	steps      map[string]Step
	index      map[string]int
	owned      map[string]bool
	executions atomic.Int64
	recorder   func(LogEntry)
}

func newRun(wf *Workflow, actions executor.Executor) *run {
	r := &run{
		wf:      wf,
		actions: actions,
		steps:   make(map[string]Step, len(wf.Steps)),
		index:   make(map[string]int, len(wf.Steps)),
		owned:   make(map[string]bool),
	}
	for i, step := range wf.Steps {
		r.steps[step.ID] = step
		r.index[step.ID] = i
	}
	for id := range ownedSteps(wf.Steps) {
		r.owned[id] = true
	}
	return r
}

// ownedSteps 返回作为循环体、并行分支或补偿步骤出现的步骤 ID。
func ownedSteps(steps []Step) map[string]struct{} {
	owned := make(map[string]struct{})
	for _, step := range steps {
		for _, id := range step.Children() {
			owned[id] = struct{}{}
		}
		for _, id := range step.RollbackSteps {
			owned[id] = struct{}{}
		}
	}
	return owned
}

func (r *run) record(entry LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	r.wf.appendLog(entry)
	if r.recorder != nil {
		r.recorder(entry)
	}
}

// Execute 从当前游标开始执行，直到越过最后一个步骤或发生未处理的失败。
// 返回的 Result 总是非 nil。
func (e *Engine) Execute(ctx context.Context, wf *Workflow, actions executor.Executor, opts ...RunOption) (*Result, error) {
	if wf == nil {
		return &Result{Status: StatusFailed}, xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}
	e.register(wf)
	if actions == nil {
		err := xerrors.New(xerrors.CodeInvalidArgument, "action executor 不能为空")
		return e.result(wf, 0), err
	}
	if err := Validate(wf.Steps); err != nil {
		wf.fail("", string(xerrors.CodeOf(err)), err.Error())
		e.persist(ctx, wf)
		e.logger.Error("工作流校验失败", slog.String("workflow_id", wf.ID), slog.Any("error", err))
		return e.result(wf, 0), err
	}
	if wf.Status().Terminal() {
		return e.result(wf, 0), xerrors.New(xerrors.CodeConflict, "工作流已结束",
			xerrors.WithMetadata("workflow_id", wf.ID))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !e.activate(wf.ID, cancel) {
		return e.result(wf, 0), xerrors.New(xerrors.CodeConflict, "工作流正在执行",
			xerrors.WithMetadata("workflow_id", wf.ID))
	}
	defer e.deactivate(wf.ID)

	r := newRun(wf, actions)
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	started := time.Now()
	wf.setStatus(StatusRunning)
	e.persist(runCtx, wf)
	e.logger.Info("工作流开始执行",
		slog.String("workflow_id", wf.ID),
		slog.String("session_id", wf.SessionID),
		slog.Int("steps", len(wf.Steps)),
		slog.Int("cursor", wf.Cursor()),
	)

	failedStep, err := e.drive(runCtx, r)
	if err != nil {
		wf.fail(failedStep, string(xerrors.CodeOf(err)), err.Error())
		e.logger.Error("工作流执行失败",
			slog.String("workflow_id", wf.ID),
			slog.String("step_id", failedStep),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
	} else {
		wf.setStatus(StatusCompleted)
		e.logger.Info("工作流执行完成",
			slog.String("workflow_id", wf.ID),
			slog.Int64("steps_executed", r.executions.Load()),
		)
	}
	e.persist(context.WithoutCancel(ctx), wf)
	if e.observer != nil {
		e.observer.WorkflowFinished(wf.Status(), time.Since(started))
	}
	return e.result(wf, int(r.executions.Load())), err
}

func (e *Engine) drive(ctx context.Context, r *run) (string, error) {
	steps := r.wf.Steps
	cursor := r.wf.Cursor()
	for cursor < len(steps) {
		step := steps[cursor]
		if err := ctx.Err(); err != nil {
			return step.ID, interrupted(err)
		}
		if r.owned[step.ID] {
			cursor++
			r.wf.setCursor(cursor)
			continue
		}
		_, next, err := e.runStep(ctx, r, step)
		if err != nil {
			return step.ID, err
		}
		if next != "" {
			cursor = r.index[next]
			e.logger.Debug("条件跳转",
				slog.String("workflow_id", r.wf.ID),
				slog.String("step_id", step.ID),
				slog.String("target", next),
			)
		} else {
			cursor++
		}
		r.wf.setCursor(cursor)
	}
	return "", nil
}

// runStep 执行一个步骤并应用其错误策略。
func (e *Engine) runStep(ctx context.Context, r *run, step Step) (any, string, error) {
	policy := step.Policy()
	maxAttempts := 1
	if policy == OnErrorRetry {
		maxAttempts += step.RetryCount
	}
	started := time.Now()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptStart := time.Now()
		out, next, err := e.attempt(ctx, r, step)
		if err == nil {
			if step.OutputVariable != "" && out != nil {
				r.wf.SetVariable(step.OutputVariable, out)
			}
			r.record(LogEntry{StepID: step.ID, Type: step.Spec.StepType(), Outcome: OutcomeSuccess, Output: out, Attempt: attempt})
			e.observeStep(step, OutcomeSuccess, attemptStart)
			return out, next, nil
		}
		lastErr = err
		r.record(LogEntry{StepID: step.ID, Type: step.Spec.StepType(), Outcome: OutcomeFailed, Error: err.Error(), Attempt: attempt})
		e.observeStep(step, OutcomeFailed, attemptStart)
		e.logger.Warn("步骤执行失败",
			slog.String("workflow_id", r.wf.ID),
			slog.String("step_id", step.ID),
			slog.Int("attempt", attempt),
			slog.String("policy", string(policy)),
			slog.Any("error", err),
		)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", interrupted(ctxErr)
		}
		if attempt == maxAttempts || xerrors.HasCode(err, xerrors.CodeCancelled) {
			break
		}
		delay := e.backoff(attempt)
		if time.Since(started)+delay > e.cfg.RetryMaxElapsed {
			e.logger.Warn("重试超出时间上限",
				slog.String("workflow_id", r.wf.ID),
				slog.String("step_id", step.ID),
				slog.Duration("elapsed", time.Since(started)),
			)
			break
		}
		if err := executor.Sleep(ctx, delay); err != nil {
			return nil, "", interrupted(err)
		}
	}

	switch policy {
	case OnErrorContinue:
		r.record(LogEntry{StepID: step.ID, Type: step.Spec.StepType(), Outcome: OutcomeContinued, Error: lastErr.Error()})
		return nil, "", nil
	case OnErrorRollback:
		e.rollback(ctx, r, step)
	}
	return nil, "", lastErr
}

func (e *Engine) attempt(ctx context.Context, r *run, step Step) (any, string, error) {
	if n := r.executions.Add(1); n > int64(e.cfg.MaxStepExecutions) {
		return nil, "", xerrors.New(xerrors.CodePlanning, "超过最大步骤执行次数，工作流可能存在环",
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("limit", fmt.Sprint(e.cfg.MaxStepExecutions)),
		)
	}
	timeout := step.Timeout.Std()
	if timeout <= 0 && isAtomic(step) {
		timeout = e.cfg.StepTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx = executor.WithStep(ctx, executor.StepInfo{WorkflowID: r.wf.ID, StepID: step.ID, SessionID: r.wf.SessionID})
	vars := r.wf.Variables()

	switch spec := step.Spec.(type) {
	case APISpec:
		return e.runAPI(ctx, r, spec, vars)
	case BrowserSpec:
		return e.runBrowser(ctx, r, spec, vars)
	case ConditionSpec:
		return e.runCondition(r, step, spec, vars)
	case LoopSpec:
		return e.runLoop(ctx, r, spec, vars)
	case ParallelSpec:
		return e.runParallel(ctx, r, step, spec)
	case DelaySpec:
		if err := executor.Sleep(ctx, spec.Duration.Std()); err != nil {
			return nil, "", interrupted(err)
		}
		return nil, "", nil
	case ApprovalSpec:
		return e.runApproval(ctx, r, step, spec, vars)
	default:
		return nil, "", xerrors.Newf(xerrors.CodeValidation, "step %q has unsupported type %T", step.ID, step.Spec)
	}
}

func isAtomic(step Step) bool {
	switch step.Spec.(type) {
	case APISpec, BrowserSpec, DelaySpec:
		return true
	}
	return false
}

func (e *Engine) runAPI(ctx context.Context, r *run, spec APISpec, vars map[string]any) (any, string, error) {
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = "GET"
	}
	req := executor.CallRequest{
		Endpoint: SubstituteString(spec.Endpoint, vars),
		Method:   method,
	}
	if len(spec.Params) > 0 {
		req.Params, _ = Substitute(spec.Params, vars).(map[string]any)
	}
	if len(spec.Headers) > 0 {
		req.Headers, _ = Substitute(spec.Headers, vars).(map[string]string)
	}
	res, err := r.actions.Call(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if res == nil {
		return nil, "", nil
	}
	return res.Body, "", nil
}

func (e *Engine) runBrowser(ctx context.Context, r *run, spec BrowserSpec, vars map[string]any) (any, string, error) {
	extracted := make(map[string]any)
	for i, action := range spec.Actions {
		locator := SubstituteString(action.Locator, vars)
		var err error
		switch action.Type {
		case ActionNavigate:
			err = r.actions.Navigate(ctx, SubstituteString(action.URL, vars))
		case ActionClick:
			err = r.actions.Click(ctx, locator)
		case ActionTypeText:
			err = r.actions.Type(ctx, locator, SubstituteString(action.Value, vars))
		case ActionExtract:
			var text string
			text, err = r.actions.Extract(ctx, locator)
			if err == nil {
				key := action.OutputVariable
				if key == "" {
					key = locator
				} else {
					r.wf.SetVariable(key, text)
					vars[key] = text
				}
				extracted[key] = text
			}
		case ActionWait:
			err = r.actions.Wait(ctx, executor.WaitCondition{
				Locator:  locator,
				Duration: action.Duration.Std(),
				Timeout:  action.Timeout.Std(),
			})
		default:
			err = xerrors.Newf(xerrors.CodeValidation, "unknown browser action %q", action.Type)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !xerrors.HasCode(err, xerrors.CodeCancelled) {
				return nil, "", interrupted(ctxErr)
			}
			e.logger.Debug("浏览器动作失败",
				slog.String("workflow_id", r.wf.ID),
				slog.Int("action", i+1),
				slog.String("type", string(action.Type)),
			)
			return nil, "", err
		}
	}
	if len(extracted) == 0 {
		return nil, "", nil
	}
	return extracted, "", nil
}

func (e *Engine) runCondition(r *run, step Step, spec ConditionSpec, vars map[string]any) (any, string, error) {
	ok, err := EvaluateCondition(spec.Expression, vars)
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeActionExecution, err, "条件求值失败",
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("step_id", step.ID),
		)
	}
	target := spec.OnFalse
	if ok {
		target = spec.OnTrue
	}
	e.logger.Debug("条件求值",
		slog.String("workflow_id", r.wf.ID),
		slog.String("step_id", step.ID),
		slog.Bool("result", ok),
		slog.String("target", target),
	)
	return ok, target, nil
}

func (e *Engine) runLoop(ctx context.Context, r *run, spec LoopSpec, vars map[string]any) (any, string, error) {
	name := strings.Trim(strings.TrimSpace(spec.Source), "{}")
	raw, ok := Lookup(vars, name)
	if !ok {
		return nil, "", xerrors.New(xerrors.CodeActionExecution, fmt.Sprintf("loop source %q is not defined", name),
			xerrors.WithRetryable(false))
	}
	items, err := toSequence(raw)
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeActionExecution, err, "循环变量不是序列", xerrors.WithRetryable(false))
	}
	if len(items) > e.cfg.MaxLoopIterations {
		return nil, "", xerrors.New(xerrors.CodeActionExecution, "循环次数超过上限",
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("items", fmt.Sprint(len(items))),
			xerrors.WithMetadata("limit", fmt.Sprint(e.cfg.MaxLoopIterations)),
		)
	}
	itemVar := spec.ItemVariable
	if itemVar == "" {
		itemVar = defaultItemVariable
	}
	indexVar := spec.IndexVariable
	if indexVar == "" {
		indexVar = defaultIndexVariable
	}

	results := make([]map[string]any, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return results, "", interrupted(err)
		}
		r.wf.SetVariable(indexVar, i)
		r.wf.SetVariable(itemVar, item)
		iteration := make(map[string]any, len(spec.Body))
		for _, id := range spec.Body {
			out, _, err := e.runStep(ctx, r, r.steps[id])
			if err != nil {
				return results, "", err
			}
			iteration[id] = out
		}
		results = append(results, iteration)
	}
	return results, "", nil
}

func (e *Engine) runParallel(ctx context.Context, r *run, step Step, spec ParallelSpec) (any, string, error) {
	outcomes := make(map[string]BranchOutcome, len(spec.Steps))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.cfg.ParallelLimit)
	for _, id := range spec.Steps {
		child := r.steps[id]
		g.Go(func() error {
			out, _, err := e.runStep(ctx, r, child)
			outcome := BranchOutcome{StepID: child.ID, Success: err == nil, Output: out}
			if err != nil {
				outcome.Error = err.Error()
			}
			mu.Lock()
			outcomes[child.ID] = outcome
			mu.Unlock()
			// 分支错误只记录在结果中，不返回给 errgroup，避免影响其他分支。
			return nil
		})
	}
	_ = g.Wait()

	var failed []string
	for _, id := range spec.Steps {
		if !outcomes[id].Success {
			failed = append(failed, id)
		}
	}
	if len(failed) == 0 {
		return outcomes, "", nil
	}
	if err := ctx.Err(); err != nil {
		return outcomes, "", interrupted(err)
	}
	if step.OutputVariable != "" {
		r.wf.SetVariable(step.OutputVariable, outcomes)
	}
	return outcomes, "", xerrors.New(xerrors.CodeActionExecution, "parallel branches failed: "+strings.Join(failed, ", "),
		xerrors.WithRetryable(false),
		xerrors.WithMetadata("step_id", step.ID),
	)
}

func (e *Engine) runApproval(ctx context.Context, r *run, step Step, spec ApprovalSpec, vars map[string]any) (any, string, error) {
	if e.approver == nil {
		return nil, "", xerrors.New(xerrors.CodeActionExecution, "未配置审批方，human_approval 步骤无法继续",
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("step_id", step.ID),
		)
	}
	r.wf.setStatus(StatusPaused)
	e.persist(ctx, r.wf)
	e.logger.Info("工作流暂停，等待人工审批",
		slog.String("workflow_id", r.wf.ID),
		slog.String("step_id", step.ID),
	)

	id, err := e.approver.RequestApproval(ctx, ApprovalRequest{
		WorkflowID: r.wf.ID,
		StepID:     step.ID,
		SessionID:  r.wf.SessionID,
		Message:    SubstituteString(spec.Message, vars),
		Timeout:    spec.Timeout.Std(),
	})
	if err == nil {
		err = e.approver.AwaitApproval(ctx, id)
	}
	r.wf.setStatus(StatusRunning)
	e.persist(ctx, r.wf)
	if err != nil {
		return nil, "", err
	}
	return map[string]any{"approval_id": id, "approved": true}, "", nil
}

// rollback 依次执行补偿步骤。补偿失败只记录，不中断后续补偿。
func (e *Engine) rollback(ctx context.Context, r *run, step Step) {
	for _, id := range step.RollbackSteps {
		child := r.steps[id]
		started := time.Now()
		out, _, err := e.attempt(ctx, r, child)
		entry := LogEntry{StepID: id, Type: child.Spec.StepType(), Outcome: OutcomeRollback, Output: out, Attempt: 1}
		if err != nil {
			entry.Outcome = OutcomeRollbackFailed
			entry.Error = err.Error()
			e.logger.Warn("补偿步骤失败",
				slog.String("workflow_id", r.wf.ID),
				slog.String("step_id", id),
				slog.String("failed_step", step.ID),
				slog.Any("error", err),
			)
		} else if child.OutputVariable != "" && out != nil {
			r.wf.SetVariable(child.OutputVariable, out)
		}
		r.record(entry)
		e.observeStep(child, entry.Outcome, started)
	}
}

func (e *Engine) backoff(attempt int) time.Duration {
	delay := e.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.cfg.RetryMaxDelay {
			return e.cfg.RetryMaxDelay
		}
	}
	return delay
}

func (e *Engine) observeStep(step Step, outcome string, started time.Time) {
	if e.observer != nil {
		e.observer.StepFinished(step.Spec.StepType(), outcome, time.Since(started))
	}
}

// Cancel 取消正在执行的工作流。
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	cancel, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		cancel()
		e.logger.Info("工作流取消请求", slog.String("workflow_id", id))
	}
	return ok
}

// Workflow 返回工作流快照，内存中不存在时查询存储。
func (e *Engine) Workflow(ctx context.Context, id string) (Snapshot, bool) {
	e.mu.Lock()
	wf, ok := e.workflows[id]
	e.mu.Unlock()
	if ok {
		return wf.Snapshot(), true
	}
	if e.store == nil {
		return Snapshot{}, false
	}
	snap, err := e.store.Load(ctx, id)
	if err != nil {
		if !stdErrors.Is(err, ErrWorkflowNotFound) {
			e.logger.Warn("加载工作流快照失败", slog.String("workflow_id", id), slog.Any("error", err))
		}
		return Snapshot{}, false
	}
	return *snap, true
}

// List 列出工作流快照。配置了存储时以存储为准。
func (e *Engine) List(ctx context.Context, opts ListOptions) ([]Snapshot, error) {
	if e.store != nil {
		return e.store.List(ctx, opts)
	}
	opts = opts.normalize()
	e.mu.Lock()
	all := make([]*Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		all = append(all, wf)
	}
	e.mu.Unlock()
	out := make([]Snapshot, 0, len(all))
	for _, wf := range all {
		if snap := wf.Snapshot(); opts.match(snap) {
			out = append(out, snap)
		}
	}
	sortNewestFirst(out)
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Stats 汇总内存中工作流的状态分布。
type Stats struct {
	Total    int            `json:"total"`
	Active   int            `json:"active"`
	ByStatus map[Status]int `json:"by_status"`
}

// Stats 返回状态统计。
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	all := make([]*Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		all = append(all, wf)
	}
	active := len(e.active)
	e.mu.Unlock()
	stats := Stats{Total: len(all), Active: active, ByStatus: make(map[Status]int)}
	for _, wf := range all {
		stats.ByStatus[wf.Status()]++
	}
	return stats
}

func (e *Engine) register(wf *Workflow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.workflows[wf.ID]; ok {
		e.workflows[wf.ID] = wf
		return
	}
	e.workflows[wf.ID] = wf
	e.order = append(e.order, wf.ID)
	if len(e.order) <= e.cfg.Retained {
		return
	}
	// 超出保留数量时淘汰最早的已结束工作流。
	kept := e.order[:0]
	excess := len(e.order) - e.cfg.Retained
	for _, id := range e.order {
		if excess > 0 {
			if old, ok := e.workflows[id]; ok && old.Status().Terminal() {
				delete(e.workflows, id)
				excess--
				continue
			}
		}
		kept = append(kept, id)
	}
	e.order = kept
}

func (e *Engine) activate(id string, cancel context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, running := e.active[id]; running {
		return false
	}
	e.active[id] = cancel
	return true
}

func (e *Engine) deactivate(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

func (e *Engine) persist(ctx context.Context, wf *Workflow) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.store.Save(ctx, wf.Snapshot()); err != nil {
		e.logger.Warn("保存工作流快照失败", slog.String("workflow_id", wf.ID), slog.Any("error", err))
	}
}

func (e *Engine) result(wf *Workflow, executed int) *Result {
	snap := wf.Snapshot()
	return &Result{
		WorkflowID:    snap.ID,
		Success:       snap.Status == StatusCompleted,
		Status:        snap.Status,
		Error:         snap.Error,
		ErrorCode:     snap.ErrorCode,
		FailedStep:    snap.FailedStep,
		CurrentStep:   snap.CurrentStep,
		StepsExecuted: executed,
		Variables:     snap.Variables,
		Log:           snap.Log,
	}
}

// interrupted 将 ctx 错误映射为 CANCELLED 或 TIMEOUT。
func interrupted(err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "步骤执行超时")
	}
	return xerrors.Wrap(xerrors.CodeCancelled, err, "工作流被取消")
}

// toSequence 接受任意 slice/array，或 JSON 数组字符串。
func toSequence(raw any) ([]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case string:
		var items []any
		if err := json.Unmarshal([]byte(v), &items); err != nil {
			return nil, fmt.Errorf("value is not a JSON array: %w", err)
		}
		return items, nil
	}
	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return items, nil
	case reflect.Map:
		// map 按键排序后迭代其值，保证顺序稳定。
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return fmt.Sprint(keys[i]) < fmt.Sprint(keys[j]) })
		items := make([]any, len(keys))
		for i, k := range keys {
			items[i] = rv.MapIndex(k).Interface()
		}
		return items, nil
	}
	return nil, fmt.Errorf("value of type %T is not a sequence", raw)
}
