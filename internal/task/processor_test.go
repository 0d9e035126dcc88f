package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/executor"
	"github.com/precious195/airbrain-sub000/internal/notify"
	"github.com/precious195/airbrain-sub000/internal/session"
	"github.com/precious195/airbrain-sub000/internal/workflow"
)

// scriptedExecutor 只实现 API 调用，按调用序号返回预设结果。
type scriptedExecutor struct {
	calls   atomic.Int32
	latency time.Duration
	failN   int32
	failErr error
	body    any
}

func (s *scriptedExecutor) Navigate(context.Context, string) error             { return nil }
func (s *scriptedExecutor) Click(context.Context, string) error                { return nil }
func (s *scriptedExecutor) Type(context.Context, string, string) error         { return nil }
func (s *scriptedExecutor) Extract(context.Context, string) (string, error)    { return "", nil }
func (s *scriptedExecutor) Wait(context.Context, executor.WaitCondition) error { return nil }

func (s *scriptedExecutor) Call(ctx context.Context, _ executor.CallRequest) (*executor.CallResult, error) {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	n := s.calls.Add(1)
	if s.failErr != nil && (s.failN < 0 || n <= s.failN) {
		return nil, s.failErr
	}
	return &executor.CallResult{StatusCode: 200, Body: s.body}, nil
}

type staticExecutors struct {
	exec executor.Executor
}

func (s staticExecutors) ExecutorFor(context.Context, *session.Session, session.SystemType) (executor.Executor, error) {
	return s.exec, nil
}

func fastEngine() *workflow.Engine {
	cfg := workflow.DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return workflow.NewEngine(workflow.WithConfig(cfg))
}

func balancePlan(requiresAuth bool) *workflow.Plan {
	return &workflow.Plan{
		Goal:         "check balance",
		SystemType:   "api",
		RequiresAuth: requiresAuth,
		Steps: []workflow.Step{{
			ID:             "fetch",
			Type:           workflow.StepAPI,
			OutputVariable: "balance",
			Spec:           workflow.APISpec{Endpoint: "/accounts/balance"},
		}},
	}
}

type eventSink struct {
	mu     sync.Mutex
	events []notify.Event
	ch     chan notify.Event
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan notify.Event, 64)}
}

func (s *eventSink) dispatcher() notify.Dispatcher {
	return notify.FuncNotifier{Channel: "test", Fn: func(_ context.Context, event notify.Event) error {
		s.mu.Lock()
		s.events = append(s.events, event)
		s.mu.Unlock()
		s.ch <- event
		return nil
	}}
}

func (s *eventSink) wait(t *testing.T, typ notify.EventType) notify.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case event := <-s.ch:
			if event.Type == typ {
				return event
			}
		case <-timeout:
			t.Fatalf("没有收到 %s 事件", typ)
		}
	}
}

type harness struct {
	store     *MemoryStore
	queue     *MemoryQueue
	sessions  *session.Manager
	service   *Service
	processor *Processor
}

func newHarness(exec executor.Executor, maxRetries int, workers int, sink *eventSink) *harness {
	store := NewMemoryStore()
	queue := NewMemoryQueue(256)
	sessions := session.NewManager()
	runner := NewRunner(fastEngine(), sessions, staticExecutors{exec: exec})
	opts := []ProcessorOption{WithWorkerCount(workers)}
	if sink != nil {
		opts = append(opts, WithNotifier(sink.dispatcher()))
	}
	return &harness{
		store:     store,
		queue:     queue,
		sessions:  sessions,
		service:   NewService(store, queue, maxRetries, WithSessions(sessions)),
		processor: NewProcessor(runner, store, queue, queue, opts...),
	}
}

func (h *harness) start(t *testing.T, ctx context.Context) {
	t.Helper()
	go func() {
		if err := h.processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exec := &scriptedExecutor{latency: 5 * time.Millisecond, body: 100}
	h := newHarness(exec, 3, 8, nil)
	h.start(t, ctx)

	total := 60
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		task, err := h.service.Submit(ctx, Request{
			Tenant:    fmt.Sprintf("tenant-%d", i%6),
			TargetURL: "https://bank.example.com",
			Plan:      balancePlan(false),
		})
		if err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
		ids = append(ids, task.ID)
	}

	for _, id := range ids {
		task, err := h.service.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("等待任务 %s 失败: %v", id, err)
		}
		if task.Status != StatusSucceeded {
			t.Fatalf("任务 %s 状态异常: %+v", id, task)
		}
		if task.Result == nil || task.Result.Variables["balance"] != 100 {
			t.Fatalf("任务 %s 缺少结果: %+v", id, task.Result)
		}
	}
	if got := int(exec.calls.Load()); got != total {
		t.Fatalf("expected %d calls, got %d", total, got)
	}
	stats, err := h.service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Succeeded != total {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestProcessorRequeuesRetryableFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exec := &scriptedExecutor{
		failN:   1,
		failErr: xerrors.New(xerrors.CodeActionExecution, "upstream 503"),
		body:    "ok",
	}
	sink := newEventSink()
	h := newHarness(exec, 3, 1, sink)
	h.start(t, ctx)

	task, err := h.service.Submit(ctx, Request{
		ID:        "retry-me",
		Tenant:    "acme",
		TargetURL: "https://bank.example.com",
		Plan:      balancePlan(false),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	failed := sink.wait(t, notify.EventTaskFailed)
	if failed.Metadata["stage"] != "retry" || failed.Code != xerrors.CodeActionExecution {
		t.Fatalf("unexpected failure event: %+v", failed)
	}
	completed := sink.wait(t, notify.EventTaskCompleted)
	if completed.TaskID != task.ID || completed.WorkflowID == "" || completed.SessionID == "" {
		t.Fatalf("unexpected completion event: %+v", completed)
	}

	final, err := h.service.WaitUntilCompleted(ctx, task.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusSucceeded || final.Attempts != 2 {
		t.Fatalf("unexpected final task: %+v", final)
	}
	if final.ErrorCode != "" || final.LastError != "" {
		t.Fatalf("success should clear last failure: %+v", final)
	}
}

func TestProcessorAuthenticationFailureIsTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exec := &scriptedExecutor{
		failN:   -1,
		failErr: xerrors.New(xerrors.CodeAuthentication, "401 unauthorized"),
	}
	sink := newEventSink()
	h := newHarness(exec, 3, 1, sink)
	h.start(t, ctx)

	task, err := h.service.Submit(ctx, Request{
		Tenant:      "acme",
		TargetURL:   "https://bank.example.com/login",
		SystemType:  session.SystemAPI,
		Plan:        balancePlan(false),
		Credentials: &session.AuthState{Token: "stale"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	failed := sink.wait(t, notify.EventTaskFailed)
	if failed.Metadata["stage"] != "terminal" || failed.Code != xerrors.CodeAuthentication {
		t.Fatalf("unexpected failure event: %+v", failed)
	}

	final, err := h.service.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != StatusFailed || final.Attempts != final.MaxRetries {
		t.Fatalf("authentication failure should exhaust retries: %+v", final)
	}
	if final.ErrorCode != string(xerrors.CodeAuthentication) || final.Result == nil || final.Result.FailedStep != "fetch" {
		t.Fatalf("unexpected failure record: %+v", final)
	}
	if got := exec.calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}

	sess, err := h.sessions.GetOrCreate(ctx, "acme", "https://bank.example.com/login", session.SystemAPI)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if auth := sess.Auth(); auth.Kind != session.AuthNone || auth.Token != "" {
		t.Fatalf("credentials should be reset: %+v", auth)
	}
}

func TestRunnerWritesBackSessionState(t *testing.T) {
	ctx := context.Background()
	sessions := session.NewManager()
	exec := &scriptedExecutor{body: 42}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	runner := NewRunner(fastEngine(), sessions, staticExecutors{exec: exec},
		WithRunnerClock(func() time.Time { return now }),
		WithAuthTTL(time.Hour),
	)

	task := &Task{
		ID:        "t-1",
		Tenant:    "acme",
		TargetURL: "https://erp.example.com",
		Plan:      balancePlan(true),
		Variables: map[string]any{"account": "001"},
	}
	var attachedSession, attachedWorkflow string
	res, err := runner.Run(ctx, task, func(sessionID, workflowID string) {
		attachedSession, attachedWorkflow = sessionID, workflowID
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success || res.Status != workflow.StatusCompleted || res.Steps != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if attachedWorkflow != res.WorkflowID || attachedSession == "" {
		t.Fatalf("attach callback mismatch: %s %s", attachedSession, attachedWorkflow)
	}

	if v, ok := sessions.GetVariable(attachedSession, "balance"); !ok || v != 42 {
		t.Fatalf("balance not written back: %v %v", v, ok)
	}
	if v, ok := sessions.GetVariable(attachedSession, "account"); !ok || v != "001" {
		t.Fatalf("task variable not written back: %v %v", v, ok)
	}
	sess, ok := sessions.Get(attachedSession)
	if !ok {
		t.Fatalf("session missing")
	}
	auth := sess.Auth()
	if !auth.Authenticated || auth.ExpiresAt == nil || !auth.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("session should be authenticated: %+v", auth)
	}
	if history := sess.History(); len(history) != 1 || history[0].StepID != "fetch" || history[0].WorkflowID != res.WorkflowID {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestRunnerFailureLeavesVariablesUntouched(t *testing.T) {
	ctx := context.Background()
	sessions := session.NewManager()
	exec := &scriptedExecutor{failN: -1, failErr: xerrors.New(xerrors.CodeActionExecution, "boom", xerrors.WithRetryable(false))}
	runner := NewRunner(fastEngine(), sessions, staticExecutors{exec: exec})

	task := &Task{
		ID:        "t-2",
		Tenant:    "acme",
		TargetURL: "https://erp.example.com",
		Plan:      balancePlan(true),
		Variables: map[string]any{"account": "002"},
	}
	res, err := runner.Run(ctx, task, nil)
	if !xerrors.HasCode(err, xerrors.CodeActionExecution) {
		t.Fatalf("expected action failure, got %v", err)
	}
	if res == nil || res.Success || res.FailedStep != "fetch" {
		t.Fatalf("unexpected result: %+v", res)
	}
	sess, err := sessions.GetOrCreate(ctx, "acme", "https://erp.example.com", "")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if _, ok := sessions.GetVariable(sess.ID, "account"); ok {
		t.Fatalf("failed run must not write variables back")
	}
	if sessions.IsAuthenticated(sess.ID) {
		t.Fatalf("failed run must not authenticate the session")
	}
}

func TestRunnerRequiresPlanner(t *testing.T) {
	runner := NewRunner(fastEngine(), session.NewManager(), staticExecutors{exec: &scriptedExecutor{}})
	_, err := runner.Run(context.Background(), &Task{
		ID:        "t-3",
		Tenant:    "acme",
		Goal:      "export report",
		TargetURL: "https://crm.example.com",
	}, nil)
	if !xerrors.HasCode(err, xerrors.CodePlanning) {
		t.Fatalf("expected planning error, got %v", err)
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("missing planner must not be retried")
	}
}
