package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/executor"
)

// fakeExecutor 记录所有调用，按 endpoint 返回预设结果。
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []string
	bodies  map[string]any
	failing map[string]bool
	delays  map[string]time.Duration
	texts   map[string]string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		bodies:  make(map[string]any),
		failing: make(map[string]bool),
		delays:  make(map[string]time.Duration),
		texts:   make(map[string]string),
	}
}

func (f *fakeExecutor) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExecutor) Navigate(_ context.Context, url string) error {
	f.record("navigate " + url)
	return nil
}

func (f *fakeExecutor) Click(_ context.Context, locator string) error {
	f.record("click " + locator)
	return nil
}

func (f *fakeExecutor) Type(_ context.Context, locator, value string) error {
	f.record("type " + locator + "=" + value)
	return nil
}

func (f *fakeExecutor) Extract(_ context.Context, locator string) (string, error) {
	f.record("extract " + locator)
	return f.texts[locator], nil
}

func (f *fakeExecutor) Wait(ctx context.Context, cond executor.WaitCondition) error {
	return executor.Sleep(ctx, cond.Duration)
}

func (f *fakeExecutor) Call(ctx context.Context, req executor.CallRequest) (*executor.CallResult, error) {
	f.mu.Lock()
	delay := f.delays[req.Endpoint]
	fail := f.failing[req.Endpoint]
	body := f.bodies[req.Endpoint]
	f.mu.Unlock()
	if delay > 0 {
		if err := executor.Sleep(ctx, delay); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCancelled, err, "call cancelled")
		}
	}
	f.record(req.Method + " " + req.Endpoint)
	if fail {
		return nil, xerrors.New(xerrors.CodeActionExecution, "endpoint "+req.Endpoint+" failed")
	}
	return &executor.CallResult{StatusCode: 200, Body: body}, nil
}

// fakeApprover 在 AwaitApproval 中阻塞，直到测试给出决定。
type fakeApprover struct {
	requested chan ApprovalRequest
	decision  chan error
}

func newFakeApprover() *fakeApprover {
	return &fakeApprover{requested: make(chan ApprovalRequest, 1), decision: make(chan error, 1)}
}

func (a *fakeApprover) RequestApproval(_ context.Context, req ApprovalRequest) (string, error) {
	a.requested <- req
	return "approval-1", nil
}

func (a *fakeApprover) AwaitApproval(ctx context.Context, _ string) error {
	select {
	case err := <-a.decision:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func apiStep(id, endpoint string) Step {
	return Step{ID: id, Type: StepAPI, Spec: APISpec{Endpoint: endpoint, Method: "GET"}}
}

func fastEngine(opts ...EngineOption) *Engine {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	return NewEngine(append([]EngineOption{WithConfig(cfg)}, opts...)...)
}

func outcomes(log []LogEntry) []string {
	out := make([]string, len(log))
	for i, e := range log {
		out[i] = e.StepID + ":" + e.Outcome
	}
	return out
}

func TestSequentialStepsRunOnceInOrder(t *testing.T) {
	exec := newFakeExecutor()
	wf := New(Plan{Steps: []Step{
		apiStep("A", "/a"),
		apiStep("B", "/b"),
		{ID: "C", Type: StepDelay, Spec: DelaySpec{}},
		apiStep("D", "/d"),
	}})

	res, err := fastEngine().Execute(context.Background(), wf, exec)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 4, res.CurrentStep)
	assert.Equal(t, 4, wf.Cursor())
	assert.Equal(t, 4, res.StepsExecuted)
	assert.Equal(t, []string{"GET /a", "GET /b", "GET /d"}, exec.Calls())
	assert.Equal(t, []string{"A:success", "B:success", "C:success", "D:success"}, outcomes(res.Log))
}

func TestConditionRetargetsNextStep(t *testing.T) {
	exec := newFakeExecutor()
	exec.bodies["/a"] = map[string]any{"ok": true}
	wf := New(Plan{Steps: []Step{
		{ID: "A", Type: StepAPI, OutputVariable: "resp", Spec: APISpec{Endpoint: "/a"}},
		{ID: "B", Type: StepCondition, Spec: ConditionSpec{Expression: "{resp.ok} == true", OnTrue: "D", OnFalse: "C"}},
		apiStep("C", "/c"),
		apiStep("D", "/d"),
	}})

	res, err := fastEngine().Execute(context.Background(), wf, exec)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /a", "GET /d"}, exec.Calls())
	assert.Equal(t, []string{"A:success", "B:success", "D:success"}, outcomes(res.Log))
	assert.Equal(t, true, res.Variables["resp"].(map[string]any)["ok"])
}

func TestConditionWithEmptyTargetFallsThrough(t *testing.T) {
	exec := newFakeExecutor()
	wf := New(Plan{Steps: []Step{
		{ID: "B", Type: StepCondition, Spec: ConditionSpec{Expression: "1 > 2", OnTrue: "D"}},
		apiStep("C", "/c"),
		apiStep("D", "/d"),
	}})
	_, err := fastEngine().Execute(context.Background(), wf, exec)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /c", "GET /d"}, exec.Calls())
}

func TestParallelSettlesEveryBranch(t *testing.T) {
	exec := newFakeExecutor()
	exec.failing["/a"] = true
	exec.delays["/b"] = 30 * time.Millisecond
	exec.bodies["/b"] = "done"
	wf := New(Plan{Steps: []Step{
		{ID: "P", Type: StepParallel, OutputVariable: "branches", Spec: ParallelSpec{Steps: []string{"A", "B"}}},
		apiStep("A", "/a"),
		apiStep("B", "/b"),
		apiStep("E", "/e"),
	}})

	res, err := fastEngine().Execute(context.Background(), wf, exec)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "P", res.FailedStep)
	assert.ElementsMatch(t, []string{"GET /a", "GET /b"}, exec.Calls())

	branches, ok := res.Variables["branches"].(map[string]BranchOutcome)
	require.True(t, ok)
	assert.False(t, branches["A"].Success)
	assert.Contains(t, branches["A"].Error, "/a")
	assert.True(t, branches["B"].Success)
	assert.Equal(t, "done", branches["B"].Output)
}

func TestParallelSuccessCollectsOutcomes(t *testing.T) {
	exec := newFakeExecutor()
	exec.bodies["/a"] = 1.0
	exec.bodies["/b"] = 2.0
	wf := New(Plan{Steps: []Step{
		{ID: "P", Type: StepParallel, OutputVariable: "branches", Spec: ParallelSpec{Steps: []string{"A", "B"}}},
		{ID: "A", Type: StepAPI, OutputVariable: "a", Spec: APISpec{Endpoint: "/a"}},
		{ID: "B", Type: StepAPI, OutputVariable: "b", Spec: APISpec{Endpoint: "/b"}},
	}})
	res, err := fastEngine().Execute(context.Background(), wf, exec)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Variables["a"])
	assert.Equal(t, 2.0, res.Variables["b"])
	assert.Len(t, res.Variables["branches"], 2)
}

func approvalScenario() *Workflow {
	return New(Plan{Steps: []Step{
		{ID: "A", Type: StepAPI, OutputVariable: "bal", Spec: APISpec{Endpoint: "/balance", Method: "GET"}},
		{ID: "B", Type: StepCondition, Spec: ConditionSpec{Expression: "bal < 0", OnTrue: "C", OnFalse: "D"}},
		{ID: "C", Type: StepHumanApproval, Spec: ApprovalSpec{Message: "余额为 {bal}，是否继续？"}},
		{ID: "D", Type: StepDelay, Spec: DelaySpec{}},
	}})
}

func TestApprovalPausesWorkflow(t *testing.T) {
	exec := newFakeExecutor()
	exec.bodies["/balance"] = -5
	approver := newFakeApprover()
	engine := fastEngine(WithApprover(approver))
	wf := approvalScenario()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := engine.Execute(context.Background(), wf, exec)
		done <- outcome{res, err}
	}()

	var req ApprovalRequest
	select {
	case req = <-approver.requested:
	case <-time.After(time.Second):
		t.Fatal("approval was never requested")
	}
	assert.Equal(t, "C", req.StepID)
	assert.Equal(t, wf.ID, req.WorkflowID)
	assert.Equal(t, "余额为 -5，是否继续？", req.Message)
	assert.Equal(t, StatusPaused, wf.Status())
	snap, ok := engine.Workflow(context.Background(), wf.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPaused, snap.Status)

	approver.decision <- xerrors.New(xerrors.CodeApprovalRejected, "rejected")
	got := <-done
	require.Error(t, got.err)
	assert.Equal(t, xerrors.CodeApprovalRejected, xerrors.CodeOf(got.err))
	assert.Equal(t, StatusFailed, got.res.Status)
	assert.Equal(t, "C", got.res.FailedStep)
	for _, entry := range got.res.Log {
		assert.NotEqual(t, "D", entry.StepID)
	}
}

func TestApprovalGrantedResumes(t *testing.T) {
	exec := newFakeExecutor()
	exec.bodies["/balance"] = "-5"
	approver := newFakeApprover()
	approver.decision <- nil

	res, err := fastEngine(WithApprover(approver)).Execute(context.Background(), approvalScenario(), exec)
	require.NoError(t, err)
	assert.Equal(t, []string{"A:success", "B:success", "C:success", "D:success"}, outcomes(res.Log))
}

func TestApprovalWithoutApproverFails(t *testing.T) {
	exec := newFakeExecutor()
	exec.bodies["/balance"] = -1
	res, err := fastEngine().Execute(context.Background(), approvalScenario(), exec)
	require.Error(t, err)
	assert.Equal(t, "C", res.FailedStep)
}

func TestRollbackRunsCompensationsInOrder(t *testing.T) {
	exec := newFakeExecutor()
	exec.failing["/x"] = true
	exec.failing["/y"] = true
	wf := New(Plan{Steps: []Step{
		{ID: "X", Type: StepAPI, OnError: OnErrorRollback, RollbackSteps: []string{"Y", "Z"}, Spec: APISpec{Endpoint: "/x"}},
		apiStep("W", "/w"),
		apiStep("Y", "/y"),
		apiStep("Z", "/z"),
	}})

	res, err := fastEngine().Execute(context.Background(), wf, exec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint /x failed")
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "X", res.FailedStep)
	assert.Equal(t, []string{"GET /x", "GET /y", "GET /z"}, exec.Calls())
	assert.Equal(t, []string{"X:failed", "Y:rollback_failed", "Z:rollback"}, outcomes(res.Log))
}

func TestRetryAttemptsOnePlusRetryCount(t *testing.T) {
	exec := newFakeExecutor()
	exec.failing["/flaky"] = true
	wf := New(Plan{Steps: []Step{
		{ID: "R", Type: StepAPI, OnError: OnErrorRetry, RetryCount: 2, Spec: APISpec{Endpoint: "/flaky"}},
		apiStep("N", "/next"),
	}})

	res, err := fastEngine().Execute(context.Background(), wf, exec)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, []string{"GET /flaky", "GET /flaky", "GET /flaky"}, exec.Calls())
	require.Len(t, res.Log, 3)
	for i, entry := range res.Log {
		assert.Equal(t, OutcomeFailed, entry.Outcome)
		assert.Equal(t, i+1, entry.Attempt)
	}
}

func TestRetryStopsAtElapsedCeiling(t *testing.T) {
	exec := newFakeExecutor()
	exec.failing["/flaky"] = true
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = 50 * time.Millisecond
	cfg.RetryMaxElapsed = 60 * time.Millisecond
	wf := New(Plan{Steps: []Step{
		{ID: "R", Type: StepAPI, OnError: OnErrorRetry, RetryCount: 10, Spec: APISpec{Endpoint: "/flaky"}},
	}})

	_, err := NewEngine(WithConfig(cfg)).Execute(context.Background(), wf, exec)
	require.Error(t, err)
	assert.Len(t, exec.Calls(), 2)
}

func TestContinuePolicyAdvances(t *testing.T) {
	exec := newFakeExecutor()
	exec.failing["/optional"] = true
	wf := New(Plan{Steps: []Step{
		{ID: "O", Type: StepAPI, OnError: OnErrorContinue, Spec: APISpec{Endpoint: "/optional"}},
		apiStep("N", "/next"),
	}})
	res, err := fastEngine().Execute(context.Background(), wf, exec)
	require.NoError(t, err)
	assert.Equal(t, []string{"O:failed", "O:continued", "N:success"}, outcomes(res.Log))
}

func TestLoopBindsItemsAndCollectsOutputs(t *testing.T) {
	exec := newFakeExecutor()
	exec.bodies["/items/a"] = "A"
	exec.bodies["/items/b"] = "B"
	wf := New(Plan{Steps: []Step{
		{ID: "L", Type: StepLoop, OutputVariable: "results", Spec: LoopSpec{Source: "{accounts}", Body: []string{"S"}}},
		apiStep("S", "/items/{loop_item}"),
	}}, WithVariables(map[string]any{"accounts": `["a","b"]`}))

	res, err := fastEngine().Execute(context.Background(), wf, exec)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET /items/a", "GET /items/b"}, exec.Calls())
	results, ok := res.Variables["results"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, results, 2)
	assert.Equal(t, "B", results[1]["S"])
	assert.Equal(t, 1, res.Variables["loop_index"])
}

func TestLoopGuardRejectsOversizedSequences(t *testing.T) {
	exec := newFakeExecutor()
	cfg := DefaultConfig()
	cfg.MaxLoopIterations = 2
	wf := New(Plan{Steps: []Step{
		{ID: "L", Type: StepLoop, Spec: LoopSpec{Source: "items", Body: []string{"S"}}},
		apiStep("S", "/s"),
	}}, WithVariables(map[string]any{"items": []string{"1", "2", "3"}}))

	res, err := NewEngine(WithConfig(cfg)).Execute(context.Background(), wf, exec)
	require.Error(t, err)
	assert.Equal(t, "L", res.FailedStep)
	assert.Empty(t, exec.Calls())
}

func TestStepExecutionGuardStopsCycles(t *testing.T) {
	exec := newFakeExecutor()
	cfg := DefaultConfig()
	cfg.MaxStepExecutions = 20
	wf := New(Plan{Steps: []Step{
		apiStep("A", "/a"),
		{ID: "B", Type: StepCondition, Spec: ConditionSpec{Expression: "true", OnTrue: "A"}},
	}})
	_, err := NewEngine(WithConfig(cfg)).Execute(context.Background(), wf, exec)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodePlanning, xerrors.CodeOf(err))
	assert.Len(t, exec.Calls(), 10)
}

func TestBrowserStepSubstitutesAndExtracts(t *testing.T) {
	exec := newFakeExecutor()
	exec.texts["#balance"] = "42.00"
	wf := New(Plan{Steps: []Step{
		{ID: "login", Type: StepBrowser, OutputVariable: "page", Spec: BrowserSpec{Actions: []Action{
			{Type: ActionNavigate, URL: "{base}/login"},
			{Type: ActionTypeText, Locator: "#user", Value: "{username}"},
			{Type: ActionClick, Locator: "#submit"},
			{Type: ActionExtract, Locator: "#balance", OutputVariable: "balance"},
			{Type: ActionWait, Duration: Duration(time.Millisecond)},
		}}},
	}}, WithVariables(map[string]any{"base": "https://bank.example.com", "username": "alice"}))

	res, err := fastEngine().Execute(context.Background(), wf, exec)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"navigate https://bank.example.com/login",
		"type #user=alice",
		"click #submit",
		"extract #balance",
	}, exec.Calls())
	assert.Equal(t, "42.00", res.Variables["balance"])
	assert.Equal(t, map[string]any{"balance": "42.00"}, res.Variables["page"])
}

func TestCancelStopsRun(t *testing.T) {
	exec := newFakeExecutor()
	engine := fastEngine()
	wf := New(Plan{Steps: []Step{
		{ID: "wait", Type: StepDelay, Spec: DelaySpec{Duration: Duration(10 * time.Second)}},
		apiStep("after", "/after"),
	}})

	go func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if engine.Cancel(wf.ID) {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	res, err := engine.Execute(context.Background(), wf, exec)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeCancelled, xerrors.CodeOf(err))
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, exec.Calls())
	assert.False(t, engine.Cancel(wf.ID))
}

func TestExecuteRejectsInvalidWorkflow(t *testing.T) {
	wf := New(Plan{Steps: []Step{
		{ID: "A", Type: StepCondition, Spec: ConditionSpec{Expression: "x > 1", OnTrue: "missing"}},
	}})
	res, err := fastEngine().Execute(context.Background(), wf, newFakeExecutor())
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
	assert.Equal(t, StatusFailed, res.Status)

	_, err = fastEngine().Execute(context.Background(), wf, newFakeExecutor())
	assert.Error(t, err)
}

func TestExecuteIsNotReentrant(t *testing.T) {
	exec := newFakeExecutor()
	engine := fastEngine()
	wf := New(Plan{Steps: []Step{
		{ID: "wait", Type: StepDelay, Spec: DelaySpec{Duration: Duration(100 * time.Millisecond)}},
	}})
	done := make(chan error, 1)
	go func() {
		_, err := engine.Execute(context.Background(), wf, exec)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	_, err := engine.Execute(context.Background(), wf, exec)
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
	require.NoError(t, <-done)
}

func TestEnginePersistsSnapshots(t *testing.T) {
	store := NewMemoryStore()
	engine := fastEngine(WithStore(store))
	wf := New(Plan{Goal: "check balance", Steps: []Step{apiStep("A", "/a")}}, WithSession("sess_1", "acme"))

	var recorded []LogEntry
	_, err := engine.Execute(context.Background(), wf, newFakeExecutor(), WithRecorder(func(e LogEntry) {
		recorded = append(recorded, e)
	}))
	require.NoError(t, err)
	require.Len(t, recorded, 1)

	snap, err := store.Load(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, "sess_1", snap.SessionID)

	list, err := engine.List(context.Background(), ListOptions{SessionID: "sess_1"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = store.Load(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrWorkflowNotFound))
	stats := engine.Stats()
	assert.Equal(t, 1, stats.ByStatus[StatusCompleted])
}

func TestRegistryEvictsOldTerminalWorkflows(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retained = 2
	engine := NewEngine(WithConfig(cfg))
	var ids []string
	for i := 0; i < 4; i++ {
		wf := New(Plan{Steps: []Step{{ID: "d", Type: StepDelay, Spec: DelaySpec{}}}})
		_, err := engine.Execute(context.Background(), wf, newFakeExecutor())
		require.NoError(t, err)
		ids = append(ids, wf.ID)
	}
	_, ok := engine.Workflow(context.Background(), ids[0])
	assert.False(t, ok)
	_, ok = engine.Workflow(context.Background(), ids[3])
	assert.True(t, ok)
	assert.Equal(t, 2, engine.Stats().Total)
}
