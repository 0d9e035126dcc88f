package otp

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/notify"
	"github.com/precious195/airbrain-sub000/internal/workflow"
	"github.com/precious195/airbrain-sub000/pkg/logger"
)

const (
	// DefaultTimeout 是验证码请求的默认有效期。
	DefaultTimeout = 5 * time.Minute
	// DefaultApprovalTimeout 是审批请求的默认有效期。
	DefaultApprovalTimeout = 30 * time.Minute
	// DefaultRetention 是终态请求被清理前的保留时长。
	DefaultRetention = time.Hour
	// DefaultCleanupInterval 是后台清理周期。
	DefaultCleanupInterval = 30 * time.Second

	notifyTimeout = 5 * time.Second
)

// Purpose 区分验证码请求与人工审批。
type Purpose string

const (
	PurposeOTP      Purpose = "otp"
	PurposeApproval Purpose = "approval"
)

// Status 是请求的状态，只能单向流转：pending → received → submitted，或 pending → cancelled / expired。
// 审批请求中 received 表示批准，cancelled 表示拒绝。
type Status string

const (
	StatusPending   Status = "pending"
	StatusReceived  Status = "received"
	StatusSubmitted Status = "submitted"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Resolved 表示请求已离开 pending。
func (s Status) Resolved() bool { return s != StatusPending }

var (
	// ErrOTPTimeout 表示验证码未在有效期内提交。
	ErrOTPTimeout = xerrors.New(xerrors.CodeOTPTimeout, "otp request expired")
	// ErrOTPCancelled 表示验证码请求被取消。
	ErrOTPCancelled = xerrors.New(xerrors.CodeOTPCancelled, "otp request cancelled")
	// ErrApprovalRejected 表示审批被拒绝。
	ErrApprovalRejected = xerrors.New(xerrors.CodeApprovalRejected, "approval rejected")
	// ErrApprovalTimeout 表示审批超时。
	ErrApprovalTimeout = xerrors.New(xerrors.CodeApprovalTimeout, "approval timed out")
	// ErrRequestNotFound 表示请求不存在或已被清理。
	ErrRequestNotFound = xerrors.New(xerrors.CodeNotFound, "otp request not found")
)

// Request 是一次等待人工输入的请求。
type Request struct {
	ID            string     `json:"id"`
	Purpose       Purpose    `json:"purpose"`
	SessionID     string     `json:"session_id,omitempty"`
	WorkflowID    string     `json:"workflow_id,omitempty"`
	StepID        string     `json:"step_id,omitempty"`
	Target        string     `json:"target,omitempty"`
	Kind          Kind       `json:"kind,omitempty"`
	InputLocator  string     `json:"input_locator,omitempty"`
	SubmitLocator string     `json:"submit_locator,omitempty"`
	Message       string     `json:"message"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	Value         string     `json:"-"`
}

// RequestInput 是创建验证码请求所需的信息。
type RequestInput struct {
	SessionID  string
	WorkflowID string
	StepID     string
	Target     string
	Detection  Detection
	Timeout    time.Duration
}

type entry struct {
	req  Request
	done chan struct{}
}

// Option 定义 Coordinator 的可选配置。
type Option func(*Coordinator)

// WithDispatcher 设置事件投递渠道。
func WithDispatcher(d notify.Dispatcher) Option {
	return func(c *Coordinator) {
		if d != nil {
			c.dispatcher = d
		}
	}
}

// WithDefaultTimeout 设置验证码默认有效期。
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithApprovalTimeout 设置审批默认有效期。
func WithApprovalTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.approvalTimeout = d
		}
	}
}

// WithRetention 设置终态请求的保留时长。
func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.retention = d
		}
	}
}

// WithCleanupInterval 设置后台清理周期。
func WithCleanupInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.cleanupInterval = d
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithObserver 在每次状态变化后回调，用于指标统计。
func WithObserver(fn func(Request)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	}
}

// Coordinator 管理验证码与审批请求，等待方通过 channel 唤醒而非轮询。
type Coordinator struct {
	mu              sync.Mutex
	requests        map[string]*entry
	dispatcher      notify.Dispatcher
	defaultTimeout  time.Duration
	approvalTimeout time.Duration
	retention       time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	observers       []func(Request)
	logger          *slog.Logger
}

var _ workflow.Approver = (*Coordinator)(nil)

// NewCoordinator 创建协调器。
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		requests:        make(map[string]*entry),
		dispatcher:      notify.NewFanout(&notify.LogNotifier{}),
		defaultTimeout:  DefaultTimeout,
		approvalTimeout: DefaultApprovalTimeout,
		retention:       DefaultRetention,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		logger:          logger.Named("otp"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Request 创建 pending 状态的验证码请求并发出 otp_required 事件。
func (c *Coordinator) Request(ctx context.Context, in RequestInput) Request {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	kind := in.Detection.Kind
	if kind == "" {
		kind = KindUnknown
	}
	message := in.Detection.Prompt
	if message == "" {
		message = promptFor(kind)
	}
	req := c.open(Request{
		Purpose:       PurposeOTP,
		SessionID:     in.SessionID,
		WorkflowID:    in.WorkflowID,
		StepID:        in.StepID,
		Target:        in.Target,
		Kind:          kind,
		InputLocator:  in.Detection.InputLocator,
		SubmitLocator: in.Detection.SubmitLocator,
		Message:       message,
	}, timeout)
	c.emit(ctx, notify.EventOTPRequired, req)
	return req
}

// RequestApproval 创建审批请求并发出 approval_required 事件。
func (c *Coordinator) RequestApproval(ctx context.Context, in workflow.ApprovalRequest) (string, error) {
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = c.approvalTimeout
	}
	message := strings.TrimSpace(in.Message)
	if message == "" {
		message = "工作流等待人工审批"
	}
	req := c.open(Request{
		Purpose:    PurposeApproval,
		SessionID:  in.SessionID,
		WorkflowID: in.WorkflowID,
		StepID:     in.StepID,
		Message:    message,
	}, timeout)
	c.emit(ctx, notify.EventApprovalRequired, req)
	return req.ID, nil
}

func (c *Coordinator) open(req Request, timeout time.Duration) Request {
	now := c.now()
	req.ID = uuid.NewString()
	req.Status = StatusPending
	req.CreatedAt = now
	req.ExpiresAt = now.Add(timeout)
	c.mu.Lock()
	c.requests[req.ID] = &entry{req: req, done: make(chan struct{})}
	c.mu.Unlock()
	c.logger.Info("创建人工输入请求",
		slog.String("request_id", req.ID),
		slog.String("purpose", string(req.Purpose)),
		slog.String("session_id", req.SessionID),
		slog.String("workflow_id", req.WorkflowID),
		slog.Time("expires_at", req.ExpiresAt),
	)
	c.observe(req)
	return req
}

// WaitFor 阻塞直到请求离开 pending。收到验证码时返回 (value, true)；
// 取消、过期或 ctx 结束时返回 ("", false)。先到达的终态生效。
func (c *Coordinator) WaitFor(ctx context.Context, id string) (string, bool) {
	c.mu.Lock()
	e, ok := c.requests[id]
	if !ok {
		c.mu.Unlock()
		return "", false
	}
	done := e.done
	expiresAt := e.req.ExpiresAt
	c.mu.Unlock()

	wait := expiresAt.Sub(c.now())
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		c.expire(id)
	case <-ctx.Done():
		return "", false
	}
	return c.outcome(id)
}

func (c *Coordinator) outcome(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.requests[id]
	if !ok {
		return "", false
	}
	switch e.req.Status {
	case StatusReceived, StatusSubmitted:
		return e.req.Value, true
	default:
		return "", false
	}
}

// Await 与 WaitFor 相同，但将失败原因映射为错误。ctx 结束时请求会被取消。
func (c *Coordinator) Await(ctx context.Context, id string) (string, error) {
	if value, ok := c.WaitFor(ctx, id); ok {
		return value, nil
	}
	return "", c.failure(ctx, id, ErrOTPCancelled, ErrOTPTimeout)
}

// AwaitApproval 等待审批结果，批准返回 nil。
func (c *Coordinator) AwaitApproval(ctx context.Context, id string) error {
	if _, ok := c.WaitFor(ctx, id); ok {
		return nil
	}
	return c.failure(ctx, id, ErrApprovalRejected, ErrApprovalTimeout)
}

func (c *Coordinator) failure(ctx context.Context, id string, cancelled, expired error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.Cancel(id)
		return xerrors.Wrap(xerrors.CodeCancelled, ctxErr, "等待人工输入被中断", xerrors.WithMetadata("request_id", id))
	}
	req, ok := c.Get(id)
	if !ok {
		return ErrRequestNotFound
	}
	if req.Status == StatusExpired {
		return expired
	}
	return cancelled
}

// Submit 提交验证码，只有 pending 状态的请求会被接受。
func (c *Coordinator) Submit(id, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	req, ok := c.transition(id, StatusPending, StatusReceived, func(r *Request) { r.Value = value })
	if !ok {
		return false
	}
	event := notify.EventOTPSubmitted
	if req.Purpose == PurposeApproval {
		event = notify.EventApprovalGranted
	}
	c.emit(context.Background(), event, req)
	return true
}

// Approve 批准审批请求。
func (c *Coordinator) Approve(id string) bool {
	req, ok := c.Get(id)
	if !ok || req.Purpose != PurposeApproval {
		return false
	}
	return c.Submit(id, "approved")
}

// Reject 拒绝审批请求。
func (c *Coordinator) Reject(id string) bool {
	req, ok := c.Get(id)
	if !ok || req.Purpose != PurposeApproval {
		return false
	}
	return c.Cancel(id)
}

// MarkSubmitted 在验证码已填入页面后将请求推进到 submitted。
func (c *Coordinator) MarkSubmitted(id string) bool {
	_, ok := c.transition(id, StatusReceived, StatusSubmitted, nil)
	return ok
}

// Cancel 取消 pending 请求并唤醒等待方。
func (c *Coordinator) Cancel(id string) bool {
	req, ok := c.transition(id, StatusPending, StatusCancelled, nil)
	if !ok {
		return false
	}
	event := notify.EventOTPCancelled
	if req.Purpose == PurposeApproval {
		event = notify.EventApprovalRejected
	}
	c.emit(context.Background(), event, req)
	return true
}

func (c *Coordinator) expire(id string) bool {
	c.mu.Lock()
	e, ok := c.requests[id]
	overdue := ok && !c.now().Before(e.req.ExpiresAt)
	c.mu.Unlock()
	if !overdue {
		return false
	}
	req, ok := c.transition(id, StatusPending, StatusExpired, nil)
	if !ok {
		return false
	}
	event := notify.EventOTPExpired
	if req.Purpose == PurposeApproval {
		event = notify.EventApprovalExpired
	}
	c.emit(context.Background(), event, req)
	return true
}

// transition 在状态匹配 from 时切换到 to，离开 pending 时关闭 done 唤醒等待方。
func (c *Coordinator) transition(id string, from, to Status, mutate func(*Request)) (Request, bool) {
	c.mu.Lock()
	e, ok := c.requests[id]
	if !ok || e.req.Status != from {
		c.mu.Unlock()
		return Request{}, false
	}
	now := c.now()
	e.req.Status = to
	if mutate != nil {
		mutate(&e.req)
	}
	if from == StatusPending {
		e.req.ResolvedAt = &now
		close(e.done)
	}
	req := e.req
	c.mu.Unlock()

	c.logger.Info("人工输入请求状态变化",
		slog.String("request_id", id),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	c.observe(req)
	return req, true
}

// Get 返回请求的副本。
func (c *Coordinator) Get(id string) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.requests[id]
	if !ok {
		return Request{}, false
	}
	return e.req, true
}

// Pending 返回所有 pending 请求，按创建时间排序。
func (c *Coordinator) Pending() []Request {
	c.mu.Lock()
	out := make([]Request, 0, len(c.requests))
	for _, e := range c.requests {
		if e.req.Status == StatusPending {
			out = append(out, e.req)
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Cleanup 将超期的 pending 请求置为 expired，并清理超过保留期的已解决请求。
func (c *Coordinator) Cleanup(now time.Time) (expired, evicted int) {
	var overdue []string
	c.mu.Lock()
	for id, e := range c.requests {
		switch {
		case e.req.Status == StatusPending && !now.Before(e.req.ExpiresAt):
			overdue = append(overdue, id)
		case e.req.Status.Resolved() && e.req.ResolvedAt != nil && now.Sub(*e.req.ResolvedAt) > c.retention:
			delete(c.requests, id)
			evicted++
		}
	}
	c.mu.Unlock()
	for _, id := range overdue {
		if c.expire(id) {
			expired++
		}
	}
	return expired, evicted
}

// Start 运行后台清理循环，直到 ctx 取消。
func (c *Coordinator) Start(ctx context.Context) error {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			expired, evicted := c.Cleanup(c.now())
			if expired > 0 || evicted > 0 {
				c.logger.Debug("清理人工输入请求", slog.Int("expired", expired), slog.Int("evicted", evicted))
			}
		}
	}
}

func (c *Coordinator) observe(req Request) {
	for _, fn := range c.observers {
		fn(req)
	}
}

func (c *Coordinator) emit(ctx context.Context, typ notify.EventType, req Request) {
	if c.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	expires := req.ExpiresAt
	event := notify.Event{
		Type:       typ,
		RequestID:  req.ID,
		SessionID:  req.SessionID,
		WorkflowID: req.WorkflowID,
		StepID:     req.StepID,
		Kind:       string(req.Kind),
		Message:    req.Message,
		ExpiresAt:  &expires,
		OccurredAt: c.now(),
	}
	if err := c.dispatcher.Notify(ctx, event); err != nil {
		c.logger.Warn("投递人工输入事件失败",
			slog.String("request_id", req.ID),
			slog.String("event", string(typ)),
			slog.Any("error", err),
		)
	}
}
