package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Workflow 是一次自动化任务的步骤图与运行状态。可变状态只能通过方法访问。
type Workflow struct {
	ID           string
	Goal         string
	SessionID    string
	Tenant       string
	SystemType   string
	RequiresAuth bool
	Steps        []Step
	CreatedAt    time.Time

	mu         sync.RWMutex
	variables  map[string]any
	status     Status
	cursor     int
	log        []LogEntry
	err        string
	errCode    string
	failedStep string
	updatedAt  time.Time
	finishedAt *time.Time
}

// Option 定义创建工作流时的可选字段。
type Option func(*Workflow)

// WithID 指定工作流 ID，默认生成 UUID。
func WithID(id string) Option {
	return func(w *Workflow) {
		if id != "" {
			w.ID = id
		}
	}
}

// WithSession 关联会话与租户。
func WithSession(sessionID, tenant string) Option {
	return func(w *Workflow) {
		w.SessionID = sessionID
		w.Tenant = tenant
	}
}

// WithVariables 设置初始变量。
func WithVariables(vars map[string]any) Option {
	return func(w *Workflow) {
		for k, v := range vars {
			w.variables[k] = v
		}
	}
}

// New 根据规划结果创建 pending 状态的工作流。
func New(plan Plan, opts ...Option) *Workflow {
	now := time.Now().UTC()
	w := &Workflow{
		ID:           uuid.NewString(),
		Goal:         plan.Goal,
		SystemType:   plan.SystemType,
		RequiresAuth: plan.RequiresAuth,
		Steps:        append([]Step(nil), plan.Steps...),
		CreatedAt:    now,
		variables:    make(map[string]any),
		status:       StatusPending,
		updatedAt:    now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Status 返回当前状态。
func (w *Workflow) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Cursor 返回当前游标。
func (w *Workflow) Cursor() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cursor
}

// Variable 读取变量。
func (w *Workflow) Variable(name string) (any, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	v, ok := w.variables[name]
	return v, ok
}

// SetVariable 写入变量，parallel 分支会并发调用。
func (w *Workflow) SetVariable(name string, value any) {
	w.mu.Lock()
	w.variables[name] = value
	w.updatedAt = time.Now().UTC()
	w.mu.Unlock()
}

// Variables 返回变量表的副本。
func (w *Workflow) Variables() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return copyVars(w.variables)
}

// Log 返回执行日志的副本。
func (w *Workflow) Log() []LogEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]LogEntry(nil), w.log...)
}

func (w *Workflow) appendLog(entry LogEntry) {
	w.mu.Lock()
	w.log = append(w.log, entry)
	w.updatedAt = entry.Timestamp
	w.mu.Unlock()
}

func (w *Workflow) setStatus(status Status) {
	w.mu.Lock()
	w.status = status
	now := time.Now().UTC()
	w.updatedAt = now
	if status.Terminal() {
		w.finishedAt = &now
	}
	w.mu.Unlock()
}

func (w *Workflow) setCursor(cursor int) {
	w.mu.Lock()
	w.cursor = cursor
	w.mu.Unlock()
}

func (w *Workflow) fail(stepID, code, message string) {
	w.mu.Lock()
	w.failedStep = stepID
	w.errCode = code
	w.err = message
	w.mu.Unlock()
	w.setStatus(StatusFailed)
}

// Snapshot 是工作流的可序列化视图。
type Snapshot struct {
	ID           string         `json:"id"`
	Goal         string         `json:"goal,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Tenant       string         `json:"tenant,omitempty"`
	SystemType   string         `json:"system_type,omitempty"`
	RequiresAuth bool           `json:"requires_auth"`
	Status       Status         `json:"status"`
	CurrentStep  int            `json:"current_step"`
	Steps        []Step         `json:"steps"`
	Variables    map[string]any `json:"variables,omitempty"`
	Log          []LogEntry     `json:"log,omitempty"`
	Error        string         `json:"error,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	FailedStep   string         `json:"failed_step,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// Snapshot 生成快照。
func (w *Workflow) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var finished *time.Time
	if w.finishedAt != nil {
		t := *w.finishedAt
		finished = &t
	}
	return Snapshot{
		ID:           w.ID,
		Goal:         w.Goal,
		SessionID:    w.SessionID,
		Tenant:       w.Tenant,
		SystemType:   w.SystemType,
		RequiresAuth: w.RequiresAuth,
		Status:       w.status,
		CurrentStep:  w.cursor,
		Steps:        append([]Step(nil), w.Steps...),
		Variables:    copyVars(w.variables),
		Log:          append([]LogEntry(nil), w.log...),
		Error:        w.err,
		ErrorCode:    w.errCode,
		FailedStep:   w.failedStep,
		CreatedAt:    w.CreatedAt,
		UpdatedAt:    w.updatedAt,
		FinishedAt:   finished,
	}
}

// FromSnapshot 从快照恢复工作流，可用于从游标处继续执行。
func FromSnapshot(s Snapshot) *Workflow {
	w := &Workflow{
		ID:           s.ID,
		Goal:         s.Goal,
		SessionID:    s.SessionID,
		Tenant:       s.Tenant,
		SystemType:   s.SystemType,
		RequiresAuth: s.RequiresAuth,
		Steps:        append([]Step(nil), s.Steps...),
		CreatedAt:    s.CreatedAt,
		variables:    copyVars(s.Variables),
		status:       s.Status,
		cursor:       s.CurrentStep,
		log:          append([]LogEntry(nil), s.Log...),
		err:          s.Error,
		errCode:      s.ErrorCode,
		failedStep:   s.FailedStep,
		updatedAt:    s.UpdatedAt,
		finishedAt:   s.FinishedAt,
	}
	if w.variables == nil {
		w.variables = make(map[string]any)
	}
	return w
}

func copyVars(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
