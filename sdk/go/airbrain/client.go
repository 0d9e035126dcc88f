// Package airbrain is a Go client for the airbraind REST API.
package airbrain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the airbraind REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
	token      string
	tenant     string
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithAPIKey authenticates every call with an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithToken authenticates every call with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTenant sets the X-Tenant-ID header used when the server runs without
// authentication.
func WithTenant(tenant string) Option {
	return func(c *Client) { c.tenant = tenant }
}

// NewClient instantiates a client for the API rooted at rawURL.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	c := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: DefaultHTTPTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Credentials are handed to the session for the task's target. They are never
// stored with the task.
type Credentials struct {
	Token   string            `json:"token,omitempty"`
	APIKey  string            `json:"api_key,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"`
}

// TaskSubmission is the payload required to queue a goal.
type TaskSubmission struct {
	ID          string          `json:"id,omitempty"`
	Goal        string          `json:"goal,omitempty"`
	TargetURL   string          `json:"target_url"`
	SystemType  string          `json:"system_type,omitempty"`
	Plan        json.RawMessage `json:"plan,omitempty"`
	Variables   map[string]any  `json:"variables,omitempty"`
	Credentials *Credentials    `json:"credentials,omitempty"`
}

// Task is the server view of a queued goal.
type Task struct {
	ID         string      `json:"id"`
	Tenant     string      `json:"tenant"`
	Goal       string      `json:"goal"`
	TargetURL  string      `json:"target_url"`
	SystemType string      `json:"system_type,omitempty"`
	Status     string      `json:"status"`
	Attempts   int         `json:"attempts"`
	MaxRetries int         `json:"max_retries"`
	LastError  string      `json:"last_error,omitempty"`
	ErrorCode  string      `json:"error_code,omitempty"`
	SessionID  string      `json:"session_id,omitempty"`
	WorkflowID string      `json:"workflow_id,omitempty"`
	Result     *TaskResult `json:"result,omitempty"`
	CreatedAt  int64       `json:"created_at"`
	UpdatedAt  int64       `json:"updated_at"`
}

// Done reports whether the task will not run again.
func (t Task) Done() bool {
	return t.Status == "succeeded" || (t.Status == "failed" && t.Attempts >= t.MaxRetries)
}

// TaskResult summarises the workflow run behind a task.
type TaskResult struct {
	WorkflowID string         `json:"workflow_id"`
	Success    bool           `json:"success"`
	Status     string         `json:"status"`
	FailedStep string         `json:"failed_step,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Steps      int            `json:"steps_executed"`
	Variables  map[string]any `json:"variables,omitempty"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status    string
	ErrorCode string
	Session   string
	Limit     int
	Offset    int
	Query     string
}

// TaskStats counts tasks by status. FailuresByCode breaks Failed down by
// error code.
type TaskStats struct {
	Total          int            `json:"total"`
	Pending        int            `json:"pending"`
	Running        int            `json:"running"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	FailuresByCode map[string]int `json:"failures_by_code,omitempty"`
}

// Workflow is a workflow snapshot.
type Workflow struct {
	ID          string         `json:"id"`
	Goal        string         `json:"goal,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Status      string         `json:"status"`
	CurrentStep int            `json:"current_step"`
	Variables   map[string]any `json:"variables,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	FailedStep  string         `json:"failed_step,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// Session is a redacted session snapshot.
type Session struct {
	ID            string         `json:"id"`
	Tenant        string         `json:"tenant"`
	TargetURL     string         `json:"target_url"`
	SystemType    string         `json:"system_type"`
	Authenticated bool           `json:"authenticated"`
	Variables     map[string]any `json:"variables,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	LastActivity  time.Time      `json:"last_activity"`
}

// InputRequest is a pending OTP or approval request.
type InputRequest struct {
	ID         string    `json:"id"`
	Purpose    string    `json:"purpose"`
	SessionID  string    `json:"session_id,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	Target     string    `json:"target,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Message    string    `json:"message"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// APIError represents a non-2xx answer.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("airbrain api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("airbrain api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// SubmitTask queues a goal. Resubmitting the same ID returns the existing task.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var task Task
	err := c.call(ctx, http.MethodPost, "/api/v1/tasks", nil, submission, &task)
	return task, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var task Task
	err := c.call(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(id), nil, nil, &task)
	return task, err
}

// ListTasks lists the caller's tasks, most recently updated first.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.ErrorCode != "" {
		q.Set("error_code", filter.ErrorCode)
	}
	if filter.Session != "" {
		q.Set("session", filter.Session)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	if filter.Query != "" {
		q.Set("q", filter.Query)
	}
	var tasks []Task
	err := c.call(ctx, http.MethodGet, "/api/v1/tasks", q, nil, &tasks)
	return tasks, err
}

// TaskStats returns task counts for the caller's tenant.
func (c *Client) TaskStats(ctx context.Context) (TaskStats, error) {
	var stats TaskStats
	err := c.call(ctx, http.MethodGet, "/api/v1/tasks/stats", nil, nil, &stats)
	return stats, err
}

// WaitForTask polls until the task succeeded or failed for good.
func (c *Client) WaitForTask(ctx context.Context, id string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			return Task{}, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListWorkflows lists workflow snapshots, optionally filtered by status.
func (c *Client) ListWorkflows(ctx context.Context, status string) ([]Workflow, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	var out []Workflow
	err := c.call(ctx, http.MethodGet, "/api/v1/workflows", q, nil, &out)
	return out, err
}

// GetWorkflow fetches a workflow snapshot.
func (c *Client) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	var wf Workflow
	err := c.call(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(id), nil, nil, &wf)
	return wf, err
}

// CancelWorkflow asks a running workflow to stop.
func (c *Client) CancelWorkflow(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/workflows/"+url.PathEscape(id)+"/cancel", nil, nil, nil)
}

// ListSessions lists live sessions.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	err := c.call(ctx, http.MethodGet, "/api/v1/sessions", nil, nil, &out)
	return out, err
}

// GetSession fetches one session.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var sess Session
	err := c.call(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(id), nil, nil, &sess)
	return sess, err
}

// CloseSession closes a session and releases its resources.
func (c *Client) CloseSession(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(id), nil, nil, nil)
}

// PendingInputs lists OTP and approval requests awaiting an answer.
func (c *Client) PendingInputs(ctx context.Context) ([]InputRequest, error) {
	var out []InputRequest
	err := c.call(ctx, http.MethodGet, "/api/v1/otp", nil, nil, &out)
	return out, err
}

// SubmitOTP answers an OTP request.
func (c *Client) SubmitOTP(ctx context.Context, id, code string) error {
	body := map[string]string{"code": code}
	return c.call(ctx, http.MethodPost, "/api/v1/otp/"+url.PathEscape(id)+"/submit", nil, body, nil)
}

// CancelOTP withdraws a pending OTP request.
func (c *Client) CancelOTP(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/otp/"+url.PathEscape(id)+"/cancel", nil, nil, nil)
}

// Approve grants an approval request.
func (c *Client) Approve(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(id)+"/approve", nil, nil, nil)
}

// Reject denies an approval request.
func (c *Client) Reject(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/approvals/"+url.PathEscape(id)+"/reject", nil, nil, nil)
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.apiKey != "":
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
