package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
)

// SystemType 描述目标系统的交互方式。
type SystemType string

const (
	SystemAPI     SystemType = "api"
	SystemBrowser SystemType = "browser"
	SystemHybrid  SystemType = "hybrid"
)

// AuthKind 描述会话持有的凭据类型。
type AuthKind string

const (
	AuthNone    AuthKind = "none"
	AuthSession AuthKind = "session"
	AuthToken   AuthKind = "token"
	AuthAPIKey  AuthKind = "api_key"
)

// AuthState 保存会话在目标系统上的认证状态。
type AuthState struct {
	Kind          AuthKind          `json:"kind"`
	Authenticated bool              `json:"authenticated"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	Token         string            `json:"token,omitempty"`
	APIKey        string            `json:"api_key,omitempty"`
	Cookies       map[string]string `json:"cookies,omitempty"`
}

// Valid 判断认证状态在 now 时刻是否仍然有效。
func (a AuthState) Valid(now time.Time) bool {
	if !a.Authenticated {
		return false
	}
	if a.ExpiresAt != nil && !now.Before(*a.ExpiresAt) {
		return false
	}
	return true
}

// Headers 将认证状态转换为 HTTP 请求头。
func (a AuthState) Headers() map[string]string {
	headers := make(map[string]string)
	switch a.Kind {
	case AuthToken:
		if a.Token != "" {
			headers["Authorization"] = "Bearer " + a.Token
		}
	case AuthAPIKey:
		if a.APIKey != "" {
			headers["X-API-Key"] = a.APIKey
		}
	case AuthSession:
		if len(a.Cookies) > 0 {
			parts := make([]string, 0, len(a.Cookies))
			for k, v := range a.Cookies {
				parts = append(parts, k+"="+v)
			}
			headers["Cookie"] = strings.Join(parts, "; ")
		}
	}
	return headers
}

func (a AuthState) clone() AuthState {
	c := a
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		c.ExpiresAt = &t
	}
	if a.Cookies != nil {
		c.Cookies = make(map[string]string, len(a.Cookies))
		for k, v := range a.Cookies {
			c.Cookies[k] = v
		}
	}
	return c
}

// HistoryEntry 记录一次步骤执行结果。
type HistoryEntry struct {
	WorkflowID string    `json:"workflow_id"`
	StepID     string    `json:"step_id"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

var (
	// ErrSessionExpired 表示会话的认证已经过期。
	ErrSessionExpired = xerrors.New(xerrors.CodeSessionExpired, "session authentication expired")
	// ErrSessionNotFound 表示会话不存在或已关闭。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")
)

// CodeSessionNotFound 表示会话不存在。
const CodeSessionNotFound xerrors.Code = "SESSION_NOT_FOUND"

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:  "session not found",
		Severity: xerrors.SeverityInfo,
	})
}

// Session 是某租户对某目标系统的长期交互上下文。
type Session struct {
	ID         string
	Tenant     string
	TargetURL  string
	SystemType SystemType
	CreatedAt  time.Time

	mu           sync.RWMutex
	auth         AuthState
	variables    map[string]any
	history      *ring
	lastActivity time.Time
	driver       io.Closer
	closed       bool

	run chan struct{}
}

func newSession(tenant, target string, systemType SystemType, historySize int, now time.Time) *Session {
	return &Session{
		ID:           DeriveID(tenant, target),
		Tenant:       tenant,
		TargetURL:    target,
		SystemType:   systemType,
		CreatedAt:    now,
		auth:         AuthState{Kind: AuthNone},
		variables:    make(map[string]any),
		history:      newRing(historySize),
		lastActivity: now,
		run:          make(chan struct{}, 1),
	}
}

// DeriveID 根据租户与规范化后的目标地址生成确定性的会话 ID。
func DeriveID(tenant, target string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(tenant) + "\x00" + NormalizeTarget(target)))
	return "sess_" + hex.EncodeToString(sum[:16])
}

// NormalizeTarget 统一目标地址的大小写与末尾斜杠，非 URL 输入原样裁剪。
func NormalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	parsed, err := url.Parse(target)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimRight(target, "/")
	}
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.Fragment = ""
	return parsed.String()
}

// Auth 返回认证状态的副本。
func (s *Session) Auth() AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth.clone()
}

// Variable 读取会话变量。
func (s *Session) Variable(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variables[name]
	return v, ok
}

// Variables 返回变量表的副本。
func (s *Session) Variables() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.variables))
	for k, v := range s.variables {
		out[k] = v
	}
	return out
}

// History 按时间顺序返回执行历史。
func (s *Session) History() []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.entries()
}

// LastActivity 返回最近一次访问时间。
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// AttachDriver 绑定会话独占的驱动句柄，旧句柄会被关闭。
func (s *Session) AttachDriver(driver io.Closer) error {
	s.mu.Lock()
	previous := s.driver
	s.driver = driver
	s.mu.Unlock()
	if previous != nil && previous != driver {
		return previous.Close()
	}
	return nil
}

// Driver 返回当前绑定的驱动句柄。
func (s *Session) Driver() io.Closer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.driver
}

// Lock 获取会话运行锁，同一会话上的工作流串行执行。
func (s *Session) Lock(ctx context.Context) error {
	select {
	case s.run <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock 释放会话运行锁。
func (s *Session) Unlock() {
	select {
	case <-s.run:
	default:
	}
}

// Snapshot 是会话的可序列化视图，用于持久化与接口展示。
type Snapshot struct {
	ID            string         `json:"id"`
	Tenant        string         `json:"tenant"`
	TargetURL     string         `json:"target_url"`
	SystemType    SystemType     `json:"system_type"`
	Auth          AuthState      `json:"auth"`
	Authenticated bool           `json:"authenticated"`
	Variables     map[string]any `json:"variables,omitempty"`
	History       []HistoryEntry `json:"history,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	LastActivity  time.Time      `json:"last_activity"`
}

// Snapshot 生成会话快照。
func (s *Session) Snapshot(now time.Time) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vars := make(map[string]any, len(s.variables))
	for k, v := range s.variables {
		vars[k] = v
	}
	return Snapshot{
		ID:            s.ID,
		Tenant:        s.Tenant,
		TargetURL:     s.TargetURL,
		SystemType:    s.SystemType,
		Auth:          s.auth.clone(),
		Authenticated: s.auth.Valid(now),
		Variables:     vars,
		History:       s.history.entries(),
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.lastActivity,
	}
}

// Redacted 去掉快照中的敏感凭据，供接口返回。
func (s Snapshot) Redacted() Snapshot {
	s.Auth.Token = ""
	s.Auth.APIKey = ""
	s.Auth.Cookies = nil
	return s
}

func restoreSession(snap Snapshot, historySize int) *Session {
	s := newSession(snap.Tenant, snap.TargetURL, snap.SystemType, historySize, snap.CreatedAt)
	s.auth = snap.Auth.clone()
	for k, v := range snap.Variables {
		s.variables[k] = v
	}
	for _, entry := range snap.History {
		s.history.push(entry)
	}
	if !snap.LastActivity.IsZero() {
		s.lastActivity = snap.LastActivity
	}
	return s
}
