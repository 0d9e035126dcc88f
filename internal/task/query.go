package task

import (
	"slices"
	"strings"
	"time"
)

// SortOrder 决定列表按 UpdatedAt 的排序方向。
type SortOrder int

const (
	SortByUpdatedDesc SortOrder = iota
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 是 List 与 Stats 共用的过滤条件。Stats 忽略分页与排序。
type ListOptions struct {
	Limit      int
	Offset     int
	Tenant     string
	SessionID  string
	Statuses   []Status
	ErrorCodes []string
	UpdatedGTE int64
	UpdatedLTE int64
	HasResult  *bool
	Order      SortOrder
	// Query 对任务 ID、目标、目标地址与最近错误做不区分大小写的子串匹配。
	Query string
}

// TaskStats 汇总过滤后的任务。FailuresByCode 只统计状态为 failed 的任务。
type TaskStats struct {
	Total           int            `json:"total"`
	Pending         int            `json:"pending"`
	Running         int            `json:"running"`
	Succeeded       int            `json:"succeeded"`
	Failed          int            `json:"failed"`
	FailuresByCode  map[string]int `json:"failures_by_code,omitempty"`
	OldestUpdatedAt int64          `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64          `json:"newest_updated_at,omitempty"`
}

func (s *TaskStats) add(t *Task) {
	s.Total++
	switch t.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
		if t.ErrorCode != "" {
			if s.FailuresByCode == nil {
				s.FailuresByCode = map[string]int{}
			}
			s.FailuresByCode[t.ErrorCode]++
		}
	}
	if t.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = t.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (t.UpdatedAt != 0 && t.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = t.UpdatedAt
	}
}

func (opts *ListOptions) applyDefaults() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultListLimit
	case opts.Limit > maxListLimit:
		opts.Limit = maxListLimit
	}
	opts.Offset = max(opts.Offset, 0)
	opts.Statuses = normalizeStatuses(opts.Statuses)
	opts.ErrorCodes = normalizeCodes(opts.ErrorCodes)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Query = strings.TrimSpace(opts.Query)
	opts.Tenant = strings.TrimSpace(opts.Tenant)
	opts.SessionID = strings.TrimSpace(opts.SessionID)
}

// matches 是 MemoryStore 的过滤实现，MySQLStore 用 buildFilterClause 表达同样的条件。
func (opts ListOptions) matches(t *Task) bool {
	switch {
	case opts.Tenant != "" && t.Tenant != opts.Tenant:
		return false
	case opts.SessionID != "" && t.SessionID != opts.SessionID:
		return false
	case len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, t.Status):
		return false
	case len(opts.ErrorCodes) > 0 && !slices.Contains(opts.ErrorCodes, t.ErrorCode):
		return false
	case opts.UpdatedGTE > 0 && t.UpdatedAt < opts.UpdatedGTE:
		return false
	case opts.UpdatedLTE > 0 && t.UpdatedAt > opts.UpdatedLTE:
		return false
	case opts.HasResult != nil && (t.Result != nil) != *opts.HasResult:
		return false
	}
	if opts.Query == "" {
		return true
	}
	haystack := strings.ToLower(strings.Join([]string{t.ID, t.Goal, t.TargetURL, t.LastError}, " "))
	return strings.Contains(haystack, strings.ToLower(opts.Query))
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption      { return func(o *ListOptions) { o.Limit = limit } }
func WithOffset(offset int) ListOption    { return func(o *ListOptions) { o.Offset = offset } }
func WithTenant(tenant string) ListOption { return func(o *ListOptions) { o.Tenant = tenant } }

// WithSession 只返回绑定到该会话的任务。
func WithSession(sessionID string) ListOption {
	return func(o *ListOptions) { o.SessionID = sessionID }
}

func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = slices.Clone(statuses) }
}

// WithErrorCodes 只返回最近一次失败属于这些错误码的任务，例如 OTP_TIMEOUT。
func WithErrorCodes(codes ...string) ListOption {
	return func(o *ListOptions) { o.ErrorCodes = slices.Clone(codes) }
}

// WithUpdatedSince 包含 ts 当秒；零值取消该条件。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedGTE = unixOrZero(ts) }
}

// WithUpdatedUntil 包含 ts 当秒；零值取消该条件。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedLTE = unixOrZero(ts) }
}

// WithResultPresence 按是否已记录工作流结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(o *ListOptions) { o.HasResult = &hasResult }
}

func WithSortOrder(order SortOrder) ListOption { return func(o *ListOptions) { o.Order = order } }
func WithQuery(query string) ListOption        { return func(o *ListOptions) { o.Query = query } }

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func normalizeStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if IsValidStatus(status) && !slices.Contains(out, status) {
			out = append(out, status)
		}
	}
	return out
}

func normalizeCodes(input []string) []string {
	var out []string
	for _, code := range input {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" && !slices.Contains(out, code) {
			out = append(out, code)
		}
	}
	return out
}
