package session

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/pkg/logger"
)

const (
	// DefaultIdleTimeout 是会话空闲多久后被回收。
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultSweepInterval 是后台回收的检查周期。
	DefaultSweepInterval = time.Minute

	persistTimeout = 3 * time.Second
	runLockTTL     = 15 * time.Minute
)

// Store 持久化会话快照，内存中的会话表只是它的缓存。
// Load 在快照不存在时返回 (nil, nil)。
type Store interface {
	Save(ctx context.Context, snap Snapshot, ttl time.Duration) error
	Load(ctx context.Context, id string) (*Snapshot, error)
	Delete(ctx context.Context, id string) error
}

// Locker 提供跨进程的会话运行锁。
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Stats 汇总当前会话表。
type Stats struct {
	Count             int     `json:"count"`
	Authenticated     int     `json:"authenticated"`
	AverageAgeSeconds float64 `json:"average_age_seconds"`
}

// Option 定义 Manager 的可选配置。
type Option func(*Manager)

// WithIdleTimeout 设置空闲回收阈值。
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleTimeout = d
		}
	}
}

// WithSweepInterval 设置后台回收周期。
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithHistorySize 设置每个会话保留的历史条数。
func WithHistorySize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.historySize = n
		}
	}
}

// WithStore 配置快照持久化。
func WithStore(store Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithLocker 配置跨进程运行锁。
func WithLocker(locker Locker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithCloseHook 在会话关闭后回调，例如更新指标。
func WithCloseHook(hook func(Snapshot)) Option {
	return func(m *Manager) {
		if hook != nil {
			m.closeHooks = append(m.closeHooks, hook)
		}
	}
}

// Manager 维护 (租户, 目标) 到会话的映射。
type Manager struct {
	mu            sync.Mutex
	sessions      map[string]*Session
	creating      singleflight.Group
	store         Store
	locker        Locker
	idleTimeout   time.Duration
	sweepInterval time.Duration
	historySize   int
	now           func() time.Time
	logger        *slog.Logger
	closeHooks    []func(Snapshot)
}

// NewManager 创建会话管理器。
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions:      make(map[string]*Session),
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		historySize:   DefaultHistorySize,
		now:           time.Now,
		logger:        logger.Named("session"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// GetOrCreate 返回 (tenant, target) 对应的会话，不存在时创建。并发调用得到同一个实例。
func (m *Manager) GetOrCreate(ctx context.Context, tenant, target string, systemType SystemType) (*Session, error) {
	tenant = strings.TrimSpace(tenant)
	target = strings.TrimSpace(target)
	if tenant == "" || target == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "租户与目标地址不能为空")
	}
	if systemType == "" {
		systemType = SystemBrowser
	}
	id := DeriveID(tenant, target)
	now := m.now()
	if s, ok := m.cached(id, now); ok {
		return s, nil
	}

	// 同一 id 的并发创建合并为一次，存储读写不持有 m.mu。
	v, _, _ := m.creating.Do(id, func() (any, error) {
		if s, ok := m.cached(id, now); ok {
			return s, nil
		}
		s := m.load(ctx, id)
		if s == nil {
			s = newSession(tenant, target, systemType, m.historySize, now)
			m.logger.Info("创建会话",
				slog.String("session_id", id),
				slog.String("tenant", tenant),
				slog.String("target", NormalizeTarget(target)),
				slog.String("system_type", string(systemType)),
			)
		}
		s.touch(now)
		m.mu.Lock()
		if existing, ok := m.sessions[id]; ok {
			m.mu.Unlock()
			return existing, nil
		}
		m.sessions[id] = s
		m.mu.Unlock()
		m.save(ctx, s)
		return s, nil
	})
	return v.(*Session), nil
}

func (m *Manager) cached(id string, now time.Time) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		s.touch(now)
	}
	return s, ok
}

func (m *Manager) load(ctx context.Context, id string) *Session {
	if m.store == nil {
		return nil
	}
	snap, err := m.store.Load(ctx, id)
	if err != nil {
		m.logger.Warn("加载会话快照失败", slog.String("session_id", id), slog.Any("error", err))
		return nil
	}
	if snap == nil {
		return nil
	}
	m.logger.Debug("会话从存储恢复", slog.String("session_id", id))
	return restoreSession(*snap, m.historySize)
}

// Get 查找会话并刷新活跃时间。
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.touch(m.now())
	return s, true
}

// Peek 查找会话但不刷新活跃时间，用于只读的可见性检查。
func (m *Manager) Peek(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List 返回所有会话的快照，按创建时间排序。
func (m *Manager) List() []Snapshot {
	now := m.now()
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot(now))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// UpdateAuthState 替换会话的认证状态。
func (m *Manager) UpdateAuthState(id string, state AuthState) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	if state.Kind == "" {
		state.Kind = AuthNone
	}
	s.mu.Lock()
	s.auth = state.clone()
	s.mu.Unlock()
	m.logger.Info("会话认证状态更新",
		slog.String("session_id", id),
		slog.String("kind", string(state.Kind)),
		slog.Bool("authenticated", state.Authenticated),
	)
	m.persist(s)
	return true
}

// GetVariable 读取会话变量，会话或变量不存在时返回 false。
func (m *Manager) GetVariable(id, name string) (any, bool) {
	s, ok := m.Get(id)
	if !ok {
		return nil, false
	}
	return s.Variable(name)
}

// SetVariable 写入会话变量。
func (m *Manager) SetVariable(id, name string, value any) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.variables[name] = value
	s.mu.Unlock()
	m.persist(s)
	return true
}

// LogExecution 追加一条执行历史，超出容量时丢弃最旧的记录。
func (m *Manager) LogExecution(id string, entry HistoryEntry) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now()
	}
	s.mu.Lock()
	s.history.push(entry)
	s.mu.Unlock()
	return true
}

// IsAuthenticated 判断会话当前是否持有有效凭据。
func (m *Manager) IsAuthenticated(id string) bool {
	s, ok := m.Get(id)
	if !ok {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth.Valid(m.now())
}

// RequireAuthenticated 与 IsAuthenticated 相同，但以错误形式说明原因。
func (m *Manager) RequireAuthenticated(id string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.auth.Valid(m.now()) {
		return nil
	}
	return xerrors.New(xerrors.CodeSessionExpired, "会话未认证或认证已过期", xerrors.WithMetadata("session_id", id))
}

// Acquire 获取会话运行锁，返回的 release 必须被调用。
func (m *Manager) Acquire(ctx context.Context, s *Session) (func(), error) {
	if s == nil {
		return nil, ErrSessionNotFound
	}
	if err := s.Lock(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCancelled, err, "等待会话运行锁被取消")
	}
	if m.locker == nil {
		return s.Unlock, nil
	}
	release, err := m.locker.Acquire(ctx, "session:"+s.ID, runLockTTL)
	if err != nil {
		s.Unlock()
		return nil, err
	}
	return func() {
		release()
		s.Unlock()
	}, nil
}

// Close 关闭会话并释放驱动句柄。重复关闭返回 false。
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.release(s, "closed")
	return true
}

// Sweep 关闭所有空闲超过阈值的会话，返回关闭数量。
func (m *Manager) Sweep(now time.Time) int {
	var idle []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity()) > m.idleTimeout {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
	for _, s := range idle {
		m.release(s, "idle")
	}
	return len(idle)
}

// Start 运行后台回收循环，直到 ctx 取消。
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.logger.Info("回收空闲会话", slog.Int("count", n))
			}
		}
	}
}

// Stats 返回会话数量、已认证数量与平均存活时长。
func (m *Manager) Stats() Stats {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{Count: len(m.sessions)}
	if stats.Count == 0 {
		return stats
	}
	var total time.Duration
	for _, s := range m.sessions {
		total += now.Sub(s.CreatedAt)
		s.mu.RLock()
		if s.auth.Valid(now) {
			stats.Authenticated++
		}
		s.mu.RUnlock()
	}
	stats.AverageAgeSeconds = total.Seconds() / float64(stats.Count)
	return stats
}

// CloseAll 关闭所有会话，用于进程退出。
func (m *Manager) CloseAll() int {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range all {
		m.release(s, "shutdown")
	}
	return len(all)
}

func (m *Manager) release(s *Session, reason string) {
	now := m.now()
	s.mu.Lock()
	already := s.closed
	s.closed = true
	driver := s.driver
	s.driver = nil
	s.mu.Unlock()
	if already {
		return
	}
	if driver != nil {
		if err := driver.Close(); err != nil {
			m.logger.Warn("关闭会话驱动失败", slog.String("session_id", s.ID), slog.Any("error", err))
		}
	}
	if m.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := m.store.Delete(ctx, s.ID); err != nil {
			m.logger.Warn("删除会话快照失败", slog.String("session_id", s.ID), slog.Any("error", err))
		}
		cancel()
	}
	snap := s.Snapshot(now)
	for _, hook := range m.closeHooks {
		hook(snap)
	}
	logger.Audit().Info("会话关闭",
		slog.String("session_id", s.ID),
		slog.String("tenant", s.Tenant),
		slog.String("reason", reason),
	)
}

func (m *Manager) persist(s *Session) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	m.save(ctx, s)
}

func (m *Manager) save(ctx context.Context, s *Session) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, s.Snapshot(m.now()), m.idleTimeout); err != nil {
		m.logger.Warn("保存会话快照失败", slog.String("session_id", s.ID), slog.Any("error", err))
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.mu.Unlock()
}
