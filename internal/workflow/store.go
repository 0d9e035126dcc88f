package workflow

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
)

// ErrWorkflowNotFound 表示工作流不存在。
var ErrWorkflowNotFound = xerrors.New(xerrors.CodeNotFound, "workflow not found")

// ListOptions 控制快照列表查询。
type ListOptions struct {
	Status    Status
	SessionID string
	// Tenant 非空时只返回该租户的快照，先过滤再截断 Limit。
	Tenant string
	Limit  int
}

func (o ListOptions) normalize() ListOptions {
	if o.Limit <= 0 || o.Limit > 500 {
		o.Limit = 50
	}
	return o
}

func (o ListOptions) match(s Snapshot) bool {
	if o.Status != "" && s.Status != o.Status {
		return false
	}
	if o.SessionID != "" && s.SessionID != o.SessionID {
		return false
	}
	if o.Tenant != "" && s.Tenant != o.Tenant {
		return false
	}
	return true
}

// Store 持久化工作流快照，每次状态变化都会调用 Save。
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, id string) (*Snapshot, error)
	List(ctx context.Context, opts ListOptions) ([]Snapshot, error)
}

// MemoryStore 是进程内实现，主要用于开发与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

// Save 保存快照。
func (s *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	s.snaps[snap.ID] = snap
	s.mu.Unlock()
	return nil
}

// Load 读取快照。
func (s *MemoryStore) Load(_ context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return &snap, nil
}

// List 按创建时间倒序返回快照。
func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]Snapshot, error) {
	opts = opts.normalize()
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		if opts.match(snap) {
			out = append(out, snap)
		}
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// FileStore 以 JSON Lines 追加写入快照，读取时以最后一条为准。
type FileStore struct {
	mu   sync.Mutex
	path string
	mem  *MemoryStore
}

var _ Store = (*FileStore)(nil)

// NewFileStore 打开（或创建）快照文件并回放已有记录。
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("workflow file store path 不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建工作流目录失败: %w", err)
	}
	store := &FileStore{path: path, mem: NewMemoryStore()}
	if err := store.replay(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *FileStore) replay() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("打开工作流文件失败: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(line, &snap); err != nil {
			continue
		}
		_ = s.mem.Save(context.Background(), snap)
	}
	return scanner.Err()
}

// Save 追加一条快照。
func (s *FileStore) Save(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化工作流快照失败")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开工作流文件失败")
	}
	defer f.Close()
	if _, err := f.Write(append(payload, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入工作流快照失败")
	}
	return s.mem.Save(ctx, snap)
}

// Load 读取快照。
func (s *FileStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	return s.mem.Load(ctx, id)
}

// List 返回快照列表。
func (s *FileStore) List(ctx context.Context, opts ListOptions) ([]Snapshot, error) {
	return s.mem.List(ctx, opts)
}

func sortNewestFirst(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].ID > snaps[j].ID
		}
		return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
	})
}
