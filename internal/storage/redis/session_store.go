package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/session"
)

// SessionStore 以 JSON 形式将会话快照保存在 Redis 中，TTL 与空闲超时一致。
type SessionStore struct {
	client goredis.Cmdable
	prefix string
}

var _ session.Store = (*SessionStore)(nil)

// NewSessionStore 创建会话快照存储。
func NewSessionStore(client goredis.Cmdable, prefix string) *SessionStore {
	return &SessionStore{client: client, prefix: keyPrefix(prefix)}
}

func (s *SessionStore) key(id string) string {
	return s.prefix + ":session:" + id
}

// Save 写入快照。
func (s *SessionStore) Save(ctx context.Context, snap session.Snapshot, ttl time.Duration) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话快照失败")
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(snap.ID), payload, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话快照失败",
			xerrors.WithMetadata("session_id", snap.ID))
	}
	return nil
}

// Load 读取快照，不存在时返回 (nil, nil)。
func (s *SessionStore) Load(ctx context.Context, id string) (*session.Snapshot, error) {
	payload, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if stdErrors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话快照失败",
			xerrors.WithMetadata("session_id", id))
	}
	var snap session.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话快照失败",
			xerrors.WithMetadata("session_id", id))
	}
	return &snap, nil
}

// Delete 删除快照。
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话快照失败",
			xerrors.WithMetadata("session_id", id))
	}
	return nil
}
