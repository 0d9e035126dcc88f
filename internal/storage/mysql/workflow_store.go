package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/workflow"
)

const (
	upsertWorkflowSQL = `INSERT INTO workflow_runs (id, session_id, tenant, status, snapshot, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE status = VALUES(status), snapshot = VALUES(snapshot), updated_at = VALUES(updated_at)`
	selectWorkflowSQL = `SELECT snapshot FROM workflow_runs WHERE id = ?`
	listWorkflowsSQL  = `SELECT snapshot FROM workflow_runs`
)

// WorkflowStore 将工作流快照保存在 workflow_runs 表中，每个工作流保留最新一行。
type WorkflowStore struct {
	db *sql.DB
}

var _ workflow.Store = (*WorkflowStore)(nil)

// NewWorkflowStore 基于已打开的连接创建仓储。
func NewWorkflowStore(db *sql.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

// Save 插入或更新快照。
func (s *WorkflowStore) Save(ctx context.Context, snap workflow.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化工作流快照失败")
	}
	_, err = s.db.ExecContext(ctx, upsertWorkflowSQL,
		snap.ID,
		snap.SessionID,
		snap.Tenant,
		string(snap.Status),
		string(payload),
		snap.CreatedAt.UnixMilli(),
		snap.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存工作流快照失败")
	}
	return nil
}

// Load 读取指定工作流的最新快照。
func (s *WorkflowStore) Load(ctx context.Context, id string) (*workflow.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, selectWorkflowSQL, id).Scan(&payload)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流快照失败")
	}
	var snap workflow.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流快照失败")
	}
	return &snap, nil
}

// List 按创建时间倒序返回快照。
func (s *WorkflowStore) List(ctx context.Context, opts workflow.ListOptions) ([]workflow.Snapshot, error) {
	query, args := buildWorkflowListQuery(opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流列表失败")
	}
	defer rows.Close()

	var out []workflow.Snapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取工作流快照失败")
		}
		var snap workflow.Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作流列表失败")
	}
	return out, nil
}

func buildWorkflowListQuery(opts workflow.ListOptions) (string, []any) {
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var (
		clauses []string
		args    []any
	)
	if opts.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.Tenant != "" {
		clauses = append(clauses, "tenant = ?")
		args = append(args, opts.Tenant)
	}
	query := listWorkflowsSQL
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)
	return query, args
}
