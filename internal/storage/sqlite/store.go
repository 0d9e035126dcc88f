// Package sqlite is an embedded workflow snapshot store for single-node
// deployments that do not run MySQL.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	stdErrors "errors"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/workflow"
)

//go:embed schema.sql
var schema string

// WorkflowStore persists the latest snapshot of every workflow in SQLite.
type WorkflowStore struct {
	db *sql.DB
}

var _ workflow.Store = (*WorkflowStore)(nil)

// Open creates the database file if needed and applies the schema.
func Open(path string) (*WorkflowStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sqlite path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "create sqlite directory")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open sqlite database")
	}
	// Writers serialize on the file lock anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "apply sqlite schema")
	}
	return &WorkflowStore{db: db}, nil
}

// Close closes the database.
func (s *WorkflowStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save upserts a snapshot.
func (s *WorkflowStore) Save(ctx context.Context, snap workflow.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "marshal workflow snapshot")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO workflow_runs (id, session_id, tenant, status, snapshot, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET status = excluded.status, snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		snap.ID, snap.SessionID, snap.Tenant, string(snap.Status), string(payload),
		snap.CreatedAt.UnixNano(), snap.UpdatedAt.UnixNano())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "save workflow snapshot")
	}
	return nil
}

// Load returns the latest snapshot for id.
func (s *WorkflowStore) Load(ctx context.Context, id string) (*workflow.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM workflow_runs WHERE id = ?`, id).Scan(&payload)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "load workflow snapshot")
	}
	var snap workflow.Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode workflow snapshot")
	}
	return &snap, nil
}

// List returns snapshots newest first.
func (s *WorkflowStore) List(ctx context.Context, opts workflow.ListOptions) ([]workflow.Snapshot, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT snapshot FROM workflow_runs
        WHERE (? = '' OR status = ?) AND (? = '' OR session_id = ?) AND (? = '' OR tenant = ?)
        ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query,
		string(opts.Status), string(opts.Status), opts.SessionID, opts.SessionID, opts.Tenant, opts.Tenant, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list workflow snapshots")
	}
	defer rows.Close()

	var out []workflow.Snapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan workflow snapshot")
		}
		var snap workflow.Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
