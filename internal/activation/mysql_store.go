package activation

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "ChainHost/internal/errors"
	storage "ChainHost/internal/storage/mysql"
)

// MySQLStore 使用 plugin_activations 表记录激活请求。
type MySQLStore struct {
	db    *sql.DB
	now   func() time.Time
	owned bool
}

// NewMySQLStore 打开连接池并执行迁移。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	store := NewMySQLStoreWithDB(db)
	store.owned = true
	return store, nil
}

// NewMySQLStoreWithDB 复用已迁移的连接池，Close 不会关闭该连接池。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

const selectColumns = `SELECT id, plugins, status, outcome, last_error, error_code, created_at, updated_at FROM plugin_activations`

// Create 插入新的激活请求。
func (s *MySQLStore) Create(ctx context.Context, req *Request) error {
	if req == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "激活请求不能为空")
	}
	if strings.TrimSpace(req.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "激活请求 ID 不能为空")
	}
	plugins, err := json.Marshal(req.Plugins)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码插件列表失败")
	}

	now := s.now().Unix()
	req.CreatedAt = now
	req.UpdatedAt = now

	const stmt = `INSERT INTO plugin_activations
        (id, plugins, status, outcome, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, NULL, '', '', ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, req.ID, string(plugins), string(req.Status), now, now); err != nil {
		if storage.IsDuplicateKey(err) {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入激活请求失败")
	}
	return nil
}

// Get 查询指定请求。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询激活请求失败")
	}
	return req, nil
}

// Claim 将待处理的请求标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Request, error) {
	const stmt = `UPDATE plugin_activations SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(StatusRunning), s.now().Unix(), id, string(StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新激活请求状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if req.Status.Finished() {
			return req, ErrCompleted
		}
		return req, ErrConflict
	}
	return req, nil
}

// Complete 记录批次结果。
func (s *MySQLStore) Complete(ctx context.Context, id string, status Status, outcome Outcome) error {
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码激活结果失败")
	}
	const stmt = `UPDATE plugin_activations SET status = ?, outcome = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	return s.update(ctx, stmt, string(status), string(encoded), s.now().Unix(), id)
}

// MarkFailed 标记整批失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE plugin_activations SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	return s.update(ctx, stmt, string(StatusFailed), lastError, string(code), s.now().Unix(), id)
}

func (s *MySQLStore) update(ctx context.Context, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新激活请求失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// List 按更新时间倒序返回请求。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Request, error) {
	opts.applyDefaults()

	query := selectColumns
	args := make([]any, 0, len(opts.Statuses)+1)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY updated_at DESC, id ASC LIMIT ?"
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询激活请求列表失败")
	}
	defer rows.Close()

	out := make([]*Request, 0, opts.Limit)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析激活请求失败")
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历激活请求失败")
	}
	return out, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil || !s.owned {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var (
		req       Request
		plugins   string
		status    string
		outcome   sql.NullString
		lastError sql.NullString
	)
	if err := row.Scan(&req.ID, &plugins, &status, &outcome, &lastError, &req.ErrorCode, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return nil, err
	}
	req.Status = Status(status)
	req.LastError = lastError.String
	if err := json.Unmarshal([]byte(plugins), &req.Plugins); err != nil {
		return nil, err
	}
	if outcome.Valid && outcome.String != "" {
		var decoded Outcome
		if err := json.Unmarshal([]byte(outcome.String), &decoded); err != nil {
			return nil, err
		}
		req.Outcome = &decoded
	}
	return &req, nil
}
