package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReadyStore 在 plugin_ready 表中记录已激活的插件，每个插件一行。
type ReadyStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewReadyStore 打开连接并执行迁移。
func NewReadyStore(ctx context.Context, cfg Config) (*ReadyStore, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewReadyStoreWithDB(db), nil
}

// NewReadyStoreWithDB 复用已迁移的连接池。
func NewReadyStoreWithDB(db *sql.DB) *ReadyStore {
	return &ReadyStore{db: db, now: time.Now}
}

// Write 幂等写入插件名称，重复写入不会产生新行。
func (s *ReadyStore) Write(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("插件名称不能为空")
	}
	const stmt = `INSERT INTO plugin_ready (name, created_at) VALUES (?, ?)
ON DUPLICATE KEY UPDATE name = name`
	if _, err := s.db.ExecContext(ctx, stmt, name, s.now().Unix()); err != nil {
		return fmt.Errorf("写入插件就绪状态失败: %w", err)
	}
	return nil
}

// All 返回按名称排序的全部插件。
func (s *ReadyStore) All(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM plugin_ready ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("查询插件就绪状态失败: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("解析插件就绪状态失败: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历插件就绪状态失败: %w", err)
	}
	return names, nil
}

// DB 暴露底层连接池，供其他 MySQL 存储复用。
func (s *ReadyStore) DB() *sql.DB {
	return s.db
}

// Close 释放连接池。
func (s *ReadyStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
