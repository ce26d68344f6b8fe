package activation

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "ChainHost/internal/errors"
)

// MemoryStore 以内存方式保存激活请求，适用于单进程部署与测试。
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	now      func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, req *Request) error {
	if req == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "激活请求不能为空")
	}
	if req.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "激活请求 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return ErrConflict
	}
	now := m.now().Unix()
	if req.CreatedAt == 0 {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	m.requests[req.ID] = cloneRequest(req)
	return nil
}

// Get 返回激活请求。
func (m *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(req), nil
}

// Claim 将待处理的请求标记为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	switch {
	case req.Status.Finished():
		return cloneRequest(req), ErrCompleted
	case req.Status == StatusRunning:
		return cloneRequest(req), ErrConflict
	}
	req.Status = StatusRunning
	req.UpdatedAt = m.now().Unix()
	return cloneRequest(req), nil
}

// Complete 记录批次结果。
func (m *MemoryStore) Complete(_ context.Context, id string, status Status, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	req.Status = status
	req.Outcome = cloneOutcome(&outcome)
	req.LastError = ""
	req.ErrorCode = ""
	req.UpdatedAt = m.now().Unix()
	return nil
}

// MarkFailed 标记整批失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	req.Status = StatusFailed
	req.LastError = lastError
	req.ErrorCode = string(code)
	req.UpdatedAt = m.now().Unix()
	return nil
}

// List 按更新时间倒序返回请求。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Request, error) {
	opts.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Request, 0, len(m.requests))
	for _, req := range m.requests {
		if opts.matches(req.Status) {
			out = append(out, cloneRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt == out[j].UpdatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt > out[j].UpdatedAt
	})
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
