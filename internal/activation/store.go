package activation

import (
	"context"

	xerrors "ChainHost/internal/errors"
)

// Store 抽象了激活请求的持久化接口。
type Store interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	Claim(ctx context.Context, id string) (*Request, error)
	Complete(ctx context.Context, id string, status Status, outcome Outcome) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error
	List(ctx context.Context, opts ListOptions) ([]*Request, error)
	Close() error
}

// ListOptions 控制查询激活请求时的过滤条件。
type ListOptions struct {
	Limit    int
	Statuses []Status
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回数量。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithStatuses 按状态过滤。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if len(opts.Statuses) == 0 {
		opts.Statuses = nil
		return
	}
	seen := make(map[Status]struct{}, len(opts.Statuses))
	filtered := opts.Statuses[:0]
	for _, status := range opts.Statuses {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		filtered = append(filtered, status)
	}
	if len(filtered) == 0 {
		filtered = nil
	}
	opts.Statuses = filtered
}

func (opts ListOptions) matches(status Status) bool {
	if len(opts.Statuses) == 0 {
		return true
	}
	for _, s := range opts.Statuses {
		if s == status {
			return true
		}
	}
	return false
}
