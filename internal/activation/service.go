package activation

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ChainHost/internal/errors"
	"ChainHost/internal/queue"
	"ChainHost/pkg/logger"
)

// SubmitRequest 是外部提交的激活请求。ID 为空时自动生成。
type SubmitRequest struct {
	ID      string   `json:"id,omitempty"`
	Plugins []string `json:"plugins"`
}

// Service 负责激活请求的创建与查询。
type Service struct {
	store    Store
	producer queue.Producer
}

// NewService 构造激活服务。
func NewService(store Store, producer queue.Producer) *Service {
	return &Service{store: store, producer: producer}
}

// Submit 创建一个新的激活请求并推送到队列。相同 ID 的重复提交返回已有记录。
func (s *Service) Submit(ctx context.Context, in SubmitRequest) (*Request, error) {
	plugins := normalizePlugins(trimAll(in.Plugins))
	if len(plugins) == 0 {
		return nil, xerrors.New(CodeActivationValidation, "插件列表不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "激活服务未初始化")
	}

	id := strings.TrimSpace(in.ID)
	if id != "" {
		existing, err := s.store.Get(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	req := &Request{ID: id, Plugins: plugins, Status: StatusPending}
	if err := s.store.Create(ctx, req); err != nil {
		if stdErrors.Is(err, ErrConflict) {
			if existing, getErr := s.store.Get(ctx, id); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, []byte(id)); err != nil {
		logger.L().Error("激活请求入队失败", slog.Any("error", err), slog.String("request_id", id))
		wrapped := xerrors.Wrap(CodeActivationPublish, err, "发布激活请求到队列失败")
		_ = s.store.MarkFailed(ctx, id, CodeActivationPublish, wrapped.Error())
		return nil, wrapped
	}
	logger.Audit().Info("激活请求入队成功",
		slog.String("request_id", id),
		slog.Any("plugins", plugins),
	)
	return req, nil
}

// Get 返回指定请求的状态。
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "激活存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的请求列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Request, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "激活存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// WaitUntilFinished 轮询直到请求进入终态或 ctx 结束。
func (s *Service) WaitUntilFinished(ctx context.Context, id string, interval time.Duration) (*Request, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		req, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status.Finished() {
			return req, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

func trimAll(names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = strings.TrimSpace(name)
	}
	return out
}
