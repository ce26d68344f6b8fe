package activation

import (
	"sort"

	xerrors "ChainHost/internal/errors"
)

// Status 表示激活请求在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	// StatusPartial 表示批次完成，但部分插件未能激活。
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Outcome 保存一次批量激活的结果。
type Outcome struct {
	Activated []string          `json:"activated"`
	Skipped   []string          `json:"skipped,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Request 描述一次排队执行的插件激活请求。
type Request struct {
	ID        string   `json:"id"`
	Plugins   []string `json:"plugins"`
	Status    Status   `json:"status"`
	Outcome   *Outcome `json:"outcome,omitempty"`
	LastError string   `json:"last_error,omitempty"`
	ErrorCode string   `json:"error_code,omitempty"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

const (
	CodeActivationNotFound   xerrors.Code = "ACTIVATION_NOT_FOUND"
	CodeActivationConflict   xerrors.Code = "ACTIVATION_CONFLICT"
	CodeActivationCompleted  xerrors.Code = "ACTIVATION_COMPLETED"
	CodeActivationValidation xerrors.Code = "ACTIVATION_VALIDATION_FAILED"
	CodeActivationPublish    xerrors.Code = "ACTIVATION_PUBLISH_FAILED"
	CodeActivationFailed     xerrors.Code = "ACTIVATION_FAILED"
)

func init() {
	xerrors.Register(CodeActivationNotFound, xerrors.Attributes{
		Message:  "activation request not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeActivationConflict, xerrors.Attributes{
		Message:  "activation request conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeActivationCompleted, xerrors.Attributes{
		Message:  "activation request already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeActivationValidation, xerrors.Attributes{
		Message:  "activation request validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeActivationPublish, xerrors.Attributes{
		Message:   "failed to publish activation request",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeActivationFailed, xerrors.Attributes{
		Message:  "activation batch failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

var (
	// ErrNotFound 表示指定的激活请求不存在。
	ErrNotFound = xerrors.New(CodeActivationNotFound, "activation request not found")
	// ErrConflict 表示请求在当前状态下无法进行所请求的操作。
	ErrConflict = xerrors.New(CodeActivationConflict, "activation request conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrCompleted 表示请求已经处理完毕。
	ErrCompleted = xerrors.New(CodeActivationCompleted, "activation request already completed")
)

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusPartial, StatusFailed:
		return true
	default:
		return false
	}
}

// Finished 判断请求是否已进入终态。
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusPartial || s == StatusFailed
}

func normalizePlugins(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func cloneOutcome(o *Outcome) *Outcome {
	if o == nil {
		return nil
	}
	clone := &Outcome{
		Activated: append([]string(nil), o.Activated...),
		Skipped:   append([]string(nil), o.Skipped...),
	}
	if o.Failed != nil {
		clone.Failed = make(map[string]string, len(o.Failed))
		for k, v := range o.Failed {
			clone.Failed[k] = v
		}
	}
	return clone
}

func cloneRequest(r *Request) *Request {
	clone := *r
	clone.Plugins = append([]string(nil), r.Plugins...)
	clone.Outcome = cloneOutcome(r.Outcome)
	return &clone
}

// FailedPlugins 返回按名称排序的失败插件。
func (o *Outcome) FailedPlugins() []string {
	if o == nil {
		return nil
	}
	names := make([]string, 0, len(o.Failed))
	for name := range o.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
