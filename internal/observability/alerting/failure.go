package alerting

import (
	"context"
	"log/slog"
	"time"

	xerrors "ChainHost/internal/errors"
	"ChainHost/pkg/logger"
	"ChainHost/pkg/plugin"
)

// FailureHandler 把插件激活失败转换为告警事件。只有注册为需要告警的错误码才会派发。
func FailureHandler(d Dispatcher) plugin.FailureHandler {
	return func(ctx context.Context, name string, err error) {
		if d == nil || err == nil || !xerrors.ShouldAlert(err) {
			return
		}
		event := Event{
			Code:       xerrors.CodeOf(err),
			Message:    err.Error(),
			Severity:   xerrors.SeverityOf(err),
			Plugin:     name,
			Metadata:   map[string]string{"stage": "activate"},
			OccurredAt: time.Now(),
		}
		if coded, ok := xerrors.From(err); ok {
			for k, v := range coded.Metadata() {
				if k != "plugin" {
					event.Metadata[k] = v
				}
			}
		}
		if notifyErr := d.Notify(ctx, event); notifyErr != nil {
			logger.L().Error("告警通知失败", slog.Any("error", notifyErr), slog.String("plugin", name))
		}
	}
}
