package activation

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	xerrors "ChainHost/internal/errors"
	"ChainHost/internal/observability/alerting"
	"ChainHost/internal/queue"
	"ChainHost/pkg/logger"
	"ChainHost/pkg/plugin"
)

// Registrar 定义处理器所需的插件激活能力，由 *plugin.Manager 实现。
type Registrar interface {
	RegisterPlugins(ctx context.Context, names []string) (*plugin.Report, error)
}

// Recorder 接收每个批次的处理结果，通常由指标模块实现。
type Recorder interface {
	ObserveActivation(status string, duration time.Duration)
}

// Processor 从队列消费激活请求，并交给插件管理器执行。
// 管理器本身串行处理批次，因此只启动一个工作协程。
type Processor struct {
	registrar Registrar
	store     Store
	consumer  queue.Consumer
	logger    *slog.Logger
	alerter   alerting.Dispatcher
	recorder  Recorder
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithRecorder 配置结果记录器。
func WithRecorder(r Recorder) ProcessorOption {
	return func(p *Processor) {
		p.recorder = r
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(registrar Registrar, store Store, consumer queue.Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{registrar: registrar, store: store, consumer: consumer}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("activation")
	}
	return p
}

// Start 启动处理循环，直到 ctx 结束或队列关闭。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置激活请求消费者")
	}
	return p.consumer.Consume(ctx, 1, p.handle)
}

func (p *Processor) handle(ctx context.Context, payload []byte) error {
	if p.store == nil || p.registrar == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	id := strings.TrimSpace(string(payload))
	req, err := p.store.Claim(ctx, id)
	if err != nil {
		if stdErrors.Is(err, ErrNotFound) || stdErrors.Is(err, ErrCompleted) || stdErrors.Is(err, ErrConflict) {
			p.logger.Debug("跳过激活请求", slog.String("request_id", id), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取激活请求失败", slog.Any("error", err), slog.String("request_id", id))
		return err
	}

	started := time.Now()
	report, runErr := p.registrar.RegisterPlugins(ctx, req.Plugins)
	if runErr != nil {
		return p.handleBatchFailure(ctx, req, runErr, started)
	}
	if report == nil {
		report = &plugin.Report{}
	}

	outcome := Outcome{
		Activated: append([]string{}, report.Activated...),
		Skipped:   append([]string(nil), report.Skipped...),
	}
	status := StatusSucceeded
	if len(report.Failed) > 0 {
		status = StatusPartial
		outcome.Failed = make(map[string]string, len(report.Failed))
		for name, failure := range report.Failed {
			outcome.Failed[name] = failure.Error()
		}
	}
	if err := p.store.Complete(ctx, req.ID, status, outcome); err != nil {
		p.logger.Error("记录激活结果失败", slog.Any("error", err), slog.String("request_id", req.ID))
		return err
	}
	p.observe(status, started)
	logger.Audit().Info("激活请求处理完成",
		slog.String("request_id", req.ID),
		slog.String("status", string(status)),
		slog.Any("activated", outcome.Activated),
		slog.Any("failed", outcome.FailedPlugins()),
	)
	return nil
}

func (p *Processor) handleBatchFailure(ctx context.Context, req *Request, runErr error, started time.Time) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeActivationFailed
	}
	if err := p.store.MarkFailed(ctx, req.ID, code, runErr.Error()); err != nil {
		p.logger.Error("标记激活请求失败状态出错", slog.Any("error", err), slog.String("request_id", req.ID))
		return err
	}
	p.observe(StatusFailed, started)
	logger.Audit().Warn("激活请求失败",
		slog.String("request_id", req.ID),
		slog.Any("plugins", req.Plugins),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
	)
	p.emitAlert(ctx, req, code, runErr)
	return nil
}

func (p *Processor) observe(status Status, started time.Time) {
	if p.recorder != nil {
		p.recorder.ObserveActivation(string(status), time.Since(started))
	}
}

func (p *Processor) emitAlert(ctx context.Context, req *Request, code xerrors.Code, cause error) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:      code,
		Message:   cause.Error(),
		Severity:  attrs.Severity,
		RequestID: req.ID,
		Metadata: map[string]string{
			"stage":   "batch",
			"plugins": strings.Join(req.Plugins, ","),
		},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("request_id", req.ID))
	}
}
