// Package metrics 以 Prometheus 格式暴露 ChainHost 的运行指标。
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "ChainHost/internal/errors"
)

const namespace = "chainhost"

// Metrics 持有独立的 registry，不使用全局默认注册器。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	activations       *prometheus.CounterVec
	activationLatency prometheus.Histogram
	pluginFailures    *prometheus.CounterVec
}

// New 创建指标集合并注册全部采集器。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activation_requests_total",
			Help:      "Processed plugin activation requests by final status.",
		}, []string{"status"}),
		activationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "activation_duration_seconds",
			Help:      "Time spent activating one batch of plugins.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		pluginFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_activation_failures_total",
			Help:      "Per-plugin activation failures by error code.",
		}, []string{"plugin", "code"}),
	}
	m.registry.MustRegister(
		m.httpRequests, m.httpErrors, m.httpLatency,
		m.activations, m.activationLatency, m.pluginFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveHTTPRequest 记录一次 HTTP 请求的状态与耗时。
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveActivation 记录一次激活请求的最终状态与耗时。
func (m *Metrics) ObserveActivation(status string, duration time.Duration) {
	m.activations.WithLabelValues(status).Inc()
	m.activationLatency.Observe(duration.Seconds())
}

// FailureHandler 按插件与错误码统计激活失败，签名与 plugin.FailureHandler 一致。
func (m *Metrics) FailureHandler(_ context.Context, plugin string, err error) {
	m.pluginFailures.WithLabelValues(plugin, string(xerrors.CodeOf(err))).Inc()
}

// TrackPlugins 以 gauge 形式导出已激活插件数量。
func (m *Metrics) TrackPlugins(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "plugins_active",
		Help:      "Number of activated plugins.",
	}, func() float64 { return float64(count()) }))
}

// Registry 返回底层 registry。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 使用的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
