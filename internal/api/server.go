package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ChainHost/internal/activation"
	xerrors "ChainHost/internal/errors"
	"ChainHost/internal/observability/metrics"
	"ChainHost/pkg/logger"
	"ChainHost/pkg/plugin"
)

// Engine 是 API 需要的插件引擎能力，*plugin.Manager 满足该接口。
type Engine interface {
	Plugins() []string
	Plugin(name string) (plugin.Plugin, bool)
	GetResourcesManager(plugin, resourceType string) (plugin.ResourcesManager, error)
	Resources() plugin.AllResources
	Debug() plugin.DescribeTable
}

// Activations 是激活请求服务的抽象，*activation.Service 满足该接口。
type Activations interface {
	Submit(ctx context.Context, in activation.SubmitRequest) (*activation.Request, error)
	Get(ctx context.Context, id string) (*activation.Request, error)
	List(ctx context.Context, opts ...activation.ListOption) ([]*activation.Request, error)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	engine          Engine
	activations     Activations
	metrics         *metrics.Metrics
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 用于定制 Server。
type Option func(*Server)

// WithMetrics 启用请求指标与 /metrics 端点。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithShutdownTimeout 设置优雅关闭的最长等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, engine Engine, activations Activations, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		engine:          engine,
		activations:     activations,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "/api/v1/plugins", s.handlePlugins)
	s.route(mux, "/api/v1/plugins/activations", s.handleActivations)
	s.route(mux, "/api/v1/plugins/activations/", s.handleActivationDetail)
	s.route(mux, "/api/v1/resources", s.handleResources)
	s.route(mux, "/api/v1/debug", s.handleDebug)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 为处理器加上指标统计与审计日志。
func (s *Server) route(mux *http.ServeMux, pattern string, handler http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		handler(sw, r)
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTPRequest(pattern, r.Method, sw.status, elapsed)
		}
		if r.Method != http.MethodGet {
			logger.Audit().Info("api_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
			)
		}
	}))
}

// pluginView 是 GET /api/v1/plugins 的响应元素。
type pluginView struct {
	Name          string                       `json:"name"`
	Description   string                       `json:"description,omitempty"`
	Version       string                       `json:"version,omitempty"`
	Dependencies  []string                     `json:"dependencies,omitempty"`
	Capabilities  []plugin.Capability          `json:"capabilities,omitempty"`
	ResourceTypes []string                     `json:"resource_types"`
	Resources     map[string][]plugin.Resource `json:"resources"`
}

// activationPayload 是 POST /api/v1/plugins 的请求体。
type activationPayload struct {
	ID      string   `json:"id"`
	Plugins []string `json:"plugins"`
}

// resourcePayload 是 POST /api/v1/resources 的请求体。
type resourcePayload struct {
	Plugin   string          `json:"plugin"`
	Type     string          `json:"type"`
	Resource plugin.Resource `json:"resource"`
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListPlugins(w, r)
	case http.MethodPost:
		s.handleActivatePlugins(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "插件引擎未初始化"))
		return
	}
	snapshot := s.engine.Resources()
	names := s.engine.Plugins()
	views := make([]pluginView, 0, len(names))
	for _, name := range names {
		p, ok := s.engine.Plugin(name)
		if !ok {
			continue
		}
		resources := snapshot.Plugin(name)
		if resources == nil {
			resources = map[string][]plugin.Resource{}
		}
		views = append(views, pluginView{
			Name:          p.Name,
			Description:   p.Description,
			Version:       p.Version,
			Dependencies:  p.Dependencies,
			Capabilities:  p.Capabilities,
			ResourceTypes: p.ResourceTypeNames(),
			Resources:     resources,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleActivatePlugins(w http.ResponseWriter, r *http.Request) {
	if s.activations == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "激活服务未初始化"))
		return
	}
	var payload activationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	req, err := s.activations.Submit(r.Context(), activation.SubmitRequest{ID: payload.ID, Plugins: payload.Plugins})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/plugins/activations/"+req.ID)
	writeJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleActivations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.activations == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "激活服务未初始化"))
		return
	}
	query := r.URL.Query()
	opts := make([]activation.ListOption, 0, 2)
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, activation.WithLimit(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []activation.Status
		for _, part := range strings.Split(raw, ",") {
			status := activation.Status(strings.TrimSpace(part))
			if !activation.IsValidStatus(status) {
				writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "不支持的状态: "+string(status)))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, activation.WithStatuses(statuses...))
	}
	requests, err := s.activations.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (s *Server) handleActivationDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/plugins/activations/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "缺少请求 ID", http.StatusBadRequest)
		return
	}
	if s.activations == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "激活服务未初始化"))
		return
	}
	req, err := s.activations.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "插件引擎未初始化"))
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleListResources(w, r)
	case http.MethodPost:
		s.handleCreateResource(w, r)
	case http.MethodDelete:
		s.handleDeleteResource(w, r)
	default:
		http.Error(w, "仅支持 GET/POST/DELETE", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	pluginName, resourceType := query.Get("plugin"), query.Get("type")
	if pluginName == "" {
		writeJSON(w, http.StatusOK, s.engine.Resources())
		return
	}
	if resourceType == "" {
		if _, ok := s.engine.Plugin(pluginName); !ok {
			writeError(w, plugin.NotInstalled(pluginName))
			return
		}
		resources := s.engine.Resources().Plugin(pluginName)
		if resources == nil {
			resources = map[string][]plugin.Resource{}
		}
		writeJSON(w, http.StatusOK, resources)
		return
	}
	ctrl, err := s.controller(pluginName, resourceType)
	if err != nil {
		writeError(w, err)
		return
	}
	if name := query.Get("name"); name != "" {
		res, err := ctrl.Get(r.Context(), name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	list, err := ctrl.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	var payload resourcePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if payload.Resource == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "resource 不能为空"))
		return
	}
	ctrl, err := s.controller(payload.Plugin, payload.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := ctrl.Create(r.Context(), payload.Resource)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleDeleteResource(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	name := query.Get("name")
	if name == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "name 不能为空"))
		return
	}
	ctrl, err := s.controller(query.Get("plugin"), query.Get("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := ctrl.Delete(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// controller 查找支持外部修改的资源管理器。
func (s *Server) controller(pluginName, resourceType string) (plugin.ResourceController, error) {
	if pluginName == "" || resourceType == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "plugin 与 type 不能为空")
	}
	mgr, err := s.engine.GetResourcesManager(pluginName, resourceType)
	if err != nil {
		return nil, err
	}
	ctrl, ok := mgr.(plugin.ResourceController)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "资源类型不支持外部修改",
			xerrors.WithMetadata("plugin", pluginName),
			xerrors.WithMetadata("resource_type", resourceType),
		)
	}
	return ctrl, nil
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "插件引擎未初始化"))
		return
	}
	table := s.engine.Debug()
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = table.Render(w)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

// errorBody 是错误响应的结构。
type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	body := errorBody{Code: string(code), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		body.Metadata = coded.Metadata()
	}
	writeJSON(w, statusOf(code), body)
}

// statusOf 把错误码映射为 HTTP 状态码。
func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, activation.CodeActivationValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, activation.CodeActivationNotFound,
		plugin.CodeResourceNotFound, plugin.CodePluginNotInstalled, plugin.CodeUnknownResourceType:
		return http.StatusNotFound
	case xerrors.CodeConflict, activation.CodeActivationConflict, plugin.CodeResourceConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusWriter 记录响应状态码。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
