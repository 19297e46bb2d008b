package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"AuctionMesh/internal/agent"
	xerrors "AuctionMesh/internal/errors"
	"AuctionMesh/internal/ledger"
	"AuctionMesh/internal/observability/metrics"
	"AuctionMesh/internal/task"
	"AuctionMesh/pkg/logger"
)

// Server 负责暴露 REST 接口：提交与查询任务、取消任务、查看智能体以及订阅出价。
type Server struct {
	addr            string
	tasks           *task.Service
	agents          *agent.Registry
	bids            ledger.BidSource
	httpMetrics     *metrics.HTTPMetrics
	metricsHandler  http.Handler
	allowedOrigins  []string
	readTimeout     time.Duration
	shutdownTimeout time.Duration
	upgrader        websocket.Upgrader
	logger          *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithAgents 暴露智能体注册表。
func WithAgents(registry *agent.Registry) Option {
	return func(s *Server) {
		s.agents = registry
	}
}

// WithBidSource 启用出价订阅接口。
func WithBidSource(source ledger.BidSource) Option {
	return func(s *Server) {
		s.bids = source
	}
}

// WithHTTPMetrics 指定请求指标，nil 表示不统计。
func WithHTTPMetrics(m *metrics.HTTPMetrics) Option {
	return func(s *Server) {
		s.httpMetrics = m
	}
}

// WithMetricsHandler 替换 /metrics 的处理器。
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.metricsHandler = h
		}
	}
}

// WithAllowedOrigins 配置跨域白名单，"*" 表示允许全部来源。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.allowedOrigins = append([]string(nil), origins...)
	}
}

// WithTimeouts 设置读超时与优雅退出的等待时间。
func WithTimeouts(read, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks *task.Service, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		tasks:           tasks,
		metricsHandler:  metrics.Handler(nil),
		readTimeout:     15 * time.Second,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/tasks", "tasks.create", s.handleCreateTask)
	s.route(mux, "GET /api/v1/tasks", "tasks.list", s.handleListTasks)
	s.route(mux, "GET /api/v1/tasks/stats", "tasks.stats", s.handleTaskStats)
	s.route(mux, "GET /api/v1/tasks/{id}", "tasks.detail", s.handleTaskDetail)
	s.route(mux, "POST /api/v1/tasks/{id}/cancel", "tasks.cancel", s.handleCancelTask)
	s.route(mux, "GET /api/v1/agents", "agents.list", s.handleListAgents)
	s.route(mux, "GET /api/v1/auctions/{id}/bids", "auctions.bids", s.handleBidStream)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", s.metricsHandler)
	return s.withCORS(mux)
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.httpMetrics != nil {
		h = s.httpMetrics.Middleware(name, h)
	}
	mux.Handle(pattern, h)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type createTaskRequest struct {
	ID       string         `json:"id,omitempty"`
	RawText  string         `json:"raw_text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var req createTaskRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(task.CodeTaskValidation, err, "请求体解析失败"))
		return
	}
	created, err := s.tasks.Submit(r.Context(), task.SubmitRequest{ID: req.ID, RawText: req.RawText, Metadata: req.Metadata})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/tasks/"+created.ID)
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListQuery(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListQuery(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(task.CodeTaskValidation, "缺少任务 ID"))
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	current, err := s.tasks.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if current.Status == task.StatusRunning {
		// 取消信号已发出，终态稍后写入。
		status = http.StatusAccepted
	}
	writeJSON(w, status, current)
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	profiles := []agent.Profile{}
	if s.agents != nil {
		profiles = s.agents.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": profiles})
}

// withCORS 仅对白名单来源添加跨域响应头。
func (s *Server) withCORS(next http.Handler) http.Handler {
	if len(s.allowedOrigins) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	// 未配置白名单时只接受同源请求。
	return len(s.allowedOrigins) == 0 && strings.HasSuffix(origin, "://"+r.Host)
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	if status == 0 {
		status = http.StatusInternalServerError
	}
	resp := errorResponse{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		resp.Details = coded.Metadata()
	}
	if status >= 500 {
		logger.L().Error("请求处理失败", slog.Any("error", err), slog.String("code", resp.Code))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
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
