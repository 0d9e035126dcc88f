package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/precious195/airbrain-sub000/internal/auth"
	xerrors "github.com/precious195/airbrain-sub000/internal/errors"
	"github.com/precious195/airbrain-sub000/internal/observability/metrics"
	"github.com/precious195/airbrain-sub000/internal/otp"
	"github.com/precious195/airbrain-sub000/internal/session"
	"github.com/precious195/airbrain-sub000/internal/task"
	"github.com/precious195/airbrain-sub000/internal/workflow"
	"github.com/precious195/airbrain-sub000/pkg/logger"
)

// Dependencies 汇总接口层依赖的组件，缺失的组件对应的接口返回 503。
type Dependencies struct {
	Tasks       *task.Service
	Engine      *workflow.Engine
	Sessions    *session.Manager
	Coordinator *otp.Coordinator
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr           string
	deps           Dependencies
	auth           *auth.Service
	metrics        *metrics.Metrics
	allowedOrigins []string
	requestTimeout time.Duration
	logger         *slog.Logger
	router         chi.Router
}

// Option 定义可选配置。
type Option func(*Server)

// WithAuth 配置身份认证；未配置时租户取自 X-Tenant-ID。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithMetrics 挂载 /metrics 并记录请求指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAllowedOrigins 设置 CORS 允许的来源。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.allowedOrigins = origins
		}
	}
}

// WithRequestTimeout 设置单个请求的处理上限。
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		deps:           deps,
		allowedOrigins: []string{"*"},
		requestTimeout: 60 * time.Second,
		logger:         logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = s.routes()
	return s
}

// Handler 返回路由，便于测试或嵌入其他服务。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))
	r.Use(s.loggingMiddleware)
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Tenant-ID"},
		MaxAge:         300,
	}).Handler)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	read := []string{auth.PermissionRead}
	write := []string{auth.PermissionWrite}
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Use(s.auth.Middleware(auth.MiddlewareConfig{
				RequiredPermissions: map[string][]string{http.MethodGet: read, http.MethodPost: write},
				AuditEvent:          "tasks",
			}))
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleSubmitTask)
			r.Get("/stats", s.handleTaskStats)
			r.Get("/{taskID}", s.handleGetTask)
		})
		r.Route("/workflows", func(r chi.Router) {
			r.Use(s.auth.Middleware(auth.MiddlewareConfig{
				RequiredPermissions: map[string][]string{http.MethodGet: read, http.MethodPost: write},
				AuditEvent:          "workflows",
			}))
			r.Get("/", s.handleListWorkflows)
			r.Get("/stats", s.handleWorkflowStats)
			r.Get("/{workflowID}", s.handleGetWorkflow)
			r.Post("/{workflowID}/cancel", s.handleCancelWorkflow)
		})
		r.Route("/sessions", func(r chi.Router) {
			r.Use(s.auth.Middleware(auth.MiddlewareConfig{
				RequiredPermissions: map[string][]string{http.MethodGet: read, http.MethodDelete: {auth.PermissionSessions}},
				AuditEvent:          "sessions",
			}))
			r.Get("/", s.handleListSessions)
			r.Get("/stats", s.handleSessionStats)
			r.Get("/{sessionID}", s.handleGetSession)
			r.Delete("/{sessionID}", s.handleCloseSession)
		})
		r.Route("/otp", func(r chi.Router) {
			r.Use(s.auth.Middleware(auth.MiddlewareConfig{
				RequiredPermissions: map[string][]string{http.MethodGet: read, http.MethodPost: {auth.PermissionRespond}},
				AuditEvent:          "otp",
			}))
			r.Get("/", s.handleListOTP)
			r.Get("/{requestID}", s.handleGetOTP)
			r.Post("/{requestID}/submit", s.handleSubmitOTP)
			r.Post("/{requestID}/cancel", s.handleCancelOTP)
		})
		r.Route("/approvals", func(r chi.Router) {
			r.Use(s.auth.Middleware(auth.MiddlewareConfig{
				RequiredPermissions: map[string][]string{http.MethodPost: {auth.PermissionRespond}},
				AuditEvent:          "approvals",
			}))
			r.Post("/{requestID}/approve", s.handleApprove)
			r.Post("/{requestID}/reject", s.handleReject)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.router),
		ReadHeaderTimeout: 5 * time.Second,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			respondError(w, http.StatusServiceUnavailable, "服务已关闭")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			logger.L().Error("响应编码失败", slog.Any("error", err))
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// respondErr 根据错误码选择 HTTP 状态码。
func respondErr(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		status = http.StatusNotFound
	case xerrors.CodeInvalidArgument, xerrors.CodeValidation, task.CodeTaskValidation:
		status = http.StatusBadRequest
	case xerrors.CodeConflict, task.CodeTaskConflict:
		status = http.StatusConflict
	case xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	case task.CodeTaskPublish, xerrors.CodeQueueFailure:
		status = http.StatusBadGateway
	}
	respondJSON(w, status, errorResponse{Error: err.Error(), Code: string(code)})
}

func unavailable(w http.ResponseWriter, component string) {
	respondError(w, http.StatusServiceUnavailable, component+" 未启用")
}
