package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	loggerpkg "github.com/precious195/airbrain-sub000/pkg/logger"
)

// MiddlewareConfig 配置认证中间件。
type MiddlewareConfig struct {
	// RequiredPermissions 按 HTTP 方法列出所需权限，"*" 作为兜底。
	RequiredPermissions map[string][]string
	// AuditEvent 是审计日志中的事件名，为空时使用请求路径。
	AuditEvent string
}

func (c MiddlewareConfig) permissionsFor(method string) []string {
	if perms := c.RequiredPermissions[method]; len(perms) > 0 {
		return perms
	}
	return c.RequiredPermissions["*"]
}

// Middleware 认证请求、校验权限，把 Subject 写入上下文，并为每个请求写一条审计日志。
// 拒绝时返回与 API 一致的 JSON 错误体。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			audit := loggerpkg.Audit()
			if s != nil && s.audit != nil {
				audit = s.audit
			}
			base := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			}

			subject, err := s.AuthenticateRequest(r)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrSubjectRevoked) {
					status = http.StatusForbidden
				}
				deny(w, status, "UNAUTHENTICATED", err)
				audit.Warn("access_denied", append(base, slog.Int("status", status), slog.Any("error", err))...)
				return
			}
			if perms := cfg.permissionsFor(r.Method); len(perms) > 0 {
				if err := subject.Authorize(perms...); err != nil {
					deny(w, http.StatusForbidden, "PERMISSION_DENIED", err)
					audit.Warn("permission_denied", append(base,
						slog.Any("error", err),
						slog.String("subject", subject.Name),
						slog.String("tenant", subject.Tenant),
					)...)
					return
				}
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			audit.Info("api_request", append(base,
				slog.String("event", event),
				slog.Int("status", ww.Status()),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("subject", subject.Name),
				slog.String("tenant", subject.Tenant),
			)...)
		})
	}
}

func deny(w http.ResponseWriter, status int, code string, err error) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="airbrain"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": code})
}
