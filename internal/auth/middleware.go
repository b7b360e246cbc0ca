package auth

import (
	"log/slog"
	"net/http"
	"time"
)

// ErrorWriter 由调用方提供，用统一的响应格式写出认证失败。
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Require 返回校验令牌并要求 perms 的中间件。disabled 模式下直接放行。
func (s *Service) Require(onError ErrorWriter, perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !s.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(perms...)
			}
			if err != nil {
				s.audit.Warn("access_denied",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Any("error", err))
				onError(w, r, err)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithOperator(r.Context(), subject)))
			if r.Method == http.MethodGet {
				return
			}
			s.audit.Info("api_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("operator", subject.Operator))
		})
	}
}

type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
