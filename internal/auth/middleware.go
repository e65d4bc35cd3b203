package auth

import (
	"context"
	"net/http"
	"time"

	xerrors "AgentForge/internal/errors"
	loggerpkg "AgentForge/pkg/logger"
)

// Authenticator 校验 Authorization 头。
type Authenticator interface {
	Authenticate(ctx context.Context, authorization string) (Caller, error)
}

// ErrorWriter 负责把认证错误写回客户端。
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware 返回认证中间件，失败时交给 onError 输出。
func Middleware(authn Authenticator, onError ErrorWriter) func(http.Handler) http.Handler {
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			status := xerrors.HTTPStatus(err)
			http.Error(w, http.StatusText(status), status)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := authn.Authenticate(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				loggerpkg.Audit().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", xerrors.HTTPStatus(err),
					"error", err.Error(),
				)
				onError(w, r, err)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithCaller(r.Context(), caller)))
			loggerpkg.Audit().Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"caller", caller.Address,
			)
		})
	}
}

// auditWriter 捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
