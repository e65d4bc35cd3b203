package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"AgentForge/internal/agent"
	"AgentForge/internal/agentruntime"
	"AgentForge/internal/auth"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/observability/metrics"
	"AgentForge/internal/token"
	"AgentForge/pkg/logger"
)

// AgentService 是 agent 相关接口依赖的业务能力。
type AgentService interface {
	Create(ctx context.Context, caller string, req agent.CreateRequest) (*agent.CreateResult, error)
	ListByOwner(ctx context.Context, owner string) ([]agent.Summary, error)
	SendMessage(ctx context.Context, caller, agentID string, msg agentruntime.Message) (json.RawMessage, error)
	Character(ctx context.Context, agentID string) (*agent.Character, error)
}

// TokenDeployer 执行 token 部署。
type TokenDeployer interface {
	Deploy(ctx context.Context, caller string, req token.Request) (*token.Result, error)
}

// Config 描述 HTTP 服务参数。
type Config struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	CORSOrigins       []string
	// DeployRate 是单个 IP 每秒允许的部署请求数，非正值表示不限流。
	DeployRate  float64
	DeployBurst int
	// RuntimeToken 保护 runtime 专用接口，为空时不注册这些路由。
	RuntimeToken string
}

// Server 负责暴露 REST 接口。
type Server struct {
	cfg     Config
	agents  AgentService
	tokens  TokenDeployer
	authn   auth.Authenticator
	limiter *ipLimiter
	logger  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, agents AgentService, tokens TokenDeployer, authn auth.Authenticator) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	s := &Server{
		cfg:    cfg,
		agents: agents,
		tokens: tokens,
		authn:  authn,
		logger: logger.Named("api"),
	}
	if cfg.DeployRate > 0 {
		s.limiter = newIPLimiter(cfg.DeployRate, cfg.DeployBurst)
	}
	return s
}

// Router 构建完整的路由表。
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(observeRequests)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	if s.cfg.RuntimeToken != "" {
		r.With(s.runtimeOnly).Get("/internal/agents/{agentID}/character", s.handleCharacter)
	}

	r.Route("/api", func(r chi.Router) {
		authenticated := auth.Middleware(s.authn, writeAuthError)
		r.Get("/agents/owner/{owner}", s.handleListAgents)
		r.With(authenticated).Post("/agents", s.handleCreateAgent)
		r.With(authenticated).Post("/agents/{agentID}/message", s.handleSendMessage)
		r.With(s.rateLimit, authenticated).Post("/tokens", s.handleDeployToken)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Router(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("address", s.cfg.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown failed", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// runtimeOnly 校验 runtime 的共享 token。
func (s *Server) runtimeOnly(next http.Handler) http.Handler {
	expected := []byte(s.cfg.RuntimeToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(auth.BearerToken(r.Header.Get("Authorization")))
		if subtle.ConstantTimeCompare(got, expected) != 1 {
			logger.Audit().Warn("access_denied",
				slog.String("path", r.URL.Path),
				slog.String("remote", clientIP(r)),
				slog.String("reason", "runtime token mismatch"),
			)
			writeError(w, r, xerrors.New(xerrors.CodeUnauthenticated, "invalid runtime token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, deployResponse{Success: false, Error: "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observeRequests 记录请求指标，handler 标签使用路由模板以控制基数。
func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ObserveHTTPRequest(pattern, r.Method, status, time.Since(start))
	})
}
