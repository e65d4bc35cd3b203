// Package upstream wraps outbound HTTP calls to third-party services with a
// circuit breaker and maps failures onto the shared error codes.
package upstream

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/observability/metrics"
	"AgentForge/pkg/logger"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxFailures = 5
	defaultOpenTimeout = 30 * time.Second
	defaultInterval    = 60 * time.Second
	maxBodyBytes       = 4 << 20
)

// BreakerConfig 控制熔断器行为。
type BreakerConfig struct {
	MaxFailures uint32        `koanf:"max_failures"`
	Timeout     time.Duration `koanf:"timeout"`
	Interval    time.Duration `koanf:"interval"`
}

// Response 是读取完毕的上游响应。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client 为单个上游服务提供带熔断的 HTTP 调用。
type Client struct {
	name    string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*Response]
}

// New 构造上游客户端。name 同时用于日志、指标和错误信息。
func New(name string, timeout time.Duration, cfg BreakerConfig) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOpenTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	log := logger.Named("upstream")
	breaker := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return &Client{
		name: name,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: breaker,
	}
}

// Name 返回上游服务名称。
func (c *Client) Name() string { return c.name }

// Do 发送请求并完整读取响应体。非 2xx 状态返回 UPSTREAM_FAILURE，
// 5xx、429 与网络错误可重试，其余 4xx 不可重试。
func (c *Client) Do(req *http.Request) (*Response, error) {
	start := time.Now()
	resp, err := c.breaker.Execute(func() (*Response, error) {
		httpResp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		out := &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: body}
		if out.Status >= http.StatusInternalServerError {
			return out, c.statusError(out)
		}
		return out, nil
	})

	outcome := "ok"
	defer func() { metrics.ObserveUpstream(c.name, outcome, time.Since(start)) }()

	if err != nil {
		outcome = "error"
		var upstreamErr *xerrors.Error
		if errors.As(err, &upstreamErr) {
			return nil, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, xerrors.Wrap(xerrors.CodeUpstream, err, c.name+" is unavailable (circuit open)")
		}
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeUpstream, ctxErr, c.name+" request cancelled", xerrors.WithRetryable(false))
		}
		// 请求地址可能携带凭据，错误信息中不保留 URL。
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstream, err, c.name+" request failed: "+err.Error())
	}
	if resp.Status < 200 || resp.Status >= 300 {
		outcome = "error"
		return nil, c.statusError(resp)
	}
	return resp, nil
}

func (c *Client) statusError(resp *Response) error {
	detail := strings.TrimSpace(string(resp.Body))
	if len(detail) > 512 {
		detail = detail[:512]
	}
	retryable := resp.Status >= http.StatusInternalServerError ||
		resp.Status == http.StatusTooManyRequests ||
		resp.Status == http.StatusRequestTimeout
	return xerrors.New(xerrors.CodeUpstream,
		fmt.Sprintf("%s returned status %d: %s", c.name, resp.Status, detail),
		xerrors.WithRetryable(retryable),
		xerrors.WithMetadata("service", c.name),
		xerrors.WithMetadata("status", fmt.Sprint(resp.Status)),
	)
}
