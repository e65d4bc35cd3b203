// Package readiness gates workflow dispatch on the agent runtime having
// loaded a freshly registered agent.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/observability/metrics"
	"AgentForge/pkg/logger"
)

const (
	DefaultMaxAttempts = 5
	DefaultInterval    = 5 * time.Second
)

// State 是轮询状态机的状态。
type State string

const (
	StatePolling  State = "polling"
	StateReady    State = "ready"
	StateTimedOut State = "timed_out"
)

// Prober 判断 runtime 中是否已存在指定 agent。
type Prober interface {
	AgentExists(ctx context.Context, agentID string) (bool, error)
}

// Poller 以固定间隔探测 agent，最多 maxAttempts 次。
type Poller struct {
	prober      Prober
	maxAttempts int
	interval    time.Duration
	logger      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Poller)

// WithMaxAttempts 设置最大探测次数。
func WithMaxAttempts(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithInterval 设置两次探测之间的间隔。
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// NewPoller 构造轮询器。
func NewPoller(prober Prober, opts ...Option) *Poller {
	p := &Poller{
		prober:      prober,
		maxAttempts: DefaultMaxAttempts,
		interval:    DefaultInterval,
		logger:      logger.Named("readiness"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// WaitUntilLive 阻塞直到 agent 就绪。探测次数耗尽返回 TIMEOUT 错误，
// 探测本身的错误按“未就绪”处理。
func (p *Poller) WaitUntilLive(ctx context.Context, agentID string) error {
	if p == nil || p.prober == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "readiness prober not configured")
	}
	for attempt := 1; ; attempt++ {
		ok, err := p.prober.AgentExists(ctx, agentID)
		if err != nil {
			p.logger.Debug("readiness probe failed",
				slog.String("agent_id", agentID),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}
		if ok {
			p.logger.Info("agent ready", slog.String("agent_id", agentID), slog.Int("attempt", attempt))
			metrics.ObserveReadiness(string(StateReady))
			return nil
		}
		if attempt >= p.maxAttempts {
			metrics.ObserveReadiness(string(StateTimedOut))
			return xerrors.New(xerrors.CodeTimeout,
				fmt.Sprintf("agent %s not ready after %d attempts", agentID, p.maxAttempts),
				xerrors.WithMetadata("agent_id", agentID),
			)
		}
		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "readiness polling cancelled")
		case <-timer.C:
		}
	}
}
