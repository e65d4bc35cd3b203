// Package retry provides the bounded fixed-delay retry primitive shared by
// every retried outbound call.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	xerrors "AgentForge/internal/errors"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 1500 * time.Millisecond
)

// Policy 描述重试次数、固定间隔以及可重试判定。
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
	// Retryable 为空时所有错误都视为可重试。
	Retryable func(error) bool
	// OnRetry 在每次失败且即将重试前回调。
	OnRetry func(attempt int, err error)
}

// Default 返回 3 次、间隔 1.5s 的策略，除调用方取消外的失败都会重试。
func Default() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoff,
		Retryable:   NotCanceled,
	}
}

// NotCanceled 只在上下文被取消时停止重试。
func NotCanceled(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Do 执行 fn，直到成功、遇到不可重试错误或次数用尽，返回最后一次错误。
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	_, err := Value(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

// Value 与 Do 相同，但返回首次成功的结果。
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, aborted(attempt-1, err, lastErr)
		}
		result, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !p.ShouldRetry(attempt, err) {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		if err := p.Wait(ctx); err != nil {
			return zero, aborted(attempt, err, lastErr)
		}
	}
	return zero, lastErr
}

// ShouldRetry 判断第 attempt 次失败后是否还应再试。
func (p Policy) ShouldRetry(attempt int, err error) bool {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	if attempt >= attempts {
		return false
	}
	return p.Retryable == nil || p.Retryable(err)
}

// Wait 等待一个重试间隔，ctx 结束时提前返回。
func (p Policy) Wait(ctx context.Context) error {
	if p.Backoff <= 0 {
		return nil
	}
	timer := time.NewTimer(p.Backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func aborted(attempts int, ctxErr, lastErr error) error {
	if lastErr == nil {
		return ctxErr
	}
	return xerrors.Wrap(xerrors.CodeTimeout, ctxErr,
		fmt.Sprintf("retry aborted after %d attempts, last error: %v", attempts, lastErr))
}
