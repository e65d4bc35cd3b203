package reconcile

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/observability/alerting"
	"AgentForge/internal/observability/metrics"
	"AgentForge/internal/retry"
	"AgentForge/internal/token"
	"AgentForge/pkg/logger"
)

const (
	defaultMaxAttempts    = 5
	defaultRequeueTimeout = 5 * time.Second
)

// Processor 消费补偿队列并重新保存部署记录。每条记录的保存次数与重投间隔由 policy 决定。
type Processor struct {
	store          token.RecordStore
	queue          Queue
	workerCount    int
	policy         retry.Policy
	requeueTimeout time.Duration
	logger         *slog.Logger
	alerter        alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRetryPolicy 替换整条重试策略。
func WithRetryPolicy(policy retry.Policy) ProcessorOption {
	return func(p *Processor) {
		p.policy = policy
	}
}

// WithMaxAttempts 设置单条记录的最大保存次数。
func WithMaxAttempts(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.policy.MaxAttempts = n
		}
	}
}

// WithBackoff 设置重投前的等待时间。
func WithBackoff(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d >= 0 {
			p.policy.Backoff = d
		}
	}
}

// WithRequeueTimeout 限制重投等待队列空位的时间，超时后记录被丢弃并告警。
func WithRequeueTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.requeueTimeout = d
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(store token.RecordStore, queue Queue, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       store,
		queue:       queue,
		workerCount: 1,
		policy: retry.Policy{
			MaxAttempts: defaultMaxAttempts,
			Backoff:     time.Second,
		},
		requeueTimeout: defaultRequeueTimeout,
		logger:         logger.Named("reconcile"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.queue == nil || p.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "reconcile processor not configured")
	}
	return p.queue.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, job Job) error {
	job.Attempts++
	rec := job.Record
	err := p.store.SaveTokenRecord(ctx, rec)
	if err == nil {
		metrics.ObserveReconcile("saved")
		logger.Audit().Info("token_record_reconciled",
			slog.String("record_id", rec.ID),
			slog.String("token_address", rec.TokenAddress),
			slog.Int("attempts", job.Attempts),
		)
		return nil
	}

	if !p.policy.ShouldRetry(job.Attempts, err) {
		metrics.ObserveReconcile("abandoned")
		logger.Audit().Error("token_record_abandoned",
			slog.String("record_id", rec.ID),
			slog.String("token_address", rec.TokenAddress),
			slog.String("signature", rec.Signature),
			slog.Int("attempts", job.Attempts),
			slog.String("error", err.Error()),
		)
		p.emitAlert(ctx, job, err)
		return err
	}

	metrics.ObserveReconcile("retry")
	p.logger.Warn("token record save failed, requeueing",
		slog.String("record_id", rec.ID),
		slog.Int("attempts", job.Attempts),
		slog.Any("error", err),
	)
	_ = p.policy.Wait(ctx)

	// ctx 结束时仍需把记录放回队列，但等待空位的时间有上限。
	requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.requeueTimeout)
	defer cancel()
	if pubErr := p.queue.Publish(requeueCtx, job); pubErr != nil {
		metrics.ObserveReconcile("dropped")
		logger.Audit().Error("token_record_dropped",
			slog.String("record_id", rec.ID),
			slog.String("token_address", rec.TokenAddress),
			slog.String("signature", rec.Signature),
			slog.Int("attempts", job.Attempts),
			slog.String("error", pubErr.Error()),
		)
		p.emitAlert(ctx, job, xerrors.Wrap(xerrors.CodeQueueFailure, pubErr, "requeue token record"))
		return pubErr
	}
	return err
}

func (p *Processor) emitAlert(ctx context.Context, job Job, cause error) {
	if p.alerter == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodePersistence
	}
	event := alerting.Event{
		Code:     code,
		Message:  cause.Error(),
		Severity: xerrors.SeverityOf(cause),
		Subject:  job.Record.TokenAddress,
		Attempts: job.Attempts,
		Metadata: map[string]string{
			"stage":        "reconcile",
			"record_id":    job.Record.ID,
			"agent_id":     job.Record.AgentID,
			"signature":    job.Record.Signature,
			"max_attempts": strconv.Itoa(p.policy.MaxAttempts),
		},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Error("alert notify failed", slog.Any("error", err), slog.String("record_id", job.Record.ID))
	}
}
