package token

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"AgentForge/internal/agent"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/identity"
	"AgentForge/internal/observability/alerting"
	"AgentForge/internal/observability/metrics"
	"AgentForge/internal/retry"
	"AgentForge/pkg/logger"
)

// MintPolicy 决定 mint 密钥对的生成时机。
type MintPolicy string

const (
	// MintPerRequest 每个请求只生成一次 mint，重试使用同一地址。
	MintPerRequest MintPolicy = "per_request"
	// MintPerAttempt 每次尝试生成新的 mint。
	MintPerAttempt MintPolicy = "per_attempt"

	DefaultAmount         = 1.0
	DefaultIdempotencyTTL = 24 * time.Hour

	transactionURLPrefix = "https://solscan.io/tx/"
	explorerURLPrefix    = "https://pump.fun/coin/"
)

// AgentLookup 查询 agent，用于校验钱包归属。
type AgentLookup interface {
	FindByID(ctx context.Context, id string) (agent.Agent, error)
}

// MetadataUploader 上传 token 元数据。
type MetadataUploader interface {
	Upload(ctx context.Context, req Request, img Image) (Metadata, error)
}

// Trader 提交创建交易。
type Trader interface {
	CreateToken(ctx context.Context, order CreateOrder) (string, error)
}

// Confirmer 查询交易签名的确认状态。
type Confirmer interface {
	Confirm(ctx context.Context, signature string) (Status, error)
}

// Reconciler 接收上链成功但未能保存的记录。
type Reconciler interface {
	Enqueue(ctx context.Context, record Record) error
}

// Result 是部署结果。
type Result struct {
	Success         bool   `json:"success"`
	TokenAddress    string `json:"tokenAddress,omitempty"`
	TransactionLink string `json:"transactionLink,omitempty"`
	ExplorerLink    string `json:"explorerLink,omitempty"`
	Signature       string `json:"signature,omitempty"`
	MetadataURI     string `json:"metadataUri,omitempty"`
	Status          Status `json:"status,omitempty"`
	RecordID        string `json:"recordId,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Pipeline 串行执行校验、归属检查、图片解码、元数据上传、交易提交与持久化。
type Pipeline struct {
	agents     AgentLookup
	metadata   MetadataUploader
	trader     Trader
	records    RecordStore
	mints      identity.Generator
	guard      GuardStore
	confirmer  Confirmer
	reconciler Reconciler
	alerter    alerting.Dispatcher
	policy     retry.Policy
	mintPolicy MintPolicy
	guardTTL   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Option 定义可选配置。
type Option func(*Pipeline)

// WithRetryPolicy 覆盖交易提交的重试策略。
func WithRetryPolicy(p retry.Policy) Option {
	return func(pl *Pipeline) { pl.policy = p }
}

// WithMintPolicy 设置 mint 生成策略。
func WithMintPolicy(policy MintPolicy) Option {
	return func(pl *Pipeline) {
		if policy != "" {
			pl.mintPolicy = policy
		}
	}
}

// WithMintGenerator 替换 mint 密钥生成器。
func WithMintGenerator(g identity.Generator) Option {
	return func(pl *Pipeline) {
		if g != nil {
			pl.mints = g
		}
	}
}

// WithGuardStore 配置幂等存储。
func WithGuardStore(store GuardStore, ttl time.Duration) Option {
	return func(pl *Pipeline) {
		pl.guard = store
		if ttl > 0 {
			pl.guardTTL = ttl
		}
	}
}

// WithConfirmer 配置签名确认。
func WithConfirmer(c Confirmer) Option {
	return func(pl *Pipeline) { pl.confirmer = c }
}

// WithReconciler 配置部分失败的补偿队列。
func WithReconciler(r Reconciler) Option {
	return func(pl *Pipeline) { pl.reconciler = r }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(pl *Pipeline) { pl.alerter = d }
}

// NewPipeline 构造 Pipeline。
func NewPipeline(agents AgentLookup, metadata MetadataUploader, trader Trader, records RecordStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		agents:     agents,
		metadata:   metadata,
		trader:     trader,
		records:    records,
		mints:      identity.SolanaGenerator{},
		policy:     retry.Default(),
		mintPolicy: MintPerRequest,
		guardTTL:   DefaultIdempotencyTTL,
		logger:     logger.Named("token"),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Deploy 执行完整的部署流程。
// 保存记录失败时返回 PARTIAL_FAILURE 错误，同时返回已上链的结果。
func (p *Pipeline) Deploy(ctx context.Context, caller string, req Request) (*Result, error) {
	if p == nil || p.agents == nil || p.metadata == nil || p.trader == nil || p.records == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "token pipeline not initialized")
	}
	if req.Amount == 0 {
		req.Amount = DefaultAmount
	}
	if err := req.Validate(); err != nil {
		metrics.ObserveDeployment("rejected")
		return nil, err
	}
	if err := p.verifyOwnership(ctx, caller, req); err != nil {
		metrics.ObserveDeployment("rejected")
		logger.Audit().Warn("token_deploy_forbidden",
			slog.String("caller", caller),
			slog.String("wallet", req.WalletAddress),
			slog.String("agent_id", req.AgentID),
		)
		return nil, err
	}
	img, err := DecodeImage(req.ImageData)
	if err != nil {
		metrics.ObserveDeployment("rejected")
		return nil, err
	}

	key := IdempotencyKey(caller, req)
	if p.guard != nil {
		acquired, existing, err := p.guard.Acquire(ctx, key, p.guardTTL)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodePersistence, err, "idempotency store unavailable")
		}
		if !acquired {
			if existing != nil && existing.State == GuardSucceeded && existing.Result != nil {
				p.logger.Info("deployment replayed", slog.String("token_address", existing.Result.TokenAddress))
				return existing.Result, nil
			}
			return nil, xerrors.New(xerrors.CodeConflict, "a deployment for this request is already in progress")
		}
	}

	result, err := p.submit(ctx, req, img)
	if err != nil {
		p.release(key)
		metrics.ObserveDeployment("failed")
		logger.Audit().Warn("token_deploy_failed",
			slog.String("agent_id", req.AgentID),
			slog.String("wallet", req.WalletAddress),
			slog.String("error", err.Error()),
		)
		p.emitAlert(ctx, req.AgentID, err, "submit", p.policy.MaxAttempts)
		return nil, err
	}

	record := p.record(req, result)
	result.RecordID = record.ID

	// 上链已成功，此后的失败都不应让同一请求再次上链。
	if p.guard != nil {
		if err := p.guard.Complete(context.WithoutCancel(ctx), key, *result, p.guardTTL); err != nil {
			p.logger.Error("record idempotency result failed", slog.Any("error", err), slog.String("token_address", result.TokenAddress))
		}
	}
	if err := p.records.SaveTokenRecord(ctx, record); err != nil {
		return result, p.partialFailure(ctx, record, err)
	}

	metrics.ObserveDeployment("succeeded")
	logger.Audit().Info("token_deployed",
		slog.String("record_id", record.ID),
		slog.String("agent_id", record.AgentID),
		slog.String("wallet", record.WalletAddress),
		slog.String("token_address", record.TokenAddress),
		slog.String("signature", record.Signature),
		slog.String("status", string(record.Status)),
	)
	return result, nil
}

func (p *Pipeline) verifyOwnership(ctx context.Context, caller string, req Request) error {
	forbidden := xerrors.New(xerrors.CodePermissionDenied, msgWalletForbidden)
	if caller == "" || caller != req.WalletAddress {
		return forbidden
	}
	ag, err := p.agents.FindByID(ctx, req.AgentID)
	if err != nil {
		if xerrors.Is(err, xerrors.CodeNotFound) {
			return forbidden
		}
		return xerrors.Wrap(xerrors.CodePersistence, err, "failed to load agent")
	}
	if ag.Owner != req.WalletAddress {
		return forbidden
	}
	return nil
}

// submit 上传一次元数据，然后在重试策略下提交创建交易。
func (p *Pipeline) submit(ctx context.Context, req Request, img Image) (*Result, error) {
	meta, err := p.metadata.Upload(ctx, req, img)
	if err != nil {
		return nil, err
	}

	var mint identity.Keypair
	if p.mintPolicy != MintPerAttempt {
		mint = identity.MustGenerate(p.mints)
	}

	policy := p.policy
	onRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, err error) {
		metrics.ObserveRetry("token_create")
		p.logger.Warn("create transaction failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("agent_id", req.AgentID),
			slog.Any("error", err),
		)
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}

	type submitted struct {
		mint      identity.Keypair
		signature string
	}
	out, err := retry.Value(ctx, policy, func(ctx context.Context, attempt int) (submitted, error) {
		m := mint
		if p.mintPolicy == MintPerAttempt {
			m = identity.MustGenerate(p.mints)
		}
		sig, err := p.trader.CreateToken(ctx, CreateOrder{Metadata: meta, MintSecret: m.PrivateKey, Amount: req.Amount})
		if err != nil {
			return submitted{}, err
		}
		return submitted{mint: m, signature: sig}, nil
	})
	if err != nil {
		return nil, err
	}

	status := StatusConfirmed
	if p.confirmer != nil {
		confirmed, err := p.confirmer.Confirm(ctx, out.signature)
		if err != nil {
			p.logger.Warn("signature confirmation failed", slog.Any("error", err), slog.String("signature", out.signature))
			status = StatusPending
		} else {
			status = confirmed
		}
	}
	if status == StatusFailed {
		return nil, xerrors.New(xerrors.CodeUpstream,
			fmt.Sprintf("transaction %s failed on-chain", out.signature),
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("signature", out.signature),
		)
	}

	return &Result{
		Success:         true,
		TokenAddress:    out.mint.PublicKey,
		TransactionLink: transactionURLPrefix + out.signature,
		ExplorerLink:    explorerURLPrefix + out.mint.PublicKey,
		Signature:       out.signature,
		MetadataURI:     meta.URI,
		Status:          status,
	}, nil
}

func (p *Pipeline) record(req Request, result *Result) Record {
	now := p.now().UTC()
	return Record{
		ID:              NewRecordID(now),
		Name:            req.Name,
		Symbol:          req.Symbol,
		Description:     req.Description,
		Twitter:         req.Twitter,
		Telegram:        req.Telegram,
		Website:         req.Website,
		AgentID:         req.AgentID,
		WalletAddress:   req.WalletAddress,
		Amount:          req.Amount,
		TokenAddress:    result.TokenAddress,
		TransactionLink: result.TransactionLink,
		ExplorerLink:    result.ExplorerLink,
		Signature:       result.Signature,
		MetadataURI:     result.MetadataURI,
		Status:          result.Status,
		CreatedAt:       now,
	}
}

func (p *Pipeline) partialFailure(ctx context.Context, record Record, cause error) error {
	metrics.ObserveDeployment("partial")
	err := xerrors.Wrap(xerrors.CodePartialFailure, cause,
		fmt.Sprintf("Token %s was created but the deployment record could not be saved", record.TokenAddress),
		xerrors.WithMetadata("token_address", record.TokenAddress),
		xerrors.WithMetadata("record_id", record.ID),
	)
	logger.Audit().Error("token_record_unsaved",
		slog.String("record_id", record.ID),
		slog.String("agent_id", record.AgentID),
		slog.String("token_address", record.TokenAddress),
		slog.String("transaction_link", record.TransactionLink),
		slog.String("error", cause.Error()),
	)
	if p.reconciler != nil {
		if qErr := p.reconciler.Enqueue(context.WithoutCancel(ctx), record); qErr != nil {
			p.logger.Error("enqueue reconcile record failed", slog.Any("error", qErr), slog.String("record_id", record.ID))
		}
	}
	p.emitAlert(ctx, record.AgentID, err, "persist", 1)
	return err
}

func (p *Pipeline) release(key string) {
	if p.guard == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.guard.Release(ctx, key); err != nil {
		p.logger.Error("release idempotency key failed", slog.Any("error", err))
	}
}

func (p *Pipeline) emitAlert(ctx context.Context, subject string, cause error, stage string, attempts int) {
	if p.alerter == nil || cause == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	code := xerrors.CodeOf(cause)
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		Subject:    strings.TrimSpace(subject),
		Attempts:   attempts,
		Metadata:   map[string]string{"stage": stage, "pipeline": "token"},
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Error("alert notify failed", slog.Any("error", err), slog.String("stage", stage))
	}
}
