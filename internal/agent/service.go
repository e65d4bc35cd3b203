package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"AgentForge/internal/agentruntime"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/identity"
	"AgentForge/internal/observability/alerting"
	"AgentForge/internal/workflow"
	"AgentForge/pkg/logger"
)

const (
	msgWalletRequired = "Wallet Address is required in the request body."
	msgOwnerRequired  = "Username is required"
	msgNotOwner       = "Wallet not authorized for this agent"
)

// KeyVault 保管 agent 的钱包私钥。
type KeyVault interface {
	Put(ctx context.Context, agentID string, keys identity.Keypair) error
	Reveal(ctx context.Context, agentID string) (identity.Keypair, error)
	Delete(ctx context.Context, agentID string) error
}

// ReadinessGate 等待 runtime 加载 agent。
type ReadinessGate interface {
	WaitUntilLive(ctx context.Context, agentID string) error
}

// Dispatcher 分发工作流节点。
type Dispatcher interface {
	DispatchAll(ctx context.Context, agentID, caller string, nodes []workflow.Node) *workflow.Report
}

// Messenger 向 runtime 中的 agent 发送消息。
type Messenger interface {
	SendMessage(ctx context.Context, agentID string, msg agentruntime.Message) (json.RawMessage, error)
}

// CreateRequest 是创建 agent 的请求体。
type CreateRequest struct {
	Profile
	WalletAddress string          `json:"walletAddress"`
	Nodes         []workflow.Node `json:"nodes"`
	Edges         []workflow.Edge `json:"edges,omitempty"`
}

// CreateResult 是创建结果，Dispatch 在没有可分发节点时为空。
type CreateResult struct {
	Agent    Agent            `json:"agent"`
	Dispatch *workflow.Report `json:"dispatch,omitempty"`
}

// Service 编排 agent 创建、持久化与工作流分发。
type Service struct {
	builder    *Builder
	repo       Repository
	vault      KeyVault
	readiness  ReadinessGate
	dispatcher Dispatcher
	messenger  Messenger
	alerter    alerting.Dispatcher
	logger     *slog.Logger
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithKeyVault 配置私钥保管。
func WithKeyVault(v KeyVault) ServiceOption {
	return func(s *Service) { s.vault = v }
}

// WithReadinessGate 配置分发前的就绪检查。
func WithReadinessGate(g ReadinessGate) ServiceOption {
	return func(s *Service) { s.readiness = g }
}

// WithDispatcher 配置工作流分发器。
func WithDispatcher(d Dispatcher) ServiceOption {
	return func(s *Service) { s.dispatcher = d }
}

// WithMessenger 配置消息转发。
func WithMessenger(m Messenger) ServiceOption {
	return func(s *Service) { s.messenger = m }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) ServiceOption {
	return func(s *Service) { s.alerter = d }
}

// NewService 构造 Service。
func NewService(builder *Builder, repo Repository, opts ...ServiceOption) *Service {
	s := &Service{builder: builder, repo: repo, logger: logger.Named("agent")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create 校验调用方、生成并保存 agent，随后分发工作流节点。
// 校验失败时不会产生任何写入。
func (s *Service) Create(ctx context.Context, caller string, req CreateRequest) (*CreateResult, error) {
	if s == nil || s.builder == nil || s.repo == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent service not initialized")
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	if caller == "" || wallet == "" || caller != wallet {
		return nil, xerrors.New(xerrors.CodeValidation, msgWalletRequired, xerrors.WithField("walletAddress", "must match the authenticated wallet"))
	}

	ag, err := s.builder.Build(req.Profile, caller)
	if err != nil {
		return nil, err
	}

	if s.vault != nil {
		keys := identity.Keypair{PublicKey: ag.WalletPublicKey, PrivateKey: ag.WalletPrivateKey}
		if err := s.vault.Put(ctx, ag.ID, keys); err != nil {
			return nil, xerrors.Wrap(xerrors.CodePersistence, err, "failed to store agent wallet key")
		}
	}

	saved, err := s.repo.Save(ctx, ag)
	if err != nil {
		if s.vault != nil {
			if delErr := s.vault.Delete(ctx, ag.ID); delErr != nil {
				s.logger.Error("discard agent key failed", slog.Any("error", delErr), slog.String("agent_id", ag.ID))
			}
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodePersistence, err, "failed to save agent")
	}
	logger.Audit().Info("agent_created",
		slog.String("agent_id", saved.ID),
		slog.String("owner", saved.Owner),
		slog.String("wallet", saved.WalletPublicKey),
		slog.Int("nodes", len(req.Nodes)),
	)

	result := &CreateResult{Agent: saved}
	if len(req.Nodes) == 0 || s.dispatcher == nil {
		return result, nil
	}

	if s.readiness != nil {
		if err := s.readiness.WaitUntilLive(ctx, saved.ID); err != nil {
			s.logger.Warn("agent not ready, workflow not dispatched", slog.String("agent_id", saved.ID), slog.Any("error", err))
			s.emitAlert(ctx, saved.ID, err, "readiness")
			result.Dispatch = &workflow.Report{AgentID: saved.ID, Error: xerrors.PublicMessage(err)}
			return result, nil
		}
	}
	result.Dispatch = s.dispatcher.DispatchAll(ctx, saved.ID, caller, req.Nodes)
	if result.Dispatch != nil && result.Dispatch.Failed > 0 {
		s.emitAlert(ctx, saved.ID, result.Dispatch.Err(), "dispatch")
	}
	return result, nil
}

// Character 组装 runtime 加载 agent 所需的配置，并从 key vault 取回钱包私钥。
func (s *Service) Character(ctx context.Context, agentID string) (*Character, error) {
	if s.vault == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "key vault not configured")
	}
	ag, err := s.repo.FindByID(ctx, agentID)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodePersistence, err, "failed to load agent")
	}
	keys, err := s.vault.Reveal(ctx, ag.ID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePersistence, err, "failed to load agent wallet key")
	}
	if keys.PublicKey != ag.WalletPublicKey {
		return nil, xerrors.New(xerrors.CodeConflict, "stored wallet key does not match the agent wallet",
			xerrors.WithMetadata("agent_id", ag.ID))
	}
	logger.Audit().Info("agent_character_exported",
		slog.String("agent_id", ag.ID),
		slog.String("wallet", ag.WalletPublicKey),
	)
	return &Character{
		Agent: ag,
		Settings: CharacterSettings{
			Voice: ag.Settings.Voice,
			Secrets: map[string]string{
				SecretSolanaPublicKey:  keys.PublicKey,
				SecretSolanaPrivateKey: keys.PrivateKey,
			},
		},
	}, nil
}

// ListByOwner 返回 owner 的 agent 列表。
func (s *Service) ListByOwner(ctx context.Context, owner string) ([]Summary, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, xerrors.New(xerrors.CodeValidation, msgOwnerRequired, xerrors.WithField("user", "required"))
	}
	agents, err := s.repo.FindByOwner(ctx, owner)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePersistence, err, "failed to list agents")
	}
	out := make([]Summary, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Summary())
	}
	return out, nil
}

// SendMessage 将调用方的消息转发给其拥有的 agent。
func (s *Service) SendMessage(ctx context.Context, caller, agentID string, msg agentruntime.Message) (json.RawMessage, error) {
	if s.messenger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent runtime not configured")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return json.RawMessage("[]"), nil
	}
	ag, err := s.repo.FindByID(ctx, agentID)
	if err != nil {
		if xerrors.Is(err, xerrors.CodeNotFound) {
			return nil, xerrors.New(xerrors.CodePermissionDenied, msgNotOwner)
		}
		return nil, xerrors.Wrap(xerrors.CodePersistence, err, "failed to load agent")
	}
	if ag.Owner != caller {
		return nil, xerrors.New(xerrors.CodePermissionDenied, msgNotOwner)
	}
	if msg.UserID == "" {
		msg.UserID = caller
	}
	return s.messenger.SendMessage(ctx, agentID, msg)
}

func (s *Service) emitAlert(ctx context.Context, agentID string, cause error, stage string) {
	if s.alerter == nil || cause == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   attrs.Severity,
		Subject:    agentID,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: time.Now(),
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		s.logger.Error("alert notify failed", slog.Any("error", err), slog.String("agent_id", agentID), slog.String("stage", stage))
	}
}
