package keyvault

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/identity"
	"AgentForge/pkg/logger"
)

// ErrSecretNotFound 表示后端中不存在对应的密钥。
var ErrSecretNotFound = xerrors.New(xerrors.CodeNotFound, "secret not found")

// Backend 保存封存后的字节。
type Backend interface {
	Store(ctx context.Context, key string, sealed []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

type sealedKeypair struct {
	Scheme     identity.Scheme `json:"scheme"`
	PublicKey  string          `json:"publicKey"`
	PrivateKey string          `json:"privateKey"`
}

// Vault 按 agent id 保管钱包密钥。
type Vault struct {
	sealer  *Sealer
	backend Backend
}

// New 构造 Vault。backend 为空时使用内存实现。
func New(sealer *Sealer, backend Backend) *Vault {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Vault{sealer: sealer, backend: backend}
}

func secretKey(agentID string) string {
	return "agent:" + agentID + ":wallet"
}

// Put 封存并保存密钥对。
func (v *Vault) Put(ctx context.Context, agentID string, keys identity.Keypair) error {
	if strings.TrimSpace(agentID) == "" {
		return xerrors.New(xerrors.CodeValidation, "agent id is required")
	}
	if keys.PrivateKey == "" {
		return xerrors.New(xerrors.CodeValidation, "private key is required")
	}
	plaintext, err := json.Marshal(sealedKeypair(keys))
	if err != nil {
		return err
	}
	sealed, err := v.sealer.Seal(plaintext)
	if err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "seal wallet key")
	}
	if err := v.backend.Store(ctx, secretKey(agentID), sealed); err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "store wallet key")
	}
	logger.Audit().Info("wallet_key_sealed", slog.String("agent_id", agentID), slog.String("public_key", keys.PublicKey))
	return nil
}

// Reveal 返回解封后的密钥对。
func (v *Vault) Reveal(ctx context.Context, agentID string) (identity.Keypair, error) {
	sealed, err := v.backend.Load(ctx, secretKey(agentID))
	if err != nil {
		if stdErrors.Is(err, ErrSecretNotFound) {
			return identity.Keypair{}, err
		}
		return identity.Keypair{}, xerrors.Wrap(xerrors.CodePersistence, err, "load wallet key")
	}
	plaintext, err := v.sealer.Open(sealed)
	if err != nil {
		return identity.Keypair{}, err
	}
	var out sealedKeypair
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return identity.Keypair{}, xerrors.Wrap(xerrors.CodePersistence, err, "decode wallet key")
	}
	return identity.Keypair(out), nil
}

// Delete 删除密钥，不存在时视为成功。
func (v *Vault) Delete(ctx context.Context, agentID string) error {
	if err := v.backend.Remove(ctx, secretKey(agentID)); err != nil && !stdErrors.Is(err, ErrSecretNotFound) {
		return xerrors.Wrap(xerrors.CodePersistence, err, "remove wallet key")
	}
	return nil
}

// MemoryBackend 将封存数据保存在进程内。
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryBackend 创建 MemoryBackend。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string][]byte)}
}

// Store 实现 Backend。
func (m *MemoryBackend) Store(_ context.Context, key string, sealed []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = append([]byte(nil), sealed...)
	return nil
}

// Load 实现 Backend。
func (m *MemoryBackend) Load(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return append([]byte(nil), v...), nil
}

// Remove 实现 Backend。
func (m *MemoryBackend) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
