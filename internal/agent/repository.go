package agent

import (
	"context"
	"sort"
	"sync"

	xerrors "AgentForge/internal/errors"
)

// ErrAgentNotFound 表示 agent 不存在。
var ErrAgentNotFound = xerrors.New(xerrors.CodeNotFound, "agent not found")

// Repository 持久化 agent。实现不做重试，写失败返回 PERSISTENCE_FAILURE。
type Repository interface {
	Save(ctx context.Context, a Agent) (Agent, error)
	FindByOwner(ctx context.Context, owner string) ([]Agent, error)
	FindByID(ctx context.Context, id string) (Agent, error)
}

// MemoryRepository 以内存方式保存 agent，主要用于测试和单机模式。
type MemoryRepository struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// NewMemoryRepository 创建 MemoryRepository。
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{agents: make(map[string]Agent)}
}

// Save 实现 Repository。私钥不会落入存储。
func (m *MemoryRepository) Save(_ context.Context, a Agent) (Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		return Agent{}, xerrors.New(xerrors.CodePersistence, "agent id is required")
	}
	if _, ok := m.agents[a.ID]; ok {
		return Agent{}, xerrors.New(xerrors.CodeConflict, "agent "+a.ID+" already exists")
	}
	stored := a.Clone()
	stored.WalletPrivateKey = ""
	m.agents[a.ID] = stored
	m.order = append(m.order, a.ID)
	return stored.Clone(), nil
}

// FindByOwner 按创建顺序返回 owner 的全部 agent。
func (m *MemoryRepository) FindByOwner(_ context.Context, owner string) ([]Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Agent
	for _, id := range m.order {
		if a := m.agents[id]; a.Owner == owner {
			out = append(out, a.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FindByID 返回指定 agent。
func (m *MemoryRepository) FindByID(_ context.Context, id string) (Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return a.Clone(), nil
}

// Count 返回已保存的 agent 数量。
func (m *MemoryRepository) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}
