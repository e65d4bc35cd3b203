package token

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// GuardState 是幂等键的状态。
type GuardState string

const (
	GuardInFlight  GuardState = "in_flight"
	GuardSucceeded GuardState = "succeeded"
)

// GuardEntry 是幂等存储中的一条记录。
type GuardEntry struct {
	State  GuardState `json:"state"`
	Result *Result    `json:"result,omitempty"`
}

// GuardStore 保存幂等键。Acquire 在键不存在时原子写入 in_flight 并返回 true，
// 否则返回已有记录。
type GuardStore interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, *GuardEntry, error)
	Complete(ctx context.Context, key string, result Result, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// IdempotencyKey 对规范化后的请求与调用方计算 Keccak-256。
func IdempotencyKey(caller string, req Request) string {
	canonical, _ := json.Marshal(req)
	return "token:deploy:" + crypto.Keccak256Hash([]byte(caller), []byte{0}, canonical).Hex()
}

type memoryEntry struct {
	entry   GuardEntry
	expires time.Time
}

// MemoryGuardStore 是进程内的 GuardStore。
type MemoryGuardStore struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	now   func() time.Time
}

// NewMemoryGuardStore 创建 MemoryGuardStore。
func NewMemoryGuardStore() *MemoryGuardStore {
	return &MemoryGuardStore{items: make(map[string]memoryEntry), now: time.Now}
}

// Acquire 实现 GuardStore。
func (m *MemoryGuardStore) Acquire(_ context.Context, key string, ttl time.Duration) (bool, *GuardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.items[key]; ok && (cur.expires.IsZero() || now.Before(cur.expires)) {
		entry := cur.entry
		return false, &entry, nil
	}
	m.items[key] = memoryEntry{entry: GuardEntry{State: GuardInFlight}, expires: expiry(now, ttl)}
	return true, nil, nil
}

// Complete 实现 GuardStore。
func (m *MemoryGuardStore) Complete(_ context.Context, key string, result Result, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryEntry{entry: GuardEntry{State: GuardSucceeded, Result: &result}, expires: expiry(m.now(), ttl)}
	return nil
}

// Release 实现 GuardStore。
func (m *MemoryGuardStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
