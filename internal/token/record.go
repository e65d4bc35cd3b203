package token

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status 是部署记录的链上状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Record 是一次成功上链后持久化的部署记录。
type Record struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Symbol          string    `json:"symbol"`
	Description     string    `json:"description"`
	Twitter         string    `json:"twitter,omitempty"`
	Telegram        string    `json:"telegram,omitempty"`
	Website         string    `json:"website,omitempty"`
	AgentID         string    `json:"agentId"`
	WalletAddress   string    `json:"walletAddress"`
	Amount          float64   `json:"amount"`
	TokenAddress    string    `json:"tokenAddress"`
	TransactionLink string    `json:"transactionLink"`
	ExplorerLink    string    `json:"explorerLink"`
	MetadataURI     string    `json:"metadataUri"`
	Signature       string    `json:"signature"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
}

// RecordStore 持久化部署记录，不在内部重试。
type RecordStore interface {
	SaveTokenRecord(ctx context.Context, record Record) error
}

// NewRecordID 返回按时间排序的记录 ID。
func NewRecordID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// MemoryRecordStore 是进程内的 RecordStore。
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryRecordStore 创建 MemoryRecordStore。
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{}
}

// SaveTokenRecord 实现 RecordStore。
func (m *MemoryRecordStore) SaveTokenRecord(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

// Records 返回已保存记录的副本。
func (m *MemoryRecordStore) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record(nil), m.records...)
}
