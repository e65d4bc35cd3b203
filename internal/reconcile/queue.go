// Package reconcile retries the persistence of token deployment records whose
// on-chain action succeeded but whose first save failed. Records travel
// through a queue (in-memory, Redis list or RabbitMQ) and a Processor keeps
// saving them until the store accepts the write or attempts run out.
package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"AgentForge/internal/token"
)

// Job 是一条待补偿的部署记录。
type Job struct {
	Record     token.Record `json:"record"`
	Attempts   int          `json:"attempts"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
}

func encodeJob(job Job) ([]byte, error) { return json.Marshal(job) }

func decodeJob(data []byte) (Job, error) {
	var job Job
	err := json.Unmarshal(data, &job)
	return job, err
}

// Handler 处理来自队列的补偿任务。
type Handler func(ctx context.Context, job Job) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, job Job) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Publisher 把部署流水线中未保存的记录投递到队列，实现 token.Reconciler。
type Publisher struct {
	producer Producer
	now      func() time.Time
}

var _ token.Reconciler = (*Publisher)(nil)

// NewPublisher 创建 Publisher。
func NewPublisher(producer Producer) *Publisher {
	return &Publisher{producer: producer, now: time.Now}
}

// Enqueue 实现 token.Reconciler。
func (p *Publisher) Enqueue(ctx context.Context, record token.Record) error {
	return p.producer.Publish(ctx, Job{Record: record, EnqueuedAt: p.now().UTC()})
}
