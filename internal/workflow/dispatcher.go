// Package workflow turns the nodes of a user supplied workflow graph into
// messages for the agent runtime and collects one outcome per node.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"AgentForge/internal/agentruntime"
	"AgentForge/internal/observability/metrics"
	"AgentForge/pkg/logger"
)

const defaultConcurrency = 8

// Messenger 向 agent runtime 发送消息。
type Messenger interface {
	SendMessage(ctx context.Context, agentID string, msg agentruntime.Message) (json.RawMessage, error)
}

// Status 是单个节点的分发结果。
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Outcome 记录一个已识别节点的分发结果。
type Outcome struct {
	NodeID   string        `json:"nodeId"`
	Label    string        `json:"label"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"-"`

	err error
}

// Err 返回失败原因。
func (o Outcome) Err() error { return o.err }

// Report 汇总一次分发的全部结果，Outcomes 与已识别节点按原顺序一一对应。
type Report struct {
	AgentID   string    `json:"agentId"`
	Outcomes  []Outcome `json:"outcomes"`
	Skipped   int       `json:"skipped"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
}

// Err 聚合所有失败节点的错误。
func (r *Report) Err() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			errs = append(errs, fmt.Errorf("node %s (%s): %w", o.NodeID, o.Label, o.err))
		}
	}
	return errors.Join(errs...)
}

// Dispatcher 并发分发节点并等待全部结果。
type Dispatcher struct {
	catalog     *Catalog
	messenger   Messenger
	concurrency int
	logger      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Dispatcher)

// WithConcurrency 限制同时在途的节点数量。
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher 构造分发器。catalog 为空时使用内置模板。
func NewDispatcher(catalog *Catalog, messenger Messenger, opts ...Option) *Dispatcher {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	d := &Dispatcher{
		catalog:     catalog,
		messenger:   messenger,
		concurrency: defaultConcurrency,
		logger:      logger.Named("workflow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

type job struct {
	node     Node
	label    string
	template Template
}

// DispatchAll 为每个已识别节点发送一条消息，未识别的标签直接跳过。
// 单个节点失败不影响其他节点，返回前会收集所有节点的结果。
func (d *Dispatcher) DispatchAll(ctx context.Context, agentID, caller string, nodes []Node) *Report {
	report := &Report{AgentID: agentID}

	jobs := make([]job, 0, len(nodes))
	for _, node := range nodes {
		label := node.Label()
		tmpl, ok := d.catalog.Lookup(label)
		if !ok {
			report.Skipped++
			continue
		}
		jobs = append(jobs, job{node: node, label: label, template: tmpl})
	}

	report.Outcomes = make([]Outcome, len(jobs))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			report.Outcomes[i] = d.dispatch(ctx, agentID, caller, j)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range report.Outcomes {
		if o.Status == StatusSucceeded {
			report.Succeeded++
		} else {
			report.Failed++
		}
		metrics.ObserveDispatch(o.Label, string(o.Status))
	}
	if err := report.Err(); err != nil {
		report.Error = err.Error()
		d.logger.Warn("workflow dispatch finished with failures",
			slog.String("agent_id", agentID),
			slog.Int("failed", report.Failed),
			slog.Int("succeeded", report.Succeeded),
			slog.Any("error", err),
		)
	}
	return report
}

func (d *Dispatcher) dispatch(ctx context.Context, agentID, caller string, j job) Outcome {
	start := time.Now()
	outcome := Outcome{NodeID: j.node.ID, Label: j.label}
	fail := func(err error) Outcome {
		outcome.Status = StatusFailed
		outcome.err = err
		outcome.Error = err.Error()
		outcome.Duration = time.Since(start)
		return outcome
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if d.messenger == nil {
		return fail(errors.New("agent runtime client not configured"))
	}
	prompt, err := j.template.Render(j.node.Data)
	if err != nil {
		return fail(err)
	}
	_, err = d.messenger.SendMessage(ctx, agentID, agentruntime.Message{
		Text:   prompt,
		UserID: caller,
		RoomID: agentruntime.DefaultRoom(agentID),
	})
	if err != nil {
		return fail(err)
	}
	outcome.Status = StatusSucceeded
	outcome.Duration = time.Since(start)
	d.logger.Debug("workflow node dispatched",
		slog.String("agent_id", agentID),
		slog.String("node_id", j.node.ID),
		slog.String("label", j.label),
	)
	return outcome
}
