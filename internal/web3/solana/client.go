package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/token"
	"AgentForge/internal/web3"
	"AgentForge/pkg/logger"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxPolls     = 5
)

// Config describes how to construct a cluster client.
type Config struct {
	Name         string
	RPCURL       string
	Commitment   string
	Notes        string
	PollInterval time.Duration
	MaxPolls     int
}

// Client speaks Solana JSON-RPC through the go-ethereum RPC transport.
type Client struct {
	name       string
	notes      string
	commitment string
	interval   time.Duration
	maxPolls   int
	rpc        *gethrpc.Client
	logger     *slog.Logger
}

// NewClient dials the configured RPC endpoint.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 Solana RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接 Solana 节点失败: %w", err)
	}
	commitment := strings.TrimSpace(cfg.Commitment)
	if commitment == "" {
		commitment = web3.CommitmentConfirmed
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	maxPolls := cfg.MaxPolls
	if maxPolls <= 0 {
		maxPolls = defaultMaxPolls
	}
	return &Client{
		name:       cfg.Name,
		notes:      cfg.Notes,
		commitment: commitment,
		interval:   interval,
		maxPolls:   maxPolls,
		rpc:        rpcClient,
		logger:     logger.Named("solana"),
	}, nil
}

// Name returns the cluster name.
func (c *Client) Name() string { return c.name }

// Close releases the RPC connection.
func (c *Client) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

type statusesResult struct {
	Value []*web3.SignatureStatus `json:"value"`
}

// SignatureStatuses implements web3.Client.
func (c *Client) SignatureStatuses(ctx context.Context, signatures ...string) ([]*web3.SignatureStatus, error) {
	if c == nil || c.rpc == nil {
		return nil, errors.New("未初始化的 Solana 客户端")
	}
	var result statusesResult
	opts := map[string]bool{"searchTransactionHistory": true}
	if err := c.rpc.CallContext(ctx, &result, "getSignatureStatuses", signatures, opts); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstream, err, "getSignatureStatuses failed")
	}
	return result.Value, nil
}

// Confirm polls the signature a bounded number of times and maps the final
// observation onto a deployment status.
func (c *Client) Confirm(ctx context.Context, signature string) (token.Status, error) {
	var lastErr error
	for poll := 1; poll <= c.maxPolls; poll++ {
		statuses, err := c.SignatureStatuses(ctx, signature)
		switch {
		case err != nil:
			lastErr = err
		case len(statuses) > 0 && statuses[0] != nil:
			status := statuses[0]
			if status.Failed() {
				return token.StatusFailed, nil
			}
			if status.Reaches(c.commitment) {
				return token.StatusConfirmed, nil
			}
		}
		if poll == c.maxPolls {
			break
		}
		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return token.StatusPending, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr != nil {
		c.logger.Warn("signature status unavailable", slog.String("signature", signature), slog.Any("error", lastErr))
		return token.StatusPending, lastErr
	}
	return token.StatusPending, nil
}
