package token

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/upstream"
)

const (
	DefaultTradingEndpoint = "https://pumpportal.fun/api/trade"

	defaultSlippage    = 10
	defaultPriorityFee = 0.0005
	defaultPool        = "pump"
)

// TradingConfig 配置交易服务。
type TradingConfig struct {
	Endpoint string                 `koanf:"endpoint"`
	APIKey   string                 `koanf:"api_key"`
	Timeout  time.Duration          `koanf:"timeout"`
	Breaker  upstream.BreakerConfig `koanf:"breaker"`
}

// CreateOrder 描述一次 token 创建交易。
type CreateOrder struct {
	Metadata Metadata
	// MintSecret 是 base58 编码的 64 字节 mint 私钥。
	MintSecret string
	Amount     float64
}

// TradingClient 调用交易服务提交创建交易。
type TradingClient struct {
	endpoint string
	apiKey   string
	client   *upstream.Client
}

// NewTradingClient 构造 TradingClient。
func NewTradingClient(cfg TradingConfig) (*TradingClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "trading api key is not configured")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultTradingEndpoint
	}
	return &TradingClient{endpoint: endpoint, apiKey: cfg.APIKey, client: upstream.New("trading-service", cfg.Timeout, cfg.Breaker)}, nil
}

type tokenMetadata struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	URI    string `json:"uri"`
}

type tradeRequest struct {
	Action           string        `json:"action"`
	TokenMetadata    tokenMetadata `json:"tokenMetadata"`
	Mint             string        `json:"mint"`
	DenominatedInSol string        `json:"denominatedInSol"`
	Amount           float64       `json:"amount"`
	Slippage         int           `json:"slippage"`
	PriorityFee      float64       `json:"priorityFee"`
	Pool             string        `json:"pool"`
}

type tradeResponse struct {
	Signature string `json:"signature"`
}

// CreateToken 提交创建交易并返回交易签名。每次调用都会构造新的请求体，便于重试。
func (c *TradingClient) CreateToken(ctx context.Context, order CreateOrder) (string, error) {
	payload, err := json.Marshal(tradeRequest{
		Action:           "create",
		TokenMetadata:    tokenMetadata{Name: order.Metadata.Name, Symbol: order.Metadata.Symbol, URI: order.Metadata.URI},
		Mint:             order.MintSecret,
		DenominatedInSol: "true",
		Amount:           order.Amount,
		Slippage:         defaultSlippage,
		PriorityFee:      defaultPriorityFee,
		Pool:             defaultPool,
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUpstream, err, "encode trade request", xerrors.WithRetryable(false))
	}
	endpoint := c.endpoint + "?api-key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUpstream, err, "build trade request", xerrors.WithRetryable(false))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	var decoded tradeResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil || decoded.Signature == "" {
		return "", xerrors.New(xerrors.CodeUpstream, "trading-service response has no signature: "+strings.TrimSpace(string(resp.Body)))
	}
	return decoded.Signature, nil
}
