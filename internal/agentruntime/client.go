// Package agentruntime talks to the external agent runtime that hosts the
// agents created here: an existence probe and a message-send action.
package agentruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/upstream"
)

const (
	defaultProbePath = "/agents/{agentId}"
	defaultUserName  = "Anonymous User"
)

// Config 描述 agent runtime 的访问方式。
type Config struct {
	BaseURL   string                 `koanf:"base_url"`
	ProbePath string                 `koanf:"probe_path"`
	Timeout   time.Duration          `koanf:"timeout"`
	Breaker   upstream.BreakerConfig `koanf:"breaker"`
}

// Message 是发送给 agent 的一条消息。
type Message struct {
	Text     string
	UserID   string
	RoomID   string
	UserName string
	Name     string
}

// DefaultRoom 返回 agent 的默认会话房间。
func DefaultRoom(agentID string) string {
	return "default-room-" + agentID
}

// Client 是 agent runtime 的 HTTP 客户端。
type Client struct {
	baseURL   string
	probePath string
	http      *upstream.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("agent runtime base_url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse agent runtime base_url: %w", err)
	}
	probe := cfg.ProbePath
	if probe == "" {
		probe = defaultProbePath
	}
	return &Client{
		baseURL:   base,
		probePath: probe,
		http:      upstream.New("agent runtime", cfg.Timeout, cfg.Breaker),
	}, nil
}

// AgentExists 探测 runtime 是否已加载指定 agent。404 视为尚未就绪。
func (c *Client) AgentExists(ctx context.Context, agentID string) (bool, error) {
	path := strings.ReplaceAll(c.probePath, "{agentId}", url.PathEscape(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if e, ok := xerrors.From(err); ok && e.Metadata()["status"] == "404" {
			return false, nil
		}
		return false, err
	}
	return resp.Status == http.StatusOK, nil
}

// SendMessage 以 multipart 表单向 agent 发送消息，返回 runtime 的原始 JSON 响应。
func (c *Client) SendMessage(ctx context.Context, agentID string, msg Message) (json.RawMessage, error) {
	if msg.RoomID == "" {
		msg.RoomID = DefaultRoom(agentID)
	}
	if msg.UserName == "" {
		msg.UserName = defaultUserName
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	fields := [][2]string{
		{"text", msg.Text},
		{"userId", msg.UserID},
		{"roomId", msg.RoomID},
		{"userName", msg.UserName},
	}
	if msg.Name != "" {
		fields = append(fields, [2]string{"name", msg.Name})
	}
	for _, f := range fields {
		if err := form.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("write form field %s: %w", f[0], err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("close form: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/message", c.baseURL, url.PathEscape(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("build message request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 || !json.Valid(resp.Body) {
		return json.RawMessage("[]"), nil
	}
	return json.RawMessage(resp.Body), nil
}
