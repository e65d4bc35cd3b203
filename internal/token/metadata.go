package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/upstream"
)

const (
	DefaultMetadataEndpoint = "https://pump.fun/api/ipfs"
	imageFileName           = "token-image.png"
)

// Metadata 是元数据存储返回的结果。
type Metadata struct {
	Name   string
	Symbol string
	URI    string
}

// MetadataConfig 配置元数据上传端点。
type MetadataConfig struct {
	Endpoint string                 `koanf:"endpoint"`
	Timeout  time.Duration          `koanf:"timeout"`
	Breaker  upstream.BreakerConfig `koanf:"breaker"`
}

// MetadataClient 将图片与描述上传到元数据存储。
type MetadataClient struct {
	endpoint string
	client   *upstream.Client
}

// NewMetadataClient 构造 MetadataClient。
func NewMetadataClient(cfg MetadataConfig) *MetadataClient {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultMetadataEndpoint
	}
	return &MetadataClient{endpoint: endpoint, client: upstream.New("metadata-store", cfg.Timeout, cfg.Breaker)}
}

type metadataResponse struct {
	Metadata struct {
		Name   string `json:"name"`
		Symbol string `json:"symbol"`
	} `json:"metadata"`
	MetadataURI string `json:"metadataUri"`
}

// Upload 以 multipart 表单上传元数据并返回 metadataUri。
func (c *MetadataClient) Upload(ctx context.Context, req Request, img Image) (Metadata, error) {
	body, contentType, err := metadataForm(req, img)
	if err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.CodeUpstream, err, "build metadata form", xerrors.WithRetryable(false))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.CodeUpstream, err, "build metadata request", xerrors.WithRetryable(false))
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Metadata{}, err
	}
	var decoded metadataResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return Metadata{}, xerrors.Wrap(xerrors.CodeUpstream, err, "metadata-store returned an invalid body")
	}
	if decoded.MetadataURI == "" {
		return Metadata{}, xerrors.New(xerrors.CodeUpstream, "metadata-store response has no metadataUri")
	}
	out := Metadata{Name: decoded.Metadata.Name, Symbol: decoded.Metadata.Symbol, URI: decoded.MetadataURI}
	if out.Name == "" {
		out.Name = req.Name
	}
	if out.Symbol == "" {
		out.Symbol = req.Symbol
	}
	return out, nil
}

func metadataForm(req Request, img Image) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, imageFileName)},
		"Content-Type":        {img.MIME},
	})
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", err
	}

	fields := [][2]string{
		{"name", req.Name},
		{"symbol", req.Symbol},
		{"description", req.Description},
		{"showName", "true"},
		{"twitter", req.Twitter},
		{"telegram", req.Telegram},
		{"website", req.Website},
	}
	for _, f := range fields {
		if f[1] == "" && f[0] != "description" {
			continue
		}
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}
