package auth

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"

	xerrors "AgentForge/internal/errors"
	"AgentForge/pkg/logger"
)

// DefaultJWKSTTL 是 JWKS 缓存的默认有效期。
const DefaultJWKSTTL = 10 * time.Minute

// KeySource 按 kid 提供验签公钥。
type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// JWKSCache 进程内共享的 JWKS 客户端，首次使用时拉取，过期后刷新。
type JWKSCache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time
	group  singleflight.Group
	logger *slog.Logger

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	first   *rsa.PublicKey
	fetched time.Time
}

// NewJWKSCache 创建缓存，ttl 非正时使用 DefaultJWKSTTL。
func NewJWKSCache(url string, ttl time.Duration, client *http.Client) *JWKSCache {
	if ttl <= 0 {
		ttl = DefaultJWKSTTL
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &JWKSCache{url: url, ttl: ttl, client: client, now: time.Now, logger: logger.Named("auth.jwks")}
}

// Key 返回 kid 对应的公钥；kid 为空时返回文档中的第一把 RSA 公钥。
func (c *JWKSCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, fresh := c.lookup(kid); key != nil && fresh {
		return key, nil
	}
	if err := c.refresh(ctx); err != nil {
		// 刷新失败时继续使用过期但仍存在的公钥。
		if key, _ := c.lookup(kid); key != nil {
			c.logger.Warn("jwks refresh failed, using cached key", slog.Any("error", err))
			return key, nil
		}
		return nil, err
	}
	if key, _ := c.lookup(kid); key != nil {
		return key, nil
	}
	return nil, xerrors.New(xerrors.CodeUnauthenticated, "signing key not found", xerrors.WithMetadata("kid", kid))
}

func (c *JWKSCache) lookup(kid string) (*rsa.PublicKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fresh := !c.fetched.IsZero() && c.now().Sub(c.fetched) < c.ttl
	if kid == "" {
		return c.first, fresh
	}
	return c.keys[kid], fresh
}

func (c *JWKSCache) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("jwks", func() (any, error) {
		keys, first, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.keys, c.first, c.fetched = keys, first, c.now()
		c.mu.Unlock()
		c.logger.Debug("jwks refreshed", slog.Int("keys", len(keys)))
		return nil, nil
	})
	return err
}

func (c *JWKSCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, *rsa.PublicKey, error) {
	set, err := jwk.Fetch(ctx, c.url, jwk.WithHTTPClient(c.client))
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeUpstream, err, "fetch jwks")
	}

	keys := make(map[string]*rsa.PublicKey, set.Len())
	var first *rsa.PublicKey
	for i := 0; i < set.Len(); i++ {
		k, ok := set.Key(i)
		if !ok {
			continue
		}
		if k.KeyType() != jwa.RSA || (k.KeyUsage() != "" && k.KeyUsage() != string(jwk.ForSignature)) {
			continue
		}
		var pub rsa.PublicKey
		if err := k.Raw(&pub); err != nil {
			c.logger.Warn("skip malformed jwk", slog.String("kid", k.KeyID()), slog.Any("error", err))
			continue
		}
		if first == nil {
			first = &pub
		}
		if kid := k.KeyID(); kid != "" {
			keys[kid] = &pub
		}
	}
	if first == nil {
		return nil, nil, xerrors.New(xerrors.CodeUpstream, "jwks contains no usable RSA keys")
	}
	return keys, first, nil
}
