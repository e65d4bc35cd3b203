package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "AgentForge/internal/errors"
)

const defaultKeyPrefix = "agentforge:"

// Config 描述 Redis 连接参数。
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// Client 封装 go-redis 客户端并统一键前缀。
type Client struct {
	rdb    *goredis.Client
	prefix string
}

// NewClient 建立连接并执行一次 PING。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "redis address is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "connect redis")
	}
	return wrap(rdb, cfg.KeyPrefix), nil
}

func wrap(rdb *goredis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Raw 返回底层客户端，供队列等组件复用连接。
func (c *Client) Raw() *goredis.Client { return c.rdb }

// Key 为 name 加上统一前缀。
func (c *Client) Key(name string) string { return c.prefix + name }

// Close 关闭连接。
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func isNil(err error) bool { return errors.Is(err, goredis.Nil) }
