package redis

import (
	"context"
	"encoding/json"
	"time"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/token"
)

// GuardStore 实现 token.GuardStore，依赖 SETNX 保证同一键只有一个请求在途。
type GuardStore struct {
	client *Client
}

var _ token.GuardStore = (*GuardStore)(nil)

// NewGuardStore 创建 GuardStore。
func NewGuardStore(client *Client) *GuardStore {
	return &GuardStore{client: client}
}

// Acquire 实现 token.GuardStore。
func (g *GuardStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, *token.GuardEntry, error) {
	payload, err := json.Marshal(token.GuardEntry{State: token.GuardInFlight})
	if err != nil {
		return false, nil, err
	}
	ok, err := g.client.rdb.SetNX(ctx, g.client.Key(key), payload, ttl).Result()
	if err != nil {
		return false, nil, xerrors.Wrap(xerrors.CodePersistence, err, "acquire idempotency key")
	}
	if ok {
		return true, nil, nil
	}

	raw, err := g.client.rdb.Get(ctx, g.client.Key(key)).Bytes()
	if isNil(err) {
		// 键在两次调用之间过期，按新请求处理。
		return g.Acquire(ctx, key, ttl)
	}
	if err != nil {
		return false, nil, xerrors.Wrap(xerrors.CodePersistence, err, "read idempotency key")
	}
	var entry token.GuardEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return false, nil, xerrors.Wrap(xerrors.CodePersistence, err, "decode idempotency entry")
	}
	return false, &entry, nil
}

// Complete 实现 token.GuardStore。
func (g *GuardStore) Complete(ctx context.Context, key string, result token.Result, ttl time.Duration) error {
	payload, err := json.Marshal(token.GuardEntry{State: token.GuardSucceeded, Result: &result})
	if err != nil {
		return err
	}
	if err := g.client.rdb.Set(ctx, g.client.Key(key), payload, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "complete idempotency key")
	}
	return nil
}

// Release 实现 token.GuardStore。
func (g *GuardStore) Release(ctx context.Context, key string) error {
	if err := g.client.rdb.Del(ctx, g.client.Key(key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "release idempotency key")
	}
	return nil
}
