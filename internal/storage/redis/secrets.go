package redis

import (
	"context"

	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/keyvault"
)

// SecretStore 实现 keyvault.Backend，只保存封存后的密文。
type SecretStore struct {
	client *Client
}

var _ keyvault.Backend = (*SecretStore)(nil)

// NewSecretStore 创建 SecretStore。
func NewSecretStore(client *Client) *SecretStore {
	return &SecretStore{client: client}
}

// Store 写入密文，不设置过期时间。
func (s *SecretStore) Store(ctx context.Context, key string, sealed []byte) error {
	if err := s.client.rdb.Set(ctx, s.client.Key("secret:"+key), sealed, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "store sealed secret")
	}
	return nil
}

// Load 读取密文，不存在时返回 keyvault.ErrSecretNotFound。
func (s *SecretStore) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.rdb.Get(ctx, s.client.Key("secret:"+key)).Bytes()
	if isNil(err) {
		return nil, keyvault.ErrSecretNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePersistence, err, "load sealed secret")
	}
	return data, nil
}

// Remove 删除密文。
func (s *SecretStore) Remove(ctx context.Context, key string) error {
	if err := s.client.rdb.Del(ctx, s.client.Key("secret:"+key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodePersistence, err, "remove sealed secret")
	}
	return nil
}
