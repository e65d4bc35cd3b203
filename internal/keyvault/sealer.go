// Package keyvault keeps agent wallet private keys out of the agent record.
// Keys are sealed with a process master key before they reach a backend, so
// a leaked backend row reveals nothing without the master key.
package keyvault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"

	xerrors "AgentForge/internal/errors"
	"AgentForge/pkg/logger"
)

const (
	keySize   = 32
	nonceSize = 24
)

// Sealer 使用 secretbox 对私钥进行对称加密。
type Sealer struct {
	key [keySize]byte
}

// NewSealer 解析 base64 或 hex 编码的 32 字节主密钥。
// 主密钥为空时生成进程内临时密钥，重启后已封存的数据不可解密。
func NewSealer(masterKey string) (*Sealer, error) {
	masterKey = strings.TrimSpace(masterKey)
	s := &Sealer{}
	if masterKey == "" {
		if _, err := io.ReadFull(rand.Reader, s.key[:]); err != nil {
			return nil, fmt.Errorf("generate ephemeral master key: %w", err)
		}
		logger.Named("keyvault").Warn("keyvault.master_key not set, using an ephemeral key")
		return s, nil
	}
	raw, err := decodeKey(masterKey)
	if err != nil {
		return nil, err
	}
	copy(s.key[:], raw)
	return s, nil
}

func decodeKey(value string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(value); err == nil && len(raw) == keySize {
		return raw, nil
	}
	if raw, err := hex.DecodeString(value); err == nil && len(raw) == keySize {
		return raw, nil
	}
	return nil, fmt.Errorf("master key must be %d bytes encoded as base64 or hex", keySize)
}

// Seal 返回 nonce||密文。
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open 解密 Seal 的输出。
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, xerrors.New(xerrors.CodePersistence, "sealed secret is truncated")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, xerrors.New(xerrors.CodePersistence, "sealed secret failed authentication")
	}
	return plaintext, nil
}
