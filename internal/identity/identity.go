// Package identity generates the wallet keypairs handed to new agents and
// the one-time mint keypairs used for token creation.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// Scheme 标识密钥算法。
type Scheme string

const (
	SchemeSolana Scheme = "solana"
	SchemeEVM    Scheme = "evm"
)

// Keypair 是一次生成的公私钥对。PrivateKey 属于敏感信息，不参与序列化。
type Keypair struct {
	Scheme     Scheme `json:"scheme"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"-"`
}

// Generator 为每次调用生成全新的密钥对。
type Generator interface {
	Generate() (Keypair, error)
}

// NewGenerator 根据名称返回对应的生成器。
func NewGenerator(scheme string) (Generator, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(scheme))) {
	case "", SchemeSolana:
		return SolanaGenerator{}, nil
	case SchemeEVM:
		return EVMGenerator{}, nil
	default:
		return nil, fmt.Errorf("unsupported identity scheme: %s", scheme)
	}
}

// SolanaGenerator 生成 ed25519 密钥，公钥与 64 字节私钥均使用 base58 编码。
type SolanaGenerator struct{}

// Generate 实现 Generator。
func (SolanaGenerator) Generate() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return Keypair{
		Scheme:     SchemeSolana,
		PublicKey:  base58.Encode(pub),
		PrivateKey: base58.Encode(priv),
	}, nil
}

// EVMGenerator 生成 secp256k1 密钥，公钥为校验和地址。
type EVMGenerator struct{}

// Generate 实现 Generator。
func (EVMGenerator) Generate() (Keypair, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return Keypair{}, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return Keypair{
		Scheme:     SchemeEVM,
		PublicKey:  crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(key)),
	}, nil
}

// MustGenerate 在随机源失效时终止进程，调用方无法安全继续。
func MustGenerate(g Generator) Keypair {
	kp, err := g.Generate()
	if err != nil {
		panic(err)
	}
	return kp
}

// SolanaPublicKey 从 base58 编码的 64 字节私钥推导公钥。
func SolanaPublicKey(secret string) (string, error) {
	raw, err := base58.Decode(secret)
	if err != nil {
		return "", fmt.Errorf("decode secret key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	pub := ed25519.PrivateKey(raw).Public().(ed25519.PublicKey)
	return base58.Encode(pub), nil
}
