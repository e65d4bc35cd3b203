package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	xerrors "AgentForge/internal/errors"
)

// ScopeRequiresAdditionalAuth 表示身份提供方要求额外验证，此类令牌一律拒绝。
const ScopeRequiresAdditionalAuth = "requiresAdditionalAuth"

var (
	ErrMissingToken     = xerrors.New(xerrors.CodeUnauthenticated, "missing bearer token")
	ErrInvalidToken     = xerrors.New(xerrors.CodeUnauthenticated, "invalid token")
	ErrAdditionalAuth   = xerrors.New(xerrors.CodePermissionDenied, "additional authentication required")
	ErrMissingAddress   = xerrors.New(xerrors.CodeUnauthenticated, "token carries no verified wallet")
	errUnexpectedKeyAlg = errors.New("unexpected signing method")
)

// Caller 是通过认证的调用方。
type Caller struct {
	Address string
	Subject string
	Scopes  []string
}

type verifiedCredential struct {
	Address string `json:"address"`
	Chain   string `json:"chain,omitempty"`
}

type claims struct {
	jwt.RegisteredClaims
	Scopes              []string             `json:"scopes,omitempty"`
	VerifiedCredentials []verifiedCredential `json:"verified_credentials,omitempty"`
}

// Verifier 校验 RS256 令牌并提取钱包地址。
type Verifier struct {
	keys   KeySource
	parser *jwt.Parser
}

// NewVerifier 创建 Verifier。
func NewVerifier(keys KeySource) *Verifier {
	return &Verifier{
		keys:   keys,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()})),
	}
}

// BearerToken 从 Authorization 头中取出令牌并去掉引号。
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(token, `"`, ""))
}

// Authenticate 校验 Authorization 头。
func (v *Verifier) Authenticate(ctx context.Context, authorization string) (Caller, error) {
	raw := BearerToken(authorization)
	if raw == "" {
		return Caller{}, ErrMissingToken
	}

	var c claims
	_, err := v.parser.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errUnexpectedKeyAlg
		}
		kid, _ := t.Header["kid"].(string)
		key, err := v.keys.Key(ctx, kid)
		if err != nil {
			return nil, err
		}
		return key, nil
	})
	if err != nil {
		// JWKS 拉取失败属于上游错误，不应伪装成凭证无效。
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Inner != nil && xerrors.CodeOf(ve.Inner) == xerrors.CodeUpstream {
			return Caller{}, ve.Inner
		}
		return Caller{}, xerrors.Wrap(xerrors.CodeUnauthenticated, err, ErrInvalidToken.Error())
	}

	for _, scope := range c.Scopes {
		if scope == ScopeRequiresAdditionalAuth {
			return Caller{}, ErrAdditionalAuth
		}
	}
	if len(c.VerifiedCredentials) == 0 || strings.TrimSpace(c.VerifiedCredentials[0].Address) == "" {
		return Caller{}, ErrMissingAddress
	}
	return Caller{
		Address: c.VerifiedCredentials[0].Address,
		Subject: c.Subject,
		Scopes:  c.Scopes,
	}, nil
}
