package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/v2/jwk"

	xerrors "AgentForge/internal/errors"
)

type jwksServer struct {
	*httptest.Server
	hits atomic.Int32
	fail atomic.Bool
	set  jwk.Set
}

func newJWKSServer(t *testing.T, kid string, key *rsa.PublicKey) *jwksServer {
	t.Helper()
	s := &jwksServer{set: publicKeySet(t, kid, key)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		if s.fail.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(s.set)
	}))
	t.Cleanup(s.Close)
	return s
}

func publicKeySet(t *testing.T, kid string, keys ...*rsa.PublicKey) jwk.Set {
	t.Helper()
	set := jwk.NewSet()
	for _, key := range keys {
		k, err := jwk.FromRaw(key)
		if err != nil {
			t.Fatalf("jwk from key: %v", err)
		}
		_ = k.Set(jwk.KeyIDKey, kid)
		_ = k.Set(jwk.KeyUsageKey, jwk.ForSignature)
		if err := set.AddKey(k); err != nil {
			t.Fatalf("add key: %v", err)
		}
	}
	return set
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, c claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func validClaims(address string) claims {
	return claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		VerifiedCredentials: []verifiedCredential{{Address: address, Chain: "solana"}},
	}
}

func TestAuthenticate(t *testing.T) {
	key := generateKey(t)
	other := generateKey(t)
	srv := newJWKSServer(t, "k1", &key.PublicKey)
	verifier := NewVerifier(NewJWKSCache(srv.URL, time.Minute, srv.Client()))

	expired := validClaims("W1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	stepUp := validClaims("W1")
	stepUp.Scopes = []string{ScopeRequiresAdditionalAuth}
	noWallet := validClaims("")
	noWallet.VerifiedCredentials = nil

	cases := []struct {
		name    string
		header  string
		code    xerrors.Code
		address string
	}{
		{name: "valid", header: "Bearer " + sign(t, key, "k1", validClaims("W1")), address: "W1"},
		{name: "quoted token", header: `Bearer "` + sign(t, key, "k1", validClaims("W2")) + `"`, address: "W2"},
		{name: "missing header", header: "", code: xerrors.CodeUnauthenticated},
		{name: "wrong scheme", header: "Basic abc", code: xerrors.CodeUnauthenticated},
		{name: "garbage", header: "Bearer not-a-jwt", code: xerrors.CodeUnauthenticated},
		{name: "expired", header: "Bearer " + sign(t, key, "k1", expired), code: xerrors.CodeUnauthenticated},
		{name: "foreign signer", header: "Bearer " + sign(t, other, "k1", validClaims("W1")), code: xerrors.CodeUnauthenticated},
		{name: "additional auth", header: "Bearer " + sign(t, key, "k1", stepUp), code: xerrors.CodePermissionDenied},
		{name: "no wallet", header: "Bearer " + sign(t, key, "k1", noWallet), code: xerrors.CodeUnauthenticated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			caller, err := verifier.Authenticate(context.Background(), tc.header)
			if tc.code != "" {
				if got := xerrors.CodeOf(err); got != tc.code {
					t.Fatalf("expected %s, got %s (%v)", tc.code, got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("authenticate: %v", err)
			}
			if caller.Address != tc.address {
				t.Fatalf("expected address %s, got %s", tc.address, caller.Address)
			}
		})
	}
}

func TestJWKSCacheFetchesOncePerTTL(t *testing.T) {
	key := generateKey(t)
	srv := newJWKSServer(t, "k1", &key.PublicKey)
	cache := NewJWKSCache(srv.URL, time.Minute, srv.Client())
	now := time.Now()
	cache.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if _, err := cache.Key(context.Background(), "k1"); err != nil {
			t.Fatalf("key: %v", err)
		}
	}
	if got := srv.hits.Load(); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}

	now = now.Add(2 * time.Minute)
	if _, err := cache.Key(context.Background(), ""); err != nil {
		t.Fatalf("key after ttl: %v", err)
	}
	if got := srv.hits.Load(); got != 2 {
		t.Fatalf("expected refresh after ttl, got %d fetches", got)
	}
}

func TestJWKSCacheServesStaleKeyWhenRefreshFails(t *testing.T) {
	key := generateKey(t)
	srv := newJWKSServer(t, "k1", &key.PublicKey)
	cache := NewJWKSCache(srv.URL, time.Minute, srv.Client())
	now := time.Now()
	cache.now = func() time.Time { return now }

	if _, err := cache.Key(context.Background(), "k1"); err != nil {
		t.Fatalf("key: %v", err)
	}
	srv.fail.Store(true)
	now = now.Add(time.Hour)
	if _, err := cache.Key(context.Background(), "k1"); err != nil {
		t.Fatalf("expected stale key, got %v", err)
	}
	if _, err := cache.Key(context.Background(), "unknown"); xerrors.CodeOf(err) != xerrors.CodeUpstream {
		t.Fatalf("expected upstream failure for unknown kid, got %v", err)
	}
}

func TestJWKSCacheSkipsKeysNotForSigning(t *testing.T) {
	sigKey, encKey := generateKey(t), generateKey(t)
	set := publicKeySet(t, "sig-1", &sigKey.PublicKey)
	enc, err := jwk.FromRaw(&encKey.PublicKey)
	if err != nil {
		t.Fatalf("jwk from key: %v", err)
	}
	_ = enc.Set(jwk.KeyIDKey, "enc-1")
	_ = enc.Set(jwk.KeyUsageKey, jwk.ForEncryption)
	_ = set.AddKey(enc)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Minute, srv.Client())
	got, err := cache.Key(context.Background(), "sig-1")
	if err != nil || got.N.Cmp(sigKey.PublicKey.N) != 0 {
		t.Fatalf("expected signing key, got %v", err)
	}
	if _, err := cache.Key(context.Background(), "enc-1"); xerrors.CodeOf(err) != xerrors.CodeUnauthenticated {
		t.Fatalf("encryption key must not verify tokens, got %v", err)
	}
}

func TestJWKSCacheRejectsDocumentsWithoutRSAKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"keys":[{"kty":"oct","kid":"h1","k":"c2VjcmV0"}]}`))
	}))
	defer srv.Close()

	cache := NewJWKSCache(srv.URL, time.Minute, srv.Client())
	if _, err := cache.Key(context.Background(), ""); xerrors.CodeOf(err) != xerrors.CodeUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestMiddlewareInjectsCaller(t *testing.T) {
	key := generateKey(t)
	srv := newJWKSServer(t, "k1", &key.PublicKey)
	verifier := NewVerifier(NewJWKSCache(srv.URL, time.Minute, srv.Client()))

	var seen string
	handler := Middleware(verifier, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok {
			t.Errorf("caller missing from context")
		}
		seen = caller.Address
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/agents", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, key, "k1", validClaims("W9")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen != "W9" {
		t.Fatalf("unexpected result: status=%d caller=%q", rec.Code, seen)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/agents", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		`Bearer "abc"`: "abc",
		"Token abc":    "",
		"Bearer":       "",
		"":             "",
	}
	for header, want := range cases {
		if got := BearerToken(header); got != want {
			t.Fatalf("BearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}
