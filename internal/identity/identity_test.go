package identity

import (
	"crypto/ed25519"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

func TestSolanaKeypairEncoding(t *testing.T) {
	kp, err := SolanaGenerator{}.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub, err := base58.Decode(kp.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		t.Fatalf("unexpected public key %q: %v", kp.PublicKey, err)
	}
	derived, err := SolanaPublicKey(kp.PrivateKey)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if derived != kp.PublicKey {
		t.Fatalf("derived public key mismatch: %s vs %s", derived, kp.PublicKey)
	}
}

func TestEVMKeypairAddress(t *testing.T) {
	g, err := NewGenerator("evm")
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	kp := MustGenerate(g)
	if !common.IsHexAddress(kp.PublicKey) {
		t.Fatalf("expected hex address, got %s", kp.PublicKey)
	}
	if len(kp.PrivateKey) != 64 {
		t.Fatalf("unexpected private key length %d", len(kp.PrivateKey))
	}
}

func TestGeneratorNeverRepeats(t *testing.T) {
	g := SolanaGenerator{}
	const workers = 32
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers)
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kp := MustGenerate(g)
			mu.Lock()
			seen[kp.PublicKey] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != workers {
		t.Fatalf("expected %d distinct keys, got %d", workers, len(seen))
	}
}

func TestUnknownScheme(t *testing.T) {
	if _, err := NewGenerator("rsa"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}
