package provider

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"AgentForge/internal/config"
)

func TestNewRegistryFromClusterFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clusters.yaml")
	content := []byte(`
clusters:
  mainnet:
    rpc_url: "http://127.0.0.1:8899"
  devnet:
    rpc_url: "http://127.0.0.1:8900"
    commitment: finalized
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write clusters: %v", err)
	}
	reg, err := NewRegistry(context.Background(), config.SolanaConfig{ClusterConfig: path, DefaultCluster: "mainnet"})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.Close()

	if got := reg.Clusters(); len(got) != 2 || got[0] != "devnet" || got[1] != "mainnet" {
		t.Fatalf("unexpected clusters: %v", got)
	}
	client, err := reg.DefaultClient()
	if err != nil || client.Name() != "mainnet" {
		t.Fatalf("unexpected default client: %v", err)
	}
}

func TestNewRegistryErrors(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.SolanaConfig{}); !errors.Is(err, ErrNoClusters) {
		t.Fatalf("expected ErrNoClusters, got %v", err)
	}
	if _, err := NewRegistry(context.Background(), config.SolanaConfig{RPCURL: "http://127.0.0.1:8899", DefaultCluster: "mainnet"}); err != nil {
		t.Fatalf("rpc url alone should become the default cluster: %v", err)
	}
	if _, err := NewRegistry(context.Background(), config.SolanaConfig{ClusterConfig: "missing.yaml"}); err == nil {
		t.Fatalf("expected missing file error")
	}
}
