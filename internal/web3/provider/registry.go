package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"AgentForge/internal/config"
	"AgentForge/internal/web3"
	"AgentForge/internal/web3/solana"
)

// ErrNoClusters is returned when neither a cluster file nor an RPC URL is configured.
var ErrNoClusters = errors.New("未配置任何 Solana RPC 端点")

// Registry manages a set of cluster clients keyed by human readable names.
type Registry struct {
	defaultCluster string
	clients        map[string]*solana.Client
}

// NewRegistry loads cluster definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.SolanaConfig) (*Registry, error) {
	defs, err := web3.LoadClusterDefinitions(cfg.ClusterConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]*solana.Client)
	build := func(name string, def web3.ClusterDefinition) error {
		commitment := def.Commitment
		if commitment == "" {
			commitment = cfg.Commitment
		}
		client, err := solana.NewClient(ctx, solana.Config{
			Name:         name,
			RPCURL:       def.RPCURL,
			Commitment:   commitment,
			Notes:        def.Description,
			PollInterval: cfg.PollInterval,
			MaxPolls:     cfg.MaxPolls,
		})
		if err != nil {
			return fmt.Errorf("初始化集群 %s 失败: %w", name, err)
		}
		clients[name] = client
		return nil
	}

	for name, def := range defs.Clusters {
		if err := build(name, def); err != nil {
			closeAll(clients)
			return nil, err
		}
	}

	defaultCluster := cfg.DefaultCluster
	if rpcURL := strings.TrimSpace(cfg.RPCURL); rpcURL != "" {
		if err := build("default", web3.ClusterDefinition{RPCURL: rpcURL}); err != nil {
			closeAll(clients)
			return nil, err
		}
		defaultCluster = "default"
	}

	if len(clients) == 0 {
		return nil, ErrNoClusters
	}

	if defaultCluster == "" {
		names := sortedNames(clients)
		defaultCluster = names[0]
	}
	if _, ok := clients[defaultCluster]; !ok {
		closeAll(clients)
		return nil, fmt.Errorf("默认集群 %s 未在配置中找到", defaultCluster)
	}

	return &Registry{defaultCluster: defaultCluster, clients: clients}, nil
}

// DefaultClient returns the client configured as default cluster.
func (r *Registry) DefaultClient() (*solana.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的集群注册表")
	}
	client, ok := r.clients[r.defaultCluster]
	if !ok {
		return nil, fmt.Errorf("默认集群 %s 未在注册表中", r.defaultCluster)
	}
	return client, nil
}

// Client returns the cluster client identified by name.
func (r *Registry) Client(name string) (*solana.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

// Clusters returns the list of registered cluster names.
func (r *Registry) Clusters() []string {
	if r == nil {
		return nil
	}
	return sortedNames(r.clients)
}

func sortedNames(clients map[string]*solana.Client) []string {
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeAll(clients map[string]*solana.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}
