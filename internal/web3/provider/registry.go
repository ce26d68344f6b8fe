package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"ChainHost/internal/web3"
	"ChainHost/internal/web3/ethereum"
)

// Factory builds a client for one chain definition.
type Factory func(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error)

// EVMFactory dials EVM compatible endpoints through go-ethereum.
func EVMFactory(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	chainType := strings.ToLower(strings.TrimSpace(def.Type))
	if chainType != "" && chainType != "evm" {
		return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
	}
	return ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, Notes: def.Description})
}

// Registry caches chain clients keyed by chain name. Clients are dialed on
// first use, so an unreachable endpoint only affects the resources using it.
type Registry struct {
	factory Factory

	mu      sync.Mutex
	defs    map[string]web3.ChainDefinition
	clients map[string]web3.Client
}

// NewRegistry creates a registry over the given definitions. A nil factory
// selects EVMFactory.
func NewRegistry(defs web3.ChainDefinitions, factory Factory) *Registry {
	if factory == nil {
		factory = EVMFactory
	}
	r := &Registry{
		factory: factory,
		defs:    make(map[string]web3.ChainDefinition, len(defs.Chains)),
		clients: make(map[string]web3.Client),
	}
	for name, def := range defs.Chains {
		r.defs[name] = def
	}
	return r
}

// Definitions returns the known chain definitions.
func (r *Registry) Definitions() web3.ChainDefinitions {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := web3.ChainDefinitions{Chains: make(map[string]web3.ChainDefinition, len(r.defs))}
	for name, def := range r.defs {
		out.Chains[name] = def
	}
	return out
}

// Dial returns the cached client for name, dialing it first if needed. When
// def differs from the known definition the old client is replaced.
func (r *Registry) Dial(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("链名称不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[name]; ok && r.defs[name] == def {
		return client, nil
	}
	client, err := r.factory(ctx, name, def)
	if err != nil {
		return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
	}
	if old, ok := r.clients[name]; ok {
		old.Close()
	}
	r.defs[name] = def
	r.clients[name] = client
	return client, nil
}

// Client returns the client for a known chain, dialing it if needed.
func (r *Registry) Client(ctx context.Context, name string) (web3.Client, error) {
	r.mu.Lock()
	def, ok := r.defs[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("链 %s 未在配置中找到", name)
	}
	return r.Dial(ctx, name, def)
}

// Forget closes and removes the client for name.
func (r *Registry) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[name]; ok {
		client.Close()
		delete(r.clients, name)
	}
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of known chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
