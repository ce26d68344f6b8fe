package plugins

import (
	"context"
	"errors"
	"os"
	"testing"

	"ChainHost/internal/plugins/network"
	"ChainHost/internal/plugins/wallet"
	"ChainHost/internal/ports"
	"ChainHost/internal/web3"
	"ChainHost/internal/web3/provider"
	"ChainHost/pkg/logger"
	"ChainHost/pkg/plugin"
)

type stubChain struct {
	status web3.ChainStatus
	err    error
}

func (s *stubChain) Status(context.Context) (web3.ChainStatus, error) { return s.status, s.err }
func (s *stubChain) Balance(context.Context, string) (string, error)  { return "0x2a", nil }
func (s *stubChain) Nonce(context.Context, string) (uint64, error)    { return 0, nil }
func (s *stubChain) Close()                                           {}

func newEngine(t *testing.T) *plugin.Manager {
	t.Helper()

	defs := web3.ChainDefinitions{Chains: map[string]web3.ChainDefinition{
		"devnet":  {RPCURL: "http://127.0.0.1:8545"},
		"offline": {RPCURL: "http://127.0.0.1:1"},
	}}
	chains := provider.NewRegistry(defs, func(_ context.Context, name string, _ web3.ChainDefinition) (web3.Client, error) {
		if name == "offline" {
			return &stubChain{err: errors.New("connection refused")}, nil
		}
		return &stubChain{status: web3.ChainStatus{ChainID: "0x539", BlockNumber: "0x10"}}, nil
	})
	t.Cleanup(chains.Close)

	registry, err := NewRegistry(Deps{Chains: chains})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	alloc, err := ports.NewMemory(42000, 42010)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	m, err := plugin.NewManager(plugin.ManagerConfig{},
		plugin.WithResolver(registry),
		plugin.WithDataDir(t.TempDir()),
		plugin.WithPortAllocator(alloc),
		plugin.WithBinary(plugin.Binary{Cmd: "/usr/bin/chainhostd"}),
		plugin.WithDefaultPlugins(DefaultPlugins()...),
		plugin.WithLogger(logger.Discard()),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func controller(t *testing.T, m *plugin.Manager, name, rt string) plugin.ResourceController {
	t.Helper()
	mgr, err := m.GetResourcesManager(name, rt)
	if err != nil {
		t.Fatalf("GetResourcesManager(%s, %s): %v", name, rt, err)
	}
	ctrl, ok := mgr.(plugin.ResourceController)
	if !ok {
		t.Fatalf("%s/%s is not controllable", name, rt)
	}
	return ctrl
}

func TestBuiltinPluginsActivateAndManageResources(t *testing.T) {
	t.Parallel()

	m := newEngine(t)
	ctx := context.Background()
	if err := m.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	report, err := m.RegisterPlugins(ctx, []string{wallet.Name})
	if err != nil || report.Err() != nil {
		t.Fatalf("RegisterPlugins: %v %v", err, report.Err())
	}
	if got := m.Plugins(); len(got) != 2 || got[0] != network.Name {
		t.Fatalf("unexpected plugins %v", got)
	}

	networks := controller(t, m, network.Name, network.TypeNetwork)
	devnet, err := networks.Get(ctx, "devnet")
	if err != nil {
		t.Fatalf("get devnet: %v", err)
	}
	if devnet["status"] != "reachable" || devnet["chain_id"] != "0x539" {
		t.Fatalf("unexpected devnet resource %v", devnet)
	}
	offline, _ := networks.Get(ctx, "offline")
	if offline["status"] != "unreachable" {
		t.Fatalf("unexpected offline resource %v", offline)
	}

	wallets := controller(t, m, wallet.Name, wallet.TypeWallet)
	w, err := wallets.Create(ctx, plugin.Resource{"name": "ops", "network": "devnet"})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if w["balance"] != "0x2a" || w["chain_id"] != "0x539" {
		t.Fatalf("unexpected wallet %v", w)
	}
	address, err := wallet.LoadKey(w)
	if err != nil || address != w["address"] {
		t.Fatalf("key file does not match address: %s (%v)", address, err)
	}
	if _, err := wallets.Create(ctx, plugin.Resource{"name": "lost", "network": "missing"}); !errors.Is(err, plugin.ErrResourceNotFound) {
		t.Fatalf("expected unknown network to fail, got %v", err)
	}
	if err := wallets.Delete(ctx, "ops"); err != nil {
		t.Fatalf("delete wallet: %v", err)
	}
	if _, err := os.Stat(w["key_file"].(string)); !os.IsNotExist(err) {
		t.Fatalf("expected key file to be removed, got %v", err)
	}

	nodes := controller(t, m, network.Name, network.TypeNode)
	node, err := nodes.Create(ctx, plugin.Resource{"name": "local"})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	if node["rpc_port"] != 42000 || node["p2p_port"] != 42001 {
		t.Fatalf("unexpected ports %v", node)
	}
	if err := nodes.Delete(ctx, "local"); err != nil {
		t.Fatalf("delete node: %v", err)
	}
	again, err := nodes.Create(ctx, plugin.Resource{"name": "again"})
	if err != nil || again["rpc_port"] != 42000 {
		t.Fatalf("expected released ports to be reused: %v (%v)", again, err)
	}

	view := m.Resources()
	if len(view[plugin.ResourceKey{Plugin: network.Name, ResourceType: network.TypeNetwork}]) != 2 {
		t.Fatalf("unexpected aggregated view %v", view)
	}
}

func TestNetworkProbeTimeoutFromConfig(t *testing.T) {
	t.Parallel()

	p := network.New(network.Options{Chains: provider.NewRegistry(web3.ChainDefinitions{}, nil)})
	rt, ok := p.ResourceType(network.TypeNetwork)
	if !ok {
		t.Fatalf("network resource type missing")
	}
	_, err := rt.New(plugin.ManagerOptions{
		Plugin:       network.Name,
		ResourceType: network.TypeNetwork,
		DataPath:     t.TempDir(),
		Config:       map[string]any{"probe_timeout": "soon"},
	})
	if err == nil {
		t.Fatalf("expected invalid probe_timeout to fail")
	}
}
