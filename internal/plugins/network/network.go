// Package network 实现内置插件 chainhost/network：管理远程链端点 (network) 与本地节点定义 (node)。
package network

import (
	"context"
	"fmt"
	"time"

	"ChainHost/internal/resources"
	"ChainHost/internal/web3"
	"ChainHost/internal/web3/provider"
	"ChainHost/pkg/plugin"
)

const (
	// Name 是插件名称。
	Name = "chainhost/network"
	// TypeNetwork 表示远程链端点。
	TypeNetwork = "network"
	// TypeNode 表示本地节点定义。
	TypeNode = "node"

	defaultProbeTimeout = 5 * time.Second
)

// Options 是构造插件所需的外部依赖。
type Options struct {
	Chains       *provider.Registry
	ProbeTimeout time.Duration
}

// New 返回插件描述。
func New(opts Options) plugin.Plugin {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}
	return plugin.Plugin{
		Name:         Name,
		Description:  "区块链网络与本地节点",
		Version:      "1.0.0",
		Capabilities: []plugin.Capability{plugin.CapabilityNetwork, plugin.CapabilityFilesystem},
		ResourceTypes: []plugin.ResourceType{
			{
				Name:        TypeNetwork,
				Description: "可访问的链 RPC 端点",
				New: func(mo plugin.ManagerOptions) (plugin.ResourcesManager, error) {
					return newNetworkManager(mo, opts)
				},
			},
			{
				Name:        TypeNode,
				Description: "本地节点定义及其端口",
				New:         newNodeManager,
			},
		},
	}
}

func newNetworkManager(mo plugin.ManagerOptions, opts Options) (plugin.ResourcesManager, error) {
	if opts.Chains == nil {
		return nil, fmt.Errorf("未配置链客户端注册表")
	}
	timeout := opts.ProbeTimeout
	if raw, ok := mo.Config["probe_timeout"].(string); ok && raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("解析 probe_timeout 失败: %w", err)
		}
		timeout = parsed
	}
	defs := opts.Chains.Definitions()
	seed := make([]plugin.Resource, 0, len(defs.Chains))
	for _, name := range defs.Names() {
		def := defs.Chains[name]
		seed = append(seed, plugin.Resource{
			"name":        name,
			"type":        def.Type,
			"rpc_url":     def.RPCURL,
			"description": def.Description,
		})
	}
	adapter := &networkAdapter{chains: opts.Chains, timeout: timeout, now: time.Now}
	return resources.New(mo, adapter, seed...), nil
}

// Definition 从 network 资源还原链定义。
func Definition(res plugin.Resource) web3.ChainDefinition {
	def := web3.ChainDefinition{}
	def.Type, _ = res["type"].(string)
	def.RPCURL, _ = res["rpc_url"].(string)
	def.Description, _ = res["description"].(string)
	return def
}

type networkAdapter struct {
	chains  *provider.Registry
	timeout time.Duration
	now     func() time.Time
}

// Prepare 拨号并探测端点。探测失败不会拒绝资源，只记录为不可达。
func (a *networkAdapter) Prepare(ctx context.Context, spec plugin.Resource) (plugin.Resource, error) {
	def := Definition(spec)
	if def.RPCURL == "" {
		return nil, fmt.Errorf("network %s 缺少 rpc_url", spec.Name())
	}
	client, err := a.chains.Dial(ctx, spec.Name(), def)
	if err != nil {
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	spec["probed_at"] = a.now().UTC().Format(time.RFC3339)
	status, err := client.Status(probeCtx)
	if err != nil {
		spec["status"] = "unreachable"
		spec["error"] = err.Error()
		return spec, nil
	}
	spec["status"] = "reachable"
	spec["chain_id"] = status.ChainID
	spec["block_number"] = status.BlockNumber
	delete(spec, "error")
	return spec, nil
}

func (a *networkAdapter) Release(_ context.Context, res plugin.Resource) error {
	a.chains.Forget(res.Name())
	return nil
}

// Restore 不做任何事，客户端在首次使用时按需拨号。
func (a *networkAdapter) Restore(context.Context, plugin.Resource) error { return nil }
