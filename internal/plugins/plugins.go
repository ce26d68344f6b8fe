// Package plugins 汇总编译进 chainhostd 的内置插件。
package plugins

import (
	"time"

	"ChainHost/internal/plugins/network"
	"ChainHost/internal/plugins/wallet"
	"ChainHost/internal/web3/provider"
	"ChainHost/pkg/plugin"
)

// Deps 是内置插件共享的外部依赖。
type Deps struct {
	Chains       *provider.Registry
	ProbeTimeout time.Duration
}

// Builtin 返回全部内置插件描述。
func Builtin(deps Deps) []plugin.Plugin {
	return []plugin.Plugin{
		network.New(network.Options{Chains: deps.Chains, ProbeTimeout: deps.ProbeTimeout}),
		wallet.New(wallet.Options{Chains: deps.Chains}),
	}
}

// DefaultPlugins 是每次启动都会激活的插件。
func DefaultPlugins() []string {
	return []string{network.Name}
}

// NewRegistry 构造包含全部内置插件的解析器。
func NewRegistry(deps Deps) (*plugin.Registry, error) {
	return plugin.NewRegistry(Builtin(deps)...)
}
