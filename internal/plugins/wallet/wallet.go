// Package wallet 实现内置插件 chainhost/wallet：在已激活的网络上生成并保存账户密钥。
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"ChainHost/internal/plugins/network"
	"ChainHost/internal/resources"
	"ChainHost/internal/web3/provider"
	"ChainHost/pkg/logger"
	"ChainHost/pkg/plugin"
)

const (
	// Name 是插件名称。
	Name = "chainhost/wallet"
	// TypeWallet 表示一个账户。
	TypeWallet = "wallet"

	keysDir        = "keys"
	balanceTimeout = 3 * time.Second
)

// Options 是构造插件所需的外部依赖，Chains 为空时不查询余额。
type Options struct {
	Chains *provider.Registry
}

// New 返回插件描述。
func New(opts Options) plugin.Plugin {
	return plugin.Plugin{
		Name:         Name,
		Description:  "链上账户与密钥",
		Version:      "1.0.0",
		Dependencies: []string{network.Name},
		Capabilities: []plugin.Capability{plugin.CapabilityKeys, plugin.CapabilityFilesystem},
		ResourceTypes: []plugin.ResourceType{{
			Name:        TypeWallet,
			Description: "由 ChainHost 生成并保管私钥的账户",
			New: func(mo plugin.ManagerOptions) (plugin.ResourcesManager, error) {
				if mo.Engine == nil {
					return nil, errors.New("wallet 需要访问插件引擎")
				}
				if mo.Logger == nil {
					mo.Logger = logger.Named("wallet")
				}
				return resources.New(mo, &adapter{opts: mo, chains: opts.Chains}), nil
			},
		}},
	}
}

type adapter struct {
	opts   plugin.ManagerOptions
	chains *provider.Registry
}

// networks 返回依赖插件的 network 资源控制器。
func (a *adapter) networks() (plugin.ResourceController, error) {
	mgr, err := a.opts.Engine.GetResourcesManager(network.Name, network.TypeNetwork)
	if err != nil {
		return nil, err
	}
	ctrl, ok := mgr.(plugin.ResourceController)
	if !ok {
		return nil, fmt.Errorf("%s 不支持资源查询", network.Name)
	}
	return ctrl, nil
}

func (a *adapter) Prepare(ctx context.Context, spec plugin.Resource) (plugin.Resource, error) {
	networkName, _ := spec["network"].(string)
	networkName = strings.TrimSpace(networkName)
	if networkName == "" {
		return nil, errors.New("wallet 必须指定 network")
	}
	ctrl, err := a.networks()
	if err != nil {
		return nil, err
	}
	net, err := ctrl.Get(ctx, networkName)
	if err != nil {
		return nil, err
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("生成密钥失败: %w", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	dir := filepath.Join(a.opts.DataPath, keysDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("创建密钥目录失败: %w", err)
	}
	path := filepath.Join(dir, address+".key")
	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, fmt.Errorf("保存密钥失败: %w", err)
	}

	spec["network"] = networkName
	spec["address"] = address
	spec["key_file"] = path
	if chainID, ok := net["chain_id"].(string); ok {
		spec["chain_id"] = chainID
	}
	if balance, ok := a.balance(ctx, networkName, net, address); ok {
		spec["balance"] = balance
	}
	return spec, nil
}

// balance 尽力查询余额，网络不可达时忽略。
func (a *adapter) balance(ctx context.Context, name string, net plugin.Resource, address string) (string, bool) {
	if a.chains == nil || net["status"] != "reachable" {
		return "", false
	}
	client, err := a.chains.Dial(ctx, name, network.Definition(net))
	if err != nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, balanceTimeout)
	defer cancel()
	balance, err := client.Balance(ctx, address)
	if err != nil {
		a.opts.Logger.Warn("查询余额失败", slog.String("wallet", address), slog.Any("error", err))
		return "", false
	}
	return balance, true
}

func (a *adapter) Release(_ context.Context, res plugin.Resource) error {
	path, _ := res["key_file"].(string)
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除密钥失败: %w", err)
	}
	return nil
}

// Restore 校验密钥文件仍然可读，缺失时只告警，不阻止启动。
func (a *adapter) Restore(_ context.Context, res plugin.Resource) error {
	if _, err := LoadKey(res); err != nil {
		a.opts.Logger.Warn("钱包密钥不可用", slog.String("wallet", res.Name()), slog.Any("error", err))
	}
	return nil
}

// LoadKey 读取钱包资源对应的私钥地址，用于校验密钥文件仍然可用。
func LoadKey(res plugin.Resource) (string, error) {
	path, _ := res["key_file"].(string)
	key, err := crypto.LoadECDSA(path)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}
