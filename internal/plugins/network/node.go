package network

import (
	"context"
	"fmt"
	"path/filepath"

	"ChainHost/internal/resources"
	"ChainHost/pkg/plugin"
)

// 每个节点分配的端口名称。
var nodePorts = []string{"rpc", "p2p"}

func newNodeManager(mo plugin.ManagerOptions) (plugin.ResourcesManager, error) {
	if mo.Ports == nil {
		return nil, fmt.Errorf("node 资源需要端口分配器")
	}
	return resources.New(mo, &nodeAdapter{opts: mo}), nil
}

// nodeAdapter 为节点分配端口并生成启动命令，节点进程本身不由 ChainHost 启动。
type nodeAdapter struct {
	opts plugin.ManagerOptions
}

func (a *nodeAdapter) key(resource, name string) plugin.PortKey {
	return plugin.PortKey{Plugin: a.opts.Plugin, ResourceType: a.opts.ResourceType, Resource: resource, Name: name}
}

func (a *nodeAdapter) Prepare(ctx context.Context, spec plugin.Resource) (plugin.Resource, error) {
	name := spec.Name()
	allocated := make(map[string]int, len(nodePorts))
	for _, port := range nodePorts {
		n, err := a.opts.Ports.Allocate(ctx, a.key(name, port))
		if err != nil {
			_ = a.opts.Ports.Release(ctx, a.key(name, ""))
			return nil, fmt.Errorf("为节点 %s 分配 %s 端口失败: %w", name, port, err)
		}
		allocated[port] = n
	}
	spec["rpc_port"] = allocated["rpc"]
	spec["p2p_port"] = allocated["p2p"]
	spec["rpc_url"] = fmt.Sprintf("http://127.0.0.1:%d", allocated["rpc"])
	spec["data_dir"] = filepath.Join(a.opts.DataPath, "nodes", name)
	spec["command"] = a.opts.Binary.Args("node",
		"--name", name,
		"--rpc-port", fmt.Sprint(allocated["rpc"]),
		"--p2p-port", fmt.Sprint(allocated["p2p"]),
	)
	return spec, nil
}

func (a *nodeAdapter) Release(ctx context.Context, res plugin.Resource) error {
	return a.opts.Ports.Release(ctx, a.key(res.Name(), ""))
}

// Restore 在重启后按持久化记录重新占用节点端口，避免新节点拿到相同端口。
func (a *nodeAdapter) Restore(ctx context.Context, res plugin.Resource) error {
	name := res.Name()
	for _, port := range nodePorts {
		n, ok := portNumber(res[port+"_port"])
		if !ok {
			_ = a.opts.Ports.Release(ctx, a.key(name, ""))
			return fmt.Errorf("节点 %s 缺少 %s 端口记录", name, port)
		}
		if err := a.opts.Ports.Reserve(ctx, a.key(name, port), n); err != nil {
			_ = a.opts.Ports.Release(ctx, a.key(name, ""))
			return fmt.Errorf("恢复节点 %s 的 %s 端口失败: %w", name, port, err)
		}
	}
	return nil
}

// 从 JSON 读回的端口是 float64。
func portNumber(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, n > 0
	case float64:
		return int(n), n > 0 && n == float64(int(n))
	}
	return 0, false
}
