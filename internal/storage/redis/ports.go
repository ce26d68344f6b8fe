package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "ChainHost/internal/errors"
	"ChainHost/internal/ports"
	"ChainHost/pkg/plugin"
)

// Config 描述 Redis 端口分配器的连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	Min      int
	Max      int
}

// PortAllocator 在 Redis 中记录端口分配。
// <prefix>:assigned 哈希保存 key -> port，<prefix>:free 集合保存已释放的端口，
// <prefix>:next 计数器用于分配从未使用过的端口。
type PortAllocator struct {
	client   *redis.Client
	prefix   string
	min, max int
	owned    bool
}

// NewPortAllocator 创建连接并校验端口范围。
func NewPortAllocator(ctx context.Context, cfg Config) (*PortAllocator, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	a, err := NewPortAllocatorWithClient(client, cfg.Prefix, cfg.Min, cfg.Max)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a.owned = true
	return a, nil
}

// NewPortAllocatorWithClient 复用已有连接，Close 不会关闭该连接。
func NewPortAllocatorWithClient(client *redis.Client, prefix string, min, max int) (*PortAllocator, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("端口范围无效: %d-%d", min, max))
	}
	if prefix == "" {
		prefix = "chainhost:ports"
	}
	return &PortAllocator{client: client, prefix: prefix, min: min, max: max}, nil
}

func (a *PortAllocator) key(suffix string) string {
	return a.prefix + ":" + suffix
}

// Allocate 实现 plugin.PortAllocator，同一个 key 始终返回同一个端口。
func (a *PortAllocator) Allocate(ctx context.Context, key plugin.PortKey) (int, error) {
	field := fieldOf(key)
	if port, ok, err := a.lookup(ctx, field); err != nil || ok {
		return port, err
	}

	port, err := a.take(ctx)
	if err != nil {
		return 0, err
	}
	set, err := a.client.HSetNX(ctx, a.key("assigned"), field, port).Result()
	if err != nil {
		a.giveBack(ctx, port)
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入端口分配失败")
	}
	if !set {
		// 其他实例抢先为同一个 key 分配了端口。
		a.giveBack(ctx, port)
		existing, _, err := a.lookup(ctx, field)
		return existing, err
	}
	return port, nil
}

func (a *PortAllocator) lookup(ctx context.Context, field string) (int, bool, error) {
	raw, err := a.client.HGet(ctx, a.key("assigned"), field).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询端口分配失败")
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "端口记录损坏")
	}
	return port, true, nil
}

func (a *PortAllocator) take(ctx context.Context) (int, error) {
	raw, err := a.client.SPop(ctx, a.key("free")).Result()
	switch {
	case err == nil:
		port, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, xerrors.Wrap(xerrors.CodeStorageFailure, convErr, "端口记录损坏")
		}
		return port, nil
	case !errors.Is(err, redis.Nil):
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取空闲端口失败")
	}

	n, err := a.client.Incr(ctx, a.key("next")).Result()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "分配端口失败")
	}
	port := a.min + int(n) - 1
	if port > a.max {
		return 0, ports.Exhausted(a.min, a.max)
	}
	return port, nil
}

func (a *PortAllocator) giveBack(ctx context.Context, port int) {
	_ = a.client.SAdd(ctx, a.key("free"), port).Err()
}

// Release 实现 plugin.PortAllocator。Name 为空时释放该资源的全部端口。
func (a *PortAllocator) Release(ctx context.Context, key plugin.PortKey) error {
	if key.Name != "" {
		return a.release(ctx, fieldOf(key))
	}
	all, err := a.client.HGetAll(ctx, a.key("assigned")).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询端口分配失败")
	}
	for field := range all {
		if k, ok := parsePortKey(field); ok && ports.SameResource(k, key) {
			if err := a.release(ctx, field); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *PortAllocator) release(ctx context.Context, field string) error {
	port, ok, err := a.lookup(ctx, field)
	if err != nil || !ok {
		return err
	}
	removed, err := a.client.HDel(ctx, a.key("assigned"), field).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放端口失败")
	}
	// 范围外的端口只可能来自 Reserve，不回收到空闲集合。
	if removed > 0 && a.inRange(port) {
		if err := a.client.SAdd(ctx, a.key("free"), port).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回收端口失败")
		}
	}
	return nil
}

// Reserve 实现 plugin.PortAllocator，重启后把持久化的端口重新登记到 key 名下。
func (a *PortAllocator) Reserve(ctx context.Context, key plugin.PortKey, port int) error {
	field := fieldOf(key)
	held, ok, err := a.lookup(ctx, field)
	if err != nil {
		return err
	}
	if ok {
		if held == port {
			return nil
		}
		return ports.Held(held, key)
	}
	all, err := a.client.HGetAll(ctx, a.key("assigned")).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询端口分配失败")
	}
	want := strconv.Itoa(port)
	for other, raw := range all {
		if raw == want {
			holder, _ := parsePortKey(other)
			return ports.Held(port, holder)
		}
	}

	if a.inRange(port) {
		if err := a.client.SRem(ctx, a.key("free"), port).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新空闲端口失败")
		}
		if err := a.advance(ctx, port); err != nil {
			return err
		}
	}
	set, err := a.client.HSetNX(ctx, a.key("assigned"), field, port).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入端口分配失败")
	}
	if !set {
		existing, _, err := a.lookup(ctx, field)
		if err != nil {
			return err
		}
		if existing != port {
			return ports.Held(existing, key)
		}
	}
	return nil
}

// advance 把 next 计数器推进到 port 之后，被跳过的端口放入空闲集合。
func (a *PortAllocator) advance(ctx context.Context, port int) error {
	next, err := a.client.Get(ctx, a.key("next")).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取端口计数失败")
	}
	target := port - a.min + 1
	if target <= next {
		return nil
	}
	skipped := make([]any, 0, target-next-1)
	for p := a.min + next; p < port; p++ {
		skipped = append(skipped, p)
	}
	pipe := a.client.TxPipeline()
	if len(skipped) > 0 {
		pipe.SAdd(ctx, a.key("free"), skipped...)
	}
	pipe.Set(ctx, a.key("next"), target, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新端口计数失败")
	}
	return nil
}

func (a *PortAllocator) inRange(port int) bool {
	return port >= a.min && port <= a.max
}

// Debug 实现 plugin.PortAllocator。
func (a *PortAllocator) Debug() plugin.DescribeTable {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	portRange := fmt.Sprintf("%d-%d", a.min, a.max)
	all, err := a.client.HGetAll(ctx, a.key("assigned")).Result()
	if err != nil {
		return plugin.DescribeTable{{Key: "Range", Value: portRange}, {Key: "Error", Value: err.Error()}}
	}
	assigned := make(map[string]int, len(all))
	for field, raw := range all {
		k, ok := parsePortKey(field)
		port, convErr := strconv.Atoi(raw)
		if ok && convErr == nil {
			assigned[k.String()] = port
		}
	}
	free, _ := a.client.SCard(ctx, a.key("free")).Result()
	next, _ := a.client.Get(ctx, a.key("next")).Int()
	unused := a.max - a.min + 1 - next
	if unused < 0 {
		unused = 0
	}
	return ports.Describe(portRange, int(free)+unused, assigned)
}

// Close 在连接由分配器创建时关闭连接。
func (a *PortAllocator) Close() error {
	if a.owned {
		return a.client.Close()
	}
	return nil
}

// 插件名称本身包含 "/"，因此哈希字段使用 JSON 编码的 PortKey。
func fieldOf(key plugin.PortKey) string {
	raw, _ := json.Marshal(key)
	return string(raw)
}

func parsePortKey(field string) (plugin.PortKey, bool) {
	var key plugin.PortKey
	if err := json.Unmarshal([]byte(field), &key); err != nil {
		return plugin.PortKey{}, false
	}
	return key, true
}
