package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ChainHost/internal/activation"
	"ChainHost/internal/api"
	"ChainHost/internal/config"
	"ChainHost/internal/observability/alerting"
	"ChainHost/internal/observability/metrics"
	"ChainHost/internal/plugins"
	"ChainHost/internal/ports"
	"ChainHost/internal/queue"
	mysqlstore "ChainHost/internal/storage/mysql"
	redisstore "ChainHost/internal/storage/redis"
	"ChainHost/internal/web3"
	"ChainHost/internal/web3/provider"
	"ChainHost/pkg/logger"
	"ChainHost/pkg/plugin"
)

// main 是 ChainHost 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("chainhostd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	appLog := logger.L()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	defs, err := web3.LoadChainDefinitions(cfg.Web3.ChainConfig)
	if err != nil {
		return err
	}
	chains := provider.NewRegistry(defs, provider.EVMFactory)
	defer chains.Close()

	resolver, err := plugins.NewRegistry(plugins.Deps{Chains: chains, ProbeTimeout: cfg.Web3.ProbeTimeout.Std()})
	if err != nil {
		return err
	}

	managerCfg := plugin.ManagerConfig{}
	if cfg.Plugins.ConfigFile != "" {
		if managerCfg, err = plugin.LoadManagerConfig(cfg.Plugins.ConfigFile); err != nil {
			return err
		}
	}

	allocator, closePorts, err := newPortAllocator(ctx, cfg.Ports)
	if err != nil {
		return err
	}
	defer closePorts()

	ready, readyDB, err := newReadyStore(ctx, cfg)
	if err != nil {
		return err
	}
	if readyDB != nil {
		defer readyDB.Close()
	}

	m := metrics.New()
	dispatcher := newDispatcher(cfg.Alert)
	alertOnFailure := alerting.FailureHandler(dispatcher)

	binary := plugin.Binary{Cmd: cfg.Runtime.Binary, FirstArg: cfg.Runtime.FirstArg}
	if binary.Cmd == "" {
		if exe, err := os.Executable(); err == nil {
			binary.Cmd = exe
		}
	}

	manager, err := plugin.NewManager(managerCfg,
		plugin.WithResolver(resolver),
		plugin.WithReadyStore(ready),
		plugin.WithDataDir(cfg.Runtime.DataDir),
		plugin.WithBinary(binary),
		plugin.WithPortAllocator(allocator),
		plugin.WithDefaultPlugins(append(plugins.DefaultPlugins(), cfg.Plugins.Extra...)...),
		plugin.WithFailureHandler(func(ctx context.Context, name string, err error) {
			m.FailureHandler(ctx, name, err)
			alertOnFailure(ctx, name, err)
		}),
		plugin.WithLogger(logger.Named("plugin")),
	)
	if err != nil {
		return err
	}
	defer manager.Close()
	if err := manager.Init(ctx); err != nil {
		return err
	}
	m.TrackPlugins(func() int { return len(manager.Plugins()) })

	store, err := newActivationStore(ctx, cfg.Storage.Activations, readyDB)
	if err != nil {
		return err
	}
	activationQueue, err := newQueue(ctx, cfg.Queue, cfg.Queue.ActivationQueue)
	if err != nil {
		_ = store.Close()
		return err
	}
	service := activation.NewService(store, activationQueue)
	defer service.Close()

	processor := activation.NewProcessor(manager, store, activationQueue,
		activation.WithProcessorLogger(logger.Named("activation")),
		activation.WithAlertDispatcher(dispatcher),
		activation.WithRecorder(m),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := processor.Start(groupCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, queue.ErrClosed) {
			return fmt.Errorf("激活处理器异常退出: %w", err)
		}
		return nil
	})

	if cfg.Queue.Driver != "memory" {
		events, err := newQueue(ctx, cfg.Queue, cfg.Queue.EventQueue)
		if err != nil {
			return err
		}
		defer events.Close()
		notifier := activation.NewNotifier(events, manager)
		group.Go(func() error {
			if err := notifier.Run(groupCtx, manager.PluginActivated()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("激活事件发布异常退出: %w", err)
			}
			return nil
		})
	} else {
		appLog.Info("内存队列模式下不发布插件激活事件")
	}

	server := api.NewServer(cfg.Server.Address, manager, service,
		api.WithMetrics(m),
		api.WithShutdownTimeout(cfg.Server.ShutdownTimeout.Std()),
	)
	group.Go(func() error {
		if err := server.Start(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	appLog.Info("chainhostd 已启动",
		slog.String("address", cfg.Server.Address),
		slog.Any("plugins", manager.Plugins()),
		slog.Any("chains", defs.Names()),
	)
	return group.Wait()
}

func newPortAllocator(ctx context.Context, cfg config.PortsConfig) (plugin.PortAllocator, func(), error) {
	switch cfg.Driver {
	case "redis":
		alloc, err := redisstore.NewPortAllocator(ctx, redisstore.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Min:      cfg.Min,
			Max:      cfg.Max,
		})
		if err != nil {
			return nil, nil, err
		}
		return alloc, func() { _ = alloc.Close() }, nil
	default:
		alloc, err := ports.NewMemory(cfg.Min, cfg.Max)
		if err != nil {
			return nil, nil, err
		}
		return alloc, func() {}, nil
	}
}

// newReadyStore 返回插件就绪状态存储；使用 MySQL 时同时返回其连接，供激活请求存储复用。
func newReadyStore(ctx context.Context, cfg *config.Config) (plugin.ReadyStore, *mysqlstore.ReadyStore, error) {
	switch cfg.Storage.ReadyState.Driver {
	case "mysql":
		store, err := mysqlstore.NewReadyStore(ctx, storageConfig(cfg.Storage.ReadyState))
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		store, err := plugin.NewFileReadyStore(filepath.Join(cfg.Runtime.DataDir, "ready"))
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	}
}

func newActivationStore(ctx context.Context, cfg config.StoreConfig, shared *mysqlstore.ReadyStore) (activation.Store, error) {
	switch cfg.Driver {
	case "mysql":
		if shared != nil {
			return activation.NewMySQLStoreWithDB(shared.DB()), nil
		}
		return activation.NewMySQLStore(ctx, storageConfig(cfg))
	default:
		return activation.NewMemoryStore(), nil
	}
}

func storageConfig(cfg config.StoreConfig) mysqlstore.Config {
	return mysqlstore.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
	}
}

func newQueue(ctx context.Context, cfg config.QueueConfig, name string) (queue.Queue, error) {
	switch cfg.Driver {
	case "redis":
		return queue.NewRedisQueue(ctx, queue.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     name,
			BlockWait: 5 * time.Second,
		})
	case "rabbitmq":
		return queue.NewRabbitMQQueue(queue.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    name,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return queue.NewMemoryQueue(1024), nil
	}
}

func newDispatcher(cfg config.AlertConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, alerting.NewDingTalkNotifier(cfg.DingTalkWebhook))
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, alerting.NewSlackNotifier(cfg.SlackWebhook, cfg.SlackChannel))
	}
	return alerting.NewFanout(notifiers...)
}
