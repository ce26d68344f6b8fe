package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "CHAINHOST_CONFIG"

// DefaultConfigPath 是未设置环境变量时使用的配置文件。
const DefaultConfigPath = "configs/chainhost.json"

// Config 描述了 ChainHost 在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Runtime RuntimeConfig `json:"runtime"`
	Log     LogConfig     `json:"log"`
	Plugins PluginsConfig `json:"plugins"`
	Storage StorageConfig `json:"storage"`
	Ports   PortsConfig   `json:"ports"`
	Queue   QueueConfig   `json:"queue"`
	Web3    Web3Config    `json:"web3"`
	Alert   AlertConfig   `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string   `json:"address"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
	// Binary 为空时使用当前可执行文件路径。
	Binary   string `json:"binary"`
	FirstArg string `json:"first_arg"`
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制审计日志的滚动策略。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// PluginsConfig 描述插件管理器的配置来源。
type PluginsConfig struct {
	// ConfigFile 指向 YAML 格式的插件管理器配置，可为空。
	ConfigFile string `json:"config_file"`
	// Extra 列出启动时额外激活的插件。
	Extra []string `json:"extra"`
}

// StorageConfig 统一描述 MySQL 等后端的连接信息。
type StorageConfig struct {
	ReadyState  StoreConfig `json:"ready_state"`
	Activations StoreConfig `json:"activations"`
}

// StoreConfig 描述单个存储后端，driver 取值 file、memory 或 mysql。
type StoreConfig struct {
	Driver          string   `json:"driver"`
	DSN             string   `json:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
}

// PortsConfig 描述端口分配器，driver 取值 memory 或 redis。
type PortsConfig struct {
	Driver string      `json:"driver"`
	Min    int         `json:"min"`
	Max    int         `json:"max"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// QueueConfig 描述激活请求队列与事件队列，driver 取值 memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver          string         `json:"driver"`
	ActivationQueue string         `json:"activation_queue"`
	EventQueue      string         `json:"event_queue"`
	Redis           RedisConfig    `json:"redis"`
	RabbitMQ        RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 是 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// Web3Config 指向链定义文件。
type Web3Config struct {
	ChainConfig  string   `json:"chain_config"`
	ProbeTimeout Duration `json:"probe_timeout"`
}

// AlertConfig 配置告警渠道，日志渠道总是启用。
type AlertConfig struct {
	DingTalkWebhook string `json:"dingtalk_webhook"`
	SlackWebhook    string `json:"slack_webhook"`
	SlackChannel    string `json:"slack_channel"`
}

// Duration 支持在 JSON 中使用 "5s" 这样的字符串。
type Duration time.Duration

// UnmarshalJSON 同时接受字符串和纳秒整数。
func (d *Duration) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("解析时长 %q 失败: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("时长必须是字符串或整数: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON 输出字符串形式。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std 转换为 time.Duration。
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// PathFromEnv 返回环境变量指定的配置路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultConfigPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回以 baseDir 为根目录的默认配置。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, "data")

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled {
		c.Log.Audit.Path = resolvePath(baseDir, c.Log.Audit.Path, filepath.Join("logs", "audit.log"))
	}

	if c.Plugins.ConfigFile != "" {
		c.Plugins.ConfigFile = resolvePath(baseDir, c.Plugins.ConfigFile, "")
	}

	if c.Storage.ReadyState.Driver == "" {
		c.Storage.ReadyState.Driver = "file"
	}
	if c.Storage.Activations.Driver == "" {
		c.Storage.Activations.Driver = "memory"
	}

	if c.Ports.Driver == "" {
		c.Ports.Driver = "memory"
	}
	if c.Ports.Min <= 0 {
		c.Ports.Min = 30000
	}
	if c.Ports.Max <= 0 {
		c.Ports.Max = 30999
	}
	if c.Ports.Redis.Prefix == "" {
		c.Ports.Redis.Prefix = "chainhost:ports"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.ActivationQueue == "" {
		c.Queue.ActivationQueue = "chainhost.activations"
	}
	if c.Queue.EventQueue == "" {
		c.Queue.EventQueue = "chainhost.events"
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig, "")
	}
	if c.Web3.ProbeTimeout <= 0 {
		c.Web3.ProbeTimeout = Duration(5 * time.Second)
	}
}

// Validate 检查各个 driver 取值及其必填参数。
func (c *Config) Validate() error {
	switch c.Storage.ReadyState.Driver {
	case "file":
	case "mysql":
		if strings.TrimSpace(c.Storage.ReadyState.DSN) == "" {
			return errors.New("storage.ready_state.dsn 不能为空")
		}
	default:
		return fmt.Errorf("不支持的 ready_state driver: %s", c.Storage.ReadyState.Driver)
	}

	switch c.Storage.Activations.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.Activations.DSN) == "" {
			return errors.New("storage.activations.dsn 不能为空")
		}
	default:
		return fmt.Errorf("不支持的 activations driver: %s", c.Storage.Activations.Driver)
	}

	switch c.Ports.Driver {
	case "memory":
	case "redis":
		if c.Ports.Redis.Address == "" {
			return errors.New("ports.redis.address 不能为空")
		}
	default:
		return fmt.Errorf("不支持的 ports driver: %s", c.Ports.Driver)
	}
	if c.Ports.Min > c.Ports.Max {
		return fmt.Errorf("端口范围无效: %d-%d", c.Ports.Min, c.Ports.Max)
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return errors.New("queue.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("queue.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("不支持的 queue driver: %s", c.Queue.Driver)
	}
	if c.Alert.SlackWebhook != "" && c.Alert.SlackChannel == "" {
		return errors.New("alerting.slack_channel 不能为空")
	}
	return nil
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
