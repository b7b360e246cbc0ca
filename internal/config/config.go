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

// 环境变量。
const (
	EnvConfigPath    = "DATASOV_CONFIG"
	EnvMySQLDSN      = "DATASOV_MYSQL_DSN"
	EnvRedisPassword = "DATASOV_REDIS_PASSWORD"
	EnvRabbitMQURL   = "DATASOV_RABBITMQ_URL"
	EnvSignerSeed    = "DATASOV_SIGNER_SEED"
	EnvAuthSecret    = "DATASOV_AUTH_SECRET"

	DefaultConfigPath = "configs/datasov.json"
)

// Config 描述桥接服务启动阶段需要加载的全部配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Ledgers LedgersConfig `json:"ledgers"`
	Bridge  BridgeConfig  `json:"bridge"`
	Storage StorageConfig `json:"storage"`
	Events  EventsConfig  `json:"events"`
	Metrics MetricsConfig `json:"metrics"`
	Runtime RuntimeConfig `json:"runtime"`
}

// ServerConfig 控制 HTTP API 的监听地址。
type ServerConfig struct {
	Address                string     `json:"address"`
	RequestTimeoutSeconds  int        `json:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int        `json:"shutdown_timeout_seconds"`
	Auth                   AuthConfig `json:"auth"`
}

// AuthConfig 控制运维接口的令牌认证，mode 为 disabled 或 jwt。
type AuthConfig struct {
	Mode            string           `json:"mode"`
	Secret          string           `json:"secret"`
	Issuer          string           `json:"issuer"`
	Audience        string           `json:"audience"`
	TokenTTLSeconds int              `json:"token_ttl_seconds"`
	Operators       []OperatorConfig `json:"operators"`
}

// OperatorConfig 描述一个运维账号，password_hash 为 bcrypt 哈希。
type OperatorConfig struct {
	Name         string   `json:"name"`
	PasswordHash string   `json:"password_hash"`
	Permissions  []string `json:"permissions"`
	Disabled     bool     `json:"disabled"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format"`
	Outputs []string    `json:"outputs"`
	Audit   AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// LedgersConfig 选择账本实现并控制适配器行为。
type LedgersConfig struct {
	// Driver 为 memory 或 rpc。
	Driver string `json:"driver"`
	// Registry 指向 ledgers.yaml。
	Registry          string `json:"registry"`
	Identity          string `json:"identity"`
	Marketplace       string `json:"marketplace"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
	MaxRetryAttempts  int    `json:"max_retry_attempts"`
	RetryIntervalMS   int    `json:"retry_interval_ms"`
	BatchSize         int    `json:"batch_size"`
	FeeBasisPoints    int    `json:"fee_basis_points"`
	SignerSeedPath    string `json:"signer_seed_path"`
	MinimumTradeLevel string `json:"minimum_trade_level"`
	// ServeAddress 非空时，memory 驱动的账本同时以 JSON-RPC 对外提供服务。
	ServeAddress string `json:"serve_address"`
}

// BridgeConfig 控制对账与校验。
type BridgeConfig struct {
	AutoSync                      *bool `json:"auto_sync"`
	SyncIntervalSeconds           int   `json:"sync_interval_seconds"`
	SyncConcurrency               int   `json:"sync_concurrency"`
	SyncLockTTLSeconds            int   `json:"sync_lock_ttl_seconds"`
	ValidationTimeoutSeconds      int   `json:"validation_timeout_seconds"`
	EventStreaming                bool  `json:"event_streaming"`
	ResubscribeMaxIntervalSeconds int   `json:"resubscribe_max_interval_seconds"`
}

// StorageConfig 统一描述文档库、撤销登记表与 Redis 的连接信息。
type StorageConfig struct {
	Documents   DocumentStoreConfig `json:"documents"`
	Revocations RevocationConfig    `json:"revocations"`
	Redis       RedisConfig         `json:"redis"`
}

// DocumentStoreConfig 支持 memory 与 mysql。
type DocumentStoreConfig struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// RevocationConfig 支持 memory 与 redis。
type RevocationConfig struct {
	Driver string `json:"driver"`
}

// RedisConfig 被撤销登记表、对账锁和 Redis 事件流共用。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// EventsConfig 选择事件流实现：none、memory、redis 或 rabbitmq。
type EventsConfig struct {
	Driver     string         `json:"driver"`
	BufferSize int            `json:"buffer_size"`
	Stream     string         `json:"stream"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  *bool  `json:"durable"`
}

// MetricsConfig 控制 Prometheus 端点。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// LoadFromEnv 读取 DATASOV_CONFIG 指向的配置文件，未设置时使用默认路径。
func LoadFromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigPath))
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(path)
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

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 用环境变量覆盖敏感配置，避免把凭据写进文件。
func (c *Config) applyEnv() {
	if dsn := os.Getenv(EnvMySQLDSN); dsn != "" {
		c.Storage.Documents.DSN = dsn
	}
	if password := os.Getenv(EnvRedisPassword); password != "" {
		c.Storage.Redis.Password = password
	}
	if url := os.Getenv(EnvRabbitMQURL); url != "" {
		c.Events.RabbitMQ.URL = url
	}
	if secret := os.Getenv(EnvAuthSecret); secret != "" {
		c.Server.Auth.Secret = secret
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		c.Server.RequestTimeoutSeconds = 60
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Server.Auth.Mode == "" {
		c.Server.Auth.Mode = "disabled"
	}
	if c.Server.Auth.TokenTTLSeconds <= 0 {
		c.Server.Auth.TokenTTLSeconds = 3600
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path, "logs/audit.log")
	}

	if c.Ledgers.Driver == "" {
		c.Ledgers.Driver = "memory"
	}
	if c.Ledgers.Driver == "rpc" {
		c.Ledgers.Registry = resolve(baseDir, c.Ledgers.Registry, "ledgers.yaml")
	}
	if c.Ledgers.Identity == "" {
		c.Ledgers.Identity = "identity"
	}
	if c.Ledgers.Marketplace == "" {
		c.Ledgers.Marketplace = "marketplace"
	}
	if c.Ledgers.TimeoutSeconds <= 0 {
		c.Ledgers.TimeoutSeconds = 30
	}
	if c.Ledgers.MaxRetryAttempts <= 0 {
		c.Ledgers.MaxRetryAttempts = 3
	}
	if c.Ledgers.RetryIntervalMS <= 0 {
		c.Ledgers.RetryIntervalMS = 500
	}
	if c.Ledgers.BatchSize <= 0 {
		c.Ledgers.BatchSize = 100
	}
	if c.Ledgers.FeeBasisPoints <= 0 {
		c.Ledgers.FeeBasisPoints = 250
	}
	if c.Ledgers.SignerSeedPath != "" {
		c.Ledgers.SignerSeedPath = resolve(baseDir, c.Ledgers.SignerSeedPath, "")
	}

	if c.Bridge.AutoSync == nil {
		enabled := true
		c.Bridge.AutoSync = &enabled
	}
	if c.Bridge.SyncIntervalSeconds <= 0 {
		c.Bridge.SyncIntervalSeconds = 300
	}
	if c.Bridge.SyncConcurrency <= 0 {
		c.Bridge.SyncConcurrency = 8
	}
	if c.Bridge.SyncLockTTLSeconds <= 0 {
		c.Bridge.SyncLockTTLSeconds = 600
	}
	if c.Bridge.ValidationTimeoutSeconds <= 0 {
		c.Bridge.ValidationTimeoutSeconds = 30
	}
	if c.Bridge.ResubscribeMaxIntervalSeconds <= 0 {
		c.Bridge.ResubscribeMaxIntervalSeconds = 30
	}

	if c.Storage.Documents.Driver == "" {
		c.Storage.Documents.Driver = "memory"
	}
	if c.Storage.Revocations.Driver == "" {
		c.Storage.Revocations.Driver = "memory"
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "datasov"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 1024
	}
	if c.Events.Stream == "" {
		c.Events.Stream = "datasov:events"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "datasov.events"
	}
	if c.Events.RabbitMQ.Durable == nil {
		durable := true
		c.Events.RabbitMQ.Durable = &durable
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查驱动组合是否受支持。
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 不支持 %q，可选值: %s", field, value, strings.Join(allowed, ", ")))
	}
	check("ledgers.driver", c.Ledgers.Driver, "memory", "rpc")
	check("storage.documents.driver", c.Storage.Documents.Driver, "memory", "mysql")
	check("storage.revocations.driver", c.Storage.Revocations.Driver, "memory", "redis")
	check("events.driver", c.Events.Driver, "none", "memory", "redis", "rabbitmq")
	check("server.auth.mode", c.Server.Auth.Mode, "disabled", "jwt")

	if c.Storage.Documents.Driver == "mysql" && strings.TrimSpace(c.Storage.Documents.DSN) == "" {
		errs = append(errs, errors.New("storage.documents.dsn 不能为空"))
	}
	needsRedis := c.Storage.Revocations.Driver == "redis" || c.Events.Driver == "redis"
	if needsRedis && strings.TrimSpace(c.Storage.Redis.Address) == "" {
		errs = append(errs, errors.New("storage.redis.address 不能为空"))
	}
	if c.Events.Driver == "rabbitmq" && strings.TrimSpace(c.Events.RabbitMQ.URL) == "" {
		errs = append(errs, errors.New("events.rabbitmq.url 不能为空"))
	}
	if c.Server.Auth.Mode == "jwt" {
		if len(c.Server.Auth.Secret) < 32 {
			errs = append(errs, fmt.Errorf("server.auth.secret 至少 32 字节，可通过 %s 提供", EnvAuthSecret))
		}
		if len(c.Server.Auth.Operators) == 0 {
			errs = append(errs, errors.New("server.auth.operators 不能为空"))
		}
	}
	if c.Ledgers.FeeBasisPoints > 10000 {
		errs = append(errs, errors.New("ledgers.fee_basis_points 不能超过 10000"))
	}
	return errors.Join(errs...)
}

// SyncInterval returns the reconciliation period.
func (c BridgeConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// SyncLockTTL returns the distributed lock lease.
func (c BridgeConfig) SyncLockTTL() time.Duration {
	return time.Duration(c.SyncLockTTLSeconds) * time.Second
}

// ValidationTimeout bounds one proof validation.
func (c BridgeConfig) ValidationTimeout() time.Duration {
	return time.Duration(c.ValidationTimeoutSeconds) * time.Second
}

// ResubscribeMaxInterval caps the wait between ledger stream resubscribe attempts.
func (c BridgeConfig) ResubscribeMaxInterval() time.Duration {
	return time.Duration(c.ResubscribeMaxIntervalSeconds) * time.Second
}

// SyncEnabled reports whether the periodic reconciliation starts with the bridge.
func (c BridgeConfig) SyncEnabled() bool {
	return c.AutoSync == nil || *c.AutoSync
}

// Timeout bounds a single ledger call.
func (c LedgersConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RetryInterval is the first connect backoff delay.
func (c LedgersConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMS) * time.Millisecond
}

// RequestTimeout bounds one HTTP request.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// TokenTTL is the lifetime of an operator token.
func (c AuthConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
