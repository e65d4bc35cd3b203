package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"AgentForge/internal/agentruntime"
	"AgentForge/internal/token"
	"AgentForge/pkg/logger"
)

// EnvPrefix 是环境变量覆盖的前缀。
const EnvPrefix = "AGENTFORGE_"

// Config 描述了 AgentForge 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig         `koanf:"server"`
	Log       logger.Config        `koanf:"log"`
	Auth      AuthConfig           `koanf:"auth"`
	Identity  IdentityConfig       `koanf:"identity"`
	Runtime   RuntimeConfig        `koanf:"runtime"`
	Metadata  token.MetadataConfig `koanf:"metadata"`
	Trading   token.TradingConfig  `koanf:"trading"`
	Token     TokenConfig          `koanf:"token"`
	Solana    SolanaConfig         `koanf:"solana"`
	Storage   StorageConfig        `koanf:"storage"`
	KeyVault  KeyVaultConfig       `koanf:"keyvault"`
	Reconcile ReconcileConfig      `koanf:"reconcile"`
	Alerting  AlertingConfig       `koanf:"alerting"`
	Metrics   MetricsConfig        `koanf:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address           string        `koanf:"address"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	// DeployRate 是每个客户端 IP 每秒允许的部署请求数。
	DeployRate  float64 `koanf:"deploy_rate"`
	DeployBurst int     `koanf:"deploy_burst"`
}

// AuthConfig 描述 JWT 校验所需的 JWKS 信息。
type AuthConfig struct {
	EnvironmentID string        `koanf:"environment_id"`
	JWKSURL       string        `koanf:"jwks_url"`
	JWKSTTL       time.Duration `koanf:"jwks_ttl"`
}

// IdentityConfig 选择钱包密钥算法。
type IdentityConfig struct {
	Scheme string `koanf:"scheme"`
}

// RuntimeConfig 描述 agent runtime 以及就绪检查与分发参数。
type RuntimeConfig struct {
	agentruntime.Config `koanf:",squash"`
	WaitForReady        bool          `koanf:"wait_for_ready"`
	ReadyAttempts       int           `koanf:"ready_attempts"`
	ReadyInterval       time.Duration `koanf:"ready_interval"`
	DispatchConcurrency int           `koanf:"dispatch_concurrency"`
	TemplatesPath       string        `koanf:"templates_path"`
	// APIToken 是 runtime 拉取 character 配置时携带的 bearer token，为空时不开放该接口。
	APIToken string `koanf:"api_token"`
}

// TokenConfig 控制部署流水线。
type TokenConfig struct {
	MintPolicy     string        `koanf:"mint_policy"`
	MaxAttempts    int           `koanf:"max_attempts"`
	Backoff        time.Duration `koanf:"backoff"`
	IdempotencyTTL time.Duration `koanf:"idempotency_ttl"`
}

// SolanaConfig 描述签名确认使用的集群。RPCURL 与 ClusterConfig 均为空时不做确认。
type SolanaConfig struct {
	RPCURL         string        `koanf:"rpc_url"`
	ClusterConfig  string        `koanf:"cluster_config"`
	DefaultCluster string        `koanf:"default_cluster"`
	Commitment     string        `koanf:"commitment"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	MaxPolls       int           `koanf:"max_polls"`
}

// StorageConfig 统一描述 MySQL、PostgreSQL、Redis 等后端的连接信息。
type StorageConfig struct {
	Driver          string        `koanf:"driver"`
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	Idempotency     string        `koanf:"idempotency"`
	Redis           RedisConfig   `koanf:"redis"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address   string `koanf:"address"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

// KeyVaultConfig 描述私钥保管。
type KeyVaultConfig struct {
	MasterKey string `koanf:"master_key"`
	Backend   string `koanf:"backend"`
}

// ReconcileConfig 描述部分失败补偿队列。
type ReconcileConfig struct {
	Queue       string         `koanf:"queue"`
	Workers     int            `koanf:"workers"`
	MaxAttempts int            `koanf:"max_attempts"`
	Redis       RedisQueue     `koanf:"redis"`
	RabbitMQ    RabbitMQConfig `koanf:"rabbitmq"`
}

// RedisQueue 描述 Redis 队列名称与阻塞等待时间。
type RedisQueue struct {
	Name      string        `koanf:"name"`
	BlockWait time.Duration `koanf:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `koanf:"url"`
	Queue    string `koanf:"queue"`
	Prefetch int    `koanf:"prefetch"`
	Durable  bool   `koanf:"durable"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	SlackWebhook string `koanf:"slack_webhook"`
	SlackToken   string `koanf:"slack_token"`
	SlackChannel string `koanf:"slack_channel"`
}

// MetricsConfig 配置独立的指标监听地址，为空时仅挂载在 API 路由上。
type MetricsConfig struct {
	Address string `koanf:"address"`
}

var defaults = map[string]any{
	"server.address":             ":8080",
	"server.read_header_timeout": 10 * time.Second,
	"server.shutdown_timeout":    15 * time.Second,
	"server.cors_origins":        []string{"*"},
	"server.deploy_rate":         1.0,
	"server.deploy_burst":        5,

	"log.level":              "info",
	"log.format":             "json",
	"log.output_paths":       []string{"stdout"},
	"log.audit.enabled":      false,
	"log.audit.path":         "",
	"log.audit.max_size_mb":  100,
	"log.audit.max_backups":  7,
	"log.audit.max_age_days": 30,

	"auth.environment_id": "",
	"auth.jwks_url":       "",
	"auth.jwks_ttl":       10 * time.Minute,

	"identity.scheme": "solana",

	"runtime.base_url":             "http://localhost:3000",
	"runtime.probe_path":           "/agents/{agentId}",
	"runtime.api_token":            "",
	"runtime.timeout":              30 * time.Second,
	"runtime.breaker.max_failures": 5,
	"runtime.breaker.timeout":      30 * time.Second,
	"runtime.breaker.interval":     60 * time.Second,
	"runtime.wait_for_ready":       true,
	"runtime.ready_attempts":       5,
	"runtime.ready_interval":       5 * time.Second,
	"runtime.dispatch_concurrency": 8,
	"runtime.templates_path":       "",

	"metadata.endpoint":             token.DefaultMetadataEndpoint,
	"metadata.timeout":              30 * time.Second,
	"metadata.breaker.max_failures": 5,
	"metadata.breaker.timeout":      30 * time.Second,
	"metadata.breaker.interval":     60 * time.Second,

	"trading.endpoint":             token.DefaultTradingEndpoint,
	"trading.api_key":              "",
	"trading.timeout":              30 * time.Second,
	"trading.breaker.max_failures": 5,
	"trading.breaker.timeout":      30 * time.Second,
	"trading.breaker.interval":     60 * time.Second,

	"token.mint_policy":     string(token.MintPerRequest),
	"token.max_attempts":    3,
	"token.backoff":         1500 * time.Millisecond,
	"token.idempotency_ttl": token.DefaultIdempotencyTTL,

	"solana.rpc_url":         "",
	"solana.cluster_config":  "",
	"solana.default_cluster": "",
	"solana.commitment":      "confirmed",
	"solana.poll_interval":   2 * time.Second,
	"solana.max_polls":       5,

	"storage.driver":            "memory",
	"storage.dsn":               "",
	"storage.max_open_conns":    10,
	"storage.max_idle_conns":    5,
	"storage.conn_max_lifetime": 30 * time.Minute,
	"storage.idempotency":       "memory",
	"storage.redis.address":     "",
	"storage.redis.password":    "",
	"storage.redis.db":          0,
	"storage.redis.key_prefix":  "agentforge:",

	"keyvault.master_key": "",
	"keyvault.backend":    "memory",

	"reconcile.queue":             "memory",
	"reconcile.workers":           1,
	"reconcile.max_attempts":      5,
	"reconcile.redis.name":        "agentforge:reconcile",
	"reconcile.redis.block_wait":  5 * time.Second,
	"reconcile.rabbitmq.url":      "",
	"reconcile.rabbitmq.queue":    "agentforge.reconcile",
	"reconcile.rabbitmq.prefetch": 8,
	"reconcile.rabbitmq.durable":  true,

	"alerting.slack_webhook": "",
	"alerting.slack_token":   "",
	"alerting.slack_channel": "",

	"metrics.address": "",
}

// Load 依次加载默认值、YAML 文件与环境变量。path 为空时跳过文件。
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("设置默认配置 %s 失败: %w", key, err)
		}
	}

	if strings.TrimSpace(path) != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("加载配置文件失败: %w", err)
		}
	}

	// AGENTFORGE_TRADING_API_KEY -> trading.api_key
	known := make(map[string]string, len(defaults))
	for key := range defaults {
		known[strings.ReplaceAll(key, ".", "_")] = key
	}
	// 默认值为列表的键按逗号拆分，例如 AGENTFORGE_SERVER_CORS_ORIGINS=a,b。
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", func(s, value string) (string, interface{}) {
		name := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		key, ok := known[name]
		if !ok {
			key = strings.ReplaceAll(name, "_", ".")
		}
		if _, isList := defaults[key].([]string); isList {
			return key, splitList(value)
		}
		return key, value
	}), nil); err != nil {
		return nil, fmt.Errorf("加载环境变量失败: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate 检查取值范围。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver 不支持 %q", c.Storage.Driver))
	}
	if c.Storage.Driver != "memory" && strings.TrimSpace(c.Storage.DSN) == "" {
		errs = append(errs, errors.New("storage.dsn 不能为空"))
	}
	switch c.Storage.Idempotency {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("storage.idempotency 不支持 %q", c.Storage.Idempotency))
	}
	switch c.KeyVault.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("keyvault.backend 不支持 %q", c.KeyVault.Backend))
	}
	if (c.Storage.Idempotency == "redis" || c.KeyVault.Backend == "redis" || c.Reconcile.Queue == "redis") &&
		strings.TrimSpace(c.Storage.Redis.Address) == "" {
		errs = append(errs, errors.New("storage.redis.address 不能为空"))
	}
	switch c.Reconcile.Queue {
	case "memory", "redis":
	case "rabbitmq":
		if strings.TrimSpace(c.Reconcile.RabbitMQ.URL) == "" {
			errs = append(errs, errors.New("reconcile.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("reconcile.queue 不支持 %q", c.Reconcile.Queue))
	}
	switch token.MintPolicy(c.Token.MintPolicy) {
	case token.MintPerRequest, token.MintPerAttempt:
	default:
		errs = append(errs, fmt.Errorf("token.mint_policy 不支持 %q", c.Token.MintPolicy))
	}
	if c.Token.MaxAttempts < 1 {
		errs = append(errs, errors.New("token.max_attempts 至少为 1"))
	}
	return errors.Join(errs...)
}

// JWKSEndpoint 返回 JWKS 地址，未显式配置时由 environment_id 推导。
func (a AuthConfig) JWKSEndpoint() string {
	if url := strings.TrimSpace(a.JWKSURL); url != "" {
		return url
	}
	if strings.TrimSpace(a.EnvironmentID) == "" {
		return ""
	}
	return "https://app.dynamic.xyz/api/v0/sdk/" + a.EnvironmentID + "/.well-known/jwks"
}
