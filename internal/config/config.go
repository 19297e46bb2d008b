package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"AuctionMesh/pkg/logger"

	"github.com/spf13/viper"
)

// EnvPrefix 是覆盖配置项时使用的环境变量前缀，例如 AUCTIONMESH_SERVER_ADDRESS。
const EnvPrefix = "AUCTIONMESH"

// Config 描述了 AuctionMesh 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    logger.Config    `mapstructure:"logging"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Events     EventsConfig     `mapstructure:"events"`
	Decomposer DecomposerConfig `mapstructure:"decomposer"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Agents     AgentsConfig     `mapstructure:"agents"`
	Operator   OperatorConfig   `mapstructure:"operator"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// StorageConfig 统一描述任务存储与 Redis 的连接信息。
type StorageConfig struct {
	TaskStore TaskStoreConfig `mapstructure:"task_store"`
	Redis     RedisConfig     `mapstructure:"redis"`
}

// TaskStoreConfig 支持 memory、mysql 与 sqlite 三种驱动。
type TaskStoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig 描述 Redis 连接参数，队列、事件广播与取消广播共用。
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig 控制任务队列与处理器。
type QueueConfig struct {
	Driver      string         `mapstructure:"driver"`
	Buffer      int            `mapstructure:"buffer"`
	Workers     int            `mapstructure:"workers"`
	MaxAttempts int            `mapstructure:"max_attempts"`
	RedisKey    string         `mapstructure:"redis_key"`
	RabbitMQ    RabbitMQConfig `mapstructure:"rabbitmq"`
}

// RabbitMQConfig 描述 AMQP 连接。
type RabbitMQConfig struct {
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

// EventsConfig 控制状态事件与取消信号的广播。
type EventsConfig struct {
	RedisChannel  string `mapstructure:"redis_channel"`
	CancelChannel string `mapstructure:"cancel_channel"`
}

// DecomposerConfig 描述任务拆解引擎。
type DecomposerConfig struct {
	Provider  string             `mapstructure:"provider"`
	Timeout   time.Duration      `mapstructure:"timeout"`
	CacheSize int                `mapstructure:"cache_size"`
	CacheTTL  time.Duration      `mapstructure:"cache_ttl"`
	OpenAI    OpenAIConfig       `mapstructure:"openai"`
	Script    ScriptBridgeConfig `mapstructure:"script"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
}

// ScriptBridgeConfig 描述通过外部脚本完成拆解时所需的信息。
type ScriptBridgeConfig struct {
	Executable string `mapstructure:"executable"`
	ScriptPath string `mapstructure:"script_path"`
	WorkingDir string `mapstructure:"working_dir"`
}

// LedgerConfig 描述拍卖账本。
type LedgerConfig struct {
	ChainConfig         string        `mapstructure:"chain_config"`
	DefaultChain        string        `mapstructure:"default_chain"`
	RPCURL              string        `mapstructure:"rpc_url"`
	WSURL               string        `mapstructure:"ws_url"`
	AuctionContract     string        `mapstructure:"auction_contract"`
	ChainID             int64         `mapstructure:"chain_id"`
	PrivateKey          string        `mapstructure:"private_key"`
	GasLimit            uint64        `mapstructure:"gas_limit"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
	BidWindow           time.Duration `mapstructure:"bid_window"`
	AutoResolve         time.Duration `mapstructure:"auto_resolve"`
}

// AgentsConfig 描述执行智能体。
type AgentsConfig struct {
	RegistryFile string        `mapstructure:"registry_file"`
	Transport    string        `mapstructure:"transport"`
	Timeout      time.Duration `mapstructure:"timeout"`
	AMQPURL      string        `mapstructure:"amqp_url"`
}

// OperatorConfig 对应编排核心的调优参数。
type OperatorConfig struct {
	CreationWorkers      int           `mapstructure:"creation_workers"`
	CreationMaxAttempts  int           `mapstructure:"creation_max_attempts"`
	CreationBackoffBase  time.Duration `mapstructure:"creation_backoff_base"`
	CreationBackoffMax   time.Duration `mapstructure:"creation_backoff_max"`
	CreationTimeout      time.Duration `mapstructure:"creation_timeout"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	MaxWait              time.Duration `mapstructure:"max_wait"`
	ExecutionTimeout     time.Duration `mapstructure:"execution_timeout"`
	ExecutionConcurrency int           `mapstructure:"execution_concurrency"`
	ExecutionRetries     int           `mapstructure:"execution_retries"`
}

// TracingConfig 控制 OpenTelemetry 导出。
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// AlertingConfig 控制失败告警。
type AlertingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// Load 解析配置文件（JSON 或 YAML），并允许通过 AUCTIONMESH_* 环境变量覆盖。
// path 为空时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	baseDir := "."
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.resolvePaths(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 在用户未填写部分字段时设置合理的默认值。
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.audit.enabled", false)
	v.SetDefault("logging.audit.path", "")
	v.SetDefault("logging.audit.max_size_mb", 50)
	v.SetDefault("logging.audit.max_backups", 5)
	v.SetDefault("logging.audit.max_age_days", 30)
	v.SetDefault("logging.audit.compress", false)

	v.SetDefault("storage.task_store.driver", "memory")
	v.SetDefault("storage.task_store.dsn", "")
	v.SetDefault("storage.task_store.max_open_conns", 10)
	v.SetDefault("storage.task_store.max_idle_conns", 5)
	v.SetDefault("storage.task_store.conn_max_lifetime", "30m")
	v.SetDefault("storage.task_store.auto_migrate", true)
	v.SetDefault("storage.redis.address", "")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.buffer", 128)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.redis_key", "auctionmesh:tasks")
	v.SetDefault("queue.rabbitmq.url", "")
	v.SetDefault("queue.rabbitmq.queue", "auctionmesh.tasks")

	v.SetDefault("events.redis_channel", "")
	v.SetDefault("events.cancel_channel", "")

	v.SetDefault("decomposer.provider", "lines")
	v.SetDefault("decomposer.timeout", "60s")
	v.SetDefault("decomposer.cache_size", 256)
	v.SetDefault("decomposer.cache_ttl", "10m")
	v.SetDefault("decomposer.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("decomposer.openai.api_key", "")
	v.SetDefault("decomposer.openai.model", "gpt-4o-mini")
	v.SetDefault("decomposer.openai.temperature", 0.2)
	v.SetDefault("decomposer.script.executable", "python3")
	v.SetDefault("decomposer.script.script_path", "")
	v.SetDefault("decomposer.script.working_dir", "")

	v.SetDefault("ledger.chain_config", "")
	v.SetDefault("ledger.default_chain", "")
	v.SetDefault("ledger.rpc_url", "")
	v.SetDefault("ledger.ws_url", "")
	v.SetDefault("ledger.auction_contract", "")
	v.SetDefault("ledger.chain_id", 0)
	v.SetDefault("ledger.private_key", "")
	v.SetDefault("ledger.gas_limit", 0)
	v.SetDefault("ledger.receipt_poll_interval", "1s")
	v.SetDefault("ledger.bid_window", "10m")
	v.SetDefault("ledger.auto_resolve", "0s")

	v.SetDefault("agents.registry_file", "")
	v.SetDefault("agents.transport", "http")
	v.SetDefault("agents.timeout", "2m")
	v.SetDefault("agents.amqp_url", "")

	v.SetDefault("operator.creation_workers", 4)
	v.SetDefault("operator.creation_max_attempts", 3)
	v.SetDefault("operator.creation_backoff_base", "200ms")
	v.SetDefault("operator.creation_backoff_max", "5s")
	v.SetDefault("operator.creation_timeout", "1m")
	v.SetDefault("operator.poll_interval", "5s")
	v.SetDefault("operator.max_wait", "10m")
	v.SetDefault("operator.execution_timeout", "2m")
	v.SetDefault("operator.execution_concurrency", 4)
	v.SetDefault("operator.execution_retries", 1)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "auctionmesh")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.webhook_url", "")
	v.SetDefault("alerting.timeout", "5s")

	v.SetDefault("runtime.data_dir", "data")
}

// resolvePaths 把相对路径转换为相对配置文件目录的绝对路径。
func (c *Config) resolvePaths(baseDir string) {
	resolve := func(p *string) {
		if strings.TrimSpace(*p) == "" || filepath.IsAbs(*p) {
			return
		}
		*p = filepath.Join(baseDir, *p)
	}
	resolve(&c.Runtime.DataDir)
	resolve(&c.Ledger.ChainConfig)
	resolve(&c.Agents.RegistryFile)
	resolve(&c.Decomposer.Script.ScriptPath)
	if c.Decomposer.Script.WorkingDir == "" {
		c.Decomposer.Script.WorkingDir = baseDir
	} else {
		resolve(&c.Decomposer.Script.WorkingDir)
	}
	if c.Storage.TaskStore.Driver == "sqlite" && c.Storage.TaskStore.DSN == "" {
		c.Storage.TaskStore.DSN = filepath.Join(c.Runtime.DataDir, "auctionmesh.db")
	}
}

// Validate 检查相互依赖的配置项。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.TaskStore.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Storage.TaskStore.DSN == "" {
			errs = append(errs, errors.New("mysql 任务存储需要配置 storage.task_store.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的任务存储驱动 %q", c.Storage.TaskStore.Driver))
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Storage.Redis.Address == "" {
			errs = append(errs, errors.New("redis 队列需要配置 storage.redis.address"))
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("rabbitmq 队列需要配置 queue.rabbitmq.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的队列驱动 %q", c.Queue.Driver))
	}

	if (c.Events.RedisChannel != "" || c.Events.CancelChannel != "") && c.Storage.Redis.Address == "" {
		errs = append(errs, errors.New("事件广播需要配置 storage.redis.address"))
	}

	switch c.Agents.Transport {
	case "http":
	case "amqp":
		if c.Agents.AMQPURL == "" {
			errs = append(errs, errors.New("amqp 传输需要配置 agents.amqp_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的智能体传输 %q", c.Agents.Transport))
	}

	if c.Operator.MaxWait <= 0 {
		errs = append(errs, errors.New("operator.max_wait 必须大于 0"))
	}
	if c.Operator.PollInterval <= 0 {
		errs = append(errs, errors.New("operator.poll_interval 必须大于 0"))
	}
	if c.Operator.CreationTimeout <= 0 {
		errs = append(errs, errors.New("operator.creation_timeout 必须大于 0"))
	}
	return errors.Join(errs...)
}
