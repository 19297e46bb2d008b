package operator

import "time"

const (
	DefaultCreationWorkers      = 4
	DefaultCreationMaxAttempts  = 3
	DefaultCreationBackoffBase  = 200 * time.Millisecond
	DefaultCreationBackoffMax   = 5 * time.Second
	DefaultCreationTimeout      = time.Minute
	DefaultPollInterval         = 5 * time.Second
	DefaultMaxWait              = 10 * time.Minute
	DefaultExecutionTimeout     = 2 * time.Minute
	DefaultExecutionConcurrency = 4
	DefaultExecutionRetries     = 1
)

// Config 汇总编排核心的全部调优参数，在构造时显式传入。
type Config struct {
	CreationWorkers      int
	CreationMaxAttempts  int
	CreationBackoffBase  time.Duration
	CreationBackoffMax   time.Duration
	// CreationTimeout 限制单次 CreateAuction 调用（含等待交易确认）。
	CreationTimeout      time.Duration
	PollInterval         time.Duration
	MaxWait              time.Duration
	ExecutionTimeout     time.Duration
	ExecutionConcurrency int
	ExecutionRetries     int
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.CreationWorkers <= 0 {
		c.CreationWorkers = DefaultCreationWorkers
	}
	if c.CreationMaxAttempts <= 0 {
		c.CreationMaxAttempts = DefaultCreationMaxAttempts
	}
	if c.CreationBackoffBase <= 0 {
		c.CreationBackoffBase = DefaultCreationBackoffBase
	}
	if c.CreationBackoffMax <= 0 {
		c.CreationBackoffMax = DefaultCreationBackoffMax
	}
	if c.CreationTimeout <= 0 {
		c.CreationTimeout = DefaultCreationTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxWait <= 0 {
		c.MaxWait = DefaultMaxWait
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = DefaultExecutionTimeout
	}
	if c.ExecutionConcurrency <= 0 {
		c.ExecutionConcurrency = DefaultExecutionConcurrency
	}
	if c.ExecutionRetries < 0 {
		c.ExecutionRetries = 0
	}
	return c
}
