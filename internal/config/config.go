package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" validate:"required"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" validate:"required"`
	Retry     RetryConfig     `mapstructure:"retry"     validate:"required"`
	Pool      PoolConfig      `mapstructure:"pool"      validate:"required"`
	LLM       LLMConfig       `mapstructure:"llm"`
}

// ServerConfig contains all HTTP server related settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// SchedulerConfig contains worker pool and queue settings.
type SchedulerConfig struct {
	WorkerCount int `mapstructure:"worker_count" validate:"required,gt=0"`
	QueueSize   int `mapstructure:"queue_size"   validate:"required,gt=0"`
}

// RateLimitConfig contains the sliding-window admission settings.
type RateLimitConfig struct {
	WindowSeconds int `mapstructure:"window_seconds" validate:"required,gt=0"`
	Capacity      int `mapstructure:"capacity"       validate:"required,gt=0"`
}

// RetryConfig contains per-tier retry and backoff settings.
type RetryConfig struct {
	MaxRetries    int     `mapstructure:"max_retries"     validate:"required,gt=0"`
	BackoffBaseMs int     `mapstructure:"backoff_base_ms" validate:"required,gt=0"`
	BackoffGrowth float64 `mapstructure:"backoff_growth"  validate:"required,gt=1"`
	BackoffCapMs  int     `mapstructure:"backoff_cap_ms"  validate:"required,gt=0"`
}

// PoolConfig contains credential pool blacklist and backoff settings.
type PoolConfig struct {
	BlacklistCooldownSeconds int     `mapstructure:"blacklist_cooldown_seconds" validate:"required,gt=0"`
	BackoffThreshold         float64 `mapstructure:"backoff_threshold"          validate:"required,gt=0,lte=1"`
	GlobalBackoffMaxSeconds  int     `mapstructure:"global_backoff_max_seconds" validate:"required,gt=0"`
	PreferSuccessfulProb     float64 `mapstructure:"prefer_successful_prob"     validate:"gte=0,lte=1"`
	MaxWaitSeconds           int     `mapstructure:"max_wait_seconds"           validate:"required,gt=0"`
}

// LLMConfig contains provider credentials and model selection. APIKeys
// are the primary tier's credentials; FallbackAPIKeys, when set,
// configure a second tier.
type LLMConfig struct {
	APIKeys         []string `mapstructure:"api_keys"`
	FallbackAPIKeys []string `mapstructure:"fallback_api_keys"`
	HighModel       string   `mapstructure:"high_model"`
	LowModel        string   `mapstructure:"low_model"`
	FallbackModel   string   `mapstructure:"fallback_model"`
}
