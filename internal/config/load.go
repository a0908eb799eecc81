package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and, when
// present, a dispatch.yaml config file. Environment variables take
// precedence and use the DISPATCH_ prefix with underscores for nesting
// (e.g. DISPATCH_SCHEDULER_WORKER_COUNT).
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("dispatch")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dispatch")

	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults cover
		// everything. Any other read error is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults documents every knob's default in one place.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("scheduler.worker_count", 4)
	v.SetDefault("scheduler.queue_size", 100)

	v.SetDefault("ratelimit.window_seconds", 60)
	v.SetDefault("ratelimit.capacity", 10)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.backoff_base_ms", 1000)
	v.SetDefault("retry.backoff_growth", 2.0)
	v.SetDefault("retry.backoff_cap_ms", 30000)

	v.SetDefault("pool.blacklist_cooldown_seconds", 180)
	v.SetDefault("pool.backoff_threshold", 0.25)
	v.SetDefault("pool.global_backoff_max_seconds", 60)
	v.SetDefault("pool.prefer_successful_prob", 0.75)
	v.SetDefault("pool.max_wait_seconds", 30)

	// Defaults for the key lists make the keys visible to viper so
	// env-only deployments can set them without a config file.
	v.SetDefault("llm.api_keys", []string{})
	v.SetDefault("llm.fallback_api_keys", []string{})
	v.SetDefault("llm.high_model", "gemini-1.5-pro")
	v.SetDefault("llm.low_model", "gemini-1.5-flash")
	v.SetDefault("llm.fallback_model", "gemini-1.0-pro")
}
