// Package config loads taskd configuration from the environment with
// fall-back defaults.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/opsforge/taskd/errors"
)

// Config represents the taskd runtime configuration.
type Config struct {
	// Simulated work is clamped between TaskMinTime and TaskMaxTime seconds
	TaskMinTime int `mapstructure:"TASK_MIN_TIME"`
	TaskMaxTime int `mapstructure:"TASK_MAX_TIME"`

	// Rate limiting: MaxRequestsPerIP requests per RateLimitPeriod seconds per client
	MaxRequestsPerIP int `mapstructure:"MAX_REQUESTS_PER_TIME_PER_IP"`
	RateLimitPeriod  int `mapstructure:"RATE_LIMIT_PERIOD"`

	// Worker pool and admission control
	Concurrency   int `mapstructure:"CONCURRENCY"`
	MaxTasksQueue int `mapstructure:"MAX_TASKS_QUEUE"`

	// Minimum age in seconds before a terminal task record is swept
	CleanupInterval int `mapstructure:"CLEANUP_INTERVAL"`

	// Cadence in seconds of the rate limiter's bucket sweeper
	RateLimitCleanupInterval int `mapstructure:"RATE_LIMIT_CLEANUP_INTERVAL"`

	// HTTP listen port
	Port int `mapstructure:"PORT"`

	// Emit JSON logs instead of console output
	LogJSON bool `mapstructure:"LOG_JSON"`
}

// setDefaults registers the fall-back values for every recognized option.
func setDefaults(v *viper.Viper) {
	v.SetDefault("TASK_MIN_TIME", 5)
	v.SetDefault("TASK_MAX_TIME", 30)

	// Rate limit to 10 requests/minute/IP
	v.SetDefault("MAX_REQUESTS_PER_TIME_PER_IP", 10)
	v.SetDefault("RATE_LIMIT_PERIOD", 60)

	// Concurrent tasks
	v.SetDefault("CONCURRENCY", 5)
	v.SetDefault("MAX_TASKS_QUEUE", 100)

	// Cleanup
	v.SetDefault("CLEANUP_INTERVAL", 600)
	v.SetDefault("RATE_LIMIT_CLEANUP_INTERVAL", 300)

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_JSON", false)
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	return LoadWithViper(newViper())
}

// LoadWithViper reads the configuration from a prepared viper instance.
// Exposed for tests.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewViper returns a viper instance with defaults set and environment
// binding enabled, without loading it into a Config.
func NewViper() *viper.Viper {
	return newViper()
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	return v
}

// Validate checks the configuration for values the core cannot run with.
func (c *Config) Validate() error {
	if c.MaxTasksQueue <= 0 {
		return errors.Newf("MAX_TASKS_QUEUE must be positive, got %d", c.MaxTasksQueue)
	}
	if c.Concurrency < 0 {
		return errors.Newf("CONCURRENCY must be non-negative, got %d", c.Concurrency)
	}
	if c.MaxRequestsPerIP <= 0 {
		return errors.Newf("MAX_REQUESTS_PER_TIME_PER_IP must be positive, got %d", c.MaxRequestsPerIP)
	}
	if c.RateLimitPeriod <= 0 {
		return errors.Newf("RATE_LIMIT_PERIOD must be positive, got %d", c.RateLimitPeriod)
	}
	if c.CleanupInterval < 0 {
		return errors.Newf("CLEANUP_INTERVAL must be non-negative, got %d", c.CleanupInterval)
	}
	if c.RateLimitCleanupInterval <= 0 {
		return errors.Newf("RATE_LIMIT_CLEANUP_INTERVAL must be positive, got %d", c.RateLimitCleanupInterval)
	}
	if c.TaskMinTime < 1 || c.TaskMaxTime < c.TaskMinTime {
		return errors.Newf("TASK_MIN_TIME/TASK_MAX_TIME must satisfy 1 <= min <= max, got %d/%d",
			c.TaskMinTime, c.TaskMaxTime)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Newf("PORT must be in [1, 65535], got %d", c.Port)
	}
	return nil
}

// RateLimitWindow returns the sliding window length as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitPeriod) * time.Second
}

// CleanupAfter returns the terminal-record grace period as a duration.
func (c *Config) CleanupAfter() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

// RateLimitCleanupEvery returns the bucket sweeper cadence as a duration.
func (c *Config) RateLimitCleanupEvery() time.Duration {
	return time.Duration(c.RateLimitCleanupInterval) * time.Second
}
