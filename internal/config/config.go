package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Cron      CronConfig
	Scheduled ScheduledConfig
	Listener  ListenerConfig
	Supervise SuperviseConfig `mapstructure:"supervise"`
	Provider  ProviderConfig
}

type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Name         string `mapstructure:"name"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type QueueConfig struct {
	MaxQueueSize  int           `mapstructure:"max_queue_size"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
	ProviderRate  float64       `mapstructure:"provider_rate"`
	ProviderBurst int           `mapstructure:"provider_burst"`
}

type CronConfig struct {
	WorkflowCacheTTL time.Duration `mapstructure:"workflow_cache_ttl"`
}

type ScheduledConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Parallelism  int           `mapstructure:"parallelism"`
	NearHorizon  time.Duration `mapstructure:"near_horizon"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
}

type ListenerConfig struct {
	EnterpriseID     string        `mapstructure:"enterprise_id"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
}

type SuperviseConfig struct {
	HealthInterval     time.Duration `mapstructure:"health_interval"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

type ProviderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	SMTP    SMTPConfig    `mapstructure:"smtp"`
}

// SMTPConfig enables the direct SMTP adapter for email-only workflows.
type SMTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("queue.max_queue_size", 1000)
	viper.SetDefault("queue.max_concurrent", 10)
	viper.SetDefault("queue.retry_attempts", 3)
	viper.SetDefault("queue.retry_delay", "1s")
	viper.SetDefault("scheduled.poll_interval", "60s")
	viper.SetDefault("scheduled.batch_size", 100)
	viper.SetDefault("supervise.checkpoint_interval", "24h")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// validate fails startup fast on missing mandatory credentials; every
// other knob has a workable default.
func (c *Config) validate() error {
	if c.Database.Host == "" || c.Database.Name == "" {
		return fmt.Errorf("database host and name are required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis url is required")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider base_url is required")
	}
	if c.Listener.EnterpriseID == "" {
		return fmt.Errorf("listener enterprise_id is required")
	}
	return nil
}
