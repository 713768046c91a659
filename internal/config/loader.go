package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads config.yaml (optional), NODEBOARD_* environment variables and defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/nodeboard/")

	v.SetEnvPrefix("NODEBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows about; nested keys
	// without defaults need an explicit binding.
	if err := v.BindEnv("agent.token", "NODEBOARD_AGENT_TOKEN"); err != nil {
		return nil, fmt.Errorf("bind env agent.token: %w", err)
	}
	if err := v.BindEnv("metrics.token", "NODEBOARD_METRICS_TOKEN"); err != nil {
		return nil, fmt.Errorf("bind env metrics.token: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	if c.Agent.ControlPort < 1 || c.Agent.ControlPort > 65535 {
		return fmt.Errorf("agent.control_port must be between 1 and 65535 / 控制端口非法: %d", c.Agent.ControlPort)
	}
	if c.Agent.RetryAttempts < 1 {
		return fmt.Errorf("agent.retry_attempts must be positive / 重试次数必须为正数")
	}
	if c.Agent.Timeout <= 0 {
		return fmt.Errorf("agent.timeout must be positive / 超时时间必须为正数")
	}
	if c.Jobs.Timeout <= 0 {
		return fmt.Errorf("jobs.timeout must be positive / 任务超时时间必须为正数")
	}
	if c.Jobs.Timeout < c.Agent.CallBudget() {
		return fmt.Errorf("jobs.timeout %s is shorter than one agent call (%s) / 任务超时短于单次节点调用", c.Jobs.Timeout, c.Agent.CallBudget())
	}
	if strings.TrimSpace(c.DB.Path) == "" {
		return fmt.Errorf("database.path is required / 数据库路径不能为空")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("http.shutdown_timeout", "15s")
	v.SetDefault("http.rate_limit", 300)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.environment", "production")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/nodeboard.db")

	v.SetDefault("auth.signing_key", "change-me")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.issuer", "nodeboard")
	v.SetDefault("auth.audience", "nodeboard-client")
	v.SetDefault("auth.leeway", "30s")
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "nodeboard")
	v.SetDefault("metrics.subsystem", "http")

	v.SetDefault("agent.scheme", "http")
	v.SetDefault("agent.control_port", 2053)
	v.SetDefault("agent.timeout", "10s")
	v.SetDefault("agent.retry_attempts", 3)
	v.SetDefault("agent.retry_interval", "1s")

	v.SetDefault("jobs.reconcile", "@every 5m")
	v.SetDefault("jobs.expiry", "@every 10m")
	v.SetDefault("jobs.health", "@every 1h")
	v.SetDefault("jobs.cleanup", "0 30 3 * * *")
	v.SetDefault("jobs.reconcile_concurrency", 8)
	v.SetDefault("jobs.timeout", "15m")
	v.SetDefault("jobs.traffic_retention_days", 90)

	v.SetDefault("subscription.profile_title", "NodeBoard")
	v.SetDefault("subscription.update_interval_hours", 24)
	v.SetDefault("subscription.rate_limit", 60)
}
