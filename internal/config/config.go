package config

import (
	"log/slog"
	"time"
)

// Config 汇总应用的全部配置。
type Config struct {
	HTTP         HTTPConfig         `mapstructure:"http"`
	Log          LogConfig          `mapstructure:"log"`
	DB           DBConfig           `mapstructure:"database"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
}

// HTTPConfig 定义 HTTP 服务配置。
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RateLimit is requests per minute per client IP; 0 disables the limit.
	RateLimit int `mapstructure:"rate_limit"`
}

// LogConfig 定义日志配置。
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	AddSource   bool   `mapstructure:"add_source"`
	Environment string `mapstructure:"environment"`
}

// DBConfig 定义数据库配置。
type DBConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// AuthConfig 定义认证配置。
type AuthConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	Issuer     string        `mapstructure:"issuer"`
	Audience   string        `mapstructure:"audience"`
	Leeway     time.Duration `mapstructure:"leeway"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`
}

// MetricsConfig 定义 Prometheus 指标配置。
type MetricsConfig struct {
	Enabled   bool      `mapstructure:"enabled"`
	Namespace string    `mapstructure:"namespace"`
	Subsystem string    `mapstructure:"subsystem"`
	Token     string    `mapstructure:"token"`
	Buckets   []float64 `mapstructure:"buckets"`
}

// AgentConfig 定义节点控制面（node agent）的访问参数。
type AgentConfig struct {
	Scheme        string        `mapstructure:"scheme"`
	ControlPort   int           `mapstructure:"control_port"`
	Token         string        `mapstructure:"token"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// CallBudget is the longest a single agent operation can take across all
// retry attempts.
func (c AgentConfig) CallBudget() time.Duration {
	attempts := max(c.RetryAttempts, 1)
	return c.Timeout*time.Duration(attempts) + c.RetryInterval*time.Duration(attempts-1)
}

// JobsConfig 定义后台任务的 cron 表达式。
type JobsConfig struct {
	Reconcile            string `mapstructure:"reconcile"`
	Expiry               string `mapstructure:"expiry"`
	Health               string `mapstructure:"health"`
	Cleanup              string `mapstructure:"cleanup"`
	ReconcileConcurrency int    `mapstructure:"reconcile_concurrency"`
	// Timeout bounds a single run of any job.
	Timeout time.Duration `mapstructure:"timeout"`
	// TrafficRetentionDays 流量明细保留天数，0 表示永久保留。
	TrafficRetentionDays int `mapstructure:"traffic_retention_days"`
}

// SubscriptionConfig 定义订阅内容输出参数。
type SubscriptionConfig struct {
	ProfileTitle        string `mapstructure:"profile_title"`
	UpdateIntervalHours int    `mapstructure:"update_interval_hours"`
	RateLimit           int    `mapstructure:"rate_limit"`
}

func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
