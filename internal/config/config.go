package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Config 全局配置结构
// 由 cmd 层加载后显式注入各组件，不保存为包级变量
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
}

type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	Mode   string `mapstructure:"mode"`
	NodeID int64  `mapstructure:"node_id"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// PlanCacheTTL 套餐目录缓存时间
	PlanCacheTTL time.Duration `mapstructure:"plan_cache_ttl"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	OrderActivated string `mapstructure:"order_activated"`
	CodeRedeemed   string `mapstructure:"code_redeemed"`
	RenewalDue     string `mapstructure:"renewal_due"`
}

type BusinessConfig struct {
	OrderTimeoutMinutes int `mapstructure:"order_timeout_minutes"`
	MaxRetryCount       int `mapstructure:"max_retry_count"`
}

type LedgerConfig struct {
	Timezone            string `mapstructure:"timezone"`
	MaxCASRetries       int    `mapstructure:"max_cas_retries"`
	WelcomeCredits      int64  `mapstructure:"welcome_credits"`
	FreeDailyCredits    int64  `mapstructure:"free_daily_credits"`
	HistoryDefaultLimit int    `mapstructure:"history_default_limit"`
	HistoryMaxLimit     int    `mapstructure:"history_max_limit"`
}

type JobsConfig struct {
	OutboxInterval       time.Duration `mapstructure:"outbox_interval"`
	OrderTimeoutInterval time.Duration `mapstructure:"order_timeout_interval"`
	ExpirySweepInterval  time.Duration `mapstructure:"expiry_sweep_interval"`
	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval"`
	ReconcileLookback    time.Duration `mapstructure:"reconcile_lookback"`
	ReconcileGrace       time.Duration `mapstructure:"reconcile_grace"`
	LockTTL              time.Duration `mapstructure:"lock_ttl"`
	BatchSize            int           `mapstructure:"batch_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.node_id", 1)

	v.SetDefault("log.level", "info")

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.plan_cache_ttl", 5*time.Minute)

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic.order_activated", "order.activated")
	v.SetDefault("kafka.topic.code_redeemed", "code.redeemed")
	v.SetDefault("kafka.topic.renewal_due", "subscription.renewal_due")

	v.SetDefault("business.order_timeout_minutes", 15)
	v.SetDefault("business.max_retry_count", 5)

	v.SetDefault("ledger.timezone", "Asia/Shanghai")
	v.SetDefault("ledger.max_cas_retries", 5)
	v.SetDefault("ledger.welcome_credits", 1000)
	v.SetDefault("ledger.free_daily_credits", 1000)
	v.SetDefault("ledger.history_default_limit", 50)
	v.SetDefault("ledger.history_max_limit", 200)

	v.SetDefault("jobs.outbox_interval", time.Second)
	v.SetDefault("jobs.order_timeout_interval", 10*time.Second)
	v.SetDefault("jobs.expiry_sweep_interval", 10*time.Minute)
	v.SetDefault("jobs.reconcile_interval", 5*time.Minute)
	v.SetDefault("jobs.reconcile_lookback", 24*time.Hour)
	v.SetDefault("jobs.reconcile_grace", time.Minute)
	v.SetDefault("jobs.lock_ttl", time.Minute)
	v.SetDefault("jobs.batch_size", 100)
}

// LoadConfig 加载配置文件，环境变量 LEDGER_* 优先
// configPath 为空时只使用默认值和环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Ledger.Timezone); err != nil {
		return fmt.Errorf("ledger.timezone 无效: %w", err)
	}
	if c.Ledger.MaxCASRetries <= 0 {
		return fmt.Errorf("ledger.max_cas_retries 必须大于 0")
	}
	if c.Ledger.HistoryDefaultLimit <= 0 || c.Ledger.HistoryMaxLimit < c.Ledger.HistoryDefaultLimit {
		return fmt.Errorf("ledger.history_* 配置不合法")
	}
	if c.Business.OrderTimeoutMinutes <= 0 {
		return fmt.Errorf("business.order_timeout_minutes 必须大于 0")
	}
	return nil
}

// Location 每日重置所用的参考时区
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Ledger.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DSN 时间统一按 UTC 读写
func (c *MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}
