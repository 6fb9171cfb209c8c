package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，如 PB_DATABASE_HOST 覆盖 database.host
const EnvPrefix = "PB"

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Tariff   TariffConfig   `mapstructure:"tariff"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
}

type ServerConfig struct {
	Port   int   `mapstructure:"port"`
	NodeID int64 `mapstructure:"node_id"` // 流水号的雪花节点 ID，多实例部署时必须不同
}

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	DSN          string `mapstructure:"dsn"` // 非空时直接使用（sqlite 为文件路径）
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogSQL       bool   `mapstructure:"log_sql"`
}

// RedisConfig Addrs 非空时优先使用（哨兵或集群），否则连接 host:port
type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Addrs       []string      `mapstructure:"addrs"`
	MasterName  string        `mapstructure:"master_name"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvents string `mapstructure:"ledger_events"`
}

type LedgerConfig struct {
	// OutboxEnabled 为 true 时每条流水在同一事务里写一条 outbox 消息
	OutboxEnabled bool `mapstructure:"outbox_enabled"`
	// OperationTimeout 单次账本/计数事务的超时，超时视为 ConcurrencyTimeout
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

type QuotaConfig struct {
	Timezone       string   `mapstructure:"timezone"`
	UnlimitedRoles []string `mapstructure:"unlimited_roles"`
	Resources      []string `mapstructure:"resources"`
	RetentionDays  int      `mapstructure:"retention_days"`
}

type TariffConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Catalog  []TariffSpec  `mapstructure:"catalog"`
}

// TariffSpec 配置文件中声明的套餐，启动时同步到 tariff 表
type TariffSpec struct {
	Code              string           `mapstructure:"code"`
	Name              string           `mapstructure:"name"`
	DailyGenericLimit int64            `mapstructure:"daily_generic_limit"`
	DailyLimits       map[string]int64 `mapstructure:"daily_limits"`
	PointCost         int64            `mapstructure:"point_cost"`
	Price             string           `mapstructure:"price"`
	Currency          string           `mapstructure:"currency"`
	FeatureFlags      map[string]bool  `mapstructure:"feature_flags"`
}

type JobsConfig struct {
	OutboxInterval           time.Duration `mapstructure:"outbox_interval"`
	AssignmentExpiryInterval time.Duration `mapstructure:"assignment_expiry_interval"`
	RetentionInterval        time.Duration `mapstructure:"retention_interval"`
	ReconcileInterval        time.Duration `mapstructure:"reconcile_interval"`
	BatchSize                int           `mapstructure:"batch_size"`
	MaxRetryCount            int           `mapstructure:"max_retry_count"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.node_id", 1)

	v.SetDefault("database.driver", DriverMySQL)
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)

	v.SetDefault("kafka.topic.ledger_events", "ledger.entry.created")

	v.SetDefault("ledger.outbox_enabled", true)
	v.SetDefault("ledger.operation_timeout", 5*time.Second)

	v.SetDefault("quota.timezone", "UTC")
	v.SetDefault("quota.unlimited_roles", []string{"staff", "admin"})
	v.SetDefault("quota.resources", []string{"generic", "image"})
	v.SetDefault("quota.retention_days", 90)

	v.SetDefault("tariff.cache_ttl", time.Minute)

	v.SetDefault("jobs.outbox_interval", 500*time.Millisecond)
	v.SetDefault("jobs.assignment_expiry_interval", time.Minute)
	v.SetDefault("jobs.retention_interval", time.Hour)
	v.SetDefault("jobs.reconcile_interval", 10*time.Minute)
	v.SetDefault("jobs.batch_size", 100)
	v.SetDefault("jobs.max_retry_count", 5)
}

// LoadConfig 加载配置文件，configPath 为空时只使用默认值和环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "读取配置文件失败: %s", configPath)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "解析配置文件失败")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// 每日计数表里的积分汇总列，与额度资源共用一套计数名
var reservedResources = map[string]struct{}{
	"points_earned": {},
	"points_spent":  {},
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMySQL, DriverPostgres, DriverSQLite:
	default:
		return errors.Errorf("不支持的数据库驱动: %q", c.Database.Driver)
	}

	if _, err := c.Quota.Location(); err != nil {
		return err
	}

	// 保留期至少要覆盖今天和昨天，清理任务不能影响当天的额度判断
	if c.Quota.RetentionDays < 2 {
		return errors.Errorf("quota.retention_days 必须 >= 2，当前为 %d", c.Quota.RetentionDays)
	}

	for _, r := range c.Quota.Resources {
		if r == "" {
			return errors.New("quota.resources 中存在空的资源名")
		}
		if _, ok := reservedResources[r]; ok {
			return errors.Errorf("quota.resources 不能包含积分汇总列 %q", r)
		}
	}

	seen := make(map[string]struct{}, len(c.Tariff.Catalog))
	for _, t := range c.Tariff.Catalog {
		if t.Code == "" {
			return errors.New("tariff.catalog 中存在空的 code")
		}
		if _, dup := seen[t.Code]; dup {
			return errors.Errorf("tariff.catalog 中 code 重复: %s", t.Code)
		}
		seen[t.Code] = struct{}{}
	}

	if c.Server.NodeID < 0 || c.Server.NodeID > 1023 {
		return errors.Errorf("server.node_id 必须在 0-1023 之间，当前为 %d", c.Server.NodeID)
	}

	if c.Jobs.BatchSize <= 0 {
		return errors.Errorf("jobs.batch_size 必须 > 0，当前为 %d", c.Jobs.BatchSize)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.enabled 为 true 时必须配置 kafka.brokers")
	}
	return nil
}

// Location 业务时区，用来确定“今天”
func (q QuotaConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "无效的 quota.timezone: %q", q.Timezone)
	}
	return loc, nil
}
