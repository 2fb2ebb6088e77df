package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"collab-core/backend/internal/collab"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// 允许的 websocket / CORS 来源前缀
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
		MaxConnections int      `mapstructure:"maxConnections"`
	} `mapstructure:"running"`
	Mysql struct {
		// 为空时使用内存存储
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		DB       int      `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers    []string `mapstructure:"brokers"`
		Topic      string   `mapstructure:"topic"`
		AuditTopic string   `mapstructure:"auditTopic"`
	} `mapstructure:"kafka"`
	Auth struct {
		// 非空时走 auth-service 远程校验，否则本地用 JWT_SECRET 校验
		Path      string `mapstructure:"path"`
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Collab CollabConfig `mapstructure:"collab"`
}

type CollabConfig struct {
	MaxOpsPerMinute        int           `mapstructure:"maxOpsPerMinute"`
	MaxDocSize             int           `mapstructure:"maxDocSize"`
	MaxUsers               int           `mapstructure:"maxUsers"`
	BatchFlushMs           int           `mapstructure:"batchFlushMs"`
	MaxClockSkew           uint64        `mapstructure:"maxClockSkew"`
	HeartbeatTimeout       time.Duration `mapstructure:"heartbeatTimeout"`
	HeartbeatCheckInterval time.Duration `mapstructure:"heartbeatCheckInterval"`
	CompactionKeepOps      int           `mapstructure:"compactionKeepOps"`
	CompactionInterval     time.Duration `mapstructure:"compactionInterval"`
	TombstoneRetention     time.Duration `mapstructure:"tombstoneRetention"`
	IdleEviction           time.Duration `mapstructure:"idleEviction"`
	PersistTimeout         time.Duration `mapstructure:"persistTimeout"`
	PresenceTTL            time.Duration `mapstructure:"presenceTTL"`
	SendBuffer             int           `mapstructure:"sendBuffer"`
}

func setDefaults(v *viper.Viper) {
	d := collab.DefaultOptions()
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.maxConnections", 10_000)
	v.SetDefault("running.allowedOrigins", []string{})
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("auth.path", "")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.auditTopic", "doc-audit")
	v.SetDefault("collab.maxOpsPerMinute", d.MaxOpsPerMinute)
	v.SetDefault("collab.maxDocSize", d.MaxDocSize)
	v.SetDefault("collab.maxUsers", d.MaxUsers)
	v.SetDefault("collab.batchFlushMs", int(d.BatchDelay/time.Millisecond))
	v.SetDefault("collab.maxClockSkew", d.MaxClockSkew)
	v.SetDefault("collab.heartbeatTimeout", 60*time.Second)
	v.SetDefault("collab.heartbeatCheckInterval", 30*time.Second)
	v.SetDefault("collab.compactionKeepOps", d.CompactionKeepOps)
	v.SetDefault("collab.compactionInterval", 10*time.Minute)
	v.SetDefault("collab.tombstoneRetention", d.TombstoneRetention)
	v.SetDefault("collab.idleEviction", 5*time.Minute)
	v.SetDefault("collab.persistTimeout", d.PersistTimeout)
	v.SetDefault("collab.presenceTTL", 90*time.Second)
	v.SetDefault("collab.sendBuffer", 256)
}

// Load 读取 collabConfig.yaml；找不到文件时只用默认值和环境变量。
// 环境变量形如 COLLAB_COLLAB_MAXUSERS、COLLAB_MYSQL_DSN。
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c CollabConfig) Options() collab.Options {
	return collab.Options{
		MaxOpsPerMinute:    c.MaxOpsPerMinute,
		MaxDocSize:         c.MaxDocSize,
		MaxUsers:           c.MaxUsers,
		BatchDelay:         time.Duration(c.BatchFlushMs) * time.Millisecond,
		MaxClockSkew:       c.MaxClockSkew,
		CompactionKeepOps:  c.CompactionKeepOps,
		TombstoneRetention: c.TombstoneRetention,
		PersistTimeout:     c.PersistTimeout,
	}
}

func (c CollabConfig) RegistryOptions() collab.RegistryOptions {
	return collab.RegistryOptions{
		IdleEviction:       c.IdleEviction,
		CompactionInterval: c.CompactionInterval,
	}
}
