// internal/config/config.go
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the dispatch process.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	HttpListenAddr string `mapstructure:"http_listen_addr"`

	// StorageBackend selects the system of record: "etcd" or "mysql".
	StorageBackend string        `mapstructure:"storage_backend"`
	EtcdEndpoints  []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout    time.Duration `mapstructure:"etcd_timeout"`
	MysqlDSN       string        `mapstructure:"mysql_dsn"`

	// RedisAddr enables the Redis-backed action limiter when set; empty
	// keeps the in-memory limiter.
	RedisAddr string `mapstructure:"redis_addr"`

	JwtSecret string `mapstructure:"jwt_secret"`

	LeaderElectionTTL time.Duration `mapstructure:"leader_election_ttl"`

	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
	StartDeadline   time.Duration `mapstructure:"start_deadline"`

	// RealertCooldown is the per-task gap enforced on lastAlertedAt;
	// RealertDebounce is only the per-poster double-click guard.
	RealertCooldown time.Duration `mapstructure:"realert_cooldown"`
	RealertDebounce time.Duration `mapstructure:"realert_debounce"`
	AcceptDebounce  time.Duration `mapstructure:"accept_debounce"`
	DailyCancelCap  int           `mapstructure:"daily_cancel_cap"`
	FanoutCap       int           `mapstructure:"fanout_cap"`

	DefaultRadiusKm float64 `mapstructure:"default_radius_km"`
	MinRadiusKm     float64 `mapstructure:"min_radius_km"`
	MaxRadiusKm     float64 `mapstructure:"max_radius_km"`
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	viper.SetDefault("http_listen_addr", ":8080")
	viper.SetDefault("storage_backend", "etcd")
	viper.SetDefault("etcd_endpoints", []string{"localhost:2379"})
	viper.SetDefault("etcd_timeout", "5s")
	viper.SetDefault("leader_election_ttl", "10s")
	viper.SetDefault("reclaim_interval", "15m")
	viper.SetDefault("start_deadline", "30m")
	viper.SetDefault("realert_cooldown", "3h")
	viper.SetDefault("realert_debounce", "5s")
	viper.SetDefault("accept_debounce", "3s")
	viper.SetDefault("daily_cancel_cap", 2)
	viper.SetDefault("fanout_cap", 80)
	viper.SetDefault("default_radius_km", 5)
	viper.SetDefault("min_radius_km", 1)
	viper.SetDefault("max_radius_km", 10)

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; defaults and env vars carry it.
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.DailyCancelCap < 0 {
		cfg.DailyCancelCap = 0
	}
	if cfg.DailyCancelCap > 10 {
		cfg.DailyCancelCap = 10
	}

	return &cfg, nil
}
