package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dkeye/Callkit/internal/adapters/profiles"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	RingTimeout      time.Duration `mapstructure:"ring_timeout"`
	BusyPolicy       string        `mapstructure:"busy_policy"`
	CandidateBuffer  int           `mapstructure:"candidate_buffer"`
	CallRateLimit    int           `mapstructure:"call_rate_limit"`
	CallRateInterval time.Duration `mapstructure:"call_rate_interval"`
	ICEServers       []string      `mapstructure:"ice_servers"`

	Media    MediaConfig      `mapstructure:"media"`
	Store    StoreConfig      `mapstructure:"store"`
	Profiles []profiles.Entry `mapstructure:"profiles"`
}

type MediaConfig struct {
	AllowAudio bool `mapstructure:"allow_audio"`
	AllowVideo bool `mapstructure:"allow_video"`
}

// StoreConfig selects the shared document store: memory, mongo or redis.
type StoreConfig struct {
	Driver string      `mapstructure:"driver"`
	Mongo  MongoConfig `mapstructure:"mongo"`
	Redis  RedisConfig `mapstructure:"redis"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
	StoreRedis  = "redis"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("ring_timeout", "45s")
	v.SetDefault("busy_policy", "hold")
	v.SetDefault("candidate_buffer", 128)
	v.SetDefault("call_rate_limit", 5)
	v.SetDefault("call_rate_interval", "1m")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("media.allow_audio", true)
	v.SetDefault("media.allow_video", true)

	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.mongo.uri", "mongodb://localhost:27017/?replicaSet=rs0")
	v.SetDefault("store.mongo.database", "callkit")
	v.SetDefault("store.mongo.collection", "calls")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "callkit:")
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName on top of the defaults. A missing file is not an error.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Store: %s | Profiles: %d\n", cfg.Mode, cfg.Port, cfg.Store.Driver, len(cfg.Profiles))
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory, StoreMongo, StoreRedis:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.RingTimeout <= 0 {
		return fmt.Errorf("ring_timeout must be positive")
	}
	if c.CandidateBuffer <= 0 {
		return fmt.Errorf("candidate_buffer must be positive")
	}
	return nil
}
