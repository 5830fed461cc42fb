package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"port"`
	Environment    string        `mapstructure:"environment"`
	AllowedOrigins []string      `mapstructure:"-"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	LogLevel       string        `mapstructure:"log_level"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	Redis          RedisConfig   `mapstructure:"redis"`
	WebRTC         WebRTCConfig  `mapstructure:"webrtc"`
	Store          StoreConfig   `mapstructure:"store"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WebRTCConfig is the ICE configuration surface shared by every peer connection.
type WebRTCConfig struct {
	STUNServers       []string      `mapstructure:"-"`
	CandidatePoolSize uint8         `mapstructure:"ice_candidate_pool_size"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
}

type StoreConfig struct {
	PollBlock        time.Duration `mapstructure:"poll_block"`
	TxRetries        int           `mapstructure:"tx_retries"`
	PresenceLeaseTTL time.Duration `mapstructure:"presence_lease_ttl"`
}

// Load reads configuration from the environment, falling back to an optional
// config.yaml in the working directory or ./config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("jwt_secret", "change-me-in-production")
	v.SetDefault("log_level", "info")
	v.SetDefault("session_ttl", "24h")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("webrtc.stun_servers", "stun:stun1.l.google.com:19302,stun:stun2.l.google.com:19302")
	v.SetDefault("webrtc.ice_candidate_pool_size", 10)
	v.SetDefault("webrtc.connect_timeout", "0s")
	v.SetDefault("store.poll_block", "1s")
	v.SetDefault("store.tx_retries", 8)
	v.SetDefault("store.presence_lease_ttl", "30s")

	// Flat env names (REDIS_HOST, STUN_SERVERS, ...) map onto nested keys.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("webrtc.stun_servers", "STUN_SERVERS")
	_ = v.BindEnv("webrtc.ice_candidate_pool_size", "ICE_CANDIDATE_POOL_SIZE")
	_ = v.BindEnv("webrtc.connect_timeout", "CONNECT_TIMEOUT")
	_ = v.BindEnv("store.poll_block", "STORE_POLL_BLOCK")
	_ = v.BindEnv("store.tx_retries", "STORE_TX_RETRIES")
	_ = v.BindEnv("store.presence_lease_ttl", "PRESENCE_LEASE_TTL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Comma-separated lists
	cfg.AllowedOrigins = splitList(v.GetString("allowed_origins"))
	cfg.WebRTC.STUNServers = splitList(v.GetString("webrtc.stun_servers"))

	if cfg.Store.TxRetries <= 0 {
		return nil, fmt.Errorf("store.tx_retries must be positive, got %d", cfg.Store.TxRetries)
	}
	return &cfg, nil
}

// IsProduction reports whether the server runs in release mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
