package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
)

// Config captures the relay node runtime parameters.
type Config struct {
	NodeID              string           `mapstructure:"node_id"`
	ListenAddress       string           `mapstructure:"listen_address"`
	LogLevel            string           `mapstructure:"log_level"`
	LogEncoding         string           `mapstructure:"log_encoding"`
	ShutdownGracePeriod time.Duration    `mapstructure:"shutdown_grace_period"`
	Backend             string           `mapstructure:"backend"`
	Connection          ConnectionConfig `mapstructure:"connection"`
	Presence            PresenceConfig   `mapstructure:"presence"`
	RateLimit           RateLimitConfig  `mapstructure:"rate_limit"`
	Redis               RedisConfig      `mapstructure:"redis"`
	Offline             OfflineConfig    `mapstructure:"offline"`
	Auth                AuthConfig       `mapstructure:"auth"`
	Admin               AdminConfig      `mapstructure:"admin"`
	Health              HealthConfig     `mapstructure:"health"`
}

// ConnectionConfig bounds per-connection resources and timers.
type ConnectionConfig struct {
	AuthTimeout       time.Duration `mapstructure:"auth_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	SuperviseInterval time.Duration `mapstructure:"supervise_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	SendQueueSize     int           `mapstructure:"send_queue_size"`
	MaxFrameBytes     int           `mapstructure:"max_frame_bytes"`
	MaxConnections    int           `mapstructure:"max_connections"`
}

type PresenceConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// RateLimitConfig is a per-connection token bucket; zero rate disables it.
type RateLimitConfig struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type OfflineConfig struct {
	Backend  string `mapstructure:"backend"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
	BoltPath string `mapstructure:"bolt_path"`
}

type AuthConfig struct {
	Mode         string            `mapstructure:"mode"`
	Users        map[string]string `mapstructure:"users"`
	JWTSecretEnv string            `mapstructure:"jwt_secret_env"`
}

type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

type HealthConfig struct {
	GRPCAddress      string        `mapstructure:"grpc_address"`
	KeepaliveTime    time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout"`
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
)

const (
	defaultListenAddress       = "0.0.0.0:7000"
	defaultLogLevel            = "info"
	defaultLogEncoding         = "json"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultAuthTimeout         = 10 * time.Second
	defaultIdleTimeout         = 60 * time.Second
	defaultSuperviseInterval   = 5 * time.Second
	defaultWriteTimeout        = 10 * time.Second
	defaultSendQueueSize       = 100
	defaultMaxFrameBytes       = 8 << 20
	defaultMaxConnections      = 10000
	defaultPresenceTTL         = 90 * time.Second
	defaultRedisAddress        = "127.0.0.1:6379"
	defaultKeyPrefix           = "relay:"
	defaultOfflineStream       = "relay:offline"
	defaultOfflineMaxLen       = 100000
	defaultBoltPath            = "data/offline.db"
	defaultJWTSecretEnv        = "RELAY_JWT_SECRET"
	defaultAdminAddress        = "0.0.0.0:9090"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultHealthAddress       = "0.0.0.0:50051"
	defaultKeepaliveTime       = 30 * time.Second
	defaultKeepaliveTimeout    = 10 * time.Second
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with RELAY_ and can override file values,
// e.g. RELAY_CONNECTION_IDLE_TIMEOUT=30s.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("node_id", "")
	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_encoding", defaultLogEncoding)
	v.SetDefault("backend", BackendMemory)
	v.SetDefault("connection.send_queue_size", defaultSendQueueSize)
	v.SetDefault("connection.max_frame_bytes", defaultMaxFrameBytes)
	v.SetDefault("connection.max_connections", defaultMaxConnections)
	v.SetDefault("rate_limit.messages_per_second", 0)
	v.SetDefault("rate_limit.burst", 0)
	v.SetDefault("redis.address", defaultRedisAddress)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", defaultKeyPrefix)
	v.SetDefault("offline.backend", BackendMemory)
	v.SetDefault("offline.stream", defaultOfflineStream)
	v.SetDefault("offline.max_len", defaultOfflineMaxLen)
	v.SetDefault("offline.bolt_path", defaultBoltPath)
	v.SetDefault("auth.mode", "none")
	v.SetDefault("auth.jwt_secret_env", defaultJWTSecretEnv)
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("health.grpc_address", defaultHealthAddress)

	durations := []struct {
		key string
		def time.Duration
		dst func(*Config) *time.Duration
	}{
		{"shutdown_grace_period", defaultShutdownGracePeriod, func(c *Config) *time.Duration { return &c.ShutdownGracePeriod }},
		{"connection.auth_timeout", defaultAuthTimeout, func(c *Config) *time.Duration { return &c.Connection.AuthTimeout }},
		{"connection.idle_timeout", defaultIdleTimeout, func(c *Config) *time.Duration { return &c.Connection.IdleTimeout }},
		{"connection.supervise_interval", defaultSuperviseInterval, func(c *Config) *time.Duration { return &c.Connection.SuperviseInterval }},
		{"connection.write_timeout", defaultWriteTimeout, func(c *Config) *time.Duration { return &c.Connection.WriteTimeout }},
		{"presence.ttl", defaultPresenceTTL, func(c *Config) *time.Duration { return &c.Presence.TTL }},
		{"admin.read_header_timeout", defaultReadHeaderTimeout, func(c *Config) *time.Duration { return &c.Admin.ReadHeaderTimeout }},
		{"health.keepalive_time", defaultKeepaliveTime, func(c *Config) *time.Duration { return &c.Health.KeepaliveTime }},
		{"health.keepalive_timeout", defaultKeepaliveTimeout, func(c *Config) *time.Duration { return &c.Health.KeepaliveTimeout }},
	}
	for _, d := range durations {
		v.SetDefault(d.key, d.def.String())
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, d := range durations {
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst(&cfg) = dur
	}

	if cfg.NodeID == "" {
		cfg.NodeID = ulid.Make().String()
	}
	cfg.Backend = strings.ToLower(cfg.Backend)
	cfg.Offline.Backend = strings.ToLower(cfg.Offline.Backend)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddress == "" {
		errs = append(errs, errors.New("listen_address is required"))
	}
	switch c.Backend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("backend must be %s or %s, got %q", BackendRedis, BackendMemory, c.Backend))
	}
	switch c.Offline.Backend {
	case BackendMemory, BackendRedis, BackendBolt:
	default:
		errs = append(errs, fmt.Errorf("offline.backend must be redis, bolt or memory, got %q", c.Offline.Backend))
	}
	if c.Offline.Backend == BackendBolt && c.Offline.BoltPath == "" {
		errs = append(errs, errors.New("offline.bolt_path is required for the bolt backend"))
	}
	if c.Connection.SendQueueSize <= 0 {
		errs = append(errs, errors.New("connection.send_queue_size must be positive"))
	}
	if c.Connection.MaxFrameBytes < 0 {
		errs = append(errs, errors.New("connection.max_frame_bytes must not be negative"))
	}
	if c.Connection.MaxConnections < 0 {
		errs = append(errs, errors.New("connection.max_connections must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"connection.auth_timeout":       c.Connection.AuthTimeout,
		"connection.idle_timeout":       c.Connection.IdleTimeout,
		"connection.supervise_interval": c.Connection.SuperviseInterval,
		"presence.ttl":                  c.Presence.TTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.RateLimit.MessagesPerSecond < 0 {
		errs = append(errs, errors.New("rate_limit.messages_per_second must not be negative"))
	}
	return errors.Join(errs...)
}

// UsesRedis reports whether any component needs a Redis client.
func (c Config) UsesRedis() bool {
	return c.Backend == BackendRedis || c.Offline.Backend == BackendRedis
}
