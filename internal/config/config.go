// Package config loads the node's configuration from an optional YAML file
// and AXONPULS_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/axonpuls/axonpuls/pkg/connections"
	"github.com/axonpuls/axonpuls/pkg/observability"
	"github.com/axonpuls/axonpuls/pkg/redis"
	"github.com/axonpuls/axonpuls/pkg/registry"
	"github.com/axonpuls/axonpuls/pkg/resilience"
	"github.com/axonpuls/axonpuls/pkg/router"
	"github.com/axonpuls/axonpuls/pkg/webhook"
)

// ServerConfig identifies this node and bounds its session capacity.
type ServerConfig struct {
	// NodeID defaults to a generated id when empty.
	NodeID string `mapstructure:"node_id"`
	// AdvertiseAddress is what peers and clients are told to dial.
	AdvertiseAddress string `mapstructure:"advertise_address"`
	MaxConnections   int    `mapstructure:"max_connections"`
	// DrainTimeout is the graceful shutdown budget.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	Version      string        `mapstructure:"version"`
}

// APIConfig tunes the HTTP listener.
type APIConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
}

// AuthConfig selects and tunes the handshake credential check.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTLeeway time.Duration `mapstructure:"jwt_leeway"`
}

// EventsConfig tunes the local stream.
type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Config holds the complete node configuration.
type Config struct {
	Server      ServerConfig                `mapstructure:"server"`
	API         APIConfig                   `mapstructure:"api"`
	Log         LogConfig                   `mapstructure:"log"`
	Redis       redis.Config                `mapstructure:"redis"`
	Registry    registry.Config             `mapstructure:"registry"`
	Connections connections.Config          `mapstructure:"connections"`
	Router      router.Config               `mapstructure:"router"`
	Retry       resilience.EngineConfig     `mapstructure:"retry"`
	Auth        AuthConfig                  `mapstructure:"auth"`
	Events      EventsConfig                `mapstructure:"events"`
	Webhook     webhook.Config              `mapstructure:"webhook"`
	Tracing     observability.TracingConfig `mapstructure:"tracing"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("AXONPULS_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("AXONPULS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A config file is optional; environment variables can carry
		// everything.
		if _, ok := err.(*os.PathError); !ok {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations the node cannot safely run with.
func (c *Config) Validate() error {
	if len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("redis.addresses is required")
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be positive")
	}
	if c.Registry.HeartbeatPeriod >= c.Registry.HeartbeatTTL {
		return fmt.Errorf("registry.heartbeat_period must be shorter than registry.heartbeat_ttl")
	}
	if c.Connections.LoadBalanceThreshold <= 0 || c.Connections.LoadBalanceThreshold > 1 {
		return fmt.Errorf("connections.load_balance_threshold must be in (0, 1]")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults. Every key gets a default so AutomaticEnv can bind
	// its environment variable.
	v.SetDefault("server.node_id", "")
	v.SetDefault("server.advertise_address", "127.0.0.1:8080")
	v.SetDefault("server.max_connections", 10000)
	v.SetDefault("server.drain_timeout", 30*time.Second)
	v.SetDefault("server.version", "dev")

	// API defaults
	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)

	v.SetDefault("log.level", "info")

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_leeway", 30*time.Second)

	// Redis defaults
	v.SetDefault("redis.addresses", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.key_prefix", "axonpuls")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.operation_timeout", 5*time.Second)
	v.SetDefault("redis.connect_max_elapsed", 30*time.Second)

	// Registry defaults
	v.SetDefault("registry.heartbeat_period", 10*time.Second)
	v.SetDefault("registry.heartbeat_ttl", 30*time.Second)

	// Connection manager defaults
	v.SetDefault("connections.connection_ttl", 5*time.Minute)
	v.SetDefault("connections.cleanup_interval", time.Minute)
	v.SetDefault("connections.load_balance_interval", 5*time.Minute)
	v.SetDefault("connections.load_balance_threshold", 0.8)
	v.SetDefault("connections.migration_ttl", 5*time.Minute)

	// Router defaults
	v.SetDefault("router.message_ttl", 5*time.Minute)
	v.SetDefault("router.cache_size", 4096)
	v.SetDefault("router.publish_attempts", 3)

	// Retry engine defaults
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.history_window", 20)
	v.SetDefault("retry.load_scale", 10)
	v.SetDefault("retry.max_load_multiplier", 3.0)

	// Events stream defaults
	v.SetDefault("events.buffer_size", 256)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "axonpuls")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.endpoint", "localhost:4317")

	// Webhook defaults
	v.SetDefault("webhook.request_timeout", 10*time.Second)
	v.SetDefault("webhook.default_retry.strategy", "exponential")
	v.SetDefault("webhook.default_retry.max_attempts", 3)
	v.SetDefault("webhook.default_retry.base_delay", 100*time.Millisecond)
	v.SetDefault("webhook.default_retry.max_delay", 30*time.Second)
}
