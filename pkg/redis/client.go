// Package redis is the typed gateway to the shared control plane. Every
// cluster-visible read and write of the fabric goes through this package:
// it owns client construction, the boot-time connect retry, the health
// loop, the breaker guarding raw round-trips, and the key scheme.
package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/axonpuls/axonpuls/pkg/observability"
	"github.com/axonpuls/axonpuls/pkg/resilience"
)

// Config represents the connection settings of the control plane.
type Config struct {
	// Connection settings
	Addresses []string `json:"addresses" mapstructure:"addresses"`
	Username  string   `json:"username" mapstructure:"username"`
	Password  string   `json:"password" mapstructure:"password"`
	DB        int      `json:"db" mapstructure:"db"`

	// KeyPrefix namespaces every key and channel. Changing it on a live
	// deployment is a wire break.
	KeyPrefix string `json:"key_prefix" mapstructure:"key_prefix"`

	// Timeout settings for network operations
	DialTimeout  time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write_timeout"`

	// OperationTimeout is applied to any call whose context carries no
	// deadline of its own.
	OperationTimeout time.Duration `json:"operation_timeout" mapstructure:"operation_timeout"`

	// ConnectMaxElapsed bounds the boot-time connect retry; exhaustion is
	// the fatal-init path.
	ConnectMaxElapsed time.Duration `json:"connect_max_elapsed" mapstructure:"connect_max_elapsed"`

	// TLS settings
	TLSEnabled bool        `json:"tls_enabled" mapstructure:"tls_enabled"`
	TLSConfig  *tls.Config `json:"-" mapstructure:"-"`

	// Pool settings
	PoolSize     int           `json:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `json:"min_idle_conns" mapstructure:"min_idle_conns"`
	PoolTimeout  time.Duration `json:"pool_timeout" mapstructure:"pool_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`

	// Cluster settings
	ClusterEnabled bool `json:"cluster_enabled" mapstructure:"cluster_enabled"`

	// Breaker settings for the guard around raw round-trips
	BreakerFailures int           `json:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `json:"breaker_timeout" mapstructure:"breaker_timeout"`
}

// DefaultConfig returns a default gateway configuration.
func DefaultConfig() *Config {
	return &Config{
		Addresses:         []string{"localhost:6379"},
		KeyPrefix:         "axonpuls",
		DialTimeout:       5 * time.Second,
		ReadTimeout:       3 * time.Second,
		WriteTimeout:      3 * time.Second,
		OperationTimeout:  5 * time.Second,
		ConnectMaxElapsed: 30 * time.Second,
		PoolSize:          10,
		MinIdleConns:      2,
		PoolTimeout:       4 * time.Second,
		IdleTimeout:       5 * time.Minute,
		BreakerFailures:   5,
		BreakerTimeout:    10 * time.Second,
	}
}

// Client wraps the go-redis universal client with the operations the fabric
// uses. Every round-trip runs inside the breaker and carries a deadline.
type Client struct {
	client  redis.UniversalClient
	config  *Config
	keys    *Keys
	logger  observability.Logger
	metrics observability.MetricsClient
	breaker *gobreaker.CircuitBreaker

	healthMu        sync.RWMutex
	healthy         bool
	lastHealthCheck time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewClient builds the client and verifies connectivity, retrying with
// exponential backoff up to ConnectMaxElapsed. An error from here means the
// control plane is unreachable and the process should exit non-zero.
func NewClient(config *Config, logger observability.Logger, metrics observability.MetricsClient) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "axonpuls"
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = 5 * time.Second
	}
	if len(config.Addresses) == 0 {
		return nil, errors.New("no redis addresses configured")
	}

	c := &Client{
		config:  config,
		keys:    NewKeys(config.KeyPrefix),
		logger:  logger,
		metrics: metrics,
		healthy: true,
		stopCh:  make(chan struct{}),
	}

	c.client = c.build()
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "redis",
		Timeout: config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(config.BreakerFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Redis breaker state changed", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
			metrics.IncrementCounterWithLabels("redis_breaker_transitions_total", 1, map[string]string{
				"to": to.String(),
			})
		},
	})

	if err := c.connectWithRetry(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	go c.healthCheckLoop()

	return c, nil
}

func (c *Client) build() redis.UniversalClient {
	if c.config.ClusterEnabled {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           c.config.Addresses,
			Username:        c.config.Username,
			Password:        c.config.Password,
			DialTimeout:     c.config.DialTimeout,
			ReadTimeout:     c.config.ReadTimeout,
			WriteTimeout:    c.config.WriteTimeout,
			PoolSize:        c.config.PoolSize,
			MinIdleConns:    c.config.MinIdleConns,
			PoolTimeout:     c.config.PoolTimeout,
			ConnMaxIdleTime: c.config.IdleTimeout,
			TLSConfig:       c.config.TLSConfig,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:            c.config.Addresses[0],
		Username:        c.config.Username,
		Password:        c.config.Password,
		DB:              c.config.DB,
		DialTimeout:     c.config.DialTimeout,
		ReadTimeout:     c.config.ReadTimeout,
		WriteTimeout:    c.config.WriteTimeout,
		PoolSize:        c.config.PoolSize,
		MinIdleConns:    c.config.MinIdleConns,
		PoolTimeout:     c.config.PoolTimeout,
		ConnMaxIdleTime: c.config.IdleTimeout,
		TLSConfig:       c.config.TLSConfig,
	})
}

// connectWithRetry pings until success or the configured budget elapses.
func (c *Client) connectWithRetry() error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = c.config.ConnectMaxElapsed

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), c.config.DialTimeout)
		defer cancel()

		if err := c.client.Ping(ctx).Err(); err != nil {
			c.logger.Warn("Redis not reachable yet, retrying", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			return err
		}
		c.logger.Info("Connected to Redis", map[string]interface{}{
			"addresses": c.config.Addresses,
			"cluster":   c.config.ClusterEnabled,
		})
		return nil
	}, policy)
}

// healthCheckLoop pings every 10s and flips the healthy flag.
func (c *Client) healthCheckLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.checkHealth()
		}
	}
}

func (c *Client) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := c.client.Ping(ctx).Err()

	c.healthMu.Lock()
	c.healthy = err == nil
	c.lastHealthCheck = time.Now()
	c.healthMu.Unlock()

	if err != nil {
		c.logger.Error("Redis health check failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// IsHealthy returns the result of the most recent health ping.
func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.healthy
}

// Keys returns the key scheme bound to the configured prefix.
func (c *Client) Keys() *Keys {
	return c.keys
}

// Close stops the health loop and closes the connection pool.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return c.client.Close()
}

// Underlying exposes the raw client for the long-lived subscriber loops,
// which manage their own lifecycle outside the breaker.
func (c *Client) Underlying() redis.UniversalClient {
	return c.client
}

// withDeadline derives the default operation timeout when the caller's
// context has none.
func (c *Client) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.config.OperationTimeout)
}

// guard runs one round-trip through the breaker. An open breaker surfaces
// as a capacity-kind error without touching the network.
func (c *Client) guard(ctx context.Context, name string, op func(ctx context.Context) error) error {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		c.metrics.IncrementCounterWithLabels("redis_breaker_rejections_total", 1, map[string]string{
			"op": name,
		})
		return resilience.ErrCircuitOpen
	}
	return err
}

// GetJSON reads and unmarshals the value at key. The second return is false
// when the key does not exist.
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	var raw string
	err := c.guard(ctx, "get", func(ctx context.Context) error {
		var err error
		raw, err = c.client.Get(ctx, key).Result()
		if err == redis.Nil {
			raw = ""
			return nil
		}
		return err
	})
	if err != nil {
		return false, errors.Wrapf(err, "get %s", key)
	}
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, errors.Wrapf(err, "unmarshal %s", key)
	}
	return true, nil
}

// SetJSON marshals v and writes it at key with the given TTL.
func (c *Client) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	return c.guard(ctx, "set", func(ctx context.Context) error {
		return c.client.Set(ctx, key, data, ttl).Err()
	})
}

// GetString reads a plain string value; empty second return means absent.
func (c *Client) GetString(ctx context.Context, key string) (string, bool, error) {
	var raw string
	err := c.guard(ctx, "get", func(ctx context.Context) error {
		var err error
		raw, err = c.client.Get(ctx, key).Result()
		if err == redis.Nil {
			raw = ""
			return nil
		}
		return err
	})
	if err != nil {
		return "", false, errors.Wrapf(err, "get %s", key)
	}
	return raw, raw != "", nil
}

// SetString writes a plain string value with the given TTL.
func (c *Client) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.guard(ctx, "set", func(ctx context.Context) error {
		return c.client.Set(ctx, key, value, ttl).Err()
	})
}

// Del removes the given keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.guard(ctx, "del", func(ctx context.Context) error {
		return c.client.Del(ctx, keys...).Err()
	})
}

// Expire refreshes the TTL of key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.guard(ctx, "expire", func(ctx context.Context) error {
		return c.client.Expire(ctx, key, ttl).Err()
	})
}

// SAdd adds members to the set at key.
func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return c.guard(ctx, "sadd", func(ctx context.Context) error {
		return c.client.SAdd(ctx, key, members...).Err()
	})
}

// SRem removes members from the set at key.
func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) error {
	return c.guard(ctx, "srem", func(ctx context.Context) error {
		return c.client.SRem(ctx, key, members...).Err()
	})
}

// SMembers returns every member of the set at key.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := c.guard(ctx, "smembers", func(ctx context.Context) error {
		var err error
		members, err = c.client.SMembers(ctx, key).Result()
		return err
	})
	return members, err
}

// SCard returns the cardinality of the set at key.
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.guard(ctx, "scard", func(ctx context.Context) error {
		var err error
		n, err = c.client.SCard(ctx, key).Result()
		return err
	})
	return n, err
}

// Publish sends a payload on a pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, payload interface{}) error {
	return c.guard(ctx, "publish", func(ctx context.Context) error {
		return c.client.Publish(ctx, channel, payload).Err()
	})
}

// Subscribe opens a long-lived subscription. The caller owns the returned
// PubSub and must Close it; it is deliberately outside the breaker.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.client.Subscribe(ctx, channels...)
}

// Pipelined runs fn inside one transactional pipeline round-trip.
func (c *Client) Pipelined(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	return c.guard(ctx, "pipeline", func(ctx context.Context) error {
		_, err := c.client.TxPipelined(ctx, fn)
		return err
	})
}

// Ping verifies connectivity, returning the round-trip latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	start := time.Now()
	err := c.client.Ping(ctx).Err()
	return time.Since(start), err
}
