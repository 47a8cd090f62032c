package health

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/axonpuls/axonpuls/pkg/connections"
	"github.com/axonpuls/axonpuls/pkg/redis"
	"github.com/axonpuls/axonpuls/pkg/registry"
	"github.com/axonpuls/axonpuls/pkg/router"
)

// Latency classes for the Redis probe. A slow control plane degrades the
// node before it fails it: routing still works, just late.
const (
	redisLatencyWarn = 50 * time.Millisecond
	redisLatencyFail = 250 * time.Millisecond
)

// RedisHealthCheck pings the control plane and classifies the round-trip.
type RedisHealthCheck struct {
	client *redis.Client
	name   string
}

// NewRedisHealthCheck creates a new Redis health check
func NewRedisHealthCheck(name string, client *redis.Client) *RedisHealthCheck {
	return &RedisHealthCheck{
		client: client,
		name:   name,
	}
}

func (r *RedisHealthCheck) Name() string {
	return r.name
}

func (r *RedisHealthCheck) Check(ctx context.Context) error {
	latency, err := r.client.Ping(ctx)
	if err != nil {
		return errors.Wrap(err, "redis ping failed")
	}
	switch {
	case latency >= redisLatencyFail:
		return errors.Errorf("redis round-trip %s exceeds %s", latency, redisLatencyFail)
	case latency >= redisLatencyWarn:
		return Degraded("redis round-trip %s exceeds %s", latency, redisLatencyWarn)
	}
	return nil
}

// Utilization classes for the capacity probe.
const (
	capacityWarn = 0.8
	capacityFail = 0.95
)

// CapacityHealthCheck compares local connection count against the node's
// configured maximum.
type CapacityHealthCheck struct {
	manager  *connections.Manager
	registry *registry.Registry
	name     string
}

// NewCapacityHealthCheck creates a new capacity health check
func NewCapacityHealthCheck(name string, manager *connections.Manager, reg *registry.Registry) *CapacityHealthCheck {
	return &CapacityHealthCheck{
		manager:  manager,
		registry: reg,
		name:     name,
	}
}

func (c *CapacityHealthCheck) Name() string {
	return c.name
}

func (c *CapacityHealthCheck) Check(ctx context.Context) error {
	max := c.registry.Self().MaxConnections
	if max <= 0 {
		return nil
	}
	utilization := float64(c.manager.LocalCount()) / float64(max)
	switch {
	case utilization >= capacityFail:
		return errors.Errorf("connection utilization %.2f at or above %.2f", utilization, capacityFail)
	case utilization >= capacityWarn:
		return Degraded("connection utilization %.2f at or above %.2f", utilization, capacityWarn)
	}
	return nil
}

// ClusterHealthCheck confirms this node can read the server index. Being
// the only member is survivable; not being able to read membership is not.
type ClusterHealthCheck struct {
	registry *registry.Registry
	name     string
}

// NewClusterHealthCheck creates a new cluster membership health check
func NewClusterHealthCheck(name string, reg *registry.Registry) *ClusterHealthCheck {
	return &ClusterHealthCheck{
		registry: reg,
		name:     name,
	}
}

func (c *ClusterHealthCheck) Name() string {
	return c.name
}

func (c *ClusterHealthCheck) Check(ctx context.Context) error {
	servers, err := c.registry.GetActiveServers(ctx)
	if err != nil {
		return errors.Wrap(err, "read server index")
	}
	for _, server := range servers {
		if server.ID != c.registry.ServerID() {
			return nil
		}
	}
	return Degraded("no other cluster members visible")
}

// RouterHealthCheck confirms the receive loops are attached to the bus.
type RouterHealthCheck struct {
	router *router.Router
	name   string
}

// NewRouterHealthCheck creates a new router subscription health check
func NewRouterHealthCheck(name string, r *router.Router) *RouterHealthCheck {
	return &RouterHealthCheck{
		router: r,
		name:   name,
	}
}

func (r *RouterHealthCheck) Name() string {
	return r.name
}

func (r *RouterHealthCheck) Check(ctx context.Context) error {
	if !r.router.IsSubscribed() {
		return errors.New("router not subscribed to cluster bus")
	}
	return nil
}

// ServiceHealthCheck adapts a plain function into a health check.
type ServiceHealthCheck struct {
	name      string
	checkFunc func(ctx context.Context) error
}

// NewServiceHealthCheck creates a new service health check
func NewServiceHealthCheck(name string, checkFunc func(ctx context.Context) error) *ServiceHealthCheck {
	return &ServiceHealthCheck{
		name:      name,
		checkFunc: checkFunc,
	}
}

func (s *ServiceHealthCheck) Name() string {
	return s.name
}

func (s *ServiceHealthCheck) Check(ctx context.Context) error {
	return s.checkFunc(ctx)
}
