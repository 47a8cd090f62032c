// Package registry maintains the TTL-bounded cluster membership list. Each
// node writes its own descriptor under a heartbeat-refreshed TTL; liveness
// is key presence, so a crashed node disappears without coordination.
package registry

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/axonpuls/axonpuls/pkg/models"
	"github.com/axonpuls/axonpuls/pkg/observability"
	"github.com/axonpuls/axonpuls/pkg/redis"
)

// Config tunes registration and heartbeating.
type Config struct {
	// HeartbeatPeriod is the refresh interval; must be well under the TTL.
	HeartbeatPeriod time.Duration `json:"heartbeat_period" mapstructure:"heartbeat_period"`
	// HeartbeatTTL is the record TTL; a node missing this window is
	// considered gone.
	HeartbeatTTL time.Duration `json:"heartbeat_ttl" mapstructure:"heartbeat_ttl"`
}

// DefaultConfig returns the registry defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatPeriod: 10 * time.Second,
		HeartbeatTTL:    30 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = d.HeartbeatPeriod
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = d.HeartbeatTTL
	}
	return c
}

// Registry owns this node's membership record and reads the fleet's.
type Registry struct {
	rdb     *redis.Client
	config  Config
	clock   models.Clock
	logger  observability.Logger
	metrics observability.MetricsClient

	mu   sync.RWMutex
	node models.Node

	wg sync.WaitGroup
}

// New creates a registry for the given node descriptor.
func New(rdb *redis.Client, node models.Node, config Config, clock models.Clock, logger observability.Logger, metrics observability.MetricsClient) *Registry {
	if clock == nil {
		clock = models.RealClock{}
	}
	if node.Status == "" {
		node.Status = models.NodeStatusActive
	}
	return &Registry{
		rdb:     rdb,
		config:  config.normalized(),
		clock:   clock,
		logger:  logger.WithPrefix("registry"),
		metrics: metrics,
		node:    node,
	}
}

// Self returns a snapshot of this node's descriptor.
func (r *Registry) Self() models.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.node
}

// ServerID returns this node's id.
func (r *Registry) ServerID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.node.ID
}

// Register writes the descriptor and joins the index in one pipeline. The
// index set carries twice the record TTL so it outlives any single member.
func (r *Registry) Register(ctx context.Context) error {
	r.mu.Lock()
	r.node.StartedAt = r.clock.Now()
	r.node.LastHeartbeat = r.clock.Now()
	node := r.node
	r.mu.Unlock()

	if err := r.write(ctx, node); err != nil {
		return errors.Wrap(err, "register node")
	}

	r.logger.Info("Node registered", map[string]interface{}{
		"server_id": node.ID,
		"address":   node.Address,
		"capacity":  node.MaxConnections,
	})
	return nil
}

// Heartbeat refreshes the record and its TTL. A record that expired between
// beats (Redis restart, long GC pause) is simply re-created: the write is
// the same either way.
func (r *Registry) Heartbeat(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "registry.heartbeat")
	defer span.End()
	span.SetAttribute("server_id", r.ServerID())

	r.mu.Lock()
	r.node.LastHeartbeat = r.clock.Now()
	node := r.node
	r.mu.Unlock()

	if err := r.write(ctx, node); err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "heartbeat")
	}
	return nil
}

func (r *Registry) write(ctx context.Context, node models.Node) error {
	keys := r.rdb.Keys()
	data, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return r.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, keys.Server(node.ID), data, r.config.HeartbeatTTL)
		pipe.SAdd(ctx, keys.ServerIndex(), node.ID)
		pipe.Expire(ctx, keys.ServerIndex(), 2*r.config.HeartbeatTTL)
		return nil
	})
}

// UpdateMetrics merges the load snapshot into the local descriptor and
// persists it with a fresh TTL.
func (r *Registry) UpdateMetrics(ctx context.Context, m models.NodeMetrics) error {
	r.mu.Lock()
	r.node.Metrics = m
	r.node.LastHeartbeat = r.clock.Now()
	node := r.node
	r.mu.Unlock()

	return r.write(ctx, node)
}

// SetDraining flips this node to draining; existing sessions stay routable
// but new ones are rejected at the gateway.
func (r *Registry) SetDraining(ctx context.Context) error {
	r.mu.Lock()
	r.node.Status = models.NodeStatusDraining
	node := r.node
	r.mu.Unlock()

	r.logger.Info("Node draining", map[string]interface{}{
		"server_id": node.ID,
	})
	return r.write(ctx, node)
}

// Unregister removes this node from the index and deletes its record.
// Index removal goes first so readers stop hydrating a key about to vanish.
func (r *Registry) Unregister(ctx context.Context) error {
	keys := r.rdb.Keys()
	id := r.ServerID()

	if err := r.rdb.SRem(ctx, keys.ServerIndex(), id); err != nil {
		return errors.Wrap(err, "leave index")
	}
	if err := r.rdb.Del(ctx, keys.Server(id)); err != nil {
		return errors.Wrap(err, "delete record")
	}

	r.logger.Info("Node unregistered", map[string]interface{}{
		"server_id": id,
	})
	return nil
}

// GetServerByID hydrates one node record; nil when absent or expired.
func (r *Registry) GetServerByID(ctx context.Context, serverID string) (*models.Node, error) {
	var node models.Node
	found, err := r.rdb.GetJSON(ctx, r.rdb.Keys().Server(serverID), &node)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &node, nil
}

// GetActiveServers reads the index, hydrates every member, removes
// tombstones whose record TTL already expired, and filters to routable
// statuses (active or draining).
func (r *Registry) GetActiveServers(ctx context.Context) ([]*models.Node, error) {
	keys := r.rdb.Keys()
	ids, err := r.rdb.SMembers(ctx, keys.ServerIndex())
	if err != nil {
		return nil, errors.Wrap(err, "read server index")
	}

	servers := make([]*models.Node, 0, len(ids))
	for _, id := range ids {
		node, err := r.GetServerByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if node == nil {
			// Record expired but index entry lingered; clean it up.
			if err := r.rdb.SRem(ctx, keys.ServerIndex(), id); err != nil {
				r.logger.Warn("Failed to remove expired index entry", map[string]interface{}{
					"server_id": id,
					"error":     err.Error(),
				})
			}
			continue
		}
		if node.Routable() {
			servers = append(servers, node)
		}
	}

	r.metrics.RecordGauge("cluster_servers", float64(len(servers)), nil)
	return servers, nil
}

// Start registers the node and runs the heartbeat loop until ctx ends.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		return err
	}

	r.wg.Add(1)
	go r.heartbeatLoop(ctx)
	return nil
}

// Wait blocks until the heartbeat loop has stopped.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// heartbeatLoop refreshes the record every period, with a small jitter so
// a fleet restarted together does not beat in lockstep.
func (r *Registry) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		jitter := time.Duration(rand.Int63n(int64(r.config.HeartbeatPeriod) / 10))
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.config.HeartbeatPeriod + jitter):
			if err := r.Heartbeat(ctx); err != nil {
				r.logger.Error("Heartbeat failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}
