// Package router ships events between nodes over the shared pub/sub
// channel: at-least-once to each addressed live target, duplicate-suppressed
// per node within the message TTL, and re-injected into the receiving
// node's local event stream. Durability beyond the TTL window is out of
// scope; replay belongs to the event-history service.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"

	"github.com/axonpuls/axonpuls/pkg/connections"
	"github.com/axonpuls/axonpuls/pkg/events"
	"github.com/axonpuls/axonpuls/pkg/models"
	"github.com/axonpuls/axonpuls/pkg/observability"
	"github.com/axonpuls/axonpuls/pkg/redis"
	"github.com/axonpuls/axonpuls/pkg/registry"
	"github.com/axonpuls/axonpuls/pkg/resilience"
)

// EventTypeMigrationRequest is the event the manager sends to hand a
// session descriptor to the migration target.
const EventTypeMigrationRequest = "connection_migration_request"

// Config tunes the router.
type Config struct {
	// MessageTTL is both the stored-message TTL and the dedupe window.
	MessageTTL time.Duration `json:"message_ttl" mapstructure:"message_ttl"`
	// CacheSize bounds the dedupe and ack caches.
	CacheSize int `json:"cache_size" mapstructure:"cache_size"`
	// PublishAttempts is the retry budget for one publish.
	PublishAttempts int `json:"publish_attempts" mapstructure:"publish_attempts"`
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{
		MessageTTL:      5 * time.Minute,
		CacheSize:       4096,
		PublishAttempts: 3,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MessageTTL <= 0 {
		c.MessageTTL = d.MessageTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = d.PublishAttempts
	}
	return c
}

// SendOptions modifies one send.
type SendOptions struct {
	// ExcludeSelf suppresses local re-injection for broadcasts.
	ExcludeSelf bool
	// Ack requests a per-node delivery confirmation.
	Ack bool
}

// MigrationPayload is the body of a migration-request event.
type MigrationPayload struct {
	Migration models.Migration `json:"migration"`
	Session   models.Session   `json:"session"`
}

// Router owns the node's cross-server send and receive paths.
type Router struct {
	rdb      *redis.Client
	registry *registry.Registry
	manager  *connections.Manager
	stream   *events.Stream
	engine   *resilience.Engine
	config   Config
	clock    models.Clock
	logger   observability.Logger
	metrics  observability.MetricsClient

	// seen is the authoritative dedupe cache; the library's TTL reaper
	// replaces a hand-rolled purge timer.
	seen *expirable.LRU[string, time.Time]

	ackMu sync.Mutex
	acks  *expirable.LRU[string, []models.Ack]

	subscribed atomic.Bool
	wg         sync.WaitGroup
}

// New creates a router for this node.
func New(rdb *redis.Client, reg *registry.Registry, manager *connections.Manager, stream *events.Stream, engine *resilience.Engine, config Config, clock models.Clock, logger observability.Logger, metrics observability.MetricsClient) *Router {
	config = config.normalized()
	if clock == nil {
		clock = models.RealClock{}
	}
	return &Router{
		rdb:      rdb,
		registry: reg,
		manager:  manager,
		stream:   stream,
		engine:   engine,
		config:   config,
		clock:    clock,
		logger:   logger.WithPrefix("router"),
		metrics:  metrics,
		seen:     expirable.NewLRU[string, time.Time](config.CacheSize, nil, config.MessageTTL),
		acks:     expirable.NewLRU[string, []models.Ack](config.CacheSize, nil, config.MessageTTL),
	}
}

// Broadcast addresses every routable node except the source. When
// ExcludeSelf is false the event is also re-injected locally, so local and
// remote subscribers observe the same stream. Returns an empty message id
// when there are no eligible targets.
func (r *Router) Broadcast(ctx context.Context, orgID, channel string, event *models.Event, opts SendOptions) (string, error) {
	servers, err := r.registry.GetActiveServers(ctx)
	if err != nil {
		return "", err
	}

	self := r.registry.ServerID()
	eligible := 0
	for _, server := range servers {
		if server.ID != self {
			eligible++
		}
	}

	if !opts.ExcludeSelf {
		if err := r.injectLocal(ctx, event, channel); err != nil {
			return "", err
		}
	}
	if eligible == 0 {
		return "", nil
	}

	msg := r.envelope(models.MessageKindBroadcast, nil, orgID, "", channel, event, opts.Ack)
	if err := r.publish(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Multicast addresses an explicit set of nodes.
func (r *Router) Multicast(ctx context.Context, serverIDs []string, orgID, channel string, event *models.Event, opts SendOptions) (string, error) {
	msg := r.envelope(models.MessageKindMulticast, serverIDs, orgID, "", channel, event, opts.Ack)
	if err := r.publish(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// UnicastToUser resolves the node hosting the user's sessions and addresses
// only it. Returns an empty message id, without publishing, when the user
// is not connected anywhere (or their node has gone inactive).
func (r *Router) UnicastToUser(ctx context.Context, userID, orgID, channel string, event *models.Event, opts SendOptions) (string, error) {
	serverID, err := r.manager.FindUserServer(ctx, orgID, userID)
	if err != nil {
		return "", err
	}
	if serverID == "" {
		return "", nil
	}

	if serverID == r.registry.ServerID() {
		// The user is local; no wire trip needed.
		if err := r.injectLocal(ctx, event, channel); err != nil {
			return "", err
		}
		return "", nil
	}

	msg := r.envelope(models.MessageKindUnicast, []string{serverID}, orgID, userID, channel, event, opts.Ack)
	if err := r.publish(ctx, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// DeliveryStatus reports the acks received so far for a message. Only
// populated for sends that requested acks, and only within the TTL window.
func (r *Router) DeliveryStatus(messageID string) []models.Ack {
	r.ackMu.Lock()
	defer r.ackMu.Unlock()
	acks, _ := r.acks.Get(messageID)
	out := make([]models.Ack, len(acks))
	copy(out, acks)
	return out
}

// IsSubscribed reports whether the receive loops are attached to the bus.
func (r *Router) IsSubscribed() bool {
	return r.subscribed.Load()
}

// SignalMigration implements connections.MigrationSignaler by unicasting
// the full session descriptor to the target node.
func (r *Router) SignalMigration(ctx context.Context, targetServerID string, migration *models.Migration, session *models.Session) error {
	payload, err := json.Marshal(MigrationPayload{Migration: *migration, Session: *session})
	if err != nil {
		return errors.Wrap(err, "marshal migration payload")
	}
	event := &models.Event{
		ID:        models.NewID(),
		Type:      EventTypeMigrationRequest,
		Channel:   models.ChannelName(session.OrgID, "migrations"),
		Payload:   payload,
		Timestamp: r.clock.Now(),
	}
	_, err = r.Multicast(ctx, []string{targetServerID}, session.OrgID, event.Channel, event, SendOptions{})
	return err
}

func (r *Router) envelope(kind models.MessageKind, targets []string, orgID, userID, channel string, event *models.Event, ack bool) *models.CrossServerMessage {
	return &models.CrossServerMessage{
		ID:              models.NewID(),
		Kind:            kind,
		SourceServerID:  r.registry.ServerID(),
		TargetServerIDs: targets,
		OrgID:           orgID,
		UserID:          userID,
		Channel:         channel,
		Event:           *event,
		Timestamp:       r.clock.Now(),
		TTLSeconds:      int(r.config.MessageTTL / time.Second),
		AckRequested:    ack,
	}
}

// publish stores the message then publishes it, with the whole round
// guarded by the retry engine: publish failures are transient and surface
// to the caller only after exhaustion.
func (r *Router) publish(ctx context.Context, msg *models.CrossServerMessage) error {
	ctx, span := observability.StartSpan(ctx, "router.publish")
	defer span.End()
	span.SetAttribute("message_id", msg.ID)
	span.SetAttribute("kind", string(msg.Kind))

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	keys := r.rdb.Keys()

	opID := fmt.Sprintf("router:publish:%s", msg.ID)
	err = r.engine.ExecuteWithRetry(ctx, opID, func(ctx context.Context) error {
		if err := r.rdb.SetJSON(ctx, keys.Message(msg.ID), msg, r.config.MessageTTL); err != nil {
			return err
		}
		return r.rdb.Publish(ctx, keys.EventsChannel(), data)
	}, resilience.Exponential(100*time.Millisecond, 5*time.Second, 2.0), r.config.PublishAttempts)
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "publish cross-server message")
	}

	// The sender remembers its own id too, so a message that somehow loops
	// back under a foreign source is still suppressed.
	r.seen.Add(msg.ID, r.clock.Now())

	r.metrics.IncrementCounterWithLabels("router_published_total", 1, map[string]string{
		"kind": string(msg.Kind),
	})
	return nil
}

func (r *Router) injectLocal(ctx context.Context, event *models.Event, channel string) error {
	local := *event
	if local.Channel == "" {
		local.Channel = channel
	}
	return r.stream.Publish(ctx, &local)
}
