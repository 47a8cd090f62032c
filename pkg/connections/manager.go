// Package connections maintains the cluster-wide session index: which
// WebSocket sessions exist, which node hosts them, and which org and user
// they belong to. It also runs the background sweeps that keep the index
// honest (stale cleanup) and the fleet even (load balancing).
package connections

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/axonpuls/axonpuls/pkg/models"
	"github.com/axonpuls/axonpuls/pkg/observability"
	"github.com/axonpuls/axonpuls/pkg/redis"
	"github.com/axonpuls/axonpuls/pkg/registry"
)

var (
	// ErrSessionConflict is returned when a session id is already registered
	// with a different hosting node. The cleanup sweeper is the recovery path.
	ErrSessionConflict = errors.New("session registered with a different server")

	// ErrCapacity is returned when this node is at its session limit. The
	// caller decides between shedding the client and redirecting it.
	ErrCapacity = errors.New("node is at session capacity")
)

// MigrationSignaler delivers a migration request to the target node. The
// router implements it; the indirection keeps the migration request a
// message on the shared bus instead of a direct back-reference.
type MigrationSignaler interface {
	SignalMigration(ctx context.Context, targetServerID string, migration *models.Migration, session *models.Session) error
}

// Config tunes the manager and its background sweeps.
type Config struct {
	// ConnectionTTL is the session key TTL, refreshed on activity. A
	// session idle longer than this is stale.
	ConnectionTTL time.Duration `json:"connection_ttl" mapstructure:"connection_ttl"`
	// CleanupInterval is the stale-sweep period.
	CleanupInterval time.Duration `json:"cleanup_interval" mapstructure:"cleanup_interval"`
	// LoadBalanceInterval is the balancing period.
	LoadBalanceInterval time.Duration `json:"load_balance_interval" mapstructure:"load_balance_interval"`
	// LoadBalanceThreshold is the load fraction above which a node sheds
	// sessions; nodes under half of it are migration targets.
	LoadBalanceThreshold float64 `json:"load_balance_threshold" mapstructure:"load_balance_threshold"`
	// MigrationTTL bounds migration records.
	MigrationTTL time.Duration `json:"migration_ttl" mapstructure:"migration_ttl"`
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		ConnectionTTL:        5 * time.Minute,
		CleanupInterval:      time.Minute,
		LoadBalanceInterval:  5 * time.Minute,
		LoadBalanceThreshold: 0.8,
		MigrationTTL:         5 * time.Minute,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.ConnectionTTL <= 0 {
		c.ConnectionTTL = d.ConnectionTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.LoadBalanceInterval <= 0 {
		c.LoadBalanceInterval = d.LoadBalanceInterval
	}
	if c.LoadBalanceThreshold <= 0 || c.LoadBalanceThreshold > 1 {
		c.LoadBalanceThreshold = d.LoadBalanceThreshold
	}
	if c.MigrationTTL <= 0 {
		c.MigrationTTL = d.MigrationTTL
	}
	return c
}

// Manager is the per-node view onto the shared session index.
type Manager struct {
	rdb      *redis.Client
	registry *registry.Registry
	config   Config
	clock    models.Clock
	logger   observability.Logger
	metrics  observability.MetricsClient

	// localCount tracks sessions hosted by this node without a Redis
	// round-trip per read; it is reconciled against the index once per
	// cleanup tick.
	localCount atomic.Int64

	sigMu    sync.RWMutex
	signaler MigrationSignaler

	wg sync.WaitGroup
}

// NewManager creates a manager bound to this node's registry.
func NewManager(rdb *redis.Client, reg *registry.Registry, config Config, clock models.Clock, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if clock == nil {
		clock = models.RealClock{}
	}
	return &Manager{
		rdb:      rdb,
		registry: reg,
		config:   config.normalized(),
		clock:    clock,
		logger:   logger.WithPrefix("connections"),
		metrics:  metrics,
	}
}

// SetSignaler installs the migration transport. Must be called before
// Start; the router is constructed after the manager, so the hook is late-
// bound rather than a constructor argument.
func (m *Manager) SetSignaler(s MigrationSignaler) {
	m.sigMu.Lock()
	m.signaler = s
	m.sigMu.Unlock()
}

func (m *Manager) getSignaler() MigrationSignaler {
	m.sigMu.RLock()
	defer m.sigMu.RUnlock()
	return m.signaler
}

// LocalCount returns the tracked count of sessions hosted by this node.
func (m *Manager) LocalCount() int {
	return int(m.localCount.Load())
}

// Register writes the session record and every derived index entry in one
// pipeline. Re-registering the same session on the same node is a no-op
// refresh; the same id on a different node is an invariant violation.
func (m *Manager) Register(ctx context.Context, session *models.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}

	existing, err := m.Get(ctx, session.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.ServerID != session.ServerID {
		m.logger.Error("Session id already registered elsewhere", map[string]interface{}{
			"session_id":      session.ID,
			"holding_server":  existing.ServerID,
			"claiming_server": session.ServerID,
		})
		return ErrSessionConflict
	}
	fresh := existing == nil

	if fresh && session.ServerID == m.registry.ServerID() {
		if max := m.registry.Self().MaxConnections; max > 0 && m.LocalCount() >= max {
			return ErrCapacity
		}
	}

	now := m.clock.Now()
	if session.ConnectedAt.IsZero() {
		session.ConnectedAt = now
	}
	session.LastActivity = now
	if session.Status == "" {
		session.Status = models.SessionStatusConnected
	}

	if err := m.writeSession(ctx, session); err != nil {
		return errors.Wrap(err, "register session")
	}

	if fresh && session.ServerID == m.registry.ServerID() {
		m.localCount.Add(1)
		m.publishMetrics(ctx)
	}

	m.logger.Debug("Session registered", map[string]interface{}{
		"session_id": session.ID,
		"org_id":     session.OrgID,
		"server_id":  session.ServerID,
	})
	return nil
}

func (m *Manager) writeSession(ctx context.Context, session *models.Session) error {
	keys := m.rdb.Keys()
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	ttl := m.config.ConnectionTTL

	return m.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, keys.Connection(session.ID), data, ttl)
		pipe.SAdd(ctx, keys.ServerConnections(session.ServerID), session.ID)
		pipe.Expire(ctx, keys.ServerConnections(session.ServerID), 2*ttl)
		pipe.SAdd(ctx, keys.OrgConnections(session.OrgID), session.ID)
		pipe.Expire(ctx, keys.OrgConnections(session.OrgID), 2*ttl)
		if session.UserID != "" {
			pipe.Set(ctx, keys.UserServer(session.OrgID, session.UserID), session.ServerID, ttl)
		}
		return nil
	})
}

// Unregister deletes the session key and every derived index entry. It is
// idempotent: a missing session is a successful no-op.
func (m *Manager) Unregister(ctx context.Context, sessionID string) error {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}

	keys := m.rdb.Keys()
	err = m.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, keys.Connection(sessionID))
		pipe.SRem(ctx, keys.ServerConnections(session.ServerID), sessionID)
		pipe.SRem(ctx, keys.OrgConnections(session.OrgID), sessionID)
		if session.UserID != "" {
			pipe.Del(ctx, keys.UserServer(session.OrgID, session.UserID))
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "unregister session")
	}

	if session.ServerID == m.registry.ServerID() {
		if m.localCount.Add(-1) < 0 {
			m.localCount.Store(0)
		}
		m.publishMetrics(ctx)
	}

	m.logger.Debug("Session unregistered", map[string]interface{}{
		"session_id": sessionID,
	})
	return nil
}

// Touch updates last_activity (and subscriptions, when provided) and
// refreshes every TTL. A missing session is a silent no-op.
func (m *Manager) Touch(ctx context.Context, sessionID string, channels []string) error {
	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}

	session.LastActivity = m.clock.Now()
	if channels != nil {
		session.Channels = channels
	}
	return m.writeSession(ctx, session)
}

// Get returns the session record, or nil when absent.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	var session models.Session
	found, err := m.rdb.GetJSON(ctx, m.rdb.Keys().Connection(sessionID), &session)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &session, nil
}

// ListByServer hydrates every session hosted by a node. Ids whose record
// has expired are tombstones and are removed from the index on sight.
func (m *Manager) ListByServer(ctx context.Context, serverID string) ([]*models.Session, error) {
	return m.listIndexed(ctx, m.rdb.Keys().ServerConnections(serverID))
}

// ListByOrg hydrates every session of an organization.
func (m *Manager) ListByOrg(ctx context.Context, orgID string) ([]*models.Session, error) {
	return m.listIndexed(ctx, m.rdb.Keys().OrgConnections(orgID))
}

func (m *Manager) listIndexed(ctx context.Context, indexKey string) ([]*models.Session, error) {
	ids, err := m.rdb.SMembers(ctx, indexKey)
	if err != nil {
		return nil, err
	}

	sessions := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		session, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if session == nil {
			if err := m.rdb.SRem(ctx, indexKey, id); err != nil {
				m.logger.Warn("Failed to remove tombstoned index entry", map[string]interface{}{
					"index":      indexKey,
					"session_id": id,
					"error":      err.Error(),
				})
			}
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

// FindUserServer resolves the node hosting a user's sessions. Empty when
// the mapping is absent or the mapped node is no longer routable.
func (m *Manager) FindUserServer(ctx context.Context, orgID, userID string) (string, error) {
	serverID, found, err := m.rdb.GetString(ctx, m.rdb.Keys().UserServer(orgID, userID))
	if err != nil || !found {
		return "", err
	}

	node, err := m.registry.GetServerByID(ctx, serverID)
	if err != nil {
		return "", err
	}
	if node == nil || !node.Routable() {
		return "", nil
	}
	return serverID, nil
}

// GetLoadMetrics returns one row per routable node, sorted ascending by
// load fraction.
func (m *Manager) GetLoadMetrics(ctx context.Context) ([]models.LoadMetric, error) {
	servers, err := m.registry.GetActiveServers(ctx)
	if err != nil {
		return nil, err
	}

	metrics := make([]models.LoadMetric, 0, len(servers))
	for _, server := range servers {
		count, err := m.rdb.SCard(ctx, m.rdb.Keys().ServerConnections(server.ID))
		if err != nil {
			return nil, err
		}
		var load float64
		if server.MaxConnections > 0 {
			load = float64(count) / float64(server.MaxConnections)
		}
		metrics = append(metrics, models.LoadMetric{
			ServerID:    server.ID,
			Connections: int(count),
			MaxCapacity: server.MaxConnections,
			Load:        load,
		})
	}

	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].Load < metrics[j].Load
	})
	return metrics, nil
}

// Migrate creates the migration record and signals the target through the
// bus. It returns false when the session does not exist. Initiating a
// migration does not force the move: the target drives the hand-off and a
// failed migration is a no-op against session state.
func (m *Manager) Migrate(ctx context.Context, sessionID, targetServerID string) (bool, error) {
	ctx, span := observability.StartSpan(ctx, "connections.migrate")
	defer span.End()
	span.SetAttribute("session_id", sessionID)
	span.SetAttribute("target_server", targetServerID)

	session, err := m.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if session == nil {
		return false, nil
	}

	signaler := m.getSignaler()
	if signaler == nil {
		return false, errors.New("no migration signaler installed")
	}

	migration := &models.Migration{
		SessionID:      sessionID,
		SourceServerID: session.ServerID,
		TargetServerID: targetServerID,
		Status:         models.MigrationStatusPending,
		StartedAt:      m.clock.Now(),
	}
	if err := m.rdb.SetJSON(ctx, m.rdb.Keys().Migration(sessionID), migration, m.config.MigrationTTL); err != nil {
		return false, errors.Wrap(err, "write migration record")
	}

	session.Status = models.SessionStatusMigrating
	if err := m.writeSession(ctx, session); err != nil {
		return false, errors.Wrap(err, "mark session migrating")
	}

	if err := signaler.SignalMigration(ctx, targetServerID, migration, session); err != nil {
		return false, errors.Wrap(err, "signal migration")
	}

	m.metrics.IncrementCounter("migrations_initiated_total", 1)
	m.logger.Info("Migration initiated", map[string]interface{}{
		"session_id": sessionID,
		"source":     migration.SourceServerID,
		"target":     targetServerID,
	})
	return true, nil
}

// GetMigration returns the migration record for a session, or nil.
func (m *Manager) GetMigration(ctx context.Context, sessionID string) (*models.Migration, error) {
	var migration models.Migration
	found, err := m.rdb.GetJSON(ctx, m.rdb.Keys().Migration(sessionID), &migration)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &migration, nil
}

// publishMetrics pushes the local connection count into the registry.
func (m *Manager) publishMetrics(ctx context.Context) {
	node := m.registry.Self()
	node.Metrics.Connections = m.LocalCount()
	if err := m.registry.UpdateMetrics(ctx, node.Metrics); err != nil {
		m.logger.Warn("Failed to publish connection metrics", map[string]interface{}{
			"error": err.Error(),
		})
	}
	m.metrics.RecordGauge("local_connections", float64(m.LocalCount()), nil)
}
