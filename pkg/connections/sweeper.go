package connections

import (
	"context"
	"time"

	"github.com/axonpuls/axonpuls/pkg/models"
)

// Start launches the stale-connection sweeper and the load balancer. Both
// stop when ctx ends; Wait blocks until they have.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go m.cleanupLoop(ctx)
	go m.balanceLoop(ctx)
}

// Wait blocks until the background loops have stopped.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.CleanupStale(ctx); err != nil {
				m.logger.Error("Stale-connection sweep failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

func (m *Manager) balanceLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.LoadBalanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Balance(ctx); err != nil {
				m.logger.Error("Load-balance tick failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// CleanupStale removes every session across the cluster whose last activity
// is older than the connection TTL, then reconciles this node's local
// counter against the index.
func (m *Manager) CleanupStale(ctx context.Context) error {
	start := m.clock.Now()

	servers, err := m.registry.GetActiveServers(ctx)
	if err != nil {
		return err
	}

	var removed int
	for _, server := range servers {
		sessions, err := m.ListByServer(ctx, server.ID)
		if err != nil {
			m.logger.Warn("Failed to list sessions during sweep", map[string]interface{}{
				"server_id": server.ID,
				"error":     err.Error(),
			})
			continue
		}
		for _, session := range sessions {
			if session.IdleSince(m.clock.Now()) <= m.config.ConnectionTTL {
				continue
			}
			if err := m.Unregister(ctx, session.ID); err != nil {
				m.logger.Warn("Failed to remove stale session", map[string]interface{}{
					"session_id": session.ID,
					"error":      err.Error(),
				})
				continue
			}
			removed++
		}
	}

	m.reconcileLocalCount(ctx)

	if removed > 0 {
		m.logger.Info("Stale sessions removed", map[string]interface{}{
			"count": removed,
		})
	}
	m.metrics.RecordHistogram("cleanup_sweep_seconds", time.Since(start).Seconds(), nil)
	m.metrics.IncrementCounter("stale_sessions_removed_total", float64(removed))
	return nil
}

// reconcileLocalCount squares the cheap local counter with the index, so
// the externally visible metric is correct within one cleanup interval
// even if an increment was lost to a partial failure.
func (m *Manager) reconcileLocalCount(ctx context.Context) {
	count, err := m.rdb.SCard(ctx, m.rdb.Keys().ServerConnections(m.registry.ServerID()))
	if err != nil {
		m.logger.Warn("Failed to reconcile connection count", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if m.localCount.Swap(count) != count {
		m.publishMetrics(ctx)
	}
}

// Balance initiates migrations from overloaded nodes (load above the
// threshold) toward the least loaded node under half the threshold. At most
// 10% of the source's sessions move per tick, bounded by target headroom.
// Selection is insertion-order; the target must accept and drive the
// client reconnect, so this only starts hand-offs.
func (m *Manager) Balance(ctx context.Context) error {
	metrics, err := m.GetLoadMetrics(ctx)
	if err != nil {
		return err
	}

	underloaded := make([]models.LoadMetric, 0, len(metrics))
	for _, lm := range metrics {
		if lm.Load < m.config.LoadBalanceThreshold*0.5 {
			underloaded = append(underloaded, lm)
		}
	}
	if len(underloaded) == 0 {
		return nil
	}

	for _, source := range metrics {
		if source.Load <= m.config.LoadBalanceThreshold {
			continue
		}

		// metrics is sorted ascending, so the first under-loaded entry is
		// the emptiest node.
		target := underloaded[0]
		if target.ServerID == source.ServerID {
			continue
		}

		headroom := target.MaxCapacity - target.Connections
		budget := source.Connections / 10
		if budget > headroom {
			budget = headroom
		}
		if budget <= 0 {
			continue
		}

		sessions, err := m.ListByServer(ctx, source.ServerID)
		if err != nil {
			return err
		}
		if len(sessions) < budget {
			budget = len(sessions)
		}

		var moved int
		for _, session := range sessions[:budget] {
			ok, err := m.Migrate(ctx, session.ID, target.ServerID)
			if err != nil {
				m.logger.Warn("Migration initiation failed", map[string]interface{}{
					"session_id": session.ID,
					"error":      err.Error(),
				})
				continue
			}
			if ok {
				moved++
			}
		}

		m.logger.Info("Load balancing tick", map[string]interface{}{
			"source": source.ServerID,
			"target": target.ServerID,
			"moved":  moved,
		})
	}
	return nil
}
