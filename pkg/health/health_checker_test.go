package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonpuls/axonpuls/pkg/observability"
	"github.com/axonpuls/axonpuls/pkg/redis"
)

func newChecker() *HealthChecker {
	return NewHealthChecker(observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestHealthChecker_RunChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("Classifies outcomes into the three statuses", func(t *testing.T) {
		h := newChecker()
		h.RegisterCheck("good", NewServiceHealthCheck("good", func(ctx context.Context) error {
			return nil
		}))
		h.RegisterCheck("slow", NewServiceHealthCheck("slow", func(ctx context.Context) error {
			return Degraded("running behind")
		}))
		h.RegisterCheck("broken", NewServiceHealthCheck("broken", func(ctx context.Context) error {
			return errors.New("boom")
		}))

		results := h.RunChecks(ctx)
		require.Len(t, results, 3)
		assert.Equal(t, StatusHealthy, results["good"].Status)
		assert.Equal(t, StatusDegraded, results["slow"].Status)
		assert.Equal(t, "running behind", results["slow"].Message)
		assert.Equal(t, StatusUnhealthy, results["broken"].Status)
	})

	t.Run("Checks run under a per-check timeout", func(t *testing.T) {
		h := newChecker()
		h.timeout = 50 * time.Millisecond
		h.RegisterCheck("hung", NewServiceHealthCheck("hung", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}))

		start := time.Now()
		results := h.RunChecks(ctx)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, StatusUnhealthy, results["hung"].Status)
	})

	t.Run("Results are cached for later reads", func(t *testing.T) {
		h := newChecker()
		h.RegisterCheck("good", NewServiceHealthCheck("good", func(ctx context.Context) error {
			return nil
		}))
		h.RunChecks(ctx)

		cached := h.GetResults()
		require.Contains(t, cached, "good")
		assert.True(t, h.IsHealthy())
	})
}

func TestHealthChecker_GetAggregatedHealth(t *testing.T) {
	ctx := context.Background()

	t.Run("Unhealthy component dominates the rollup", func(t *testing.T) {
		h := newChecker()
		h.RegisterCheck("good", NewServiceHealthCheck("good", func(ctx context.Context) error { return nil }))
		h.RegisterCheck("broken", NewServiceHealthCheck("broken", func(ctx context.Context) error { return errors.New("boom") }))
		h.RunChecks(ctx)

		agg := h.GetAggregatedHealth()
		assert.Equal(t, StatusUnhealthy, agg.Status)
		assert.Equal(t, "1 components unhealthy", agg.Message)
	})

	t.Run("Degraded component lowers but does not fail the rollup", func(t *testing.T) {
		h := newChecker()
		h.RegisterCheck("good", NewServiceHealthCheck("good", func(ctx context.Context) error { return nil }))
		h.RegisterCheck("slow", NewServiceHealthCheck("slow", func(ctx context.Context) error { return Degraded("lagging") }))
		h.RunChecks(ctx)

		agg := h.GetAggregatedHealth()
		assert.Equal(t, StatusDegraded, agg.Status)
	})

	t.Run("All healthy rolls up healthy", func(t *testing.T) {
		h := newChecker()
		h.RegisterCheck("good", NewServiceHealthCheck("good", func(ctx context.Context) error { return nil }))
		h.RunChecks(ctx)

		agg := h.GetAggregatedHealth()
		assert.Equal(t, StatusHealthy, agg.Status)
		assert.Empty(t, agg.Message)
	})
}

func TestRedisHealthCheck(t *testing.T) {
	t.Run("Healthy against a reachable control plane", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		cfg := redis.DefaultConfig()
		cfg.Addresses = []string{mr.Addr()}
		rdb, err := redis.NewClient(cfg, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
		require.NoError(t, err)
		defer rdb.Close()

		check := NewRedisHealthCheck("redis", rdb)
		assert.NoError(t, check.Check(context.Background()))
	})

	t.Run("Unhealthy when the control plane is gone", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)

		cfg := redis.DefaultConfig()
		cfg.Addresses = []string{mr.Addr()}
		rdb, err := redis.NewClient(cfg, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
		require.NoError(t, err)
		defer rdb.Close()

		mr.Close()
		assert.Error(t, NewRedisHealthCheck("redis", rdb).Check(context.Background()))
	})
}
