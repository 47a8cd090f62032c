package connections

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/axonpuls/axonpuls/pkg/models"
	"github.com/axonpuls/axonpuls/pkg/observability"
	"github.com/axonpuls/axonpuls/pkg/redis"
	"github.com/axonpuls/axonpuls/pkg/registry"
)

type fixture struct {
	manager  *Manager
	registry *registry.Registry
	rdb      *redis.Client
	mr       *miniredis.Miniredis
	clock    *models.ManualClock
}

func setupManager(t *testing.T, serverID string, capacity int) (*fixture, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	f, cleanupClient := attachManager(t, mr, serverID, capacity)
	return f, func() {
		cleanupClient()
		mr.Close()
	}
}

// attachManager joins another node to an existing control plane.
func attachManager(t *testing.T, mr *miniredis.Miniredis, serverID string, capacity int) (*fixture, func()) {
	t.Helper()

	cfg := redis.DefaultConfig()
	cfg.Addresses = []string{mr.Addr()}

	rdb, err := redis.NewClient(cfg, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)

	clock := models.NewManualClock(time.Now())
	node := models.Node{
		ID:             serverID,
		Address:        "127.0.0.1:0",
		MaxConnections: capacity,
		Status:         models.NodeStatusActive,
	}
	reg := registry.New(rdb, node, registry.DefaultConfig(), clock, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, reg.Register(context.Background()))

	manager := NewManager(rdb, reg, DefaultConfig(), clock, observability.NewNoopLogger(), observability.NewNoopMetricsClient())

	return &fixture{
			manager:  manager,
			registry: reg,
			rdb:      rdb,
			mr:       mr,
			clock:    clock,
		}, func() {
			_ = rdb.Close()
		}
}

func testSession(id, serverID string) *models.Session {
	return &models.Session{
		ID:       id,
		OrgID:    "org-1",
		UserID:   "user-1",
		ServerID: serverID,
		SocketID: "sock-" + id,
	}
}

func TestManager_Register(t *testing.T) {
	f, cleanup := setupManager(t, "n1", 100)
	defer cleanup()
	ctx := context.Background()

	t.Run("Writes record and all index entries", func(t *testing.T) {
		require.NoError(t, f.manager.Register(ctx, testSession("s1", "n1")))

		assert.True(t, f.mr.Exists("axonpuls:connections:s1"))

		members, err := f.mr.SMembers("axonpuls:server-connections:n1")
		require.NoError(t, err)
		assert.Contains(t, members, "s1")

		members, err = f.mr.SMembers("axonpuls:org-connections:org-1")
		require.NoError(t, err)
		assert.Contains(t, members, "s1")

		assert.Equal(t, "n1", mustGet(t, f.mr, "axonpuls:user-server:org-1:user-1"))
		assert.Equal(t, 1, f.manager.LocalCount())
	})

	t.Run("Re-registering the same session is idempotent", func(t *testing.T) {
		require.NoError(t, f.manager.Register(ctx, testSession("s1", "n1")))
		assert.Equal(t, 1, f.manager.LocalCount())

		members, err := f.mr.SMembers("axonpuls:server-connections:n1")
		require.NoError(t, err)
		assert.Len(t, members, 1)
	})

	t.Run("Same id on a different server is rejected", func(t *testing.T) {
		err := f.manager.Register(ctx, testSession("s1", "n2"))
		assert.ErrorIs(t, err, ErrSessionConflict)
	})

	t.Run("Sessions without an org are rejected", func(t *testing.T) {
		s := testSession("s2", "n1")
		s.OrgID = ""
		assert.Error(t, f.manager.Register(ctx, s))
	})
}

func TestManager_Capacity(t *testing.T) {
	f, cleanup := setupManager(t, "n1", 2)
	defer cleanup()
	ctx := context.Background()

	t.Run("Rejects a fresh session past the node limit", func(t *testing.T) {
		require.NoError(t, f.manager.Register(ctx, testSession("s1", "n1")))
		require.NoError(t, f.manager.Register(ctx, testSession("s2", "n1")))

		err := f.manager.Register(ctx, testSession("s3", "n1"))
		assert.ErrorIs(t, err, ErrCapacity)
		assert.Equal(t, 2, f.manager.LocalCount())
	})

	t.Run("Refreshing an existing session is not capacity-checked", func(t *testing.T) {
		assert.NoError(t, f.manager.Register(ctx, testSession("s2", "n1")))
	})

	t.Run("Unregister frees a slot", func(t *testing.T) {
		require.NoError(t, f.manager.Unregister(ctx, "s1"))
		assert.NoError(t, f.manager.Register(ctx, testSession("s3", "n1")))
	})
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}

func TestManager_Unregister(t *testing.T) {
	f, cleanup := setupManager(t, "n1", 100)
	defer cleanup()
	ctx := context.Background()

	t.Run("Register then unregister leaves no keys", func(t *testing.T) {
		require.NoError(t, f.manager.Register(ctx, testSession("s1", "n1")))
		require.NoError(t, f.manager.Unregister(ctx, "s1"))

		assert.False(t, f.mr.Exists("axonpuls:connections:s1"))
		assert.False(t, f.mr.Exists("axonpuls:user-server:org-1:user-1"))

		members, _ := f.mr.SMembers("axonpuls:server-connections:n1")
		assert.NotContains(t, members, "s1")
		members, _ = f.mr.SMembers("axonpuls:org-connections:org-1")
		assert.NotContains(t, members, "s1")

		assert.Equal(t, 0, f.manager.LocalCount())
	})

	t.Run("Unregister of a missing session is a no-op", func(t *testing.T) {
		assert.NoError(t, f.manager.Unregister(ctx, "ghost"))
	})
}

func TestManager_Touch(t *testing.T) {
	f, cleanup := setupManager(t, "n1", 100)
	defer cleanup()
	ctx := context.Background()

	t.Run("Advances last_activity and stores subscriptions", func(t *testing.T) {
		require.NoError(t, f.manager.Register(ctx, testSession("s1", "n1")))

		f.clock.Advance(30 * time.Second)
		require.NoError(t, f.manager.Touch(ctx, "s1", []string{"org:org-1:chat"}))

		session, err := f.manager.Get(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, []string{"org:org-1:chat"}, session.Channels)
		assert.Equal(t, f.clock.Now().Unix(), session.LastActivity.Unix())
	})

	t.Run("Touch of a missing session is silent", func(t *testing.T) {
		assert.NoError(t, f.manager.Touch(ctx, "ghost", nil))
	})
}

func TestManager_Lookups(t *testing.T) {
	f, cleanup := setupManager(t, "n1", 100)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, f.manager.Register(ctx, testSession("s1", "n1")))
	s2 := testSession("s2", "n1")
	s2.UserID = "user-2"
	require.NoError(t, f.manager.Register(ctx, s2))

	t.Run("ListByServer returns every hosted session", func(t *testing.T) {
		sessions, err := f.manager.ListByServer(ctx, "n1")
		require.NoError(t, err)
		assert.Len(t, sessions, 2)
	})

	t.Run("ListByOrg returns every org session", func(t *testing.T) {
		sessions, err := f.manager.ListByOrg(ctx, "org-1")
		require.NoError(t, err)
		assert.Len(t, sessions, 2)
	})

	t.Run("Expired records are treated as tombstones and removed", func(t *testing.T) {
		f.mr.Del("axonpuls:connections:s2")

		sessions, err := f.manager.ListByServer(ctx, "n1")
		require.NoError(t, err)
		assert.Len(t, sessions, 1)

		members, _ := f.mr.SMembers("axonpuls:server-connections:n1")
		assert.NotContains(t, members, "s2")
	})

	t.Run("FindUserServer resolves a live mapping", func(t *testing.T) {
		serverID, err := f.manager.FindUserServer(ctx, "org-1", "user-1")
		require.NoError(t, err)
		assert.Equal(t, "n1", serverID)
	})

	t.Run("FindUserServer is empty for an unknown user", func(t *testing.T) {
		serverID, err := f.manager.FindUserServer(ctx, "org-1", "nobody")
		require.NoError(t, err)
		assert.Empty(t, serverID)
	})

	t.Run("FindUserServer is empty when the mapped node is gone", func(t *testing.T) {
		f.mr.Del("axonpuls:servers:n1")
		serverID, err := f.manager.FindUserServer(ctx, "org-1", "user-1")
		require.NoError(t, err)
		assert.Empty(t, serverID)

		// Restore for later subtests.
		require.NoError(t, f.registry.Register(ctx))
	})
}

func TestManager_CleanupStale(t *testing.T) {
	f, cleanup := setupManager(t, "n1", 100)
	defer cleanup()
	ctx := context.Background()

	t.Run("Removes sessions idle past the TTL", func(t *testing.T) {
		require.NoError(t, f.manager.Register(ctx, testSession("s1", "n1")))
		fresh := testSession("s2", "n1")
		fresh.UserID = "user-2"
		require.NoError(t, f.manager.Register(ctx, fresh))

		// Age s1 past the TTL, then refresh s2.
		f.clock.Advance(10 * time.Minute)
		require.NoError(t, f.manager.Touch(ctx, "s2", nil))

		require.NoError(t, f.manager.CleanupStale(ctx))

		assert.False(t, f.mr.Exists("axonpuls:connections:s1"))
		assert.True(t, f.mr.Exists("axonpuls:connections:s2"))

		members, _ := f.mr.SMembers("axonpuls:server-connections:n1")
		assert.NotContains(t, members, "s1")
		members, _ = f.mr.SMembers("axonpuls:org-connections:org-1")
		assert.NotContains(t, members, "s1")

		assert.Equal(t, 1, f.manager.LocalCount())
	})
}

type recordingSignaler struct {
	calls []struct {
		target  string
		session string
	}
}

func (r *recordingSignaler) SignalMigration(ctx context.Context, target string, migration *models.Migration, session *models.Session) error {
	r.calls = append(r.calls, struct {
		target  string
		session string
	}{target, session.ID})
	return nil
}

func TestManager_Migrate(t *testing.T) {
	f, cleanup := setupManager(t, "n1", 100)
	defer cleanup()
	ctx := context.Background()

	sig := &recordingSignaler{}
	f.manager.SetSignaler(sig)

	t.Run("Creates the record and signals the target", func(t *testing.T) {
		require.NoError(t, f.manager.Register(ctx, testSession("s1", "n1")))

		ok, err := f.manager.Migrate(ctx, "s1", "n2")
		require.NoError(t, err)
		assert.True(t, ok)

		migration, err := f.manager.GetMigration(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, migration)
		assert.Equal(t, models.MigrationStatusPending, migration.Status)
		assert.Equal(t, "n1", migration.SourceServerID)
		assert.Equal(t, "n2", migration.TargetServerID)

		session, err := f.manager.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusMigrating, session.Status)

		require.Len(t, sig.calls, 1)
		assert.Equal(t, "n2", sig.calls[0].target)
	})

	t.Run("Missing session returns false without signaling", func(t *testing.T) {
		ok, err := f.manager.Migrate(ctx, "ghost", "n2")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Len(t, sig.calls, 1)
	})

	t.Run("Each migration is traced", func(t *testing.T) {
		recorder := tracetest.NewSpanRecorder()
		observability.SetTracer(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test"))

		_, err := f.manager.Migrate(ctx, "s1", "n2")
		require.NoError(t, err)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "connections.migrate", spans[0].Name())
	})
}

func TestManager_Balance(t *testing.T) {
	f, cleanup := setupManager(t, "n1", 1000)
	defer cleanup()
	ctx := context.Background()

	// Two more nodes on the same control plane.
	f2, cleanup2 := attachManager(t, f.mr, "n2", 1000)
	defer cleanup2()
	f3, cleanup3 := attachManager(t, f.mr, "n3", 1000)
	defer cleanup3()
	_ = f2
	_ = f3

	sig := &recordingSignaler{}
	f.manager.SetSignaler(sig)

	t.Run("Moves ten percent from the overloaded node to the emptiest", func(t *testing.T) {
		// n1 at 0.92, n2 at 0.30, n3 at 0.20.
		for i := 0; i < 920; i++ {
			s := testSession(fmt.Sprintf("a%d", i), "n1")
			s.UserID = ""
			require.NoError(t, f.manager.Register(ctx, s))
		}
		for i := 0; i < 300; i++ {
			s := testSession(fmt.Sprintf("b%d", i), "n2")
			s.UserID = ""
			require.NoError(t, f2.manager.Register(ctx, s))
		}
		for i := 0; i < 200; i++ {
			s := testSession(fmt.Sprintf("c%d", i), "n3")
			s.UserID = ""
			require.NoError(t, f3.manager.Register(ctx, s))
		}

		metrics, err := f.manager.GetLoadMetrics(ctx)
		require.NoError(t, err)
		require.Len(t, metrics, 3)
		assert.Equal(t, "n3", metrics[0].ServerID) // ascending by load

		require.NoError(t, f.manager.Balance(ctx))

		// min(10% of 920, headroom 800) = 92 migrations, all toward n3.
		assert.Len(t, sig.calls, 92)
		for _, call := range sig.calls {
			assert.Equal(t, "n3", call.target)
		}
	})

	t.Run("Balanced cluster initiates nothing", func(t *testing.T) {
		// Shed n1 below the threshold, then re-balance.
		for i := 0; i < 420; i++ {
			require.NoError(t, f.manager.Unregister(ctx, fmt.Sprintf("a%d", i)))
		}
		sig.calls = nil
		require.NoError(t, f.manager.Balance(ctx))
		assert.Empty(t, sig.calls)
	})
}
