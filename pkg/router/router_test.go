package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/axonpuls/axonpuls/pkg/connections"
	"github.com/axonpuls/axonpuls/pkg/events"
	"github.com/axonpuls/axonpuls/pkg/models"
	"github.com/axonpuls/axonpuls/pkg/observability"
	"github.com/axonpuls/axonpuls/pkg/redis"
	"github.com/axonpuls/axonpuls/pkg/registry"
	"github.com/axonpuls/axonpuls/pkg/resilience"
)

type testNode struct {
	router   *Router
	registry *registry.Registry
	manager  *connections.Manager
	stream   *events.Stream
	rdb      *redis.Client
}

// startNode stands up one fully wired node against the shared redis and
// attaches its router to the bus.
func startNode(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, id string) (*testNode, func()) {
	t.Helper()

	cfg := redis.DefaultConfig()
	cfg.Addresses = []string{mr.Addr()}

	rdb, err := redis.NewClient(cfg, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, err)

	node := models.Node{
		ID:             id,
		Address:        "127.0.0.1:0",
		MaxConnections: 100,
		Status:         models.NodeStatusActive,
	}
	reg := registry.New(rdb, node, registry.DefaultConfig(), nil, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	require.NoError(t, reg.Register(ctx))

	manager := connections.NewManager(rdb, reg, connections.DefaultConfig(), nil, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	stream := events.NewStream(0, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	engine := resilience.NewEngine(resilience.DefaultEngineConfig(), nil, observability.NewNoopLogger(), observability.NewNoopMetricsClient())

	r := New(rdb, reg, manager, stream, engine, DefaultConfig(), nil, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	manager.SetSignaler(r)
	require.NoError(t, r.Start(ctx))

	return &testNode{router: r, registry: reg, manager: manager, stream: stream, rdb: rdb}, func() {
		_ = rdb.Close()
	}
}

func setupCluster(t *testing.T, ids ...string) (map[string]*testNode, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())

	nodes := make(map[string]*testNode, len(ids))
	closers := make([]func(), 0, len(ids))
	for _, id := range ids {
		n, closeNode := startNode(t, ctx, mr, id)
		nodes[id] = n
		closers = append(closers, closeNode)
	}

	return nodes, func() {
		cancel()
		for _, n := range nodes {
			n.router.Wait()
		}
		for _, c := range closers {
			c()
		}
		mr.Close()
	}
}

func testEvent(eventType, channel string) *models.Event {
	return &models.Event{
		ID:        models.NewID(),
		Type:      eventType,
		Channel:   channel,
		Payload:   json.RawMessage(`{"text":"hello"}`),
		Timestamp: time.Now(),
	}
}

func recvEvent(t *testing.T, ch <-chan *models.Event) *models.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, ch <-chan *models.Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %q on channel %q", ev.Type, ev.Channel)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRouter_Broadcast(t *testing.T) {
	nodes, cleanup := setupCluster(t, "n1", "n2", "n3")
	defer cleanup()
	ctx := context.Background()
	channel := models.ChannelName("acme", "chat")

	t.Run("Reaches every other node with provenance metadata", func(t *testing.T) {
		ch2, cancel2 := nodes["n2"].stream.Subscribe(channel)
		defer cancel2()
		ch3, cancel3 := nodes["n3"].stream.Subscribe(channel)
		defer cancel3()

		msgID, err := nodes["n1"].router.Broadcast(ctx, "acme", channel, testEvent("chat.message", channel), SendOptions{ExcludeSelf: true})
		require.NoError(t, err)
		require.NotEmpty(t, msgID)

		for _, ch := range []<-chan *models.Event{ch2, ch3} {
			ev := recvEvent(t, ch)
			assert.Equal(t, "chat.message", ev.Type)
			assert.True(t, ev.IsCrossServer())
			assert.Equal(t, "n1", ev.Metadata[models.MetaSourceNode])
			assert.NotEmpty(t, ev.Metadata[models.MetaRoutedAt])
		}
	})

	t.Run("Sender does not hear its own broadcast when excluding self", func(t *testing.T) {
		ch1, cancel1 := nodes["n1"].stream.Subscribe(channel)
		defer cancel1()

		_, err := nodes["n1"].router.Broadcast(ctx, "acme", channel, testEvent("chat.message", channel), SendOptions{ExcludeSelf: true})
		require.NoError(t, err)

		assertNoEvent(t, ch1)
	})

	t.Run("Local re-injection happens when self is included", func(t *testing.T) {
		ch1, cancel1 := nodes["n1"].stream.Subscribe(channel)
		defer cancel1()

		_, err := nodes["n1"].router.Broadcast(ctx, "acme", channel, testEvent("chat.message", channel), SendOptions{})
		require.NoError(t, err)

		ev := recvEvent(t, ch1)
		// The local copy never crossed the wire.
		assert.False(t, ev.IsCrossServer())
	})

	t.Run("Collects delivery acks when requested", func(t *testing.T) {
		msgID, err := nodes["n1"].router.Broadcast(ctx, "acme", channel, testEvent("chat.message", channel), SendOptions{ExcludeSelf: true, Ack: true})
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return len(nodes["n1"].router.DeliveryStatus(msgID)) == 2
		}, 3*time.Second, 20*time.Millisecond)

		for _, ack := range nodes["n1"].router.DeliveryStatus(msgID) {
			assert.Equal(t, models.AckStatusDelivered, ack.Status)
			assert.Equal(t, msgID, ack.MessageID)
		}
	})
}

func TestRouter_DuplicateSuppression(t *testing.T) {
	nodes, cleanup := setupCluster(t, "n1", "n2")
	defer cleanup()
	ctx := context.Background()
	channel := models.ChannelName("acme", "chat")

	t.Run("Second copy of a message id is dropped", func(t *testing.T) {
		ch2, cancel2 := nodes["n2"].stream.Subscribe(channel)
		defer cancel2()

		msg := models.CrossServerMessage{
			ID:             models.NewID(),
			Kind:           models.MessageKindBroadcast,
			SourceServerID: "n1",
			OrgID:          "acme",
			Channel:        channel,
			Event:          *testEvent("chat.message", channel),
			Timestamp:      time.Now(),
		}
		data, err := json.Marshal(&msg)
		require.NoError(t, err)

		eventsChannel := nodes["n1"].rdb.Keys().EventsChannel()
		require.NoError(t, nodes["n1"].rdb.Publish(ctx, eventsChannel, data))
		require.NoError(t, nodes["n1"].rdb.Publish(ctx, eventsChannel, data))

		ev := recvEvent(t, ch2)
		assert.Equal(t, "chat.message", ev.Type)
		assertNoEvent(t, ch2)
	})

	t.Run("Sender suppresses a looped copy of its own message", func(t *testing.T) {
		ch1, cancel1 := nodes["n1"].stream.Subscribe(channel)
		defer cancel1()

		msgID, err := nodes["n1"].router.Broadcast(ctx, "acme", channel, testEvent("chat.message", channel), SendOptions{ExcludeSelf: true})
		require.NoError(t, err)
		require.NotEmpty(t, msgID)

		// The same id re-entering the bus under a different source must
		// hit the sender's own cache, not just the source check.
		looped := models.CrossServerMessage{
			ID:             msgID,
			Kind:           models.MessageKindBroadcast,
			SourceServerID: "n2",
			OrgID:          "acme",
			Channel:        channel,
			Event:          *testEvent("chat.message", channel),
			Timestamp:      time.Now(),
		}
		data, err := json.Marshal(&looped)
		require.NoError(t, err)
		require.NoError(t, nodes["n2"].rdb.Publish(ctx, nodes["n2"].rdb.Keys().EventsChannel(), data))

		assertNoEvent(t, ch1)
	})

	t.Run("Unparseable payloads are dropped without killing the loop", func(t *testing.T) {
		ch2, cancel2 := nodes["n2"].stream.Subscribe(channel)
		defer cancel2()

		eventsChannel := nodes["n1"].rdb.Keys().EventsChannel()
		require.NoError(t, nodes["n1"].rdb.Publish(ctx, eventsChannel, []byte("not json")))
		assertNoEvent(t, ch2)

		_, err := nodes["n1"].router.Broadcast(ctx, "acme", channel, testEvent("chat.message", channel), SendOptions{ExcludeSelf: true})
		require.NoError(t, err)
		recvEvent(t, ch2)
	})
}

func TestRouter_UnicastToUser(t *testing.T) {
	nodes, cleanup := setupCluster(t, "n1", "n2", "n3")
	defer cleanup()
	ctx := context.Background()
	channel := models.ChannelName("org-1", "notifications")

	t.Run("Reaches only the node hosting the user", func(t *testing.T) {
		require.NoError(t, nodes["n2"].manager.Register(ctx, &models.Session{
			ID:       "s1",
			OrgID:    "org-1",
			UserID:   "user-7",
			ServerID: "n2",
			SocketID: "sock-s1",
		}))

		ch2, cancel2 := nodes["n2"].stream.Subscribe(channel)
		defer cancel2()
		ch3, cancel3 := nodes["n3"].stream.Subscribe(channel)
		defer cancel3()

		msgID, err := nodes["n1"].router.UnicastToUser(ctx, "user-7", "org-1", channel, testEvent("notify", channel), SendOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, msgID)

		ev := recvEvent(t, ch2)
		assert.Equal(t, "notify", ev.Type)
		assert.Equal(t, "n1", ev.Metadata[models.MetaSourceNode])

		assertNoEvent(t, ch3)
	})

	t.Run("Delivers locally without a wire trip when the user is here", func(t *testing.T) {
		require.NoError(t, nodes["n1"].manager.Register(ctx, &models.Session{
			ID:       "s2",
			OrgID:    "org-1",
			UserID:   "user-8",
			ServerID: "n1",
			SocketID: "sock-s2",
		}))

		ch1, cancel1 := nodes["n1"].stream.Subscribe(channel)
		defer cancel1()

		msgID, err := nodes["n1"].router.UnicastToUser(ctx, "user-8", "org-1", channel, testEvent("notify", channel), SendOptions{})
		require.NoError(t, err)
		assert.Empty(t, msgID)

		ev := recvEvent(t, ch1)
		assert.False(t, ev.IsCrossServer())
	})

	t.Run("Unknown user is a no-op", func(t *testing.T) {
		msgID, err := nodes["n1"].router.UnicastToUser(ctx, "nobody", "org-1", channel, testEvent("notify", channel), SendOptions{})
		require.NoError(t, err)
		assert.Empty(t, msgID)
	})
}

func TestRouter_Multicast(t *testing.T) {
	nodes, cleanup := setupCluster(t, "n1", "n2", "n3")
	defer cleanup()
	ctx := context.Background()
	channel := models.ChannelName("acme", "ops")

	t.Run("Only listed nodes apply the message", func(t *testing.T) {
		ch2, cancel2 := nodes["n2"].stream.Subscribe(channel)
		defer cancel2()
		ch3, cancel3 := nodes["n3"].stream.Subscribe(channel)
		defer cancel3()

		msgID, err := nodes["n1"].router.Multicast(ctx, []string{"n2"}, "acme", channel, testEvent("ops.ping", channel), SendOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, msgID)

		recvEvent(t, ch2)
		assertNoEvent(t, ch3)
	})
}

func TestRouter_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	observability.SetTracer(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test"))

	nodes, cleanup := setupCluster(t, "n1", "n2")
	defer cleanup()
	ctx := context.Background()
	channel := models.ChannelName("acme", "chat")

	t.Run("Publish and receive are traced", func(t *testing.T) {
		ch2, cancel2 := nodes["n2"].stream.Subscribe(channel)
		defer cancel2()

		_, err := nodes["n1"].router.Broadcast(ctx, "acme", channel, testEvent("chat.message", channel), SendOptions{ExcludeSelf: true})
		require.NoError(t, err)
		recvEvent(t, ch2)

		require.Eventually(t, func() bool {
			names := make(map[string]bool)
			for _, s := range recorder.Ended() {
				names[s.Name()] = true
			}
			return names["router.publish"] && names["router.receive"]
		}, 3*time.Second, 20*time.Millisecond)
	})
}

func TestRouter_SignalMigration(t *testing.T) {
	nodes, cleanup := setupCluster(t, "n1", "n2")
	defer cleanup()
	ctx := context.Background()

	t.Run("Target node receives the full session descriptor", func(t *testing.T) {
		session := &models.Session{
			ID:       "s1",
			OrgID:    "org-1",
			UserID:   "user-1",
			ServerID: "n1",
			SocketID: "sock-s1",
		}
		require.NoError(t, nodes["n1"].manager.Register(ctx, session))

		migrationChannel := models.ChannelName("org-1", "migrations")
		ch2, cancel2 := nodes["n2"].stream.Subscribe(migrationChannel)
		defer cancel2()

		ok, err := nodes["n1"].manager.Migrate(ctx, "s1", "n2")
		require.NoError(t, err)
		require.True(t, ok)

		ev := recvEvent(t, ch2)
		assert.Equal(t, EventTypeMigrationRequest, ev.Type)

		var payload MigrationPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &payload))
		assert.Equal(t, "s1", payload.Session.ID)
		assert.Equal(t, "n2", payload.Migration.TargetServerID)
		assert.Equal(t, "n1", payload.Migration.SourceServerID)
	})
}
