package observability

import (
	"bytes"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)
	fn()
	return buf.String()
}

func TestStandardLogger_Levels(t *testing.T) {
	t.Run("Info logger suppresses debug", func(t *testing.T) {
		logger := NewLogger("test")
		out := captureOutput(t, func() {
			logger.Debug("hidden", nil)
			logger.Info("shown", nil)
		})
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "shown")
	})

	t.Run("Debug logger emits everything", func(t *testing.T) {
		logger := NewLoggerWithLevel("test", LogLevelDebug)
		out := captureOutput(t, func() {
			logger.Debug("visible", nil)
		})
		assert.Contains(t, out, "visible")
		assert.Contains(t, out, "[DEBUG]")
	})

	t.Run("Error always emits", func(t *testing.T) {
		logger := NewLoggerWithLevel("test", LogLevelFatal)
		out := captureOutput(t, func() {
			logger.Error("boom", nil)
		})
		assert.Contains(t, out, "boom")
	})
}

func TestStandardLogger_Fields(t *testing.T) {
	t.Run("Renders sorted key=value pairs", func(t *testing.T) {
		logger := NewLogger("test")
		out := captureOutput(t, func() {
			logger.Info("msg", map[string]interface{}{"b": 2, "a": 1})
		})
		assert.Contains(t, out, "a=1 b=2")
	})

	t.Run("With fields persist across entries", func(t *testing.T) {
		logger := NewLogger("test").With(map[string]interface{}{"node": "n1"})
		out := captureOutput(t, func() {
			logger.Info("first", nil)
			logger.Info("second", map[string]interface{}{"extra": true})
		})
		assert.Contains(t, out, "first node=n1")
		assert.Contains(t, out, "extra=true node=n1")
	})

	t.Run("WithPrefix changes the component tag", func(t *testing.T) {
		logger := NewLogger("outer").WithPrefix("router")
		out := captureOutput(t, func() {
			logger.Info("msg", nil)
		})
		assert.Contains(t, out, "[router]")
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LogLevelDebug, ParseLevel("debug"))
	assert.Equal(t, LogLevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, LogLevelInfo, ParseLevel(""))
	assert.Equal(t, LogLevelInfo, ParseLevel("nonsense"))
}

func TestNoopLogger(t *testing.T) {
	logger := NewNoopLogger()
	out := captureOutput(t, func() {
		logger.Info("silent", map[string]interface{}{"k": "v"})
		logger.Errorf("silent %d", 1)
	})
	assert.Empty(t, out)
	assert.Same(t, logger, logger.WithPrefix("x"))
}

func TestPrometheusMetricsClient(t *testing.T) {
	t.Run("Registers and updates metrics without panicking", func(t *testing.T) {
		client := NewPrometheusMetricsClient("axonpuls", "server", map[string]string{"node": "n1"})

		client.RecordGauge("websocket_connections_active", 12, nil)
		client.IncrementCounterWithLabels("router_messages_published_total", 1, map[string]string{"kind": "broadcast"})
		client.RecordHistogram("api_request_duration_seconds", 0.05, map[string]string{"method": "GET", "endpoint": "/health"})
		client.RecordAPIOperation("GET", "/health/ready", 200, 3*time.Millisecond)
		stop := client.StartTimer("sweep_duration_seconds", nil)
		stop()

		families, err := client.Registry().Gather()
		assert.NoError(t, err)
		assert.NotEmpty(t, families)

		names := make(map[string]bool, len(families))
		for _, f := range families {
			names[f.GetName()] = true
		}
		assert.True(t, names["axonpuls_server_websocket_connections_active"])
		assert.True(t, names["axonpuls_server_router_messages_published_total"])
	})

	t.Run("Separate clients do not collide", func(t *testing.T) {
		a := NewPrometheusMetricsClient("axonpuls", "server", nil)
		b := NewPrometheusMetricsClient("axonpuls", "server", nil)
		a.IncrementCounter("websocket_connections_total", 1)
		b.IncrementCounter("websocket_connections_total", 1)
		assert.NoError(t, a.Close())
		assert.NoError(t, b.Close())
	})
}
