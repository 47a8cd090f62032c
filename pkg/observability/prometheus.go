package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetricsClient implements MetricsClient on a dedicated registry,
// so multiple clients (and tests) never collide on collector names.
type PrometheusMetricsClient struct {
	namespace string
	subsystem string
	registry  *prometheus.Registry

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.RWMutex

	commonLabels prometheus.Labels
}

// NewPrometheusMetricsClient creates a Prometheus-backed metrics client.
func NewPrometheusMetricsClient(namespace, subsystem string, commonLabels map[string]string) *PrometheusMetricsClient {
	labels := prometheus.Labels{}
	for k, v := range commonLabels {
		labels[k] = v
	}

	c := &PrometheusMetricsClient{
		namespace:    namespace,
		subsystem:    subsystem,
		registry:     prometheus.NewRegistry(),
		counters:     make(map[string]*prometheus.CounterVec),
		gauges:       make(map[string]*prometheus.GaugeVec),
		histograms:   make(map[string]*prometheus.HistogramVec),
		commonLabels: labels,
	}

	c.registerDefaultMetrics()
	return c
}

// Registry exposes the underlying registry for the /metrics handler.
func (c *PrometheusMetricsClient) Registry() *prometheus.Registry {
	return c.registry
}

// registerDefaultMetrics pre-creates the metrics every node emits, fixing
// their label sets up front.
func (c *PrometheusMetricsClient) registerDefaultMetrics() {
	c.getOrCreateGauge("websocket_connections_active", "Active WebSocket connections on this node", nil)
	c.getOrCreateCounter("websocket_connections_total", "Total accepted WebSocket connections", nil)

	c.getOrCreateCounter("router_messages_published_total", "Cross-server messages published", []string{"kind"})
	c.getOrCreateCounter("router_messages_delivered_total", "Cross-server messages applied locally", nil)
	c.getOrCreateCounter("router_messages_duplicate_total", "Cross-server messages dropped as duplicates", nil)
	c.getOrCreateCounter("router_acks_total", "Delivery acknowledgments received", []string{"status"})

	c.getOrCreateCounter("retry_attempts_total", "Retry engine attempts", []string{"outcome"})
	c.getOrCreateCounter("circuit_breaker_transitions_total", "Circuit breaker state changes", []string{"name", "from", "to"})
	c.getOrCreateGauge("circuit_breaker_state", "Circuit breaker state (0=closed 1=open 2=half_open)", []string{"name"})

	c.getOrCreateGauge("health_check_status", "Health check status (1=healthy 0=unhealthy)", []string{"component"})
	c.getOrCreateCounter("api_requests_total", "HTTP requests", []string{"method", "endpoint", "status"})
	c.getOrCreateHistogram("api_request_duration_seconds", "HTTP request duration", []string{"method", "endpoint"}, prometheus.DefBuckets)
}

func (c *PrometheusMetricsClient) RecordEvent(source, eventType string) {
	c.IncrementCounterWithLabels("events_total", 1, map[string]string{
		"source": source,
		"type":   eventType,
	})
}

func (c *PrometheusMetricsClient) RecordLatency(operation string, duration time.Duration) {
	c.RecordHistogram("operation_latency_seconds", duration.Seconds(), map[string]string{
		"operation": operation,
	})
}

func (c *PrometheusMetricsClient) RecordCounter(name string, value float64, labels map[string]string) {
	counter := c.getOrCreateCounter(name, fmt.Sprintf("Counter for %s", name), labelNames(labels))
	counter.With(c.mergeLabels(labels)).Add(value)
}

func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	gauge := c.getOrCreateGauge(name, fmt.Sprintf("Gauge for %s", name), labelNames(labels))
	gauge.With(c.mergeLabels(labels)).Set(value)
}

func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	histogram := c.getOrCreateHistogram(name, fmt.Sprintf("Histogram for %s", name), labelNames(labels), prometheus.DefBuckets)
	histogram.With(c.mergeLabels(labels)).Observe(value)
}

func (c *PrometheusMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name, duration.Seconds(), labels)
}

func (c *PrometheusMetricsClient) RecordAPIOperation(method, endpoint string, statusCode int, duration time.Duration) {
	c.IncrementCounterWithLabels("api_requests_total", 1, map[string]string{
		"method":   method,
		"endpoint": endpoint,
		"status":   fmt.Sprintf("%d", statusCode),
	})
	c.RecordHistogram("api_request_duration_seconds", duration.Seconds(), map[string]string{
		"method":   method,
		"endpoint": endpoint,
	})
}

func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordTimer(name, time.Since(start), labels)
	}
}

func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.RecordCounter(name, value, nil)
}

func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	c.RecordCounter(name, value, labels)
}

func (c *PrometheusMetricsClient) RecordDuration(name string, duration time.Duration) {
	c.RecordHistogram(name, duration.Seconds(), nil)
}

func (c *PrometheusMetricsClient) Close() error { return nil }

func (c *PrometheusMetricsClient) getOrCreateCounter(name, help string, labels []string) *prometheus.CounterVec {
	c.mu.RLock()
	if counter, ok := c.counters[name]; ok {
		c.mu.RUnlock()
		return counter
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok := c.counters[name]; ok {
		return counter
	}

	counter := promauto.With(c.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	}, c.withCommonLabelNames(labels))
	c.counters[name] = counter
	return counter
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name, help string, labels []string) *prometheus.GaugeVec {
	c.mu.RLock()
	if gauge, ok := c.gauges[name]; ok {
		c.mu.RUnlock()
		return gauge
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if gauge, ok := c.gauges[name]; ok {
		return gauge
	}

	gauge := promauto.With(c.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	}, c.withCommonLabelNames(labels))
	c.gauges[name] = gauge
	return gauge
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	c.mu.RLock()
	if histogram, ok := c.histograms[name]; ok {
		c.mu.RUnlock()
		return histogram
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if histogram, ok := c.histograms[name]; ok {
		return histogram
	}

	histogram := promauto.With(c.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, c.withCommonLabelNames(labels))
	c.histograms[name] = histogram
	return histogram
}

func (c *PrometheusMetricsClient) withCommonLabelNames(labels []string) []string {
	out := make([]string, 0, len(labels)+len(c.commonLabels))
	out = append(out, labels...)
	for k := range c.commonLabels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *PrometheusMetricsClient) mergeLabels(labels map[string]string) prometheus.Labels {
	merged := prometheus.Labels{}
	for k, v := range c.commonLabels {
		merged[k] = v
	}
	for k, v := range labels {
		merged[k] = v
	}
	return merged
}

func labelNames(labels map[string]string) []string {
	if len(labels) == 0 {
		return nil
	}
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
