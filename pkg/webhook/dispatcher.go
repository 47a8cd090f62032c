// Package webhook delivers fabric events to external HTTP endpoints with
// per-endpoint retry policy, circuit breaking, and payload signing.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/axonpuls/axonpuls/pkg/events"
	"github.com/axonpuls/axonpuls/pkg/models"
	"github.com/axonpuls/axonpuls/pkg/observability"
	"github.com/axonpuls/axonpuls/pkg/resilience"
)

// Delivery headers. The delivery id is stable across retries so
// exactly-once receivers can deduplicate.
const (
	HeaderSignature = "X-Axonpuls-Signature"
	HeaderEvent     = "X-Axonpuls-Event"
	HeaderDelivery  = "X-Axonpuls-Delivery"
)

// Semantics selects the delivery guarantee for an endpoint.
type Semantics string

const (
	// SemanticsAtLeastOnce retries until success or exhaustion; the
	// receiver may see duplicates.
	SemanticsAtLeastOnce Semantics = "at_least_once"
	// SemanticsAtMostOnce makes exactly one attempt and never retries.
	SemanticsAtMostOnce Semantics = "at_most_once"
	// SemanticsExactlyOnce retries like at-least-once; the stable delivery
	// id header lets the receiver collapse duplicates.
	SemanticsExactlyOnce Semantics = "exactly_once"
)

// RetryPolicy is the per-endpoint retry shape.
type RetryPolicy struct {
	Strategy    string        `json:"strategy" mapstructure:"strategy"` // fixed, linear, exponential
	MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" mapstructure:"max_delay"`
}

// Endpoint is one webhook destination.
type Endpoint struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Secret     string            `json:"secret,omitempty"`
	EventTypes []string          `json:"event_types,omitempty"` // empty matches everything
	Semantics  Semantics         `json:"semantics"`
	Retry      RetryPolicy       `json:"retry"`
	Headers    map[string]string `json:"headers,omitempty"`
}

func (e *Endpoint) matches(eventType string) bool {
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Config tunes the dispatcher.
type Config struct {
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
	DefaultRetry   RetryPolicy   `json:"default_retry" mapstructure:"default_retry"`
	// Endpoints registered at startup; more can be added at runtime.
	Endpoints []Endpoint `json:"endpoints" mapstructure:"endpoints"`
	// Channels are local stream channels consumed for outbound delivery.
	Channels []string `json:"channels" mapstructure:"channels"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		DefaultRetry: RetryPolicy{
			Strategy:    "exponential",
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    30 * time.Second,
		},
	}
}

// Dispatcher fans events out to registered endpoints. Each delivery runs
// under the retry engine; each endpoint has its own circuit breaker so one
// dead receiver cannot consume the retry budget of the rest.
type Dispatcher struct {
	config   Config
	client   *http.Client
	engine   *resilience.Engine
	breakers *resilience.BreakerManager
	logger   observability.Logger
	metrics  observability.MetricsClient

	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(config Config, engine *resilience.Engine, breakers *resilience.BreakerManager, logger observability.Logger, metrics observability.MetricsClient) *Dispatcher {
	d := DefaultConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = d.RequestTimeout
	}
	if config.DefaultRetry.MaxAttempts <= 0 {
		config.DefaultRetry = d.DefaultRetry
	}
	return &Dispatcher{
		config:    config,
		client:    &http.Client{Timeout: config.RequestTimeout},
		engine:    engine,
		breakers:  breakers,
		logger:    logger.WithPrefix("webhook"),
		metrics:   metrics,
		endpoints: make(map[string]*Endpoint),
	}
}

// Register adds or replaces an endpoint.
func (d *Dispatcher) Register(endpoint *Endpoint) error {
	if endpoint.ID == "" {
		return errors.New("endpoint id is required")
	}
	parsed, err := url.Parse(endpoint.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return errors.Errorf("invalid endpoint url %q", endpoint.URL)
	}
	if endpoint.Semantics == "" {
		endpoint.Semantics = SemanticsAtLeastOnce
	}
	if endpoint.Retry.MaxAttempts <= 0 {
		endpoint.Retry = d.config.DefaultRetry
	}

	d.mu.Lock()
	d.endpoints[endpoint.ID] = endpoint
	d.mu.Unlock()

	d.logger.Info("Webhook endpoint registered", map[string]interface{}{
		"endpoint_id": endpoint.ID,
		"semantics":   string(endpoint.Semantics),
	})
	return nil
}

// Remove drops an endpoint. Deliveries already in flight finish.
func (d *Dispatcher) Remove(endpointID string) {
	d.mu.Lock()
	delete(d.endpoints, endpointID)
	d.mu.Unlock()
}

// Endpoints returns a snapshot of registered endpoints.
func (d *Dispatcher) Endpoints() []*Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Endpoint, 0, len(d.endpoints))
	for _, e := range d.endpoints {
		out = append(out, e)
	}
	return out
}

// Dispatch fans the event out to every matching endpoint. Deliveries run
// asynchronously; the returned ids identify them in logs and receiver-side
// dedupe stores.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.Event) []string {
	d.mu.RLock()
	targets := make([]*Endpoint, 0, len(d.endpoints))
	for _, e := range d.endpoints {
		if e.matches(event.Type) {
			targets = append(targets, e)
		}
	}
	d.mu.RUnlock()

	ids := make([]string, 0, len(targets))
	for _, endpoint := range targets {
		deliveryID := models.NewID()
		ids = append(ids, deliveryID)

		opID := fmt.Sprintf("webhook:%s:%s", endpoint.ID, deliveryID)
		ep := endpoint
		err := d.engine.ScheduleRetry(ctx, opID, func(ctx context.Context) error {
			return d.deliver(ctx, ep, event, deliveryID)
		}, d.strategyFor(ep), d.attemptsFor(ep))
		if err != nil {
			d.logger.Warn("Failed to schedule webhook delivery", map[string]interface{}{
				"endpoint_id": ep.ID,
				"error":       err.Error(),
			})
		}
	}
	return ids
}

// DeliverSync delivers one event to one endpoint, blocking through the
// whole retry schedule. Used by the replay surface and tests.
func (d *Dispatcher) DeliverSync(ctx context.Context, endpointID string, event *models.Event) error {
	d.mu.RLock()
	endpoint, ok := d.endpoints[endpointID]
	d.mu.RUnlock()
	if !ok {
		return errors.Errorf("unknown endpoint %q", endpointID)
	}

	deliveryID := models.NewID()
	opID := fmt.Sprintf("webhook:%s:%s", endpoint.ID, deliveryID)
	return d.engine.ExecuteWithRetry(ctx, opID, func(ctx context.Context) error {
		return d.deliver(ctx, endpoint, event, deliveryID)
	}, d.strategyFor(endpoint), d.attemptsFor(endpoint))
}

// Attach consumes a local stream subscription and dispatches everything on
// it until ctx ends.
func (d *Dispatcher) Attach(ctx context.Context, stream *events.Stream, channel string) {
	ch, cancel := stream.Subscribe(channel)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				d.Dispatch(ctx, event)
			}
		}
	}()
}

// Wait blocks until attached stream consumers have stopped.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) attemptsFor(endpoint *Endpoint) int {
	if endpoint.Semantics == SemanticsAtMostOnce {
		return 1
	}
	return endpoint.Retry.MaxAttempts
}

func (d *Dispatcher) strategyFor(endpoint *Endpoint) resilience.Strategy {
	p := endpoint.Retry
	switch p.Strategy {
	case "fixed":
		return resilience.Fixed(p.BaseDelay)
	case "linear":
		return resilience.Linear(p.BaseDelay, p.MaxDelay)
	default:
		return resilience.Exponential(p.BaseDelay, p.MaxDelay, 2.0)
	}
}

// deliver makes one signed POST. Breaker-open and transport errors are
// retryable; most 4xx responses are not, since the request will not get
// better on its own.
func (d *Dispatcher) deliver(ctx context.Context, endpoint *Endpoint, event *models.Event, deliveryID string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return resilience.NonRetryable(errors.Wrap(err, "marshal event"))
	}

	err = d.breakers.Execute(ctx, "webhook:"+endpoint.ID, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
		if err != nil {
			return resilience.NonRetryable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, event.Type)
		req.Header.Set(HeaderDelivery, deliveryID)
		for k, v := range endpoint.Headers {
			req.Header.Set(k, v)
		}
		if endpoint.Secret != "" {
			req.Header.Set(HeaderSignature, Sign(endpoint.Secret, body))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return errors.Wrap(err, "webhook request")
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		return classifyStatus(resp.StatusCode)
	})

	status := "delivered"
	if err != nil {
		status = "failed"
	}
	d.metrics.IncrementCounterWithLabels("webhook_attempts_total", 1, map[string]string{
		"endpoint": endpoint.ID,
		"status":   status,
	})
	return err
}

// classifyStatus maps a response code to success, retryable failure, or
// permanent failure. 408 and 429 are the only retryable 4xx codes.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return errors.Errorf("webhook responded %d", code)
	case code >= 400 && code < 500:
		return resilience.NonRetryable(errors.Errorf("webhook responded %d", code))
	default:
		return errors.Errorf("webhook responded %d", code)
	}
}

// Sign computes the signature header value for a payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the payload.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
