// Package health aggregates per-component probes into the node's liveness
// and readiness surface.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/axonpuls/axonpuls/pkg/observability"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the recorded outcome of one probe run.
type Check struct {
	Name        string                 `json:"name"`
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration_ms"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheck interface for individual health checks. Returning a
// DegradedError marks the component degraded rather than unhealthy.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// DegradedError marks a check outcome that should lower the component to
// degraded without failing readiness on its own.
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string { return e.Reason }

// Degraded wraps a reason as a degraded-level check outcome.
func Degraded(format string, args ...interface{}) error {
	return &DegradedError{Reason: fmt.Sprintf(format, args...)}
}

// HealthChecker manages and executes health checks
type HealthChecker struct {
	checks  map[string]HealthCheck
	results map[string]*Check
	mu      sync.RWMutex

	metrics observability.MetricsClient
	logger  observability.Logger

	checkInterval time.Duration
	timeout       time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger observability.Logger, metrics observability.MetricsClient) *HealthChecker {
	return &HealthChecker{
		checks:        make(map[string]HealthCheck),
		results:       make(map[string]*Check),
		metrics:       metrics,
		logger:        logger,
		checkInterval: 30 * time.Second,
		timeout:       5 * time.Second,
	}
}

// RegisterCheck registers a new health check
func (h *HealthChecker) RegisterCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks[name] = check
	h.logger.Info("Registered health check", map[string]interface{}{
		"check": name,
	})
}

// RunChecks executes all registered health checks in parallel, each under
// its own timeout, and caches the results.
func (h *HealthChecker) RunChecks(ctx context.Context) map[string]*Check {
	h.mu.RLock()
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	results := make(map[string]*Check)
	var wg sync.WaitGroup
	resultsChan := make(chan *Check, len(checks))

	for name, check := range checks {
		wg.Add(1)
		go func(n string, c HealthCheck) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := c.Check(checkCtx)
			duration := time.Since(start)

			result := &Check{
				Name:        n,
				LastChecked: time.Now(),
				Duration:    duration,
				Metadata:    make(map[string]interface{}),
			}

			switch e := err.(type) {
			case nil:
				result.Status = StatusHealthy
			case *DegradedError:
				result.Status = StatusDegraded
				result.Message = e.Reason
			default:
				result.Status = StatusUnhealthy
				result.Message = err.Error()
			}

			h.recordMetrics(n, result)
			resultsChan <- result
		}(name, check)
	}

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	for r := range resultsChan {
		results[r.Name] = r
	}

	h.mu.Lock()
	h.results = results
	h.mu.Unlock()

	return results
}

// GetResults returns the latest health check results
func (h *HealthChecker) GetResults() map[string]*Check {
	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make(map[string]*Check, len(h.results))
	for k, v := range h.results {
		results[k] = v
	}
	return results
}

// IsHealthy returns true if all checks are healthy
func (h *HealthChecker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, check := range h.results {
		if check.Status != StatusHealthy {
			return false
		}
	}
	return true
}

// StartBackgroundChecks starts periodic health checks
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	h.RunChecks(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.RunChecks(ctx)
		}
	}
}

func (h *HealthChecker) recordMetrics(name string, check *Check) {
	statusValue := 0.0
	if check.Status == StatusHealthy {
		statusValue = 1.0
	}

	h.metrics.RecordGauge("health_check_status", statusValue, map[string]string{
		"component": name,
	})
	h.metrics.RecordHistogram("health_check_duration_seconds", check.Duration.Seconds(), map[string]string{
		"component": name,
	})
}

// AggregatedHealth represents the overall health status
type AggregatedHealth struct {
	Status      Status            `json:"status"`
	Message     string            `json:"message,omitempty"`
	Checks      map[string]*Check `json:"checks"`
	LastChecked time.Time         `json:"last_checked"`
	Version     string            `json:"version,omitempty"`
	Uptime      time.Duration     `json:"uptime_seconds,omitempty"`
}

// GetAggregatedHealth rolls the cached results up to one status: any
// unhealthy component makes the node unhealthy, otherwise any degraded
// component makes it degraded.
func (h *HealthChecker) GetAggregatedHealth() *AggregatedHealth {
	checks := h.GetResults()

	status := StatusHealthy
	var unhealthyCount int
	var degradedCount int

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			unhealthyCount++
		case StatusDegraded:
			degradedCount++
		}
	}

	message := ""
	if unhealthyCount > 0 {
		status = StatusUnhealthy
		message = fmt.Sprintf("%d components unhealthy", unhealthyCount)
	} else if degradedCount > 0 {
		status = StatusDegraded
		message = fmt.Sprintf("%d components degraded", degradedCount)
	}

	return &AggregatedHealth{
		Status:      status,
		Message:     message,
		Checks:      checks,
		LastChecked: time.Now(),
	}
}
