package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/axonpuls/axonpuls/pkg/models"
	"github.com/axonpuls/axonpuls/pkg/observability"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed means the guarded dependency is considered healthy
	StateClosed CircuitState = iota
	// StateOpen means calls fail fast until the timeout elapses
	StateOpen
	// StateHalfOpen means a probe call decides the next state
	StateHalfOpen
)

// String returns the string representation of a circuit state
func (cs CircuitState) String() string {
	switch cs {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig contains configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int `json:"failure_threshold" mapstructure:"failure_threshold"`
	// SuccessThreshold is the number of half-open successes before closing
	SuccessThreshold int `json:"success_threshold" mapstructure:"success_threshold"`
	// Timeout is how long the circuit stays open before the first probe
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	// MaxTimeout caps the timeout after repeated half-open failures
	MaxTimeout time.Duration `json:"max_timeout" mapstructure:"max_timeout"`
	// TimeoutMultiplier stretches the timeout after each failed probe
	TimeoutMultiplier float64 `json:"timeout_multiplier" mapstructure:"timeout_multiplier"`
}

// DefaultCircuitBreakerConfig returns default circuit breaker configuration
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold:  5,
		SuccessThreshold:  1,
		Timeout:           10 * time.Second,
		MaxTimeout:        5 * time.Minute,
		TimeoutMultiplier: 2.0,
	}
}

// CircuitBreaker guards one named outbound dependency. State transitions are
// authoritative within the local process only.
type CircuitBreaker struct {
	name   string
	config *CircuitBreakerConfig
	clock  models.Clock
	logger observability.Logger

	mu              sync.RWMutex
	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time
	nextAttemptTime time.Time
	currentTimeout  time.Duration
	generation      uint64 // prevents stale outcome reports after a transition
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(name string, config *CircuitBreakerConfig, clock models.Clock, logger observability.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if clock == nil {
		clock = models.RealClock{}
	}
	return &CircuitBreaker{
		name:           name,
		config:         config,
		clock:          clock,
		logger:         logger,
		state:          StateClosed,
		currentTimeout: config.Timeout,
	}
}

// Execute runs a function through the circuit breaker
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	err = operation()
	cb.afterRequest(generation, err)

	return err
}

// ExecuteWithResult runs a function that returns a value through the circuit breaker
func (cb *CircuitBreaker) ExecuteWithResult(ctx context.Context, operation func() (interface{}, error)) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	result, err := operation()
	cb.afterRequest(generation, err)

	return result, err
}

// beforeRequest checks if the circuit allows the request
func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	generation := cb.generation

	switch cb.state {
	case StateClosed:
		return generation, nil

	case StateOpen:
		if !cb.clock.Now().Before(cb.nextAttemptTime) {
			cb.state = StateHalfOpen
			cb.successes = 0
			cb.generation++
			cb.logger.Info("Circuit breaker transitioning to half-open", map[string]interface{}{
				"breaker": cb.name,
				"timeout": cb.currentTimeout,
			})
			return cb.generation, nil
		}
		return generation, ErrCircuitOpen

	case StateHalfOpen:
		// Allow the probe through; its outcome decides the next state.
		return generation, nil

	default:
		return generation, ErrCircuitOpen
	}
}

// afterRequest updates the circuit breaker state after a request
func (cb *CircuitBreaker) afterRequest(generation uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Ignore if generation has changed (another goroutine changed state)
	if generation != cb.generation {
		return
	}

	if err == nil {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0

	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.currentTimeout = cb.config.Timeout
			cb.generation++

			cb.logger.Info("Circuit breaker closed after recovery", map[string]interface{}{
				"breaker": cb.name,
			})
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.lastFailureTime = cb.clock.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.nextAttemptTime = cb.lastFailureTime.Add(cb.currentTimeout)
			cb.generation++

			cb.logger.Error("Circuit breaker opened due to failures", map[string]interface{}{
				"breaker":  cb.name,
				"failures": cb.failures,
				"timeout":  cb.currentTimeout,
			})
		}

	case StateHalfOpen:
		// Failed probe: back to open with a stretched timeout.
		cb.state = StateOpen
		cb.successes = 0
		cb.generation++

		cb.currentTimeout = time.Duration(float64(cb.currentTimeout) * cb.config.TimeoutMultiplier)
		if cb.currentTimeout > cb.config.MaxTimeout {
			cb.currentTimeout = cb.config.MaxTimeout
		}
		cb.nextAttemptTime = cb.lastFailureTime.Add(cb.currentTimeout)

		cb.logger.Error("Circuit breaker reopened after half-open probe failed", map[string]interface{}{
			"breaker":     cb.name,
			"new_timeout": cb.currentTimeout,
		})
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	stats := map[string]interface{}{
		"state":           cb.state.String(),
		"failures":        cb.failures,
		"successes":       cb.successes,
		"current_timeout": cb.currentTimeout,
		"generation":      cb.generation,
	}

	if !cb.lastFailureTime.IsZero() {
		stats["last_failure"] = cb.lastFailureTime
	}
	if cb.state == StateOpen {
		stats["next_attempt"] = cb.nextAttemptTime
	}

	return stats
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.currentTimeout = cb.config.Timeout
	cb.generation++
}

// BreakerManager manages per-dependency circuit breakers.
type BreakerManager struct {
	breakers map[string]*CircuitBreaker
	config   *CircuitBreakerConfig
	clock    models.Clock
	logger   observability.Logger
	mu       sync.RWMutex
}

// NewBreakerManager creates a manager whose breakers share config.
func NewBreakerManager(config *CircuitBreakerConfig, clock models.Clock, logger observability.Logger) *BreakerManager {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &BreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		clock:    clock,
		logger:   logger,
	}
}

// GetBreaker returns the breaker for a key, creating it lazily.
func (m *BreakerManager) GetBreaker(key string) *CircuitBreaker {
	m.mu.RLock()
	breaker, exists := m.breakers[key]
	m.mu.RUnlock()

	if exists {
		return breaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if breaker, exists := m.breakers[key]; exists {
		return breaker
	}

	breaker = NewCircuitBreaker(key, m.config, m.clock, m.logger)
	m.breakers[key] = breaker

	return breaker
}

// Execute runs the operation through the breaker for key.
func (m *BreakerManager) Execute(ctx context.Context, key string, operation func() error) error {
	return m.GetBreaker(key).Execute(ctx, operation)
}

// GetAllStats returns statistics for all circuit breakers
func (m *BreakerManager) GetAllStats() map[string]map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]map[string]interface{})
	for key, breaker := range m.breakers {
		stats[key] = breaker.GetStats()
	}

	return stats
}

// ResetAll resets all circuit breakers
func (m *BreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, breaker := range m.breakers {
		breaker.Reset()
	}
}
