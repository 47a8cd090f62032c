package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/axonpuls/axonpuls/pkg/models"
	"github.com/axonpuls/axonpuls/pkg/observability"
)

// LifecycleEvent names the stages a retry operation moves through.
type LifecycleEvent string

const (
	EventAttempt   LifecycleEvent = "attempt"
	EventFailed    LifecycleEvent = "failed"
	EventSuccess   LifecycleEvent = "success"
	EventExhausted LifecycleEvent = "exhausted"
)

// Operation is one retryable unit of work.
type Operation func(ctx context.Context) error

// EventHook receives lifecycle notifications for retry operations.
type EventHook func(operationID string, event LifecycleEvent, attempt int, err error)

// EngineConfig tunes the retry engine.
type EngineConfig struct {
	// MaxAttempts bounds operations whose caller passes 0.
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts"`
	// HistoryWindow is the number of recent attempts feeding the adaptive
	// strategy's error rate.
	HistoryWindow int `json:"history_window" mapstructure:"history_window"`
	// LoadScale is how many concurrently active operations count as a load
	// factor of 1.0.
	LoadScale int `json:"load_scale" mapstructure:"load_scale"`
	// MaxLoadMultiplier caps the load factor fed to adaptive delays.
	MaxLoadMultiplier float64 `json:"max_load_multiplier" mapstructure:"max_load_multiplier"`
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxAttempts:       3,
		HistoryWindow:     20,
		LoadScale:         10,
		MaxLoadMultiplier: 3.0,
	}
}

func (c EngineConfig) normalized() EngineConfig {
	d := DefaultEngineConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = d.HistoryWindow
	}
	if c.LoadScale <= 0 {
		c.LoadScale = d.LoadScale
	}
	if c.MaxLoadMultiplier <= 0 {
		c.MaxLoadMultiplier = d.MaxLoadMultiplier
	}
	return c
}

// operation is the per-id retry state. Single writer per key: only the
// goroutine driving the operation mutates it after registration.
type operation struct {
	id          string
	strategy    Strategy
	maxAttempts int
	attempts    int
	errors      []string
	nextAttempt time.Time
	cancel      chan struct{}
}

// Engine runs retryable operations against typed strategies and keeps the
// shared state the adaptive schedule consumes: a rolling attempt-outcome
// window and the count of active operations.
type Engine struct {
	config  EngineConfig
	clock   models.Clock
	logger  observability.Logger
	metrics observability.MetricsClient
	hook    EventHook

	mu  sync.RWMutex
	ops map[string]*operation

	histMu  sync.Mutex
	history []bool // true = failure
	histPos int
	histLen int
}

// NewEngine creates a retry engine.
func NewEngine(config EngineConfig, clock models.Clock, logger observability.Logger, metrics observability.MetricsClient) *Engine {
	config = config.normalized()
	if clock == nil {
		clock = models.RealClock{}
	}
	return &Engine{
		config:  config,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		ops:     make(map[string]*operation),
		history: make([]bool, config.HistoryWindow),
	}
}

// SetEventHook installs an optional lifecycle callback. Must be called
// before the engine is shared between goroutines.
func (e *Engine) SetEventHook(hook EventHook) {
	e.hook = hook
}

// ExecuteWithRetry runs op until it succeeds, fails non-retryably, exhausts
// maxAttempts, or ctx is cancelled. The first attempt runs immediately.
func (e *Engine) ExecuteWithRetry(ctx context.Context, id string, op Operation, strategy Strategy, maxAttempts int) error {
	state, err := e.register(id, strategy, maxAttempts)
	if err != nil {
		return err
	}
	defer e.remove(id)
	return e.run(ctx, state, op, false)
}

// ScheduleRetry is ExecuteWithRetry with the first attempt also deferred by
// the strategy's first delay. It returns immediately; the outcome is
// observable through the lifecycle hook and metrics.
func (e *Engine) ScheduleRetry(ctx context.Context, id string, op Operation, strategy Strategy, maxAttempts int) error {
	state, err := e.register(id, strategy, maxAttempts)
	if err != nil {
		return err
	}
	go func() {
		defer e.remove(id)
		if err := e.run(ctx, state, op, true); err != nil {
			e.logger.Debug("Scheduled operation finished with error", map[string]interface{}{
				"operation_id": id,
				"error":        err.Error(),
			})
		}
	}()
	return nil
}

// Cancel removes the operation and releases any pending delay. Returns
// false when no such operation is active.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	state, ok := e.ops[id]
	if ok {
		delete(e.ops, id)
	}
	e.mu.Unlock()
	if !ok {
		return false
	}
	close(state.cancel)
	e.logger.Debug("Retry operation cancelled", map[string]interface{}{
		"operation_id": id,
	})
	return true
}

// ActiveOperations returns the number of operations currently registered.
func (e *Engine) ActiveOperations() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.ops)
}

// Snapshot returns the load view the adaptive strategy consumes.
func (e *Engine) Snapshot() LoadSnapshot {
	load := float64(e.ActiveOperations()) / float64(e.config.LoadScale)
	if load > e.config.MaxLoadMultiplier {
		load = e.config.MaxLoadMultiplier
	}

	e.histMu.Lock()
	var failures int
	for i := 0; i < e.histLen; i++ {
		if e.history[i] {
			failures++
		}
	}
	n := e.histLen
	e.histMu.Unlock()

	var rate float64
	if n > 0 {
		rate = float64(failures) / float64(n)
	}
	return LoadSnapshot{ErrorRate: rate, LoadFactor: load}
}

func (e *Engine) register(id string, strategy Strategy, maxAttempts int) (*operation, error) {
	if maxAttempts <= 0 {
		maxAttempts = e.config.MaxAttempts
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.ops[id]; exists {
		return nil, ErrOperationExists
	}
	state := &operation{
		id:          id,
		strategy:    strategy,
		maxAttempts: maxAttempts,
		cancel:      make(chan struct{}),
	}
	e.ops[id] = state
	return state, nil
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.ops, id)
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, state *operation, op Operation, deferFirst bool) error {
	if deferFirst {
		if err := e.wait(ctx, state, state.strategy.Delay(1, e.Snapshot())); err != nil {
			return err
		}
	}

	for {
		state.attempts++
		e.emit(state, EventAttempt, nil)

		err := op(ctx)
		e.recordOutcome(err != nil)

		if err == nil {
			e.emit(state, EventSuccess, nil)
			return nil
		}

		state.errors = append(state.errors, err.Error())
		e.emit(state, EventFailed, err)

		if IsNonRetryable(err) {
			return err
		}
		if state.attempts >= state.maxAttempts {
			exhausted := &ExhaustedError{
				OperationID: state.id,
				Attempts:    state.attempts,
				LastErr:     err,
			}
			e.emit(state, EventExhausted, exhausted)
			return exhausted
		}

		delay := state.strategy.Delay(state.attempts, e.Snapshot())
		state.nextAttempt = e.clock.Now().Add(delay)
		if werr := e.wait(ctx, state, delay); werr != nil {
			return werr
		}
	}
}

// wait blocks for the delay unless the context is cancelled or the
// operation is removed through Cancel.
func (e *Engine) wait(ctx context.Context, state *operation, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-state.cancel:
		return ErrOperationCancelled
	}
}

func (e *Engine) recordOutcome(failed bool) {
	e.histMu.Lock()
	e.history[e.histPos] = failed
	e.histPos = (e.histPos + 1) % len(e.history)
	if e.histLen < len(e.history) {
		e.histLen++
	}
	e.histMu.Unlock()
}

func (e *Engine) emit(state *operation, event LifecycleEvent, err error) {
	fields := map[string]interface{}{
		"operation_id": state.id,
		"attempt":      state.attempts,
		"max_attempts": state.maxAttempts,
	}
	switch event {
	case EventFailed:
		fields["error"] = err.Error()
		e.logger.Debug("Retry attempt failed", fields)
	case EventExhausted:
		fields["error"] = err.Error()
		e.logger.Warn("Retry operation exhausted", fields)
	case EventSuccess:
		if state.attempts > 1 {
			e.logger.Info("Operation succeeded after retries", fields)
		}
	}
	e.metrics.IncrementCounterWithLabels("retry_lifecycle_total", 1, map[string]string{
		"event": string(event),
	})
	if e.hook != nil {
		e.hook(state.id, event, state.attempts, err)
	}
}
