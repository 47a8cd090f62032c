package resilience

import (
	"math"
	"math/rand"
	"time"
)

// StrategyType selects the delay schedule of a retry operation
type StrategyType string

const (
	StrategyFixed       StrategyType = "fixed"
	StrategyLinear      StrategyType = "linear"
	StrategyExponential StrategyType = "exponential"
	StrategyAdaptive    StrategyType = "adaptive"
)

const (
	// minDelay floors every computed delay so a zero or pathological config
	// never produces a hot retry loop.
	minDelay = 10 * time.Millisecond

	// adaptiveGrowth is the fixed per-attempt growth base of the adaptive
	// schedule; error rate and load scale on top of it.
	adaptiveGrowth = 1.5
)

// LoadSnapshot feeds the adaptive strategy with the engine's recent state.
type LoadSnapshot struct {
	// ErrorRate is the failure ratio over the engine's recent attempt window.
	ErrorRate float64
	// LoadFactor scales with the number of concurrently active retry
	// operations, already capped by the engine.
	LoadFactor float64
}

// Strategy carries the parameters of one retry schedule. The zero value is
// not usable; build strategies through the constructors or config.
type Strategy struct {
	Type        StrategyType  `json:"type" mapstructure:"type"`
	BaseDelay   time.Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" mapstructure:"max_delay"`
	Multiplier  float64       `json:"multiplier" mapstructure:"multiplier"`
	JitterRange float64       `json:"jitter_range" mapstructure:"jitter_range"`
	ErrorWeight float64       `json:"error_weight" mapstructure:"error_weight"`
	LoadWeight  float64       `json:"load_weight" mapstructure:"load_weight"`
}

// Fixed returns a constant-delay schedule.
func Fixed(delay time.Duration) Strategy {
	return Strategy{Type: StrategyFixed, BaseDelay: delay, MaxDelay: delay}
}

// Linear returns a schedule growing by base every attempt, capped at max.
func Linear(base, max time.Duration) Strategy {
	return Strategy{Type: StrategyLinear, BaseDelay: base, MaxDelay: max}
}

// Exponential returns a schedule multiplying by mult every attempt, capped
// at max, with the corpus-conventional 20% jitter.
func Exponential(base, max time.Duration, mult float64) Strategy {
	return Strategy{
		Type:        StrategyExponential,
		BaseDelay:   base,
		MaxDelay:    max,
		Multiplier:  mult,
		JitterRange: 0.2,
	}
}

// Adaptive returns a schedule that stretches under recent errors and
// concurrent retry load.
func Adaptive(base, max time.Duration) Strategy {
	return Strategy{
		Type:        StrategyAdaptive,
		BaseDelay:   base,
		MaxDelay:    max,
		JitterRange: 0.2,
		ErrorWeight: 1.0,
		LoadWeight:  0.5,
	}
}

// normalized fills defaults so Delay never divides by zero or loops hot.
func (s Strategy) normalized() Strategy {
	if s.Type == "" {
		s.Type = StrategyExponential
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = 100 * time.Millisecond
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = 30 * time.Second
	}
	if s.Multiplier <= 1 {
		s.Multiplier = 2.0
	}
	if s.Type == StrategyAdaptive {
		if s.ErrorWeight <= 0 {
			s.ErrorWeight = 1.0
		}
		if s.LoadWeight <= 0 {
			s.LoadWeight = 0.5
		}
	}
	return s
}

// Delay computes the wait before the attempt following `attempt` (1-based).
// Jitter, when configured, multiplies the delay by
// 1 + (rand()-0.5)*2*jitter_range.
func (s Strategy) Delay(attempt int, snap LoadSnapshot) time.Duration {
	s = s.normalized()
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch s.Type {
	case StrategyFixed:
		delay = s.BaseDelay
	case StrategyLinear:
		delay = time.Duration(int64(s.BaseDelay) * int64(attempt))
	case StrategyExponential:
		delay = scaleDelay(s.BaseDelay, math.Pow(s.Multiplier, float64(attempt-1)))
	case StrategyAdaptive:
		factor := math.Pow(adaptiveGrowth, float64(attempt-1))
		factor *= 1 + snap.ErrorRate*s.ErrorWeight
		factor *= 1 + snap.LoadFactor*s.LoadWeight
		delay = scaleDelay(s.BaseDelay, factor)
	default:
		delay = s.BaseDelay
	}

	if delay > s.MaxDelay {
		delay = s.MaxDelay
	}

	if s.JitterRange > 0 {
		delay = time.Duration(float64(delay) * (1 + (rand.Float64()-0.5)*2*s.JitterRange))
	}

	if delay < minDelay {
		delay = minDelay
	}
	return delay
}

// scaleDelay multiplies a duration by a float guarding against overflow.
func scaleDelay(d time.Duration, factor float64) time.Duration {
	scaled := float64(d) * factor
	if scaled > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(scaled)
}
