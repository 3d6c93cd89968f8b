package retry

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"switchyard/internal/domain/execution"
)

// jitterFraction of the base delay is the upper bound of random noise
const jitterFraction = 0.1

// BuiltinPolicies are the per-tool defaults shipped with the engine.
// Configured overrides replace them.
func BuiltinPolicies() map[string]execution.RetryPolicy {
	def := execution.DefaultRetryPolicy()

	slack := def.Clone()
	slack.MaxAttempts = 4
	slack.BaseDelay = 500 * time.Millisecond
	slack.MaxDelay = 5 * time.Second
	slack.Timeout = 10 * time.Second

	elevenlabs := def.Clone()
	elevenlabs.MaxAttempts = 2
	elevenlabs.BaseDelay = 2 * time.Second
	elevenlabs.MaxDelay = 60 * time.Second
	elevenlabs.Timeout = 120 * time.Second

	webhook := def.Clone()
	webhook.Strategy = execution.StrategyLinear
	webhook.BaseDelay = time.Second
	webhook.MaxDelay = 10 * time.Second
	webhook.Timeout = 15 * time.Second

	return map[string]execution.RetryPolicy{
		"slack":      slack,
		"elevenlabs": elevenlabs,
		"webhook":    webhook,
	}
}

// Coordinator decides retry eligibility and backoff. It holds no
// per-execution state.
type Coordinator struct {
	mu       sync.RWMutex
	policies map[string]execution.RetryPolicy
	fallback execution.RetryPolicy

	random func() float64
}

// NewCoordinator builds a coordinator from built-ins overlaid with
// overrides.
func NewCoordinator(fallback execution.RetryPolicy, overrides map[string]execution.RetryPolicy) *Coordinator {
	if fallback.Validate() != nil {
		fallback = execution.DefaultRetryPolicy()
	}

	policies := BuiltinPolicies()
	for tool, p := range overrides {
		policies[tool] = p.Clone()
	}

	return &Coordinator{
		policies: policies,
		fallback: fallback,
		random:   rand.Float64,
	}
}

// WithRandom replaces the jitter source. Returns the coordinator.
func (c *Coordinator) WithRandom(fn func() float64) *Coordinator {
	c.random = fn
	return c
}

// Resolve returns the tool's policy or the fallback
func (c *Coordinator) Resolve(toolID string) execution.RetryPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.policies[toolID]; ok {
		return p.Clone()
	}
	return c.fallback.Clone()
}

// SetPolicy installs an override for a tool
func (c *Coordinator) SetPolicy(toolID string, p execution.RetryPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.policies[toolID] = p.Clone()
	c.mu.Unlock()
	return nil
}

// ShouldRetry reports whether a failed attempt (1-based) may be retried:
// attempts remain, the error is retryable, and its kind or provider code
// is listed in RetryOn. Kind is checked before code.
func (c *Coordinator) ShouldRetry(err *execution.Error, policy execution.RetryPolicy, attempt int) bool {
	if err == nil || !err.Retryable {
		return false
	}
	if attempt >= policy.MaxAttempts {
		return false
	}
	return policy.Lists(string(err.Kind)) || policy.Lists(err.Code)
}

// NextDelay returns the wait before the attempt after `attempt`.
//
//	fixed        base
//	linear       base * attempt
//	exponential  base * 2^(attempt-1)
//
// Jitter adds U[0, 0.1*base) before the result is clamped to
// [0, MaxDelay].
func (c *Coordinator) NextDelay(attempt int, policy execution.RetryPolicy) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(policy.BaseDelay)

	var d float64
	switch policy.Strategy {
	case execution.StrategyFixed:
		d = base
	case execution.StrategyLinear:
		d = base * float64(attempt)
	default:
		d = base * math.Pow(2, float64(attempt-1))
	}

	if policy.Jitter && base > 0 {
		d += c.random() * jitterFraction * base
	}

	return clamp(d, policy.MaxDelay)
}

func clamp(d float64, maxDelay time.Duration) time.Duration {
	if d < 0 || math.IsNaN(d) {
		return 0
	}
	if d >= float64(maxDelay) {
		return max(maxDelay, 0)
	}
	return time.Duration(d)
}
