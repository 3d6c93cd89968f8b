package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/internal/domain/execution"
)

func noJitter(p execution.RetryPolicy) execution.RetryPolicy {
	p.Jitter = false
	return p
}

func TestNextDelay_Exponential(t *testing.T) {
	c := NewCoordinator(execution.DefaultRetryPolicy(), nil)
	p := noJitter(execution.DefaultRetryPolicy())
	p.BaseDelay = time.Second
	p.MaxDelay = 5 * time.Second

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		5000 * time.Millisecond, // 8000 capped
	}
	for i, w := range want {
		assert.Equal(t, w, c.NextDelay(i+1, p), "attempt %d", i+1)
	}

	p.MaxDelay = time.Minute
	assert.Equal(t, 8000*time.Millisecond, c.NextDelay(4, p))
}

func TestNextDelay_FixedAndLinear(t *testing.T) {
	c := NewCoordinator(execution.DefaultRetryPolicy(), nil)

	fixed := noJitter(execution.DefaultRetryPolicy())
	fixed.Strategy = execution.StrategyFixed
	fixed.BaseDelay = 300 * time.Millisecond
	for attempt := 1; attempt <= 4; attempt++ {
		assert.Equal(t, 300*time.Millisecond, c.NextDelay(attempt, fixed))
	}

	linear := noJitter(execution.DefaultRetryPolicy())
	linear.Strategy = execution.StrategyLinear
	linear.BaseDelay = time.Second
	linear.MaxDelay = 10 * time.Second
	assert.Equal(t, time.Second, c.NextDelay(1, linear))
	assert.Equal(t, 3*time.Second, c.NextDelay(3, linear))
	assert.Equal(t, 10*time.Second, c.NextDelay(20, linear))
}

func TestNextDelay_HugeAttemptDoesNotOverflow(t *testing.T) {
	c := NewCoordinator(execution.DefaultRetryPolicy(), nil)
	p := noJitter(execution.DefaultRetryPolicy())
	assert.Equal(t, p.MaxDelay, c.NextDelay(500, p))
}

func TestNextDelay_JitterBounds(t *testing.T) {
	p := execution.DefaultRetryPolicy()
	p.BaseDelay = time.Second
	p.MaxDelay = time.Minute

	lo := NewCoordinator(p, nil).WithRandom(func() float64 { return 0 })
	hi := NewCoordinator(p, nil).WithRandom(func() float64 { return 0.999999 })

	assert.Equal(t, 2*time.Second, lo.NextDelay(2, p))
	got := hi.NextDelay(2, p)
	assert.Greater(t, got, 2*time.Second)
	assert.Less(t, got, 2*time.Second+100*time.Millisecond)

	// Jitter is applied before clamping.
	p.MaxDelay = 2 * time.Second
	assert.Equal(t, 2*time.Second, hi.NextDelay(2, p))
}

func TestShouldRetry(t *testing.T) {
	c := NewCoordinator(execution.DefaultRetryPolicy(), nil)
	p := execution.DefaultRetryPolicy() // 3 attempts

	upstream := execution.Upstream("500", "boom", nil)
	assert.True(t, c.ShouldRetry(upstream, p, 1))
	assert.True(t, c.ShouldRetry(upstream, p, 2))
	assert.False(t, c.ShouldRetry(upstream, p, 3), "attempts exhausted")

	assert.False(t, c.ShouldRetry(execution.BudgetExceeded("x"), p, 1), "not retryable")
	assert.False(t, c.ShouldRetry(execution.Validation("x", nil), p, 1))
	assert.False(t, c.ShouldRetry(nil, p, 1))

	auth := execution.Authentication("invalid_auth", "bad token", nil)
	assert.False(t, c.ShouldRetry(auth, p, 1), "authentication not listed by default")

	p.RetryOn = append(p.RetryOn, "AUTHENTICATION_ERROR")
	assert.True(t, c.ShouldRetry(auth, p, 1))
}

func TestShouldRetry_MatchesProviderCode(t *testing.T) {
	c := NewCoordinator(execution.DefaultRetryPolicy(), nil)
	p := execution.DefaultRetryPolicy()
	p.RetryOn = []string{"channel_busy"}

	busy := &execution.Error{Kind: execution.KindValidation, Code: "Channel_Busy", Retryable: true}
	assert.True(t, c.ShouldRetry(busy, p, 1))

	partial := &execution.Error{Kind: execution.KindValidation, Code: "channel_busy_forever", Retryable: true}
	assert.False(t, c.ShouldRetry(partial, p, 1))
}

func TestResolve(t *testing.T) {
	custom := execution.DefaultRetryPolicy()
	custom.MaxAttempts = 7
	c := NewCoordinator(execution.DefaultRetryPolicy(), map[string]execution.RetryPolicy{
		"slack":  custom,
		"github": custom,
	})

	assert.Equal(t, 7, c.Resolve("slack").MaxAttempts, "override wins over built-in")
	assert.Equal(t, 7, c.Resolve("github").MaxAttempts)
	assert.Equal(t, 120*time.Second, c.Resolve("elevenlabs").Timeout)
	assert.Equal(t, execution.StrategyLinear, c.Resolve("webhook").Strategy)
	assert.Equal(t, execution.DefaultRetryPolicy(), c.Resolve("unknown"))

	require.Error(t, c.SetPolicy("bad", execution.RetryPolicy{}))
	require.NoError(t, c.SetPolicy("github", execution.DefaultRetryPolicy()))
	assert.Equal(t, 3, c.Resolve("github").MaxAttempts)
}

func TestResolve_ReturnsCopies(t *testing.T) {
	c := NewCoordinator(execution.DefaultRetryPolicy(), nil)
	p := c.Resolve("slack")
	p.RetryOn[0] = "mutated"
	assert.NotEqual(t, "mutated", c.Resolve("slack").RetryOn[0])
}
