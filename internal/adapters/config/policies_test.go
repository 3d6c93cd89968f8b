package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/internal/domain/execution"
)

const samplePolicies = `
defaults:
  retry:
    max_attempts: 5
    base_delay: 2s
  rate_limit:
    max_requests: 120

tools:
  slack:
    retry:
      timeout: 8s
    rate_limit:
      max_requests: 30
      window_size: 10s
    throttle:
      rps: 1
      burst: 3
    actions:
      - name: send_message
        required: [channel, text]
        estimated_cost: "0.001"
  elevenlabs:
    budget:
      daily: 10.00
      monthly: "250"
      alert_targets: ["123456789"]
    actions:
      - name: synthesize
        required: [text]
        cacheable: true
        estimated_cost: 0.30
        schema:
          type: object
          properties:
            text: {type: string, maxLength: 5000}
`

func TestParsePolicies(t *testing.T) {
	p, err := ParsePolicies([]byte(samplePolicies))
	require.NoError(t, err)

	assert.Equal(t, 5, p.DefaultRetry.MaxAttempts)
	assert.Equal(t, 2*time.Second, p.DefaultRetry.BaseDelay)
	assert.Equal(t, execution.StrategyExponential, p.DefaultRetry.Strategy)
	assert.Equal(t, 120, p.DefaultRateLimit.MaxRequests)
	assert.Equal(t, time.Minute, p.DefaultRateLimit.Window)
	assert.Equal(t, []string{"elevenlabs", "slack"}, p.IDs())

	slack := p.Tools["slack"]
	require.NotNil(t, slack.RateLimit)
	assert.Equal(t, RateLimit{MaxRequests: 30, Window: 10 * time.Second}, *slack.RateLimit)
	require.NotNil(t, slack.Throttle)
	assert.Equal(t, 3, slack.Throttle.Burst)
	assert.Nil(t, slack.Budget)
	require.Len(t, slack.Actions, 1)
	assert.Equal(t, "0.001", slack.Actions[0].EstimatedCost.String())

	eleven := p.Tools["elevenlabs"]
	require.NotNil(t, eleven.Budget)
	assert.Equal(t, "10", eleven.Budget.Daily.String())
	assert.Equal(t, "250", eleven.Budget.Monthly.String())
	assert.Equal(t, []string{"123456789"}, eleven.Budget.AlertTargets)
	assert.True(t, eleven.Actions[0].Cacheable)
	assert.Equal(t, "0.3", eleven.Actions[0].EstimatedCost.String())
	assert.Equal(t, "object", eleven.Actions[0].Schema["type"])
	assert.False(t, eleven.HasRetry())
}

func TestToolPolicy_RetryOverKeepsUnsetFields(t *testing.T) {
	p, err := ParsePolicies([]byte(samplePolicies))
	require.NoError(t, err)

	slack := p.Tools["slack"]
	require.True(t, slack.HasRetry())

	base := execution.DefaultRetryPolicy()
	base.MaxAttempts = 4
	got, err := slack.RetryOver(base)
	require.NoError(t, err)

	assert.Equal(t, 8*time.Second, got.Timeout)
	assert.Equal(t, 4, got.MaxAttempts)
	assert.Equal(t, base.RetryOn, got.RetryOn)
}

func TestToolPolicy_RetryOverRejectsInvalid(t *testing.T) {
	p, err := ParsePolicies([]byte(`
tools:
  webhook:
    retry:
      max_attempts: 0
`))
	require.NoError(t, err)

	_, err = p.Tools["webhook"].RetryOver(execution.DefaultRetryPolicy())
	assert.Error(t, err)
}

func TestParsePolicies_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad yaml":        "tools: [",
		"negative budget": "tools:\n  a:\n    budget:\n      daily: \"-1\"\n",
		"bad money":       "tools:\n  a:\n    actions:\n      - name: x\n        estimated_cost: lots\n",
		"zero window":     "tools:\n  a:\n    rate_limit:\n      max_requests: 5\n",
		"zero rps":        "tools:\n  a:\n    throttle:\n      burst: 2\n",
		"bad default":     "defaults:\n  retry:\n    strategy: random\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicies([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicies(t *testing.T) {
	p, err := LoadPolicies(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, execution.DefaultRetryPolicy(), p.DefaultRetry)
	assert.Empty(t, p.Tools)

	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicies), 0o600))
	p, err = LoadPolicies(path)
	require.NoError(t, err)
	assert.Len(t, p.Tools, 2)
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{Engine: EngineConfig{Workers: 5, CacheBackend: "memory"}}
	assert.NoError(t, cfg.Validate())

	cfg.Engine.CacheBackend = "redis"
	assert.Error(t, cfg.Validate())

	cfg.Redis.Host = "localhost"
	assert.NoError(t, cfg.Validate())

	cfg.Engine.CacheBackend = "memcached"
	assert.Error(t, cfg.Validate())

	cfg.Engine.CacheBackend = "memory"
	cfg.Engine.Workers = 0
	assert.Error(t, cfg.Validate())
}
