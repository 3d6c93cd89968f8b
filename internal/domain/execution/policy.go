package execution

import (
	"strings"
	"time"

	"switchyard/pkg/errors"
)

// Strategy is a backoff shape
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Valid checks if strategy is known
func (s Strategy) Valid() bool {
	switch s {
	case StrategyFixed, StrategyLinear, StrategyExponential:
		return true
	}
	return false
}

// RetryPolicy is immutable configuration resolved per tool
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Strategy    Strategy      `json:"strategy" yaml:"strategy"`
	BaseDelay   time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
	Jitter      bool          `json:"jitter" yaml:"jitter"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	// RetryOn holds error kinds or provider codes, matched exactly and
	// case-insensitively
	RetryOn []string `json:"retry_on" yaml:"retry_on"`
}

// DefaultRetryPolicy applies to tools without an override:
// 3 attempts, exponential from 1s capped at 30s, jitter on, 30s timeout,
// retrying rate limits, timeouts, upstream and unknown errors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Strategy:    StrategyExponential,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
		Timeout:     30 * time.Second,
		RetryOn: []string{
			string(KindRateLimitExceeded),
			string(KindTimeout),
			string(KindUpstream),
			string(KindUnknown),
		},
	}
}

// Validate checks a policy for nonsensical values
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.NewValidationError("max_attempts", "must be at least 1", p.MaxAttempts)
	}
	if !p.Strategy.Valid() {
		return errors.NewValidationError("strategy", "must be fixed, linear or exponential", p.Strategy)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return errors.NewValidationError("base_delay", "delays must not be negative", p.BaseDelay)
	}
	if p.Timeout <= 0 {
		return errors.NewValidationError("timeout", "must be positive", p.Timeout)
	}
	return nil
}

// Lists reports whether kind-or-code appears in RetryOn
func (p RetryPolicy) Lists(kindOrCode string) bool {
	if kindOrCode == "" {
		return false
	}
	for _, c := range p.RetryOn {
		if strings.EqualFold(c, kindOrCode) {
			return true
		}
	}
	return false
}

// Clone copies the RetryOn slice
func (p RetryPolicy) Clone() RetryPolicy {
	out := p
	out.RetryOn = append([]string(nil), p.RetryOn...)
	return out
}
