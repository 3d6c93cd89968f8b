package execution

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/pkg/errors"
)

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

var _ net.Error = timeoutNetErr{}

type statusErr int

func (s statusErr) Error() string   { return "status" }
func (s statusErr) StatusCode() int { return int(s) }

func TestClassify(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		code      string
		retryable bool
	}{
		{"canceled", context.Canceled, KindCanceled, "", false},
		{"deadline", context.DeadlineExceeded, KindTimeout, "", true},
		{"net timeout", errors.Wrap(timeoutNetErr{}, "dial"), KindTimeout, "", true},
		{"not configured", errors.Wrap(errors.ErrNotConfigured, "slack"), KindAuthentication, "not_configured", true},
		{"validation", errors.NewValidationError("text", "is required", nil), KindValidation, "", false},
		{"provider 500", &ProviderError{Status: 500, Message: "boom"}, KindUpstream, "500", true},
		{"provider 401", &ProviderError{Status: 401, Code: "invalid_auth"}, KindAuthentication, "invalid_auth", true},
		{"provider 404", &ProviderError{Status: 404}, KindValidation, "404", false},
		{"provider 504", &ProviderError{Status: 504}, KindTimeout, "504", true},
		{"status carrier 503", statusErr(503), KindUpstream, "503", true},
		{"plain", errors.New("weird"), KindUnknown, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, now)
			require.NotNil(t, got)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, tt.retryable, got.Retryable)
		})
	}
}

func TestClassify_ProviderThrottleCarriesReset(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	got := Classify(&ProviderError{Status: 429, RetryAfter: 20 * time.Second}, now)

	require.NotNil(t, got.ResetAt)
	assert.Equal(t, KindRateLimitExceeded, got.Kind)
	assert.Equal(t, now.Add(20*time.Second), *got.ResetAt)
	assert.True(t, got.Retryable)
}

func TestClassify_PassesThroughStructuredErrors(t *testing.T) {
	orig := BudgetExceeded("over")
	assert.Same(t, orig, Classify(errors.Wrap(orig, "ctx"), time.Now()))
	assert.Nil(t, Classify(nil, time.Now()))
}

func TestError_MatchesSentinels(t *testing.T) {
	assert.ErrorIs(t, RateLimited(time.Now()), errors.ErrRateLimitExceeded)
	assert.ErrorIs(t, BudgetExceeded("x"), errors.ErrBudgetExceeded)
	assert.ErrorIs(t, Timeout(time.Second), errors.ErrTimeout)
	assert.NotErrorIs(t, Unknown(nil), errors.ErrTimeout)
}

func TestTimeout_IsAbandoned(t *testing.T) {
	e := Timeout(2 * time.Second)
	assert.True(t, e.Abandoned)
	assert.True(t, e.Retryable)
	assert.Contains(t, e.Message, "2s")
}
