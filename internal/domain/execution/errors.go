package execution

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"switchyard/pkg/errors"
)

// ErrorKind classifies execution failures
type ErrorKind string

const (
	KindRateLimitExceeded ErrorKind = "rate_limit_exceeded"
	KindBudgetExceeded    ErrorKind = "budget_exceeded"
	KindValidation        ErrorKind = "validation_error"
	KindTimeout           ErrorKind = "timeout"
	KindAuthentication    ErrorKind = "authentication_error"
	KindUpstream          ErrorKind = "upstream_service_error"
	KindUnknown           ErrorKind = "unknown_error"
	KindCanceled          ErrorKind = "canceled"
)

// Error is the structured failure carried by results, metric rows and
// record history.
//
// Retryable says whether the kind can ever be retried. Whether it actually
// is depends on the policy's RetryOn list; authentication errors are
// marked retryable so that a policy listing them takes effect.
type Error struct {
	Kind      ErrorKind  `json:"kind"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
	Abandoned bool       `json:"abandoned,omitempty"` // call outlived its timeout
	Cause     error      `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets callers match kinds against the shared sentinels
func (e *Error) Is(target error) bool {
	switch target {
	case errors.ErrRateLimitExceeded:
		return e.Kind == KindRateLimitExceeded
	case errors.ErrBudgetExceeded:
		return e.Kind == KindBudgetExceeded
	case errors.ErrTimeout:
		return e.Kind == KindTimeout
	case errors.ErrInvalidInput:
		return e.Kind == KindValidation
	}
	return false
}

// RateLimited is returned when admission rejects a request
func RateLimited(resetAt time.Time) *Error {
	return &Error{
		Kind:      KindRateLimitExceeded,
		Message:   "rate limit exceeded, retry after " + resetAt.UTC().Format(time.RFC3339),
		Retryable: true,
		ResetAt:   &resetAt,
	}
}

// BudgetExceeded is returned when the remaining daily budget cannot cover
// the estimated cost
func BudgetExceeded(message string) *Error {
	return &Error{Kind: KindBudgetExceeded, Message: message}
}

// Validation wraps a parameter validation failure
func Validation(message string, cause error) *Error {
	return &Error{Kind: KindValidation, Message: message, Cause: cause}
}

// Timeout marks an attempt abandoned after the policy timeout
func Timeout(after time.Duration) *Error {
	return &Error{
		Kind:      KindTimeout,
		Message:   "tool call abandoned after " + after.String(),
		Retryable: true,
		Abandoned: true,
		Cause:     errors.ErrTimeout,
	}
}

// Authentication wraps credential failures
func Authentication(code, message string, cause error) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Message: message, Retryable: true, Cause: cause}
}

// Upstream wraps a provider-side failure
func Upstream(code, message string, cause error) *Error {
	return &Error{Kind: KindUpstream, Code: code, Message: message, Retryable: true, Cause: cause}
}

// Unknown wraps anything unclassified. Retryable, conservatively.
func Unknown(cause error) *Error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: KindUnknown, Message: msg, Retryable: true, Cause: cause}
}

// Canceled is returned when the caller's context ends first
func Canceled(cause error) *Error {
	return &Error{Kind: KindCanceled, Message: "execution canceled by caller", Cause: cause}
}

// ProviderError is what tool adapters return for protocol-level failures
type ProviderError struct {
	Status     int    // HTTP-like status, 0 if not applicable
	Code       string // provider error code, e.g. "channel_not_found"
	Message    string
	RetryAfter time.Duration // set when the provider throttled us
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
}

// StatusCode exposes the status for generic carriers
func (e *ProviderError) StatusCode() int {
	return e.Status
}

type statusCoder interface {
	StatusCode() int
}

// Classify maps an arbitrary invoker error onto the taxonomy. now is used
// to compute reset times for provider throttling.
func Classify(err error, now time.Time) *Error {
	if err == nil {
		return nil
	}

	var execErr *Error
	if errors.As(err, &execErr) {
		return execErr
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Canceled(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errors.ErrTimeout):
		return timedOut("", err)
	case errors.Is(err, errors.ErrNotConfigured):
		return Authentication("not_configured", err.Error(), err)
	case errors.Is(err, errors.ErrUnknownTool):
		return Validation(err.Error(), err)
	case errors.Is(err, errors.ErrRateLimitExceeded):
		return RateLimited(now)
	}

	var vErr *errors.ValidationError
	if errors.As(err, &vErr) || errors.Is(err, errors.ErrInvalidInput) {
		return Validation(err.Error(), err)
	}

	var pErr *ProviderError
	if errors.As(err, &pErr) {
		return classifyStatus(pErr.Status, pErr.Code, pErr.Error(), pErr.RetryAfter, err, now)
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return classifyStatus(sc.StatusCode(), "", err.Error(), 0, err, now)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return timedOut("", err)
	}

	return Unknown(err)
}

func classifyStatus(status int, code, msg string, retryAfter time.Duration, cause error, now time.Time) *Error {
	if code == "" && status > 0 {
		code = strconv.Itoa(status)
	}

	switch {
	case status == http.StatusTooManyRequests:
		e := RateLimited(now.Add(retryAfter))
		e.Code = code
		e.Message = msg
		e.Cause = cause
		return e
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Authentication(code, msg, cause)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return timedOut(code, cause)
	case status >= 500:
		return Upstream(code, msg, cause)
	case status >= 400:
		return &Error{Kind: KindValidation, Code: code, Message: msg, Cause: cause}
	}
	e := Unknown(cause)
	e.Code = code
	return e
}

// timedOut is a provider- or transport-reported timeout, as opposed to one
// the engine enforced itself.
func timedOut(code string, cause error) *Error {
	return &Error{Kind: KindTimeout, Code: code, Message: cause.Error(), Retryable: true, Cause: cause}
}
