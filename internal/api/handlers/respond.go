package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"switchyard/internal/domain/execution"
	"switchyard/pkg/logger"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Get().Debugw("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

// statusFor maps a failed execution onto an HTTP status
func statusFor(e *execution.Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	if e.Code == "engine_stopped" {
		return http.StatusServiceUnavailable
	}
	switch e.Kind {
	case execution.KindValidation:
		return http.StatusBadRequest
	case execution.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case execution.KindBudgetExceeded:
		return http.StatusPaymentRequired
	case execution.KindAuthentication:
		return http.StatusForbidden
	case execution.KindTimeout, execution.KindCanceled:
		return http.StatusRequestTimeout
	case execution.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// setRetryAfter advertises the reset time of a rate-limit rejection
func setRetryAfter(w http.ResponseWriter, e *execution.Error, now time.Time) {
	if e == nil || e.ResetAt == nil {
		return
	}
	secs := int(e.ResetAt.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}
