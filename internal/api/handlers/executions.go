package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"switchyard/internal/domain/execution"
	"switchyard/pkg/logger"
)

// Engine is the execution surface the API needs
type Engine interface {
	Execute(ctx context.Context, req execution.Request, override *execution.RetryPolicy) execution.Result
	Submit(ctx context.Context, req execution.Request, override *execution.RetryPolicy) (uuid.UUID, error)
	Result(id uuid.UUID) (execution.Result, execution.Status, bool)
}

// ExecutionHandler serves /v1/executions
type ExecutionHandler struct {
	engine Engine
	now    func() time.Time
	log    *logger.Logger
}

func NewExecutionHandler(engine Engine, log *logger.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		engine: engine,
		now:    time.Now,
		log:    log.With("component", "api_executions"),
	}
}

type executeRequest struct {
	ToolID        string           `json:"tool_id"`
	Action        string           `json:"action"`
	Params        map[string]any   `json:"params"`
	CallerID      string           `json:"caller_id"`
	Priority      string           `json:"priority"`
	Cacheable     bool             `json:"cacheable"`
	EstimatedCost *decimal.Decimal `json:"estimated_cost"`
	RetryPolicy   *retryPolicyBody `json:"retry_policy"`
}

// retryPolicyBody takes durations as Go duration strings ("500ms", "2s")
type retryPolicyBody struct {
	MaxAttempts int      `json:"max_attempts"`
	Strategy    string   `json:"strategy"`
	BaseDelay   string   `json:"base_delay"`
	MaxDelay    string   `json:"max_delay"`
	Jitter      bool     `json:"jitter"`
	Timeout     string   `json:"timeout"`
	RetryOn     []string `json:"retry_on"`
}

func (b retryPolicyBody) policy() (execution.RetryPolicy, error) {
	p := execution.RetryPolicy{
		MaxAttempts: b.MaxAttempts,
		Strategy:    execution.Strategy(b.Strategy),
		Jitter:      b.Jitter,
		RetryOn:     b.RetryOn,
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{{b.BaseDelay, &p.BaseDelay}, {b.MaxDelay, &p.MaxDelay}, {b.Timeout, &p.Timeout}} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return p, err
		}
		*d.dst = v
	}
	return p, p.Validate()
}

type submitResponse struct {
	ExecutionID uuid.UUID        `json:"execution_id"`
	Status      execution.Status `json:"status"`
}

type resultResponse struct {
	ExecutionID uuid.UUID         `json:"execution_id"`
	Status      execution.Status  `json:"status"`
	Result      *execution.Result `json:"result,omitempty"`
}

// HandleExecute runs a request. ?async=true queues it and returns 202.
func (h *ExecutionHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if !decode(w, r, &body) {
		return
	}

	req := execution.Request{
		ToolID:    body.ToolID,
		Action:    body.Action,
		Params:    body.Params,
		CallerID:  body.CallerID,
		Priority:  execution.Priority(body.Priority),
		Cacheable: body.Cacheable,
	}
	if body.EstimatedCost != nil {
		req.EstimatedCost = *body.EstimatedCost
	}

	var override *execution.RetryPolicy
	if body.RetryPolicy != nil {
		p, err := body.RetryPolicy.policy()
		if err != nil {
			writeError(w, http.StatusBadRequest, string(execution.KindValidation), err.Error())
			return
		}
		override = &p
	}

	if r.URL.Query().Get("async") == "true" {
		h.submit(w, r, req, override)
		return
	}

	res := h.engine.Execute(r.Context(), req, override)
	if res.Success {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if res.Error != nil && res.Error.Kind == execution.KindRateLimitExceeded {
		setRetryAfter(w, res.Error, h.now())
	}
	writeJSON(w, statusFor(res.Error), res)
}

func (h *ExecutionHandler) submit(w http.ResponseWriter, r *http.Request, req execution.Request, override *execution.RetryPolicy) {
	id, err := h.engine.Submit(r.Context(), req, override)
	if err != nil {
		execErr := execution.Classify(err, h.now())
		if execErr.Kind == execution.KindRateLimitExceeded {
			setRetryAfter(w, execErr, h.now())
		}
		writeJSON(w, statusFor(execErr), execution.Result{Error: execErr})
		return
	}

	_, status, _ := h.engine.Result(id)
	writeJSON(w, http.StatusAccepted, submitResponse{ExecutionID: id, Status: status})
}

// HandleGet reports status and, once terminal, the result
func (h *ExecutionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "execution id must be a UUID")
		return
	}

	res, status, ok := h.engine.Result(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown or expired execution")
		return
	}

	out := resultResponse{ExecutionID: id, Status: status}
	if status.IsTerminal() {
		out.Result = &res
	}
	writeJSON(w, http.StatusOK, out)
}
