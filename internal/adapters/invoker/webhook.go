package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"switchyard/internal/domain/execution"
	"switchyard/internal/domain/tool"
	"switchyard/pkg/errors"
)

// maxResponseBytes caps how much of a webhook response is read
const maxResponseBytes = 4 << 20

// Webhook calls a tool exposed as an HTTP endpoint. The request body is
// the call envelope; the response is
// {"data": ..., "cost": "0.12", "breakdown": {"characters": "0.10"}} on 2xx
// or {"error": "code", "message": "..."} otherwise.
//
// Credentials are sent as headers: "token" becomes a bearer Authorization
// header, every other key is sent verbatim as a header name.
type Webhook struct {
	endpoint string
	client   *http.Client
}

func NewWebhook(endpoint string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Webhook{endpoint: endpoint, client: client}
}

type webhookRequest struct {
	Tool        string         `json:"tool"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params,omitempty"`
	CallerID    string         `json:"caller_id"`
	ExecutionID string         `json:"execution_id"`
	Attempt     int            `json:"attempt"`
}

type webhookResponse struct {
	Data      any                        `json:"data"`
	Cost      decimal.Decimal            `json:"cost"`
	Breakdown map[string]decimal.Decimal `json:"breakdown"`
	Error     string                     `json:"error"`
	Message   string                     `json:"message"`
}

func (w *Webhook) Invoke(ctx context.Context, call tool.Call) (tool.Outcome, error) {
	body, err := json.Marshal(webhookRequest{
		Tool:        call.ToolID,
		Action:      call.Action,
		Params:      call.Params,
		CallerID:    call.CallerID,
		ExecutionID: call.ExecutionID.String(),
		Attempt:     call.Attempt,
	})
	if err != nil {
		return tool.Outcome{}, errors.Wrap(errors.ErrInvalidInput, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return tool.Outcome{}, errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", call.ExecutionID.String()+"/"+strconv.Itoa(call.Attempt))
	for k, v := range call.Credentials {
		if k == "token" {
			req.Header.Set("Authorization", "Bearer "+v)
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return tool.Outcome{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return tool.Outcome{}, errors.Wrap(err, "read webhook response")
	}

	var parsed webhookResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &parsed); err != nil && resp.StatusCode < 300 {
			return tool.Outcome{}, errors.Wrap(err, "decode webhook response")
		}
	}

	if resp.StatusCode >= 300 {
		msg := parsed.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return tool.Outcome{}, &execution.ProviderError{
			Status:     resp.StatusCode,
			Code:       parsed.Error,
			Message:    msg,
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return tool.Outcome{Data: parsed.Data, Cost: parsed.Cost, Breakdown: parsed.Breakdown}, nil
}

// retryAfter understands the delay-seconds form only
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
