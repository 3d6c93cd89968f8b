package tool

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Credentials are opaque provider secrets, e.g. {"api_key": "..."}
type Credentials map[string]string

// Call is one invocation of a tool action
type Call struct {
	ToolID      string
	Action      string
	Params      map[string]any
	Credentials Credentials
	CallerID    string
	ExecutionID uuid.UUID
	Attempt     int
}

// Outcome is what a tool returns on success. Cost is the actual spend
// for this call; Breakdown optionally itemizes it (e.g. "characters").
type Outcome struct {
	Data      any
	Cost      decimal.Decimal
	Breakdown map[string]decimal.Decimal
}

// Invoker runs tool calls. Adapters hide provider protocols behind it and
// must honor ctx cancellation where they can.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (Outcome, error)
}

// InvokerFunc adapts a function to Invoker
type InvokerFunc func(ctx context.Context, call Call) (Outcome, error)

func (f InvokerFunc) Invoke(ctx context.Context, call Call) (Outcome, error) {
	return f(ctx, call)
}

// CredentialProvider resolves credentials for a (tool, caller) pair.
// Returns errors.ErrNotConfigured when nothing is stored.
type CredentialProvider interface {
	Resolve(ctx context.Context, toolID, callerID string) (Credentials, error)
}
