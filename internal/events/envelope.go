package events

import (
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"switchyard/internal/adapters/kafka"
	"switchyard/internal/domain/budget"
	"switchyard/internal/domain/execution"
	"switchyard/pkg/errors"
)

// HeaderOccurredAt carries a binary protobuf Timestamp
const HeaderOccurredAt = "occurred-at"

// Message is one encoded event ready for the producer
type Message struct {
	Key     string
	Value   []byte
	Headers map[string]string
}

// Envelope is the decoded form of a published message
type Envelope struct {
	Type       string
	OccurredAt time.Time
	Payload    *structpb.Struct
}

// EncodeExecutionEvent renders a lifecycle event keyed by execution id
func EncodeExecutionEvent(ev execution.Event) (Message, error) {
	fields := map[string]any{
		"execution_id": ev.ExecutionID.String(),
		"tool_id":      sanitize(ev.ToolID),
		"action":       sanitize(ev.Action),
		"caller_id":    sanitize(ev.CallerID),
		"priority":     string(ev.Priority),
		"attempt":      ev.Attempt,
	}
	if ev.Delay > 0 {
		fields["delay_ms"] = ev.Delay.Milliseconds()
	}
	if ev.Error != nil {
		errFields := map[string]any{
			"kind":      string(ev.Error.Kind),
			"code":      sanitize(ev.Error.Code),
			"message":   sanitize(ev.Error.Message),
			"retryable": ev.Error.Retryable,
		}
		if ev.Error.ResetAt != nil {
			errFields["reset_at"] = ev.Error.ResetAt.UTC().Format(time.RFC3339Nano)
		}
		fields["error"] = errFields
	}
	return encode(ev.ExecutionID.String(), string(ev.Type), ev.At, fields)
}

// EncodeAlert renders a budget alert keyed by tool id
func EncodeAlert(a budget.Alert) (Message, error) {
	targets := make([]any, 0, len(a.Targets))
	for _, t := range a.Targets {
		targets = append(targets, sanitize(t))
	}
	return encode(a.ToolID, "budget."+string(a.Kind), a.CreatedAt, map[string]any{
		"alert_id": a.ID.String(),
		"tool_id":  sanitize(a.ToolID),
		"kind":     string(a.Kind),
		"severity": a.Kind.Severity(),
		"spent":    a.Spent.String(),
		"limit":    a.Limit.String(),
		"message":  sanitize(a.Message),
		"targets":  targets,
	})
}

func encode(key, eventType string, at time.Time, fields map[string]any) (Message, error) {
	payload, err := structpb.NewStruct(fields)
	if err != nil {
		return Message{}, errors.Wrapf(err, "build %s payload", eventType)
	}
	value, err := proto.Marshal(payload)
	if err != nil {
		return Message{}, errors.Wrapf(err, "marshal %s", eventType)
	}
	occurred, err := proto.Marshal(timestamppb.New(at))
	if err != nil {
		return Message{}, errors.Wrap(err, "marshal timestamp")
	}

	return Message{
		Key:   key,
		Value: value,
		Headers: map[string]string{
			kafka.HeaderEventType:   eventType,
			kafka.HeaderContentType: kafka.ContentTypeProtobuf,
			HeaderOccurredAt:        string(occurred),
		},
	}, nil
}

// Decode parses a message value and its headers
func Decode(value []byte, headers map[string]string) (Envelope, error) {
	out := Envelope{Type: headers[kafka.HeaderEventType], Payload: &structpb.Struct{}}
	if out.Type == "" {
		return Envelope{}, errors.Wrap(errors.ErrInvalidInput, "message without event type")
	}
	if err := proto.Unmarshal(value, out.Payload); err != nil {
		return Envelope{}, errors.Wrap(err, "unmarshal payload")
	}

	var ts timestamppb.Timestamp
	if err := proto.Unmarshal([]byte(headers[HeaderOccurredAt]), &ts); err != nil {
		return Envelope{}, errors.Wrap(err, "unmarshal occurred_at")
	}
	out.OccurredAt = ts.AsTime()
	return out, nil
}

// sanitize drops invalid UTF-8, which protobuf refuses to marshal
func sanitize(s string) string {
	return strings.ToValidUTF8(s, "")
}
