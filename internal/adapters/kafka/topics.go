package kafka

// Default topics for engine events
const (
	TopicExecutions   = "tool.executions"
	TopicBudgetAlerts = "budget.alerts"
)

// Header keys carried on every event message
const (
	HeaderEventType   = "event-type"
	HeaderContentType = "content-type"
)

// ContentTypeProtobuf marks binary protobuf payloads
const ContentTypeProtobuf = "application/x-protobuf"
